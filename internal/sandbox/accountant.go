package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/llm"
)

// DefaultSoftLimitTokens is the context soft limit applied when the config
// leaves it unset.
const DefaultSoftLimitTokens = 128_000

// UsageBasis names how the usage estimate is derived. The engine never
// counts tokens itself; it trusts the agent's last report.
const UsageBasis = "last_reported_context_length"

// MarkerWriter records a context clear/compact event as a completed task in
// the sandbox's history. Implemented by the task scheduler.
type MarkerWriter interface {
	WriteMarker(ctx context.Context, sandboxID, createdBy, title, summary string) error
}

// TranscriptSource renders a sandbox's task history since a point in time as
// plain text for summarization. Implemented by the task scheduler.
type TranscriptSource interface {
	TranscriptSince(ctx context.Context, sandboxID string, since *time.Time) (string, error)
}

// ContextUsage is the usage report returned to clients.
type ContextUsage struct {
	SoftLimitTokens     int64      `json:"soft_limit_tokens"`
	UsedTokensEstimated int64      `json:"used_tokens_estimated"`
	UsedPercent         float64    `json:"used_percent"`
	Basis               string     `json:"basis"`
	CutoffAt            *time.Time `json:"cutoff_at,omitempty"`
	MeasuredAt          *time.Time `json:"measured_at,omitempty"`
}

// Accountant tracks per-sandbox context consumption and performs the two
// recovery operations, clear and compact. It never measures tokens; the
// estimate is whatever length the agent last reported, zeroed when that
// report predates the cutoff.
type Accountant struct {
	store       Store
	markers     MarkerWriter
	transcripts TranscriptSource
	provider    llm.Provider
	logger      *slog.Logger
	now         func() time.Time
	softLimit   int64
}

// NewAccountant creates an Accountant. Markers and transcripts are wired
// with the With setters; softLimit 0 selects the default.
func NewAccountant(store Store, provider llm.Provider, softLimit int64, logger *slog.Logger) *Accountant {
	if softLimit <= 0 {
		softLimit = DefaultSoftLimitTokens
	}
	return &Accountant{
		store:     store,
		provider:  provider,
		logger:    logger,
		now:       time.Now,
		softLimit: softLimit,
	}
}

// WithMarkerWriter wires the task scheduler's marker path.
func (a *Accountant) WithMarkerWriter(mw MarkerWriter) *Accountant {
	a.markers = mw
	return a
}

// WithTranscriptSource wires the task scheduler's transcript rendering.
func (a *Accountant) WithTranscriptSource(ts TranscriptSource) *Accountant {
	a.transcripts = ts
	return a
}

// WithNow overrides the clock. Tests only.
func (a *Accountant) WithNow(now func() time.Time) *Accountant {
	a.now = now
	return a
}

// ReportUsage stores the agent-reported prompt length, clamped at zero.
func (a *Accountant) ReportUsage(ctx context.Context, sandboxID string, tokens int64) error {
	if _, err := a.store.Get(ctx, sandboxID); err != nil {
		return err
	}
	if tokens < 0 {
		tokens = 0
	}
	return a.store.SetContextLength(ctx, sandboxID, tokens, a.now().UTC())
}

// Usage returns the current estimate. A measurement taken before the cutoff
// describes history that no longer exists, so it counts as zero.
func (a *Accountant) Usage(ctx context.Context, sandboxID string) (*ContextUsage, error) {
	sb, err := a.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return a.usageOf(sb), nil
}

func (a *Accountant) usageOf(sb *Sandbox) *ContextUsage {
	estimate := sb.LastContextLength
	if sb.ContextCutoffAt != nil &&
		(sb.ContextMeasuredAt == nil || !sb.ContextMeasuredAt.After(*sb.ContextCutoffAt)) {
		estimate = 0
	}
	return &ContextUsage{
		SoftLimitTokens:     a.softLimit,
		UsedTokensEstimated: estimate,
		UsedPercent:         float64(estimate) / float64(a.softLimit) * 100,
		Basis:               UsageBasis,
		CutoffAt:            sb.ContextCutoffAt,
		MeasuredAt:          sb.ContextMeasuredAt,
	}
}

// CheckCapacity implements the submission guard: a sandbox whose estimate
// has reached the soft limit refuses new tasks until cleared or compacted.
func (a *Accountant) CheckCapacity(ctx context.Context, sandboxID string) error {
	u, err := a.Usage(ctx, sandboxID)
	if err != nil {
		return err
	}
	if u.UsedTokensEstimated >= u.SoftLimitTokens {
		return fmt.Errorf("%w: context is full (%d/%d tokens), clear or compact first",
			domain.ErrConflict, u.UsedTokensEstimated, u.SoftLimitTokens)
	}
	return nil
}

// Clear fences off all prior history: the cutoff moves to now, the length
// resets to zero, and a completed marker task records the event.
func (a *Accountant) Clear(ctx context.Context, sandboxID, requestedBy string) error {
	sb, err := a.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	if !sb.State.Addressable() {
		return fmt.Errorf("%w: sandbox is %s", domain.ErrConflict, sb.State)
	}

	now := a.now().UTC()
	if err := a.store.SetContextCutoff(ctx, sandboxID, now); err != nil {
		return fmt.Errorf("advancing context cutoff: %w", err)
	}
	if err := a.store.SetContextLength(ctx, sandboxID, 0, now); err != nil {
		return fmt.Errorf("resetting context length: %w", err)
	}
	if a.markers != nil {
		if err := a.markers.WriteMarker(ctx, sandboxID, requestedBy, "Context cleared", ""); err != nil {
			a.logger.Warn("writing clear marker",
				slog.String("sandbox_id", sandboxID),
				slog.String("error", err.Error()),
			)
		}
	}
	a.logger.Info("context cleared", slog.String("sandbox_id", sandboxID))
	return nil
}

// Compact summarizes the history since the cutoff and stores the summary as
// a marker task, then advances the cutoff. A summarization or marker-write
// failure leaves the cutoff untouched so no history is lost.
func (a *Accountant) Compact(ctx context.Context, sandboxID, requestedBy string) error {
	sb, err := a.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	if !sb.State.Addressable() {
		return fmt.Errorf("%w: sandbox is %s", domain.ErrConflict, sb.State)
	}
	if a.transcripts == nil || a.provider == nil {
		return fmt.Errorf("%w: compaction is not configured", domain.ErrUpstream)
	}

	transcript, err := a.transcripts.TranscriptSince(ctx, sandboxID, sb.ContextCutoffAt)
	if err != nil {
		return fmt.Errorf("building transcript: %w", err)
	}
	if transcript == "" {
		a.logger.Info("nothing to compact", slog.String("sandbox_id", sandboxID))
		return nil
	}

	summary, err := a.provider.Summarize(ctx, transcript)
	if err != nil {
		return fmt.Errorf("compacting context: %w", err)
	}

	// The summary must be durable before the cutoff fences off the history
	// it replaces; a lost marker with an advanced cutoff would be a partial
	// compaction.
	if a.markers != nil {
		if err := a.markers.WriteMarker(ctx, sandboxID, requestedBy, "Context compacted", summary); err != nil {
			return fmt.Errorf("writing compact marker: %w", err)
		}
	}
	if err := a.store.SetContextCutoff(ctx, sandboxID, a.now().UTC()); err != nil {
		return fmt.Errorf("advancing context cutoff: %w", err)
	}
	a.logger.Info("context compacted",
		slog.String("sandbox_id", sandboxID),
		slog.Int("transcript_bytes", len(transcript)),
		slog.Int("summary_bytes", len(summary)),
	)
	return nil
}
