package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/sandbox"
)

type fakeMarkers struct {
	titles    []string
	summaries []string
	err       error
}

func (m *fakeMarkers) WriteMarker(_ context.Context, _, _, title, summary string) error {
	if m.err != nil {
		return m.err
	}
	m.titles = append(m.titles, title)
	m.summaries = append(m.summaries, summary)
	return nil
}

type fakeTranscripts struct {
	text string
	err  error
}

func (f *fakeTranscripts) TranscriptSince(_ context.Context, _ string, _ *time.Time) (string, error) {
	return f.text, f.err
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (f *fakeSummarizer) Name() string { return "fake" }

func (f *fakeSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	return f.summary, f.err
}

func testAccountant(t *testing.T, provider *fakeSummarizer) (*sandbox.Accountant, sandbox.Store, *fakeMarkers, string) {
	t.Helper()
	reg, store, _ := testRegistry(t)
	sb, err := reg.Create(context.Background(), sandbox.CreateRequest{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}

	markers := &fakeMarkers{}
	acct := sandbox.NewAccountant(store, provider, 1000, testLogger()).
		WithMarkerWriter(markers).
		WithTranscriptSource(&fakeTranscripts{text: "task history"})
	return acct, store, markers, sb.ID
}

func TestAccountantReportAndUsage(t *testing.T) {
	acct, _, _, id := testAccountant(t, &fakeSummarizer{})
	ctx := context.Background()

	if err := acct.ReportUsage(ctx, id, 400); err != nil {
		t.Fatalf("reporting usage: %v", err)
	}
	u, err := acct.Usage(ctx, id)
	if err != nil {
		t.Fatalf("reading usage: %v", err)
	}
	if u.UsedTokensEstimated != 400 {
		t.Errorf("estimate = %d, want 400", u.UsedTokensEstimated)
	}
	if u.UsedPercent != 40 {
		t.Errorf("used percent = %.1f, want 40", u.UsedPercent)
	}
	if u.Basis != sandbox.UsageBasis {
		t.Errorf("basis = %q, want %q", u.Basis, sandbox.UsageBasis)
	}

	// Negative reports clamp to zero.
	if err := acct.ReportUsage(ctx, id, -50); err != nil {
		t.Fatalf("reporting negative usage: %v", err)
	}
	u, _ = acct.Usage(ctx, id)
	if u.UsedTokensEstimated != 0 {
		t.Errorf("estimate after negative report = %d, want 0", u.UsedTokensEstimated)
	}

	if _, err := acct.Usage(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("usage of unknown sandbox: got %v, want ErrNotFound", err)
	}
}

func TestAccountantCheckCapacity(t *testing.T) {
	acct, _, _, id := testAccountant(t, &fakeSummarizer{})
	ctx := context.Background()

	if err := acct.CheckCapacity(ctx, id); err != nil {
		t.Errorf("empty context should pass: %v", err)
	}

	if err := acct.ReportUsage(ctx, id, 1000); err != nil {
		t.Fatalf("reporting usage: %v", err)
	}
	if err := acct.CheckCapacity(ctx, id); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("full context: got %v, want ErrConflict", err)
	}
}

func TestAccountantClear(t *testing.T) {
	acct, store, markers, id := testAccountant(t, &fakeSummarizer{})
	ctx := context.Background()

	if err := acct.ReportUsage(ctx, id, 900); err != nil {
		t.Fatalf("reporting usage: %v", err)
	}
	if err := acct.Clear(ctx, id, "alice"); err != nil {
		t.Fatalf("clearing context: %v", err)
	}

	u, _ := acct.Usage(ctx, id)
	if u.UsedTokensEstimated != 0 {
		t.Errorf("estimate after clear = %d, want 0", u.UsedTokensEstimated)
	}
	if u.CutoffAt == nil {
		t.Error("cutoff should be set after clear")
	}
	if len(markers.titles) != 1 || markers.titles[0] != "Context cleared" {
		t.Errorf("markers = %v, want one clear marker", markers.titles)
	}

	sb, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("reading sandbox: %v", err)
	}
	if sb.ContextCutoffAt == nil || sb.LastContextLength != 0 {
		t.Errorf("stored state after clear: cutoff=%v length=%d", sb.ContextCutoffAt, sb.LastContextLength)
	}
}

func TestAccountantStaleMeasurementCountsZero(t *testing.T) {
	acct, store, _, id := testAccountant(t, &fakeSummarizer{})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Measurement at T, cutoff at T+1m: the history it measured is gone.
	if err := store.SetContextLength(ctx, id, 700, base); err != nil {
		t.Fatalf("setting context length: %v", err)
	}
	if err := store.SetContextCutoff(ctx, id, base.Add(time.Minute)); err != nil {
		t.Fatalf("setting cutoff: %v", err)
	}

	u, err := acct.Usage(ctx, id)
	if err != nil {
		t.Fatalf("reading usage: %v", err)
	}
	if u.UsedTokensEstimated != 0 {
		t.Errorf("stale estimate = %d, want 0", u.UsedTokensEstimated)
	}

	// A fresh measurement after the cutoff counts again.
	if err := store.SetContextLength(ctx, id, 300, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("setting context length: %v", err)
	}
	u, _ = acct.Usage(ctx, id)
	if u.UsedTokensEstimated != 300 {
		t.Errorf("fresh estimate = %d, want 300", u.UsedTokensEstimated)
	}
}

func TestAccountantCompact(t *testing.T) {
	provider := &fakeSummarizer{summary: "condensed history"}
	acct, store, markers, id := testAccountant(t, provider)
	ctx := context.Background()

	if err := acct.Compact(ctx, id, "alice"); err != nil {
		t.Fatalf("compacting: %v", err)
	}
	sb, _ := store.Get(ctx, id)
	if sb.ContextCutoffAt == nil {
		t.Error("cutoff should advance after compact")
	}
	if len(markers.summaries) != 1 || markers.summaries[0] != "condensed history" {
		t.Errorf("markers = %v, want the summary", markers.summaries)
	}
}

func TestAccountantCompactFailureKeepsCutoff(t *testing.T) {
	provider := &fakeSummarizer{err: errors.New("model unavailable")}
	acct, store, markers, id := testAccountant(t, provider)
	ctx := context.Background()

	if err := acct.Compact(ctx, id, "alice"); err == nil {
		t.Fatal("compact should surface the summarization failure")
	}
	sb, _ := store.Get(ctx, id)
	if sb.ContextCutoffAt != nil {
		t.Error("a failed compact must not advance the cutoff")
	}
	if len(markers.titles) != 0 {
		t.Errorf("a failed compact must not write markers, got %v", markers.titles)
	}
}

func TestAccountantCompactMarkerFailureKeepsCutoff(t *testing.T) {
	acct, store, markers, id := testAccountant(t, &fakeSummarizer{summary: "condensed"})
	markers.err = errors.New("marker store down")
	ctx := context.Background()

	// The summary was produced but never recorded; advancing the cutoff now
	// would fence off history without its replacement.
	if err := acct.Compact(ctx, id, "alice"); err == nil {
		t.Fatal("compact should surface the marker-write failure")
	}
	sb, _ := store.Get(ctx, id)
	if sb.ContextCutoffAt != nil {
		t.Error("a lost summary must not advance the cutoff")
	}
}

func TestAccountantCompactEmptyTranscript(t *testing.T) {
	acct, store, markers, id := testAccountant(t, &fakeSummarizer{summary: "unused"})
	acct.WithTranscriptSource(&fakeTranscripts{text: ""})
	ctx := context.Background()

	if err := acct.Compact(ctx, id, "alice"); err != nil {
		t.Fatalf("compacting empty history: %v", err)
	}
	sb, _ := store.Get(ctx, id)
	if sb.ContextCutoffAt != nil {
		t.Error("compacting nothing must not advance the cutoff")
	}
	if len(markers.titles) != 0 {
		t.Errorf("compacting nothing must not write markers, got %v", markers.titles)
	}
}

func TestAccountantCompactNotConfigured(t *testing.T) {
	reg, store, _ := testRegistry(t)
	sb, err := reg.Create(context.Background(), sandbox.CreateRequest{})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}

	acct := sandbox.NewAccountant(store, nil, 0, testLogger())
	if err := acct.Compact(context.Background(), sb.ID, "alice"); !errors.Is(err, domain.ErrUpstream) {
		t.Errorf("compact without provider: got %v, want ErrUpstream", err)
	}
}

func TestAccountantRefusesUnaddressable(t *testing.T) {
	reg, store, _ := testRegistry(t)
	ctx := context.Background()

	sb, err := reg.Create(ctx, sandbox.CreateRequest{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if err := reg.BeginTermination(ctx, sb.ID, "test"); err != nil {
		t.Fatalf("beginning termination: %v", err)
	}

	markers := &fakeMarkers{}
	acct := sandbox.NewAccountant(store, &fakeSummarizer{summary: "s"}, 1000, testLogger()).
		WithMarkerWriter(markers).
		WithTranscriptSource(&fakeTranscripts{text: "history"})

	if err := acct.Clear(ctx, sb.ID, "alice"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("clear on terminating sandbox: got %v, want ErrConflict", err)
	}
	if err := acct.Compact(ctx, sb.ID, "alice"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("compact on terminating sandbox: got %v, want ErrConflict", err)
	}
	if len(markers.titles) != 0 {
		t.Errorf("no markers expected, got %v", markers.titles)
	}
}
