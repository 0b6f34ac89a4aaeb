package task

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// WriteMarker implements sandbox.MarkerWriter: the event lands in the task
// history as a completed task, with the summary (when present) as output.
func (s *Scheduler) WriteMarker(ctx context.Context, sandboxID, createdBy, title, summary string) error {
	var out *Output
	if summary != "" {
		out = &Output{Text: summary}
	}
	_, err := s.CreateMarker(ctx, sandboxID, createdBy, title, out)
	return err
}

// TranscriptSince implements sandbox.TranscriptSource. It renders the
// sandbox's tasks created after since as plain text, oldest first, one
// prompt/output pair per task.
func (s *Scheduler) TranscriptSince(ctx context.Context, sandboxID string, since *time.Time) (string, error) {
	tasks, err := s.store.ListSince(ctx, sandboxID, since)
	if err != nil {
		return "", fmt.Errorf("listing tasks for transcript: %w", err)
	}

	var sb strings.Builder
	for _, t := range tasks {
		prompt := promptText(t.Input)
		if prompt != "" {
			fmt.Fprintf(&sb, "[user]: %s\n", prompt)
		}
		if t.Output != nil && t.Output.Text != "" {
			fmt.Fprintf(&sb, "[assistant]: %s\n", t.Output.Text)
		}
		if t.Error != "" {
			fmt.Fprintf(&sb, "[error]: %s\n", t.Error)
		}
	}
	return sb.String(), nil
}

// promptText pulls the human-readable prompt out of a task input.
func promptText(input map[string]any) string {
	for _, key := range []string{"prompt", "message", "marker"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
