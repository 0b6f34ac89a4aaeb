// Package llm is the inference backend boundary. The engine uses it for one
// thing: summarizing task history during context compaction.
package llm

import "context"

// Provider is the abstraction over any OpenAI-compatible backend.
type Provider interface {
	// Summarize compresses a task transcript into a short summary.
	Summarize(ctx context.Context, transcript string) (string, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}
