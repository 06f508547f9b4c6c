package types

import "context"

type contextKey string

const runIDKey contextKey = "run_id"

// WithRunID attaches a job-run correlation ID to the context. Every cron
// invocation stamps a fresh run ID so log lines and outbound requests from
// the same pass can be correlated.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID returns the run ID from the context, or "" if none was set.
func GetRunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok {
		return v
	}
	return ""
}
