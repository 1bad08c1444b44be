package invobot

import "context"

// Tracer records turn and tool spans for observability backends.
type Tracer interface {
	// StartSpan opens a span; the returned function closes it.
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))

	// Flush sends any buffered spans. Important for short-lived processes.
	Flush(ctx context.Context) error
}

// NoOpTracer discards all spans. Used when no tracing backend is
// configured.
type NoOpTracer struct{}

func (NoOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(error) {}
}

func (NoOpTracer) Flush(ctx context.Context) error { return nil }
