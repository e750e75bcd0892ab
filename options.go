package mastra

import "log/slog"

// Option configures a SpanTracker or StreamTracer.
type Option func(*resolvedOptions)

// resolvedOptions holds all settings after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger  *slog.Logger
	metrics bool
}

func resolveOptions(opts []Option) resolvedOptions {
	o := resolvedOptions{metrics: true}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// WithLogger sets the structured logger.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithoutMetrics disables OTEL metric instruments on the stream tracer.
// Instruments are registered against the global meter provider, which is a
// no-op unless one has been installed, so leaving metrics on is free.
func WithoutMetrics() Option {
	return func(o *resolvedOptions) { o.metrics = false }
}
