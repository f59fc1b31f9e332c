package engine

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"maiachat/backend/internal/lease"
	"maiachat/backend/internal/metrics"
)

// DefaultMaxSteps bounds the length of a workflow definition.
const DefaultMaxSteps = 100

// Logger is the logging surface the engine needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithLocker sets the per-run lease provider. The default is in-process.
func WithLocker(l lease.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithMaxSteps sets the longest workflow the engine accepts.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithStepTimeout bounds each step's run time. Zero disables the bound.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.stepTimeout = d
		}
	}
}

// WithTokenTTL sets how long resume tokens stay valid.
func WithTokenTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tokenTTL = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTracerProvider sets where run and step spans are sent. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}
