package flush

import "github.com/rs/zerolog"

// Option is a set of configurable parameters. If left empty, defaults
// will be used
type Option func(l *Layer)

// WithLogger sets the logger. Connections and groups derive child loggers from it.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Layer) {
		l.logger = logger
	}
}

// WithParameters overrides DefaultParameters
func WithParameters(params Parameters) Option {
	return func(l *Layer) {
		l.params = params
	}
}

// WithTracing records every input to each group state machine and the outputs
// it produced. See Conn.Trace
func WithTracing() Option {
	return func(l *Layer) {
		l.tracing = true
	}
}
