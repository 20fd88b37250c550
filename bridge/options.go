package bridge

import "log/slog"

// Option configures a Bridge.
type Option func(*Bridge)

// WithLoginPolicy sets the retry policy for Login. Default: DefaultPolicy.
func WithLoginPolicy(p Policy) Option {
	return func(b *Bridge) {
		b.loginPolicy = p
	}
}

// WithRefreshPolicy sets the retry policy for Refresh. Default: DefaultPolicy.
func WithRefreshPolicy(p Policy) Option {
	return func(b *Bridge) {
		b.refreshPolicy = p
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}
