package loop

import "time"

// options holds resolved Loop configuration.
type options struct {
	precision      time.Duration
	debugThreshold time.Duration
	logger         Logger
}

// Option configures a Loop at construction.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithPrecision sets the loop's timer precision: the longest the loop
// will block in poll when no timer is pending, which bounds how stale
// Time()'s per-tick cached value can get during an otherwise idle wait.
// Defaults to one second; tests commonly pass a much smaller value.
func WithPrecision(d time.Duration) Option {
	return optionFunc(func(o *options) { o.precision = d })
}

// WithDebug enables the debug-mode slow-callback diagnostic: if any
// single sink or timer callback takes longer than threshold to return,
// a diagnostic is written through the structured Logger. A zero or
// negative threshold disables the check (the default).
func WithDebug(threshold time.Duration) Option {
	return optionFunc(func(o *options) { o.debugThreshold = threshold })
}

// WithLogger overrides the loop's structured logger. Defaults to the
// package-level global logger (see SetStructuredLogger).
func WithLogger(l Logger) Option {
	return optionFunc(func(o *options) {
		if l != nil {
			o.logger = l
		}
	})
}

func resolveOptions(opts []Option) *options {
	cfg := &options{
		precision: time.Second,
		logger:    getGlobalLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	return cfg
}
