package dbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options configures a Connection (spec's ambient configuration layer).
// The zero value is not meant to be constructed directly; use
// DefaultOptions and the With* functional options, following the
// functional-options idiom used throughout the example corpus's service
// entry points.
type Options struct {
	Address     string
	Logger      zerolog.Logger
	Registry    prometheus.Registerer
	DialTimeout time.Duration
	CallTimeout time.Duration
	NegotiateUnixFDs bool
}

// Option mutates an Options in place.
type Option func(*Options)

// DefaultOptions returns the baseline configuration: a no-op logger, the
// default Prometheus registerer, and conservative timeouts.
func DefaultOptions() Options {
	return Options{
		Logger:      zerolog.Nop(),
		Registry:    prometheus.DefaultRegisterer,
		DialTimeout: 10 * time.Second,
		CallTimeout: 25 * time.Second,
	}
}

// WithAddress overrides the bus address instead of resolving it from the
// environment / well-known session and system bus locations: Connect
// dials it in place of its address argument. SessionBus still fails
// before dialling when DBUS_SESSION_BUS_ADDRESS is unset.
func WithAddress(address string) Option {
	return func(o *Options) { o.Address = address }
}

// WithLogger installs a structured logger; Connection and its
// sub-components log through it (see log.go).
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithRegistry installs the Prometheus registerer metrics are registered
// against, so multiple Connections in one process don't collide on
// metric registration.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registry = reg }
}

// WithDialTimeout bounds how long Connect waits for the transport
// connect to complete. The SASL handshake that follows is not bounded
// by it.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// WithCallTimeout sets the default per-call timeout used by
// InvokeMethodSynchronously and InvokeMethodAsynchronously when the
// caller does not supply a context deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.CallTimeout = d }
}

// WithUnixFDNegotiation enables NEGOTIATE_UNIX_FD during the SASL
// handshake, required before any message may carry 'h' (UnixFD) typed
// arguments.
func WithUnixFDNegotiation(enabled bool) Option {
	return func(o *Options) { o.NegotiateUnixFDs = enabled }
}

func (o Options) apply(opts []Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
