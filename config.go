package redpipe

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/efritz/glock"
	"github.com/efritz/overcurrent"
	"github.com/efritz/redpipe/metrics"
)

type (
	// Config carries everything needed to dial and hand-shake a single
	// Connection.
	Config struct {
		Address         string
		Hostname        string
		Username        string
		Password        string
		InitialDatabase *int
		TLSConfig       *tls.Config

		ConnectTimeout time.Duration
		ReadTimeout    time.Duration
		WriteTimeout   time.Duration

		AutoFlush          bool
		AllowSubscriptions bool

		Logger              Logger
		EventLogger         EventLogger
		Reporter            *metrics.Reporter
		UnexpectedCloseFunc func(err error)

		breakerFunc BreakerFunc
		clock       glock.Clock
	}

	// ConfigFunc mutates a Config under construction.
	ConfigFunc func(*Config)

	// BreakerFunc bridges the interface between the Call function of an
	// overcurrent breaker and an overcurrent registry.
	BreakerFunc func(overcurrent.BreakerFunc) error
)

// NewConfig builds a Config from its defaults plus the supplied options.
func NewConfig(address string, configs ...ConfigFunc) *Config {
	cfg := &Config{
		Address:            address,
		ConnectTimeout:     time.Second * 5,
		ReadTimeout:        time.Second * 5,
		WriteTimeout:       time.Second * 5,
		AutoFlush:          true,
		AllowSubscriptions: true,
		Logger:             &defaultLogger{},
		breakerFunc:        noopBreakerFunc,
		clock:              glock.NewRealClock(),
	}

	for _, f := range configs {
		f(cfg)
	}

	if cfg.EventLogger == nil {
		cfg.EventLogger = newDefaultEventLogger(cfg.Logger)
	}
	if cfg.Reporter == nil {
		cfg.Reporter = metrics.NewUnregisteredReporter()
	}

	return cfg
}

// WithReporter sets the metrics.Reporter instance used to record connection
// and subscription counters. Defaults to an unregistered Reporter (metrics
// are still computed, just not exported anywhere).
func WithReporter(reporter *metrics.Reporter) ConfigFunc {
	return func(c *Config) { c.Reporter = reporter }
}

func noopBreakerFunc(f overcurrent.BreakerFunc) error {
	return f(context.Background())
}

// WithHostname sets the hostname used for SNI/certificate verification.
// Required when WithTLSConfig is used.
func WithHostname(hostname string) ConfigFunc {
	return func(c *Config) { c.Hostname = hostname }
}

// WithUsername sets the ACL username sent with AUTH (default "").
func WithUsername(username string) ConfigFunc {
	return func(c *Config) { c.Username = username }
}

// WithPassword sets the password that triggers AUTH on connect (default "").
func WithPassword(password string) ConfigFunc {
	return func(c *Config) { c.Password = password }
}

// WithInitialDatabase sets the database index that triggers SELECT on
// connect.
func WithInitialDatabase(db int) ConfigFunc {
	return func(c *Config) { c.InitialDatabase = &db }
}

// WithTLSConfig enables TLS using the supplied configuration. WithHostname
// must also be supplied.
func WithTLSConfig(config *tls.Config) ConfigFunc {
	return func(c *Config) { c.TLSConfig = config }
}

// WithConnectTimeout sets the connect timeout for the transport dial
// (default is 5 seconds).
func WithConnectTimeout(timeout time.Duration) ConfigFunc {
	return func(c *Config) { c.ConnectTimeout = timeout }
}

// WithReadTimeout sets the read deadline applied to every socket read
// (default is 5 seconds).
func WithReadTimeout(timeout time.Duration) ConfigFunc {
	return func(c *Config) { c.ReadTimeout = timeout }
}

// WithWriteTimeout sets the write deadline applied to every socket write
// (default is 5 seconds).
func WithWriteTimeout(timeout time.Duration) ConfigFunc {
	return func(c *Config) { c.WriteTimeout = timeout }
}

// WithAutoFlush sets the initial value of the auto-flush switch (default
// true: every write is flushed immediately).
func WithAutoFlush(enabled bool) ConfigFunc {
	return func(c *Config) { c.AutoFlush = enabled }
}

// WithAllowSubscriptions sets the initial value of the allow-subscriptions
// switch (default true).
func WithAllowSubscriptions(enabled bool) ConfigFunc {
	return func(c *Config) { c.AllowSubscriptions = enabled }
}

// WithLogger sets the Logger instance (the default wraps Go's builtin log
// package).
func WithLogger(logger Logger) ConfigFunc {
	return func(c *Config) { c.Logger = logger }
}

// WithEventLogger sets the EventLogger instance used for structured
// lifecycle events. Defaults to one that routes through the configured
// Logger's Printf.
func WithEventLogger(logger EventLogger) ConfigFunc {
	return func(c *Config) { c.EventLogger = logger }
}

// WithUnexpectedCloseFunc registers the callback invoked at most once when
// the transport closes while state was Open or PubSub.
func WithUnexpectedCloseFunc(f func(err error)) ConfigFunc {
	return func(c *Config) { c.UnexpectedCloseFunc = f }
}

// WithBreaker sets the circuit breaker instance wrapped around the
// transport dial. The startup handshake runs outside the breaker.
func WithBreaker(breaker overcurrent.CircuitBreaker) ConfigFunc {
	return func(c *Config) { c.breakerFunc = breaker.Call }
}

// WithBreakerRegistry sets the overcurrent registry and named breaker
// config to use around the transport dial. The startup handshake runs
// outside the breaker.
func WithBreakerRegistry(registry overcurrent.Registry, name string) ConfigFunc {
	return func(c *Config) {
		c.breakerFunc = func(f overcurrent.BreakerFunc) error {
			return registry.Call(name, f, nil)
		}
	}
}

func withClock(clock glock.Clock) ConfigFunc {
	return func(c *Config) { c.clock = clock }
}
