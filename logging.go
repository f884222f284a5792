package redpipe

import (
	"log"

	"go.uber.org/zap"
)

type (
	// Logger is an interface to the logger the client writes to.
	Logger interface {
		// Printf logs a message. Arguments should be handled in the manner of fmt.Printf.
		Printf(format string, args ...interface{})
	}

	defaultLogger struct{}
	nilLogger     struct{}

	// EventLogger receives structured lifecycle events in addition to (or
	// instead of) Printf-style text.
	EventLogger interface {
		// Report is called when a lifecycle event happens on conn.
		Report(conn *Connection, event LogEvent)
	}

	// LogEvent is a closed sum type of lifecycle events a Connection may
	// report. The unexported tag method means only this package can add
	// new event kinds.
	LogEvent interface {
		logEvent()
	}

	// LogConnecting is reported just before the transport dial begins.
	LogConnecting struct{ Address string }

	// LogConnected is reported once the transport is established and the
	// startup handshake (AUTH/SELECT) has succeeded. DialMillis is the
	// total wall-clock time spent dialing and handshaking.
	LogConnected struct {
		Address    string
		DialMillis int64
	}

	// LogStartupFailed is reported when the transport dial fails, or when
	// the AUTH/SELECT startup handshake fails during connect; in the latter
	// case the transport is closed before the event is reported.
	LogStartupFailed struct {
		Address string
		Err     error
	}

	// LogUnexpectedClosure is reported exactly once, when the transport
	// closes while state was Open or PubSub (i.e. not as a result of a
	// graceful close() call).
	LogUnexpectedClosure struct {
		Address string
		Err     error
	}

	// LogGracefulClose is reported when close() completes and the
	// transport has been shut down in response to a caller's
	// Connection.Close.
	LogGracefulClose struct{ Address string }

	// defaultEventLogger routes every LogEvent through a Logger's Printf,
	// so callers that only supply a Logger still see lifecycle events.
	defaultEventLogger struct {
		logger Logger
	}

	// ZapEventLogger adapts *zap.Logger to EventLogger for callers who
	// want structured fields instead of formatted text.
	ZapEventLogger struct {
		logger *zap.Logger
	}
)

func (LogConnecting) logEvent()        {}
func (LogConnected) logEvent()         {}
func (LogStartupFailed) logEvent()     {}
func (LogUnexpectedClosure) logEvent() {}
func (LogGracefulClose) logEvent()     {}

// NewNilLogger returns a Logger that discards everything written to it.
func NewNilLogger() Logger {
	return &nilLogger{}
}

func (l *defaultLogger) Printf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

func (l *nilLogger) Printf(format string, args ...interface{}) {}

func newDefaultEventLogger(logger Logger) EventLogger {
	return &defaultEventLogger{logger: logger}
}

func (l *defaultEventLogger) Report(conn *Connection, event LogEvent) {
	switch ev := event.(type) {
	case LogConnecting:
		l.logger.Printf("redpipe: connecting to %s", ev.Address)
	case LogConnected:
		l.logger.Printf("redpipe: connected to %s in %dms", ev.Address, ev.DialMillis)
	case LogStartupFailed:
		l.logger.Printf("redpipe: startup handshake with %s failed: %s", ev.Address, ev.Err)
	case LogUnexpectedClosure:
		l.logger.Printf("redpipe: connection to %s closed unexpectedly: %s", ev.Address, ev.Err)
	case LogGracefulClose:
		l.logger.Printf("redpipe: connection to %s closed", ev.Address)
	default:
		l.logger.Printf("redpipe: unrecognized event %#v", event)
	}
}

// NewZapEventLogger wraps logger as an EventLogger.
func NewZapEventLogger(logger *zap.Logger) *ZapEventLogger {
	return &ZapEventLogger{logger: logger}
}

// Report implements EventLogger.
func (z *ZapEventLogger) Report(conn *Connection, event LogEvent) {
	switch ev := event.(type) {
	case LogConnecting:
		z.logger.Info("connecting", zap.String("address", ev.Address))
	case LogConnected:
		z.logger.Info("connected", zap.String("address", ev.Address), zap.Int64("dial_ms", ev.DialMillis))
	case LogStartupFailed:
		z.logger.Error("startup handshake failed", zap.String("address", ev.Address), zap.Error(ev.Err))
	case LogUnexpectedClosure:
		z.logger.Warn("connection closed unexpectedly", zap.String("address", ev.Address), zap.Error(ev.Err))
	case LogGracefulClose:
		z.logger.Info("connection closed", zap.String("address", ev.Address))
	default:
		z.logger.Warn("unrecognized event", zap.Any("event", event))
	}
}
