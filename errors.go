package redpipe

import (
	"github.com/joomcode/errorx"
)

// Errors is the root namespace for every error kind this package produces.
// Errors are namespaced and traited rather than exposed as bare sentinel
// values, so callers can test a trait (ErrTraitFatal) instead of matching
// on a specific error kind.
var Errors = errorx.NewNamespace("redpipe")

// ErrTraitFatal marks an error kind that always closes the transport and
// fails every pending request with ConnectionClosed.
var ErrTraitFatal = errorx.RegisterTrait("fatal")

var (
	lifecycleErrors = Errors.NewSubNamespace("lifecycle")
	pubsubErrors    = Errors.NewSubNamespace("pubsub")
	protocolErrors  = Errors.NewSubNamespace("protocol", ErrTraitFatal)
	transportErrors = Errors.NewSubNamespace("transport", ErrTraitFatal)
	startupErrors   = Errors.NewSubNamespace("startup", ErrTraitFatal)
	serverErrors    = Errors.NewSubNamespace("server")
)

var (
	// ErrConnectionClosed is returned when a caller attempts to use a
	// connection after close() or while it is shutting down.
	ErrConnectionClosed = lifecycleErrors.NewType("connection_closed")

	// ErrPubSubNotAllowed is returned by subscribe/psubscribe when
	// allowSubscriptions is false.
	ErrPubSubNotAllowed = pubsubErrors.NewType("not_allowed")

	// ErrInPubSubMode is returned when a command other than SUBSCRIBE,
	// UNSUBSCRIBE, PSUBSCRIBE, PUNSUBSCRIBE, PING, or QUIT is attempted
	// while the connection is in PubSub state.
	ErrInPubSubMode = pubsubErrors.NewType("in_pubsub_mode")

	// ErrAssertionFailure signals a caller contract violation, such as
	// submitting a zero-length command batch.
	ErrAssertionFailure = lifecycleErrors.NewType("assertion_failure")

	// ErrProtocol reports a pubsub frame whose leading type tag is known but
	// whose shape is malformed. Always fatal. RESP framing errors from the
	// decoder are passed to the teardown path as *resp.ProtocolError, not
	// wrapped in ErrProtocol.
	ErrProtocol = protocolErrors.NewType("malformed_reply")

	// ErrTransport wraps a socket or TLS I/O failure. Always fatal.
	ErrTransport = transportErrors.NewType("io_failure")

	// ErrStartupFailed wraps an AUTH or SELECT rejection during the
	// connect handshake. Always fatal.
	ErrStartupFailed = startupErrors.NewType("handshake_failed")

	// ErrServer wraps a RESP Error value returned for a specific command.
	// Non-fatal. A RESP Error reply is handed to MakeResponse like any
	// other reply; ErrServer is produced only when a CommandSignature (such
	// as NewStrictCommand) surfaces that reply as a Go error.
	ErrServer = serverErrors.NewType("server_error")
)
