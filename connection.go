package redpipe

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bradhe/stopwatch"
	"github.com/google/uuid"

	"github.com/efritz/redpipe/metrics"
)

// connState is the connection lifecycle state machine: Open <-> PubSub,
// both of which can transition to ShuttingDown and then Closed, and either
// of which can transition directly to Closed on an unexpected transport
// failure.
type connState int

const (
	stateOpen connState = iota
	statePubSub
	stateShuttingDown
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case statePubSub:
		return "pubsub"
	case stateShuttingDown:
		return "shutting_down"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pubsubAllowedCommands is the set of commands a caller may still send
// while the connection is in PubSub state.
var pubsubAllowedCommands = map[string]struct{}{
	"SUBSCRIBE":    {},
	"UNSUBSCRIBE":  {},
	"PSUBSCRIBE":   {},
	"PUNSUBSCRIBE": {},
	"PING":         {},
	"QUIT":         {},
}

// Connection is a single long-lived client connection to a Redis server: one
// TCP or TLS socket, one reader goroutine, and the request/response
// correlator and pubsub dispatcher that share it.
type Connection struct {
	// ID uniquely identifies this Connection instance for logging and
	// metrics correlation.
	ID uuid.UUID

	cfg       *Config
	transport Transport

	eventLogger EventLogger
	reporter    *metrics.Reporter

	// writeMu serializes every write to the transport's Encoder, including
	// the flush that follows it under auto-flush = true.
	writeMu sync.Mutex

	// stateMu protects state and dispatcher. Held only for the brief
	// bookkeeping around a state transition, never across a blocking I/O
	// call.
	stateMu    sync.Mutex
	state      connState
	dispatcher *dispatcher

	correlator *correlator

	autoFlush          atomic.Bool
	allowSubscriptions atomic.Bool
	connected          atomic.Bool

	readerDone chan struct{}

	finishOnce  sync.Once
	closeFuture *Future
}

// Dial establishes a Connection to address, running the breaker-wrapped
// transport dial and the AUTH/SELECT startup handshake synchronously before
// returning.
func Dial(address string, configs ...ConfigFunc) (*Connection, error) {
	cfg := NewConfig(address, configs...)

	dial, err := NewDialFunc(cfg)
	if err != nil {
		return nil, err
	}

	return dialWithFunc(cfg, dial)
}

func dialWithFunc(cfg *Config, dial DialFunc) (*Connection, error) {
	cfg.EventLogger.Report(nil, LogConnecting{Address: cfg.Address})
	watch := stopwatch.Start()

	var transport Transport
	err := cfg.breakerFunc(func(ctx context.Context) error {
		t, derr := dial()
		if derr != nil {
			return derr
		}
		transport = t
		return nil
	})
	if err != nil {
		wrapped := ErrTransport.Wrap(err, "dial %s", cfg.Address)
		cfg.EventLogger.Report(nil, LogStartupFailed{Address: cfg.Address, Err: wrapped})
		return nil, wrapped
	}

	conn := &Connection{
		ID:          uuid.New(),
		cfg:         cfg,
		transport:   transport,
		eventLogger: cfg.EventLogger,
		reporter:    cfg.Reporter,
		correlator:  newCorrelator(cfg.clock, cfg.Reporter),
		state:       stateOpen,
		readerDone:  make(chan struct{}),
		closeFuture: newFuture(),
	}
	conn.autoFlush.Store(cfg.AutoFlush)
	conn.allowSubscriptions.Store(cfg.AllowSubscriptions)

	if err := conn.handshakeStartup(cfg); err != nil {
		transport.Close()
		cfg.EventLogger.Report(conn, LogStartupFailed{Address: cfg.Address, Err: err})
		return nil, err
	}

	conn.connected.Store(true)
	cfg.Reporter.ConnectionOpened()
	cfg.EventLogger.Report(conn, LogConnected{Address: cfg.Address, DialMillis: int64(watch.Stop().Milliseconds())})

	go conn.readLoop()

	return conn, nil
}

// handshakeStartup runs AUTH (if a password is configured) and SELECT (if an
// initial database is configured), reading each reply directly off the
// transport before the reader goroutine starts.
func (c *Connection) handshakeStartup(cfg *Config) error {
	if cfg.Password != "" {
		args := []string{}
		if cfg.Username != "" {
			args = append(args, cfg.Username)
		}
		args = append(args, cfg.Password)
		if err := c.runHandshakeCommand("AUTH", args...); err != nil {
			return ErrStartupFailed.Wrap(err, "AUTH rejected")
		}
	}

	if cfg.InitialDatabase != nil {
		if err := c.runHandshakeCommand("SELECT", strconv.Itoa(*cfg.InitialDatabase)); err != nil {
			return ErrStartupFailed.Wrap(err, "SELECT rejected")
		}
	}

	return nil
}

func (c *Connection) runHandshakeCommand(command string, args ...string) error {
	req := NewRequest(command, args...)

	enc := c.transport.Encoder()
	if err := enc.EncodeCommand(req.Command, req.Args...); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}

	v, err := c.transport.Decoder().Decode()
	if err != nil {
		return err
	}
	if v.IsError() {
		return fmt.Errorf("%s", string(v.Err))
	}
	if s, ok := v.String(); !ok || s != "OK" {
		return fmt.Errorf("unexpected reply to %s: %s", command, v.GoString())
	}
	return nil
}

// readLoop is the dedicated reader goroutine: it blocks on the RESP decoder
// and routes every decoded Value to either the pubsub dispatcher or the
// correlator, until the transport errors.
func (c *Connection) readLoop() {
	defer close(c.readerDone)

	for {
		v, err := c.transport.Decoder().Decode()
		if err != nil {
			c.finish(err)
			return
		}

		c.stateMu.Lock()
		inPubSub := c.state == statePubSub
		disp := c.dispatcher
		c.stateMu.Unlock()

		if inPubSub && disp != nil {
			result, cerr := disp.classify(v)
			if cerr != nil {
				c.finish(cerr)
				return
			}
			if result == classifyHandled {
				continue
			}
			// classifyNotPubSub falls through to the correlator below
			// (e.g. a PING reply arriving while subscribed).
		}

		c.correlator.resolve(v)
	}
}

// finish tears the connection down exactly once, regardless of whether it
// was triggered by a read error, a write error, or a clean QUIT exchange
// from Close. It fails every pending Future with ConnectionClosed, closes
// the transport, and reports the appropriate lifecycle event.
func (c *Connection) finish(cause error) {
	c.finishOnce.Do(func() {
		c.stateMu.Lock()
		prevState := c.state
		disp := c.dispatcher
		c.state = stateClosed
		c.dispatcher = nil
		c.stateMu.Unlock()

		c.connected.Store(false)
		c.transport.Close()

		closeErr := ErrConnectionClosed.New("connection closed")
		c.correlator.failAll(closeErr)
		if disp != nil {
			disp.failAll(closeErr)
		}

		c.reporter.ConnectionClosed()

		if prevState == stateOpen || prevState == statePubSub {
			c.eventLogger.Report(c, LogUnexpectedClosure{Address: c.cfg.Address, Err: cause})
			if c.cfg.UnexpectedCloseFunc != nil {
				c.cfg.UnexpectedCloseFunc(cause)
			}
		} else {
			c.eventLogger.Report(c, LogGracefulClose{Address: c.cfg.Address})
		}

		c.closeFuture.resolve(nil)
	})
}

// Close begins a graceful shutdown: QUIT is written, its reply is awaited
// through the normal correlator path, and the transport is then closed.
// Idempotent: every call returns the same Future, which resolves once the
// transport is fully closed.
func (c *Connection) Close() *Future {
	c.stateMu.Lock()
	if c.state == stateOpen || c.state == statePubSub {
		c.state = stateShuttingDown
		c.connected.Store(false)
		c.stateMu.Unlock()
		go c.gracefulClose()
	} else {
		c.stateMu.Unlock()
	}
	return c.closeFuture
}

func (c *Connection) gracefulClose() {
	c.writeMu.Lock()
	future := c.correlator.enqueue(NewCommand("QUIT"))
	err := c.writeRequestLocked(NewRequest("QUIT"))
	c.writeMu.Unlock()

	if err != nil {
		c.finish(err)
		return
	}

	// Blocks until readLoop delivers QUIT's reply, or until finish() fires
	// from a read error and fails every pending Future (including this
	// one) instead.
	future.Wait(context.Background())

	c.finish(nil)
}

// Send submits sig's requests as one pipelined write and returns a Future
// for its combined result. Rejected synchronously, without touching the
// transport, if the connection is closed or if sig contains a command that
// is not on the PubSub allow-list while subscribed.
func (c *Connection) Send(sig CommandSignature) *Future {
	if !c.connected.Load() {
		return failedFuture(ErrConnectionClosed.New("connection is closed"))
	}

	requests := sig.Requests()
	if len(requests) == 0 {
		return failedFuture(ErrAssertionFailure.New("cannot send a command signature with zero requests"))
	}

	c.stateMu.Lock()
	state := c.state
	c.stateMu.Unlock()

	if state == statePubSub && !allowedInPubSub(requests) {
		return failedFuture(ErrInPubSubMode.New("command not allowed while subscribed"))
	}
	if state == stateShuttingDown || state == stateClosed {
		return failedFuture(ErrConnectionClosed.New("connection is closed"))
	}

	// enqueue and the wire write happen under the same lock so the
	// correlator's FIFO order always matches the order requests actually
	// hit the socket, even when Send is called concurrently.
	c.writeMu.Lock()
	future := c.correlator.enqueue(sig)
	err := c.writeRequestsLocked(requests)
	c.writeMu.Unlock()

	if err != nil {
		c.finish(err)
	}

	return future
}

// writeRequest writes req and flushes it immediately, independent of the
// auto-flush switch. Used for commands (SUBSCRIBE and friends) that must
// reach the server regardless of buffering state.
func (c *Connection) writeRequest(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeRequestLocked(req)
}

func (c *Connection) writeRequestLocked(req Request) error {
	enc := c.transport.Encoder()
	if err := enc.EncodeCommand(req.Command, req.Args...); err != nil {
		return ErrTransport.Wrap(err, "write %s", req.Command)
	}
	if err := enc.Flush(); err != nil {
		return ErrTransport.Wrap(err, "flush")
	}
	return nil
}

// writeRequestsLocked writes every request in order, flushing once at the
// end only if auto-flush is enabled. Caller must hold writeMu.
func (c *Connection) writeRequestsLocked(requests []Request) error {
	enc := c.transport.Encoder()
	for _, req := range requests {
		if err := enc.EncodeCommand(req.Command, req.Args...); err != nil {
			return ErrTransport.Wrap(err, "write %s", req.Command)
		}
	}
	if c.autoFlush.Load() {
		if err := enc.Flush(); err != nil {
			return ErrTransport.Wrap(err, "flush")
		}
	}
	return nil
}

// Flush writes out any buffered-but-unflushed bytes immediately, regardless
// of the auto-flush switch.
func (c *Connection) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.transport.Encoder().Flush(); err != nil {
		wrapped := ErrTransport.Wrap(err, "flush")
		c.finish(wrapped)
		return wrapped
	}
	return nil
}

// AutoFlush reports the current value of the auto-flush switch.
func (c *Connection) AutoFlush() bool {
	return c.autoFlush.Load()
}

// SetAutoFlush sets the auto-flush switch. Flipping it from false to true
// flushes any buffered bytes exactly once.
func (c *Connection) SetAutoFlush(enabled bool) error {
	was := c.autoFlush.Swap(enabled)
	if enabled && !was {
		return c.Flush()
	}
	return nil
}

// AllowSubscriptions reports whether subscribe/psubscribe are currently
// permitted on this connection.
func (c *Connection) AllowSubscriptions() bool {
	return c.allowSubscriptions.Load()
}

// SetAllowSubscriptions toggles whether subscribe/psubscribe are permitted.
// Disabling it while subscribed is treated as an implicit request to leave
// PubSub entirely rather than merely blocking new subscribe calls, so it
// also issues an UNSUBSCRIBE and PUNSUBSCRIBE from everything.
func (c *Connection) SetAllowSubscriptions(enabled bool) {
	was := c.allowSubscriptions.Swap(enabled)
	if was && !enabled {
		c.stateMu.Lock()
		inPubSub := c.state == statePubSub
		c.stateMu.Unlock()

		if inPubSub {
			c.Unsubscribe(nil)
			c.PUnsubscribe(nil)
		}
	}
}

// IsConnected reports whether the connection can still accept new requests.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// IsSubscribed reports whether the connection is currently in PubSub state.
func (c *Connection) IsSubscribed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state == statePubSub
}

// Subscribe subscribes to channels, routing every message pushed to any of
// them to receiver. onSubscribe, if non-nil, is invoked once per server
// acknowledgement with (channel, current channel+pattern count). The
// returned Future resolves once all len(channels) acknowledgements have
// arrived.
func (c *Connection) Subscribe(channels []string, receiver Receiver, onSubscribe SubscriptionHook) *Future {
	return c.subscribeTargets("SUBSCRIBE", channels, receiver, onSubscribe, true)
}

// PSubscribe is Subscribe for glob patterns.
func (c *Connection) PSubscribe(patterns []string, receiver Receiver, onSubscribe SubscriptionHook) *Future {
	return c.subscribeTargets("PSUBSCRIBE", patterns, receiver, onSubscribe, false)
}

func (c *Connection) subscribeTargets(command string, targets []string, receiver Receiver, onSubscribe SubscriptionHook, isChannel bool) *Future {
	if !c.connected.Load() {
		return failedFuture(ErrConnectionClosed.New("connection is closed"))
	}
	if !c.allowSubscriptions.Load() {
		return failedFuture(ErrPubSubNotAllowed.New("subscriptions are not allowed on this connection"))
	}
	if len(targets) == 0 {
		return failedFuture(ErrAssertionFailure.New("cannot subscribe to zero targets"))
	}

	c.stateMu.Lock()
	if c.state == stateShuttingDown || c.state == stateClosed {
		c.stateMu.Unlock()
		return failedFuture(ErrConnectionClosed.New("connection is closed"))
	}

	wasNew := false
	if c.state == stateOpen {
		c.dispatcher = newDispatcher(c.reporter, c.onDispatcherEmpty)
		c.state = statePubSub
		wasNew = true
	}
	disp := c.dispatcher
	c.stateMu.Unlock()

	call := &subscribeCall{future: newFuture(), remaining: len(targets), onHook: onSubscribe}
	for _, target := range targets {
		if isChannel {
			disp.registerChannel(target, receiver, call)
		} else {
			disp.registerPattern(target, receiver, call)
		}
	}

	if err := c.writeRequest(NewRequest(command, targets...)); err != nil {
		if wasNew {
			c.stateMu.Lock()
			if c.state == statePubSub && c.dispatcher == disp {
				c.state = stateOpen
				c.dispatcher = nil
			}
			c.stateMu.Unlock()
		}
		c.finish(err)
		call.future.fail(ErrConnectionClosed.New("connection closed"))
		return call.future
	}

	return call.future
}

// Unsubscribe unsubscribes from channels, or from every currently
// subscribed channel if channels is empty. A no-op success if the
// connection is not currently in PubSub state.
func (c *Connection) Unsubscribe(channels []string) *Future {
	return c.unsubscribeTargets("UNSUBSCRIBE", channels, true)
}

// PUnsubscribe is Unsubscribe for glob patterns.
func (c *Connection) PUnsubscribe(patterns []string) *Future {
	return c.unsubscribeTargets("PUNSUBSCRIBE", patterns, false)
}

func (c *Connection) unsubscribeTargets(command string, targets []string, isChannel bool) *Future {
	c.stateMu.Lock()
	state := c.state
	disp := c.dispatcher
	c.stateMu.Unlock()

	if state != statePubSub || disp == nil {
		return resolvedFuture(0)
	}

	if len(targets) == 0 {
		if isChannel {
			targets = disp.allChannels()
		} else {
			targets = disp.allPatterns()
		}
	}

	if len(targets) == 0 {
		// Nothing registered locally, but Redis still replies to a bare
		// UNSUBSCRIBE/PUNSUBSCRIBE with a single null-target acknowledgement.
		call := &subscribeCall{future: newFuture(), remaining: 1}
		disp.queueUnsubscribe("", call)
		if err := c.writeRequest(NewRequest(command)); err != nil {
			c.finish(err)
		}
		return call.future
	}

	call := &subscribeCall{future: newFuture(), remaining: len(targets)}
	for _, target := range targets {
		disp.queueUnsubscribe(target, call)
	}

	if err := c.writeRequest(NewRequest(command, targets...)); err != nil {
		c.finish(err)
	}

	return call.future
}

// onDispatcherEmpty returns the connection to Open once disp's combined
// channel+pattern registry has drained to zero. Guarded by identity so a
// stale callback from a since-replaced dispatcher is a no-op.
func (c *Connection) onDispatcherEmpty(disp *dispatcher) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == statePubSub && c.dispatcher == disp {
		c.state = stateOpen
		c.dispatcher = nil
	}
}

func allowedInPubSub(requests []Request) bool {
	for _, req := range requests {
		if _, ok := pubsubAllowedCommands[req.Command]; !ok {
			return false
		}
	}
	return true
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.fail(err)
	return f
}

func resolvedFuture(result interface{}) *Future {
	f := newFuture()
	f.resolve(result)
	return f
}

// Logging returns a handle that routes Send through conn but directs its
// own diagnostic output to logger instead of conn's configured Logger,
// without altering the connection itself.
func (c *Connection) Logging(logger Logger) *LoggingHandle {
	return &LoggingHandle{conn: c, logger: logger}
}

// LoggingHandle is the result of Connection.Logging.
type LoggingHandle struct {
	conn   *Connection
	logger Logger
}

// Send logs the outgoing request count and then delegates to the underlying
// Connection.
func (h *LoggingHandle) Send(sig CommandSignature) *Future {
	h.logger.Printf("redpipe: sending %d request(s) on %s", len(sig.Requests()), h.conn.ID)
	return h.conn.Send(sig)
}
