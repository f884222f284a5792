package redpipe

import (
	"sync"

	"github.com/efritz/redpipe/metrics"
	"github.com/efritz/redpipe/resp"
)

type (
	// Receiver is invoked for every message/pmessage frame routed to a
	// channel or pattern subscription. pattern is empty for a plain
	// channel subscription.
	Receiver func(channel, pattern string, payload []byte)

	// SubscriptionHook is invoked once per server acknowledgement with the
	// target name and the subscription count (channels+patterns) after
	// the change.
	SubscriptionHook func(target string, count int)

	// subscribeCall tracks one in-flight subscribe/unsubscribe request
	// until all K of its server acknowledgements have arrived: a call
	// producing K targets is satisfied only once all K acks are in.
	subscribeCall struct {
		future    *Future
		remaining int
		onHook    SubscriptionHook
	}

	// dispatcher classifies inbound Array frames while the connection is
	// in PubSub state and either completes a pending subscribeCall or
	// routes a pushed message to its Receiver.
	dispatcher struct {
		mu       sync.Mutex
		channels map[string]Receiver
		patterns map[string]Receiver

		// pendingAcks holds, per target name, the FIFO of in-flight
		// subscribeCall acknowledgements still expected for that name
		// (SUBSCRIBE/UNSUBSCRIBE to the same channel can be pipelined).
		pendingAcks map[string][]*subscribeCall

		reporter *metrics.Reporter

		// onEmpty is invoked (at most once per transition) when a removal
		// ack brings the combined registry size to zero, so the owning
		// Connection can return to Open.
		onEmpty func(*dispatcher)
	}
)

func newDispatcher(reporter *metrics.Reporter, onEmpty func(*dispatcher)) *dispatcher {
	return &dispatcher{
		channels:    make(map[string]Receiver),
		patterns:    make(map[string]Receiver),
		pendingAcks: make(map[string][]*subscribeCall),
		reporter:    reporter,
		onEmpty:     onEmpty,
	}
}

// subscriptionCount returns the combined channel+pattern registry size,
// which the two reported gauges must always sum to.
func (d *dispatcher) subscriptionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels) + len(d.patterns)
}

// registerChannel adds (or replaces) a channel's receiver ahead of sending
// the SUBSCRIBE request, and queues the call expecting one acknowledgement
// per target.
func (d *dispatcher) registerChannel(channel string, receiver Receiver, call *subscribeCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[channel] = receiver
	d.pendingAcks[channel] = append(d.pendingAcks[channel], call)
}

func (d *dispatcher) registerPattern(pattern string, receiver Receiver, call *subscribeCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns[pattern] = receiver
	d.pendingAcks[pattern] = append(d.pendingAcks[pattern], call)
}

// queueUnsubscribe registers an expected UNSUBSCRIBE/PUNSUBSCRIBE
// acknowledgement for target without touching the registry (removal
// happens when the ack arrives).
func (d *dispatcher) queueUnsubscribe(target string, call *subscribeCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingAcks[target] = append(d.pendingAcks[target], call)
}

// classification result for one inbound Array frame.
type classifyResult int

const (
	// classifyNotPubSub means v is not one of the six pubsub frame shapes
	// (e.g. a PING reply received while subscribed); the caller should
	// fall back to the ordinary correlator.
	classifyNotPubSub classifyResult = iota
	classifyHandled
	classifyProtocolError
)

// classify routes one inbound PubSub-shaped Array frame: subscribe/
// psubscribe and unsubscribe/punsubscribe acknowledgements still consume a
// queued request (they complete the pending SUBSCRIBE/UNSUBSCRIBE call),
// while message/pmessage are server-pushed and bypass request/response
// correlation entirely. Returns classifyProtocolError for a frame that
// looks like a pubsub push/ack by its leading type tag but is malformed,
// which is treated as fatal for the connection.
func (d *dispatcher) classify(v resp.Value) (classifyResult, error) {
	if v.Kind != resp.KindArray || v.IsNull || len(v.Elems) == 0 {
		return classifyNotPubSub, nil
	}

	kind, ok := v.Elems[0].String()
	if !ok {
		return classifyNotPubSub, nil
	}

	switch kind {
	case "subscribe", "psubscribe":
		return d.handleSubscribeAck(kind, v)
	case "unsubscribe", "punsubscribe":
		return d.handleUnsubscribeAck(kind, v)
	case "message":
		return d.handleMessage(v)
	case "pmessage":
		return d.handlePMessage(v)
	default:
		return classifyNotPubSub, nil
	}
}

func (d *dispatcher) handleSubscribeAck(kind string, v resp.Value) (classifyResult, error) {
	if len(v.Elems) != 3 {
		return classifyProtocolError, protoErr("%s frame expects 3 elements, got %d", kind, len(v.Elems))
	}
	target, ok := v.Elems[1].String()
	if !ok {
		return classifyProtocolError, protoErr("%s target is not a string", kind)
	}
	if v.Elems[2].Kind != resp.KindInteger {
		return classifyProtocolError, protoErr("%s count is not an integer", kind)
	}
	count := int(v.Elems[2].Int)

	call := d.popAck(target)
	if call != nil {
		if call.onHook != nil {
			call.onHook(target, count)
		}
		call.remaining--
		if call.remaining <= 0 {
			call.future.resolve(count)
		}
	}

	if kind == "subscribe" {
		d.reporter.ChannelSubscriptionsChanged(d.channelCount())
	} else {
		d.reporter.PatternSubscriptionsChanged(d.patternCount())
	}

	return classifyHandled, nil
}

func (d *dispatcher) handleUnsubscribeAck(kind string, v resp.Value) (classifyResult, error) {
	if len(v.Elems) != 3 {
		return classifyProtocolError, protoErr("%s frame expects 3 elements, got %d", kind, len(v.Elems))
	}
	// target is null when the server had nothing to unsubscribe from.
	target, _ := v.Elems[1].String()
	if v.Elems[2].Kind != resp.KindInteger {
		return classifyProtocolError, protoErr("%s count is not an integer", kind)
	}
	count := int(v.Elems[2].Int)

	d.mu.Lock()
	if kind == "unsubscribe" {
		delete(d.channels, target)
	} else {
		delete(d.patterns, target)
	}
	d.mu.Unlock()

	empty := d.subscriptionCount() == 0

	call := d.popAck(target)
	if call != nil {
		if call.onHook != nil {
			call.onHook(target, count)
		}
		call.remaining--
		if call.remaining <= 0 {
			call.future.resolve(count)
		}
	}

	if kind == "unsubscribe" {
		d.reporter.ChannelSubscriptionsChanged(d.channelCount())
	} else {
		d.reporter.PatternSubscriptionsChanged(d.patternCount())
	}

	if empty && d.onEmpty != nil {
		d.onEmpty(d)
	}

	return classifyHandled, nil
}

func (d *dispatcher) handleMessage(v resp.Value) (classifyResult, error) {
	if len(v.Elems) != 3 {
		return classifyProtocolError, protoErr("message frame expects 3 elements, got %d", len(v.Elems))
	}
	channel, ok := v.Elems[1].String()
	if !ok {
		return classifyProtocolError, protoErr("message channel is not a string")
	}
	payload, ok := v.Elems[2].String()
	if !ok {
		return classifyProtocolError, protoErr("message payload is not a string")
	}

	d.mu.Lock()
	receiver := d.channels[channel]
	d.mu.Unlock()

	d.reporter.SubscriptionMessageReceived()
	if receiver != nil {
		receiver(channel, "", []byte(payload))
	}
	return classifyHandled, nil
}

func (d *dispatcher) handlePMessage(v resp.Value) (classifyResult, error) {
	if len(v.Elems) != 4 {
		return classifyProtocolError, protoErr("pmessage frame expects 4 elements, got %d", len(v.Elems))
	}
	pattern, ok := v.Elems[1].String()
	if !ok {
		return classifyProtocolError, protoErr("pmessage pattern is not a string")
	}
	channel, ok := v.Elems[2].String()
	if !ok {
		return classifyProtocolError, protoErr("pmessage channel is not a string")
	}
	payload, ok := v.Elems[3].String()
	if !ok {
		return classifyProtocolError, protoErr("pmessage payload is not a string")
	}

	d.mu.Lock()
	receiver := d.patterns[pattern]
	d.mu.Unlock()

	d.reporter.SubscriptionMessageReceived()
	if receiver != nil {
		receiver(channel, pattern, []byte(payload))
	}
	return classifyHandled, nil
}

// failAll fails every still-outstanding subscribeCall (deduplicated, since
// a single call's future may be queued under several target names) with
// err. Called when the owning Connection tears down with subscriptions
// still in flight.
func (d *dispatcher) failAll(err error) {
	d.mu.Lock()
	acks := d.pendingAcks
	d.pendingAcks = make(map[string][]*subscribeCall)
	d.mu.Unlock()

	failed := make(map[*subscribeCall]struct{})
	for _, calls := range acks {
		for _, call := range calls {
			if _, done := failed[call]; done {
				continue
			}
			failed[call] = struct{}{}
			call.future.fail(err)
		}
	}
}

func (d *dispatcher) popAck(target string) *subscribeCall {
	d.mu.Lock()
	defer d.mu.Unlock()

	calls := d.pendingAcks[target]
	if len(calls) == 0 {
		return nil
	}
	call := calls[0]
	if len(calls) == 1 {
		delete(d.pendingAcks, target)
	} else {
		d.pendingAcks[target] = calls[1:]
	}
	return call
}

func (d *dispatcher) channelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *dispatcher) patternCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.patterns)
}

// allChannels and allPatterns return every currently registered name of
// their kind, used to implement Unsubscribe(nil)/PUnsubscribe(nil): an
// empty target list means unsubscribe from everything currently held.
func (d *dispatcher) allChannels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}

func (d *dispatcher) allPatterns() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.patterns))
	for name := range d.patterns {
		names = append(names, name)
	}
	return names
}

func protoErr(format string, args ...interface{}) error {
	return ErrProtocol.New(format, args...)
}
