package redpipe

import (
	"sync"
	"time"

	"github.com/efritz/glock"
	"github.com/efritz/redpipe/metrics"
	"github.com/efritz/redpipe/resp"
)

type (
	// pendingGroup is the Future-bearing unit submitted by one Send call.
	// A group may span several wire Requests (a CommandSignature
	// representing a pipeline); the group only resolves once a reply has
	// arrived for every one of its requests, in order.
	pendingGroup struct {
		signature  CommandSignature
		future     *Future
		replies    []resp.Value
		remaining  int
		submitted  time.Time
	}

	// correlator is the FIFO request/response correlator: it matches each
	// inbound reply to the oldest still-pending wire request, so replies
	// need not carry any request identifier of their own. It owns the
	// pending queue and guards it with its own mutex, since enqueue runs on
	// the writing goroutine while resolve and failAll run on the reader
	// goroutine or the teardown path.
	correlator struct {
		mu       sync.Mutex
		queue    []*pendingSlot
		clock    glock.Clock
		reporter *metrics.Reporter
	}

	// pendingSlot is one wire Request's place in the FIFO: which group it
	// belongs to and which index within that group's replies it fills.
	pendingSlot struct {
		group *pendingGroup
		index int
	}
)

func newCorrelator(clock glock.Clock, reporter *metrics.Reporter) *correlator {
	return &correlator{clock: clock, reporter: reporter}
}

// enqueue registers a pendingGroup's requests in submission order and
// returns its Future. One slot is enqueued per wire request
// (len(sig.Requests())), all for the same Send call, in issue order.
func (c *correlator) enqueue(sig CommandSignature) *Future {
	requests := sig.Requests()

	group := &pendingGroup{
		signature: sig,
		future:    newFuture(),
		replies:   make([]resp.Value, len(requests)),
		remaining: len(requests),
		submitted: c.now(),
	}

	c.mu.Lock()
	for i := range requests {
		c.queue = append(c.queue, &pendingSlot{group: group, index: i})
	}
	c.mu.Unlock()

	return group.future
}

// resolve completes the oldest pending slot with v. If v is a RESP Error,
// commandFailureCount is incremented and the error value is stored like any
// other reply: failure accounting is independent of whether the Future
// itself fails. Once a group's final slot resolves, MakeResponse runs and
// the group's Future completes with its result or its error.
func (c *correlator) resolve(v resp.Value) {
	slot, group, ok := c.pop()
	if !ok {
		return
	}

	if v.IsError() {
		c.reporter.CommandFailed()
	} else {
		c.reporter.CommandSucceeded()
	}

	group.replies[slot.index] = v
	group.remaining--
	if group.remaining > 0 {
		return
	}

	c.reporter.RoundTripRecorded(c.now().Sub(group.submitted))

	result, err := group.signature.MakeResponse(group.replies)
	if err != nil {
		group.future.fail(err)
		return
	}
	group.future.resolve(result)
}

// failAll fails every still-pending group's Future with err. Called on
// fatal transport/protocol errors and on connection close, so no caller is
// left waiting on a Future that will never otherwise resolve.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	failed := make(map[*pendingGroup]struct{}, len(queue))
	for _, slot := range queue {
		if _, done := failed[slot.group]; done {
			continue
		}
		failed[slot.group] = struct{}{}
		slot.group.future.fail(err)
	}
}

func (c *correlator) pop() (*pendingSlot, *pendingGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil, nil, false
	}

	slot := c.queue[0]
	c.queue = c.queue[1:]
	return slot, slot.group, true
}

func (c *correlator) now() time.Time {
	if c.clock == nil {
		return time.Now()
	}
	return c.clock.Now()
}
