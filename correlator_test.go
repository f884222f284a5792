package redpipe

import (
	"context"
	"time"

	"github.com/aphistic/sweet"
	"github.com/efritz/glock"
	"github.com/joomcode/errorx"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/efritz/redpipe/metrics"
	"github.com/efritz/redpipe/resp"
)

type CorrelatorSuite struct{}

func (s *CorrelatorSuite) TestResolveInFIFOOrder(t sweet.T) {
	c := newCorrelator(glock.NewMockClock(), metrics.NewUnregisteredReporter())

	f1 := c.enqueue(NewCommand("GET", "a"))
	f2 := c.enqueue(NewCommand("GET", "b"))

	c.resolve(resp.BulkString([]byte("1")))
	c.resolve(resp.BulkString([]byte("2")))

	r1, err := f1.Wait(context.Background())
	Expect(err).To(BeNil())
	Expect(r1.(resp.Value).Bulk).To(Equal([]byte("1")))

	r2, err := f2.Wait(context.Background())
	Expect(err).To(BeNil())
	Expect(r2.(resp.Value).Bulk).To(Equal([]byte("2")))
}

func (s *CorrelatorSuite) TestBatchWaitsForEveryRequest(t sweet.T) {
	c := newCorrelator(glock.NewMockClock(), metrics.NewUnregisteredReporter())

	batch := NewBatch(NewCommand("SET", "a", "1"), NewCommand("SET", "b", "2"))
	future := c.enqueue(batch)

	c.resolve(resp.SimpleString("OK"))

	select {
	case <-future.done:
		sweet.GomegaFail("batch future resolved before its second reply")
	default:
	}

	c.resolve(resp.SimpleString("OK"))

	result, err := future.Wait(context.Background())
	Expect(err).To(BeNil())
	Expect(result).To(HaveLen(2))
}

func (s *CorrelatorSuite) TestErrorReplyStillResolvesFuture(t sweet.T) {
	reporter := metrics.NewUnregisteredReporter()
	c := newCorrelator(glock.NewMockClock(), reporter)

	future := c.enqueue(NewCommand("INCR", "not-an-int"))
	c.resolve(resp.Error("ERR value is not an integer"))

	result, err := future.Wait(context.Background())
	Expect(err).To(BeNil())
	Expect(result.(resp.Value).IsError()).To(BeTrue())
}

func (s *CorrelatorSuite) TestStrictCommandFailsFutureOnErrorReply(t sweet.T) {
	reporter := metrics.NewUnregisteredReporter()
	c := newCorrelator(glock.NewMockClock(), reporter)

	future := c.enqueue(NewStrictCommand("INCR", "not-an-int"))
	c.resolve(resp.Error("ERR value is not an integer"))

	_, err := future.Wait(context.Background())
	Expect(err).To(MatchError(ContainSubstring("not an integer")))
	Expect(errorx.IsOfType(err, ErrServer)).To(BeTrue())
}

func (s *CorrelatorSuite) TestFailAllFailsEveryPendingGroupOnce(t sweet.T) {
	c := newCorrelator(glock.NewMockClock(), metrics.NewUnregisteredReporter())

	batch := NewBatch(NewCommand("GET", "a"), NewCommand("GET", "b"))
	f1 := c.enqueue(batch)
	f2 := c.enqueue(NewCommand("GET", "c"))

	c.failAll(ErrConnectionClosed.New("closed"))

	_, err := f1.Wait(context.Background())
	Expect(err).To(MatchError(ContainSubstring("closed")))

	_, err = f2.Wait(context.Background())
	Expect(err).To(MatchError(ContainSubstring("closed")))
}

func (s *CorrelatorSuite) TestRoundTripRecordedOnGroupCompletion(t sweet.T) {
	clock := glock.NewMockClock()
	registry := prometheus.NewRegistry()
	c := newCorrelator(clock, metrics.NewReporter(registry))

	future := c.enqueue(NewCommand("PING"))
	clock.Advance(time.Second)
	c.resolve(resp.SimpleString("PONG"))

	_, err := future.Wait(context.Background())
	Expect(err).To(BeNil())

	families, err := registry.Gather()
	Expect(err).To(BeNil())

	var samples uint64
	var sum float64
	for _, family := range families {
		if family.GetName() == "redistack_command_round_trip_time_seconds" {
			histogram := family.GetMetric()[0].GetHistogram()
			samples, sum = histogram.GetSampleCount(), histogram.GetSampleSum()
		}
	}
	Expect(samples).To(Equal(uint64(1)))
	Expect(sum).To(Equal(1.0))
}

func (s *CorrelatorSuite) TestResolveWithEmptyQueueIsANoOp(t sweet.T) {
	c := newCorrelator(glock.NewMockClock(), metrics.NewUnregisteredReporter())

	Expect(func() { c.resolve(resp.SimpleString("PONG")) }).NotTo(Panic())
}
