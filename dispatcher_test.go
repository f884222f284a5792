package redpipe

import (
	"context"

	"github.com/aphistic/sweet"
	. "github.com/onsi/gomega"

	"github.com/efritz/redpipe/metrics"
	"github.com/efritz/redpipe/resp"
)

type PubSubSuite struct{}

func ackFrame(kind, target string, count int64) resp.Value {
	return resp.Array([]resp.Value{
		resp.BulkString([]byte(kind)),
		resp.BulkString([]byte(target)),
		resp.Integer(count),
	})
}

func messageFrame(channel, payload string) resp.Value {
	return resp.Array([]resp.Value{
		resp.BulkString([]byte("message")),
		resp.BulkString([]byte(channel)),
		resp.BulkString([]byte(payload)),
	})
}

func pmessageFrame(pattern, channel, payload string) resp.Value {
	return resp.Array([]resp.Value{
		resp.BulkString([]byte("pmessage")),
		resp.BulkString([]byte(pattern)),
		resp.BulkString([]byte(channel)),
		resp.BulkString([]byte(payload)),
	})
}

func (s *PubSubSuite) TestSubscribeAckCompletesFutureOnlyAfterAllTargets(t sweet.T) {
	d := newDispatcher(metrics.NewUnregisteredReporter(), nil)

	call := &subscribeCall{future: newFuture(), remaining: 2}
	d.registerChannel("a", func(string, string, []byte) {}, call)
	d.registerChannel("b", func(string, string, []byte) {}, call)

	result, err := d.classify(ackFrame("subscribe", "a", 1))
	Expect(err).To(BeNil())
	Expect(result).To(Equal(classifyHandled))

	select {
	case <-call.future.done:
		sweet.GomegaFail("future resolved before the second acknowledgement")
	default:
	}

	_, err = d.classify(ackFrame("subscribe", "b", 2))
	Expect(err).To(BeNil())

	v, err := call.future.Wait(context.Background())
	Expect(err).To(BeNil())
	Expect(v).To(Equal(2))
}

func (s *PubSubSuite) TestSubscriptionHookInvokedPerTarget(t sweet.T) {
	d := newDispatcher(metrics.NewUnregisteredReporter(), nil)

	var seen []string
	call := &subscribeCall{
		future:    newFuture(),
		remaining: 2,
		onHook:    func(target string, count int) { seen = append(seen, target) },
	}
	d.registerChannel("a", func(string, string, []byte) {}, call)
	d.registerChannel("b", func(string, string, []byte) {}, call)

	d.classify(ackFrame("subscribe", "a", 1))
	d.classify(ackFrame("subscribe", "b", 2))

	Expect(seen).To(Equal([]string{"a", "b"}))
}

func (s *PubSubSuite) TestMessageRoutesToChannelReceiver(t sweet.T) {
	d := newDispatcher(metrics.NewUnregisteredReporter(), nil)

	var gotChannel, gotPattern string
	var gotPayload []byte
	d.registerChannel("news", func(channel, pattern string, payload []byte) {
		gotChannel, gotPattern, gotPayload = channel, pattern, payload
	}, &subscribeCall{future: newFuture(), remaining: 1})

	result, err := d.classify(messageFrame("news", "hello"))
	Expect(err).To(BeNil())
	Expect(result).To(Equal(classifyHandled))
	Expect(gotChannel).To(Equal("news"))
	Expect(gotPattern).To(Equal(""))
	Expect(gotPayload).To(Equal([]byte("hello")))
}

func (s *PubSubSuite) TestPMessageRoutesToPatternReceiver(t sweet.T) {
	d := newDispatcher(metrics.NewUnregisteredReporter(), nil)

	var gotChannel, gotPattern string
	d.registerPattern("news.*", func(channel, pattern string, payload []byte) {
		gotChannel, gotPattern = channel, pattern
	}, &subscribeCall{future: newFuture(), remaining: 1})

	_, err := d.classify(pmessageFrame("news.*", "news.sports", "goal"))
	Expect(err).To(BeNil())
	Expect(gotChannel).To(Equal("news.sports"))
	Expect(gotPattern).To(Equal("news.*"))
}

func (s *PubSubSuite) TestUnsubscribeAckRemovesRegistrationAndFiresOnEmpty(t sweet.T) {
	var emptied *dispatcher
	var d *dispatcher
	d = newDispatcher(metrics.NewUnregisteredReporter(), func(dd *dispatcher) { emptied = dd })

	d.registerChannel("a", func(string, string, []byte) {}, &subscribeCall{future: newFuture(), remaining: 1})
	d.classify(ackFrame("subscribe", "a", 1))

	call := &subscribeCall{future: newFuture(), remaining: 1}
	d.queueUnsubscribe("a", call)

	result, err := d.classify(ackFrame("unsubscribe", "a", 0))
	Expect(err).To(BeNil())
	Expect(result).To(Equal(classifyHandled))
	Expect(d.channelCount()).To(Equal(0))
	Expect(emptied).To(BeIdenticalTo(d))

	_, err = call.future.Wait(context.Background())
	Expect(err).To(BeNil())
}

func (s *PubSubSuite) TestClassifyPassesThroughNonPubSubFrames(t sweet.T) {
	d := newDispatcher(metrics.NewUnregisteredReporter(), nil)

	result, err := d.classify(resp.SimpleString("PONG"))
	Expect(err).To(BeNil())
	Expect(result).To(Equal(classifyNotPubSub))

	result, err = d.classify(resp.Array([]resp.Value{resp.BulkString([]byte("unrelated"))}))
	Expect(err).To(BeNil())
	Expect(result).To(Equal(classifyNotPubSub))
}

func (s *PubSubSuite) TestClassifyProtocolErrorOnMalformedSubscribeFrame(t sweet.T) {
	d := newDispatcher(metrics.NewUnregisteredReporter(), nil)

	result, err := d.classify(resp.Array([]resp.Value{
		resp.BulkString([]byte("subscribe")),
		resp.BulkString([]byte("a")),
	}))

	Expect(result).To(Equal(classifyProtocolError))
	Expect(err).NotTo(BeNil())
}

func (s *PubSubSuite) TestFailAllFailsEveryOutstandingCallOnce(t sweet.T) {
	d := newDispatcher(metrics.NewUnregisteredReporter(), nil)

	call := &subscribeCall{future: newFuture(), remaining: 2}
	d.registerChannel("a", func(string, string, []byte) {}, call)
	d.registerChannel("b", func(string, string, []byte) {}, call)

	d.failAll(ErrConnectionClosed.New("closed"))

	_, err := call.future.Wait(context.Background())
	Expect(err).To(MatchError(ContainSubstring("closed")))
}
