package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

type fakeGroup struct {
	mu       sync.Mutex
	consumes int
	consume  func(ctx context.Context) error
	errs     chan error
}

func newFakeGroup(consume func(ctx context.Context) error) *fakeGroup {
	return &fakeGroup{consume: consume, errs: make(chan error, 1)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.consumes++
	g.mu.Unlock()
	return g.consume(ctx)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }
func (g *fakeGroup) Close() error         { close(g.errs); return nil }

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return TopicNotifications }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func failingTimes(n int) (MessageHandler, *int) {
	calls := 0
	return func(context.Context, *sarama.ConsumerMessage) error {
		calls++
		if calls <= n {
			return errors.New("downstream unavailable")
		}
		return nil
	}, &calls
}

func TestNewConsumer_UnreachableBroker(t *testing.T) {
	_, err := NewConsumer([]string{"127.0.0.1:1"}, "group", []string{"topic"}, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	assert.Error(t, err)
}

func TestConsumer_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	group := newFakeGroup(func(context.Context) error {
		cancel()
		return errors.New("rebalance")
	})
	group.errs <- errors.New("background error")

	c := NewConsumerFromGroup(group, []string{"topic"}, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	require.NoError(t, c.Start(ctx))
	<-ctx.Done()
	require.NoError(t, c.Stop())

	assert.Equal(t, 1, group.consumes)
}

func TestConsumer_StopsLoopOnClosedGroup(t *testing.T) {
	group := newFakeGroup(func(context.Context) error { return sarama.ErrClosedConsumerGroup })

	c := NewConsumerFromGroup(group, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())

	assert.Equal(t, 1, group.consumes)
}

func TestConsumeClaim_RetriesThenMarks(t *testing.T) {
	handler, calls := failingTimes(2)
	c := NewConsumerFromGroup(nil, nil, handler, WithMaxRetries(3), WithRetryDelay(0))

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(&sarama.ConsumerMessage{Offset: 7})))

	assert.Equal(t, 3, *calls)
	assert.Equal(t, []int64{7}, session.marked)
}

func TestConsumeClaim_WithoutDLQLeavesMessageUnmarked(t *testing.T) {
	handler, calls := failingTimes(10)
	c := NewConsumerFromGroup(nil, nil, handler, WithMaxRetries(2), WithRetryDelay(0))

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(&sarama.ConsumerMessage{Offset: 1})))

	assert.Equal(t, 2, *calls)
	assert.Empty(t, session.marked)
}

func TestConsumeClaim_DeadLettersAfterRetries(t *testing.T) {
	sp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	var record DeadLetterRecord
	var headers []sarama.RecordHeader
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicDeadLetterQueue {
			return errors.New("unexpected topic " + msg.Topic)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		headers = msg.Headers
		return json.Unmarshal(raw, &record)
	})

	failedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	handler, calls := failingTimes(10)
	c := NewConsumerFromGroup(nil, nil, handler,
		WithDeadLetterProducer(NewProducerWithSync(sp)),
		WithMaxRetries(3),
		WithRetryDelay(0),
	)
	c.now = func() time.Time { return failedAt }

	msg := &sarama.ConsumerMessage{
		Topic:   TopicNotifications,
		Offset:  42,
		Key:     []byte("ord-1"),
		Value:   []byte(`{"entity_id":"ord-1"}`),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("1")}},
	}
	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(msg)))

	assert.Equal(t, 2, *calls, "one attempt was already spent before redelivery")
	assert.Equal(t, []int64{42}, session.marked)
	assert.Equal(t, DeadLetterRecord{
		OriginalTopic:  TopicNotifications,
		OriginalOffset: 42,
		OriginalKey:    "ord-1",
		OriginalValue:  `{"entity_id":"ord-1"}`,
		Error:          "downstream unavailable",
		Attempts:       3,
		FailedAt:       failedAt,
	}, record)

	require.NotEmpty(t, headers)
	got := map[string]string{}
	for _, h := range headers {
		got[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, "3", got[HeaderRetryCount])
	assert.Equal(t, TopicNotifications, got[HeaderOriginalTopic])
}

func TestConsumeClaim_DLQFailureLeavesMessageUnmarked(t *testing.T) {
	sp := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	sp.ExpectSendMessageAndFail(errors.New("broker down"))

	handler, _ := failingTimes(10)
	c := NewConsumerFromGroup(nil, nil, handler,
		WithDeadLetterProducer(NewProducerWithSync(sp)),
		WithMaxRetries(1),
	)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(&sarama.ConsumerMessage{Offset: 3})))
	assert.Empty(t, session.marked)
}

func TestConsumeClaim_StopsOnCancelledSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConsumerFromGroup(nil, nil, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	assert.NoError(t, c.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}

func TestProcess_CancelledDuringPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(context.Context, *sarama.ConsumerMessage) error {
		cancel()
		return errors.New("fail")
	}
	c := NewConsumerFromGroup(nil, nil, handler, WithMaxRetries(5), WithRetryDelay(time.Hour))

	err := c.process(ctx, &sarama.ConsumerMessage{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryCount(t *testing.T) {
	header := func(v string) []*sarama.RecordHeader {
		return []*sarama.RecordHeader{nil, {Key: []byte("other"), Value: []byte("9")}, {Key: []byte(HeaderRetryCount), Value: []byte(v)}}
	}

	assert.Equal(t, 5, retryCount(&sarama.ConsumerMessage{Headers: header("5")}))
	assert.Zero(t, retryCount(&sarama.ConsumerMessage{Headers: header("bad")}))
	assert.Zero(t, retryCount(&sarama.ConsumerMessage{Headers: header("-2")}))
	assert.Zero(t, retryCount(&sarama.ConsumerMessage{}))
}

type recordingNotifier struct {
	calls []string
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, entityID string, d domain.Domain, previous, next domain.State) error {
	n.calls = append(n.calls, entityID+":"+string(d)+":"+string(previous)+"->"+string(next))
	return n.err
}

func TestNotificationHandler(t *testing.T) {
	notifier := &recordingNotifier{}
	handler := NotificationHandler(notifier)

	value, err := json.Marshal(NewNotificationEvent("ord-1", domain.DomainOrder, "pending", "confirmed"))
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), &sarama.ConsumerMessage{Value: value}))
	assert.Equal(t, []string{"ord-1:order:pending->confirmed"}, notifier.calls)

	assert.Error(t, handler(context.Background(), &sarama.ConsumerMessage{Value: []byte("{broken")}))

	notifier.err = errors.New("smtp down")
	assert.ErrorContains(t, handler(context.Background(), &sarama.ConsumerMessage{Value: value}), "smtp down")
}
