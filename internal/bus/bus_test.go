package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/transparency"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type memRecorder struct {
	mu     sync.Mutex
	events []transparency.Event
}

func (r *memRecorder) Record(_ context.Context, e transparency.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *memRecorder) ofType(t transparency.EventType) []transparency.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transparency.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	b := New(opts...)
	t.Cleanup(func() { b.Close() })
	return b
}

func register(t *testing.T, b *Bus, workspaceID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, b.RegisterAgent(id, "backend", workspaceID))
	}
}

func TestDirectMessageDelivered(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a", "b")

	var got collector
	_, err := b.Subscribe("b", []MessageType{MessageStatusUpdate}, got.handle)
	require.NoError(t, err)

	require.NoError(t, b.SendMessage(Message{From: "a", To: "b", Type: MessageStatusUpdate, Payload: "halfway"}))
	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)

	msg := got.snapshot()[0]
	assert.Equal(t, "a", msg.From)
	assert.Equal(t, "halfway", msg.Payload)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestSubscriptionTypeFilterAndWildcard(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a", "b")

	var only, all collector
	_, err := b.Subscribe("b", []MessageType{MessageQuestion}, only.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("b", []MessageType{Wildcard}, all.handle)
	require.NoError(t, err)

	require.NoError(t, b.SendMessage(Message{From: "a", To: "b", Type: MessageStatusUpdate}))
	require.NoError(t, b.SendMessage(Message{From: "a", To: "b", Type: MessageQuestion}))

	require.Eventually(t, func() bool { return all.len() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return only.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, MessageQuestion, only.snapshot()[0].Type)

	_, err = b.Subscribe("b", []MessageType{"bogus"}, only.handle)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a", "b")

	var got collector
	id, err := b.Subscribe("b", nil, got.handle)
	require.NoError(t, err)
	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))

	var marker collector
	_, err = b.Subscribe("b", nil, marker.handle)
	require.NoError(t, err)
	require.NoError(t, b.SendMessage(Message{From: "a", To: "b", Type: MessageStatusUpdate}))
	require.Eventually(t, func() bool { return marker.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, got.len())
}

func TestBroadcastReachesWorkspacePeersOnly(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws-1", "a", "b", "c")
	register(t, b, "ws-2", "x")

	collectors := map[string]*collector{}
	for _, id := range []string{"a", "b", "c", "x"} {
		c := &collector{}
		collectors[id] = c
		_, err := b.Subscribe(id, nil, c.handle)
		require.NoError(t, err)
	}

	require.NoError(t, b.SendMessage(Message{From: "a", To: BroadcastRecipient, Type: MessageTaskResult}))

	require.Eventually(t, func() bool {
		return collectors["b"].len() == 1 && collectors["c"].len() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, collectors["a"].len(), "sender must not receive its own broadcast")
	assert.Equal(t, 0, collectors["x"].len(), "other workspaces must not receive it")
}

func TestPerSenderOrdering(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a", "b")

	var got collector
	_, err := b.Subscribe("b", nil, got.handle)
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, b.SendMessage(Message{From: "a", To: "b", Type: MessageStatusUpdate, Payload: i}))
	}
	require.Eventually(t, func() bool { return got.len() == n }, 2*time.Second, 5*time.Millisecond)
	for i, msg := range got.snapshot() {
		assert.Equal(t, i, msg.Payload)
	}
}

func TestSendToUnknownRecipient(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a")

	err := b.SendMessage(Message{From: "a", To: "ghost", Type: MessageQuestion})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	err = b.SendMessage(Message{From: "a", To: "ghost", Type: "nope"})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestHandlerErrorAndPanicAreRecorded(t *testing.T) {
	rec := &memRecorder{}
	b := newTestBus(t, WithRecorder(rec))
	register(t, b, "ws", "a", "b")

	var after collector
	_, err := b.Subscribe("b", nil, func(context.Context, Message) error { return fmt.Errorf("boom") })
	require.NoError(t, err)
	_, err = b.Subscribe("b", nil, func(context.Context, Message) error { panic("kaboom") })
	require.NoError(t, err)
	_, err = b.Subscribe("b", nil, after.handle)
	require.NoError(t, err)

	require.NoError(t, b.SendMessage(Message{From: "a", To: "b", Type: MessageError}))

	require.Eventually(t, func() bool { return after.len() == 1 }, time.Second, 5*time.Millisecond)
	events := rec.ofType(transparency.EventHandlerError)
	require.Len(t, events, 2)
	assert.Equal(t, "boom", events[0].Error)
	assert.Contains(t, events[1].Error, "kaboom")
	assert.Equal(t, "b", events[0].SessionID)
}

func TestRequestResponse(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "frontend", "backend")

	_, err := b.Subscribe("backend", []MessageType{MessageDependencyRequest}, func(_ context.Context, msg Message) error {
		return b.Reply(msg, MessageTaskResult, map[string]string{"schema": "users(id, email)"})
	})
	require.NoError(t, err)

	resp, err := b.SendMessageWithResponse(context.Background(), Message{
		From: "frontend", To: "backend", Type: MessageDependencyRequest, Payload: "schema?",
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"schema": "users(id, email)"}, resp)
	assert.Equal(t, 0, b.PendingCount())
}

func TestRequestTimesOut(t *testing.T) {
	rec := &memRecorder{}
	b := newTestBus(t, WithRecorder(rec))
	register(t, b, "ws", "a", "silent")

	start := time.Now()
	_, err := b.SendMessageWithResponse(context.Background(), Message{From: "a", To: "silent", Type: MessageQuestion}, 50*time.Millisecond)
	assert.True(t, errors.Is(err, errs.ErrTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, b.PendingCount())
	assert.Len(t, rec.ofType(transparency.EventRequestTimeout), 1)
}

func TestLateReplyIsDeliveredAsMessage(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a", "slow")

	release := make(chan struct{})
	_, err := b.Subscribe("slow", nil, func(_ context.Context, msg Message) error {
		<-release
		return b.Reply(msg, MessageTaskResult, "late")
	})
	require.NoError(t, err)
	var inbox collector
	_, err = b.Subscribe("a", nil, inbox.handle)
	require.NoError(t, err)

	_, err = b.SendMessageWithResponse(context.Background(), Message{From: "a", To: "slow", Type: MessageQuestion}, 20*time.Millisecond)
	require.True(t, errors.Is(err, errs.ErrTimeout))
	close(release)

	require.Eventually(t, func() bool { return inbox.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "late", inbox.snapshot()[0].Payload)
}

func TestRequestRejectedOnUnregister(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a", "b")

	done := make(chan error, 1)
	go func() {
		_, err := b.SendMessageWithResponse(context.Background(), Message{From: "a", To: "b", Type: MessageQuestion}, 10*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, b.UnregisterAgent("b"))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrAgentUnregistered))
	case <-time.After(2 * time.Second):
		t.Fatal("request was not rejected")
	}
}

func TestRequestContextCancel(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := b.SendMessageWithResponse(ctx, Message{From: "a", To: "b", Type: MessageQuestion}, 10*time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, b.PendingCount())
}

func TestRequestRequiresSingleTarget(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a")
	_, err := b.SendMessageWithResponse(context.Background(), Message{From: "a", To: BroadcastRecipient, Type: MessageQuestion}, time.Second)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestShareContext(t *testing.T) {
	b := newTestBus(t)
	register(t, b, "ws", "a", "b")

	var got collector
	_, err := b.Subscribe("b", []MessageType{MessageContextShare}, got.handle)
	require.NoError(t, err)

	require.NoError(t, b.ShareContext("a", "api", "v1"))
	require.NoError(t, b.ShareContext("a", "api", "v2"))

	assert.Equal(t, map[string]any{"api": "v2"}, b.SharedContext("ws"))
	assert.Equal(t, map[string]any{"api": "v2"}, b.AgentContext("a"))

	require.Eventually(t, func() bool { return got.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ContextShare{Key: "api", Value: "v2"}, got.snapshot()[1].Payload)

	assert.True(t, errors.Is(b.ShareContext("ghost", "k", 1), errs.ErrNotFound))
}

func TestHistoryBoundedAndSwept(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	b := newTestBus(t, WithClock(clock), WithHistory(3, time.Hour))
	register(t, b, "ws", "a", "b")

	for i := 0; i < 5; i++ {
		require.NoError(t, b.SendMessage(Message{From: "a", To: "b", Type: MessageStatusUpdate, Payload: i}))
	}
	hist := b.History("b")
	require.Len(t, hist, 3)
	assert.Equal(t, 2, hist[0].Payload)

	res := b.Sweep(now.Add(2 * time.Hour))
	assert.Equal(t, 6, res.PrunedMessages)
	assert.Empty(t, b.History("a"))
	assert.Empty(t, b.History("b"))
}

func TestSweepRejectsStalePendingRequests(t *testing.T) {
	start := time.Now()
	b := newTestBus(t, WithSafetyMargin(time.Second))
	register(t, b, "ws", "a", "b")

	done := make(chan error, 1)
	go func() {
		_, err := b.SendMessageWithResponse(context.Background(), Message{From: "a", To: "b", Type: MessageQuestion}, time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, b.Sweep(start.Add(30*time.Second)).ExpiredRequests)
	assert.Equal(t, 1, b.Sweep(start.Add(2*time.Minute)).ExpiredRequests)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errs.ErrTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("swept request was not rejected")
	}
}

func TestCloseRejectsPendingAndSends(t *testing.T) {
	b := New()
	register(t, b, "ws", "a", "b")

	done := make(chan error, 1)
	go func() {
		_, err := b.SendMessageWithResponse(context.Background(), Message{From: "a", To: "b", Type: MessageQuestion}, 10*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, b.Close())

	assert.True(t, errors.Is(<-done, ErrClosed))
	assert.True(t, errors.Is(b.SendMessage(Message{From: "a", To: "b", Type: MessageQuestion}), ErrClosed))
	assert.True(t, errors.Is(b.RegisterAgent("c", "x", "ws"), ErrClosed))
}

func TestRegisterValidation(t *testing.T) {
	b := newTestBus(t)
	assert.True(t, errors.Is(b.RegisterAgent("", "r", "ws"), errs.ErrValidation))
	assert.True(t, errors.Is(b.RegisterAgent(BroadcastRecipient, "r", "ws"), errs.ErrValidation))
	require.NoError(t, b.RegisterAgent("a", "r", "ws"))
	assert.True(t, errors.Is(b.RegisterAgent("a", "r", "ws"), errs.ErrValidation))
	assert.Equal(t, []string{"a"}, b.Agents("ws"))

	require.NoError(t, b.UnregisterAgent("a"))
	assert.Empty(t, b.Agents("ws"))
	assert.True(t, errors.Is(b.UnregisterAgent("a"), errs.ErrNotFound))
}
