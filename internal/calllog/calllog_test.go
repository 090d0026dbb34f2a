package calllog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/HerbHall/meshsip/internal/event"
	"github.com/HerbHall/meshsip/internal/sip"
	"github.com/HerbHall/meshsip/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "meshsip.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(context.Background(), db)
	require.NoError(t, err)
	return s
}

func TestStore_Lifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Start(ctx, Call{CallID: "c1", Callee: "200", CallerAddr: "10.0.0.5:5060", StartedAt: start}))
	require.NoError(t, s.Answer(ctx, "c1", start.Add(2*time.Second)))
	require.NoError(t, s.End(ctx, "c1", start.Add(62*time.Second), "bye", 0, 62*time.Second))
	require.NoError(t, s.Start(ctx, Call{CallID: "c2", Callee: "300", StartedAt: start.Add(time.Minute)}))

	calls, err := s.RecentCalls(ctx, 10)
	require.NoError(t, err)
	require.Len(t, calls, 2)

	assert.Equal(t, "c2", calls[0].CallID)
	assert.Nil(t, calls[0].EndedAt)

	c1 := calls[1]
	assert.Equal(t, "200", c1.Callee)
	assert.True(t, c1.StartedAt.Equal(start))
	require.NotNil(t, c1.AnsweredAt)
	require.NotNil(t, c1.EndedAt)
	assert.Equal(t, "bye", c1.EndReason)
	assert.Equal(t, int64(62000), c1.DurationMs)
}

func TestStore_EndWithoutOpenCall(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.End(ctx, "ghost", time.Now(), "bye", 0, 0)
	assert.ErrorIs(t, err, ErrNoOpenCall)

	// A reused Call-ID opens a fresh row once the previous call ended.
	require.NoError(t, s.Start(ctx, Call{CallID: "c1", StartedAt: time.Now()}))
	require.NoError(t, s.End(ctx, "c1", time.Now(), "cancel", 0, 0))
	assert.ErrorIs(t, s.End(ctx, "c1", time.Now(), "bye", 0, 0), ErrNoOpenCall)
	require.NoError(t, s.Start(ctx, Call{CallID: "c1", StartedAt: time.Now()}))

	calls, err := s.RecentCalls(ctx, 1)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].EndedAt)
}

func TestRecorder_RecordsBusEvents(t *testing.T) {
	s := newStore(t)
	bus := event.NewBus(nil)
	rec := NewRecorder(s, bus, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	publish := func(topic string, ce sip.CallEvent) {
		bus.Publish(context.Background(), event.Event{Topic: topic, Source: "sip", Payload: ce})
	}
	publish(sip.TopicCallStarted, sip.CallEvent{CallID: "c1", Callee: "200", CallerAddr: "10.0.0.5:5062"})
	publish(sip.TopicCallEstablished, sip.CallEvent{CallID: "c1", StatusCode: 200})
	publish(sip.TopicCallEnded, sip.CallEvent{CallID: "c1", Reason: sip.EndBye, Duration: 3 * time.Second})
	publish(sip.TopicCallStarted, sip.CallEvent{CallID: "c2", Callee: "300"})
	publish(sip.TopicCallEnded, sip.CallEvent{CallID: "c2", Reason: sip.EndRejected, StatusCode: 486})

	require.Eventually(t, func() bool {
		calls, err := rec.RecentCalls(context.Background(), 10)
		return err == nil && len(calls) == 2 && calls[0].EndedAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	calls, err := rec.RecentCalls(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "c2", calls[0].CallID)
	assert.Equal(t, "rejected", calls[0].EndReason)
	assert.Equal(t, 486, calls[0].StatusCode)
	assert.Nil(t, calls[0].AnsweredAt)

	assert.Equal(t, "c1", calls[1].CallID)
	assert.NotNil(t, calls[1].AnsweredAt)
	assert.Equal(t, int64(3000), calls[1].DurationMs)

	// Unsubscribed after Run returns.
	publish(sip.TopicCallStarted, sip.CallEvent{CallID: "c3"})
	assert.Empty(t, rec.queue)
}
