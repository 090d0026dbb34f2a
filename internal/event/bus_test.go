package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestBus_PublishToTopicAndAll(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	var got []string
	bus.Subscribe("call.started", func(_ context.Context, e Event) {
		got = append(got, "topic:"+e.Topic)
	})
	bus.SubscribeAll(func(_ context.Context, e Event) {
		got = append(got, "all:"+e.Topic)
	})

	bus.Publish(context.Background(), Event{Topic: "call.started"})
	bus.Publish(context.Background(), Event{Topic: "call.ended"})

	assert.Equal(t, []string{"topic:call.started", "all:call.started", "all:call.ended"}, got)
}

func TestBus_SetsTimestamp(t *testing.T) {
	bus := NewBus(nil)
	var e Event
	bus.Subscribe("x", func(_ context.Context, ev Event) { e = ev })
	bus.Publish(context.Background(), Event{Topic: "x"})
	assert.False(t, e.Timestamp.IsZero())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	unsub := bus.Subscribe("x", func(context.Context, Event) { calls++ })
	unsubAll := bus.SubscribeAll(func(context.Context, Event) { calls++ })

	bus.Publish(context.Background(), Event{Topic: "x"})
	unsub()
	unsubAll()
	bus.Publish(context.Background(), Event{Topic: "x"})

	assert.Equal(t, 2, calls)
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	reached := false
	bus.Subscribe("x", func(context.Context, Event) { panic("boom") })
	bus.Subscribe("x", func(context.Context, Event) { reached = true })

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Topic: "x", Source: "test"})
	})
	assert.True(t, reached)
}
