package sip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/meshsip/internal/event"
)

func recordEvents(e *Engine) *[]event.Event {
	bus := event.NewBus(nil)
	var got []event.Event
	bus.SubscribeAll(func(_ context.Context, ev event.Event) {
		got = append(got, ev)
	})
	e.SetPublisher(bus)
	return &got
}

func topics(events []event.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Topic)
	}
	return out
}

func TestEngine_PublishesCallLifecycle(t *testing.T) {
	e := newTestEngine(t, 10)
	got := recordEvents(e)
	conn := &recordingSender{}
	ctx := context.Background()

	e.HandleDatagram(ctx, conn, request("INVITE", "200", "call-ev", 1), callerAddr)
	// Retransmission must not start a second call.
	e.HandleDatagram(ctx, conn, request("INVITE", "200", "call-ev", 1), callerAddr)
	e.HandleDatagram(ctx, conn, response(200, "OK", "call-ev", "1 INVITE"), calleeAddr)
	// Retransmitted 200 OK.
	e.HandleDatagram(ctx, conn, response(200, "OK", "call-ev", "1 INVITE"), calleeAddr)
	e.HandleDatagram(ctx, conn, request("BYE", "100", "call-ev", 2), calleeAddr)

	require.Equal(t, []string{TopicCallStarted, TopicCallEstablished, TopicCallEnded}, topics(*got))

	started := (*got)[0].Payload.(CallEvent)
	assert.Equal(t, "call-ev", started.CallID)
	assert.Equal(t, "200", started.Callee)
	assert.Equal(t, callerAddr.String(), started.CallerAddr)
	assert.Equal(t, calleeAddr.String(), started.CalleeAddr)
	assert.Equal(t, "sip", (*got)[0].Source)

	ended := (*got)[2].Payload.(CallEvent)
	assert.Equal(t, EndBye, ended.Reason)
}

func TestEngine_PublishesEndReasons(t *testing.T) {
	tests := []struct {
		name       string
		end        func(e *Engine, conn *recordingSender)
		wantReason EndReason
		wantStatus int
	}{
		{
			name: "rejected",
			end: func(e *Engine, conn *recordingSender) {
				e.HandleDatagram(context.Background(), conn, response(486, "Busy Here", "call-r", "1 INVITE"), calleeAddr)
			},
			wantReason: EndRejected,
			wantStatus: 486,
		},
		{
			name: "cancel",
			end: func(e *Engine, conn *recordingSender) {
				e.HandleDatagram(context.Background(), conn, request("CANCEL", "200", "call-r", 1), callerAddr)
			},
			wantReason: EndCancel,
		},
		{
			name: "timeout",
			end: func(e *Engine, _ *recordingSender) {
				e.Maintain(time.Now().Add(e.cfg.SetupTimeout + time.Second))
			},
			wantReason: EndTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, 10)
			got := recordEvents(e)
			conn := &recordingSender{}

			e.HandleDatagram(context.Background(), conn, request("INVITE", "200", "call-r", 1), callerAddr)
			tt.end(e, conn)

			require.Equal(t, []string{TopicCallStarted, TopicCallEnded}, topics(*got))
			ended := (*got)[1].Payload.(CallEvent)
			assert.Equal(t, "call-r", ended.CallID)
			assert.Equal(t, tt.wantReason, ended.Reason)
			assert.Equal(t, tt.wantStatus, ended.StatusCode)
		})
	}
}

func TestEngine_PublishesRegistration(t *testing.T) {
	e := newTestEngine(t, 10)
	got := recordEvents(e)

	e.HandleDatagram(context.Background(), &recordingSender{}, request("REGISTER", "300", "reg-1", 1), callerAddr)

	require.Equal(t, []string{TopicRegistered}, topics(*got))
	reg := (*got)[0].Payload.(RegistrationEvent)
	assert.Equal(t, "100", reg.UserID)
	assert.Equal(t, callerAddr.String(), reg.Addr)
}
