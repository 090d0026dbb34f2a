package sip

import (
	"context"
	"time"

	"github.com/HerbHall/meshsip/internal/event"
)

// Event topics published by the engine.
const (
	TopicCallStarted     = "sip.call.started"
	TopicCallEstablished = "sip.call.established"
	TopicCallEnded       = "sip.call.ended"
	TopicRegistered      = "sip.user.registered"
)

// EndReason says why a call session was freed.
type EndReason string

const (
	EndBye      EndReason = "bye"
	EndCancel   EndReason = "cancel"
	EndRejected EndReason = "rejected"
	EndTimeout  EndReason = "timeout"
)

// CallEvent is the payload of every call topic.
type CallEvent struct {
	CallID     string        `json:"call_id"`
	Callee     string        `json:"callee,omitempty"`
	CallerAddr string        `json:"caller_addr,omitempty"`
	CalleeAddr string        `json:"callee_addr,omitempty"`
	Reason     EndReason     `json:"reason,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

// RegistrationEvent is the payload of TopicRegistered.
type RegistrationEvent struct {
	UserID  string `json:"user_id"`
	Addr    string `json:"addr"`
	Expires int    `json:"expires"`
}

// SetPublisher attaches an event publisher. It must be called before the
// engine starts handling datagrams.
func (e *Engine) SetPublisher(p event.Publisher) {
	e.events = p
}

func (e *Engine) publish(topic string, payload any) {
	if e.events == nil {
		return
	}
	e.events.Publish(context.Background(), event.Event{
		Topic:     topic,
		Source:    "sip",
		Timestamp: e.nowFunc(),
		Payload:   payload,
	})
}
