package ws

import (
	"time"

	"github.com/HerbHall/meshsip/internal/event"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func fromEvent(e event.Event) Message {
	return Message{
		Topic:     e.Topic,
		Source:    e.Source,
		Timestamp: e.Timestamp.UTC(),
		Data:      e.Payload,
	}
}
