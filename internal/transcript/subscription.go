package transcript

import (
	"github.com/ashureev/forge-terminal/internal/domain"
)

// EventType distinguishes transcript changes.
type EventType string

const (
	// EventAppend carries one new message.
	EventAppend EventType = "append"
	// EventReset carries the full transcript after Clear.
	EventReset EventType = "reset"
)

// Event is one transcript change delivered to subscribers.
type Event struct {
	Type     EventType        `json:"type"`
	Epoch    uint64           `json:"epoch"`
	Message  *domain.Message  `json:"message,omitempty"`
	Messages []domain.Message `json:"messages,omitempty"`
}

type subscriber struct {
	c chan Event
}

// Subscription is the receiving end of a transcript observer.
// C is closed when the subscription ends from either side.
type Subscription struct {
	C   <-chan Event
	log *Log
	sub *subscriber
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.log.unsubscribe(s.sub)
}
