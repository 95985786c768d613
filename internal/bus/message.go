// Package bus carries messages between page agents and the coordinator
// over websockets.
package bus

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/goodtune/pagelimit/internal/coordinator"
)

var (
	// ErrTimeout is returned when no reply arrives in time.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrClosed is returned for requests on a closed connection.
	ErrClosed = errors.New("bus: connection closed")
)

// Event names a message type.
type Event string

const (
	EventPageLoading Event = "page-loading"
	EventPageVisited Event = "page-visited"
	EventAddTime     Event = "add-time"
	EventTimeAdded   Event = "time-added"
	EventBlockPage   Event = "block-page"
)

// Source names the kind of sender.
type Source string

const (
	SourceContentScript Source = "content-script"
	SourcePopup         Source = "popup"
	SourceServiceWorker Source = "service-worker"
	SourceOptions       Source = "options"
)

// Message is the envelope for every event. Replies carry the request's ID
// in ReplyTo.
type Message struct {
	ID          string                  `json:"id,omitempty"`
	ReplyTo     string                  `json:"replyTo,omitempty"`
	Source      Source                  `json:"source"`
	Event       Event                   `json:"event"`
	URL         string                  `json:"url,omitempty"`
	SecondsUsed int64                   `json:"secondsUsed,omitempty"`
	GroupID     string                  `json:"groupId,omitempty"`
	Result      *coordinator.Evaluation `json:"result,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(source Source, event Event) Message {
	return Message{ID: uuid.NewString(), Source: source, Event: event}
}

// IsReply reports whether m answers an earlier request.
func (m Message) IsReply() bool {
	return m.ReplyTo != ""
}

// Validate checks that the payload required by the event is present.
func (m Message) Validate() error {
	switch m.Event {
	case EventPageLoading, EventPageVisited, EventBlockPage:
		if m.URL == "" {
			return fmt.Errorf("%s: missing url", m.Event)
		}
	case EventAddTime:
		if m.URL == "" {
			return fmt.Errorf("%s: missing url", m.Event)
		}
		if m.SecondsUsed < 0 {
			return fmt.Errorf("%s: negative secondsUsed", m.Event)
		}
	case EventTimeAdded:
		if m.GroupID == "" {
			return fmt.Errorf("%s: missing groupId", m.Event)
		}
	default:
		return fmt.Errorf("unknown event %q", m.Event)
	}
	return nil
}

// reply builds the correlated answer to req.
func reply(req Message, result *coordinator.Evaluation, err error) Message {
	out := Message{
		ID:      uuid.NewString(),
		ReplyTo: req.ID,
		Source:  SourceServiceWorker,
		Event:   req.Event,
		URL:     req.URL,
		Result:  result,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
