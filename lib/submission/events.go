package submission

import (
	"github.com/umputun/comment-gate/lib/broadcast"
	"github.com/umputun/comment-gate/lib/inference"
)

// EventKind is a type of controller event
type EventKind int

// enum of event kinds
const (
	EventProcessing EventKind = iota // submission started
	EventAccepted                    // submission accepted and published
	EventRejected                    // submission rejected as spam, kept for moderation
	EventFailed                      // classification failed, treated as rejected
	EventIdle                        // controller is ready for the next submission
	EventRemote                      // message received from another participant
)

func (k EventKind) String() string {
	switch k {
	case EventProcessing:
		return "processing"
	case EventAccepted:
		return "accepted"
	case EventRejected:
		return "rejected"
	case EventFailed:
		return "failed"
	case EventIdle:
		return "idle"
	case EventRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Event is sent to the renderer on every state change and on every received message.
// Message is set for accepted, rejected and remote events, Result for accepted and rejected ones.
type Event struct {
	Kind    EventKind
	Text    string
	Message broadcast.Message
	Result  inference.Result
	Err     error
}

// Renderer shows events to the user. Render is called from controller goroutines
// and from broadcast channel goroutines, implementations should be thread-safe.
type Renderer interface {
	Render(ev Event)
}

// RendererFunc is an adapter to use ordinary functions as Renderer
type RendererFunc func(ev Event)

// Render calls f(ev)
func (f RendererFunc) Render(ev Event) { f(ev) }
