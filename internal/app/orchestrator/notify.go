package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"taskrunner/internal/domain/action"
	"taskrunner/internal/domain/inspector"
	"taskrunner/internal/domain/task"
)

// NotificationType tags a Notification.
type NotificationType string

const (
	NotifyThought    NotificationType = "thought"
	NotifyAction     NotificationType = "action"
	NotifyScreenshot NotificationType = "screenshot"
	NotifyInspector  NotificationType = "inspector"
	NotifyTaskStatus NotificationType = "task_status"
	NotifyPhase      NotificationType = "phase"
)

// Notification is pushed to subscribers as a run progresses. Which payload
// fields are set depends on Type.
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	TaskID      string           `json:"task_id,omitempty"`
	TaskOrdinal int              `json:"task_ordinal,omitempty"`
	Step        int              `json:"step"`
	Timestamp   time.Time        `json:"timestamp"`

	Thought    string                   `json:"thought,omitempty"`
	Action     *action.Label            `json:"action,omitempty"`
	Screenshot string                   `json:"screenshot,omitempty"`
	JS         *inspector.JSResult      `json:"js,omitempty"`
	Network    *inspector.NetworkResult `json:"network,omitempty"`
	Status     task.Status              `json:"status,omitempty"`
	Phase      Phase                    `json:"phase,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Subscribe registers a listener. Notifications are dropped for a
// subscriber whose buffer is full. Call the cleanup function to stop
// receiving notifications; it closes the channel.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)

	o.subsMu.Lock()
	id := o.nextSubscriber
	o.nextSubscriber++
	o.subscribers[id] = ch
	o.subsMu.Unlock()

	cleanup := func() {
		o.subsMu.Lock()
		if sub, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(sub)
		}
		o.subsMu.Unlock()
	}
	return ch, cleanup
}

func (o *Orchestrator) emit(n Notification) {
	if n.ID == "" {
		n.ID = string(n.Type) + "-" + uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = o.now()
	}

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}
