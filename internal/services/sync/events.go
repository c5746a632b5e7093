package sync

import (
	"sync"
	"time"
)

// EventType defines coordinator event types.
type EventType string

const (
	EventRunning  EventType = "running"
	EventChecked  EventType = "checked"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
	EventStopped  EventType = "stopped"
	EventFailed   EventType = "failed"
)

// Event is a fire-and-forget notification for whoever is watching.
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Collection string    `json:"collection,omitempty"`
	Message    string    `json:"message,omitempty"`
	Progress   *Progress `json:"progress,omitempty"`
	Error      string    `json:"error,omitempty"`

	Err error `json:"-"`
}

// Progress describes the task a step just drained.
type Progress struct {
	Collection string `json:"collection"`
	BatchUUID  string `json:"batch_uuid"`
	BatchIndex int    `json:"batch_index"`
	BatchTotal int    `json:"batch_total"`
	Records    int    `json:"records"`
	Skipped    int    `json:"skipped"`
	Pending    int    `json:"pending"`
}

// broker fans events out to subscribers. A subscriber that falls behind
// misses events rather than blocking the coordinator.
type broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[chan Event]struct{})}
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broker) publish(e Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	return dropped
}
