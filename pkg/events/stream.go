// Package events is the append-only update stream: per-work-order event
// logs with bounded history and per-work-order plus global subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/models"
)

// GlobalChannel subscribes to events of every work order.
const GlobalChannel = "*"

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that stops consuming loses events past this point (with a warning)
// rather than stalling publishers.
const subscriberBuffer = 256

// Stream fans update events out to subscribers and keeps a bounded
// per-work-order history. New subscribers do not receive prior events
// unless they explicitly ask via History.
type Stream struct {
	mu           sync.Mutex
	history      map[string][]models.UpdateEvent
	subs         map[string]map[int]chan models.UpdateEvent
	nextSubID    int
	historyLimit int
	now          func() time.Time
	closed       bool
}

// NewStream creates a stream retaining at most historyLimit events per
// work order (FIFO eviction).
func NewStream(historyLimit int, now func() time.Time) *Stream {
	if now == nil {
		now = time.Now
	}
	return &Stream{
		history:      make(map[string][]models.UpdateEvent),
		subs:         make(map[string]map[int]chan models.UpdateEvent),
		historyLimit: historyLimit,
		now:          now,
	}
}

// Publish appends an event to the work order's log and delivers it to
// its subscribers and all global subscribers, in emission order.
func (s *Stream) Publish(workOrderID string, typ models.UpdateEventType, data map[string]any) models.UpdateEvent {
	ev := models.UpdateEvent{
		ID:          uuid.New().String(),
		WorkOrderID: workOrderID,
		Type:        typ,
		Data:        data,
		Timestamp:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ev
	}

	log := append(s.history[workOrderID], ev)
	if len(log) > s.historyLimit {
		log = log[len(log)-s.historyLimit:]
	}
	s.history[workOrderID] = log

	s.deliverLocked(workOrderID, ev)
	s.deliverLocked(GlobalChannel, ev)
	return ev
}

func (s *Stream) deliverLocked(channel string, ev models.UpdateEvent) {
	for id, ch := range s.subs[channel] {
		select {
		case ch <- ev:
		default:
			slog.Warn("Update stream subscriber lagging, event dropped",
				"channel", channel, "subscriber", id, "event_type", ev.Type)
		}
	}
}

// Subscribe attaches a listener to one work order's events, or to every
// work order via GlobalChannel. The returned cancel function detaches
// the listener and closes its channel.
func (s *Stream) Subscribe(channel string) (<-chan models.UpdateEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan models.UpdateEvent, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	s.nextSubID++
	id := s.nextSubID
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]chan models.UpdateEvent)
	}
	s.subs[channel][id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.subs[channel]; ok {
			if c, live := subs[id]; live {
				delete(subs, id)
				close(c)
				if len(subs) == 0 {
					delete(s.subs, channel)
				}
			}
		}
	}
	return ch, cancel
}

// History returns a copy of the retained events for a work order, in
// emission order.
func (s *Stream) History(workOrderID string) []models.UpdateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.history[workOrderID]
	out := make([]models.UpdateEvent, len(log))
	copy(out, log)
	return out
}

// Shutdown closes all subscriber channels. Publishing after shutdown is
// a no-op, keeping tests hermetic.
func (s *Stream) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string]map[int]chan models.UpdateEvent)
}
