// Package bus is the in-process typed pub/sub between pods: per-recipient
// FIFO inboxes plus broadcast. Late subscribers miss earlier broadcasts.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/models"
)

// Bus routes messages to per-recipient inboxes. All mutations are
// serialized by one mutex; delivery is an in-memory append, so no
// publisher ever blocks on a recipient.
type Bus struct {
	mu       sync.Mutex
	inboxes  map[string]*Inbox
	inboxCap int
	now      func() time.Time
}

// New creates a bus whose inboxes hold at most inboxCap messages.
func New(inboxCap int, now func() time.Time) *Bus {
	if now == nil {
		now = time.Now
	}
	return &Bus{
		inboxes:  make(map[string]*Inbox),
		inboxCap: inboxCap,
		now:      now,
	}
}

// Subscribe registers a recipient and returns its inbox. Re-subscribing
// an existing recipient returns the same inbox.
func (b *Bus) Subscribe(recipient string) *Inbox {
	b.mu.Lock()
	defer b.mu.Unlock()

	if in, ok := b.inboxes[recipient]; ok {
		return in
	}
	in := &Inbox{cap: b.inboxCap}
	b.inboxes[recipient] = in
	return in
}

// Unsubscribe removes a recipient; pending messages are dropped.
func (b *Bus) Unsubscribe(recipient string) {
	b.mu.Lock()
	delete(b.inboxes, recipient)
	b.mu.Unlock()
}

// Publish assigns an id and timestamp, then delivers to the recipient's
// inbox, or to every current subscriber (except the sender) when the
// recipient is the broadcast wildcard. Returns the delivered message.
func (b *Bus) Publish(msg models.BusMessage) models.BusMessage {
	msg.ID = uuid.New().String()
	msg.Timestamp = b.now()
	if msg.Priority == "" {
		msg.Priority = models.PriorityNormal
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.To == models.BusBroadcast {
		for recipient, in := range b.inboxes {
			if recipient == msg.From {
				continue
			}
			in.push(msg)
		}
		return msg
	}

	in, ok := b.inboxes[msg.To]
	if !ok {
		slog.Debug("Bus message to unknown recipient dropped",
			"to", msg.To, "type", msg.Type)
		return msg
	}
	in.push(msg)
	return msg
}

// Inbox is a bounded FIFO queue. On overflow the oldest non-high-priority
// message is evicted; high-priority messages are preserved.
type Inbox struct {
	mu   sync.Mutex
	msgs []models.BusMessage
	cap  int
}

func (in *Inbox) push(msg models.BusMessage) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.cap > 0 && len(in.msgs) >= in.cap {
		evicted := false
		for i, m := range in.msgs {
			if m.Priority != models.PriorityHigh {
				in.msgs = append(in.msgs[:i], in.msgs[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			// Inbox full of high-priority messages: drop the newcomer
			// unless it is itself high priority, then drop the oldest.
			if msg.Priority != models.PriorityHigh {
				return
			}
			in.msgs = in.msgs[1:]
		}
	}
	in.msgs = append(in.msgs, msg)
}

// Len returns the number of queued messages.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

// Peek returns up to n most recent messages without draining.
func (in *Inbox) Peek(n int) []models.BusMessage {
	in.mu.Lock()
	defer in.mu.Unlock()

	if n <= 0 || n > len(in.msgs) {
		n = len(in.msgs)
	}
	out := make([]models.BusMessage, n)
	copy(out, in.msgs[len(in.msgs)-n:])
	return out
}

// Drain removes and returns all queued messages in FIFO order.
func (in *Inbox) Drain() []models.BusMessage {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := in.msgs
	in.msgs = nil
	return out
}
