// Package bus implements the in-process message bus: per-recipient FIFO
// queues, delayed delivery, and interruption notification for active agents.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveworks/hived/pkg/models"
)

// Rejection reasons surfaced to senders.
const (
	ReasonStopped          = "agent_stopped"
	ReasonStopping         = "agent_stopping"
	ReasonTerminating      = "agent_terminating"
	ReasonUnknownRecipient = "unknown_recipient"
)

// RejectionError is returned by Send when the recipient cannot accept
// messages. The sender sees the reason verbatim in its tool result.
type RejectionError struct {
	Recipient string
	Reason    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("message to %q rejected: %s", e.Recipient, e.Reason)
}

// AsRejection unwraps a RejectionError if err carries one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// StatusSource answers routability questions about recipients. The runtime
// implements it; the bus never reaches into agent state directly.
type StatusSource interface {
	// ComputeStatus returns the agent's current status and whether the agent
	// is known at all (live agents and the user principal).
	ComputeStatus(agentID string) (models.ComputeStatus, bool)
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Queued    int   `json:"queued"`  // immediate messages across all queues
	Delayed   int   `json:"delayed"` // messages still holding a future deadline
	Sent      int64 `json:"sent"`
	Rejected  int64 `json:"rejected"`
	Delivered int64 `json:"delivered"` // delayed → immediate promotions
}

// MessageBus routes messages between agents. All public methods are safe for
// concurrent use.
type MessageBus struct {
	mu      sync.Mutex
	queues  map[string][]*models.Message // per-recipient FIFO
	delayed delayedQueue
	seq     uint64

	status      StatusSource
	onInterrupt func(agentID string)
	onAccepted  func(msg *models.Message, delayed bool)

	// notify wakes WaitForMessage on any immediate enqueue. Buffered so a
	// Send never blocks on a sleeping (or absent) scheduler.
	notify chan struct{}

	sent      int64
	rejected  int64
	delivered int64
}

// New creates an empty bus routing against the given status source.
func New(status StatusSource) *MessageBus {
	return &MessageBus{
		queues: make(map[string][]*models.Message),
		status: status,
		notify: make(chan struct{}, 1),
	}
}

// OnInterruption registers the callback invoked (asynchronously) when a
// message is enqueued for an agent that is currently inside a turn. Only one
// callback is supported; the scheduler owns it.
func (b *MessageBus) OnInterruption(fn func(agentID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onInterrupt = fn
}

// OnAccepted registers the callback invoked after Send accepts a message,
// whether queued immediately or parked with a future deadline. Event
// publishing hangs off this hook so the bus stays free of the hub.
func (b *MessageBus) OnAccepted(fn func(msg *models.Message, delayed bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAccepted = fn
}

// Send validates and routes a message. Messages with a future DeliverAt go to
// the delayed queue; everything else lands at the tail of the recipient FIFO.
// Returns a *RejectionError when the recipient is unknown or not routable.
func (b *MessageBus) Send(msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if dropped := msg.SanitizeQuickReplies(); dropped > 0 {
		slog.Warn("Dropped invalid quick replies", "message_id", msg.ID, "dropped", dropped)
	}

	status, known := b.status.ComputeStatus(msg.To)
	if !known {
		b.countRejected()
		return &RejectionError{Recipient: msg.To, Reason: ReasonUnknownRecipient}
	}
	if !status.Routable() {
		b.countRejected()
		return &RejectionError{Recipient: msg.To, Reason: rejectionReason(status)}
	}

	b.mu.Lock()
	b.sent++
	accepted := b.onAccepted
	if msg.Delayed(time.Now()) {
		b.seq++
		b.delayed.push(delayedEntry{msg: msg, at: *msg.DeliverAt, seq: b.seq})
		b.mu.Unlock()
		if accepted != nil {
			accepted(msg, true)
		}
		return nil
	}
	b.enqueueLocked(msg)
	interrupt := b.onInterrupt
	b.mu.Unlock()

	if accepted != nil {
		accepted(msg, false)
	}

	// Interruption notification fires only for recipients already inside a
	// turn, and never blocks the sender.
	if interrupt != nil && status.Active() {
		go interrupt(msg.To)
	}
	return nil
}

func rejectionReason(status models.ComputeStatus) string {
	switch status {
	case models.StatusStopping:
		return ReasonStopping
	case models.StatusTerminating:
		return ReasonTerminating
	default:
		return ReasonStopped
	}
}

// enqueueLocked appends to the recipient FIFO and wakes the scheduler.
func (b *MessageBus) enqueueLocked(msg *models.Message) {
	b.queues[msg.To] = append(b.queues[msg.To], msg)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// ReceiveNext pops the head of the agent's queue, or nil when empty.
func (b *MessageBus) ReceiveNext(agentID string) *models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[agentID]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	q[0] = nil
	b.queues[agentID] = q[1:]
	return msg
}

// Peek returns the head of the agent's queue without removing it.
func (b *MessageBus) Peek(agentID string) *models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q := b.queues[agentID]; len(q) > 0 {
		return q[0]
	}
	return nil
}

// QueueDepth returns the number of immediate messages waiting for the agent.
func (b *MessageBus) QueueDepth(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[agentID])
}

// HasPending reports whether any immediate message is queued anywhere.
func (b *MessageBus) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

// DeliverDueMessages promotes every delayed message whose deadline has passed
// into its recipient's FIFO, in (deadline, enqueue order). Returns the count.
func (b *MessageBus) DeliverDueMessages(now time.Time) int {
	b.mu.Lock()
	promoted := b.promoteLocked(func(e delayedEntry) bool { return !e.at.After(now) })
	interrupts := b.interruptTargetsLocked(promoted)
	b.mu.Unlock()

	b.fireInterrupts(interrupts)
	return len(promoted)
}

// ForceDeliverAllDelayed promotes every delayed message regardless of
// deadline. Called once during shutdown so nothing is silently lost.
func (b *MessageBus) ForceDeliverAllDelayed() int {
	b.mu.Lock()
	promoted := b.promoteLocked(func(delayedEntry) bool { return true })
	b.mu.Unlock()
	if len(promoted) > 0 {
		slog.Info("Force-delivered delayed messages", "count", len(promoted))
	}
	return len(promoted)
}

// promoteLocked pops matching delayed entries (heap order = deadline, seq)
// and enqueues them.
func (b *MessageBus) promoteLocked(due func(delayedEntry) bool) []*models.Message {
	var promoted []*models.Message
	for b.delayed.Len() > 0 && due(b.delayed.peek()) {
		entry := b.delayed.pop()
		b.enqueueLocked(entry.msg)
		b.delivered++
		promoted = append(promoted, entry.msg)
	}
	return promoted
}

// interruptTargetsLocked filters promoted messages down to recipients that
// are inside a turn right now.
func (b *MessageBus) interruptTargetsLocked(promoted []*models.Message) []string {
	if b.onInterrupt == nil {
		return nil
	}
	var targets []string
	for _, msg := range promoted {
		if status, known := b.status.ComputeStatus(msg.To); known && status.Active() {
			targets = append(targets, msg.To)
		}
	}
	return targets
}

func (b *MessageBus) fireInterrupts(targets []string) {
	if len(targets) == 0 {
		return
	}
	b.mu.Lock()
	fn := b.onInterrupt
	b.mu.Unlock()
	if fn == nil {
		return
	}
	for _, id := range targets {
		go fn(id)
	}
}

// WaitForMessage blocks until an immediate message may be available or the
// timeout elapses. Spurious wakeups are fine; the scheduler re-checks queues.
func (b *MessageBus) WaitForMessage(timeout time.Duration) {
	if b.HasPending() {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.notify:
	case <-timer.C:
	}
}

// ClearQueue drops all immediate and delayed messages addressed to the agent.
// Used when an agent stops or terminates. Returns the number dropped.
func (b *MessageBus) ClearQueue(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := len(b.queues[agentID])
	delete(b.queues, agentID)
	dropped += b.delayed.removeFor(agentID)
	if dropped > 0 {
		slog.Debug("Cleared message queue", "agent_id", agentID, "dropped", dropped)
	}
	return dropped
}

// Stats returns a snapshot of bus counters.
func (b *MessageBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	queued := 0
	for _, q := range b.queues {
		queued += len(q)
	}
	return Stats{
		Queued:    queued,
		Delayed:   b.delayed.Len(),
		Sent:      b.sent,
		Rejected:  b.rejected,
		Delivered: b.delivered,
	}
}

func (b *MessageBus) countRejected() {
	b.mu.Lock()
	b.rejected++
	b.mu.Unlock()
}
