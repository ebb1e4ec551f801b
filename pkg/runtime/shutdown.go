package runtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/conversation"
	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/org"
)

// ShutdownManager coordinates cooperative shutdown. The first Request flips
// the flag every loop checks; the scheduler then drains queued work within the
// drain timeout, and main calls Finalize once the loop has stopped.
type ShutdownManager struct {
	mu            sync.Mutex
	requested     bool
	reason        string
	startedAt     time.Time
	deadline      time.Time
	activeAtStart int

	timeout     time.Duration
	activeCount func() int
	publisher   events.Publisher
	done        chan struct{}
	logger      *slog.Logger
}

// NewShutdownManager builds a manager with the configured drain timeout.
func NewShutdownManager(timeout time.Duration, publisher events.Publisher) *ShutdownManager {
	return &ShutdownManager{
		timeout:   timeout,
		publisher: publisher,
		done:      make(chan struct{}),
		logger:    slog.With("component", "runtime.shutdown"),
	}
}

// BindActiveCounter wires the handler count captured when shutdown begins.
func (m *ShutdownManager) BindActiveCounter(fn func() int) { m.activeCount = fn }

// Request asks for graceful shutdown. The first call records the reason and
// starts the drain clock; it returns false. Any further call returns true,
// telling main to exit immediately.
func (m *ShutdownManager) Request(reason string) (force bool) {
	m.mu.Lock()
	if m.requested {
		m.mu.Unlock()
		m.logger.Warn("Repeated shutdown request, forcing exit", "reason", reason)
		return true
	}
	m.requested = true
	m.reason = reason
	m.startedAt = time.Now()
	m.deadline = m.startedAt.Add(m.timeout)
	if m.activeCount != nil {
		m.activeAtStart = m.activeCount()
	}
	m.mu.Unlock()

	close(m.done)
	m.publisher.Publish(events.ChannelOrg, events.ShutdownPayload{
		Type:      events.TypeShutdown,
		Reason:    reason,
		Timestamp: events.Timestamp(),
	})
	m.logger.Info("Shutdown requested", "reason", reason, "drain_timeout", m.timeout)
	return false
}

// IsShuttingDown reports whether shutdown has been requested. Handlers check
// it at loop tops and finish their turns early.
func (m *ShutdownManager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested
}

// Requested is closed on the first shutdown request.
func (m *ShutdownManager) Requested() <-chan struct{} { return m.done }

// Reason returns the recorded shutdown reason.
func (m *ShutdownManager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// DrainExpired reports whether the drain window has closed.
func (m *ShutdownManager) DrainExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested && time.Now().After(m.deadline)
}

// Finalize runs the post-drain phase after the scheduler loop has stopped:
// delayed messages are force-delivered so nothing is silently dropped, user
// messages among them surface through the gateway, and all state is flushed.
func (m *ShutdownManager) Finalize(b *bus.MessageBus, gateway *UserGateway,
	conv *conversation.Store, orgState *org.State) {
	forced := b.ForceDeliverAllDelayed()
	delivered := gateway.Drain(b)
	if err := conv.FlushAll(); err != nil {
		m.logger.Error("Conversation flush failed during shutdown", "error", err)
	}
	if err := orgState.Flush(); err != nil {
		m.logger.Error("Org flush failed during shutdown", "error", err)
	}

	m.mu.Lock()
	reason := m.reason
	duration := time.Since(m.startedAt)
	timedOut := time.Now().After(m.deadline)
	activeAtStart := m.activeAtStart
	undelivered := b.Stats().Queued
	m.mu.Unlock()

	m.logger.Info("Shutdown complete",
		"reason", reason,
		"duration_ms", duration.Milliseconds(),
		"forced_delayed", forced,
		"user_messages_delivered", delivered,
		"undelivered", undelivered,
		"active_at_start", activeAtStart,
		"timed_out", timedOut)
}
