package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrDuplicateRequest rejects a second concurrent Execute for an agent
	// that already has a call active or queued.
	ErrDuplicateRequest = errors.New("agent already has an llm request in flight")

	// ErrCancelled is returned to a queued Execute removed by Cancel before
	// its call ever started.
	ErrCancelled = errors.New("llm request cancelled while queued")
)

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	Active         int   `json:"active"`
	Queued         int   `json:"queued"`
	MaxConcurrent  int   `json:"maxConcurrent"`
	TotalExecuted  int64 `json:"totalExecuted"`
	TotalCancelled int64 `json:"totalCancelled"`
}

type waiter struct {
	agentID string
	ready   chan struct{}
	granted bool
	err     error // set under mu before close(ready) when removed by Cancel
}

// Limiter caps concurrent LLM calls across all agents. Admission is strict
// FIFO; one in-flight call per agent; active calls carry a cancellable
// context registered for Cancel.
type Limiter struct {
	mu       sync.Mutex
	max      int
	active   map[string]context.CancelFunc
	reserved int // slots promised to woken waiters, not yet running
	waiters  []*waiter

	totalExecuted  int64
	totalCancelled int64

	logger *slog.Logger
}

// NewLimiter builds a limiter with the given concurrency cap (min 1).
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{
		max:    maxConcurrent,
		active: make(map[string]context.CancelFunc),
		logger: slog.With("component", "llm.limiter"),
	}
}

// Execute runs fn under the global cap. Returns ErrDuplicateRequest if the
// agent already has a call active or queued, ErrCancelled if Cancel removed
// it from the queue, or ctx.Err() if the caller gave up while waiting.
func (l *Limiter) Execute(ctx context.Context, agentID string, fn func(context.Context) error) error {
	l.mu.Lock()
	if l.trackedLocked(agentID) {
		l.mu.Unlock()
		return ErrDuplicateRequest
	}
	if len(l.active)+l.reserved < l.max {
		runCtx, cancel := context.WithCancel(ctx)
		l.active[agentID] = cancel
		l.mu.Unlock()
		return l.invoke(runCtx, cancel, agentID, fn)
	}
	w := &waiter{agentID: agentID, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	queued := len(l.waiters)
	l.mu.Unlock()

	l.logger.Debug("llm request queued", "agent_id", agentID, "position", queued)

	select {
	case <-w.ready:
	case <-ctx.Done():
		l.mu.Lock()
		if !w.granted {
			l.dropWaiterLocked(w)
			l.mu.Unlock()
			return ctx.Err()
		}
		// Granted concurrently with cancellation: hand the slot onward.
		l.reserved--
		l.promoteLocked()
		l.mu.Unlock()
		return ctx.Err()
	}

	l.mu.Lock()
	if w.err != nil {
		l.mu.Unlock()
		return w.err
	}
	l.reserved--
	runCtx, cancel := context.WithCancel(ctx)
	l.active[agentID] = cancel
	l.mu.Unlock()
	return l.invoke(runCtx, cancel, agentID, fn)
}

func (l *Limiter) invoke(runCtx context.Context, cancel context.CancelFunc, agentID string, fn func(context.Context) error) error {
	defer func() {
		cancel()
		l.mu.Lock()
		delete(l.active, agentID)
		l.totalExecuted++
		l.promoteLocked()
		l.mu.Unlock()
	}()
	return fn(runCtx)
}

// Cancel aborts the agent's active call or removes its queued request.
// Idempotent; reports whether anything was cancelled.
func (l *Limiter) Cancel(agentID string) bool {
	l.mu.Lock()
	if cancel, ok := l.active[agentID]; ok {
		l.totalCancelled++
		l.mu.Unlock()
		cancel()
		l.logger.Info("cancelled active llm call", "agent_id", agentID)
		return true
	}
	for i, w := range l.waiters {
		if w.agentID == agentID {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			w.err = ErrCancelled
			close(w.ready)
			l.totalCancelled++
			l.mu.Unlock()
			l.logger.Info("cancelled queued llm call", "agent_id", agentID)
			return true
		}
	}
	l.mu.Unlock()
	return false
}

// UpdateMaxConcurrent resizes the cap. Raising wakes queued waiters; lowering
// applies as active calls finish and never cancels running calls.
func (l *Limiter) UpdateMaxConcurrent(n int) {
	if n < 1 {
		l.logger.Warn("ignoring invalid concurrency cap", "requested", n)
		return
	}
	l.mu.Lock()
	old := l.max
	l.max = n
	l.promoteLocked()
	l.mu.Unlock()
	l.logger.Info("llm concurrency cap updated", "old", old, "new", n)
}

// GetStats returns a snapshot of limiter counters.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Active:         len(l.active),
		Queued:         len(l.waiters),
		MaxConcurrent:  l.max,
		TotalExecuted:  l.totalExecuted,
		TotalCancelled: l.totalCancelled,
	}
}

// trackedLocked reports whether the agent is already active or queued.
func (l *Limiter) trackedLocked(agentID string) bool {
	if _, ok := l.active[agentID]; ok {
		return true
	}
	for _, w := range l.waiters {
		if w.agentID == agentID {
			return true
		}
	}
	return false
}

// promoteLocked wakes waiters in FIFO order while capacity remains.
func (l *Limiter) promoteLocked() {
	for len(l.waiters) > 0 && len(l.active)+l.reserved < l.max {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		w.granted = true
		l.reserved++
		close(w.ready)
	}
}

func (l *Limiter) dropWaiterLocked(target *waiter) {
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}
