package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/conversation"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/org"
)

const (
	// idleCheckInterval paces CheckIdleAgents; the warning threshold itself is
	// configured on the lifecycle.
	idleCheckInterval = time.Second

	// busyRetrySleep is the backoff when messages are pending but nothing was
	// dispatchable (all recipients busy or capped).
	busyRetrySleep = 10 * time.Millisecond

	// quietWaitTimeout bounds the wait when every queue is empty, so delayed
	// deliveries and shutdown checks still happen promptly.
	quietWaitTimeout = 100 * time.Millisecond
)

// Handler runs one agent turn for one message. Implemented by the LLM handler
// in pkg/agent; defined here so the runtime stays free of that package.
type Handler interface {
	HandleMessage(ctx context.Context, agentID string, msg *models.Message)
}

// SchedulerStats is the point-in-time snapshot served by the stats endpoint.
type SchedulerStats struct {
	Steps          int64 `json:"steps"`
	MaxSteps       int   `json:"maxSteps"`
	ActiveHandlers int   `json:"activeHandlers"`
	MaxHandlers    int   `json:"maxConcurrentHandlers"`
}

// Scheduler is the single dispatch loop: promote due delayed messages, hand
// user mail to the gateway, start at most one new turn per idle agent per
// pass under the global handler cap, and drive cooperative shutdown.
type Scheduler struct {
	msgBus    *bus.MessageBus
	lifecycle *Lifecycle
	handler   Handler
	gateway   *UserGateway
	shutdown  *ShutdownManager
	orgState  *org.State
	conv      *conversation.Store

	maxHandlers int
	maxSteps    int
	steps       atomic.Int64

	lastIdleCheck time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // the loop goroutine
	handlers sync.WaitGroup // in-flight handler goroutines
	logger   *slog.Logger
}

// NewScheduler wires the loop and registers the bus interruption callback.
func NewScheduler(msgBus *bus.MessageBus, lifecycle *Lifecycle, handler Handler,
	gateway *UserGateway, shutdown *ShutdownManager, orgState *org.State,
	conv *conversation.Store, maxHandlers, maxSteps int) *Scheduler {
	if maxHandlers < 1 {
		maxHandlers = 1
	}
	s := &Scheduler{
		msgBus:      msgBus,
		lifecycle:   lifecycle,
		handler:     handler,
		gateway:     gateway,
		shutdown:    shutdown,
		orgState:    orgState,
		conv:        conv,
		maxHandlers: maxHandlers,
		maxSteps:    maxSteps,
		stopCh:      make(chan struct{}),
		logger:      slog.With("component", "runtime.scheduler"),
	}
	msgBus.OnInterruption(lifecycle.MarkInterrupted)
	return s
}

// Start launches the loop goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Scheduler started",
		"max_handlers", s.maxHandlers, "max_steps", s.maxSteps)
}

// Stop halts the loop and waits up to timeout for in-flight handlers to
// finish their turns. Safe to call after the loop already drained itself.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Handlers still running at stop",
			"active", s.lifecycle.HandlersBusy())
	}
}

// Wait blocks until the loop goroutine exits (drain complete or Stop).
func (s *Scheduler) Wait() { s.wg.Wait() }

// Stats snapshots the loop counters.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Steps:          s.steps.Load(),
		MaxSteps:       s.maxSteps,
		ActiveHandlers: s.lifecycle.HandlersBusy(),
		MaxHandlers:    s.maxHandlers,
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.msgBus.DeliverDueMessages(time.Now())
		s.gateway.Drain(s.msgBus)
		dispatched := s.tryDispatch()

		if now := time.Now(); now.Sub(s.lastIdleCheck) >= idleCheckInterval {
			s.lifecycle.CheckIdleAgents(now)
			s.lastIdleCheck = now
		}

		if s.shutdown.IsShuttingDown() {
			if s.drained() {
				s.logger.Info("Scheduler drained", "steps", s.steps.Load())
				return
			}
			if s.shutdown.DrainExpired() {
				s.logger.Warn("Shutdown drain timed out",
					"active_handlers", s.lifecycle.HandlersBusy(),
					"queued", s.msgBus.Stats().Queued)
				return
			}
		}

		if dispatched > 0 {
			s.recordStep()
			continue
		}
		if s.msgBus.HasPending() {
			time.Sleep(busyRetrySleep)
		} else {
			s.msgBus.WaitForMessage(quietWaitTimeout)
		}
	}
}

// tryDispatch starts at most one new turn per agent this pass, in agent
// creation order, while handler capacity remains. Returns the dispatch count.
func (s *Scheduler) tryDispatch() int {
	capLeft := s.maxHandlers - s.lifecycle.HandlersBusy()
	if capLeft <= 0 {
		return 0
	}

	dispatched := 0
	for _, agent := range s.orgState.ListAgents(false) {
		if capLeft <= 0 {
			break
		}
		id := agent.ID
		if id == models.AgentUser {
			continue
		}
		if s.msgBus.QueueDepth(id) == 0 {
			continue
		}
		if !s.lifecycle.MarkDispatched(id) {
			continue
		}
		msg := s.msgBus.ReceiveNext(id)
		if msg == nil {
			// An abort cleared the queue between the depth check and the pop.
			s.lifecycle.CancelDispatch(id)
			continue
		}

		dispatched++
		capLeft--
		s.handlers.Add(1)
		go s.runHandler(id, msg)
	}
	return dispatched
}

// runHandler executes one turn with panic isolation: a panicking handler must
// never take down the process or wedge the agent.
func (s *Scheduler) runHandler(agentID string, msg *models.Message) {
	defer s.handlers.Done()
	defer s.lifecycle.ReleaseHandler(agentID)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler panic",
				"agent_id", agentID, "message_id", msg.ID,
				"panic", r, "stack", string(debug.Stack()))
			s.conv.AppendUser(agentID,
				fmt.Sprintf("[diagnostic] turn crashed while handling message %s: %v", msg.ID, r), nil)
			s.lifecycle.FinishTurn(agentID)
		}
	}()

	// Turns run on a detached context: cancellation goes through the limiter
	// (abort, terminate), not through scheduler teardown.
	s.handler.HandleMessage(context.Background(), agentID, msg)
}

// drained reports whether all immediate queues are empty and no turn is in
// flight. New sends after this flip the answer back on the next pass.
func (s *Scheduler) drained() bool {
	return !s.msgBus.HasPending() && s.lifecycle.HandlersBusy() == 0
}

// recordStep counts a pass that dispatched work and requests shutdown when
// the configured cap is reached.
func (s *Scheduler) recordStep() {
	steps := s.steps.Add(1)
	if s.maxSteps > 0 && steps >= int64(s.maxSteps) && !s.shutdown.IsShuttingDown() {
		s.logger.Warn("Max scheduler steps reached", "steps", steps)
		s.shutdown.Request("max steps reached")
	}
}
