// Package session implements the per-conversation worker, the bounded
// event ring consumed by long-polling clients, and the session manager.
//
// Each session owns one worker goroutine that serially consumes its turn
// queue; HTTP handlers touch the session only through the synchronized
// operations below. The event buffer is the single multi-producer,
// multi-consumer structure and is accessed exclusively under the session
// lock.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/warp-terra/repoagent/internal/agent"
	"github.com/warp-terra/repoagent/internal/observability"
	"github.com/warp-terra/repoagent/internal/tools"
	"github.com/warp-terra/repoagent/pkg/models"
)

const (
	// DefaultMaxEvents is the event-ring capacity when none is configured.
	DefaultMaxEvents = 2000

	// queueCapacity bounds the pending-turn channel. Submissions are
	// effectively unbounded for interactive use.
	queueCapacity = 1024

	// stopJoinTimeout is how long Stop waits for the worker to drain.
	stopJoinTimeout = 3 * time.Second
)

// Session is one conversation context with its own history, worker, and
// event buffer.
type Session struct {
	id       string
	runtime  agent.Runtime
	registry *tools.Registry
	logger   *slog.Logger

	maxEvents int

	mu          sync.Mutex
	history     agent.History
	events      []models.AgentEvent
	lastEventID int64
	turnCounter int64
	busy        bool
	stopped     bool
	// notify is closed and replaced on every event append; long-pollers
	// wait on the current instance.
	notify chan struct{}

	// queue carries pending turns; a nil entry is the stop sentinel.
	queue chan *models.TurnRequest
	done  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a session. Call Start before submitting turns.
func New(id string, runtime agent.Runtime, registry *tools.Registry, maxEvents int, logger *slog.Logger) *Session {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		runtime:   runtime,
		registry:  registry,
		logger:    logger.With("session_id", id),
		maxEvents: maxEvents,
		history:   runtime.NewHistory(),
		notify:    make(chan struct{}),
		queue:     make(chan *models.TurnRequest, queueCapacity),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Start launches the worker and emits session_created.
func (s *Session) Start() {
	go s.workerLoop()
	s.appendEvent(models.EventSessionCreated, map[string]any{
		"provider": s.runtime.Provider(),
		"model_id": s.runtime.ModelID(),
	}, nil)
}

// Stop posts the stop sentinel and joins the worker with a short timeout.
// It is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.queue <- nil
	select {
	case <-s.done:
	case <-time.After(stopJoinTimeout):
		s.logger.Warn("session worker did not stop in time")
	}
	s.cancel()
}

// SubmitTurn queues one user question and returns its turn id. The call
// never waits for the turn to execute.
func (s *Session) SubmitTurn(userInput string) (int64, error) {
	text := strings.TrimSpace(userInput)
	if text == "" {
		return 0, errors.New("输入不能为空。")
	}

	s.mu.Lock()
	s.turnCounter++
	turnID := s.turnCounter
	s.mu.Unlock()

	// Emit before the push so turn_enqueued always precedes the worker's
	// turn_started for the same turn.
	s.appendEvent(models.EventTurnEnqueued, map[string]any{
		"queue_size": len(s.queue) + 1,
	}, &turnID)
	s.queue <- models.NewTurnRequest(turnID, text)
	return turnID, nil
}

// Clear drops queued turns and wipes history. While a turn is in flight it
// still drops the queued turns, but leaves history untouched and reports
// failure; it never interrupts the running turn.
func (s *Session) Clear() (bool, string) {
	dropped := s.dropPendingTurns()

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return false, "当前有请求正在执行，暂不允许清空。"
	}
	s.history.Clear()
	s.mu.Unlock()

	s.appendEvent(models.EventSessionCleared, map[string]any{
		"dropped_pending": dropped,
	}, nil)
	return true, "会话已清空。"
}

// Cancel drops queued turns. In-flight turns are not aborted; the result
// reports that hard cancellation is unsupported.
func (s *Session) Cancel() models.CancelResult {
	dropped := s.dropPendingTurns()

	s.mu.Lock()
	running := s.busy
	s.mu.Unlock()

	result := models.CancelResult{
		Running:             running,
		DroppedPending:      dropped,
		HardCancelSupported: false,
	}
	s.appendEvent(models.EventCancelRequested, map[string]any{
		"running":               result.Running,
		"dropped_pending":       result.DroppedPending,
		"hard_cancel_supported": result.HardCancelSupported,
	}, nil)
	return result
}

// Status returns a point-in-time snapshot.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionStatus{
		SessionID:    s.id,
		Provider:     s.runtime.Provider(),
		ModelID:      s.runtime.ModelID(),
		Busy:         s.busy,
		PendingCount: len(s.queue),
		HistorySize:  s.history.Len(),
		LastEventID:  s.lastEventID,
		LastTurnID:   s.turnCounter,
	}
}

// GetEvents returns buffered events with id > after, waiting up to wait
// for new ones when none are available yet. The page reports the oldest
// retained id so clients can detect buffer overflow.
func (s *Session) GetEvents(ctx context.Context, after int64, wait time.Duration, limit int) models.EventPage {
	deadline := time.Now().Add(wait)

	for {
		s.mu.Lock()
		if s.lastEventID > after || wait <= 0 || !time.Now().Before(deadline) {
			page := s.collectEventsLocked(after, limit)
			s.mu.Unlock()
			return page
		}
		notify := s.notify
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			page := s.collectEventsLocked(after, limit)
			s.mu.Unlock()
			return page
		}
	}
}

// collectEventsLocked assembles an event page. Callers hold s.mu.
func (s *Session) collectEventsLocked(after int64, limit int) models.EventPage {
	events := make([]models.AgentEvent, 0, limit)
	for _, event := range s.events {
		if event.EventID <= after {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) >= limit {
			break
		}
	}

	oldest := s.lastEventID + 1
	if len(s.events) > 0 {
		oldest = s.events[0].EventID
	}
	dropped := oldest - after - 1
	if dropped < 0 {
		dropped = 0
	}

	return models.EventPage{
		SessionID:     s.id,
		Events:        events,
		LastEventID:   s.lastEventID,
		OldestEventID: oldest,
		DroppedEvents: dropped,
	}
}

// appendEvent assigns the next event id, stores the event, trims the ring,
// and wakes long-pollers.
func (s *Session) appendEvent(eventType models.EventType, payload map[string]any, turnID *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastEventID++
	event := models.AgentEvent{
		EventID:   s.lastEventID,
		SessionID: s.id,
		TurnID:    turnID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	s.events = append(s.events, event)
	if overflow := len(s.events) - s.maxEvents; overflow > 0 {
		s.events = append([]models.AgentEvent(nil), s.events[overflow:]...)
	}
	observability.EventsEmittedTotal.WithLabelValues(string(eventType)).Inc()

	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Session) workerLoop() {
	defer close(s.done)
	for {
		request := <-s.queue
		if request == nil {
			return
		}
		s.runTurn(request)
	}
}

func (s *Session) runTurn(request *models.TurnRequest) {
	s.mu.Lock()
	s.busy = true
	s.mu.Unlock()

	turnID := request.TurnID
	s.appendEvent(models.EventTurnStarted, map[string]any{"input": request.UserInput}, &turnID)
	s.appendEvent(models.EventUser, map[string]any{"text": request.UserInput}, &turnID)

	sink := func(eventType models.EventType, payload map[string]any) {
		s.appendEvent(eventType, payload, &turnID)
	}

	status := models.TurnStatusCompleted
	answer, err := agent.RunTurn(s.ctx, s.runtime, s.registry, s.history, request.UserInput, sink)
	if err != nil {
		status = models.TurnStatusFailed
		s.rollbackTrailingUser()
		s.logger.Warn("turn failed", "turn_id", turnID, "error", err)
		s.appendEvent(models.EventError, map[string]any{"message": errorLabel(err)}, &turnID)
	} else {
		s.appendEvent(models.EventAnswer, map[string]any{"text": answer}, &turnID)
	}

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()

	s.appendEvent(models.EventTurnFinished, map[string]any{"status": status}, &turnID)
}

// rollbackTrailingUser removes the user message a failed turn appended so
// the next turn starts from clean history.
func (s *Session) rollbackTrailingUser() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.DropTrailingUser()
}

// dropPendingTurns drains not-yet-started turns, leaving the stop
// sentinel in place if one is queued.
func (s *Session) dropPendingTurns() int {
	dropped := 0
	for {
		select {
		case request := <-s.queue:
			if request == nil {
				// Put the stop sentinel back for the worker.
				s.queue <- nil
				return dropped
			}
			dropped++
		default:
			return dropped
		}
	}
}
