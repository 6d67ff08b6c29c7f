package whatsapp

import (
	"sync"
	"time"

	"wabridge/internal/logging"
)

// supervisor is the narrow view of the session manager an event handler
// is allowed to touch. The handler never answers an HTTP caller and
// never holds a *Session: it mutates shared state by session id through
// the registry, so it cannot act on an object the manager has already
// replaced.
type supervisor interface {
	// UpdateSession applies fn under the registry lock. Returns false if
	// the session is gone.
	UpdateSession(sessionID string, fn func(*Session)) bool

	// ForceCleanup tears the session down and wipes its on-disk state.
	ForceCleanup(sessionID string, reason string)

	// RequestReconnect performs a full re-initialize, continuing the
	// attempt budget from the given attempt number.
	RequestReconnect(sessionID string, attempt int)
}

// EventHandler binds to one client's lifecycle events and drives the
// session state machine. Detach cancels every timer and listener it
// owns; leaking either across reconnect cycles is a bug.
type EventHandler struct {
	sessionID string
	machine   Machine
	sup       supervisor
	log       *logging.Logger

	mu             sync.Mutex
	state          State
	attempts       int
	detached       bool
	scanTimer      *time.Timer
	initTimer      *time.Timer
	reconnectTimer *time.Timer
	cancelSub      func()

	wg sync.WaitGroup
}

// NewEventHandler creates a handler for sessionID. seedAttempts carries
// the reconnect count consumed so far, so a handler created by a
// reconnect continues the same budget.
func NewEventHandler(sessionID string, cfg Settings, sup supervisor, seedAttempts int) *EventHandler {
	return &EventHandler{
		sessionID: sessionID,
		machine:   NewMachine(cfg),
		sup:       sup,
		log:       logging.Get(logging.CategorySession),
		state:     StateInitializing,
		attempts:  seedAttempts,
	}
}

// State returns the handler's current lifecycle state.
func (h *EventHandler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attach subscribes to the client's events, arms the init timeout, and
// starts supervising asynchronously.
func (h *EventHandler) Attach(client Client) {
	events, cancel := client.Subscribe()

	h.mu.Lock()
	h.cancelSub = cancel
	h.initTimer = time.AfterFunc(h.machine.cfg.InitTimeout, func() {
		h.handle(Event{Type: EventInitTimeout})
	})
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for ev := range events {
			h.handle(ev)
		}
	}()
}

// handle runs one event through the machine and executes the effects.
func (h *EventHandler) handle(ev Event) {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return
	}

	prev := h.state
	next, attempts, effects := h.machine.Step(h.state, h.attempts, ev)
	h.state = next
	h.attempts = attempts
	if prev != next {
		h.log.Info("session %s: %s -> %s on %s", h.sessionID, prev, next, ev.Type)
	}

	for _, effect := range effects {
		h.applyLocked(effect)
	}
	h.mu.Unlock()
}

// applyLocked executes one effect. Caller holds h.mu. Effects that call
// back into the manager run on their own goroutines so the event pump
// is never blocked behind a cleanup.
func (h *EventHandler) applyLocked(effect Effect) {
	switch e := effect.(type) {
	case SetQR:
		h.sup.UpdateSession(h.sessionID, func(s *Session) {
			s.QR = e.QR
			s.IsInitializing = true
			s.IsReady = false
		})

	case ClearQR:
		h.sup.UpdateSession(h.sessionID, func(s *Session) { s.QR = "" })

	case MarkReady:
		h.sup.UpdateSession(h.sessionID, func(s *Session) {
			s.IsReady = true
			s.IsInitializing = false
			s.LastUsed = time.Now()
		})

	case MarkInitializing:
		h.sup.UpdateSession(h.sessionID, func(s *Session) {
			s.IsInitializing = true
			s.IsReady = false
		})

	case ResetAttempts:
		h.sup.UpdateSession(h.sessionID, func(s *Session) { s.ReconnectAttempts = 0 })

	case StartScanTimer:
		if h.scanTimer != nil {
			h.scanTimer.Stop()
		}
		h.scanTimer = time.AfterFunc(e.Timeout, func() {
			h.handle(Event{Type: EventScanTimeout})
		})

	case CancelTimers:
		h.stopTimersLocked()

	case ScheduleReconnect:
		h.sup.UpdateSession(h.sessionID, func(s *Session) { s.ReconnectAttempts = e.Attempt })
		h.log.Info("session %s: reconnect attempt %d in %v", h.sessionID, e.Attempt, e.Delay)
		h.reconnectTimer = time.AfterFunc(e.Delay, func() {
			h.fireReconnect(e.Attempt)
		})

	case Terminate:
		h.log.Info("session %s: terminating (%s)", h.sessionID, e.Reason)
		go h.sup.ForceCleanup(h.sessionID, e.Reason)
	}
}

func (h *EventHandler) fireReconnect(attempt int) {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.sup.RequestReconnect(h.sessionID, attempt)
}

func (h *EventHandler) stopTimersLocked() {
	if h.scanTimer != nil {
		h.scanTimer.Stop()
		h.scanTimer = nil
	}
	if h.initTimer != nil {
		h.initTimer.Stop()
		h.initTimer = nil
	}
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
}

// Detach cancels all timers, unsubscribes from the client, and waits
// for the event pump to drain. Safe to call more than once.
func (h *EventHandler) Detach() {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return
	}
	h.detached = true
	h.stopTimersLocked()
	cancel := h.cancelSub
	h.cancelSub = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}
