package whatsapp

import "time"

// State is a session's lifecycle phase. Terminated is absorbing: a
// terminated session must be removed and a new one created to
// reconnect.
type State int

const (
	StateInitializing State = iota
	StateAwaitingScan
	StateReady
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Effect is an action the transition function requests. The machine
// never performs side effects itself; the event handler executes them.
type Effect interface{ isEffect() }

// SetQR publishes a fresh pairing payload on the session.
type SetQR struct{ QR string }

// ClearQR removes the pairing payload.
type ClearQR struct{}

// MarkReady flips the session to ready (and not initializing).
type MarkReady struct{}

// MarkInitializing flips the session to initializing (and not ready).
type MarkInitializing struct{}

// ResetAttempts zeroes the reconnect counter after a successful ready.
type ResetAttempts struct{}

// StartScanTimer arms the QR-scan timeout.
type StartScanTimer struct{ Timeout time.Duration }

// CancelTimers cancels scan, init, and reconnect timers.
type CancelTimers struct{}

// ScheduleReconnect requests a full re-initialize after Delay. Attempt
// is the 1-based attempt number to record on the session.
type ScheduleReconnect struct {
	Attempt int
	Delay   time.Duration
}

// Terminate requests forced cleanup; the session is sterile afterwards.
type Terminate struct{ Reason string }

func (SetQR) isEffect()             {}
func (ClearQR) isEffect()           {}
func (MarkReady) isEffect()         {}
func (MarkInitializing) isEffect()  {}
func (ResetAttempts) isEffect()     {}
func (StartScanTimer) isEffect()    {}
func (CancelTimers) isEffect()      {}
func (ScheduleReconnect) isEffect() {}
func (Terminate) isEffect()         {}

// Machine is the pure per-session transition function. It holds only
// configuration, never session state, so one value can serve many
// sessions and tests can drive it without a client.
type Machine struct {
	cfg Settings
}

// NewMachine builds a transition function over the given settings.
func NewMachine(cfg Settings) Machine {
	return Machine{cfg: cfg}
}

// Step computes (state, attempts, event) -> (state, attempts, effects).
// attempts is the reconnect count consumed since the last ready.
func (m Machine) Step(state State, attempts int, ev Event) (State, int, []Effect) {
	// Terminated is absorbing.
	if state == StateTerminated {
		return state, attempts, nil
	}

	switch ev.Type {
	case EventQR:
		return StateAwaitingScan, attempts, []Effect{
			CancelTimers{},
			SetQR{QR: ev.QR},
			MarkInitializing{},
			StartScanTimer{Timeout: m.cfg.QRTimeout},
		}

	case EventAuthenticated, EventLoading:
		// Pairing accepted or session restoring; the QR is stale but the
		// client is not yet usable.
		return StateInitializing, attempts, []Effect{
			ClearQR{},
			MarkInitializing{},
		}

	case EventReady:
		return StateReady, 0, []Effect{
			CancelTimers{},
			ClearQR{},
			MarkReady{},
			ResetAttempts{},
		}

	case EventStateChange:
		switch ev.State {
		case "CONNECTED":
			return m.Step(state, attempts, Event{Type: EventReady})
		case "DISCONNECTED":
			return m.Step(state, attempts, Event{Type: EventDisconnected, Reason: "state changed to DISCONNECTED"})
		}
		return state, attempts, nil

	case EventAuthFailure:
		// Credentials presumed invalid: never retried.
		return StateTerminated, attempts, []Effect{
			CancelTimers{},
			ClearQR{},
			Terminate{Reason: "authentication failed"},
		}

	case EventDisconnected, EventInitTimeout, EventScanTimeout:
		// Timeouts while not yet ready are the same failure class as a
		// disconnect: retry under the shared attempt budget.
		if (ev.Type == EventInitTimeout || ev.Type == EventScanTimeout) && state == StateReady {
			return state, attempts, nil // stale timer, ignore
		}
		if ShouldReconnect(attempts, m.cfg.MaxReconnectAttempts) {
			attempt := attempts + 1
			return StateReconnecting, attempt, []Effect{
				CancelTimers{},
				ClearQR{},
				MarkInitializing{},
				ScheduleReconnect{
					Attempt: attempt,
					Delay:   ReconnectDelay(attempt, m.cfg.RetryDelay, m.cfg.ReconnectDelayCap),
				},
			}
		}
		return StateTerminated, attempts, []Effect{
			CancelTimers{},
			ClearQR{},
			Terminate{Reason: "reconnect attempts exhausted"},
		}
	}

	return state, attempts, nil
}
