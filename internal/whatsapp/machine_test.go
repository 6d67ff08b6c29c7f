package whatsapp

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func testSettings() Settings {
	s := DefaultSettings()
	s.QRTimeout = 90 * time.Second
	s.RetryDelay = 3 * time.Second
	s.ReconnectDelayCap = 15 * time.Second
	s.MaxReconnectAttempts = 5
	return s
}

func TestMachineStep(t *testing.T) {
	m := NewMachine(testSettings())

	tests := []struct {
		name         string
		state        State
		attempts     int
		ev           Event
		wantState    State
		wantAttempts int
		wantEffects  []Effect
	}{
		{
			name:         "qr issued while initializing",
			state:        StateInitializing,
			ev:           Event{Type: EventQR, QR: "ref-1"},
			wantState:    StateAwaitingScan,
			wantEffects:  []Effect{CancelTimers{}, SetQR{QR: "ref-1"}, MarkInitializing{}, StartScanTimer{Timeout: 90 * time.Second}},
		},
		{
			name:         "refreshed qr while awaiting scan",
			state:        StateAwaitingScan,
			ev:           Event{Type: EventQR, QR: "ref-2"},
			wantState:    StateAwaitingScan,
			wantEffects:  []Effect{CancelTimers{}, SetQR{QR: "ref-2"}, MarkInitializing{}, StartScanTimer{Timeout: 90 * time.Second}},
		},
		{
			name:        "scan accepted",
			state:       StateAwaitingScan,
			ev:          Event{Type: EventAuthenticated},
			wantState:   StateInitializing,
			wantEffects: []Effect{ClearQR{}, MarkInitializing{}},
		},
		{
			name:        "loading progress",
			state:       StateInitializing,
			ev:          Event{Type: EventLoading, Percent: 42},
			wantState:   StateInitializing,
			wantEffects: []Effect{ClearQR{}, MarkInitializing{}},
		},
		{
			name:         "ready clears the attempt budget",
			state:        StateInitializing,
			attempts:     3,
			ev:           Event{Type: EventReady},
			wantState:    StateReady,
			wantAttempts: 0,
			wantEffects:  []Effect{CancelTimers{}, ClearQR{}, MarkReady{}, ResetAttempts{}},
		},
		{
			name:         "state change CONNECTED acts as ready",
			state:        StateInitializing,
			attempts:     2,
			ev:           Event{Type: EventStateChange, State: "CONNECTED"},
			wantState:    StateReady,
			wantAttempts: 0,
			wantEffects:  []Effect{CancelTimers{}, ClearQR{}, MarkReady{}, ResetAttempts{}},
		},
		{
			name:      "unknown state change is ignored",
			state:     StateReady,
			ev:        Event{Type: EventStateChange, State: "TIMEOUT"},
			wantState: StateReady,
		},
		{
			name:        "auth failure is terminal",
			state:       StateAwaitingScan,
			ev:          Event{Type: EventAuthFailure, Reason: "bad credentials"},
			wantState:   StateTerminated,
			wantEffects: []Effect{CancelTimers{}, ClearQR{}, Terminate{Reason: "authentication failed"}},
		},
		{
			name:         "disconnect schedules the first reconnect",
			state:        StateReady,
			ev:           Event{Type: EventDisconnected, Reason: "navigation"},
			wantState:    StateReconnecting,
			wantAttempts: 1,
			wantEffects: []Effect{
				CancelTimers{}, ClearQR{}, MarkInitializing{},
				ScheduleReconnect{Attempt: 1, Delay: 3 * time.Second},
			},
		},
		{
			name:         "reconnect delay scales with attempt",
			state:        StateReconnecting,
			attempts:     3,
			ev:           Event{Type: EventDisconnected},
			wantState:    StateReconnecting,
			wantAttempts: 4,
			wantEffects: []Effect{
				CancelTimers{}, ClearQR{}, MarkInitializing{},
				ScheduleReconnect{Attempt: 4, Delay: 12 * time.Second},
			},
		},
		{
			name:         "budget exhaustion terminates",
			state:        StateReconnecting,
			attempts:     5,
			ev:           Event{Type: EventDisconnected},
			wantState:    StateTerminated,
			wantAttempts: 5,
			wantEffects:  []Effect{CancelTimers{}, ClearQR{}, Terminate{Reason: "reconnect attempts exhausted"}},
		},
		{
			name:         "scan timeout follows the reconnect policy",
			state:        StateAwaitingScan,
			ev:           Event{Type: EventScanTimeout},
			wantState:    StateReconnecting,
			wantAttempts: 1,
			wantEffects: []Effect{
				CancelTimers{}, ClearQR{}, MarkInitializing{},
				ScheduleReconnect{Attempt: 1, Delay: 3 * time.Second},
			},
		},
		{
			name:      "stale init timeout after ready is ignored",
			state:     StateReady,
			ev:        Event{Type: EventInitTimeout},
			wantState: StateReady,
		},
		{
			name:      "terminated is absorbing",
			state:     StateTerminated,
			ev:        Event{Type: EventReady},
			wantState: StateTerminated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotState, gotAttempts, gotEffects := m.Step(tt.state, tt.attempts, tt.ev)
			assert.Equal(t, tt.wantState, gotState)
			assert.Equal(t, tt.wantAttempts, gotAttempts)
			if diff := cmp.Diff(tt.wantEffects, gotEffects); diff != "" {
				t.Errorf("effects mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMachineFullLifecycle(t *testing.T) {
	m := NewMachine(testSettings())

	state, attempts := StateInitializing, 0
	step := func(ev Event) {
		state, attempts, _ = m.Step(state, attempts, ev)
	}

	step(Event{Type: EventQR, QR: "ref"})
	assert.Equal(t, StateAwaitingScan, state)

	step(Event{Type: EventAuthenticated})
	step(Event{Type: EventLoading, Percent: 80})
	assert.Equal(t, StateInitializing, state)

	step(Event{Type: EventReady})
	assert.Equal(t, StateReady, state)

	step(Event{Type: EventDisconnected})
	assert.Equal(t, StateReconnecting, state)
	assert.Equal(t, 1, attempts)

	// Recovery resets the budget.
	step(Event{Type: EventReady})
	assert.Equal(t, StateReady, state)
	assert.Equal(t, 0, attempts)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "awaiting_scan", StateAwaitingScan.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "terminated", StateTerminated.String())
}
