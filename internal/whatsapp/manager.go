package whatsapp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wabridge/internal/logging"
)

// SessionManager owns the registry of active sessions keyed by user,
// serializes concurrent create/cleanup requests per session, and
// coordinates the client initializer and per-session event handlers.
// It is the only component that persists session-state transitions.
type SessionManager struct {
	cfg   Settings
	store *StateStore
	init  *ClientInitializer
	reg   *Registry
	locks *keyedLocks
	log   *logging.Logger

	// flight deduplicates concurrent creates for the same session id so
	// rapid duplicate connect requests never launch two browsers.
	flight singleflight.Group

	hmu      sync.Mutex
	handlers map[string]*EventHandler

	sweepStop chan struct{}
	sweepDone chan struct{}

	shutdownMu sync.Mutex
	shutdown   bool
}

// Option customizes a SessionManager.
type Option func(*SessionManager)

// WithClientFactory substitutes the client construction, used by tests
// to avoid launching browsers.
func WithClientFactory(f ClientFactory) Option {
	return func(m *SessionManager) {
		m.init = NewClientInitializer(m.cfg, m.store, f)
	}
}

// NewSessionManager creates a manager and starts its idle sweep.
func NewSessionManager(cfg Settings, opts ...Option) *SessionManager {
	m := &SessionManager{
		cfg:       cfg,
		store:     NewStateStore(cfg.AuthDir),
		reg:       NewRegistry(),
		locks:     newKeyedLocks(),
		log:       logging.Get(logging.CategorySession),
		handlers:  make(map[string]*EventHandler),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	m.init = NewClientInitializer(cfg, m.store, nil)
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// CreateSession connects a user. With force=false an existing ready
// session is returned unchanged; otherwise any prior session is cleaned
// up and a fresh client is launched. The call returns once the session
// is ready or a pairing payload is available; the initializer's
// timeouts bound the wait.
func (m *SessionManager) CreateSession(ctx context.Context, userID string, force bool) (Snapshot, error) {
	return m.createSession(ctx, userID, force, 0)
}

func (m *SessionManager) createSession(ctx context.Context, userID string, force bool, seedAttempts int) (Snapshot, error) {
	sessionID := DeriveSessionID(userID)
	m.reg.MapUser(userID, sessionID)
	m.log.Info("create session %s (force=%v, attempts=%d)", sessionID, force, seedAttempts)

	// Concurrent creates for the same id share one attempt.
	v, err, _ := m.flight.Do(sessionID, func() (interface{}, error) {
		return m.createLocked(ctx, userID, sessionID, force, seedAttempts)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (m *SessionManager) createLocked(ctx context.Context, userID, sessionID string, force bool, seedAttempts int) (Snapshot, error) {
	release, err := m.locks.Acquire(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()

	// Idempotent reuse: a valid, ready, non-initializing session is
	// returned as-is.
	if !force {
		if snap, ok := m.reg.Snapshot(sessionID); ok && snap.IsReady && !snap.IsInitializing && m.store.Valid(sessionID) {
			m.reg.Update(sessionID, func(s *Session) { s.LastUsed = time.Now() })
			m.log.Info("reusing ready session %s", sessionID)
			snap.LastUsed = time.Now()
			return snap, nil
		}
		// Restorability is judged against the pre-existing marker, before
		// the teardown below rewrites it. A terminated session must never
		// come back through this path.
		if !m.init.HasExistingSession(sessionID) {
			return Snapshot{}, ErrRestoreUnavailable
		}
	}

	// Tear down whatever was there. A forced create also wipes on-disk
	// artifacts; a restore keeps them.
	m.cleanupSessionLocked(userID, sessionID, force)
	if err := sleepCtx(ctx, m.cfg.PostCleanupSettle); err != nil {
		return Snapshot{}, err
	}

	now := time.Now()
	if err := m.store.Write(sessionID, SessionState{IsTerminated: false, LastModified: now.UnixMilli()}); err != nil {
		return Snapshot{}, err
	}

	client, err := m.init.InitializeClient(ctx, sessionID, !force)
	if err != nil {
		m.cleanupSessionLocked(userID, sessionID, true)
		return Snapshot{}, err
	}

	session := &Session{
		SessionID:         sessionID,
		Client:            client,
		IsInitializing:    true,
		HasSession:        true,
		ReconnectAttempts: seedAttempts,
		LastActivity:      now,
		LastUsed:          now,
	}
	m.reg.Put(userID, session)

	handler := NewEventHandler(sessionID, m.cfg, m, seedAttempts)
	m.hmu.Lock()
	m.handlers[sessionID] = handler
	m.hmu.Unlock()
	handler.Attach(client)

	ready, qr, err := m.init.WaitForQROrInit(ctx, client, sessionID)
	if err != nil {
		m.log.Error("session %s creation failed: %v", sessionID, err)
		m.cleanupSessionLocked(userID, sessionID, true)
		return Snapshot{}, err
	}

	if ready {
		m.reg.Update(sessionID, func(s *Session) {
			s.IsReady = true
			s.IsInitializing = false
			s.QR = ""
		})
	} else if qr != "" {
		m.reg.Update(sessionID, func(s *Session) {
			// The event pump may have promoted the session to ready in
			// the window since the wait returned; a stale pairing payload
			// must not land on a ready session.
			if s.IsReady {
				return
			}
			s.QR = qr
			s.IsInitializing = true
		})
	}

	snap, _ := m.reg.Snapshot(sessionID)
	return snap, nil
}

// GetSession returns a snapshot of the user's session, validating the
// persisted state first. An invalid (terminated or missing) persisted
// state force-cleans the stale in-memory entry and reports no session.
func (m *SessionManager) GetSession(ctx context.Context, userID string) (Snapshot, bool) {
	sessionID, ok := m.reg.SessionIDFor(userID)
	if !ok {
		return Snapshot{}, false
	}
	if _, ok := m.reg.Snapshot(sessionID); !ok {
		return Snapshot{}, false
	}
	if !m.store.Valid(sessionID) {
		m.log.Info("session %s invalid on disk, cleaning stale entry", sessionID)
		_ = m.CleanupSession(ctx, userID, true)
		return Snapshot{}, false
	}
	m.reg.Update(sessionID, func(s *Session) {}) // touch LastActivity
	snap, ok := m.reg.Snapshot(sessionID)
	return snap, ok
}

// CleanupSession tears a user's session down. Idempotent. force
// additionally wipes the session's on-disk artifacts.
func (m *SessionManager) CleanupSession(ctx context.Context, userID string, force bool) error {
	sessionID, ok := m.reg.SessionIDFor(userID)
	if !ok {
		sessionID = DeriveSessionID(userID)
		// Nothing in memory and nothing on disk: a disconnect from a
		// user that never connected must not mint a terminated marker.
		if state, err := m.store.Read(sessionID); err == nil && state == nil {
			return nil
		}
	}
	release, err := m.locks.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	m.cleanupSessionLocked(userID, sessionID, force)
	return nil
}

// cleanupSessionLocked performs the teardown. Caller holds the
// per-session lock. The persisted marker is rewritten as terminated —
// never silently reusable — and stays on disk so a later status check
// can still distinguish "terminated" from "never existed"; the idle
// sweeper deletes markers for good.
func (m *SessionManager) cleanupSessionLocked(userID, sessionID string, force bool) {
	m.log.Info("cleanup %s (force=%v)", sessionID, force)

	if err := m.store.Write(sessionID, SessionState{IsTerminated: true, LastModified: time.Now().UnixMilli()}); err != nil {
		m.log.Error("mark terminated %s: %v", sessionID, err)
	}

	m.hmu.Lock()
	handler := m.handlers[sessionID]
	delete(m.handlers, sessionID)
	m.hmu.Unlock()
	if handler != nil {
		handler.Detach()
	}

	if client := m.reg.TakeClient(sessionID); client != nil {
		// A wedged browser must not block cleanup; fall through to
		// clearing in-memory state regardless.
		if err := client.Destroy(); err != nil {
			m.log.Warn("graceful destroy failed for %s: %v", sessionID, err)
		}
	}

	m.reg.Update(sessionID, func(s *Session) {
		s.IsReady = false
		s.IsInitializing = false
		s.QR = ""
		s.IsTerminated = true
	})
	m.reg.Remove(userID, sessionID)

	if force {
		if err := m.init.Cleanup(sessionID, true); err != nil {
			m.log.Error("storage cleanup for %s: %v", sessionID, err)
		}
	}
}

// SendMessage delivers a text (optionally with a PDF attachment) to a
// recipient through the user's session. Success means the message was
// handed to the client, not that it reached the recipient's device.
func (m *SessionManager) SendMessage(ctx context.Context, userID, to, message string, pdfData []byte) error {
	sessionID, ok := m.reg.SessionIDFor(userID)
	if !ok {
		return ErrInvalidSession
	}
	client := m.reg.Client(sessionID)
	if client == nil {
		return ErrInvalidSession
	}

	chatID, err := FormatPhone(to)
	if err != nil {
		return err
	}

	if len(pdfData) > 0 {
		err = client.SendDocument(ctx, chatID, "bill.pdf", "application/pdf", pdfData, message)
	} else {
		err = client.SendText(ctx, chatID, message)
	}
	if err != nil {
		return WrapError(CodeSendFailed, err, "send message via %s", sessionID)
	}

	m.reg.Update(sessionID, func(s *Session) { s.LastUsed = time.Now() })
	return nil
}

// HasExistingSession reports whether the user has restorable on-disk
// session artifacts.
func (m *SessionManager) HasExistingSession(userID string) bool {
	return m.init.HasExistingSession(DeriveSessionID(userID))
}

// PersistedState exposes the durable marker for status reporting. nil
// means no session ever existed.
func (m *SessionManager) PersistedState(userID string) (*SessionState, error) {
	return m.store.Read(DeriveSessionID(userID))
}

// Shutdown stops the idle sweep and forcibly cleans every tracked
// session, pausing briefly between each so the automation layer is not
// overwhelmed. Used on process termination signals.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.shutdownMu.Lock()
	if m.shutdown {
		m.shutdownMu.Unlock()
		return
	}
	m.shutdown = true
	m.shutdownMu.Unlock()

	m.log.Info("session manager shutting down")
	close(m.sweepStop)
	<-m.sweepDone

	for _, userID := range m.reg.Users() {
		if err := m.CleanupSession(ctx, userID, true); err != nil {
			m.log.Error("shutdown cleanup for %s: %v", userID, err)
		}
		if err := sleepCtx(ctx, m.cfg.ShutdownPause); err != nil {
			return
		}
	}
	m.log.Info("session manager shutdown complete")
}

// sweepLoop force-cleans sessions idle past the inactivity threshold
// and deletes their persisted markers for good.
func (m *SessionManager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case now := <-ticker.C:
			for _, userID := range m.reg.IdleSessions(m.cfg.InactiveTimeout, now) {
				sessionID := DeriveSessionID(userID)
				m.log.Info("evicting idle session %s", sessionID)
				if err := m.CleanupSession(context.Background(), userID, true); err != nil {
					m.log.Error("idle cleanup for %s: %v", sessionID, err)
					continue
				}
				if err := m.store.Delete(sessionID); err != nil {
					m.log.Error("delete marker for %s: %v", sessionID, err)
				}
			}
		}
	}
}

// supervisor implementation: the narrow surface handlers see.

var _ supervisor = (*SessionManager)(nil)

// UpdateSession applies fn to the session by id under the registry
// lock.
func (m *SessionManager) UpdateSession(sessionID string, fn func(*Session)) bool {
	return m.reg.Update(sessionID, fn)
}

// ForceCleanup tears a session down with its on-disk state. Invoked by
// event handlers on terminal transitions.
func (m *SessionManager) ForceCleanup(sessionID, reason string) {
	userID, ok := m.reg.UserOf(sessionID)
	if !ok {
		return
	}
	m.log.Info("forced cleanup of %s: %s", sessionID, reason)
	if err := m.CleanupSession(context.Background(), userID, true); err != nil {
		m.log.Error("forced cleanup of %s: %v", sessionID, err)
	}
}

// RequestReconnect performs full re-initializations under the shared
// attempt budget. Failures here are never surfaced to an HTTP caller;
// they only affect persisted and in-memory state.
func (m *SessionManager) RequestReconnect(sessionID string, attempt int) {
	userID, ok := m.reg.UserOf(sessionID)
	if !ok {
		m.log.Warn("reconnect for unknown session %s", sessionID)
		return
	}

	ctx := context.Background()
	for a := attempt; ; {
		m.log.Info("reconnecting %s (attempt %d/%d)", sessionID, a, m.cfg.MaxReconnectAttempts)
		// Keep the pairing when its artifacts survived; only a wiped or
		// terminated session starts over from a fresh QR.
		force := !m.init.HasExistingSession(sessionID)
		_, err := m.createSession(ctx, userID, force, a)
		if err == nil {
			return
		}
		m.log.Error("reconnect %s attempt %d: %v", sessionID, a, err)
		if !ShouldReconnect(a, m.cfg.MaxReconnectAttempts) {
			m.log.Info("reconnect budget exhausted for %s", sessionID)
			return
		}
		a++
		if err := sleepCtx(ctx, ReconnectDelay(a, m.cfg.RetryDelay, m.cfg.ReconnectDelayCap)); err != nil {
			return
		}
	}
}
