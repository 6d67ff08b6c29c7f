package whatsapp

import (
	"context"
	"time"

	"wabridge/internal/logging"
)

// ClientInitializer builds per-session chat clients bound to isolated
// on-disk storage and supervises their first handshake.
type ClientInitializer struct {
	cfg       Settings
	store     *StateStore
	newClient ClientFactory
	log       *logging.Logger
}

// NewClientInitializer wires an initializer over the given client
// factory. The production factory launches Chrome via rod; tests pass
// fakes.
func NewClientInitializer(cfg Settings, store *StateStore, factory ClientFactory) *ClientInitializer {
	if factory == nil {
		factory = NewRodClient
	}
	return &ClientInitializer{
		cfg:       cfg,
		store:     store,
		newClient: factory,
		log:       logging.Get(logging.CategoryBrowser),
	}
}

// HasExistingSession reports whether a restorable prior session exists:
// the credential and browser-profile artifacts are on disk AND the
// persisted state marker is present and not terminated.
func (ci *ClientInitializer) HasExistingSession(sessionID string) bool {
	authExists := dirExists(sessionAuthPath(ci.cfg.AuthDir, sessionID))
	browserExists := dirExists(browserDataPath(ci.cfg.AuthDir, sessionID))
	return authExists && browserExists && ci.store.Valid(sessionID)
}

func (ci *ClientInitializer) setupDirectories(sessionID string) error {
	for _, dir := range []string{
		ci.cfg.AuthDir,
		ci.cfg.CacheDir,
		sessionAuthPath(ci.cfg.AuthDir, sessionID),
		sessionCachePath(ci.cfg.CacheDir, sessionID),
		browserDataPath(ci.cfg.AuthDir, sessionID),
	} {
		if err := createDirIfNotExists(dir); err != nil {
			return err
		}
	}
	return nil
}

// wipeSessionData removes every on-disk artifact of the session so a
// fresh initialization cannot pick up stale credentials.
func (ci *ClientInitializer) wipeSessionData(sessionID string) {
	for _, dir := range []string{
		sessionAuthPath(ci.cfg.AuthDir, sessionID),
		sessionCachePath(ci.cfg.CacheDir, sessionID),
		browserDataPath(ci.cfg.AuthDir, sessionID),
	} {
		if err := clearDirectory(dir); err != nil {
			ci.log.Error("wipe %s: %v", dir, err)
		}
	}
}

// InitializeClient produces a freshly constructed, not-yet-connected
// client for sessionID. With restore=true a valid prior session must
// exist, otherwise ErrRestoreUnavailable; with restore=false any prior
// on-disk state is wiped first so no stale credentials leak in.
func (ci *ClientInitializer) InitializeClient(ctx context.Context, sessionID string, restore bool) (Client, error) {
	if restore && !ci.HasExistingSession(sessionID) {
		ci.log.Info("session %s has no restorable state", sessionID)
		return nil, ErrRestoreUnavailable
	}

	ci.log.Info("initializing client for %s (restore=%v)", sessionID, restore)

	if !restore {
		ci.wipeSessionData(sessionID)
	}
	if err := ci.setupDirectories(sessionID); err != nil {
		return nil, err
	}

	// Give the previous browser process time to let go of the profile.
	if err := sleepCtx(ctx, ci.cfg.ClientInitDelay); err != nil {
		return nil, err
	}

	client, err := ci.newClient(sessionID, ClientOptions{
		AuthDir:        sessionAuthPath(ci.cfg.AuthDir, sessionID),
		CacheDir:       sessionCachePath(ci.cfg.CacheDir, sessionID),
		BrowserDataDir: browserDataPath(ci.cfg.AuthDir, sessionID),
		ChromePath:     ci.cfg.ChromePath,
		Headless:       ci.cfg.Headless,
		LaunchTimeout:  ci.cfg.BrowserLaunchTimeout,
	})
	if err != nil {
		ci.log.Error("client construction for %s failed: %v", sessionID, err)
		// A retry must start from a clean slate.
		ci.wipeSessionData(sessionID)
		return nil, WrapError(CodeInitializationFailed, err, "initialize client for %s", sessionID)
	}
	return client, nil
}

// WaitForQROrInit starts the client's connection handshake and blocks
// until the session is either ready or has a pairing payload for the
// caller to surface. ready=true means the handshake completed without a
// scan. Fails on auth failure, on the init window elapsing, or when no
// QR appears within the scan window.
func (ci *ClientInitializer) WaitForQROrInit(ctx context.Context, client Client, sessionID string) (ready bool, qr string, err error) {
	events, cancel := client.Subscribe()
	defer cancel()

	if err := client.Initialize(ctx); err != nil {
		return false, "", WrapError(CodeInitializationFailed, err, "start handshake for %s", sessionID)
	}

	qrTimer := time.NewTimer(ci.cfg.QRTimeout)
	defer qrTimer.Stop()
	initTimer := time.NewTimer(ci.cfg.InitTimeout)
	defer initTimer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false, "", NewError(CodeInitializationFailed, "client for %s closed during handshake", sessionID)
			}
			switch ev.Type {
			case EventQR:
				ci.log.Info("QR issued for %s", sessionID)
				// Scan supervision moves to the event handler; return so
				// the caller can surface the payload.
				return false, ev.QR, nil
			case EventAuthenticated, EventLoading:
				// Restoring sessions go straight to loading; no QR is
				// coming, only the overall window applies.
				qrTimer.Stop()
			case EventReady:
				ci.log.Info("client ready for %s", sessionID)
				return true, "", nil
			case EventStateChange:
				if ev.State == "CONNECTED" {
					return true, "", nil
				}
			case EventAuthFailure:
				return false, "", NewError(CodeAuthFailed, "authentication failed for %s", sessionID)
			}
		case <-qrTimer.C:
			return false, "", NewError(CodeTimeout, "no QR code received for %s; ensure Chrome is installed and accessible", sessionID)
		case <-initTimer.C:
			return false, "", NewError(CodeTimeout, "initialization timeout for %s", sessionID)
		case <-ctx.Done():
			return false, "", ctx.Err()
		}
	}
}

// Cleanup deletes the session's isolated storage. force=false is a
// no-op, reserved for graceful-only cleanup.
func (ci *ClientInitializer) Cleanup(sessionID string, force bool) error {
	ci.log.Info("cleaning storage for %s (force=%v)", sessionID, force)
	if !force {
		return nil
	}
	ci.wipeSessionData(sessionID)
	return nil
}

// sleepCtx sleeps for d unless ctx expires first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
