// Package whatsapp implements the WhatsApp session lifecycle manager:
// a browser-automation-backed chat client driven through
// connect/authenticate/ready/disconnect transitions, multiplexed across
// concurrent users, with session state persisted to disk so sessions
// survive process restarts.
package whatsapp

import (
	"context"
	"strings"
	"time"

	"wabridge/internal/config"
)

// Settings holds the resolved runtime configuration for the session
// subsystem. All durations are concrete; yaml parsing happens in the
// config package.
type Settings struct {
	// On-disk layout
	AuthDir  string
	CacheDir string

	// Browser launch
	ChromePath string
	Headless   bool

	// Handshake supervision
	QRTimeout            time.Duration // QR issued but not yet scanned
	InitTimeout          time.Duration // overall connect window
	BrowserLaunchTimeout time.Duration
	ClientInitDelay      time.Duration // settle between cleanup and relaunch

	// Registry housekeeping
	CleanupInterval time.Duration // idle-sweep tick
	InactiveTimeout time.Duration // idle-session eviction threshold

	// Reconnect policy
	MaxReconnectAttempts int
	RetryDelay           time.Duration // scaled by attempt number
	ReconnectDelayCap    time.Duration

	// Pauses that keep the automation layer from being overwhelmed
	PostCleanupSettle time.Duration
	ShutdownPause     time.Duration
}

// DefaultSettings mirrors the production defaults.
func DefaultSettings() Settings {
	return Settings{
		AuthDir:              ".wabridge/auth",
		CacheDir:             ".wabridge/cache",
		Headless:             true,
		QRTimeout:            90 * time.Second,
		InitTimeout:          180 * time.Second,
		BrowserLaunchTimeout: 30 * time.Second,
		ClientInitDelay:      2 * time.Second,
		CleanupInterval:      time.Hour,
		InactiveTimeout:      2 * time.Hour,
		MaxReconnectAttempts: 5,
		RetryDelay:           3 * time.Second,
		ReconnectDelayCap:    15 * time.Second,
		PostCleanupSettle:    time.Second,
		ShutdownPause:        time.Second,
	}
}

// SettingsFromConfig resolves the yaml config into Settings.
func SettingsFromConfig(c config.WhatsAppConfig) Settings {
	s := DefaultSettings()
	if c.AuthDir != "" {
		s.AuthDir = c.AuthDir
	}
	if c.CacheDir != "" {
		s.CacheDir = c.CacheDir
	}
	s.ChromePath = c.ChromePath
	s.Headless = c.Headless
	s.QRTimeout = config.Duration(c.QRTimeout, s.QRTimeout)
	s.InitTimeout = config.Duration(c.InitTimeout, s.InitTimeout)
	s.BrowserLaunchTimeout = config.Duration(c.BrowserLaunchTimeout, s.BrowserLaunchTimeout)
	s.ClientInitDelay = config.Duration(c.ClientInitDelay, s.ClientInitDelay)
	s.CleanupInterval = config.Duration(c.CleanupInterval, s.CleanupInterval)
	s.InactiveTimeout = config.Duration(c.InactiveTimeout, s.InactiveTimeout)
	if c.MaxReconnectAttempts > 0 {
		s.MaxReconnectAttempts = c.MaxReconnectAttempts
	}
	s.RetryDelay = config.Duration(c.RetryDelay, s.RetryDelay)
	s.ReconnectDelayCap = config.Duration(c.ReconnectDelayCap, s.ReconnectDelayCap)
	return s
}

// Session is one user's end-to-end connection lifecycle to the chat
// automation backend. Fields are mutated only through the registry so
// every writer goes through one mutex and no handler can hold a stale
// pointer.
type Session struct {
	SessionID         string
	Client            Client // nil before init / after cleanup
	QR                string // present only while awaiting a scan
	IsReady           bool
	IsInitializing    bool
	IsTerminated      bool
	HasSession        bool
	ReconnectAttempts int
	LastActivity      time.Time
	LastUsed          time.Time
}

// Snapshot is a read-only copy of a Session handed to callers outside
// the registry lock.
type Snapshot struct {
	SessionID         string
	QR                string
	IsReady           bool
	IsInitializing    bool
	IsTerminated      bool
	HasSession        bool
	ReconnectAttempts int
	LastActivity      time.Time
	LastUsed          time.Time
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		SessionID:         s.SessionID,
		QR:                s.QR,
		IsReady:           s.IsReady,
		IsInitializing:    s.IsInitializing,
		IsTerminated:      s.IsTerminated,
		HasSession:        s.HasSession,
		ReconnectAttempts: s.ReconnectAttempts,
		LastActivity:      s.LastActivity,
		LastUsed:          s.LastUsed,
	}
}

// EventType identifies a client lifecycle signal.
type EventType int

const (
	EventQR EventType = iota
	EventAuthenticated
	EventLoading
	EventReady
	EventAuthFailure
	EventDisconnected
	EventStateChange
	// Synthetic events injected by the handler's timers.
	EventInitTimeout
	EventScanTimeout
)

func (t EventType) String() string {
	switch t {
	case EventQR:
		return "qr"
	case EventAuthenticated:
		return "authenticated"
	case EventLoading:
		return "loading_screen"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	case EventStateChange:
		return "change_state"
	case EventInitTimeout:
		return "init_timeout"
	case EventScanTimeout:
		return "scan_timeout"
	}
	return "unknown"
}

// Event is a lifecycle signal emitted by a Client.
type Event struct {
	Type    EventType
	QR      string // pairing payload, EventQR only
	Reason  string // EventDisconnected
	State   string // EventStateChange ("CONNECTED", "DISCONNECTED", ...)
	Percent int    // EventLoading
	Message string // EventLoading
}

// Client is the opaque chat-automation capability: initialize, query
// state, send messages, emit lifecycle events. The production
// implementation drives a Chrome instance; tests substitute fakes.
type Client interface {
	// Initialize begins the connection handshake. Lifecycle progress is
	// reported through subscribed event channels, not the return value.
	Initialize(ctx context.Context) error

	// State returns the client's connection state ("CONNECTED" when the
	// session can send messages).
	State(ctx context.Context) (string, error)

	// SendText delivers a text message to a chat id.
	SendText(ctx context.Context, chatID, message string) error

	// SendDocument delivers a document with an optional caption.
	SendDocument(ctx context.Context, chatID, filename, mimeType string, data []byte, caption string) error

	// Subscribe registers a lifecycle event listener. cancel detaches it
	// and closes the channel.
	Subscribe() (events <-chan Event, cancel func())

	// Destroy tears down the client and its browser process. Idempotent.
	Destroy() error
}

// ClientOptions carries the per-session isolation parameters a client
// factory needs. Two sessions must never share these directories.
type ClientOptions struct {
	AuthDir        string // per-session credential storage
	CacheDir       string // per-session web cache
	BrowserDataDir string // per-session browser profile
	ChromePath     string
	Headless       bool
	LaunchTimeout  time.Duration
}

// ClientFactory builds a freshly constructed, not-yet-connected client
// scoped to one session's isolated storage.
type ClientFactory func(sessionID string, opts ClientOptions) (Client, error)

// DeriveSessionID maps an external user identifier to a stable,
// filesystem-safe session id. Pure: the same userID always yields the
// same id.
func DeriveSessionID(userID string) string {
	var b strings.Builder
	b.WriteString("user_")
	for _, r := range strings.ToLower(userID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FormatPhone strips everything but digits from a phone number and
// returns the chat id the client expects. Returns an error when no
// digits remain.
func FormatPhone(to string) (string, error) {
	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return "", NewError(CodeInvalidPhone, "phone number %q has no digits", to)
	}
	return digits.String() + "@c.us", nil
}
