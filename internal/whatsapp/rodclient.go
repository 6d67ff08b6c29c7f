package whatsapp

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"wabridge/internal/logging"
)

const (
	webClientURL = "https://web.whatsapp.com"

	// DOM anchors for the logged-in web client. The screen probe below
	// carries its own selectors: the pairing code lives in the QR
	// element's data-ref attribute and the chat-list pane only exists
	// once the account is linked and synced.
	selectorCompose = "div[contenteditable='true'][data-tab]"
	selectorAttach  = "span[data-icon='plus'], span[data-icon='attach-menu-plus']"
	selectorSendBtn = "span[data-icon='send']"

	pollInterval = 2 * time.Second

	// consecutive unreadable polls tolerated after ready before the
	// connection is declared lost
	maxProbeFailures = 3
)

// probeJS classifies the current screen of the web client in one
// round-trip: "qr:<ref>", "loading:<percent>", "ready" or "unknown".
const probeJS = `() => {
	const qr = document.querySelector("div[data-ref]");
	if (qr) return "qr:" + qr.getAttribute("data-ref");
	if (document.querySelector("#pane-side")) return "ready";
	const progress = document.querySelector("progress");
	if (progress) return "loading:" + (progress.getAttribute("value") || "0");
	return "unknown";
}`

// rodClient drives one web.whatsapp.com tab in a dedicated Chrome
// profile. It translates DOM observations into lifecycle events and
// fans them out to subscribers.
type rodClient struct {
	sessionID string
	opts      ClientOptions
	log       *logging.Logger

	launch  *launcher.Launcher
	browser *rod.Browser

	mu      sync.Mutex
	page    *rod.Page
	polling bool
	subs    map[int]chan Event
	nextSub int
	closed  bool

	pollStop chan struct{}
	pollDone chan struct{}
}

var _ Client = (*rodClient)(nil)

// NewRodClient launches a Chrome instance bound to the session's
// profile directory and connects to it. The page is not navigated
// until Initialize.
func NewRodClient(sessionID string, opts ClientOptions) (Client, error) {
	if err := createDirIfNotExists(opts.BrowserDataDir); err != nil {
		return nil, err
	}

	launch := launcher.New().
		Headless(opts.Headless).
		UserDataDir(opts.BrowserDataDir).
		Set(flags.NoSandbox).
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-accelerated-2d-canvas").
		Set("disable-gpu").
		Set("window-size", "1280,720").
		Set("disable-notifications").
		Set("disable-extensions").
		Set("disable-software-rasterizer")
	if opts.ChromePath != "" {
		launch = launch.Bin(opts.ChromePath)
	}

	controlURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome for %s: %w", sessionID, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		launch.Kill()
		return nil, fmt.Errorf("connect to chrome for %s: %w", sessionID, err)
	}

	return &rodClient{
		sessionID: sessionID,
		opts:      opts,
		log:       logging.Get(logging.CategoryBrowser),
		launch:    launch,
		browser:   browser,
		subs:      make(map[int]chan Event),
		pollStop:  make(chan struct{}),
		pollDone:  make(chan struct{}),
	}, nil
}

// Initialize opens the web client and starts the DOM poll loop that
// produces lifecycle events. Callers observe progress through
// Subscribe; Initialize itself returns as soon as navigation settles.
func (c *rodClient) Initialize(ctx context.Context) error {
	page, err := c.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("open page for %s: %w", c.sessionID, err)
	}

	c.log.Info("session %s: navigating to web client", c.sessionID)
	if err := page.Context(ctx).Timeout(c.opts.LaunchTimeout).Navigate(webClientURL); err != nil {
		_ = page.Close()
		return fmt.Errorf("navigate for %s: %w", c.sessionID, err)
	}

	// The page is published only once the poll loop is committed to
	// running; Destroy keys its pollDone wait off the polling flag, so a
	// failed Initialize must never leave it set.
	c.mu.Lock()
	c.page = page
	c.polling = true
	c.mu.Unlock()
	go c.pollLoop()
	return nil
}

// currentPage returns the navigated page, or nil before a successful
// Initialize.
func (c *rodClient) currentPage() *rod.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// pollLoop probes the page on a fixed cadence and emits the event for
// every observed screen transition.
func (c *rodClient) pollLoop() {
	defer close(c.pollDone)

	var (
		lastQR   string
		ready    bool
		failures int
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pollStop:
			return
		case <-ticker.C:
		}

		status, err := c.probe()
		if err != nil {
			failures++
			if failures >= maxProbeFailures {
				c.log.Error("session %s: page unreachable: %v", c.sessionID, err)
				c.emit(Event{Type: EventDisconnected, Reason: "page unreachable"})
				return
			}
			continue
		}
		failures = 0

		switch {
		case strings.HasPrefix(status, "qr:"):
			ref := strings.TrimPrefix(status, "qr:")
			if ready {
				// QR after ready means the phone unlinked this device.
				c.emit(Event{Type: EventDisconnected, Reason: "logged out"})
				return
			}
			if ref != lastQR && ref != "" {
				lastQR = ref
				c.emit(Event{Type: EventQR, QR: ref})
			}
		case strings.HasPrefix(status, "loading:"):
			if lastQR != "" {
				// Leaving the QR screen means the scan was accepted.
				lastQR = ""
				c.emit(Event{Type: EventAuthenticated})
			}
			pct, _ := strconv.Atoi(strings.TrimPrefix(status, "loading:"))
			c.emit(Event{Type: EventLoading, Percent: pct, Message: "syncing"})
		case status == "ready":
			if lastQR != "" {
				lastQR = ""
				c.emit(Event{Type: EventAuthenticated})
			}
			if !ready {
				ready = true
				c.emit(Event{Type: EventReady})
			}
		default:
			if ready {
				failures++
				if failures >= maxProbeFailures {
					c.emit(Event{Type: EventStateChange, State: "DISCONNECTED"})
					return
				}
			}
		}
	}
}

func (c *rodClient) probe() (string, error) {
	page := c.currentPage()
	if page == nil {
		return "", fmt.Errorf("session %s: no page", c.sessionID)
	}
	res, err := page.Timeout(pollInterval).Eval(probeJS)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// State reports the connection state in the web client's vocabulary.
func (c *rodClient) State(ctx context.Context) (string, error) {
	page := c.currentPage()
	if page == nil {
		return "", fmt.Errorf("session %s: not initialized", c.sessionID)
	}
	res, err := page.Context(ctx).Eval(probeJS)
	if err != nil {
		return "", err
	}
	switch status := res.Value.Str(); {
	case status == "ready":
		return "CONNECTED", nil
	case strings.HasPrefix(status, "qr:"):
		return "UNPAIRED", nil
	case strings.HasPrefix(status, "loading:"):
		return "OPENING", nil
	default:
		return "UNKNOWN", nil
	}
}

// SendText delivers a message by routing the tab to the recipient's
// chat and committing the prefilled draft.
func (c *rodClient) SendText(ctx context.Context, chatID, message string) error {
	if err := c.openChat(ctx, chatID, message); err != nil {
		return err
	}
	page := c.currentPage().Context(ctx)
	if err := page.Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("commit message to %s: %w", chatID, err)
	}
	return nil
}

// SendDocument attaches a file to the recipient's chat via the hidden
// file input and sends it with the caption.
func (c *rodClient) SendDocument(ctx context.Context, chatID, filename, mimeType string, data []byte, caption string) error {
	if err := c.openChat(ctx, chatID, caption); err != nil {
		return err
	}

	// The file input only accepts paths, so the payload is staged in a
	// throwaway directory carrying the intended filename.
	dir, err := os.MkdirTemp("", "wabridge-attach-")
	if err != nil {
		return fmt.Errorf("stage attachment: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("stage attachment: %w", err)
	}

	page := c.currentPage().Context(ctx)
	attach, err := page.Element(selectorAttach)
	if err != nil {
		return fmt.Errorf("attach control for %s: %w", chatID, err)
	}
	if err := attach.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("open attach menu for %s: %w", chatID, err)
	}

	fileInput, err := page.Element("input[type='file']")
	if err != nil {
		return fmt.Errorf("file input for %s: %w", chatID, err)
	}
	c.log.Info("session %s: attaching %s (%s, %d bytes)", c.sessionID, filename, mimeType, len(data))
	if err := fileInput.SetFiles([]string{path}); err != nil {
		return fmt.Errorf("attach %s: %w", filename, err)
	}

	send, err := page.Element(selectorSendBtn)
	if err != nil {
		return fmt.Errorf("send control for %s: %w", chatID, err)
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("send %s to %s: %w", filename, chatID, err)
	}
	return nil
}

// openChat routes the logged-in tab to the recipient's conversation
// with the given draft text and waits for the compose box.
func (c *rodClient) openChat(ctx context.Context, chatID, draft string) error {
	current := c.currentPage()
	if current == nil {
		return fmt.Errorf("session %s: not initialized", c.sessionID)
	}
	phone := strings.TrimSuffix(chatID, "@c.us")
	target := fmt.Sprintf("%s/send?phone=%s&text=%s", webClientURL, phone, url.QueryEscape(draft))

	page := current.Context(ctx)
	if err := page.Navigate(target); err != nil {
		return fmt.Errorf("open chat %s: %w", chatID, err)
	}
	if _, err := page.Element(selectorCompose); err != nil {
		return fmt.Errorf("compose box for %s: %w", chatID, err)
	}
	return nil
}

// Subscribe registers an event consumer. Events are dropped rather
// than block when a consumer stops draining its channel.
func (c *rodClient) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 16)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.subs[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *rodClient) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Destroy stops the poll loop, closes every subscription and tears the
// browser down. Safe to call more than once.
func (c *rodClient) Destroy() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	polling := c.polling
	c.mu.Unlock()

	close(c.pollStop)
	if polling {
		<-c.pollDone
	}

	c.mu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()

	var err error
	if c.browser != nil {
		err = c.browser.Close()
	}
	if c.launch != nil {
		// Kills the Chrome process; the profile directory stays so the
		// session can be restored.
		c.launch.Kill()
	}
	c.log.Info("session %s: browser destroyed", c.sessionID)
	return err
}
