package whatsapp

import (
	"context"
	"sync"
)

// fakeClient is an in-memory Client for tests: events are injected by
// hand or scripted to fire when Initialize is called.
type fakeClient struct {
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSub   int
	destroyed bool

	initErr error
	onInit  []Event // emitted asynchronously once Initialize runs

	sendErr error
	sent    []fakeMessage
}

type fakeMessage struct {
	chatID   string
	message  string
	filename string
	data     []byte
}

func newFakeClient(onInit ...Event) *fakeClient {
	return &fakeClient{
		subs:   make(map[int]chan Event),
		onInit: onInit,
	}
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	if c.initErr != nil {
		return c.initErr
	}
	go func() {
		for _, ev := range c.onInit {
			c.emit(ev)
		}
	}()
	return nil
}

func (c *fakeClient) State(ctx context.Context) (string, error) {
	return "CONNECTED", nil
}

func (c *fakeClient) SendText(ctx context.Context, chatID, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, fakeMessage{chatID: chatID, message: message})
	return nil
}

func (c *fakeClient) SendDocument(ctx context.Context, chatID, filename, mimeType string, data []byte, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, fakeMessage{chatID: chatID, message: caption, filename: filename, data: data})
	return nil
}

func (c *fakeClient) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 16)
	if c.destroyed {
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

func (c *fakeClient) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil
	}
	c.destroyed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	return nil
}

func (c *fakeClient) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *fakeClient) messages() []fakeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeClient) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// fakeFactory builds fakeClients and records every construction
// attempt, including the ones its build hook fails.
type fakeFactory struct {
	mu       sync.Mutex
	attempts int
	clients  []*fakeClient
	// build customizes the client for the nth attempt (1-based);
	// returning an error fails that construction.
	build func(call int, c *fakeClient) error
}

func (f *fakeFactory) factory(sessionID string, opts ClientOptions) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	c := newFakeClient()
	if f.build != nil {
		if err := f.build(f.attempts, c); err != nil {
			return nil, err
		}
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeFactory) client(n int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 || n > len(f.clients) {
		return nil
	}
	return f.clients[n-1]
}
