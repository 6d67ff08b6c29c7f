package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"wabridge/internal/logging"
)

// newBareRodClient builds a rodClient in the state NewRodClient leaves
// it: launched but never navigated. No browser process is involved.
func newBareRodClient() *rodClient {
	return &rodClient{
		sessionID: "user_test",
		log:       logging.Get(logging.CategoryBrowser),
		subs:      make(map[int]chan Event),
		pollStop:  make(chan struct{}),
		pollDone:  make(chan struct{}),
	}
}

func TestRodClientDestroyBeforeInitialize(t *testing.T) {
	defer goleak.VerifyNone(t)

	// A failed navigation leaves the client with no poll loop. Destroy
	// runs under the manager's per-session lock, so it must return
	// instead of waiting for a loop that never started.
	c := newBareRodClient()

	done := make(chan error, 1)
	go func() { done <- c.Destroy() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy blocked without a poll loop running")
	}

	require.NoError(t, c.Destroy())
}

func TestRodClientDestroyStopsPollLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := newBareRodClient()
	c.polling = true
	go c.pollLoop()

	events, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.Destroy())

	// The loop is stopped and existing subscriptions are closed.
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription left open after Destroy")
	}

	// Late subscribers get an already-closed channel.
	late, lateCancel := c.Subscribe()
	defer lateCancel()
	_, open := <-late
	assert.False(t, open)
}
