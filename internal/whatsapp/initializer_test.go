package whatsapp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initializerFixture(t *testing.T) (Settings, *StateStore, *fakeFactory, *ClientInitializer) {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultSettings()
	cfg.AuthDir = filepath.Join(dir, "auth")
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.ClientInitDelay = 0
	cfg.QRTimeout = 200 * time.Millisecond
	cfg.InitTimeout = 500 * time.Millisecond

	store := NewStateStore(cfg.AuthDir)
	factory := &fakeFactory{}
	return cfg, store, factory, NewClientInitializer(cfg, store, factory.factory)
}

func TestHasExistingSession(t *testing.T) {
	cfg, store, _, init := initializerFixture(t)
	const sessionID = "user_alice"

	t.Run("nothing on disk", func(t *testing.T) {
		assert.False(t, init.HasExistingSession(sessionID))
	})

	t.Run("directories without a valid marker", func(t *testing.T) {
		require.NoError(t, init.setupDirectories(sessionID))
		assert.False(t, init.HasExistingSession(sessionID))
	})

	t.Run("directories plus a live marker", func(t *testing.T) {
		require.NoError(t, store.Write(sessionID, SessionState{LastModified: time.Now().UnixMilli()}))
		assert.True(t, init.HasExistingSession(sessionID))
	})

	t.Run("terminated marker is sterile", func(t *testing.T) {
		require.NoError(t, store.Write(sessionID, SessionState{IsTerminated: true}))
		assert.False(t, init.HasExistingSession(sessionID))
	})

	t.Run("wiped artifacts", func(t *testing.T) {
		require.NoError(t, store.Write(sessionID, SessionState{}))
		require.NoError(t, clearDirectory(browserDataPath(cfg.AuthDir, sessionID)))
		assert.False(t, init.HasExistingSession(sessionID))
	})
}

func TestInitializeClient(t *testing.T) {
	ctx := context.Background()

	t.Run("restore without prior state fails", func(t *testing.T) {
		_, _, factory, init := initializerFixture(t)

		_, err := init.InitializeClient(ctx, "user_alice", true)
		require.ErrorIs(t, err, ErrRestoreUnavailable)
		assert.Equal(t, 0, factory.calls())
	})

	t.Run("fresh start creates isolated directories", func(t *testing.T) {
		cfg, _, factory, init := initializerFixture(t)

		client, err := init.InitializeClient(ctx, "user_alice", false)
		require.NoError(t, err)
		require.NotNil(t, client)
		assert.Equal(t, 1, factory.calls())

		assert.True(t, dirExists(sessionAuthPath(cfg.AuthDir, "user_alice")))
		assert.True(t, dirExists(sessionCachePath(cfg.CacheDir, "user_alice")))
		assert.True(t, dirExists(browserDataPath(cfg.AuthDir, "user_alice")))
	})

	t.Run("restore succeeds with prior artifacts", func(t *testing.T) {
		_, store, factory, init := initializerFixture(t)

		require.NoError(t, init.setupDirectories("user_alice"))
		require.NoError(t, store.Write("user_alice", SessionState{LastModified: 1}))

		_, err := init.InitializeClient(ctx, "user_alice", true)
		require.NoError(t, err)
		assert.Equal(t, 1, factory.calls())
	})

	t.Run("factory failure wipes and classifies", func(t *testing.T) {
		cfg, _, factory, init := initializerFixture(t)
		boom := errors.New("chrome not found")
		factory.build = func(call int, c *fakeClient) error { return boom }

		_, err := init.InitializeClient(ctx, "user_alice", false)
		require.Error(t, err)
		assert.Equal(t, CodeInitializationFailed, CodeOf(err))
		assert.ErrorIs(t, err, boom)
		assert.False(t, dirExists(sessionAuthPath(cfg.AuthDir, "user_alice")))
	})
}

func TestWaitForQROrInit(t *testing.T) {
	ctx := context.Background()

	t.Run("ready without a scan", func(t *testing.T) {
		_, _, _, init := initializerFixture(t)
		client := newFakeClient(Event{Type: EventReady})

		ready, qr, err := init.WaitForQROrInit(ctx, client, "user_alice")
		require.NoError(t, err)
		assert.True(t, ready)
		assert.Empty(t, qr)
	})

	t.Run("returns the pairing payload", func(t *testing.T) {
		_, _, _, init := initializerFixture(t)
		client := newFakeClient(Event{Type: EventQR, QR: "ref-123"})

		ready, qr, err := init.WaitForQROrInit(ctx, client, "user_alice")
		require.NoError(t, err)
		assert.False(t, ready)
		assert.Equal(t, "ref-123", qr)
	})

	t.Run("CONNECTED state change counts as ready", func(t *testing.T) {
		_, _, _, init := initializerFixture(t)
		client := newFakeClient(Event{Type: EventStateChange, State: "CONNECTED"})

		ready, _, err := init.WaitForQROrInit(ctx, client, "user_alice")
		require.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("auth failure", func(t *testing.T) {
		_, _, _, init := initializerFixture(t)
		client := newFakeClient(Event{Type: EventAuthFailure, Reason: "unpaired"})

		_, _, err := init.WaitForQROrInit(ctx, client, "user_alice")
		require.Error(t, err)
		assert.Equal(t, CodeAuthFailed, CodeOf(err))
	})

	t.Run("times out when no QR ever appears", func(t *testing.T) {
		_, _, _, init := initializerFixture(t)
		client := newFakeClient() // emits nothing

		_, _, err := init.WaitForQROrInit(ctx, client, "user_alice")
		require.Error(t, err)
		assert.Equal(t, CodeTimeout, CodeOf(err))
	})

	t.Run("initialize failure is classified", func(t *testing.T) {
		_, _, _, init := initializerFixture(t)
		client := newFakeClient()
		client.initErr = errors.New("tab crashed")

		_, _, err := init.WaitForQROrInit(ctx, client, "user_alice")
		require.Error(t, err)
		assert.Equal(t, CodeInitializationFailed, CodeOf(err))
	})
}
