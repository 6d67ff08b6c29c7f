package whatsapp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStore(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "auth"))

	t.Run("read missing returns nil without error", func(t *testing.T) {
		state, err := store.Read("user_nobody")
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	t.Run("write then read round-trips", func(t *testing.T) {
		want := SessionState{IsTerminated: false, LastModified: time.Now().UnixMilli()}
		require.NoError(t, store.Write("user_alice", want))

		got, err := store.Read("user_alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, *got)
	})

	t.Run("valid tracks the terminated flag", func(t *testing.T) {
		require.NoError(t, store.Write("user_bob", SessionState{IsTerminated: false, LastModified: 1}))
		assert.True(t, store.Valid("user_bob"))

		require.NoError(t, store.Write("user_bob", SessionState{IsTerminated: true, LastModified: 2}))
		assert.False(t, store.Valid("user_bob"))
	})

	t.Run("missing marker is not valid", func(t *testing.T) {
		assert.False(t, store.Valid("user_ghost"))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.Write("user_carol", SessionState{LastModified: 3}))
		require.NoError(t, store.Delete("user_carol"))
		require.NoError(t, store.Delete("user_carol"))

		state, err := store.Read("user_carol")
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	t.Run("corrupt marker surfaces an error", func(t *testing.T) {
		authDir := filepath.Join(dir, "auth")
		require.NoError(t, os.WriteFile(filepath.Join(authDir, "user_dave.session-state"), []byte("{not json"), 0o644))

		_, err := store.Read("user_dave")
		require.Error(t, err)
		assert.Equal(t, CodeFileSystem, CodeOf(err))
		assert.False(t, store.Valid("user_dave"))
	})
}
