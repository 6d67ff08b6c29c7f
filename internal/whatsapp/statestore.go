package whatsapp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"wabridge/internal/logging"
)

// SessionState is the durable per-session marker. It is the source of
// truth for "can this session be restored" across process restarts; the
// in-memory Session is only a cache validated against it.
type SessionState struct {
	IsTerminated bool  `json:"isTerminated"`
	LastModified int64 `json:"lastModified"` // epoch ms
}

// StateStore reads and writes session-state markers, one JSON file per
// session id under the auth directory. Writes for the same id are
// serialized by the session manager's per-session lock, not here;
// distinct ids map to distinct files and may be written concurrently.
type StateStore struct {
	authDir string
	log     *logging.Logger
}

// NewStateStore creates a store rooted at authDir.
func NewStateStore(authDir string) *StateStore {
	return &StateStore{
		authDir: authDir,
		log:     logging.Get(logging.CategoryStore),
	}
}

func (s *StateStore) path(sessionID string) string {
	return filepath.Join(s.authDir, sessionID+".session-state")
}

// Read returns the persisted state for sessionID, or nil when no marker
// exists. A missing file means "no session ever existed" and is distinct
// from a terminated one.
func (s *StateStore) Read(sessionID string) (*SessionState, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, WrapError(CodeFileSystem, err, "read session state %s", sessionID)
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, WrapError(CodeFileSystem, err, "parse session state %s", sessionID)
	}
	return &state, nil
}

// Write persists the state marker for sessionID, creating the auth
// directory if needed.
func (s *StateStore) Write(sessionID string, state SessionState) error {
	if err := os.MkdirAll(s.authDir, 0o755); err != nil {
		return WrapError(CodeFileSystem, err, "create auth dir")
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state %s: %w", sessionID, err)
	}
	if err := os.WriteFile(s.path(sessionID), data, 0o644); err != nil {
		return WrapError(CodeFileSystem, err, "write session state %s", sessionID)
	}
	s.log.Debug("wrote state for %s (terminated=%v)", sessionID, state.IsTerminated)
	return nil
}

// Delete removes the state marker. Missing files are not an error.
func (s *StateStore) Delete(sessionID string) error {
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return WrapError(CodeFileSystem, err, "delete session state %s", sessionID)
	}
	return nil
}

// Valid reports whether a restorable (present and not terminated)
// marker exists for sessionID.
func (s *StateStore) Valid(sessionID string) bool {
	state, err := s.Read(sessionID)
	if err != nil {
		s.log.Error("state check for %s: %v", sessionID, err)
		return false
	}
	return state != nil && !state.IsTerminated
}
