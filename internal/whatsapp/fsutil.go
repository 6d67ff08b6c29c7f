package whatsapp

import (
	"os"
	"path/filepath"
)

// Per-session on-disk layout. Each session owns three directories that
// must never be shared with another session.

func sessionAuthPath(authDir, sessionID string) string {
	return filepath.Join(authDir, sessionID)
}

func sessionCachePath(cacheDir, sessionID string) string {
	return filepath.Join(cacheDir, sessionID)
}

func browserDataPath(authDir, sessionID string) string {
	return filepath.Join(authDir, sessionID+"_browser_data")
}

func createDirIfNotExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return WrapError(CodeFileSystem, err, "create dir %s", path)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// clearDirectory removes a directory tree. Missing paths are fine; a
// browser process still holding files is not fatal to the caller, so
// the error is returned for logging rather than aborting cleanup.
func clearDirectory(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return WrapError(CodeFileSystem, err, "clear dir %s", path)
	}
	return nil
}
