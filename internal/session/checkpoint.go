package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ErrCheckpointNotFound is returned when restoring a checkpoint that does
// not exist.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint snapshots the session's state.json and all conversation logs
// under checkpoints/{name}/. An existing checkpoint with the same name is
// replaced. Files are copied byte for byte so Restore reproduces the
// session exactly.
func (s *Store) Checkpoint(sessionID, name string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if !s.Exists(sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := validateCheckpointName(name); err != nil {
		return err
	}

	sessionDir := s.Dir(sessionID)
	dst := filepath.Join(sessionDir, "checkpoints", name)
	staging := dst + ".tmp"
	os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create checkpoint staging: %w", err)
	}

	if err := copyFile(filepath.Join(sessionDir, "state.json"), filepath.Join(staging, "state.json")); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := copyTree(filepath.Join(sessionDir, "conversations"), filepath.Join(staging, "conversations")); err != nil {
		os.RemoveAll(staging)
		return err
	}

	os.RemoveAll(dst)
	if err := os.Rename(staging, dst); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Restore replaces the session's state.json and conversation logs with
// the checkpoint's copies.
func (s *Store) Restore(sessionID, name string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if !s.Exists(sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := validateCheckpointName(name); err != nil {
		return err
	}

	sessionDir := s.Dir(sessionID)
	src := filepath.Join(sessionDir, "checkpoints", name)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}

	if err := copyFile(filepath.Join(src, "state.json"), filepath.Join(sessionDir, "state.json")); err != nil {
		return err
	}
	convDir := filepath.Join(sessionDir, "conversations")
	if err := os.RemoveAll(convDir); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	return copyTree(filepath.Join(src, "conversations"), convDir)
}

// ListCheckpoints returns the checkpoint names of a session, sorted.
func (s *Store) ListCheckpoints(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Dir(sessionID), "checkpoints"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteCheckpoint removes a named checkpoint.
func (s *Store) DeleteCheckpoint(sessionID, name string) error {
	if err := validateCheckpointName(name); err != nil {
		return err
	}
	dir := filepath.Join(s.Dir(sessionID), "checkpoints", name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}
	return os.RemoveAll(dir)
}

func validateCheckpointName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	return writeFileAtomic(dst, data)
}

// copyTree copies a directory recursively. A missing source is not an
// error; sessions with no conversations yet checkpoint cleanly.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dst, 0o755)
		}
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
