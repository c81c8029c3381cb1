// Package configstore persists the small, fixed set of fields this system
// remembers between invocations: the Cloudflare API token, the caller's
// preferred zone, and the timestamp of the last successful login.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileVersion = "1.0"

// State is the persisted document.
type State struct {
	Version       string    `json:"version"`
	APIToken      string    `json:"apiToken,omitempty"`
	PreferredZone string    `json:"preferredZone,omitempty"`
	LastLoginAt   time.Time `json:"lastLoginAt,omitempty"`
}

// Store is a JSON-file-backed ConfigStore. Writes are serialized with an
// in-process mutex; concurrent external writers are not supported, matching
// the single-session assumption the rest of this system makes.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a Store backed by path. The file is not created until the
// first Write call.
func New(path string) *Store {
	return &Store{path: path}
}

// Read returns the persisted state, or zero-value defaults if the file is
// absent. A present-but-corrupt file is reported as CONFIG_FILE_INVALID.
func (s *Store) Read() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{Version: fileVersion}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("CONFIG_FILE_INVALID: reading state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("CONFIG_FILE_INVALID: parsing state file: %w", err)
	}
	return st, nil
}

// Write persists a single recognized key. Unrecognized keys are a
// programmer error, not a runtime one, and panic rather than silently no-op.
func (s *Store) Write(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.readLocked()
	if err != nil {
		return err
	}

	switch key {
	case "apiToken":
		st.APIToken = value
	case "preferredZone":
		st.PreferredZone = value
	case "lastLoginAt":
		t, parseErr := time.Parse(time.RFC3339, value)
		if parseErr != nil {
			return fmt.Errorf("CONFIG_FILE_INVALID: lastLoginAt must be RFC3339: %w", parseErr)
		}
		st.LastLoginAt = t
	default:
		panic("configstore: unrecognized key " + key)
	}

	return s.writeLocked(st)
}

// Clear removes the persisted file entirely.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CredentialFilePath returns the well-known path of the external binary's
// credential file. This component reports the path but never writes it;
// only cloudflared itself writes to it (after `tunnel login`).
func CredentialFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cloudflared", "cert.pem")
}

func (s *Store) readLocked() (State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{Version: fileVersion}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("CONFIG_FILE_INVALID: reading state file: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("CONFIG_FILE_INVALID: parsing state file: %w", err)
	}
	return st, nil
}

func (s *Store) writeLocked(st State) error {
	st.Version = fileVersion
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	return os.WriteFile(s.path, data, 0o600)
}
