// Package settings persists the manager's JSON settings document.
//
// The document is read and written whole: load everything, change one key,
// write everything back. Keys this package does not know about are kept
// verbatim. Writers are serialized through an advisory lock file next to the
// document, so a CLI invocation and the daemon do not interleave writes.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
)

// Well-known document keys.
const (
	KeyServerPath      = "rtm_server_path"
	KeyRestartSchedule = "restart_schedule"
	KeyNotifyCrash     = "notify_crash_detect"
	KeyNotifyStart     = "notify_server_start"
	KeyNotifyStop      = "notify_server_stop"
)

// DefaultLockTimeout bounds how long Load/Update wait for the lock file.
const DefaultLockTimeout = 5 * time.Second

var ErrLocked = errors.New("settings: lock not acquired")

// Document is the raw settings document keyed by top-level name.
type Document map[string]json.RawMessage

// Get decodes key into v. found is false when the key is absent.
func (d Document) Get(key string, v any) (found bool, err error) {
	raw, ok := d[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("settings: decode %s: %w", key, err)
	}
	return true, nil
}

// Set encodes v under key.
func (d Document) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", key, err)
	}
	d[key] = b
	return nil
}

// Store is a file-backed settings document.
type Store struct {
	path        string
	lock        *flock.Flock
	mu          sync.Mutex // serializes in-process access; the flock covers other processes
	LockTimeout time.Duration
}

// New returns a store for the document at path. The file need not exist.
func New(path string) *Store {
	return &Store{
		path:        path,
		lock:        flock.New(path + ".lock"),
		LockTimeout: DefaultLockTimeout,
	}
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Load returns the whole document. A missing file yields an empty document.
func (s *Store) Load() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquire(true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.read()
}

// Update loads the document, applies fn and writes the result back while
// holding the lock. Nothing is written when fn returns an error.
func (s *Store) Update(fn func(Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquire(false)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.write(doc)
}

// ServerPath returns the configured server install directory ("" if unset).
func (s *Store) ServerPath() (string, error) {
	doc, err := s.Load()
	if err != nil {
		return "", err
	}
	var p string
	if _, err := doc.Get(KeyServerPath, &p); err != nil {
		return "", err
	}
	return p, nil
}

// SetServerPath persists the server install directory.
func (s *Store) SetServerPath(dir string) error {
	return s.Update(func(d Document) error { return d.Set(KeyServerPath, dir) })
}

// RestartSchedule returns the persisted schedule. An absent entry yields a
// disabled zero schedule.
func (s *Store) RestartSchedule() (RestartSchedule, error) {
	doc, err := s.Load()
	if err != nil {
		return RestartSchedule{}, err
	}
	var rs RestartSchedule
	if _, err := doc.Get(KeyRestartSchedule, &rs); err != nil {
		return RestartSchedule{}, err
	}
	return rs, nil
}

// SaveRestartSchedule validates and persists rs, replacing the whole entry.
func (s *Store) SaveRestartSchedule(rs RestartSchedule) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	return s.Update(func(d Document) error { return d.Set(KeyRestartSchedule, rs) })
}

// Flag reads a boolean key, returning def when absent or unreadable.
func (s *Store) Flag(key string, def bool) bool {
	doc, err := s.Load()
	if err != nil {
		return def
	}
	v := def
	if found, err := doc.Get(key, &v); err != nil || !found {
		return def
	}
	return v
}

// NotifyCrash reports whether unexpected exits should be announced.
func (s *Store) NotifyCrash() bool { return s.Flag(KeyNotifyCrash, true) }

// EnsureDefaults seeds the default document when the file does not exist.
func (s *Store) EnsureDefaults() (created bool, err error) {
	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	err = s.Update(func(d Document) error {
		if len(d) > 0 {
			return nil
		}
		defaults := map[string]any{
			KeyServerPath:      "",
			KeyNotifyStart:     true,
			KeyNotifyStop:      true,
			KeyNotifyCrash:     true,
			KeyRestartSchedule: DefaultRestartSchedule(),
		}
		for k, v := range defaults {
			if err := d.Set(k, v); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	return created, err
}

func (s *Store) acquire(shared bool) (func(), error) {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	timeout := s.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var locked bool
	var err error
	if shared {
		locked, err = s.lock.TryRLockContext(ctx, 25*time.Millisecond)
	} else {
		locked, err = s.lock.TryLockContext(ctx, 25*time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	if !locked {
		return nil, ErrLocked
	}
	return func() { _ = s.lock.Unlock() }, nil
}

func (s *Store) read() (Document, error) {
	b, err := os.ReadFile(filepath.Clean(s.path))
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", s.path, err)
	}
	doc := Document{}
	if len(b) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) write(doc Document) error {
	b, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("settings: encode document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("settings: replace %s: %w", s.path, err)
	}
	return nil
}
