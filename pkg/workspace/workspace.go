// Package workspace implements the on-disk workspace layout and the state
// store: a single JSON document persisted atomically, with a process-wide
// serialization point for every mutation (§4.2).
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/marcohefti/surfwright/pkg/contract"
	"github.com/marcohefti/surfwright/pkg/session"
)

const (
	dirName    = ".surfwright"
	stateFile  = "state.json"
	stateMode  = 0o600
	lockWaitMs = 2000
)

// Layout resolves the on-disk paths under a workspace root (§6).
type Layout struct {
	Root string
}

func (l Layout) ProfilesDir() string         { return filepath.Join(l.Root, "profiles") }
func (l Layout) ProfileDir(name string) string {
	return filepath.Join(l.ProfilesDir(), name)
}
func (l Layout) ProfileSessionsDir() string { return filepath.Join(l.Root, "profile-sessions") }
func (l Layout) ProfileMetaPath(name string) string {
	return filepath.Join(l.ProfileSessionsDir(), name+".json")
}
func (l Layout) ProfileLockPath(name string) string {
	return filepath.Join(l.ProfileSessionsDir(), name+".lock")
}
func (l Layout) StatePath() string  { return filepath.Join(l.Root, stateFile) }
func (l Layout) UpdatesDir() string { return filepath.Join(l.Root, "updates") }
func (l Layout) UpdateHistoryPath() string {
	return filepath.Join(l.UpdatesDir(), "history.json")
}
func (l Layout) DaemonSocketPath() string { return filepath.Join(l.Root, "daemon.sock") }
func (l Layout) DaemonTokenPath() string  { return filepath.Join(l.Root, "daemon.token") }
func (l Layout) DiagnosticsPath() string  { return filepath.Join(l.Root, "diagnostics.jsonl") }

// Discover walks up from dir looking for a ./.surfwright/ marker. It
// returns ("", false) if none is found up to the filesystem root.
func Discover(dir string) (string, bool) {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(cur, dirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", false
		}
		cur = parent
	}
}

// Init creates a fresh workspace rooted at dir/.surfwright, idempotently
// (invariant 8: invoking init twice leaves the workspace unchanged).
func Init(dir string) (Layout, error) {
	l := Layout{Root: filepath.Join(dir, dirName)}
	for _, d := range []string{l.Root, l.ProfilesDir(), l.ProfileSessionsDir(), l.UpdatesDir()} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return Layout{}, contract.Wrap(contract.EInternal, err)
		}
	}
	if _, err := os.Stat(l.StatePath()); os.IsNotExist(err) {
		store := New(l)
		if _, err := store.Read(context.Background()); err != nil {
			return Layout{}, err
		}
	}
	return l, nil
}

// Document is the single JSON document persisted under state.json.
type Document struct {
	Sessions        map[string]*session.Session `json:"sessions"`
	ActiveSessionID string                      `json:"activeSessionId,omitempty"`
	TargetSnapshots map[string]*TargetSnapshot  `json:"targetSnapshots,omitempty"`
}

// TargetSnapshot is a handle to a specific page/tab within a session (§3).
type TargetSnapshot struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	ActionKind string    `json:"actionKind"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func newDocument() *Document {
	return &Document{Sessions: map[string]*session.Session{}, TargetSnapshots: map[string]*TargetSnapshot{}}
}

// Store is the state store: read(), mutate(fn), saveTargetSnapshot(target).
// All writes are serialized through a single process-wide mutex and
// committed via temp-file + rename at 0o600 (§4.2).
type Store struct {
	layout Layout
	mu     sync.Mutex
}

// New creates a state store rooted at the given workspace layout.
func New(layout Layout) *Store {
	return &Store{layout: layout}
}

// Read returns a snapshot of the current document. If state.json does not
// exist yet, it writes an empty document first; an existing file is left
// unchanged.
func (s *Store) Read(ctx context.Context) (*Document, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (*Document, error) {
	data, err := os.ReadFile(s.layout.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			doc := newDocument()
			if werr := s.writeLocked(doc); werr != nil {
				return nil, werr
			}
			return doc, nil
		}
		return nil, contract.Wrap(contract.EInternal, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, contract.Wrap(contract.EInternal, err)
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]*session.Session{}
	}
	if doc.TargetSnapshots == nil {
		doc.TargetSnapshots = map[string]*TargetSnapshot{}
	}
	return &doc, nil
}

// Mutate performs a serialized read-modify-write: fn receives the current
// document and mutates it in place; the result is committed atomically.
func (s *Store) Mutate(ctx context.Context, fn func(*Document) error) (*Document, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := s.writeLocked(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SaveTargetSnapshot upserts a target's last-observed state (§3 "Target").
func (s *Store) SaveTargetSnapshot(ctx context.Context, snap *TargetSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.UpdatedAt = time.Now()
	_, err := s.Mutate(ctx, func(doc *Document) error {
		doc.TargetSnapshots[snap.ID] = snap
		return nil
	})
	return err
}

// lock acquires the process-wide mutex, surfacing E_STATE_LOCK_TIMEOUT if
// ctx is exceeded first (§4.2).
func (s *Store) lock(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above still acquires the mutex eventually and
		// must release it; spawn a releaser so the mutex is never
		// leaked held-forever by an abandoned waiter.
		go func() { <-done; s.mu.Unlock() }()
		return contract.New(contract.EStateLockTimeout, "timed out waiting for state store lock")
	}
}

// writeLocked performs the atomic temp-file + rename write. Caller must
// hold s.mu.
func (s *Store) writeLocked(doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(s.layout.StatePath()), 0o700); err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.layout.StatePath()), ".state-*.tmp")
	if err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return contract.Wrap(contract.EInternal, err)
	}
	if err := tmp.Close(); err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	if err := os.Chmod(tmpPath, stateMode); err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	if err := os.Rename(tmpPath, s.layout.StatePath()); err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	return nil
}

// HeartbeatPatch incrementally patches one session's heartbeat fields
// directly into the on-disk JSON bytes with sjson, instead of unmarshaling
// the whole document into Go structs, patching, and remarshaling — the
// hot path hit on every successful command against an existing session.
// It still goes through the same lock + atomic-rename write as Mutate.
func (s *Store) HeartbeatPatch(ctx context.Context, sessionID string, lastSeenAt time.Time, leaseExpiresAt time.Time) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.layout.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing to patch yet; fall back to a full read (which
			// creates the document) so callers never see a missing-file
			// error on first heartbeat.
			if _, rerr := s.readLocked(); rerr != nil {
				return rerr
			}
			data, err = os.ReadFile(s.layout.StatePath())
			if err != nil {
				return contract.Wrap(contract.EInternal, err)
			}
		} else {
			return contract.Wrap(contract.EInternal, err)
		}
	}

	base := fmt.Sprintf("sessions.%s", sjsonEscape(sessionID))
	patched, err := sjson.SetBytes(data, base+".lastSeenAt", lastSeenAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("patch lastSeenAt: %w", err)
	}
	patched, err = sjson.SetBytes(patched, base+".leaseExpiresAt", leaseExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("patch leaseExpiresAt: %w", err)
	}
	patched, err = sjson.SetBytes(patched, base+".unreachableCount", 0)
	if err != nil {
		return fmt.Errorf("patch unreachableCount: %w", err)
	}

	return s.writeRawLocked(patched)
}

// sjsonEscape escapes path-reserved characters (".") in a map key used as
// an sjson path segment. Session ids are already constrained to
// [A-Za-z0-9._-] (§3), so "." is the only character sjson's path syntax
// would otherwise misinterpret as a nesting separator.
func sjsonEscape(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

func (s *Store) writeRawLocked(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.layout.StatePath()), 0o700); err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.layout.StatePath()), ".state-*.tmp")
	if err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return contract.Wrap(contract.EInternal, err)
	}
	if err := tmp.Close(); err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	if err := os.Chmod(tmpPath, stateMode); err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	if err := os.Rename(tmpPath, s.layout.StatePath()); err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	return nil
}
