// Package session implements the session record, its normalization rules,
// and the registry's heartbeat/reconcile hygiene (§3, §4.4).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/marcohefti/surfwright/pkg/contract"
)

// Kind distinguishes a browser we launched from one we only attached to.
type Kind string

const (
	KindManaged  Kind = "managed"
	KindAttached Kind = "attached"
)

// Policy controls whether a session survives past its owning process.
type Policy string

const (
	PolicyEphemeral  Policy = "ephemeral"
	PolicyPersistent Policy = "persistent"
)

const (
	minTTL         = 30 * time.Second
	maxTTL         = 24 * time.Hour
	defaultTTL     = 10 * time.Minute
	maxOwnerIDLen  = 64
	unreachableCap = 20 // bounds the counter; not a behavior threshold
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Session is a stable-id binding to a browser instance, either one we
// launched (managed) or one we only know a debug endpoint for (attached).
type Session struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`

	// Managed-only fields; zero/empty for attached sessions.
	PID           int    `json:"pid,omitempty"`
	UserDataDir   string `json:"userDataDir,omitempty"`
	BrowserMode   string `json:"browserMode,omitempty"` // "headless" | "headed"

	DebugEndpoint string `json:"debugEndpoint"`
	DebugPort     int    `json:"debugPort"`

	Policy  Policy `json:"policy"`
	OwnerID string `json:"ownerId,omitempty"`

	LeaseExpiresAt time.Time     `json:"leaseExpiresAt"`
	LeaseTTL       time.Duration `json:"leaseTtlMs"`

	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`

	FirstUnreachableAt  *time.Time `json:"firstUnreachableAt,omitempty"`
	UnreachableCount    int        `json:"unreachableCount"`
}

// ProfileSessionID returns the session id a profile-bound session must use
// (§3: "session id follows p.<profile>").
func ProfileSessionID(profile string) string { return fmt.Sprintf("p.%s", profile) }

// ProfileFromSessionID extracts the profile name from a profile-bound
// session id, if it is one.
func ProfileFromSessionID(id string) (string, bool) {
	const prefix = "p."
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return "", false
	}
	return id[len(prefix):], true
}

// Normalize applies the defaulting/clamping rules of §4.4: policy defaults
// by kind, TTL clamped to [min,max], owner id sanitized and length-capped.
func Normalize(s *Session, minTTLOverride, maxTTLOverride time.Duration) *contract.Error {
	if s.ID == "" || !validSessionIDShape(s.ID) {
		return contract.New(contract.ESessionIDInvalid, fmt.Sprintf("invalid session id %q", s.ID))
	}
	if s.Kind != KindManaged && s.Kind != KindAttached {
		return contract.New(contract.ESessionIDInvalid, "session kind must be managed or attached")
	}
	if s.Kind == KindManaged && s.UserDataDir == "" {
		return contract.New(contract.ESessionIDInvalid, "managed session requires a non-empty user data dir")
	}

	if s.Policy == "" {
		if s.Kind == KindManaged {
			s.Policy = PolicyPersistent
		} else {
			s.Policy = PolicyEphemeral
		}
	}

	lo, hi := minTTL, maxTTL
	if minTTLOverride > 0 {
		lo = minTTLOverride
	}
	if maxTTLOverride > 0 {
		hi = maxTTLOverride
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = defaultTTL
	}
	if s.LeaseTTL < lo {
		s.LeaseTTL = lo
	}
	if s.LeaseTTL > hi {
		s.LeaseTTL = hi
	}

	if s.OwnerID != "" {
		s.OwnerID = sanitizeOwnerID(s.OwnerID)
	}

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	return nil
}

func validSessionIDShape(id string) bool {
	return idPattern.MatchString(id)
}

func sanitizeOwnerID(owner string) string {
	cleaned := make([]byte, 0, len(owner))
	for i := 0; i < len(owner) && len(cleaned) < maxOwnerIDLen; i++ {
		c := owner[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			cleaned = append(cleaned, c)
		}
	}
	return string(cleaned)
}

// Heartbeat updates lastSeenAt, bumps the lease, and clears unreachability
// counters, preserving every other field (§4.4, invariant 6).
func Heartbeat(s *Session, now time.Time) {
	s.LastSeenAt = now
	s.LeaseExpiresAt = now.Add(s.LeaseTTL)
	s.FirstUnreachableAt = nil
	s.UnreachableCount = 0
}

// IsExpired reports whether the session's lease has elapsed.
func IsExpired(s *Session, now time.Time) bool {
	return !s.LeaseExpiresAt.After(now) && !s.LeaseExpiresAt.IsZero()
}

// MarkUnreachable records an unreachable probe observation, starting the
// unreachability clock on first occurrence.
func MarkUnreachable(s *Session, now time.Time) {
	if s.FirstUnreachableAt == nil {
		t := now
		s.FirstUnreachableAt = &t
	}
	if s.UnreachableCount < unreachableCap {
		s.UnreachableCount++
	}
}

// UnreachableFor reports how long a session has been continuously
// unreachable, or zero if it is currently reachable.
func UnreachableFor(s *Session, now time.Time) time.Duration {
	if s.FirstUnreachableAt == nil {
		return 0
	}
	return now.Sub(*s.FirstUnreachableAt)
}

// Prober checks liveness of a session's debug endpoint. Implemented by
// pkg/browser; declared here so the registry depends only on the
// interface (§9: decouple via injected contracts).
type Prober interface {
	Probe(ctx context.Context, endpoint string, timeout time.Duration) error
	Terminate(ctx context.Context, pid int) error
}

// Watcher receives session lifecycle notifications, mirroring the
// teacher's NodeWatcher shape (pkg/fleet/node_manager.go).
type Watcher interface {
	OnRegistered(s *Session)
	OnRemoved(id string)
}

// Registry holds the in-memory view of sessions backed by the workspace
// state store, plus reconciliation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	active   string

	prober   Prober
	logger   *slog.Logger
	watchers []Watcher

	reconcileGrace time.Duration
}

// NewRegistry creates a session registry. prober may be nil; Reconcile then
// treats every session as reachable.
func NewRegistry(prober Prober, logger *slog.Logger, reconcileGrace time.Duration) *Registry {
	return &Registry{
		sessions:       map[string]*Session{},
		prober:         prober,
		logger:         logger,
		reconcileGrace: reconcileGrace,
	}
}

// Load replaces the registry's in-memory view from a freshly-read document
// (called after workspace.Store.Read).
func (r *Registry) Load(sessions map[string]*Session, active string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessions == nil {
		sessions = map[string]*Session{}
	}
	r.sessions = sessions
	r.active = active
}

// Snapshot returns a shallow copy of the current session map and active id.
func (r *Registry) Snapshot() (map[string]*Session, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Session, len(r.sessions))
	for k, v := range r.sessions {
		c := *v
		out[k] = &c
	}
	return out, r.active
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Put inserts or replaces a session record.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	r.notifyRegistered(s)
}

// Remove deletes a session record.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	if r.active == id {
		r.active = r.mostRecentlySeenLocked()
	}
	r.notifyRemoved(id)
}

// SetActive sets the active-session pointer.
func (r *Registry) SetActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = id
}

func (r *Registry) mostRecentlySeenLocked() string {
	var bestID string
	var bestSeen time.Time
	for id, s := range r.sessions {
		if s.LastSeenAt.After(bestSeen) {
			bestSeen = s.LastSeenAt
			bestID = id
		}
	}
	return bestID
}

func (r *Registry) AddWatcher(w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, w)
}

func (r *Registry) notifyRegistered(s *Session) {
	for _, w := range r.watchers {
		w.OnRegistered(s)
	}
}

func (r *Registry) notifyRemoved(id string) {
	for _, w := range r.watchers {
		w.OnRemoved(id)
	}
}

// ReconcileResult summarizes the outcome of one reconcile pass.
type ReconcileResult struct {
	Terminated []string
	Dropped    []string
	ActiveID   string
}

// Reconcile scans every session, probing reachability; managed sessions
// unreachable past the grace window are terminated (unless
// dropManagedUnreachable, in which case they're purged immediately without
// waiting out the grace window), attached sessions that are unreachable are
// dropped, and the active pointer is repaired to the most recently-seen
// reachable session (§4.4).
func (r *Registry) Reconcile(ctx context.Context, dropManagedUnreachable bool) (*ReconcileResult, error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	result := &ReconcileResult{}
	now := time.Now()
	var bestID string
	var bestSeen time.Time

	for _, id := range ids {
		r.mu.RLock()
		s, ok := r.sessions[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		var probeErr error
		if r.prober != nil {
			probeErr = r.prober.Probe(ctx, s.DebugEndpoint, 2*time.Second)
		}

		if probeErr == nil {
			r.mu.Lock()
			prevSeen := s.LastSeenAt
			Heartbeat(s, now)
			r.mu.Unlock()
			if bestID == "" || prevSeen.After(bestSeen) {
				bestID, bestSeen = id, prevSeen
			}
			continue
		}

		r.mu.Lock()
		MarkUnreachable(s, now)
		unreachableDur := UnreachableFor(s, now)
		r.mu.Unlock()

		if s.Kind == KindAttached {
			r.Remove(id)
			result.Dropped = append(result.Dropped, id)
			if r.logger != nil {
				r.logger.Warn("dropped unreachable attached session", "session_id", id)
			}
			continue
		}

		// Managed session.
		if dropManagedUnreachable {
			r.terminateAndRemove(ctx, s, result)
			continue
		}
		if unreachableDur >= r.reconcileGrace {
			r.terminateAndRemove(ctx, s, result)
		}
	}

	r.mu.Lock()
	result.ActiveID = bestID
	r.active = result.ActiveID
	r.mu.Unlock()

	return result, nil
}

func (r *Registry) terminateAndRemove(ctx context.Context, s *Session, result *ReconcileResult) {
	if r.prober != nil && s.PID > 0 {
		if err := r.prober.Terminate(ctx, s.PID); err != nil && r.logger != nil {
			r.logger.Error("failed to terminate unreachable managed session", "session_id", s.ID, "pid", s.PID, "error", err)
		}
	}
	r.Remove(s.ID)
	result.Terminated = append(result.Terminated, s.ID)
	if r.logger != nil {
		r.logger.Info("terminated unreachable managed session", "session_id", s.ID)
	}
}
