// Package registry holds the process-wide record of the live debug/in-process
// session.
//
// A [Registry] is constructed once at process start and passed to every
// collaborator. It tracks at most one active session, the start info that
// created it, and a tombstone set of ids removed before they were ever
// registered. All state is guarded by a single mutex and no method performs
// I/O, so every call is fast and non-blocking.
//
// # Tombstones
//
// Remove on an id that is not the active session records a tombstone. A later
// Add for that id is silently dropped: this covers an attach that timed out
// and removed the id before the matching create completed. The tombstone
// lasts for the process lifetime.
package registry

import (
	"sync"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/logging"
	"github.com/hpcgrid/sessionbroker/internal/session"
	"github.com/hpcgrid/sessionbroker/internal/telemetry"
)

// Status is the outcome of a Lookup.
type Status int

const (
	// StatusFound means the active session matches the requested id.
	StatusFound Status = iota
	// StatusNotFound means no session is active and the debug id was requested.
	// This is recoverable: the caller may recreate the session.
	StatusNotFound
	// StatusInvalid means the id can never resolve to the active session.
	StatusInvalid
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// LookupResult is the explicit result of resolving a session id.
type LookupResult struct {
	Status  Status
	Session *session.Session
}

// Err converts the result into the error Fetch would return, or nil when found.
func (r LookupResult) Err(id string) error {
	switch r.Status {
	case StatusFound:
		return nil
	case StatusNotFound:
		return errors.NewSessionError("no active session", errors.ErrSessionAlreadyFinished).WithSessionID(id)
	default:
		return errors.NewSessionError("no matching session", errors.ErrInvalidSessionID).WithSessionID(id)
	}
}

// Registry is the process-wide session registry. It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	active    *session.Session
	prevStart *session.StartInfo
	removed   map[string]struct{}

	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logging.OrNop(l).WithPhase("registry")
	}
}

// WithMetrics sets the collectors the registry reports to.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		removed: make(map[string]struct{}),
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AllocateID returns the debug session id if no session is active. The
// durable flag does not change the decision: only one debug/in-process
// session may be live regardless of kind.
func (r *Registry) AllocateID(durable bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		r.logger.Warn("allocate rejected, session already active",
			"active_session_id", r.active.ID,
			"durable", durable,
		)
		return "", errors.NewSessionError("cannot allocate session id", errors.ErrConcurrentDebugSession).
			WithSessionID(r.active.ID)
	}
	return session.DebugSessionID, nil
}

// Lookup resolves id against the active session without building errors.
func (r *Registry) Lookup(id string) LookupResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		if session.IsDebugID(id) {
			return LookupResult{Status: StatusNotFound}
		}
		return LookupResult{Status: StatusInvalid}
	}
	if r.active.ID != id {
		return LookupResult{Status: StatusInvalid}
	}
	return LookupResult{Status: StatusFound, Session: r.active}
}

// Fetch returns the active session if its id is id. It fails with
// ErrSessionAlreadyFinished when nothing is active and id is the debug id,
// and with ErrInvalidSessionID otherwise.
func (r *Registry) Fetch(id string) (*session.Session, error) {
	res := r.Lookup(id)
	if err := res.Err(id); err != nil {
		return nil, err
	}
	return res.Session, nil
}

// Add registers s as the active session and retains info for later
// re-creation.
//
// If s.ID was tombstoned by an earlier Remove, Add does nothing and returns
// nil; use IsRemoved to tell the two apart. If a session is already active
// it fails with ErrConcurrentDebugSession when info requested debug mode and
// ErrConcurrentInProcSession otherwise.
func (r *Registry) Add(s *session.Session, info session.StartInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		cause := errors.ErrConcurrentInProcSession
		if info.Debug {
			cause = errors.ErrConcurrentDebugSession
		}
		return errors.NewSessionError("cannot register session", cause).
			WithSessionID(s.ID).
			WithKind(s.Kind.String())
	}

	if _, gone := r.removed[s.ID]; gone {
		r.logger.Warn("dropping add for removed session", "session_id", s.ID)
		r.metrics.RecordIgnoredAdd()
		return nil
	}

	r.active = s
	stored := info
	r.prevStart = &stored
	r.metrics.SetActiveSession(s.Kind.String(), true)
	r.logger.Info("session registered", "session_id", s.ID, "kind", s.Kind.String())
	return nil
}

// Remove deregisters the active session when its id is id. Otherwise id is
// tombstoned so a late Add cannot install it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.ID == id {
		r.metrics.SetActiveSession(r.active.Kind.String(), false)
		r.active = nil
		r.logger.Info("session removed", "session_id", id)
		return
	}

	r.removed[id] = struct{}{}
	r.metrics.RecordTombstone()
	r.logger.Info("session tombstoned", "session_id", id)
}

// IsRemoved reports whether id has been tombstoned.
func (r *Registry) IsRemoved(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.removed[id]
	return ok
}

// Active returns the active session, or nil.
func (r *Registry) Active() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// PreviousStartInfo returns the start info behind the most recently
// registered session.
func (r *Registry) PreviousStartInfo() (session.StartInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prevStart == nil {
		return session.StartInfo{}, false
	}
	return *r.prevStart, true
}

// RestoreStartInfo seeds the previous start info from persisted state after a
// process restart. It does not overwrite info recorded by an Add.
func (r *Registry) RestoreStartInfo(info session.StartInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prevStart != nil {
		return false
	}
	stored := info
	r.prevStart = &stored
	r.logger.Debug("previous start info restored", "head_node", info.HeadNode)
	return true
}
