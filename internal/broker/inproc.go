package broker

import (
	"context"
	"sync"
	"time"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/session"
)

// DefaultIdleTimeout is how long an in-process broker stays up without an attach.
const DefaultIdleTimeout = 10 * time.Minute

// Idler is implemented by brokers that give up once nobody attaches for a
// while. The host closes the session when Idle is closed.
type Idler interface {
	Idle() <-chan struct{}
	Stop()
}

// InProcAdapter hosts the broker inside the current process. It backs the
// debug session and keeps an attach count plus an idle deadline that each
// attach pushes forward.
type InProcAdapter struct {
	identity    session.Identity
	attached    bool
	idleTimeout time.Duration
	now         func() time.Time
	idle        chan struct{}

	mu        sync.Mutex
	sessionID string
	attaches  int
	deadline  time.Time
	timer     *time.Timer
	gen       int
	expired   bool
	stopped   bool
}

// InProcOption configures an InProcAdapter.
type InProcOption func(*InProcAdapter)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) InProcOption {
	return func(a *InProcAdapter) {
		a.idleTimeout = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) InProcOption {
	return func(a *InProcAdapter) {
		a.now = now
	}
}

// NewInProcAdapter creates an adapter bound to identity.
func NewInProcAdapter(identity session.Identity, attached bool, opts ...InProcOption) *InProcAdapter {
	a := &InProcAdapter{
		identity:    identity,
		attached:    attached,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		idle:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewInProcAdapterFunc returns a NewAdapterFunc producing InProcAdapters.
func NewInProcAdapterFunc(opts ...InProcOption) NewAdapterFunc {
	return func(identity session.Identity, attached bool) Adapter {
		return NewInProcAdapter(identity, attached, opts...)
	}
}

// Create implements Adapter.
func (a *InProcAdapter) Create(ctx context.Context, info session.StartInfo, sessionID string) (session.InitResult, error) {
	return a.create(ctx, info, sessionID, false)
}

// CreateDurable implements Adapter.
func (a *InProcAdapter) CreateDurable(ctx context.Context, info session.StartInfo, sessionID string) (session.InitResult, error) {
	return a.create(ctx, info, sessionID, true)
}

func (a *InProcAdapter) create(ctx context.Context, info session.StartInfo, sessionID string, durable bool) (session.InitResult, error) {
	if err := ctx.Err(); err != nil {
		return session.InitResult{}, err
	}
	if err := info.Validate(); err != nil {
		return session.InitResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessionID != "" {
		return session.InitResult{}, errors.NewSessionError("broker already created", errors.ErrConcurrentInProcSession).
			WithSessionID(a.sessionID)
	}

	now := a.now()
	a.sessionID = sessionID
	a.deadline = now.Add(a.idleTimeout)
	a.armLocked()

	version := info.ServiceVersion
	if version == "" {
		version = a.identity.ServiceVersion
	}
	return session.InitResult{
		Endpoints:      []string{info.Transport.Endpoint(info.HeadNode, sessionID)},
		Durable:        durable,
		ServiceVersion: version,
		Attached:       a.attached,
		CreatedAt:      now,
	}, nil
}

// Attach implements session.Broker. It counts the attach and resets the idle
// deadline. A broker that already went idle fails with
// ErrSessionAlreadyFinished.
func (a *InProcAdapter) Attach(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessionID == "" || a.sessionID != sessionID {
		return errors.NewSessionError("broker does not host session", errors.ErrInvalidSessionID).
			WithSessionID(sessionID)
	}
	if a.expired {
		return errors.NewSessionError("broker went idle", errors.ErrSessionAlreadyFinished).
			WithSessionID(sessionID)
	}
	a.attaches++
	a.deadline = a.now().Add(a.idleTimeout)
	a.armLocked()
	return nil
}

// armLocked restarts the idle timer. Each arm bumps gen so a timer that
// fires after being replaced does nothing.
func (a *InProcAdapter) armLocked() {
	if a.stopped {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.idleTimeout, func() { a.expire(gen) })
}

func (a *InProcAdapter) expire(gen int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.expired || a.stopped {
		return
	}
	a.expired = true
	close(a.idle)
}

// Idle is closed once the idle timeout passes without an attach.
func (a *InProcAdapter) Idle() <-chan struct{} {
	return a.idle
}

// Stop disarms the idle timer. Idle is never closed afterwards.
func (a *InProcAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
	}
}

// Attaches returns how many clients attached after creation.
func (a *InProcAdapter) Attaches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attaches
}

// IdleDeadline returns when the broker becomes idle if nobody attaches.
func (a *InProcAdapter) IdleDeadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadline
}

// Attached reports whether the adapter was built for a reattaching client.
func (a *InProcAdapter) Attached() bool {
	return a.attached
}
