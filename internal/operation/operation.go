// Package operation provides the cancellable single-completion handle that
// wraps an in-flight create or attach.
//
// An [Operation] moves from pending to exactly one terminal state. The
// completion callback runs at most once on its own goroutine and never for a
// canceled operation. A failed or canceled operation runs its cleanup hook
// exactly once, and [Operation.Settled] closes only after that hook returns.
package operation

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/logging"
	"github.com/hpcgrid/sessionbroker/internal/session"
	"github.com/hpcgrid/sessionbroker/internal/telemetry"
)

// DefaultCleanupTimeout bounds the cleanup hook.
const DefaultCleanupTimeout = 30 * time.Second

// State is the lifecycle state of an operation.
type State int

const (
	StatePending State = iota
	StateFinished
	StateCanceled
	StateDisposed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFinished:
		return "finished"
	case StateCanceled:
		return "canceled"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Callback is invoked once when the operation finishes without being
// canceled. state is the value passed to WithCallback.
type Callback func(op *Operation, state any)

// CleanupFunc releases whatever a failed or canceled operation left behind.
type CleanupFunc func(ctx context.Context) error

// Operation is a handle on one in-flight create or attach.
type Operation struct {
	id       string
	identity session.Identity
	kind     string
	started  time.Time

	callback       Callback
	callbackState  any
	cleanup        CleanupFunc
	cleanupTimeout time.Duration

	logger  *logging.Logger
	metrics *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	sess       *session.Session
	err        error
	cleanupErr error
	done       chan struct{}
	settled    chan struct{}
}

// Option configures an Operation.
type Option func(*Operation)

// WithCallback registers the completion callback and its opaque state.
func WithCallback(cb Callback, state any) Option {
	return func(o *Operation) {
		o.callback = cb
		o.callbackState = state
	}
}

// WithCleanup registers the hook run after an error or a cancel.
func WithCleanup(fn CleanupFunc) Option {
	return func(o *Operation) {
		o.cleanup = fn
	}
}

// WithCleanupTimeout overrides DefaultCleanupTimeout.
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Operation) {
		o.cleanupTimeout = d
	}
}

// WithKind labels the operation in logs and metrics, e.g. "create".
func WithKind(kind string) Option {
	return func(o *Operation) {
		o.kind = kind
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *logging.Logger) Option {
	return func(o *Operation) {
		o.logger = l
	}
}

// WithMetrics sets the collectors settlement is reported to.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Operation) {
		o.metrics = m
	}
}

// New starts a pending operation for identity. The operation context derives
// from parent and is canceled by Cancel, Dispose or settlement.
func New(parent context.Context, identity session.Identity, opts ...Option) *Operation {
	o := &Operation{
		id:             ulid.Make().String(),
		identity:       identity,
		kind:           "operation",
		started:        time.Now(),
		cleanupTimeout: DefaultCleanupTimeout,
		done:           make(chan struct{}),
		settled:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.ctx, o.cancel = context.WithCancel(parent)
	o.logger = logging.OrNop(o.logger).WithOperation(o.id).With("kind", o.kind)
	return o
}

// ID returns the operation id.
func (o *Operation) ID() string {
	return o.id
}

// Identity returns the identity the operation was started for.
func (o *Operation) Identity() session.Identity {
	return o.identity
}

// Context is canceled when the operation is canceled or disposed. Work done
// on behalf of the operation should run under it.
func (o *Operation) Context() context.Context {
	return o.ctx
}

// State returns the current state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Done is closed once the operation reaches any terminal state.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Settled is closed after Done and after the callback and any cleanup hook
// have returned.
func (o *Operation) Settled() <-chan struct{} {
	return o.settled
}

// Result returns the outcome. A canceled operation reports ErrCanceled and a
// disposed one ErrOperationDisposed. Calling Result before Done is closed
// returns ErrInvalidOperation.
func (o *Operation) Result() (*session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StatePending:
		return nil, errors.Wrap(errors.ErrInvalidOperation, "operation still pending")
	case StateCanceled:
		return nil, errors.ErrCanceled
	case StateDisposed:
		return nil, errors.ErrOperationDisposed
	}
	return o.sess, o.err
}

// Wait blocks until the operation is done or ctx ends, then returns Result.
func (o *Operation) Wait(ctx context.Context) (*session.Session, error) {
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CleanupErr returns the error from the cleanup hook, if it ran and failed.
// It never replaces the operation's own error.
func (o *Operation) CleanupErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cleanupErr
}

// Cancel suppresses the callback, marks the operation canceled and runs the
// cleanup hook. It fails with ErrInvalidOperation once the operation has
// reached a terminal state.
func (o *Operation) Cancel() error {
	o.mu.Lock()
	if o.state != StatePending {
		state := o.state
		o.mu.Unlock()
		return errors.Wrapf(errors.ErrInvalidOperation, "cannot cancel %s operation", state)
	}
	o.state = StateCanceled
	o.mu.Unlock()

	o.logger.Info("operation canceled")
	o.cancel()
	o.complete(StateCanceled, nil, nil)
	return nil
}

// MarkFinish records the outcome. Only the first call on a pending
// operation has any effect; it reports whether this call completed it.
func (o *Operation) MarkFinish(err error, s *session.Session) bool {
	o.mu.Lock()
	if o.state != StatePending {
		o.mu.Unlock()
		return false
	}
	o.state = StateFinished
	o.err = err
	o.sess = s
	o.mu.Unlock()

	o.complete(StateFinished, err, s)
	return true
}

// Dispose releases waiters. A pending operation becomes disposed: its
// callback and cleanup never run and Result reports ErrOperationDisposed.
// Dispose is idempotent and safe to call concurrently with MarkFinish.
func (o *Operation) Dispose() {
	o.mu.Lock()
	prev := o.state
	if prev == StatePending {
		o.state = StateDisposed
	}
	o.mu.Unlock()

	if prev != StatePending {
		return
	}
	o.logger.Debug("operation disposed while pending")
	o.cancel()
	close(o.done)
	close(o.settled)
	o.metrics.ObserveOperation(o.kind, telemetry.OutcomeDisposed, time.Since(o.started))
}

// complete runs exactly once per operation, after the state transition
// claimed it.
func (o *Operation) complete(state State, err error, s *session.Session) {
	close(o.done)

	failed := state == StateCanceled || err != nil
	outcome := telemetry.OutcomeSuccess
	switch {
	case state == StateCanceled:
		outcome = telemetry.OutcomeCanceled
	case err != nil:
		outcome = telemetry.OutcomeError
		o.logger.Warn("operation failed", "error", err)
	case s != nil:
		o.logger.Debug("operation finished", "session_id", s.ID)
	}

	var wg conc.WaitGroup
	if state == StateFinished && o.callback != nil {
		wg.Go(func() {
			o.callback(o, o.callbackState)
		})
	}
	if failed && o.cleanup != nil {
		wg.Go(o.runCleanup)
	}

	go func() {
		if r := wg.WaitAndRecover(); r != nil {
			o.logger.Error("operation callback panicked", "error", r.AsError())
		}
		o.cancel()
		o.metrics.ObserveOperation(o.kind, outcome, time.Since(o.started))
		close(o.settled)
	}()
}

func (o *Operation) runCleanup() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.cleanupTimeout)
	defer cancel()

	var cerr error
	var pc panics.Catcher
	pc.Try(func() {
		cerr = o.cleanup(ctx)
	})
	if r := pc.Recovered(); r != nil {
		cerr = r.AsError()
	}
	if cerr == nil {
		o.logger.Debug("cleanup completed")
		return
	}

	o.logger.Error("cleanup failed", "error", cerr)
	o.mu.Lock()
	o.cleanupErr = cerr
	o.mu.Unlock()
}
