// Package launcher runs the end-to-end create, attach and close flows. It
// allocates ids and resources, registers scheduler jobs, drives the broker
// factories and wraps each flow in an [operation.Operation].
package launcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpcgrid/sessionbroker/internal/broker"
	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/logging"
	"github.com/hpcgrid/sessionbroker/internal/operation"
	"github.com/hpcgrid/sessionbroker/internal/registry"
	"github.com/hpcgrid/sessionbroker/internal/resource"
	"github.com/hpcgrid/sessionbroker/internal/scheduler"
	"github.com/hpcgrid/sessionbroker/internal/session"
	"github.com/hpcgrid/sessionbroker/internal/session/persist"
	"github.com/hpcgrid/sessionbroker/internal/telemetry"
)

// Reasons reported to the scheduler.
const (
	ReasonCreateFailed = "session create failed"
	ReasonCanceled     = "session create canceled"
	ReasonClosed       = "session closed"
)

// Launcher owns the collaborators every session flow needs.
type Launcher struct {
	registry    *registry.Registry
	provider    resource.Provider
	scheduler   scheduler.Adapter
	interactive *broker.Factory
	durable     *broker.Factory

	store   *persist.Store
	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	locks map[string]*persist.HostLock

	inflight sync.WaitGroup
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithStore persists durable sessions and guards them with a host lock.
func WithStore(s *persist.Store) Option {
	return func(l *Launcher) {
		l.store = s
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(lg *logging.Logger) Option {
	return func(l *Launcher) {
		l.logger = lg
	}
}

// WithMetrics sets the collectors shared by the factories and operations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Launcher) {
		l.metrics = m
	}
}

// New creates a Launcher with one factory per durability mode, both
// targeting headNode and building brokers with newAdapter.
func New(reg *registry.Registry, provider resource.Provider, sched scheduler.Adapter, newAdapter broker.NewAdapterFunc, headNode string, opts ...Option) *Launcher {
	l := &Launcher{
		registry:  reg,
		provider:  provider,
		scheduler: sched,
		locks:     make(map[string]*persist.HostLock),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrNop(l.logger)

	factoryOpts := []broker.Option{broker.WithLogger(l.logger), broker.WithMetrics(l.metrics)}
	l.interactive = broker.NewFactory(session.KindInteractive, headNode, reg, newAdapter, factoryOpts...)
	l.durable = broker.NewFactory(session.KindDurable, headNode, reg, newAdapter,
		append(factoryOpts, broker.WithStore(l.store))...)
	return l
}

// Factory returns the factory for kind.
func (l *Launcher) Factory(kind session.Kind) *broker.Factory {
	if kind == session.KindDurable {
		return l.durable
	}
	return l.interactive
}

// Registry returns the registry the launcher registers sessions in.
func (l *Launcher) Registry() *registry.Registry {
	return l.registry
}

// Restore seeds the registry with the persisted start info of the debug
// session so a durable attach after a restart can recreate it. Missing state
// is not an error. State with an unsupported version is.
func (l *Launcher) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	st, err := l.store.Load(ctx, session.DebugSessionID)
	if err != nil {
		if errors.Is(err, errors.ErrPersistedStateNotFound) {
			return nil
		}
		return err
	}
	if l.registry.RestoreStartInfo(st.StartInfo) {
		l.logger.Info("restored previous start info", "session_id", st.SessionID, "saved_at", st.SavedAt)
	}
	return nil
}

// Create runs BeginCreate and waits for it. If ctx ends first the operation
// is canceled and its cleanup has finished by the time Create returns.
func (l *Launcher) Create(ctx context.Context, info session.StartInfo) (*session.Session, error) {
	return l.await(ctx, l.BeginCreate(ctx, info, nil, nil))
}

// Attach runs BeginAttach and waits for it.
func (l *Launcher) Attach(ctx context.Context, info session.AttachInfo) (*session.Session, error) {
	return l.await(ctx, l.BeginAttach(ctx, info, nil, nil))
}

func (l *Launcher) await(ctx context.Context, op *operation.Operation) (*session.Session, error) {
	s, err := op.Wait(ctx)
	if err != nil && ctx.Err() != nil && op.Cancel() != nil {
		// Finished concurrently with ctx ending.
		s, err = op.Result()
	}
	<-op.Settled()
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errors.ErrTimeout) {
		err = fmt.Errorf("%w: %w", errors.ErrTimeout, err)
	}
	return s, err
}

// Drain waits until every create and attach goroutine has returned,
// including creates that finish after their operation was canceled.
func (l *Launcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginCreate starts creating a session and returns at once. cb, if not
// nil, receives state when the create finishes without being canceled.
func (l *Launcher) BeginCreate(ctx context.Context, info session.StartInfo, cb operation.Callback, state any) *operation.Operation {
	if info.HeadNode == "" {
		info.HeadNode = l.interactive.HeadNode()
	}
	flow := &createFlow{launcher: l, info: info}

	opts := []operation.Option{
		operation.WithKind("create"),
		operation.WithCleanup(flow.cleanup),
		operation.WithLogger(l.logger),
		operation.WithMetrics(l.metrics),
	}
	if cb != nil {
		opts = append(opts, operation.WithCallback(cb, state))
	}
	op := operation.New(ctx, info.Identity, opts...)
	flow.logger = l.logger.WithOperation(op.ID())

	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		flow.run(op)
	}()
	return op
}

// BeginAttach starts attaching to a session and returns at once.
func (l *Launcher) BeginAttach(ctx context.Context, info session.AttachInfo, cb operation.Callback, state any) *operation.Operation {
	if info.HeadNode == "" {
		info.HeadNode = l.interactive.HeadNode()
	}
	opts := []operation.Option{
		operation.WithKind("attach"),
		operation.WithLogger(l.logger),
		operation.WithMetrics(l.metrics),
	}
	if cb != nil {
		opts = append(opts, operation.WithCallback(cb, state))
	}
	op := operation.New(ctx, info.Identity, opts...)

	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		s, err := l.attach(op.Context(), info)
		op.MarkFinish(err, s)
	}()
	return op
}

// attach resolves info through the factory. A durable attach that will
// recreate the session takes the host lock first, so two processes never
// host the same session. Non-debug ids must still hold their resources.
func (l *Launcher) attach(ctx context.Context, info session.AttachInfo) (*session.Session, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	if !session.IsDebugID(info.SessionID) {
		ri, err := l.provider.GetResourceInfo(ctx, info)
		if err != nil {
			return nil, err
		}
		l.logger.WithSession(info.SessionID).Debug("resources found",
			"endpoints", ri.Endpoints,
			"allocated_at", ri.AllocatedAt,
		)
	}

	recreate := info.Durable && l.store != nil &&
		l.registry.Lookup(info.SessionID).Status == registry.StatusNotFound
	if recreate {
		if err := l.acquireLock(info.SessionID); err != nil {
			return nil, err
		}
	}

	s, err := l.Factory(info.Kind()).AttachBroker(ctx, info)
	if err != nil && recreate {
		if relErr := l.releaseLock(info.SessionID); relErr != nil {
			l.logger.WithSession(info.SessionID).Warn("failed to release host lock", "error", relErr)
		}
	}
	return s, err
}

// Close deregisters the session, frees its resources and finishes its job.
func (l *Launcher) Close(ctx context.Context, sessionID string) error {
	s, err := l.registry.Fetch(sessionID)
	if err != nil {
		return err
	}
	log := l.logger.WithSession(sessionID)

	var identity session.Identity
	if prev, ok := l.registry.PreviousStartInfo(); ok {
		identity = prev.Identity
	}
	l.registry.Remove(sessionID)
	stopIdle(s)

	var errs []error
	if err := l.provider.FreeResource(ctx, identity, sessionID); err != nil {
		errs = append(errs, errors.Wrap(err, "free resource"))
	}
	if err := l.scheduler.FinishJob(ctx, sessionID, ReasonClosed); err != nil && !errors.Is(err, errors.ErrInvalidSessionID) {
		errs = append(errs, errors.Wrap(err, "finish job"))
	}
	if s.Kind == session.KindDurable && l.store != nil {
		if err := l.store.Delete(ctx, sessionID); err != nil {
			errs = append(errs, errors.Wrap(err, "delete state"))
		}
	}
	if err := l.releaseLock(sessionID); err != nil {
		errs = append(errs, errors.Wrap(err, "release host lock"))
	}

	log.Info("session closed", "kind", s.Kind.String())
	return errors.Join(errs...)
}

// Detach stops hosting a durable session without closing it. The host lock
// and the local allocation are released while persisted state and the
// scheduler job are kept, so another process can attach.
func (l *Launcher) Detach(ctx context.Context, sessionID string) error {
	s, err := l.registry.Fetch(sessionID)
	if err != nil {
		return err
	}
	if s.Kind != session.KindDurable {
		return errors.NewSessionError("cannot detach", errors.ErrInvalidAttachInteractiveSession).
			WithSessionID(sessionID).
			WithKind(s.Kind.String())
	}

	var identity session.Identity
	if prev, ok := l.registry.PreviousStartInfo(); ok {
		identity = prev.Identity
	}
	l.registry.Remove(sessionID)
	stopIdle(s)

	var errs []error
	if err := l.provider.FreeResource(ctx, identity, sessionID); err != nil {
		errs = append(errs, errors.Wrap(err, "free resource"))
	}
	if err := l.releaseLock(sessionID); err != nil {
		errs = append(errs, errors.Wrap(err, "release host lock"))
	}
	l.logger.WithSession(sessionID).Info("session detached")
	return errors.Join(errs...)
}

func (l *Launcher) acquireLock(sessionID string) error {
	if l.store == nil {
		return nil
	}
	lock, err := persist.AcquireHostLock(l.store.Fs(), l.store.Dir(), sessionID, l.logger)
	if err != nil {
		if errors.Is(err, persist.ErrSessionHosted) {
			// The other host may detach, so a later attempt can succeed.
			return errors.NewSessionError("cannot host session", err).
				WithSessionID(sessionID).
				WithKind(session.KindDurable.String()).
				WithRetryable(true)
		}
		return err
	}
	l.mu.Lock()
	l.locks[sessionID] = lock
	l.mu.Unlock()
	return nil
}

func (l *Launcher) releaseLock(sessionID string) error {
	l.mu.Lock()
	lock := l.locks[sessionID]
	delete(l.locks, sessionID)
	l.mu.Unlock()
	return lock.Release()
}

// stopIdle disarms the idle timer of a broker that is no longer hosted.
func stopIdle(s *session.Session) {
	if b, ok := s.Broker.(broker.Idler); ok {
		b.Stop()
	}
}
