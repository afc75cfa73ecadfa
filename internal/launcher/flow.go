package launcher

import (
	"context"
	"sync"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/logging"
	"github.com/hpcgrid/sessionbroker/internal/operation"
	"github.com/hpcgrid/sessionbroker/internal/session"
)

// createPhase tracks how far a create got, so cleanup undoes only what was
// done.
type createPhase int

const (
	phaseStarted createPhase = iota
	phaseAllocated
	phaseJobRegistered
	phaseCreating
	phaseCreateFailed
	phaseRegistered
)

// createFlow is the state of one BeginCreate. run and cleanup may overlap
// when the operation is canceled, so every field below mu is guarded.
type createFlow struct {
	launcher *Launcher
	info     session.StartInfo
	logger   *logging.Logger

	mu       sync.Mutex
	phase    createPhase
	id       string
	sess     *session.Session
	locked   bool
	jobOwned bool
	failed   bool
}

func (f *createFlow) advance(p createPhase) {
	f.mu.Lock()
	f.phase = p
	f.mu.Unlock()
}

func (f *createFlow) run(op *operation.Operation) {
	s, err := f.create(op.Context())
	if err != nil {
		f.mu.Lock()
		f.failed = true
		f.mu.Unlock()
	}
	if op.MarkFinish(err, s) {
		return
	}

	// The operation was canceled or disposed while we worked, so cleanup may
	// have run before some of our steps. Undo whatever is still held.
	l := f.launcher
	f.logger.Debug("create finished after the operation ended", "state", op.State().String())
	if active := l.registry.Active(); active != nil && active != s {
		// The debug id now belongs to a newer session, and so do its
		// resource, job and lock.
		f.logger.Info("skipping late release, id reused", "session_id", active.ID)
		return
	}
	if s != nil && l.registry.Active() == s {
		l.registry.Remove(s.ID)
		stopIdle(s)
	}
	if err := f.release(context.WithoutCancel(op.Context()), ReasonCanceled, false); err != nil {
		f.logger.Warn("late release failed", "error", err)
	}
}

func (f *createFlow) create(ctx context.Context) (*session.Session, error) {
	l := f.launcher
	info := f.info
	if err := info.Validate(); err != nil {
		return nil, err
	}

	alloc, err := l.provider.AllocateResource(ctx, info.Identity, info.Durable)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.id = alloc.SessionID
	f.phase = phaseAllocated
	f.mu.Unlock()

	log := f.logger.WithSession(alloc.SessionID)

	if info.Durable {
		if err := l.acquireLock(alloc.SessionID); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.locked = true
		f.mu.Unlock()
	}

	state, autoMax, autoMin, err := l.scheduler.RegisterJob(ctx, alloc.SessionID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.jobOwned = true
	f.phase = phaseJobRegistered
	f.mu.Unlock()
	log.Debug("job registered", "job_state", string(state), "auto_max", autoMax, "auto_min", autoMin)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.advance(phaseCreating)
	s, err := l.Factory(info.Kind()).CreateBroker(ctx, info, alloc.SessionID, false)
	if err != nil {
		f.advance(phaseCreateFailed)
		return nil, err
	}
	// A tombstoned id makes the registry drop the Add without an error.
	if l.registry.Active() != s {
		f.advance(phaseCreateFailed)
		stopIdle(s)
		log.Warn("session removed before registration")
		return nil, errors.NewSessionError("session removed before registration", errors.ErrSessionAlreadyFinished).
			WithSessionID(s.ID).
			WithKind(s.Kind.String()).
			WithRetryable(false)
	}
	f.mu.Lock()
	f.sess = s
	f.phase = phaseRegistered
	f.mu.Unlock()

	props := map[string]string{"service_name": info.ServiceName}
	if len(s.Info.Endpoints) > 0 {
		props["endpoint"] = s.Info.Endpoints[0]
	}
	if err := l.scheduler.UpdateBrokerInfo(ctx, s.ID, props); err != nil {
		log.Warn("failed to push broker info", "error", err)
	}
	return s, nil
}

// cleanup is the operation's failure hook.
func (f *createFlow) cleanup(ctx context.Context) error {
	f.mu.Lock()
	failed := f.failed
	f.mu.Unlock()

	reason := ReasonCanceled
	if failed {
		reason = ReasonCreateFailed
	}
	return f.release(ctx, reason, true)
}

// release undoes every step the flow completed. Resource, job and lock
// release are idempotent. The registry is only touched when deregister is
// set, and only for the session this flow registered: removing an id that
// is not active would tombstone it for good. A create still in flight is
// deregistered by run once it returns.
func (f *createFlow) release(ctx context.Context, reason string, deregister bool) error {
	l := f.launcher

	f.mu.Lock()
	phase, id, sess, locked, jobOwned := f.phase, f.id, f.sess, f.locked, f.jobOwned
	f.locked = false
	f.mu.Unlock()

	if id == "" {
		return nil
	}
	log := f.logger.WithSession(id)
	log.Info("releasing partial session", "reason", reason)

	if deregister && sess != nil && l.registry.Active() == sess {
		l.registry.Remove(id)
		stopIdle(sess)
	}

	var errs []error
	if err := l.provider.FreeResource(ctx, f.info.Identity, id); err != nil {
		errs = append(errs, errors.Wrap(err, "free resource"))
	}
	if jobOwned {
		if err := l.scheduler.FailJob(ctx, id, reason); err != nil {
			errs = append(errs, errors.Wrap(err, "fail job"))
		}
	}
	if phase == phaseRegistered && f.info.Durable && l.store != nil {
		if err := l.store.Delete(ctx, id); err != nil {
			errs = append(errs, errors.Wrap(err, "delete state"))
		}
	}
	if locked {
		if err := l.releaseLock(id); err != nil {
			errs = append(errs, errors.Wrap(err, "release host lock"))
		}
	}
	return errors.Join(errs...)
}
