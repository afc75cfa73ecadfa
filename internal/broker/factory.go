package broker

import (
	"context"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/logging"
	"github.com/hpcgrid/sessionbroker/internal/registry"
	"github.com/hpcgrid/sessionbroker/internal/session"
	"github.com/hpcgrid/sessionbroker/internal/session/persist"
	"github.com/hpcgrid/sessionbroker/internal/telemetry"
)

// Factory creates and attaches brokers for one durability mode against a
// head node.
type Factory struct {
	mode       session.Kind
	headNode   string
	registry   *registry.Registry
	newAdapter NewAdapterFunc

	store   *persist.Store
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// Option configures a Factory.
type Option func(*Factory)

// WithStore saves durable session state after every successful durable create.
func WithStore(s *persist.Store) Option {
	return func(f *Factory) {
		f.store = s
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *logging.Logger) Option {
	return func(f *Factory) {
		f.logger = l
	}
}

// WithMetrics sets the collectors the factory reports to.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *Factory) {
		f.metrics = m
	}
}

// NewFactory creates a factory. headNode fills in requests that do not name
// one.
func NewFactory(mode session.Kind, headNode string, reg *registry.Registry, newAdapter NewAdapterFunc, opts ...Option) *Factory {
	f := &Factory{
		mode:       mode,
		headNode:   headNode,
		registry:   reg,
		newAdapter: newAdapter,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.OrNop(f.logger).WithPhase("factory").With("mode", mode.String())
	return f
}

// Mode returns the durability mode of sessions the factory creates.
func (f *Factory) Mode() session.Kind {
	return f.mode
}

// HeadNode returns the default head node.
func (f *Factory) HeadNode() string {
	return f.headNode
}

// CreateBroker builds a broker for sessionID and registers the resulting
// session. Adapter errors are returned unmodified. Registration is the last
// step, so a failed create leaves the registry untouched.
func (f *Factory) CreateBroker(ctx context.Context, info session.StartInfo, sessionID string, attached bool) (s *session.Session, err error) {
	ctx, span := telemetry.StartSpan(ctx, "broker.create", sessionID, f.mode.String())
	defer func() {
		telemetry.EndSpan(span, err)
		f.metrics.RecordCreate(f.mode.String(), err)
	}()

	if info.HeadNode == "" {
		info.HeadNode = f.headNode
	}
	info.Durable = f.mode == session.KindDurable

	log := f.logger.WithSession(sessionID)
	log.Debug("creating broker", "attached", attached, "head_node", info.HeadNode)

	adapter := f.newAdapter(info.Identity, attached)

	callCtx, cancel := info.WithTimeout(ctx)
	defer cancel()

	var result session.InitResult
	switch f.mode {
	case session.KindDurable:
		result, err = adapter.CreateDurable(callCtx, info, sessionID)
	default:
		result, err = adapter.Create(callCtx, info, sessionID)
	}
	if err != nil {
		log.Warn("broker create failed", "error", err)
		return nil, err
	}

	s = &session.Session{
		ID:     sessionID,
		Kind:   f.mode,
		Broker: adapter,
		Info:   result,
	}
	if err = f.registry.Add(s, info); err != nil {
		log.Warn("session registration failed", "error", err)
		return nil, err
	}
	if f.registry.IsRemoved(sessionID) {
		log.Warn("session was removed before create completed")
		return s, nil
	}

	f.saveState(ctx, s, info)
	log.Info("broker created", "endpoints", result.Endpoints)
	return s, nil
}

// saveState records durable sessions in the store. A save failure is logged
// and does not fail the create: the session is already live.
func (f *Factory) saveState(ctx context.Context, s *session.Session, info session.StartInfo) {
	if f.store == nil || s.Kind != session.KindDurable {
		return
	}
	st := persist.State{
		SessionID: s.ID,
		Kind:      s.Kind,
		StartInfo: info,
		Endpoints: s.Info.Endpoints,
	}
	if err := f.store.Save(ctx, st); err != nil {
		f.logger.WithSession(s.ID).Error("failed to persist session state", "error", err)
	}
}

// AttachBroker reconnects to the session named by info.
//
// In durable mode an attach to the debug id with no live session recreates
// the broker from the previous start info, or fails with
// ErrSessionAlreadyFinished when there is none. Every other miss is returned
// as the registry reported it. A found session whose kind differs from the
// factory mode is rejected.
func (f *Factory) AttachBroker(ctx context.Context, info session.AttachInfo) (s *session.Session, err error) {
	ctx, span := telemetry.StartSpan(ctx, "broker.attach", info.SessionID, f.mode.String())
	defer func() {
		telemetry.EndSpan(span, err)
		f.metrics.RecordAttach(f.mode.String(), err)
	}()

	id := info.SessionID
	log := f.logger.WithSession(id)

	res := f.registry.Lookup(id)
	switch res.Status {
	case registry.StatusFound:
		return f.attachFound(ctx, info, res.Session)

	case registry.StatusNotFound:
		if f.mode != session.KindDurable || !session.IsDebugID(id) {
			return nil, res.Err(id)
		}
		prev, ok := f.registry.PreviousStartInfo()
		if !ok {
			log.Info("no previous start info, cannot recreate")
			return nil, errors.NewSessionError("no session to recreate", errors.ErrSessionAlreadyFinished).
				WithSessionID(id).
				WithKind(f.mode.String())
		}
		log.Info("recreating durable broker from previous start info")
		return f.CreateBroker(ctx, prev, id, true)

	default:
		return nil, res.Err(id)
	}
}

func (f *Factory) attachFound(ctx context.Context, info session.AttachInfo, s *session.Session) (*session.Session, error) {
	switch {
	case f.mode == session.KindDurable && s.Kind == session.KindInteractive:
		return nil, errors.NewSessionError("attach rejected", errors.ErrInvalidAttachInteractiveSession).
			WithSessionID(s.ID).
			WithKind(s.Kind.String())
	case f.mode == session.KindInteractive && s.Kind == session.KindDurable:
		return nil, errors.NewSessionError("attach rejected", errors.ErrInvalidAttachDurableSession).
			WithSessionID(s.ID).
			WithKind(s.Kind.String())
	}

	callCtx, cancel := info.WithTimeout(ctx)
	defer cancel()

	if err := s.Broker.Attach(callCtx, s.ID); err != nil {
		f.logger.WithSession(s.ID).Warn("broker attach failed", "error", err)
		return nil, err
	}
	f.logger.WithSession(s.ID).Debug("attached to existing broker")
	return s, nil
}
