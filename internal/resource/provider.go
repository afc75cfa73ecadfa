// Package resource allocates cluster resources and session ids for new
// sessions.
package resource

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/logging"
	"github.com/hpcgrid/sessionbroker/internal/session"
)

// Allocation is what AllocateResource hands back for a new session.
type Allocation struct {
	SessionID string
	Endpoints []string
}

// Provider allocates and releases the resources behind a session. Providers
// must never issue session.DebugSessionID for a non-debug request.
type Provider interface {
	AllocateResource(ctx context.Context, identity session.Identity, durable bool) (Allocation, error)
	GetResourceInfo(ctx context.Context, info session.AttachInfo) (session.ResourceInfo, error)
	FreeResource(ctx context.Context, identity session.Identity, sessionID string) error
}

// IDAllocator hands out the debug session id. *registry.Registry satisfies it.
type IDAllocator interface {
	AllocateID(durable bool) (string, error)
}

// LocalProvider allocates resources on the local head node. Debug requests
// take their id from the registry and everything else gets a random uuid.
// It is safe for concurrent use.
type LocalProvider struct {
	ids    IDAllocator
	logger *logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	allocs map[string]session.ResourceInfo
}

// NewLocalProvider creates a provider backed by ids. A nil logger disables
// logging.
func NewLocalProvider(ids IDAllocator, logger *logging.Logger) *LocalProvider {
	return &LocalProvider{
		ids:    ids,
		logger: logging.OrNop(logger).WithPhase("resource"),
		now:    time.Now,
		allocs: make(map[string]session.ResourceInfo),
	}
}

// AllocateResource implements Provider.
func (p *LocalProvider) AllocateResource(ctx context.Context, identity session.Identity, durable bool) (Allocation, error) {
	if err := ctx.Err(); err != nil {
		return Allocation{}, err
	}
	if err := identity.Validate(); err != nil {
		return Allocation{}, err
	}

	var id string
	if identity.Debug {
		var err error
		if id, err = p.ids.AllocateID(durable); err != nil {
			return Allocation{}, err
		}
	} else {
		id = uuid.NewString()
	}

	info := session.ResourceInfo{
		SessionID:      id,
		Kind:           session.KindOf(durable),
		Endpoints:      []string{identity.Transport.Endpoint(identity.HeadNode, id)},
		ServiceVersion: identity.ServiceVersion,
		AllocatedAt:    p.now(),
	}

	p.mu.Lock()
	if _, taken := p.allocs[id]; taken {
		p.mu.Unlock()
		return Allocation{}, errors.NewSessionError("resource already allocated", errors.ErrConcurrentSession).
			WithSessionID(id)
	}
	p.allocs[id] = info
	p.mu.Unlock()

	p.logger.Info("resource allocated", "session_id", id, "kind", info.Kind.String())
	return Allocation{SessionID: id, Endpoints: slices.Clone(info.Endpoints)}, nil
}

// GetResourceInfo implements Provider.
func (p *LocalProvider) GetResourceInfo(ctx context.Context, info session.AttachInfo) (session.ResourceInfo, error) {
	if err := ctx.Err(); err != nil {
		return session.ResourceInfo{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ri, ok := p.allocs[info.SessionID]
	if !ok {
		return session.ResourceInfo{}, errors.NewSessionError("no resources allocated", errors.ErrInvalidSessionID).
			WithSessionID(info.SessionID)
	}
	ri.Endpoints = slices.Clone(ri.Endpoints)
	return ri, nil
}

// FreeResource implements Provider. Freeing an unknown id is a no-op.
func (p *LocalProvider) FreeResource(ctx context.Context, _ session.Identity, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	_, ok := p.allocs[sessionID]
	delete(p.allocs, sessionID)
	p.mu.Unlock()

	if ok {
		p.logger.Info("resource freed", "session_id", sessionID)
	}
	return nil
}
