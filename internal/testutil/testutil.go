// Package testutil provides fixtures shared by the session broker tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/hpcgrid/sessionbroker/internal/broker"
	"github.com/hpcgrid/sessionbroker/internal/operation"
	"github.com/hpcgrid/sessionbroker/internal/session"
	"github.com/hpcgrid/sessionbroker/internal/session/persist"
)

// HeadNode is the head node every fixture targets.
const HeadNode = "head"

// StartInfo returns a valid start request.
func StartInfo(debug, durable bool) session.StartInfo {
	return session.StartInfo{
		Identity: session.Identity{
			Transport:     session.TransportNetTCP,
			HeadNode:      HeadNode,
			Debug:         debug,
			Durable:       durable,
			TargetTimeout: time.Minute,
		},
		ServiceName: "echo",
	}
}

// AttachInfo returns a valid attach request for id.
func AttachInfo(id string, durable bool) session.AttachInfo {
	return session.AttachInfo{
		Identity:  session.Identity{HeadNode: HeadNode, Durable: durable},
		SessionID: id,
	}
}

// MemStore returns a persist.Store on an in-memory filesystem.
func MemStore(t *testing.T) *persist.Store {
	t.Helper()

	store, err := persist.NewStore(afero.NewMemMapFs(), "/state", nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// WaitSettled fails the test if op does not settle within five seconds.
func WaitSettled(t *testing.T, op *operation.Operation) {
	t.Helper()

	select {
	case <-op.Settled():
	case <-time.After(5 * time.Second):
		t.Fatalf("operation %s did not settle (state %s)", op.ID(), op.State())
	}
}

// GatedAdapters builds in-process adapters whose creates block until Open is
// called, so tests can cancel a create while it is in flight.
type GatedAdapters struct {
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

// NewGatedAdapters creates a closed gate.
func NewGatedAdapters() *GatedAdapters {
	return &GatedAdapters{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 16),
	}
}

// New is a broker.NewAdapterFunc.
func (g *GatedAdapters) New(identity session.Identity, attached bool) broker.Adapter {
	return &gatedAdapter{InProcAdapter: broker.NewInProcAdapter(identity, attached), g: g}
}

// Entered is signaled each time a create reaches the gate.
func (g *GatedAdapters) Entered() <-chan struct{} {
	return g.entered
}

// Open releases every blocked and future create.
func (g *GatedAdapters) Open() {
	g.once.Do(func() { close(g.gate) })
}

type gatedAdapter struct {
	*broker.InProcAdapter
	g *GatedAdapters
}

func (a *gatedAdapter) wait() {
	a.g.entered <- struct{}{}
	<-a.g.gate
}

func (a *gatedAdapter) Create(ctx context.Context, info session.StartInfo, id string) (session.InitResult, error) {
	a.wait()
	return a.InProcAdapter.Create(context.WithoutCancel(ctx), info, id)
}

func (a *gatedAdapter) CreateDurable(ctx context.Context, info session.StartInfo, id string) (session.InitResult, error) {
	a.wait()
	return a.InProcAdapter.CreateDurable(context.WithoutCancel(ctx), info, id)
}
