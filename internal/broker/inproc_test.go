package broker

import (
	"context"
	"testing"
	"time"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/registry"
	"github.com/hpcgrid/sessionbroker/internal/session"
)

func TestInProcAdapter_Create(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewInProcAdapter(session.Identity{ServiceVersion: "2.1"}, false,
		WithClock(func() time.Time { return start }),
		WithIdleTimeout(time.Minute),
	)

	info := session.StartInfo{Identity: session.Identity{HeadNode: "head", Transport: session.TransportHTTP}}
	res, err := a.CreateDurable(context.Background(), info, "-1")
	if err != nil {
		t.Fatalf("CreateDurable failed: %v", err)
	}

	if len(res.Endpoints) != 1 || res.Endpoints[0] != "http://head:80/-1" {
		t.Errorf("Endpoints = %v", res.Endpoints)
	}
	if !res.Durable || res.Attached {
		t.Errorf("Durable=%v Attached=%v, want true/false", res.Durable, res.Attached)
	}
	if res.ServiceVersion != "2.1" {
		t.Errorf("ServiceVersion = %q, want identity fallback", res.ServiceVersion)
	}
	if !res.CreatedAt.Equal(start) {
		t.Errorf("CreatedAt = %v", res.CreatedAt)
	}
	if !a.IdleDeadline().Equal(start.Add(time.Minute)) {
		t.Errorf("IdleDeadline = %v", a.IdleDeadline())
	}

	if _, err := a.Create(context.Background(), info, "-1"); !errors.Is(err, errors.ErrConcurrentInProcSession) {
		t.Errorf("second Create = %v, want ErrConcurrentInProcSession", err)
	}
}

func TestInProcAdapter_CreateRejectsBadInput(t *testing.T) {
	a := NewInProcAdapter(session.Identity{}, false)

	if _, err := a.Create(context.Background(), session.StartInfo{}, "-1"); err == nil {
		t.Error("expected validation error for missing head node")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	info := session.StartInfo{Identity: session.Identity{HeadNode: "head"}}
	if _, err := a.Create(ctx, info, "-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Create on canceled ctx = %v", err)
	}
}

func TestInProcAdapter_Attach(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a := NewInProcAdapter(session.Identity{}, false, WithClock(clock), WithIdleTimeout(time.Minute))

	if err := a.Attach(context.Background(), "-1"); !errors.Is(err, errors.ErrInvalidSessionID) {
		t.Errorf("Attach before create = %v, want ErrInvalidSessionID", err)
	}

	info := session.StartInfo{Identity: session.Identity{HeadNode: "head"}}
	if _, err := a.Create(context.Background(), info, "-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now = now.Add(30 * time.Second)
	if err := a.Attach(context.Background(), "-1"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if a.Attaches() != 1 {
		t.Errorf("Attaches = %d, want 1", a.Attaches())
	}
	if want := now.Add(time.Minute); !a.IdleDeadline().Equal(want) {
		t.Errorf("IdleDeadline = %v, want %v", a.IdleDeadline(), want)
	}

	if err := a.Attach(context.Background(), "3"); !errors.Is(err, errors.ErrInvalidSessionID) {
		t.Errorf("Attach wrong id = %v, want ErrInvalidSessionID", err)
	}
}

func TestInProcAdapter_WithFactory(t *testing.T) {
	reg := registry.New()
	f := NewFactory(session.KindDurable, "head", reg, NewInProcAdapterFunc())
	ctx := context.Background()

	s, err := f.CreateBroker(ctx, session.StartInfo{Identity: session.Identity{Debug: true}}, "-1", false)
	if err != nil {
		t.Fatalf("CreateBroker failed: %v", err)
	}
	if _, err := f.AttachBroker(ctx, session.AttachInfo{SessionID: "-1", Identity: session.Identity{HeadNode: "head"}}); err != nil {
		t.Fatalf("AttachBroker failed: %v", err)
	}

	a, ok := s.Broker.(*InProcAdapter)
	if !ok {
		t.Fatalf("Broker = %T, want *InProcAdapter", s.Broker)
	}
	if a.Attaches() != 1 || a.Attached() {
		t.Errorf("Attaches=%d Attached=%v", a.Attaches(), a.Attached())
	}
}

func TestInProcAdapter_IdleTimeout(t *testing.T) {
	a := NewInProcAdapter(session.Identity{}, false, WithIdleTimeout(20*time.Millisecond))
	info := session.StartInfo{Identity: session.Identity{HeadNode: "head"}}
	if _, err := a.Create(context.Background(), info, "-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	select {
	case <-a.Idle():
	case <-time.After(2 * time.Second):
		t.Fatal("broker should go idle without an attach")
	}

	if err := a.Attach(context.Background(), "-1"); !errors.IsNotFound(err) {
		t.Errorf("Attach after idle = %v, want ErrSessionAlreadyFinished", err)
	}
}

func TestInProcAdapter_AttachPostponesIdle(t *testing.T) {
	a := NewInProcAdapter(session.Identity{}, false, WithIdleTimeout(200*time.Millisecond))
	info := session.StartInfo{Identity: session.Identity{HeadNode: "head"}}
	if _, err := a.Create(context.Background(), info, "-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if err := a.Attach(context.Background(), "-1"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	// The first timer would have fired by now.
	select {
	case <-a.Idle():
		t.Fatal("attach should reset the idle timer")
	case <-time.After(120 * time.Millisecond):
	}

	select {
	case <-a.Idle():
	case <-time.After(2 * time.Second):
		t.Fatal("broker should go idle after the reset window")
	}
}

func TestInProcAdapter_StopDisarmsIdle(t *testing.T) {
	a := NewInProcAdapter(session.Identity{}, false, WithIdleTimeout(10*time.Millisecond))
	info := session.StartInfo{Identity: session.Identity{HeadNode: "head"}}
	if _, err := a.Create(context.Background(), info, "-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	a.Stop()

	select {
	case <-a.Idle():
		t.Error("a stopped broker must not go idle")
	case <-time.After(100 * time.Millisecond):
	}
}
