package launcher

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/hpcgrid/sessionbroker/internal/broker"
	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/operation"
	"github.com/hpcgrid/sessionbroker/internal/registry"
	"github.com/hpcgrid/sessionbroker/internal/resource"
	"github.com/hpcgrid/sessionbroker/internal/scheduler"
	"github.com/hpcgrid/sessionbroker/internal/session"
	"github.com/hpcgrid/sessionbroker/internal/session/persist"
	"github.com/hpcgrid/sessionbroker/internal/testutil"
)

type harness struct {
	reg      *registry.Registry
	provider *resource.LocalProvider
	sched    *scheduler.MemoryAdapter
	store    *persist.Store
	l        *Launcher
}

func newHarness(t *testing.T, newAdapter broker.NewAdapterFunc, withStore bool) *harness {
	t.Helper()

	h := &harness{
		reg:   registry.New(),
		sched: scheduler.NewMemoryAdapter(),
	}
	h.provider = resource.NewLocalProvider(h.reg, nil)

	var opts []Option
	if withStore {
		h.store = testutil.MemStore(t)
		opts = append(opts, WithStore(h.store))
	}
	if newAdapter == nil {
		newAdapter = broker.NewInProcAdapterFunc()
	}
	h.l = New(h.reg, h.provider, h.sched, newAdapter, testutil.HeadNode, opts...)
	return h
}

func (h *harness) jobState(t *testing.T, id string) (scheduler.JobState, string) {
	t.Helper()
	j, ok := h.sched.Job(id)
	if !ok {
		t.Fatalf("no job for %q", id)
	}
	return j.State, j.Reason
}

// failingAdapter fails every create.
type failingAdapter struct {
	*broker.InProcAdapter
	err error
}

func (a *failingAdapter) Create(context.Context, session.StartInfo, string) (session.InitResult, error) {
	return session.InitResult{}, a.err
}

func (a *failingAdapter) CreateDurable(context.Context, session.StartInfo, string) (session.InitResult, error) {
	return session.InitResult{}, a.err
}

func TestBeginCreate_Success(t *testing.T) {
	h := newHarness(t, nil, false)

	var calls atomic.Int32
	var gotState atomic.Value
	op := h.l.BeginCreate(context.Background(), testutil.StartInfo(true, false), func(_ *operation.Operation, state any) {
		calls.Add(1)
		gotState.Store(state)
	}, "token")
	testutil.WaitSettled(t, op)

	s, err := op.Result()
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if s.ID != session.DebugSessionID || s.Kind != session.KindInteractive {
		t.Errorf("session = %+v", s)
	}
	if h.reg.Active() != s {
		t.Error("session should be registered")
	}
	if calls.Load() != 1 || gotState.Load() != "token" {
		t.Errorf("callback calls=%d state=%v", calls.Load(), gotState.Load())
	}

	state, _ := h.jobState(t, s.ID)
	if state != scheduler.JobRunning {
		t.Errorf("job state = %v, want running", state)
	}
	j, _ := h.sched.Job(s.ID)
	if j.Properties["endpoint"] != "net.tcp://head:9091/-1" {
		t.Errorf("broker info = %v", j.Properties)
	}
	if _, err := h.provider.GetResourceInfo(context.Background(), testutil.AttachInfo(s.ID, false)); err != nil {
		t.Errorf("resource should be allocated: %v", err)
	}
}

func TestCreate_SecondDebugSessionConflicts(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	first, err := h.l.Create(ctx, testutil.StartInfo(true, false))
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	_, err = h.l.Create(ctx, testutil.StartInfo(true, true))
	if !errors.Is(err, errors.ErrConcurrentSession) {
		t.Errorf("second Create = %v, want ErrConcurrentSession", err)
	}
	if h.reg.Active() != first {
		t.Error("failed create must not disturb the active session")
	}
	if state, _ := h.jobState(t, first.ID); state != scheduler.JobRunning {
		t.Errorf("first job state = %v, want running", state)
	}
}

func TestCreate_FailureRunsCleanup(t *testing.T) {
	boom := errors.New("broker refused")
	h := newHarness(t, func(identity session.Identity, attached bool) broker.Adapter {
		return &failingAdapter{InProcAdapter: broker.NewInProcAdapter(identity, attached), err: boom}
	}, false)

	_, err := h.l.Create(context.Background(), testutil.StartInfo(true, false))
	if err != boom {
		t.Fatalf("Create = %v, want adapter error", err)
	}

	state, reason := h.jobState(t, "-1")
	if state != scheduler.JobFailed || reason != ReasonCreateFailed {
		t.Errorf("job = %v/%q, want failed/%q", state, reason, ReasonCreateFailed)
	}
	if _, err := h.provider.GetResourceInfo(context.Background(), testutil.AttachInfo("-1", false)); err == nil {
		t.Error("resource should be freed")
	}
	if h.reg.IsRemoved("-1") {
		t.Error("a failed create must not tombstone the id")
	}

	// The debug slot is free again.
	if id, err := h.reg.AllocateID(false); err != nil || id != "-1" {
		t.Errorf("AllocateID = %q, %v", id, err)
	}
}

func TestCreate_InvalidRequest(t *testing.T) {
	h := newHarness(t, nil, false)
	info := testutil.StartInfo(true, false)
	info.MinUnits, info.MaxUnits = 4, 2

	if _, err := h.l.Create(context.Background(), info); err == nil {
		t.Error("expected validation error")
	}
	if _, ok := h.sched.Job("-1"); ok {
		t.Error("invalid request must not register a job")
	}
}

// A create canceled while the broker is being built must not tombstone the
// debug id: the late registration is undone and the id stays usable.
func TestCancel_InFlightCreateReleasesDebugID(t *testing.T) {
	gated := testutil.NewGatedAdapters()
	h := newHarness(t, gated.New, false)
	ctx := context.Background()

	op := h.l.BeginCreate(ctx, testutil.StartInfo(true, false), nil, nil)
	<-gated.Entered()

	if err := op.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	testutil.WaitSettled(t, op)

	state, reason := h.jobState(t, "-1")
	if state != scheduler.JobFailed || reason != ReasonCanceled {
		t.Errorf("job = %v/%q, want failed/%q", state, reason, ReasonCanceled)
	}

	gated.Open()
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.l.Drain(drainCtx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if h.reg.Active() != nil {
		t.Error("late create must be deregistered")
	}
	if h.reg.IsRemoved("-1") {
		t.Error("canceling a create must not tombstone the debug id")
	}
	if _, err := op.Result(); !errors.Is(err, errors.ErrCanceled) {
		t.Errorf("Result() = %v, want ErrCanceled", err)
	}

	first, err := h.l.Create(ctx, testutil.StartInfo(true, false))
	if err != nil {
		t.Fatalf("Create after cancel failed: %v", err)
	}
	if h.reg.Active() != first {
		t.Error("create after cancel should register its session")
	}
	if _, err := h.l.Create(ctx, testutil.StartInfo(true, false)); !errors.Is(err, errors.ErrConcurrentSession) {
		t.Errorf("second Create = %v, want ErrConcurrentSession", err)
	}
	if h.reg.Active() != first {
		t.Error("a rejected create must not disturb the active session")
	}
}

// A create whose Add is dropped because the id was tombstoned must fail,
// not report an unregistered session as live.
func TestCreate_TombstonedIDFails(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()
	h.reg.Remove("-1")

	_, err := h.l.Create(ctx, testutil.StartInfo(true, false))
	if !errors.Is(err, errors.ErrSessionAlreadyFinished) {
		t.Fatalf("Create = %v, want ErrSessionAlreadyFinished", err)
	}
	if errors.IsRetryable(err) {
		t.Error("the id stays tombstoned, so retrying cannot help")
	}
	if h.reg.Active() != nil {
		t.Error("nothing should be registered")
	}
	state, reason := h.jobState(t, "-1")
	if state != scheduler.JobFailed || reason != ReasonCreateFailed {
		t.Errorf("job = %v/%q, want failed/%q", state, reason, ReasonCreateFailed)
	}
	if _, err := h.provider.GetResourceInfo(ctx, testutil.AttachInfo("-1", false)); err == nil {
		t.Error("resource should be freed")
	}
}

func TestCreate_ContextDeadlineCancels(t *testing.T) {
	gated := testutil.NewGatedAdapters()
	defer gated.Open()
	h := newHarness(t, gated.New, false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := h.l.Create(ctx, testutil.StartInfo(true, false))
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("Create = %v, want deadline exceeded", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("a timed out create should be retryable")
	}

	// Create returns only after cleanup settled.
	state, _ := h.jobState(t, "-1")
	if state != scheduler.JobFailed {
		t.Errorf("job state = %v, want failed", state)
	}
}

func TestDurableCreateAndClose(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()

	s, err := h.l.Create(ctx, testutil.StartInfo(true, true))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.Kind != session.KindDurable {
		t.Errorf("Kind = %v, want durable", s.Kind)
	}
	if _, err := h.store.Load(ctx, s.ID); err != nil {
		t.Errorf("durable state should be saved: %v", err)
	}
	if _, alive := persist.HostedBy(h.store.Fs(), h.store.Dir(), s.ID); !alive {
		t.Error("host lock should be held")
	}

	if err := h.l.Close(ctx, s.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if h.reg.Active() != nil || h.reg.IsRemoved(s.ID) {
		t.Error("Close should free the slot without tombstoning")
	}
	if _, err := h.store.Load(ctx, s.ID); !errors.Is(err, errors.ErrPersistedStateNotFound) {
		t.Errorf("state should be deleted, got %v", err)
	}
	if lock, _ := persist.HostedBy(h.store.Fs(), h.store.Dir(), s.ID); lock != nil {
		t.Error("host lock should be released")
	}
	if state, reason := h.jobState(t, s.ID); state != scheduler.JobFinished || reason != ReasonClosed {
		t.Errorf("job = %v/%q", state, reason)
	}

	// The slot can be reused.
	if _, err := h.l.Create(ctx, testutil.StartInfo(true, true)); err != nil {
		t.Errorf("Create after Close failed: %v", err)
	}
}

func TestClose_UnknownSession(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	if err := h.l.Close(ctx, "-1"); !errors.Is(err, errors.ErrSessionAlreadyFinished) {
		t.Errorf("Close(-1) = %v, want ErrSessionAlreadyFinished", err)
	}
	if err := h.l.Close(ctx, "abc"); !errors.Is(err, errors.ErrInvalidSessionID) {
		t.Errorf("Close(abc) = %v, want ErrInvalidSessionID", err)
	}
	if h.reg.IsRemoved("-1") {
		t.Error("Close on an unknown id must not tombstone it")
	}
}

func TestAttach(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	created, err := h.l.Create(ctx, testutil.StartInfo(true, false))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := h.l.Attach(ctx, testutil.AttachInfo("-1", false))
	if err != nil || got != created {
		t.Errorf("Attach = %v, %v", got, err)
	}

	_, err = h.l.Attach(ctx, testutil.AttachInfo("-1", true))
	if !errors.Is(err, errors.ErrInvalidAttachInteractiveSession) {
		t.Errorf("durable Attach = %v, want ErrInvalidAttachInteractiveSession", err)
	}

	if _, err := h.l.Attach(ctx, session.AttachInfo{}); err == nil {
		t.Error("Attach without session id should fail validation")
	}
}

func TestRestore_DurableAttachAfterRestart(t *testing.T) {
	first := newHarness(t, nil, true)
	ctx := context.Background()

	if _, err := first.l.Create(ctx, testutil.StartInfo(true, true)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := first.l.Detach(ctx, "-1"); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}

	// A new process: fresh registry, same state directory.
	reg := registry.New()
	l := New(reg, resource.NewLocalProvider(reg, nil), scheduler.NewMemoryAdapter(),
		broker.NewInProcAdapterFunc(), testutil.HeadNode, WithStore(first.store))

	if _, err := l.Attach(ctx, testutil.AttachInfo("-1", true)); !errors.Is(err, errors.ErrSessionAlreadyFinished) {
		t.Fatalf("Attach before Restore = %v, want ErrSessionAlreadyFinished", err)
	}
	if err := l.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	s, err := l.Attach(ctx, testutil.AttachInfo("-1", true))
	if err != nil {
		t.Fatalf("Attach after Restore failed: %v", err)
	}
	if !s.Info.Attached || s.Kind != session.KindDurable {
		t.Errorf("session = %+v, want recreated durable session", s)
	}
}

func TestRestore_NoState(t *testing.T) {
	h := newHarness(t, nil, true)
	if err := h.l.Restore(context.Background()); err != nil {
		t.Errorf("Restore = %v, want nil", err)
	}
	if _, ok := h.reg.PreviousStartInfo(); ok {
		t.Error("nothing should be restored")
	}
}

func TestRestore_UnsupportedVersionIsFatal(t *testing.T) {
	h := newHarness(t, nil, true)

	data, _ := json.Marshal(map[string]any{"version": 2, "session_id": "-1"})
	if err := afero.WriteFile(h.store.Fs(), h.store.Path("-1"), data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	err := h.l.Restore(context.Background())
	if !errors.Is(err, errors.ErrUnsupportedPersistVersion) || !errors.IsFatal(err) {
		t.Errorf("Restore = %v, want fatal unsupported version", err)
	}
	if _, ok := h.reg.PreviousStartInfo(); ok {
		t.Error("rejected state must not be restored")
	}
}

func TestDispose_PendingCreateReleasesResources(t *testing.T) {
	gated := testutil.NewGatedAdapters()
	h := newHarness(t, gated.New, false)

	op := h.l.BeginCreate(context.Background(), testutil.StartInfo(true, false), nil, nil)
	<-gated.Entered()
	op.Dispose()
	gated.Open()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := h.jobState(t, "-1"); state == scheduler.JobFailed && h.reg.Active() == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("disposed create should release its session and fail its job")
}

func TestDetach_KeepsDurableState(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()

	s, err := h.l.Create(ctx, testutil.StartInfo(true, true))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.l.Detach(ctx, s.ID); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}

	if h.reg.Active() != nil || h.reg.IsRemoved(s.ID) {
		t.Error("Detach should free the slot without tombstoning")
	}
	if _, err := h.store.Load(ctx, s.ID); err != nil {
		t.Errorf("state should survive Detach: %v", err)
	}
	if lock, _ := persist.HostedBy(h.store.Fs(), h.store.Dir(), s.ID); lock != nil {
		t.Error("host lock should be released")
	}
	if state, _ := h.jobState(t, s.ID); state.IsTerminal() {
		t.Errorf("job state = %v, want non-terminal", state)
	}

	// The same process can host it again.
	if _, err := h.l.Attach(ctx, testutil.AttachInfo(s.ID, true)); err != nil {
		t.Errorf("Attach after Detach failed: %v", err)
	}
}

func TestDetach_InteractiveRejected(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	s, err := h.l.Create(ctx, testutil.StartInfo(true, false))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.l.Detach(ctx, s.ID); !errors.Is(err, errors.ErrInvalidAttachInteractiveSession) {
		t.Errorf("Detach = %v, want ErrInvalidAttachInteractiveSession", err)
	}
	if h.reg.Active() != s {
		t.Error("a rejected Detach must leave the session registered")
	}
}

func TestAttach_DurableHostedElsewhereFails(t *testing.T) {
	first := newHarness(t, nil, true)
	ctx := context.Background()

	if _, err := first.l.Create(ctx, testutil.StartInfo(true, true)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Same state directory, but the first launcher still hosts the session.
	reg := registry.New()
	l := New(reg, resource.NewLocalProvider(reg, nil), scheduler.NewMemoryAdapter(),
		broker.NewInProcAdapterFunc(), testutil.HeadNode, WithStore(first.store))
	if err := l.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	_, err := l.Attach(ctx, testutil.AttachInfo("-1", true))
	if !errors.Is(err, persist.ErrSessionHosted) {
		t.Errorf("Attach = %v, want ErrSessionHosted", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("a session hosted elsewhere can be retried after it detaches")
	}
	if reg.Active() != nil {
		t.Error("a rejected attach must not register a session")
	}
}

func TestAttach_NonDebugSessionNeedsResources(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	s, err := h.l.Create(ctx, testutil.StartInfo(false, false))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.IsDebugID(s.ID) {
		t.Fatalf("non-debug create got the debug id")
	}

	if got, err := h.l.Attach(ctx, testutil.AttachInfo(s.ID, false)); err != nil || got != s {
		t.Errorf("Attach = %v, %v", got, err)
	}

	if err := h.provider.FreeResource(ctx, session.Identity{}, s.ID); err != nil {
		t.Fatalf("FreeResource failed: %v", err)
	}
	if _, err := h.l.Attach(ctx, testutil.AttachInfo(s.ID, false)); !errors.Is(err, errors.ErrInvalidSessionID) {
		t.Errorf("Attach without resources = %v, want ErrInvalidSessionID", err)
	}
}

func TestClose_StopsIdleTimer(t *testing.T) {
	h := newHarness(t, broker.NewInProcAdapterFunc(broker.WithIdleTimeout(20*time.Millisecond)), false)
	ctx := context.Background()

	s, err := h.l.Create(ctx, testutil.StartInfo(true, false))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := h.l.Close(ctx, s.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	idler, ok := s.Broker.(broker.Idler)
	if !ok {
		t.Fatal("in-process broker should report idleness")
	}
	select {
	case <-idler.Idle():
		t.Error("a closed session must not go idle")
	case <-time.After(100 * time.Millisecond):
	}
}
