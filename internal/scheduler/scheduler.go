// Package scheduler is the boundary to the cluster scheduler that owns the
// job behind each session. Jobs are keyed by session id.
package scheduler

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/logging"
)

// JobState is the scheduler-side state of a session's job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobFinished  JobState = "finished"
	JobFailed    JobState = "failed"
	JobRequeued  JobState = "requeued"
	JobCanceling JobState = "canceling"
)

// IsTerminal reports whether the job can no longer change state.
func (s JobState) IsTerminal() bool {
	return s == JobFinished || s == JobFailed
}

// BalanceInfo describes how a job should shed work during graceful preemption.
type BalanceInfo struct {
	AllowedCoreCount int  `json:"allowed_core_count"`
	FastBalance      bool `json:"fast_balance"`
}

// Adapter is the scheduler surface the broker consumes.
type Adapter interface {
	RegisterJob(ctx context.Context, sessionID string) (state JobState, autoMax, autoMin int, err error)
	UpdateBrokerInfo(ctx context.Context, sessionID string, props map[string]string) error
	GetGracefulPreemptionInfo(ctx context.Context, sessionID string) (info BalanceInfo, running, queued []string, err error)
	FinishJob(ctx context.Context, sessionID, reason string) error
	FailJob(ctx context.Context, sessionID, reason string) error
	RequeueOrFailJob(ctx context.Context, sessionID, reason string) error
}

// Job is the MemoryAdapter's record of one session's job.
type Job struct {
	SessionID  string
	State      JobState
	Reason     string
	AutoMax    int
	AutoMin    int
	Requeues   int
	Properties map[string]string
	Running    []string
	Queued     []string
	Balance    BalanceInfo
	UpdatedAt  time.Time
}

// MemoryAdapter is an in-process Adapter used by debug sessions and tests.
// It is safe for concurrent use.
type MemoryAdapter struct {
	autoMax     int
	autoMin     int
	maxRequeues int
	logger      *logging.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// MemoryOption configures a MemoryAdapter.
type MemoryOption func(*MemoryAdapter)

// WithAutoScale sets the autoMax/autoMin values RegisterJob reports.
func WithAutoScale(autoMax, autoMin int) MemoryOption {
	return func(m *MemoryAdapter) {
		m.autoMax = autoMax
		m.autoMin = autoMin
	}
}

// WithMaxRequeues sets how many times RequeueOrFailJob requeues before failing.
func WithMaxRequeues(n int) MemoryOption {
	return func(m *MemoryAdapter) {
		m.maxRequeues = n
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *logging.Logger) MemoryOption {
	return func(m *MemoryAdapter) {
		m.logger = l
	}
}

// NewMemoryAdapter creates an empty MemoryAdapter.
func NewMemoryAdapter(opts ...MemoryOption) *MemoryAdapter {
	m := &MemoryAdapter{
		autoMax:     1,
		autoMin:     0,
		maxRequeues: 3,
		jobs:        make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).WithPhase("scheduler")
	return m
}

// RegisterJob implements Adapter. Registering a job that is already live
// returns its current state.
func (m *MemoryAdapter) RegisterJob(ctx context.Context, sessionID string) (JobState, int, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[sessionID]; ok && !j.State.IsTerminal() {
		return j.State, j.AutoMax, j.AutoMin, nil
	}
	m.jobs[sessionID] = &Job{
		SessionID:  sessionID,
		State:      JobRunning,
		AutoMax:    m.autoMax,
		AutoMin:    m.autoMin,
		Properties: make(map[string]string),
		UpdatedAt:  time.Now(),
	}
	m.logger.Info("job registered", "session_id", sessionID)
	return JobRunning, m.autoMax, m.autoMin, nil
}

// UpdateBrokerInfo implements Adapter. props are merged into the job.
func (m *MemoryAdapter) UpdateBrokerInfo(ctx context.Context, sessionID string, props map[string]string) error {
	return m.update(ctx, sessionID, func(j *Job) error {
		maps.Copy(j.Properties, props)
		return nil
	})
}

// GetGracefulPreemptionInfo implements Adapter.
func (m *MemoryAdapter) GetGracefulPreemptionInfo(ctx context.Context, sessionID string) (BalanceInfo, []string, []string, error) {
	if err := ctx.Err(); err != nil {
		return BalanceInfo{}, nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[sessionID]
	if !ok {
		return BalanceInfo{}, nil, nil, unknownJob(sessionID)
	}
	return j.Balance, slices.Clone(j.Running), slices.Clone(j.Queued), nil
}

// SetPreemption records the preemption picture GetGracefulPreemptionInfo reports.
func (m *MemoryAdapter) SetPreemption(ctx context.Context, sessionID string, info BalanceInfo, running, queued []string) error {
	return m.update(ctx, sessionID, func(j *Job) error {
		j.Balance = info
		j.Running = slices.Clone(running)
		j.Queued = slices.Clone(queued)
		return nil
	})
}

// FinishJob implements Adapter.
func (m *MemoryAdapter) FinishJob(ctx context.Context, sessionID, reason string) error {
	return m.transition(ctx, sessionID, JobFinished, reason)
}

// FailJob implements Adapter.
func (m *MemoryAdapter) FailJob(ctx context.Context, sessionID, reason string) error {
	return m.transition(ctx, sessionID, JobFailed, reason)
}

// RequeueOrFailJob implements Adapter. The job is requeued until it has used
// up its requeue allowance, then failed.
func (m *MemoryAdapter) RequeueOrFailJob(ctx context.Context, sessionID, reason string) error {
	return m.update(ctx, sessionID, func(j *Job) error {
		if j.State.IsTerminal() {
			return nil
		}
		j.Reason = reason
		if j.Requeues >= m.maxRequeues {
			j.State = JobFailed
			m.logger.Warn("job failed after requeues", "session_id", sessionID, "requeues", j.Requeues, "reason", reason)
			return nil
		}
		j.Requeues++
		j.State = JobRequeued
		m.logger.Info("job requeued", "session_id", sessionID, "requeues", j.Requeues, "reason", reason)
		return nil
	})
}

// Job returns a copy of the job for sessionID.
func (m *MemoryAdapter) Job(sessionID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[sessionID]
	if !ok {
		return Job{}, false
	}
	cp := *j
	cp.Properties = maps.Clone(j.Properties)
	cp.Running = slices.Clone(j.Running)
	cp.Queued = slices.Clone(j.Queued)
	return cp, true
}

// transition moves a live job to a terminal state. A job already in a
// terminal state keeps its first reason.
func (m *MemoryAdapter) transition(ctx context.Context, sessionID string, to JobState, reason string) error {
	return m.update(ctx, sessionID, func(j *Job) error {
		if j.State.IsTerminal() {
			return nil
		}
		j.State = to
		j.Reason = reason
		m.logger.Info("job "+string(to), "session_id", sessionID, "reason", reason)
		return nil
	})
}

func (m *MemoryAdapter) update(ctx context.Context, sessionID string, fn func(*Job) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[sessionID]
	if !ok {
		return unknownJob(sessionID)
	}
	if err := fn(j); err != nil {
		return err
	}
	j.UpdatedAt = time.Now()
	return nil
}

func unknownJob(sessionID string) error {
	return errors.NewSessionError("no job for session", errors.ErrInvalidSessionID).WithSessionID(sessionID)
}
