// Package session implements the Session data model: a
// single-writer-per-session container for cwd, env overrides, free-form
// vars, and the live set of JobRecords, mutated only through its own
// methods so the "one mutex per session" concurrency rule
// holds without per-field locks.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safesh/safesh/internal/policy"
)

// Status is a JobRecord's lifecycle state.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusKilled   Status = "killed"
	StatusTimedOut Status = "timed_out"
)

// JobRecord tracks one spawned command for the lifetime of its owning
// session. Born at a JOB_START marker, closed at JOB_END or session end.
type JobRecord struct {
	ID          string
	ScriptID    string
	Command     string
	Args        []string
	PID         int
	StartedAt   time.Time
	CompletedAt *time.Time
	ExitCode    *int
	DurationMS  *int64
	Status      Status

	cancel context.CancelFunc
}

// Session is the mutable per-connection state a running shell holds.
// Every mutation goes through a method that holds mu — one mutex per
// session, no finer-grained locking.
type Session struct {
	mu sync.Mutex

	ID           string
	Cwd          string
	EnvOverrides map[string]string
	Vars         map[string]any
	jobs         map[string]*JobRecord
	Policy       *policy.EffectivePolicy

	ended bool
}

// New creates a session bound to pol, rooted at cwd.
func New(pol *policy.EffectivePolicy, cwd string) *Session {
	return &Session{
		ID:           "sess-" + uuid.NewString(),
		Cwd:          cwd,
		EnvOverrides: make(map[string]string),
		Vars:         make(map[string]any),
		jobs:         make(map[string]*JobRecord),
		Policy:       pol,
	}
}

// SetCwd updates the session's working directory. Does not affect policy
// roots — cwd only feeds path resolution.
func (s *Session) SetCwd(cwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cwd = cwd
}

// SetEnv sets a per-session environment override.
func (s *Session) SetEnv(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EnvOverrides[name] = value
}

// SetVar stores an opaque user-script value.
func (s *Session) SetVar(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Vars[key] = value
}

// GetVar reads an opaque user-script value.
func (s *Session) GetVar(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Vars[key]
	return v, ok
}

// StartJob registers a new running job and returns its record. cancel is
// invoked by End to force-kill any still-live job.
func (s *Session) StartJob(id, scriptID, command string, args []string, pid int, cancel context.CancelFunc) *JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &JobRecord{
		ID:        id,
		ScriptID:  scriptID,
		Command:   command,
		Args:      args,
		PID:       pid,
		StartedAt: time.Now(),
		Status:    StatusRunning,
		cancel:    cancel,
	}
	s.jobs[id] = rec
	return rec
}

// FinishJob closes a job record at its JOB_END marker.
func (s *Session) FinishJob(id string, exitCode int, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return
	}
	now := time.Now()
	rec.CompletedAt = &now
	rec.ExitCode = &exitCode
	dur := now.Sub(rec.StartedAt).Milliseconds()
	rec.DurationMS = &dur
	if status == "" {
		status = StatusFinished
	}
	rec.Status = status
}

// Jobs returns a snapshot of all jobs (live and finished) known this
// session.
func (s *Session) Jobs() []*JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*JobRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Job looks up a single job by id.
func (s *Session) Job(id string) (*JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	return rec, ok
}

// End cancels every still-running job (force-kill after grace is the
// cancel func's responsibility) and marks the session unusable. Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	for _, j := range s.jobs {
		if j.Status == StatusRunning && j.cancel != nil {
			j.cancel()
			j.Status = StatusKilled
		}
	}
}

// Ended reports whether End has already been called.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
