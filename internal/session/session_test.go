package session

import (
	"context"
	"testing"

	"github.com/safesh/safesh/internal/policy"
)

func TestNewSessionHasUsableDefaults(t *testing.T) {
	s := New(&policy.EffectivePolicy{}, "/work")
	if s.ID == "" || s.Cwd != "/work" {
		t.Fatalf("got %+v", s)
	}
	if len(s.Jobs()) != 0 {
		t.Fatal("expected no jobs on a fresh session")
	}
}

func TestSetCwdAndEnvAreIsolatedMutations(t *testing.T) {
	s := New(&policy.EffectivePolicy{}, "/work")
	s.SetCwd("/other")
	s.SetEnv("FOO", "bar")
	if s.Cwd != "/other" {
		t.Fatalf("got cwd %q", s.Cwd)
	}
	if s.EnvOverrides["FOO"] != "bar" {
		t.Fatalf("got env %+v", s.EnvOverrides)
	}
}

func TestVarsRoundTrip(t *testing.T) {
	s := New(&policy.EffectivePolicy{}, "/work")
	s.SetVar("k", 42)
	v, ok := s.GetVar("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("got %v, %v", v, ok)
	}
	if _, ok := s.GetVar("missing"); ok {
		t.Fatal("expected missing key to report false")
	}
}

func TestJobLifecycleStartAndFinish(t *testing.T) {
	s := New(&policy.EffectivePolicy{}, "/work")
	_, cancel := context.WithCancel(context.Background())
	rec := s.StartJob("job-1", "script-1", "echo", []string{"hi"}, 123, cancel)
	if rec.Status != StatusRunning {
		t.Fatalf("got %s", rec.Status)
	}
	s.FinishJob("job-1", 0, StatusFinished)
	got, ok := s.Job("job-1")
	if !ok {
		t.Fatal("expected job to be findable")
	}
	if got.Status != StatusFinished || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("got %+v", got)
	}
	if got.CompletedAt == nil || got.DurationMS == nil {
		t.Fatal("expected completion fields set")
	}
}

func TestEndCancelsRunningJobsAndIsIdempotent(t *testing.T) {
	s := New(&policy.EffectivePolicy{}, "/work")
	canceled := false
	_, cancel := context.WithCancel(context.Background())
	wrapped := func() {
		canceled = true
		cancel()
	}
	s.StartJob("job-1", "script-1", "sleep", []string{"5"}, 1, wrapped)
	s.End()
	if !canceled {
		t.Fatal("expected cancel to be invoked on End")
	}
	rec, _ := s.Job("job-1")
	if rec.Status != StatusKilled {
		t.Fatalf("got %s", rec.Status)
	}
	if !s.Ended() {
		t.Fatal("expected Ended() true")
	}
	s.End() // must not panic or double-cancel
}
