package jobstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "jobstore.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrationsIdempotently(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "jobstore.db")
	s1, err := Open(dsn)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := Open(dsn)
	if err != nil {
		t.Fatalf("reopen should not re-apply migrations: %v", err)
	}
	defer s2.Close()
}

func TestJobStartListAndEndRoundTrip(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	err := s.RecordStart(&Job{
		ID:        "job-shell1-aaaa",
		ScriptID:  "script-shell1-1",
		ShellID:   "shell1",
		Command:   "curl",
		Args:      []string{"-s", "https://example.com"},
		PID:       4242,
		Status:    "running",
		StartedAt: start,
	})
	if err != nil {
		t.Fatalf("RecordStart: %v", err)
	}

	jobs, err := s.ListByScript("script-shell1-1")
	if err != nil {
		t.Fatalf("ListByScript: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	got := jobs[0]
	if got.Command != "curl" || len(got.Args) != 2 || got.Args[1] != "https://example.com" {
		t.Fatalf("got %+v", got)
	}
	if got.Status != "running" || got.CompletedAt != nil {
		t.Fatalf("expected running job with no completion, got %+v", got)
	}

	end := start.Add(3 * time.Second)
	if err := s.RecordEnd("job-shell1-aaaa", "script-shell1-1", "finished", 0, end, 3000); err != nil {
		t.Fatalf("RecordEnd: %v", err)
	}

	jobs, err = s.ListByScript("script-shell1-1")
	if err != nil {
		t.Fatalf("ListByScript after end: %v", err)
	}
	got = jobs[0]
	if got.Status != "finished" {
		t.Fatalf("expected finished status, got %q", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", got.ExitCode)
	}
	if got.DurationMS == nil || *got.DurationMS != 3000 {
		t.Fatalf("expected duration 3000ms, got %v", got.DurationMS)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(end) {
		t.Fatalf("expected completed_at %v, got %v", end, got.CompletedAt)
	}
}

func TestListRecentOrdersByStartedAtDescending(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"job-1", "job-2", "job-3"} {
		if err := s.RecordStart(&Job{
			ID:        id,
			ScriptID:  "script-1",
			ShellID:   "shell1",
			Command:   "echo",
			Args:      []string{},
			Status:    "running",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("RecordStart(%s): %v", id, err)
		}
	}

	jobs, err := s.ListRecent(2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "job-3" || jobs[1].ID != "job-2" {
		t.Fatalf("expected most recent first, got %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestPendingCommandRecordGetAndResolve(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	p := &PendingCommand{
		ID:         "pending-1",
		ScriptHash: "deadbeef",
		Commands:   []string{"curl", "docker"},
		Cwd:        "/project",
		CreatedAt:  created,
	}
	if err := s.RecordPending(p); err != nil {
		t.Fatalf("RecordPending: %v", err)
	}

	got, err := s.Get("pending-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected pending command to exist")
	}
	if len(got.Commands) != 2 || got.Commands[0] != "curl" || got.Commands[1] != "docker" {
		t.Fatalf("got commands %v", got.Commands)
	}
	if got.ResolvedAt != nil {
		t.Fatalf("expected unresolved, got %v", got.ResolvedAt)
	}

	unresolved, err := s.ListUnresolved()
	if err != nil {
		t.Fatalf("ListUnresolved: %v", err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved, got %d", len(unresolved))
	}

	resolvedAt := created.Add(30 * time.Second)
	if err := s.Resolve("pending-1", "allow_once", resolvedAt); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, err = s.Get("pending-1")
	if err != nil {
		t.Fatalf("Get after resolve: %v", err)
	}
	if got.Resolution != "allow_once" {
		t.Fatalf("expected resolution allow_once, got %q", got.Resolution)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("expected resolved_at %v, got %v", resolvedAt, got.ResolvedAt)
	}

	unresolved, err = s.ListUnresolved()
	if err != nil {
		t.Fatalf("ListUnresolved after resolve: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected 0 unresolved after resolve, got %d", len(unresolved))
	}
}

func TestGetUnknownIDReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing id, got %+v", got)
	}
}
