package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Job is the persisted shape of a session.JobRecord, keyed by (id,
// script_id) so distinct scripts can reuse a job id without colliding.
type Job struct {
	ID          string
	ScriptID    string
	ShellID     string
	Command     string
	Args        []string
	PID         int
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	ExitCode    *int
	DurationMS  *int64
}

// RecordStart inserts a job row at its JOB_START marker.
func (s *Store) RecordStart(j *Job) error {
	args, err := json.Marshal(j.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO jobs (id, script_id, shell_id, command, args, pid, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ScriptID, j.ShellID, j.Command, string(args), j.PID, j.Status, j.StartedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("record job start: %w", err)
	}
	return nil
}

// RecordEnd updates a job row at its JOB_END marker (or session end).
func (s *Store) RecordEnd(id, scriptID, status string, exitCode int, completedAt time.Time, durationMS int64) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, exit_code = ?, completed_at = ?, duration_ms = ?
		WHERE id = ? AND script_id = ?`,
		status, exitCode, completedAt.UTC().Format(timeFmt), durationMS, id, scriptID)
	if err != nil {
		return fmt.Errorf("record job end: %w", err)
	}
	return nil
}

// ListByScript returns every job recorded for one script invocation.
func (s *Store) ListByScript(scriptID string) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT id, script_id, shell_id, command, args, pid, status, started_at, completed_at, exit_code, duration_ms
		FROM jobs WHERE script_id = ? ORDER BY started_at`, scriptID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by script: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListRecent returns the n most recently started jobs across all scripts.
func (s *Store) ListRecent(n int) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT id, script_id, shell_id, command, args, pid, status, started_at, completed_at, exit_code, duration_ms
		FROM jobs ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		var argsJSON, startedAt string
		var completedAt *string
		if err := rows.Scan(&j.ID, &j.ScriptID, &j.ShellID, &j.Command, &argsJSON, &j.PID, &j.Status,
			&startedAt, &completedAt, &j.ExitCode, &j.DurationMS); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(argsJSON), &j.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
		j.StartedAt = parseTime(startedAt)
		j.CompletedAt = parseTimePtr(completedAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeFmt, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	if t.IsZero() {
		return nil
	}
	return &t
}
