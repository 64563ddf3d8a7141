package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PendingCommand is the denormalized index counterpart of
// internal/denyretry's on-disk PendingCommand file. The file remains the
// authoritative record consulted during `safesh retry`; this row exists so
// a blocked-command history survives the file being deleted on resolution.
type PendingCommand struct {
	ID         string
	ScriptHash string
	Commands   []string
	Cwd        string
	CreatedAt  time.Time
	ResolvedAt *time.Time
	Resolution string
}

// RecordPending inserts a row when a BLOCK response is written.
func (s *Store) RecordPending(p *PendingCommand) error {
	commands, err := json.Marshal(p.Commands)
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO pending_commands (id, script_hash, commands, cwd, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.ScriptHash, string(commands), p.Cwd, p.CreatedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("record pending command: %w", err)
	}
	return nil
}

// Resolve marks a pending command row with the user's retry choice
// (deny|allow_once|allow_session|always_allow).
func (s *Store) Resolve(id, resolution string, resolvedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE pending_commands SET resolved_at = ?, resolution = ? WHERE id = ?`,
		resolvedAt.UTC().Format(timeFmt), resolution, id)
	if err != nil {
		return fmt.Errorf("resolve pending command: %w", err)
	}
	return nil
}

// Get fetches a single pending command by id.
func (s *Store) Get(id string) (*PendingCommand, error) {
	row := s.db.QueryRow(`SELECT id, script_hash, commands, cwd, created_at, resolved_at, resolution
		FROM pending_commands WHERE id = ?`, id)
	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListUnresolved returns every pending command with no recorded resolution.
func (s *Store) ListUnresolved() ([]*PendingCommand, error) {
	rows, err := s.db.Query(`SELECT id, script_hash, commands, cwd, created_at, resolved_at, resolution
		FROM pending_commands WHERE resolved_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list unresolved: %w", err)
	}
	defer rows.Close()

	var out []*PendingCommand
	for rows.Next() {
		p, err := scanPendingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(row scanner) (*PendingCommand, error) {
	return scanPendingGeneric(row)
}

func scanPendingRows(rows *sql.Rows) (*PendingCommand, error) {
	return scanPendingGeneric(rows)
}

func scanPendingGeneric(row scanner) (*PendingCommand, error) {
	p := &PendingCommand{}
	var commandsJSON, createdAt string
	var resolvedAt, resolution *string
	if err := row.Scan(&p.ID, &p.ScriptHash, &commandsJSON, &p.Cwd, &createdAt, &resolvedAt, &resolution); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(commandsJSON), &p.Commands); err != nil {
		return nil, fmt.Errorf("unmarshal commands: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.ResolvedAt = parseTimePtr(resolvedAt)
	if resolution != nil {
		p.Resolution = *resolution
	}
	return p, nil
}
