// Package executor materializes submitted code, spawns it under the
// OS-level sandbox with a preamble describing the session's policy, and
// parses the job/error markers the child writes to stderr.
//
// The "child subprocess" here is the Go toolchain itself — code is Go
// source using pkg/sdk, materialized into a temp module and run with
// `go run .`. pkg/sdk is the child-side runtime: it reads the preamble and
// re-runs the same policy checks in user space before the OS gets a
// chance to report a less-informative permission error.
package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"time"

	"github.com/safesh/safesh/internal/jobstore"
	"github.com/safesh/safesh/internal/policy"
	"github.com/safesh/safesh/internal/sandbox"
	"github.com/safesh/safesh/internal/session"
)

const (
	jobMarker       = "__SAFESH_JOB__:"
	cmdErrorMarker  = "__SAFESH_CMD_ERROR__:"
	initErrorMarker = "__SAFESH_INIT_ERROR__:"
)

// VFS defaults: the config schema has no author-facing knobs for
// max_size/max_files, so the Executor supplies fixed ceilings.
const (
	DefaultVFSPrefix   = "/@vfs/"
	DefaultVFSMaxSize  = 64 * 1024 * 1024
	DefaultVFSMaxFiles = 10000
)

// Preamble is the machine-to-machine contract injected as SAFESH_PREAMBLE
// (JSON) so pkg/sdk can self-check policy before touching the filesystem
// or spawning a process.
type Preamble struct {
	ProjectDir             string            `json:"project_dir"`
	AllowProjectCommands   bool              `json:"allow_project_commands"`
	AllowedCommands        []string          `json:"allowed_commands"`
	SessionAllowedCommands []string          `json:"session_allowed_commands"`
	Cwd                    string            `json:"cwd"`
	// Tasks is carried beyond the literal preamble field list so
	// pkg/sdk.Task(name) can resolve the `tasks` config key without a
	// second round trip to the host.
	Tasks map[string]string `json:"tasks,omitempty"`
	// ReadRoots/WriteRoots/Home let pkg/sdk re-run PathResolver
	// authorization in user space instead of relying solely on the
	// OS-level sandbox mounts to reject a bad path.
	ReadRoots    []string `json:"read_roots,omitempty"`
	WriteRoots   []string `json:"write_roots,omitempty"`
	Home         string   `json:"home,omitempty"`
	VFSPrefix    string   `json:"vfs_prefix,omitempty"`
	VFSMaxSize   int64    `json:"vfs_max_size,omitempty"`
	VFSMaxFiles  int64    `json:"vfs_max_files,omitempty"`
}

// JobMarker mirrors one __SAFESH_JOB__ line.
type JobMarker struct {
	Type        string   `json:"type"` // "start" | "end"
	ID          string   `json:"id"`
	ScriptID    string   `json:"scriptId"`
	ShellID     string   `json:"shellId"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	PID         int      `json:"pid"`
	StartedAt   string   `json:"startedAt,omitempty"`
	CompletedAt string   `json:"completedAt,omitempty"`
	Duration    *int64   `json:"duration,omitempty"`
	ExitCode    *int     `json:"exitCode,omitempty"`
}

// CmdErrorMarker mirrors one __SAFESH_CMD_ERROR__ line: a single blocked
// command discovered mid-run.
type CmdErrorMarker struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// InitErrorMarker mirrors one __SAFESH_INIT_ERROR__ line: the init batch
// discovered N blocked commands before running anything.
type InitErrorMarker struct {
	Type       string   `json:"type"`
	NotAllowed []string `json:"notAllowed"`
	NotFound   []string `json:"notFound"`
}

// RunResult is the Executor's return shape.
type RunResult struct {
	ScriptID        string
	ScriptHash      string
	Stdout          []byte
	Stderr          []byte
	ExitCode        int
	Jobs            []JobMarker
	BlockedCommands []string
	NotFound        []string
}

// Executor runs script code under a session's policy and sandbox.
type Executor struct {
	Policy  *policy.EffectivePolicy
	Sandbox sandbox.Sandbox
	ShellID string
	// ModRoot is the absolute path to this module's source, used as the
	// replace target in every materialized script's go.mod so `go run`
	// can resolve pkg/sdk without a network fetch.
	ModRoot string

	// Store is an optional denormalized audit trail. Session.jobs remains
	// the live source of truth; when Store is non-nil, every observed job
	// marker is additionally persisted here so history survives past the
	// session's lifetime.
	Store *jobstore.Store

	seq atomic.Int64
}

// New constructs an Executor bound to one session's policy and sandbox.
func New(pol *policy.EffectivePolicy, sb sandbox.Sandbox, shellID, modRoot string) *Executor {
	return &Executor{Policy: pol, Sandbox: sb, ShellID: shellID, ModRoot: modRoot}
}

// ScriptHash is the sha256 hex digest used to correlate a retried
// invocation with the PendingCommand it resolves.
func ScriptHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (e *Executor) nextScriptID() string {
	n := e.seq.Add(1)
	return fmt.Sprintf("script-%s-%d", e.ShellID, n)
}

// materialize writes code into a temp module directory whose go.mod
// replaces github.com/safesh/safesh with ModRoot, so `go run .` resolves
// pkg/sdk locally.
func (e *Executor) materialize(code string) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "safesh-script-")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { os.RemoveAll(dir) }

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(code), 0600); err != nil {
		cleanup()
		return "", nil, err
	}

	mod := fmt.Sprintf("module safesh-script\n\ngo 1.25.7\n\nrequire github.com/safesh/safesh v0.0.0\n\nreplace github.com/safesh/safesh => %s\n", e.ModRoot)
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(mod), 0600); err != nil {
		cleanup()
		return "", nil, err
	}
	return dir, cleanup, nil
}

func (e *Executor) buildPreamble(sess *session.Session) Preamble {
	tasks := make(map[string]string, len(e.Policy.Tasks))
	for name, t := range e.Policy.Tasks {
		tasks[name] = t.Cmd
	}
	return Preamble{
		ProjectDir:             e.Policy.ProjectDir,
		AllowProjectCommands:   e.Policy.AllowProjectCommands,
		AllowedCommands:        e.Policy.AllowedCommands,
		SessionAllowedCommands: e.Policy.SessionAllowedCommands(),
		Cwd:                    sess.Cwd,
		Tasks:                  tasks,
		ReadRoots:              e.Policy.ReadRoots,
		WriteRoots:             e.Policy.WriteRoots,
		Home:                   os.Getenv("HOME"),
		VFSPrefix:              DefaultVFSPrefix,
		VFSMaxSize:             DefaultVFSMaxSize,
		VFSMaxFiles:            DefaultVFSMaxFiles,
	}
}

// Run materializes and executes code under the session's policy/sandbox.
// Markers are parsed off stderr; JobMarker "start"/"end" pairs update
// sess's live JobRecords as a side effect, mirroring a job's lifecycle
// (born at JOB_START, closed at JOB_END).
func (e *Executor) Run(ctx context.Context, code string, sess *session.Session) (*RunResult, error) {
	scriptID := e.nextScriptID()
	hash := ScriptHash(code)

	dir, cleanup, err := e.materialize(code)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	preJSON, err := json.Marshal(e.buildPreamble(sess))
	if err != nil {
		return nil, err
	}

	cmd, err := e.Sandbox.Exec(ctx, "go", []string{"run", "."})
	if err != nil {
		return nil, err
	}
	cmd.Dir = dir
	cmd.Env = append(cmd.Env,
		"SAFESH_SCRIPT_ID="+scriptID,
		"SAFESH_SHELL_ID="+e.ShellID,
		"SAFESH_SCRIPT_HASH="+hash,
		"SAFESH_PREAMBLE="+string(preJSON),
	)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	if pid := 0; cmd.Process != nil {
		pid = cmd.Process.Pid
		if pid > 0 {
			_ = e.Sandbox.PostStart(pid)
		}
	}

	result := &RunResult{ScriptID: scriptID, ScriptHash: hash}
	result.Stdout = stdoutBuf.Bytes()
	result.Stderr, result.Jobs, result.BlockedCommands, result.NotFound = e.parseMarkers(stderrBuf.Bytes(), sess)

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	} else if runErr != nil {
		result.ExitCode = 1
	}

	return result, nil
}

// parseMarkers scans stderr line by line. A marker MUST be the first
// characters on its line; any other line (including one that
// merely contains a marker string mid-line) is passed through verbatim in
// the returned stderr remainder.
func (e *Executor) parseMarkers(stderr []byte, sess *session.Session) (remainder []byte, jobs []JobMarker, blocked []string, notFound []string) {
	lines := strings.Split(string(stderr), "\n")
	var kept []string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, jobMarker):
			var jm JobMarker
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, jobMarker)), &jm); err == nil {
				jobs = append(jobs, jm)
				applyJobMarker(sess, jm)
				e.persistJobMarker(jm)
				continue
			}
		case strings.HasPrefix(line, cmdErrorMarker):
			var ce CmdErrorMarker
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, cmdErrorMarker)), &ce); err == nil {
				blocked = append(blocked, ce.Command)
				continue
			}
		case strings.HasPrefix(line, initErrorMarker):
			var ie InitErrorMarker
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, initErrorMarker)), &ie); err == nil {
				blocked = append(blocked, ie.NotAllowed...)
				notFound = append(notFound, ie.NotFound...)
				continue
			}
		}
		kept = append(kept, line)
	}
	return []byte(strings.Join(kept, "\n")), jobs, blocked, notFound
}

func applyJobMarker(sess *session.Session, jm JobMarker) {
	if sess == nil {
		return
	}
	switch jm.Type {
	case "start":
		sess.StartJob(jm.ID, jm.ScriptID, jm.Command, jm.Args, jm.PID, func() {})
	case "end":
		code := 0
		if jm.ExitCode != nil {
			code = *jm.ExitCode
		}
		sess.FinishJob(jm.ID, code, session.StatusFinished)
	}
}

// persistJobMarker appends the observed marker to the optional denormalized
// JobStore index. A nil Store, or a write failure, is
// silently skipped: the in-memory Session and the JobStore are best-effort
// mirrors of each other, never the other way around.
func (e *Executor) persistJobMarker(jm JobMarker) {
	if e.Store == nil {
		return
	}
	switch jm.Type {
	case "start":
		started := parseMarkerTime(jm.StartedAt)
		_ = e.Store.RecordStart(&jobstore.Job{
			ID:        jm.ID,
			ScriptID:  jm.ScriptID,
			ShellID:   jm.ShellID,
			Command:   jm.Command,
			Args:      jm.Args,
			PID:       jm.PID,
			Status:    string(session.StatusRunning),
			StartedAt: started,
		})
	case "end":
		code := 0
		if jm.ExitCode != nil {
			code = *jm.ExitCode
		}
		dur := int64(0)
		if jm.Duration != nil {
			dur = *jm.Duration
		}
		completed := parseMarkerTime(jm.CompletedAt)
		_ = e.Store.RecordEnd(jm.ID, jm.ScriptID, string(session.StatusFinished), code, completed, dur)
	}
}

func parseMarkerTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now()
	}
	return t
}
