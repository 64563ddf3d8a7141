// Package sdk is the runtime a materialized script imports: it reads the
// Executor's preamble and re-runs the same policy checks in user space
// before the OS gets a chance to report a less-informative permission
// error.
//
// A script calls sdk.Init() once, then builds commands only through the
// returned *Runtime — there is no raw-string Command constructor that
// bypasses the preamble load.
package sdk

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/safesh/safesh/internal/cmdpolicy"
	"github.com/safesh/safesh/internal/errs"
	"github.com/safesh/safesh/internal/hostfs"
	"github.com/safesh/safesh/internal/pathresolve"
	"github.com/safesh/safesh/internal/policy"
	"github.com/safesh/safesh/internal/vfs"
)

const (
	jobMarker       = "__SAFESH_JOB__:"
	cmdErrorMarker  = "__SAFESH_CMD_ERROR__:"
	initErrorMarker = "__SAFESH_INIT_ERROR__:"
)

// preamble mirrors internal/executor.Preamble's JSON shape. Duplicated
// rather than imported: pkg/sdk is compiled into the child binary and must
// not depend on internal/executor or internal/session, only the narrow
// policy/cmdpolicy pieces it needs to re-run the check.
type preamble struct {
	ProjectDir             string            `json:"project_dir"`
	AllowProjectCommands   bool              `json:"allow_project_commands"`
	AllowedCommands        []string          `json:"allowed_commands"`
	SessionAllowedCommands []string          `json:"session_allowed_commands"`
	Cwd                    string            `json:"cwd"`
	Tasks                  map[string]string `json:"tasks,omitempty"`
	ReadRoots              []string          `json:"read_roots,omitempty"`
	WriteRoots             []string          `json:"write_roots,omitempty"`
	Home                   string            `json:"home,omitempty"`
	VFSPrefix              string            `json:"vfs_prefix,omitempty"`
	VFSMaxSize             int64             `json:"vfs_max_size,omitempty"`
	VFSMaxFiles            int64             `json:"vfs_max_files,omitempty"`
}

// Runtime is the capability a script holds after Init: a resolved policy
// view plus the identifiers the Executor needs to correlate markers back
// to this invocation.
type Runtime struct {
	ScriptID   string
	ShellID    string
	ScriptHash string
	Cwd        string

	// Fs is the HostFsInterceptor dispatcher: VFS-prefixed paths go to
	// the in-memory filesystem, everything else through PathResolver
	// authorization against ReadRoots/WriteRoots.
	Fs *hostfs.FsDispatcher

	tasks  map[string]string
	policy *policy.EffectivePolicy
}

// Init reads SAFESH_SCRIPT_ID, SAFESH_SHELL_ID, SAFESH_SCRIPT_HASH, and
// SAFESH_PREAMBLE from the environment.
func Init() (*Runtime, error) {
	raw := os.Getenv("SAFESH_PREAMBLE")
	var pre preamble
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &pre); err != nil {
			return nil, fmt.Errorf("sdk: invalid SAFESH_PREAMBLE: %w", err)
		}
	}

	pol := &policy.EffectivePolicy{
		AllowedCommands:      pre.AllowedCommands,
		ProjectDir:           pre.ProjectDir,
		AllowProjectCommands: pre.AllowProjectCommands,
		ReadRoots:            pre.ReadRoots,
		WriteRoots:           pre.WriteRoots,
	}
	for _, cmd := range pre.SessionAllowedCommands {
		pol.AllowSession(cmd)
	}

	prefix := pre.VFSPrefix
	if prefix == "" {
		prefix = "/@vfs/"
	}
	vfsLimits := vfs.Limits{MaxSize: pre.VFSMaxSize, MaxFiles: pre.VFSMaxFiles}
	dispatcher := hostfs.New(prefix, vfs.New(vfsLimits), pathresolve.New(pre.Home), pol, pre.Cwd)

	return &Runtime{
		ScriptID:   os.Getenv("SAFESH_SCRIPT_ID"),
		ShellID:    os.Getenv("SAFESH_SHELL_ID"),
		ScriptHash: os.Getenv("SAFESH_SCRIPT_HASH"),
		Cwd:        pre.Cwd,
		Fs:         dispatcher,
		tasks:      pre.Tasks,
		policy:     pol,
	}, nil
}

// InitCommands batch-checks a set of command references before any of them
// run, mirroring the child's "init" call describes: if any are
// blocked, a single __SAFESH_INIT_ERROR__ marker reports the full set
// (split into not-allowed vs not-found) instead of failing one at a time.
func (rt *Runtime) InitCommands(cmdRefs ...string) error {
	var notAllowed, notFound []string
	for _, ref := range cmdRefs {
		if _, err := cmdpolicy.Check(ref, rt.policy, rt.Cwd); err != nil {
			switch err.(type) {
			case *errs.CommandNotFound:
				notFound = append(notFound, ref)
			default:
				notAllowed = append(notAllowed, ref)
			}
		}
	}
	if len(notAllowed) == 0 && len(notFound) == 0 {
		return nil
	}
	emitMarker(initErrorMarker, map[string]any{
		"type":       "COMMANDS_BLOCKED",
		"notAllowed": notAllowed,
		"notFound":   notFound,
	})
	return fmt.Errorf("sdk: commands blocked: notAllowed=%v notFound=%v", notAllowed, notFound)
}

// Task resolves a config `tasks` entry to a pre-authorized Command. No
// argument substitution beyond the placeholders a command line already
// supports; the cmd string is checked exactly like any other command
// reference, it is simply already known to be allowed by construction.
func (rt *Runtime) Task(name string) (*Command, error) {
	cmdLine, ok := rt.tasks[name]
	if !ok {
		return nil, fmt.Errorf("sdk: no task named %q", name)
	}
	parts := splitFields(cmdLine)
	if len(parts) == 0 {
		return nil, fmt.Errorf("sdk: task %q has an empty cmd", name)
	}
	c := rt.Command(parts[0])
	if len(parts) > 1 {
		c.Arg(parts[1:]...)
	}
	return c, nil
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

func emitMarker(prefix string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, prefix+string(data))
}

func newJobID(shellID string) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return "job-" + shellID + "-" + hex.EncodeToString(buf)
}

