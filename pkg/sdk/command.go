package sdk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/safesh/safesh/internal/cmdpolicy"
	"github.com/safesh/safesh/internal/errs"
)

// Result is a command's outcome — a plain record, not a ShellString
// subclass.
type Result struct {
	Stdout  []byte
	Stderr  []byte
	Output  []byte
	Code    int
	Success bool
}

// Command is the typed builder a script uses in place of a shell's
// heterogeneous `cmd(opts, ...args)` overloads.
type Command struct {
	rt   *Runtime
	name string

	resolved string
	checkErr error

	args         []string
	cwd          string
	env          map[string]string
	clearEnv     bool
	stdin        []byte
	mergeStreams bool
	timeoutMS    int64
	upstream     *Command
}

// Command constructs a builder for name, running the CommandPolicy check
// immediately. A denial emits a __SAFESH_CMD_ERROR__ marker right away so
// the parent sees it even if the script never calls Exec.
func (rt *Runtime) Command(name string) *Command {
	c := &Command{rt: rt, name: name, cwd: rt.Cwd}
	dec, err := cmdpolicy.Check(name, rt.policy, rt.Cwd)
	if err != nil {
		c.checkErr = err
		if _, ok := err.(*errs.CommandNotAllowed); ok {
			emitMarker(cmdErrorMarker, map[string]any{
				"type":    "COMMAND_NOT_ALLOWED",
				"command": name,
			})
		}
		return c
	}
	c.resolved = dec.Resolved
	return c
}

// Arg appends argv entries.
func (c *Command) Arg(args ...string) *Command {
	c.args = append(c.args, args...)
	return c
}

// Cwd overrides the working directory for this command only.
func (c *Command) Cwd(dir string) *Command {
	c.cwd = dir
	return c
}

// Env sets a single explicit environment override.
func (c *Command) Env(name, value string) *Command {
	if c.env == nil {
		c.env = make(map[string]string)
	}
	c.env[name] = value
	return c
}

// ClearEnv drops the inherited environment, keeping only values set via Env.
func (c *Command) ClearEnv() *Command {
	c.clearEnv = true
	return c
}

// StdinStr seeds stdin from a string, in place of a `str("..").pipe("sort")`
// heredoc idiom.
func (c *Command) StdinStr(s string) *Command {
	c.stdin = []byte(s)
	return c
}

// StdinBytes seeds stdin from raw bytes.
func (c *Command) StdinBytes(b []byte) *Command {
	c.stdin = b
	return c
}

// MergeStreams combines stderr into stdout, preserving arrival order.
func (c *Command) MergeStreams() *Command {
	c.mergeStreams = true
	return c
}

// Timeout sets a per-command hard ceiling in milliseconds.
func (c *Command) Timeout(ms int64) *Command {
	c.timeoutMS = ms
	return c
}

// Pipe records next as downstream of c: next's stdin becomes c's collected
// stdout once c finishes, and c must succeed before next is spawned at all.
func (c *Command) Pipe(next *Command) *Command {
	next.upstream = c
	return next
}

// Exec runs the command (and any upstream pipeline stages) to completion.
func (c *Command) Exec(ctx context.Context) (Result, error) {
	if c.upstream != nil {
		upRes, err := c.upstream.Exec(ctx)
		if err != nil {
			return upRes, err
		}
		if !upRes.Success {
			return upRes, fmt.Errorf("sdk: pipeline stopped: upstream %q exited %d", c.upstream.name, upRes.Code)
		}
		c.stdin = upRes.Stdout
		if c.upstream.mergeStreams {
			c.stdin = upRes.Output
		}
	}

	if c.checkErr != nil {
		return Result{}, c.checkErr
	}

	timeout := time.Duration(c.timeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.resolved, c.args...)
	cmd.Dir = c.cwd
	cmd.Env = buildChildEnv(c.clearEnv, c.env)
	if len(c.stdin) > 0 {
		cmd.Stdin = bytes.NewReader(c.stdin)
	}

	var stdoutBuf, stderrBuf, mergedBuf bytes.Buffer
	if c.mergeStreams {
		cmd.Stdout = &mergedBuf
		cmd.Stderr = &mergedBuf
	} else {
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf
	}

	jobID := newJobID(c.rt.ShellID)
	startedAt := time.Now()
	emitMarker(jobMarker, map[string]any{
		"type":      "start",
		"id":        jobID,
		"scriptId":  c.rt.ScriptID,
		"shellId":   c.rt.ShellID,
		"command":   c.name,
		"args":      c.args,
		"startedAt": startedAt.Format(time.RFC3339Nano),
	})

	runErr := cmd.Run()
	if runCtx.Err() != nil {
		res := Result{Code: 124, Success: false}
		emitJobEnd(jobID, c.rt, res.Code, startedAt)
		return res, &errs.TimeoutExceeded{TimeoutMS: c.timeoutMS}
	}

	res := Result{}
	if c.mergeStreams {
		res.Output = mergedBuf.Bytes()
	} else {
		res.Stdout = stdoutBuf.Bytes()
		res.Stderr = stderrBuf.Bytes()
	}
	if cmd.ProcessState != nil {
		res.Code = cmd.ProcessState.ExitCode()
	} else if runErr != nil {
		res.Code = 1
	}
	res.Success = res.Code == 0

	emitJobEnd(jobID, c.rt, res.Code, startedAt)
	return res, nil
}

func emitJobEnd(jobID string, rt *Runtime, code int, startedAt time.Time) {
	dur := time.Since(startedAt).Milliseconds()
	emitMarker(jobMarker, map[string]any{
		"type":        "end",
		"id":          jobID,
		"scriptId":    rt.ScriptID,
		"shellId":     rt.ShellID,
		"completedAt": time.Now().Format(time.RFC3339Nano),
		"duration":    dur,
		"exitCode":    code,
	})
}

func buildChildEnv(clearEnv bool, overrides map[string]string) []string {
	var out []string
	if !clearEnv {
		out = append(out, os.Environ()...)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
