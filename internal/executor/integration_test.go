package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/safesh/safesh/internal/policy"
	"github.com/safesh/safesh/internal/session"
)

// passthroughSandbox runs commands with no isolation. It exists only so
// this test can exercise a real `go run .` without depending on namespaces,
// seccomp, or Apple Containers being available on the machine running it —
// the same role internal/sandbox's own fallbackSandbox plays for its tests.
type passthroughSandbox struct{}

func (passthroughSandbox) Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, name, args...), nil
}
func (passthroughSandbox) PostStart(pid int) error { return nil }
func (passthroughSandbox) Destroy() error          { return nil }

// script is a minimal pkg/sdk consumer: it initializes, runs "echo hi"
// through the typed Command builder, and exits 0 only if the command
// succeeded and produced the expected stdout.
const script = `package main

import (
	"context"
	"os"
	"strings"

	"github.com/safesh/safesh/pkg/sdk"
)

func main() {
	rt, err := sdk.Init()
	if err != nil {
		os.Exit(2)
	}
	res, err := rt.Command("echo").Arg("hi").Exec(context.Background())
	if err != nil || !res.Success {
		os.Exit(3)
	}
	if !strings.Contains(string(res.Stdout), "hi") {
		os.Exit(4)
	}
}
`

func TestRunEndToEndRoundTripsJobMarkers(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	modRoot, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	// This test lives in internal/executor; the module root is two
	// directories up.
	modRoot = filepath.Join(modRoot, "..", "..")

	pol := &policy.EffectivePolicy{
		AllowedCommands: []string{"echo"},
		ReadRoots:       []string{os.TempDir()},
		WriteRoots:      []string{os.TempDir()},
		TimeoutMS:       10000,
	}

	e := New(pol, passthroughSandbox{}, "shell1", modRoot)
	sess := session.New(pol, os.TempDir())
	defer sess.End()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := e.Run(ctx, script, sess)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d; stderr=%s", result.ExitCode, result.Stderr)
	}
	if len(result.BlockedCommands) != 0 {
		t.Fatalf("expected no blocked commands, got %v", result.BlockedCommands)
	}

	var starts, ends int
	for _, j := range result.Jobs {
		switch j.Type {
		case "start":
			starts++
			if j.Command != "echo" {
				t.Fatalf("expected start marker for echo, got %q", j.Command)
			}
		case "end":
			ends++
			if j.ExitCode == nil || *j.ExitCode != 0 {
				t.Fatalf("expected end marker with exit code 0, got %v", j.ExitCode)
			}
		}
	}
	if starts != 1 || ends != 1 {
		t.Fatalf("expected exactly one start/end pair, got starts=%d ends=%d", starts, ends)
	}
}
