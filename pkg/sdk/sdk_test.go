package sdk

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func setPreamble(t *testing.T, pre preamble) {
	t.Helper()
	data, err := json.Marshal(pre)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("SAFESH_PREAMBLE", string(data))
	t.Setenv("SAFESH_SCRIPT_ID", "script-test-1")
	t.Setenv("SAFESH_SHELL_ID", "shell1")
	t.Setenv("SAFESH_SCRIPT_HASH", "hash1")
}

func TestInitReadsEnvAndBuildsRuntime(t *testing.T) {
	dir := t.TempDir()
	setPreamble(t, preamble{
		AllowedCommands: []string{"echo"},
		Cwd:             dir,
		ReadRoots:       []string{dir},
		WriteRoots:      []string{dir},
		Home:            dir,
	})

	rt, err := Init()
	if err != nil {
		t.Fatal(err)
	}
	if rt.ScriptID != "script-test-1" || rt.ShellID != "shell1" || rt.ScriptHash != "hash1" {
		t.Fatalf("got %+v", rt)
	}
	if rt.Cwd != dir {
		t.Fatalf("got cwd %q", rt.Cwd)
	}
	if rt.Fs == nil {
		t.Fatal("expected Fs dispatcher to be constructed")
	}
}

func TestCommandDeniedEmitsMarkerAndErrorsOnExec(t *testing.T) {
	setPreamble(t, preamble{AllowedCommands: []string{"echo"}, Cwd: t.TempDir()})
	rt, err := Init()
	if err != nil {
		t.Fatal(err)
	}

	r, w, _ := os.Pipe()
	origStderr := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = origStderr }()

	c := rt.Command("rm")
	w.Close()
	os.Stderr = origStderr
	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	captured := string(buf[:n])

	if !strings.HasPrefix(captured, cmdErrorMarker) {
		t.Fatalf("expected cmd error marker emitted, got %q", captured)
	}
	if !strings.Contains(captured, `"command":"rm"`) {
		t.Fatalf("expected command name in marker, got %q", captured)
	}

	_, execErr := c.Exec(context.Background())
	if execErr == nil {
		t.Fatal("expected Exec to surface the check error for a denied command")
	}
}

func TestCommandAllowedExecutesAndReturnsOutput(t *testing.T) {
	setPreamble(t, preamble{AllowedCommands: []string{"echo"}, Cwd: t.TempDir()})
	rt, err := Init()
	if err != nil {
		t.Fatal(err)
	}

	devNull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	origStderr := os.Stderr
	os.Stderr = devNull
	defer func() { os.Stderr = origStderr }()

	res, err := rt.Command("echo").Arg("hello").Exec(context.Background())
	os.Stderr = origStderr
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || strings.TrimSpace(string(res.Stdout)) != "hello" {
		t.Fatalf("got %+v", res)
	}
}

func TestPipeFeedsUpstreamStdoutAsDownstreamStdin(t *testing.T) {
	setPreamble(t, preamble{AllowedCommands: []string{"echo", "cat"}, Cwd: t.TempDir()})
	rt, err := Init()
	if err != nil {
		t.Fatal(err)
	}
	devNull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	origStderr := os.Stderr
	os.Stderr = devNull
	defer func() { os.Stderr = origStderr }()

	upstream := rt.Command("echo").Arg("piped")
	downstream := upstream.Pipe(rt.Command("cat"))
	res, err := downstream.Exec(context.Background())
	os.Stderr = origStderr
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "piped" {
		t.Fatalf("got %q", res.Stdout)
	}
}

func TestTaskResolvesConfiguredCommand(t *testing.T) {
	pre := preamble{
		AllowedCommands: []string{"echo"},
		Cwd:             t.TempDir(),
		Tasks:           map[string]string{"hello": "echo hi there"},
	}
	setPreamble(t, pre)
	rt, err := Init()
	if err != nil {
		t.Fatal(err)
	}
	c, err := rt.Task("hello")
	if err != nil {
		t.Fatal(err)
	}
	if c.name != "echo" || len(c.args) != 2 || c.args[0] != "hi" || c.args[1] != "there" {
		t.Fatalf("got name=%q args=%v", c.name, c.args)
	}
}

func TestTaskUnknownNameErrors(t *testing.T) {
	setPreamble(t, preamble{Cwd: t.TempDir()})
	rt, err := Init()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Task("missing"); err == nil {
		t.Fatal("expected error for unknown task name")
	}
}

func TestInitCommandsBatchReportsBlocked(t *testing.T) {
	setPreamble(t, preamble{AllowedCommands: []string{"echo"}, Cwd: t.TempDir()})
	rt, err := Init()
	if err != nil {
		t.Fatal(err)
	}

	devNull, _ := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	origStderr := os.Stderr
	os.Stderr = devNull
	defer func() { os.Stderr = origStderr }()

	err = rt.InitCommands("echo", "curl")
	os.Stderr = origStderr
	if err == nil {
		t.Fatal("expected error since curl is not allowed")
	}
}
