// Command safesh wires together the core (policy, session, sandbox,
// executor, deny-retry) into a minimal host. It is not the transport a
// real host speaks to the core over — that's RPC/stdio framing of the
// host's own choosing; this binary exists so the core is runnable and
// demoable from a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/safesh/safesh/internal/denyretry"
	"github.com/safesh/safesh/internal/errs"
	"github.com/safesh/safesh/internal/executor"
	"github.com/safesh/safesh/internal/jobstore"
	"github.com/safesh/safesh/internal/logger"
	"github.com/safesh/safesh/internal/policy"
	"github.com/safesh/safesh/internal/runner"
	"github.com/safesh/safesh/internal/sandbox"
	"github.com/safesh/safesh/internal/session"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

func main() {
	// The Linux sandbox re-execs this binary as "_deny_init <flags> -- CMD"
	// to set up deny mounts and seccomp before starting the script process.
	if len(os.Args) > 1 && os.Args[1] == "_deny_init" {
		sandbox.DenyInit(os.Args[2:])
		return
	}

	root := &cobra.Command{
		Use:   "safesh",
		Short: "Secure shell-replacement runtime for AI-driven code execution",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "project policy file (defaults to ./safesh.yaml)")
	root.PersistentFlags().StringVar(&dbPath, "db", "safesh.db", "JobStore database path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")

	root.AddCommand(newRunCmd(), newRetryCmd(), newExecCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var shellID string
	cmd := &cobra.Command{
		Use:   "run <script.go>",
		Short: "Execute a pkg/sdk script under the current policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, ""); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			return runScript(cmd.Context(), string(code), shellID)
		},
	}
	cmd.Flags().StringVar(&shellID, "shell-id", "default", "shell identifier correlating markers to a running session")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var id, choiceFlag string
	var scriptHash string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Resolve a pending blocked command",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(id, choiceFlag, scriptHash)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "script id from the BLOCKED prompt")
	cmd.Flags().StringVar(&choiceFlag, "choice", "", "1=allow_once 2=always_allow 3=allow_session 4=deny")
	cmd.Flags().StringVar(&scriptHash, "script-hash", "", "script hash echoed with the retried invocation")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("choice")
	return cmd
}

func newExecCmd() *cobra.Command {
	var mergeStreams bool
	var timeoutMS int64
	cmd := &cobra.Command{
		Use:   "exec -- <command> [args...]",
		Short: "Run a single command directly under policy and sandbox (CommandRunner)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, ""); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return runExec(cmd.Context(), args[0], args[1:], mergeStreams, timeoutMS)
		},
	}
	cmd.Flags().BoolVar(&mergeStreams, "merge-streams", false, "combine stderr into stdout, preserving arrival order")
	cmd.Flags().Int64Var(&timeoutMS, "timeout-ms", 0, "override the policy's default timeout")
	return cmd
}

func loadPolicy(cwd string) (*policy.EffectivePolicy, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}

	// Layer 1 is always the builtin/preset baseline — global and
	// project layers merge ON TOP of it, they never replace it.
	layers := []policy.Layer{
		{Source: "builtin", Doc: policy.Document{Preset: policy.PresetStandard}},
	}

	globalPath := filepath.Join(home, ".config", "safesh", "config.yaml")
	if data, err := os.ReadFile(globalPath); err == nil {
		doc, err := policy.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", globalPath, err)
		}
		layers = append(layers, policy.Layer{Source: globalPath, Doc: *doc})
	}

	projectPath := configPath
	if projectPath == "" {
		projectPath = filepath.Join(cwd, "safesh.yaml")
	}
	if data, err := os.ReadFile(projectPath); err == nil {
		doc, err := policy.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", projectPath, err)
		}
		layers = append(layers, policy.Layer{Source: projectPath, Doc: *doc})
	}

	store := policy.New(home)
	return store.Load(layers, cwd)
}

func runScript(ctx context.Context, code, shellID string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	pol, err := loadPolicy(cwd)
	if err != nil {
		return err
	}

	cfg := sandbox.FromPolicy(pol.ReadRoots, pol.WriteRoots, pol.NetTargets, pol.TimeoutMS)
	sb, err := sandbox.New(cfg)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	defer sb.Destroy()

	store, err := jobstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()

	modRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	exec := executor.New(pol, sb, shellID, modRoot)
	exec.Store = store

	sess := session.New(pol, cwd)
	defer sess.End()

	result, err := exec.Run(ctx, code, sess)
	if err != nil {
		return fmt.Errorf("run script: %w", err)
	}

	os.Stdout.Write(result.Stdout)
	os.Stderr.Write(result.Stderr)

	if len(result.BlockedCommands) > 0 {
		pendingDir := filepath.Join(os.TempDir(), "safesh-pending")
		pendingStore, err := denyretry.NewStore(pendingDir)
		if err != nil {
			return fmt.Errorf("open pending store: %w", err)
		}
		proto := denyretry.New(pendingStore)
		proto.Index = store
		prompt, err := proto.Block(result.ScriptID, result.ScriptHash, result.BlockedCommands, cwd)
		if err != nil {
			return fmt.Errorf("record blocked script: %w", err)
		}
		fmt.Fprintln(os.Stderr, prompt)
		return nil
	}

	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

// runExec serves CommandRunner directly, for callers that
// want one command checked and spawned without writing a pkg/sdk script —
// the same policy/sandbox path executor.Run's child process takes, minus
// the Go-toolchain materialization step.
func runExec(ctx context.Context, name string, args []string, mergeStreams bool, timeoutMS int64) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	pol, err := loadPolicy(cwd)
	if err != nil {
		return err
	}

	cfg := sandbox.FromPolicy(pol.ReadRoots, pol.WriteRoots, pol.NetTargets, pol.TimeoutMS)
	sb, err := sandbox.New(cfg)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	defer sb.Destroy()

	r := runner.New(pol, sb)
	res, err := r.Exec(ctx, name, args, runner.Options{
		Cwd:          cwd,
		MergeStreams: mergeStreams,
		TimeoutMS:    timeoutMS,
	})
	if err != nil {
		return err
	}

	if mergeStreams {
		os.Stdout.Write(res.Output)
	} else {
		os.Stdout.Write(res.Stdout)
		os.Stderr.Write(res.Stderr)
	}
	if !res.Success {
		os.Exit(res.Code)
	}
	return nil
}

func runRetry(id, choiceFlag, scriptHash string) error {
	choiceNum := 0
	if _, err := fmt.Sscanf(choiceFlag, "%d", &choiceNum); err != nil {
		return fmt.Errorf("invalid --choice: %w", err)
	}
	choice := denyretry.Choice(choiceNum)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	pol, err := loadPolicy(cwd)
	if err != nil {
		return err
	}

	pendingDir := filepath.Join(os.TempDir(), "safesh-pending")
	pendingStore, err := denyretry.NewStore(pendingDir)
	if err != nil {
		return fmt.Errorf("open pending store: %w", err)
	}
	store, err := jobstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()

	proto := denyretry.New(pendingStore)
	proto.Index = store

	res, err := proto.Retry(id, choice, scriptHash, pol, nil)
	if err != nil {
		var stale *errs.StalePending
		if errors.As(err, &stale) {
			return fmt.Errorf("pending script %s is stale, re-submit the script before retrying", stale.ID)
		}
		return err
	}

	if res.Denied {
		fmt.Printf("denied: %v\n", res.Commands)
		return nil
	}
	fmt.Printf("allowed: %v (once=%v)\n", res.Commands, res.Once)
	return nil
}
