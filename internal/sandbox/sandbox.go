package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Sandbox provides isolated execution of commands.
type Sandbox interface {
	Exec(ctx context.Context, name string, args []string) (*exec.Cmd, error)
	PostStart(pid int) error // apply rlimits etc. after process starts
	Destroy() error
}

// Mount describes a filesystem mount for the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// NetworkNeed classifies how much network reachability a sandboxed process
// requires, derived from permissions.net (EffectivePolicy.NetTargets) via
// NetworkNeedFromDomains.
type NetworkNeed int

const (
	NetworkNone  NetworkNeed = iota // permissions.net is empty
	NetworkLocal                    // permissions.net names only loopback targets
	NetworkHTTPS                    // permissions.net names specific hosts
	NetworkFull                     // permissions.net contains "*"
)

// NetworkNeedFromDomains classifies a permissions.net list into the
// narrowest NetworkNeed that can satisfy it.
func NetworkNeedFromDomains(domains []string) NetworkNeed {
	if len(domains) == 0 {
		return NetworkNone
	}
	allLocal := true
	for _, d := range domains {
		if d == "*" {
			return NetworkFull
		}
		if d != "localhost" && d != "127.0.0.1" && d != "::1" {
			allLocal = false
		}
	}
	if allLocal {
		return NetworkLocal
	}
	return NetworkHTTPS
}

// Config holds sandbox creation parameters, derived at spawn time from a
// session's EffectivePolicy (read/write roots, net targets, timeout).
type Config struct {
	Isolation   Level
	Mounts      []Mount
	Deny        []string // paths masked entirely (e.g. ~/.ssh)
	DenyWrite   []string // paths mounted read-only even though they are readable
	NetworkNeed NetworkNeed
	NetTargets  []string // raw permissions.net entries, for DomainProxy allowlisting
	Timeout     time.Duration
	CPULimit    time.Duration // RLIMIT_CPU (0 = backend default)
	MemLimit    uint64        // RLIMIT_AS in bytes (0 = backend default)
	MaxFDs      uint32        // RLIMIT_NOFILE (0 = backend default)
}

// FromPolicy builds a sandbox Config from a session's effective policy:
// every write root becomes a writable mount, every read root a read-only
// mount, permissions.net decides NetworkNeed, and timeout_ms becomes the
// wrapper's wall-clock Timeout.
func FromPolicy(readRoots, writeRoots, netTargets []string, timeoutMS int64) Config {
	mounts := make([]Mount, 0, len(readRoots)+len(writeRoots))
	writable := make(map[string]bool, len(writeRoots))
	for _, w := range writeRoots {
		writable[w] = true
		mounts = append(mounts, Mount{Source: w, Target: w, ReadOnly: false})
	}
	for _, r := range readRoots {
		if writable[r] {
			continue
		}
		mounts = append(mounts, Mount{Source: r, Target: r, ReadOnly: true})
	}
	return Config{
		Isolation:   isolationFromNetwork(NetworkNeedFromDomains(netTargets)),
		Mounts:      mounts,
		NetworkNeed: NetworkNeedFromDomains(netTargets),
		NetTargets:  netTargets,
		Timeout:     time.Duration(timeoutMS) * time.Millisecond,
	}
}

func isolationFromNetwork(need NetworkNeed) Level {
	if need == NetworkNone {
		return Strict
	}
	if need == NetworkFull {
		return Privileged
	}
	return Network
}

// EnforcementError is returned when the system cannot enforce the requested sandbox config.
type EnforcementError struct {
	Gaps     []string
	Platform string
}

func (e *EnforcementError) Error() string {
	msg := "system incapable of enforcing: " + strings.Join(e.Gaps, ", ")
	if e.Platform != "" {
		msg += ". " + e.Platform
	}
	return msg
}

// New creates a platform-appropriate sandbox. Returns EnforcementError if the
// platform cannot enforce the requested isolation â€” no silent fallback.
func New(cfg Config) (Sandbox, error) {
	s, err := newPlatform(cfg)
	if err == nil {
		return s, nil
	}
	return nil, newEnforcementError(cfg, err)
}

func newEnforcementError(cfg Config, platformErr error) *EnforcementError {
	var gaps []string
	switch cfg.Isolation {
	case Strict, Standard:
		gaps = append(gaps, "network isolation")
	}
	gaps = append(gaps, "filesystem isolation")
	if len(cfg.Deny) > 0 {
		gaps = append(gaps, fmt.Sprintf("deny paths (%d)", len(cfg.Deny)))
	}
	if cfg.CPULimit > 0 || cfg.MemLimit > 0 || cfg.MaxFDs > 0 {
		gaps = append(gaps, "resource limits")
	}
	return &EnforcementError{
		Gaps:     gaps,
		Platform: platformHelp(),
	}
}

func platformHelp() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS: requires Apple Containers (macOS 26+, 'container' CLI)"
	case "linux":
		return "Linux: requires root or CAP_SYS_ADMIN (try: sudo setcap cap_sys_admin+ep /path/to/safesh)"
	default:
		return fmt.Sprintf("platform %s: no sandbox backend available", runtime.GOOS)
	}
}
