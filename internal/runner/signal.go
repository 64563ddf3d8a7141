//go:build !windows

package runner

import "syscall"

func terminateSignal() syscall.Signal { return syscall.SIGTERM }
