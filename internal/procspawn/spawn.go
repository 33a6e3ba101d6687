// Package procspawn forks and execs a child process and hands back a pidfd
// for it, shared by both the agent's StartProcess handler and the
// orchestrator's local spawn path.
package procspawn

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Result is the outcome of a successful spawn.
type Result struct {
	HostPID int32
	// Pidfd is owned by the caller, who must eventually close it (or hand
	// it off via protocol.SendFD, after which the local copy must still be
	// closed).
	Pidfd int
}

// Spawn forks name (searched on PATH if it contains no slash, mirroring
// execvp) with args, leaving stdin/stdout/stderr inherited and every other
// descriptor closed in the child — the close-on-exec flag Go sets on every
// fd it opens achieves this without the manual "close fds 3..1023" loop
// the original C agent needs, since Go never lets application code run
// between fork and exec in the first place.
//
// Go's fork/exec primitives (used here via syscall.ForkExec) synchronize
// the parent on the child's exec outcome through an internal close-on-exec
// pipe: an exec failure (e.g. ENOENT) is detected and returned as an error
// from this function, not left to surface later as a nonzero exit status
// observed through the pidfd. This is a deliberate safety property of the
// Go runtime (unlike a single-threaded C process, Go cannot safely run
// arbitrary code in a multi-threaded, garbage-collected child between fork
// and exec) and is treated here as the authoritative behavior: a name that
// fails to exec is reported as a spawn failure, full stop.
func Spawn(name string, args []string) (*Result, error) {
	path := name
	if !strings.Contains(name, "/") {
		resolved, err := exec.LookPath(name)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "procspawn: resolve %q on PATH", name)
		}
		path = resolved
	}

	argv := append([]string{name}, args...)
	attr := &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()},
	}

	pid, err := syscall.ForkExec(path, argv, attr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "procspawn: fork/exec %s", name)
	}

	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		// The child is alive but we failed to obtain a pidfd for it; reap
		// it immediately rather than leaking an untracked process.
		_, _ = unix.Wait4(pid, nil, 0, nil)
		return nil, pkgerrors.Wrapf(err, "procspawn: pidfd_open(%d)", pid)
	}

	return &Result{HostPID: int32(pid), Pidfd: pidfd}, nil
}
