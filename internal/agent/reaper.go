package agent

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/holden/internal/cgroupsv2"
	"github.com/nestybox/holden/internal/registry"
)

// startReaper installs a SIGCHLD handler and starts the goroutine that
// drains it. signal.Notify delivery itself does no work beyond pushing
// onto a channel — all registry mutation and I/O happens in the goroutine
// below, which runs in ordinary, lockable goroutine context rather than an
// async-signal handler (§5, §9).
//
// The returned stop func reverts the signal handler and blocks until the
// reaper goroutine has drained and exited.
func startReaper(log logrus.FieldLogger, reg *registry.Registry, cgroups *cgroupsv2.Controller, reapCgroups bool) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGCHLD)

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-sigCh:
				reapAll(log, reg, cgroups, reapCgroups)
			case <-done:
				// Drain anything pending one last time before exiting.
				reapAll(log, reg, cgroups, reapCgroups)
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
		<-stopped
	}
}

// reapAll drains waitpid(-1, WNOHANG) until it reports no more exited
// children, deactivating the matching registry record for each PID
// reaped. Unknown PIDs (children the agent never tracked, or already
// handed-off-mode children whose lifetime we never recorded) are reaped
// and silently dropped — reaping is mandatory to avoid zombies regardless
// of whether the agent was tracking the PID.
func reapAll(log logrus.FieldLogger, reg *registry.Registry, cgroups *cgroupsv2.Controller, reapCgroups bool) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		reg.Deactivate(int32(pid))

		if reapCgroups {
			if err := cgroups.CleanupProcessCgroup(int32(pid)); err != nil {
				log.WithError(err).WithField("host_pid", pid).Warn("cgroup cleanup after reap failed")
			}
		}
	}
}
