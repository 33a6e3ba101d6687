package orchestrator

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// startLocalReaper installs SIGCHLD→reap for locally-forked children: a
// local slot's pidfd becomes POLLIN readable as soon as the child exits,
// and this reaper, running continuously alongside the monitor loop,
// collects the resulting zombies so exited local children do not pile up
// across restarts. Agent-forked children are reaped by the
// agent itself; this reaper only ever observes the orchestrator's own
// local children.
func startLocalReaper(log logrus.FieldLogger) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGCHLD)

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-sigCh:
				drainExited(log)
			case <-done:
				drainExited(log)
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

func drainExited(log logrus.FieldLogger) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		log.WithField("host_pid", pid).Debug("reaped local child")
	}
}
