// Package orchestrator implements the Holden orchestrator client: it
// spawns one process locally and one via the agent, obtaining a pidfd for
// each, and multiplexes liveness across both symmetrically — both are just
// pidfds to the poll loop, regardless of who forked the child.
package orchestrator

import (
	"context"
	"net"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/holden/internal/procspawn"
	"github.com/nestybox/holden/internal/protocol"
)

// maxTokens bounds how many whitespace-separated tokens a command string
// contributes (name + args), mirroring the original's fixed 15-slot argv
// buffer. Whole tokens beyond the limit are dropped; no warning is logged.
const maxTokens = 15

// restartDelay is slept between detecting a death and respawning, so a
// command that fails immediately and repeatedly does not spin the poll
// loop hot.
const restartDelay = 100 * time.Millisecond

// Target describes one process slot the orchestrator keeps alive.
type Target struct {
	// Command is tokenized on whitespace; the first token is the
	// executable name, the rest become argv[1:].
	Command string
	// ViaAgent selects spawn_via_agent over spawn_local for this slot.
	ViaAgent bool
}

// Tokenize splits cmd on whitespace into a name and argument list,
// truncated to maxTokens total tokens.
func Tokenize(cmd string) (name string, args []string) {
	fields := strings.Fields(cmd)
	if len(fields) > maxTokens {
		fields = fields[:maxTokens]
	}
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// Config controls orchestrator behavior.
type Config struct {
	AgentSocketPath string
	Log             logrus.FieldLogger
}

// Orchestrator runs the poll-based liveness/restart loop over a fixed set
// of target slots.
type Orchestrator struct {
	cfg Config
	log logrus.FieldLogger
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Orchestrator{cfg: cfg, log: cfg.Log}
}

// slot is the live state the monitor loop tracks for one Target.
type slot struct {
	target   Target
	pidfd    int
	hostPID  int32
	restarts int
}

func (o *Orchestrator) spawn(t Target) (int, int32, error) {
	if t.ViaAgent {
		return o.spawnViaAgent(t.Command)
	}
	return o.spawnLocal(t.Command)
}

// spawnLocal forks+execs cmd directly and returns a pidfd for it.
func (o *Orchestrator) spawnLocal(cmd string) (int, int32, error) {
	name, args := Tokenize(cmd)
	res, err := procspawn.Spawn(name, args)
	if err != nil {
		return -1, 0, pkgerrors.Wrapf(err, "orchestrator: spawn_local %q", cmd)
	}
	return res.Pidfd, res.HostPID, nil
}

// spawnViaAgent asks the agent to fork+exec cmd, and receives the pidfd it
// hands back over the control socket.
func (o *Orchestrator) spawnViaAgent(cmd string) (int, int32, error) {
	name, args := Tokenize(cmd)

	conn, err := net.Dial("unix", o.cfg.AgentSocketPath)
	if err != nil {
		return -1, 0, pkgerrors.Wrap(err, "orchestrator: dial agent")
	}
	uc := conn.(*net.UnixConn)
	defer uc.Close()

	req, err := protocol.NewStartProcessMsg(name, args)
	if err != nil {
		return -1, 0, pkgerrors.Wrap(err, "orchestrator: build StartProcess")
	}
	if err := protocol.Send(uc, protocol.StartProcess, req); err != nil {
		return -1, 0, pkgerrors.Wrap(err, "orchestrator: send StartProcess")
	}

	reply, err := protocol.Recv(uc)
	if err != nil {
		return -1, 0, pkgerrors.Wrap(err, "orchestrator: recv reply")
	}
	if reply.Type == protocol.ProcessError {
		var errMsg protocol.ProcessErrorMsg
		_ = protocol.Decode(reply, &errMsg)
		return -1, 0, pkgerrors.Errorf("orchestrator: agent reported: %s", errMsg.ErrorString())
	}
	if reply.Type != protocol.ProcessStarted {
		return -1, 0, pkgerrors.Errorf("orchestrator: unexpected reply type %s", reply.Type)
	}

	var started protocol.ProcessStartedMsg
	if err := protocol.Decode(reply, &started); err != nil {
		return -1, 0, pkgerrors.Wrap(err, "orchestrator: decode ProcessStarted")
	}

	pidfd, err := protocol.RecvFD(uc)
	if err != nil {
		return -1, 0, pkgerrors.Wrap(err, "orchestrator: recv pidfd")
	}

	return pidfd, started.HostPID, nil
}

// Run spawns every target and polls their pidfds, restarting any slot
// whose pidfd becomes readable (the child has exited),
// until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context, targets []Target) error {
	stopReaper := startLocalReaper(o.log)
	defer stopReaper()

	slots := make([]*slot, 0, len(targets))
	for _, t := range targets {
		pidfd, hostPID, err := o.spawn(t)
		if err != nil {
			o.log.WithError(err).WithField("command", t.Command).Error("initial spawn failed")
			return err
		}
		o.log.WithField("command", t.Command).WithField("host_pid", hostPID).Info("spawned")
		slots = append(slots, &slot{target: t, pidfd: pidfd, hostPID: hostPID})
	}
	defer func() {
		for _, s := range slots {
			unix.Close(s.pidfd)
		}
	}()

	return o.monitorLoop(ctx, slots)
}

func (o *Orchestrator) monitorLoop(ctx context.Context, slots []*slot) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		// A slot whose previous respawn attempt failed sits at pidfd -1,
		// which unix.Poll simply ignores (a negative fd never reports
		// revents). Retry it here on every tick rather than waiting for a
		// POLLIN that can never come — §4.5 calls for the 100ms delay to
		// survive exactly this case, a command that keeps failing to
		// exec, not to abandon the slot after one failure.
		for _, s := range slots {
			if s.pidfd == -1 {
				o.respawnSlot(s)
			}
		}

		fds := make([]unix.PollFd, len(slots))
		for i, s := range slots {
			fds[i] = unix.PollFd{Fd: int32(s.pidfd), Events: unix.POLLIN}
		}

		// A finite timeout (instead of the original's infinite poll) lets
		// the loop notice ctx cancellation promptly without needing a
		// self-pipe; it is otherwise equivalent, since POLLIN fires as
		// soon as a slot's child exits regardless of when we looked.
		n, err := unix.Poll(fds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return pkgerrors.Wrap(err, "orchestrator: poll")
		}
		if n == 0 {
			continue
		}

		for i, fd := range fds {
			if fd.Revents&unix.POLLIN == 0 {
				continue
			}

			s := slots[i]
			o.log.WithField("command", s.target.Command).WithField("host_pid", s.hostPID).Info("child exited, restarting")

			unix.Close(s.pidfd)
			s.pidfd = -1
			o.respawnSlot(s)
		}
	}
}

// respawnSlot attempts to (re)spawn s.target, leaving s.pidfd at -1 on
// failure so the next loop tick retries it. A restartDelay sleep follows
// every attempt, success or failure, so a persistently failing command
// cannot spin the loop hot.
func (o *Orchestrator) respawnSlot(s *slot) {
	defer time.Sleep(restartDelay)

	pidfd, hostPID, err := o.spawn(s.target)
	if err != nil {
		o.log.WithError(err).WithField("command", s.target.Command).Warn("respawn failed, will retry next tick")
		return
	}

	s.pidfd = pidfd
	s.hostPID = hostPID
	s.restarts++
}
