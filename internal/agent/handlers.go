package agent

import (
	"net"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/holden/internal/nspid"
	"github.com/nestybox/holden/internal/procspawn"
	"github.com/nestybox/holden/internal/protocol"
)

// dispatch decodes msg's payload (if any), runs the matching handler, and
// sends exactly one reply frame. A handler returning an error here means
// the connection itself is no longer usable (e.g. a failed send_fd after
// the reply already went out, per the ordering rule in §4.2); handler
// failures that are reportable to the peer are instead turned into a
// ProcessError reply and a nil error.
func (s *Server) dispatch(conn *net.UnixConn, log logrus.FieldLogger, msg protocol.Message) error {
	switch msg.Type {
	case protocol.Ping:
		return protocol.Send(conn, protocol.Pong, nil)

	case protocol.StartProcess:
		return s.handleStartProcess(conn, log, msg)

	case protocol.StopProcess:
		return s.handleStopProcess(conn, msg)

	case protocol.ListProcesses:
		return s.handleListProcesses(conn)

	case protocol.ApplyConstraints:
		return s.handleApplyConstraints(conn, msg)

	default:
		return sendProcessError(conn, "Unknown message type: %d", uint32(msg.Type))
	}
}

func sendProcessError(conn *net.UnixConn, format string, args ...interface{}) error {
	return protocol.Send(conn, protocol.ProcessError, protocol.NewProcessErrorMsg(format, args...))
}

func (s *Server) handleStartProcess(conn *net.UnixConn, log logrus.FieldLogger, msg protocol.Message) error {
	var req protocol.StartProcessMsg
	if err := protocol.Decode(msg, &req); err != nil {
		return sendProcessError(conn, "malformed StartProcess payload: %v", err)
	}

	name := req.NameString()
	args := req.ArgStrings()

	res, err := procspawn.Spawn(name, args)
	if err != nil {
		log.WithError(err).WithField("name", name).Warn("spawn failed")
		return sendProcessError(conn, "spawn %q failed: %v", name, err)
	}

	switch s.cfg.Mode {
	case ModeHandoff:
		defer unix.Close(res.Pidfd)

		reply := protocol.ProcessStartedMsg{HostPID: res.HostPID, ContainerPID: res.HostPID}
		if err := protocol.Send(conn, protocol.ProcessStarted, reply); err != nil {
			return pkgerrors.Wrap(err, "agent: send ProcessStarted")
		}
		// The pidfd must follow the reply with no intervening request;
		// failure here is unrecoverable for this connection (§4.2, §7.5)
		// even though the reply already went out.
		if err := protocol.SendFD(conn, res.Pidfd); err != nil {
			return pkgerrors.Wrap(err, "agent: send pidfd after ProcessStarted")
		}
		return nil

	default: // ModeTracked
		unix.Close(res.Pidfd)
		s.reg.Add(res.HostPID, name, time.Now())
		containerPID := nspid.Resolve(res.HostPID)
		reply := protocol.ProcessStartedMsg{HostPID: res.HostPID, ContainerPID: containerPID}
		return protocol.Send(conn, protocol.ProcessStarted, reply)
	}
}

func (s *Server) handleStopProcess(conn *net.UnixConn, msg protocol.Message) error {
	var req protocol.StopProcessMsg
	if err := protocol.Decode(msg, &req); err != nil {
		return sendProcessError(conn, "malformed StopProcess payload: %v", err)
	}

	rec := s.reg.Find(req.PID)
	if rec == nil {
		return sendProcessError(conn, "no active process with pid %d", req.PID)
	}

	// The record is not deactivated here; the reaper flips it once the
	// kernel actually delivers the exit, avoiding a double-stop race
	// against a concurrent natural exit.
	if err := unix.Kill(int(req.PID), unix.SIGTERM); err != nil {
		return sendProcessError(conn, "SIGTERM pid %d: %v", req.PID, err)
	}

	return protocol.Send(conn, protocol.ProcessStopped, protocol.ProcessStoppedMsg{PID: req.PID})
}

func (s *Server) handleListProcesses(conn *net.UnixConn) error {
	snap := s.reg.ActiveSnapshot()

	var reply protocol.ProcessListMsg
	for _, rec := range snap {
		if reply.Count >= protocol.MaxProcessList {
			break
		}

		// waitpid(pid, WNOHANG) here mirrors the original's just-in-time
		// liveness check: a child that exited since the last reap pass
		// but hasn't yet been drained by the reaper goroutine is caught
		// and excluded rather than reported as live. A child that exits
		// after this check is still reported; the reply can be stale by
		// the time the caller acts on it, and nothing here prevents that.
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(int(rec.HostPID), &ws, unix.WNOHANG, nil)
		if err == nil && wpid == int(rec.HostPID) {
			s.reg.Deactivate(rec.HostPID)
			continue
		}

		entry := protocol.ProcessListEntry{
			HostPID:      rec.HostPID,
			ContainerPID: nspid.Resolve(rec.HostPID),
		}
		setFixedName(&entry, rec.Name)
		reply.Processes[reply.Count] = entry
		reply.Count++
	}

	return protocol.Send(conn, protocol.ProcessList, reply)
}

// setFixedName copies name into entry.Name, NUL-padding/truncating as the
// fixed wire layout requires. It duplicates protocol's putFixedString
// (used by NewStartProcessMsg), which is unexported.
func setFixedName(entry *protocol.ProcessListEntry, name string) {
	for i := range entry.Name {
		entry.Name[i] = 0
	}
	copy(entry.Name[:len(entry.Name)-1], name)
}

func (s *Server) handleApplyConstraints(conn *net.UnixConn, msg protocol.Message) error {
	var req protocol.ApplyConstraintsMsg
	if err := protocol.Decode(msg, &req); err != nil {
		return sendProcessError(conn, "malformed ApplyConstraints payload: %v", err)
	}

	rec := s.reg.Find(req.PID)
	if rec == nil {
		return sendProcessError(conn, "no active process with pid %d", req.PID)
	}

	if err := s.cgroups.CreateProcessCgroup(req.PID); err != nil {
		return sendProcessError(conn, "create cgroup for pid %d: %v", req.PID, err)
	}
	if req.MemoryLimit > 0 {
		if err := s.cgroups.ApplyMemoryLimit(req.PID, req.MemoryLimit); err != nil {
			return sendProcessError(conn, "apply memory limit for pid %d: %v", req.PID, err)
		}
	}
	if req.CPULimit > 0 {
		if err := s.cgroups.ApplyCPULimit(req.PID, req.CPULimit); err != nil {
			return sendProcessError(conn, "apply cpu limit for pid %d: %v", req.PID, err)
		}
	}

	return protocol.Send(conn, protocol.ConstraintsApplied, protocol.ConstraintsAppliedMsg{PID: req.PID})
}
