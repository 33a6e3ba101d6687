// Package agent implements the Holden agent daemon: it accepts connections
// on a Unix domain socket, spawns children on request, and either hands a
// pidfd back to the requester or tracks the child itself, per Config.Mode.
package agent

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/holden/internal/cgroupsv2"
	"github.com/nestybox/holden/internal/protocol"
	"github.com/nestybox/holden/internal/registry"
)

// Mode selects how the agent answers a StartProcess request.
type Mode string

const (
	// ModeHandoff replies ProcessStarted then hands the pidfd to the
	// requester over the same connection and keeps no registry entry.
	ModeHandoff Mode = "handoff"
	// ModeTracked inserts a registry record and closes the pidfd without
	// sending it, enabling list/stop/apply-constraints against the PID later.
	ModeTracked Mode = "tracked"
)

// DefaultSocketPath is used when Config.SocketPath is empty.
const DefaultSocketPath = "/run/holden/agent.sock"

// Config controls agent behavior.
type Config struct {
	SocketPath  string
	Mode        Mode
	CgroupRoot  string
	ReapCgroups bool
	Log         logrus.FieldLogger
}

// Server is a running (or not-yet-started) Holden agent.
type Server struct {
	cfg Config
	log logrus.FieldLogger

	reg      *registry.Registry
	cgroups  *cgroupsv2.Controller
	listener *net.UnixListener

	wg sync.WaitGroup
}

// New constructs a Server from cfg, filling in defaults.
func New(cfg Config) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeTracked
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	return &Server{
		cfg:     cfg,
		log:     cfg.Log,
		reg:     registry.New(),
		cgroups: cgroupsv2.New(cfg.CgroupRoot, cfg.Log),
	}
}

// Run binds the control socket, installs the SIGCHLD reaper, and serves
// connections until ctx is canceled. The socket file is removed on return,
// matching the original's exit hook (expressed here as a plain defer,
// since the forked children never run Go's shutdown path in the first
// place — they leave Go code entirely via syscall.ForkExec's child-side
// setup before any defer could fire).
func (s *Server) Run(ctx context.Context) error {
	if err := s.cgroups.Init(); err != nil {
		s.log.WithError(err).Warn("cgroup controller init failed; apply-constraints will fail until resolved")
	}

	if err := os.RemoveAll(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "agent: remove stale socket %s", s.cfg.SocketPath)
	}

	addr, err := net.ResolveUnixAddr("unix", s.cfg.SocketPath)
	if err != nil {
		return pkgerrors.Wrap(err, "agent: resolve socket address")
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return pkgerrors.Wrapf(err, "agent: listen on %s", s.cfg.SocketPath)
	}
	s.listener = ln
	defer os.Remove(s.cfg.SocketPath)
	defer ln.Close()

	stopReaper := startReaper(s.log, s.reg, s.cgroups, s.cfg.ReapCgroups)
	defer stopReaper()

	s.log.WithField("socket", s.cfg.SocketPath).WithField("mode", s.cfg.Mode).Info("agent listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.WithError(err).Warn("accept failed, retrying")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves requests on conn, one at a time, until the peer closes
// the connection or a protocol error occurs.
func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	connID := uuid.NewString()
	log := s.log.WithField("conn_id", connID)

	for {
		msg, err := protocol.Recv(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrConnectionClosed) {
				return
			}
			log.WithError(err).Warn("recv failed, dropping connection")
			return
		}

		log = log.WithField("msg_type", msg.Type.String())
		if err := s.dispatch(conn, log, msg); err != nil {
			log.WithError(err).Warn("handler failed, dropping connection")
			return
		}
	}
}
