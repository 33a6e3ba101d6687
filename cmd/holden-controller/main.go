// Command holden-controller is the client used to drive a holden-agent:
// start and stop processes, list what the agent is tracking, and apply
// cgroup v2 resource constraints.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"text/tabwriter"

	units "github.com/docker/go-units"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nestybox/holden/internal/agent"
	"github.com/nestybox/holden/internal/protocol"
)

func main() {
	log := logrus.StandardLogger()

	app := cli.NewApp()
	app.Name = "holden-controller"
	app.Usage = "drive a holden-agent over its control socket"
	app.Version = "0.1.0"

	socketFlag := cli.StringFlag{
		Name:   "socket",
		Usage:  "agent control socket path",
		Value:  agent.DefaultSocketPath,
		EnvVar: "HOLDEN_SOCKET_PATH",
	}

	app.Flags = []cli.Flag{socketFlag}

	app.Commands = []cli.Command{
		{
			Name:      "ping",
			Usage:     "check that the agent is alive",
			ArgsUsage: " ",
			Action: withConn(&socketFlag, func(conn *net.UnixConn, c *cli.Context) error {
				if err := protocol.Send(conn, protocol.Ping, nil); err != nil {
					return err
				}
				reply, err := protocol.Recv(conn)
				if err != nil {
					return err
				}
				if reply.Type != protocol.Pong {
					return fmt.Errorf("unexpected reply type %s", reply.Type)
				}
				fmt.Println("pong")
				return nil
			}),
		},
		{
			Name:      "start",
			Usage:     "start a process",
			ArgsUsage: "NAME [ARGS...]",
			Action: withConn(&socketFlag, func(conn *net.UnixConn, c *cli.Context) error {
				args := c.Args()
				if len(args) == 0 {
					return fmt.Errorf("start requires a process name")
				}

				req, err := protocol.NewStartProcessMsg(args[0], args[1:])
				if err != nil {
					return err
				}
				if err := protocol.Send(conn, protocol.StartProcess, req); err != nil {
					return err
				}

				reply, err := protocol.Recv(conn)
				if err != nil {
					return err
				}
				return printStartResult(reply)
			}),
		},
		{
			Name:      "stop",
			Usage:     "send SIGTERM to a tracked process",
			ArgsUsage: "PID",
			Action: withConn(&socketFlag, func(conn *net.UnixConn, c *cli.Context) error {
				pid, err := parsePID(c.Args().First())
				if err != nil {
					return err
				}
				if err := protocol.Send(conn, protocol.StopProcess, protocol.StopProcessMsg{PID: pid}); err != nil {
					return err
				}
				reply, err := protocol.Recv(conn)
				if err != nil {
					return err
				}
				return printGenericResult(reply, "stopped pid %d")
			}),
		},
		{
			Name:  "list",
			Usage: "list processes the agent is tracking",
			Action: withConn(&socketFlag, func(conn *net.UnixConn, c *cli.Context) error {
				if err := protocol.Send(conn, protocol.ListProcesses, nil); err != nil {
					return err
				}
				reply, err := protocol.Recv(conn)
				if err != nil {
					return err
				}
				return printProcessList(reply)
			}),
		},
		{
			Name:  "monitor",
			Usage: "display a formatted table of tracked processes (alias for list)",
			Action: withConn(&socketFlag, func(conn *net.UnixConn, c *cli.Context) error {
				if err := protocol.Send(conn, protocol.ListProcesses, nil); err != nil {
					return err
				}
				reply, err := protocol.Recv(conn)
				if err != nil {
					return err
				}
				return printProcessList(reply)
			}),
		},
		{
			Name:      "constrain",
			Usage:     "apply memory/cpu limits to a tracked process",
			ArgsUsage: "PID",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "memory", Usage: "memory limit, e.g. 64MB, 1GiB (0 = unset)"},
				cli.Uint64Flag{Name: "cpu", Usage: "cpu.weight percent, 0-100 (0 = unset)"},
			},
			Action: withConn(&socketFlag, func(conn *net.UnixConn, c *cli.Context) error {
				pid, err := parsePID(c.Args().First())
				if err != nil {
					return err
				}

				var memBytes uint64
				if ms := c.String("memory"); ms != "" {
					n, err := units.RAMInBytes(ms)
					if err != nil {
						return pkgerrors.Wrapf(err, "parse --memory %q", ms)
					}
					memBytes = uint64(n)
				}

				req := protocol.ApplyConstraintsMsg{
					PID:         pid,
					MemoryLimit: memBytes,
					CPULimit:    c.Uint64("cpu"),
				}
				if err := protocol.Send(conn, protocol.ApplyConstraints, req); err != nil {
					return err
				}
				reply, err := protocol.Recv(conn)
				if err != nil {
					return err
				}
				return printGenericResult(reply, "constraints applied to pid %d")
			}),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("holden-controller failed")
		os.Exit(1)
	}
}

// withConn wraps a command action with dialing the agent's control socket
// and closing the connection afterward, so each subcommand's Action only
// deals with request/reply logic.
func withConn(socketFlag *cli.StringFlag, fn func(*net.UnixConn, *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		path := c.GlobalString("socket")
		if path == "" {
			path = socketFlag.Value
		}

		conn, err := net.Dial("unix", path)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("dial agent at %s: %v", path, err), 1)
		}
		uc := conn.(*net.UnixConn)
		defer uc.Close()

		if err := fn(uc, c); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	}
}

func parsePID(s string) (int32, error) {
	if s == "" {
		return 0, fmt.Errorf("missing PID argument")
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "parse pid %q", s)
	}
	return int32(n), nil
}

func printStartResult(reply protocol.Message) error {
	if reply.Type == protocol.ProcessError {
		var m protocol.ProcessErrorMsg
		_ = protocol.Decode(reply, &m)
		return fmt.Errorf("%s", m.ErrorString())
	}
	var m protocol.ProcessStartedMsg
	if err := protocol.Decode(reply, &m); err != nil {
		return err
	}
	fmt.Printf("started host_pid=%d container_pid=%d\n", m.HostPID, m.ContainerPID)
	return nil
}

func printGenericResult(reply protocol.Message, okFormat string) error {
	if reply.Type == protocol.ProcessError {
		var m protocol.ProcessErrorMsg
		_ = protocol.Decode(reply, &m)
		return fmt.Errorf("%s", m.ErrorString())
	}
	var pid int32
	switch reply.Type {
	case protocol.ProcessStopped:
		var m protocol.ProcessStoppedMsg
		_ = protocol.Decode(reply, &m)
		pid = m.PID
	case protocol.ConstraintsApplied:
		var m protocol.ConstraintsAppliedMsg
		_ = protocol.Decode(reply, &m)
		pid = m.PID
	}
	fmt.Printf(okFormat+"\n", pid)
	return nil
}

func printProcessList(reply protocol.Message) error {
	if reply.Type == protocol.ProcessError {
		var m protocol.ProcessErrorMsg
		_ = protocol.Decode(reply, &m)
		return fmt.Errorf("%s", m.ErrorString())
	}
	var m protocol.ProcessListMsg
	if err := protocol.Decode(reply, &m); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST_PID\tCONTAINER_PID\tNAME")
	for i := int32(0); i < m.Count; i++ {
		e := m.Processes[i]
		fmt.Fprintf(w, "%d\t%d\t%s\n", e.HostPID, e.ContainerPID, e.NameString())
	}
	return w.Flush()
}
