// Command holden-agent is the privileged daemon that spawns processes on
// behalf of controllers and orchestrators, per holden's control protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/nestybox/holden/internal/agent"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	app := cli.NewApp()
	app.Name = "holden-agent"
	app.Usage = "spawn and track processes on behalf of holden controllers"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "socket",
			Usage:  "control socket path",
			Value:  agent.DefaultSocketPath,
			EnvVar: "HOLDEN_SOCKET_PATH",
		},
		cli.StringFlag{
			Name:   "mode",
			Usage:  "handoff or tracked",
			Value:  string(agent.ModeTracked),
			EnvVar: "HOLDEN_AGENT_MODE",
		},
		cli.StringFlag{
			Name:   "cgroup-root",
			Usage:  "cgroup v2 parent directory",
			EnvVar: "HOLDEN_CGROUP_ROOT",
		},
		cli.BoolFlag{
			Name:  "reap-cgroups",
			Usage: "remove a process's cgroup directory once it is reaped",
		},
		cli.BoolFlag{
			Name:  "profile",
			Usage: "capture a CPU profile for the lifetime of the process",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "panic, fatal, error, warn, info, debug, or trace",
			Value: "info",
		},
	}

	app.Action = func(c *cli.Context) error {
		if lvl, err := logrus.ParseLevel(c.String("log-level")); err == nil {
			log.SetLevel(lvl)
		}

		if c.Bool("profile") {
			stop := profile.Start(profile.CPUProfile, profile.Quiet)
			defer stop.Stop()
		}

		mode := agent.Mode(c.String("mode"))
		if mode != agent.ModeHandoff && mode != agent.ModeTracked {
			return cli.NewExitError(fmt.Sprintf("invalid --mode %q: must be handoff or tracked", mode), 1)
		}

		cfg := agent.Config{
			SocketPath:  c.String("socket"),
			Mode:        mode,
			CgroupRoot:  c.String("cgroup-root"),
			ReapCgroups: c.Bool("reap-cgroups"),
			Log:         log,
		}

		srv := agent.New(cfg)

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
		go func() {
			<-sigCh
			log.Info("shutting down")
			cancel()
		}()

		notifySystemdReady(log)

		if err := srv.Run(ctx); err != nil {
			log.WithError(err).Error("agent exited with error")
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("holden-agent failed")
	}
}

// notifySystemdReady checks for a systemd-provided listening socket via
// LISTEN_FDS/LISTEN_PID (transparently consumed by activation.Listeners on
// callers that choose to use it — holden-agent binds its own socket
// unconditionally, so this only logs whether one was offered) and, when
// started under systemd with Type=notify, tells it the agent is up.
func notifySystemdReady(log logrus.FieldLogger) {
	listeners, err := activation.Listeners()
	if err == nil && len(listeners) > 0 {
		log.WithField("count", len(listeners)).Info("systemd offered socket-activated listeners (unused; agent binds its own socket)")
		for _, l := range listeners {
			l.Close()
		}
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify failed")
	} else if ok {
		log.Debug("notified systemd: ready")
	}
}
