// Command holden-orchestrator demonstrates keeping two peer processes
// alive — one forked locally, one forked by a holden-agent — by treating
// both uniformly as pollable pidfds and restarting whichever one exits.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/nestybox/holden/internal/agent"
	"github.com/nestybox/holden/internal/orchestrator"
)

func main() {
	log := logrus.StandardLogger()

	app := cli.NewApp()
	app.Name = "holden-orchestrator"
	app.Usage = "keep a locally-forked and an agent-forked process alive"
	app.Version = "0.1.0"
	app.ArgsUsage = "LOCAL_CMD AGENT_CMD"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "socket",
			Usage:  "agent control socket path",
			Value:  agent.DefaultSocketPath,
			EnvVar: "HOLDEN_SOCKET_PATH",
		},
	}

	app.Action = func(c *cli.Context) error {
		args := c.Args()
		if len(args) != 2 {
			return cli.NewExitError("usage: holden-orchestrator LOCAL_CMD AGENT_CMD", 1)
		}

		targets := []orchestrator.Target{
			{Command: args[0], ViaAgent: false},
			{Command: args[1], ViaAgent: true},
		}

		o := orchestrator.New(orchestrator.Config{
			AgentSocketPath: c.String("socket"),
			Log:             log,
		})

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
		go func() {
			<-sigCh
			log.Info("shutting down")
			cancel()
		}()

		if err := o.Run(ctx, targets); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("holden-orchestrator failed")
	}
}
