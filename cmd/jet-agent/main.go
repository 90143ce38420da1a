package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"

	"github.com/bdobrica/jet-agent/common/version"
	"github.com/bdobrica/jet-agent/internal/jetagent/app"
	"github.com/bdobrica/jet-agent/internal/jetagent/config"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "jet-agent: %v\n", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:    "jet-agent",
		Usage:   "run commands from the control plane against this host's container runtime",
		Version: version.Info(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the configuration file (.json, .yaml or .toml)",
				EnvVars: []string{"JET_AGENT_CONFIG"},
				Value:   config.DefaultPath,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides log.level)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json (overrides log.format)",
			},
			&cli.BoolFlag{
				Name:  "check",
				Usage: "load and validate the configuration, then exit",
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	app.SetupLogging(cfg.Log.Level, cfg.Log.Format)

	if c.Bool("check") {
		fmt.Fprintf(c.App.Writer, "%s: ok (agent %s, subject %s)\n", c.String("config"), cfg.Identity.AgentID, cfg.Subject())
		return nil
	}

	slog.Info("starting jet-agent", "version", version.Info(), "config", c.String("config"))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer agent.Stop()

	err = agent.Run(ctx, func() { notify(daemon.SdNotifyReady) })
	notify(daemon.SdNotifyStopping)
	if err != nil {
		return err
	}
	slog.Info("jet-agent stopped")
	return nil
}

// notify reports state to systemd when running under a Type=notify unit.
func notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("sd_notify failed", "state", state, "err", err)
		return
	}
	if sent {
		slog.Debug("sd_notify sent", "state", state)
	}
}
