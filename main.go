package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"pairrelay/internal/commands"
	"pairrelay/internal/config"
	"pairrelay/internal/logging"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	flags := &commands.Flags{}
	app := &cli.Command{
		Name:    "pairrelay",
		Usage:   "Ephemeral two-party JSON message relay",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (yaml, json or toml)",
				Sources:     cli.EnvVars("PAIRRELAY_CONFIG"),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides logging.level",
				Sources:     cli.EnvVars("PAIRRELAY_LOG_LEVEL"),
				Destination: &flags.LogLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if flags.LogLevel != "" {
				cfg.Logging.Level = flags.LogLevel
			}
			if _, err := logging.Setup(cfg.Logging, os.Stderr); err != nil {
				return ctx, err
			}
			flags.Config = cfg
			return ctx, nil
		},
	}

	serveCmd := commands.NewServeCmd(flags)
	app = serveCmd.Register(app)
	app = commands.NewSweepCmd(flags).Register(app)

	app.Action = func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() > 0 {
			return fmt.Errorf("unknown command %q. Run 'pairrelay --help' for usage", c.Args().First())
		}
		return serveCmd.Run(ctx, c)
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("pairrelay failed")
		os.Exit(1)
	}
}
