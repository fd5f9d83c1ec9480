package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"pairrelay/internal/relay"
	"pairrelay/internal/storage"
)

type SweepCmd struct {
	flags *Flags
}

func NewSweepCmd(flags *Flags) *SweepCmd {
	return &SweepCmd{flags: flags}
}

// Register adds the sweep command to the application
func (cmd *SweepCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "sweep",
		Usage: "Reap expired sessions once and exit",
		Description: `Replaces every session idle for longer than the TTL with a tombstone.
Tombstones still answer 410, so running this against a live store is safe.`,
		Action: cmd.run,
	})
	return app
}

func (cmd *SweepCmd) run(ctx context.Context, _ *cli.Command) error {
	store, err := storage.Open(cmd.flags.Config)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	svc := relay.New(store, cmd.flags.RelayOptions(nil))
	defer svc.Close()

	n, err := svc.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	log.Info().Int("reaped", n).Msg("sweep finished")
	return nil
}
