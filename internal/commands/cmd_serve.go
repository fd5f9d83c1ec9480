package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"pairrelay/internal/api"
	"pairrelay/internal/logging"
	"pairrelay/internal/metrics"
	"pairrelay/internal/relay"
	"pairrelay/internal/storage"
)

const shutdownTimeout = 10 * time.Second

type ServeCmd struct {
	flags *Flags
}

func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "serve",
		Usage: "Run the relay HTTP gateway",
		Description: `Starts the relay gateway on server_address. When metrics_address is set a
second listener serves /metrics and /healthz. When sweep.interval_seconds is
positive expired sessions are reaped in the background.

This is also what runs when no command is given.`,
		Action: cmd.Run,
	})
	return app
}

func (cmd *ServeCmd) Run(ctx context.Context, _ *cli.Command) error {
	cfg := cmd.flags.Config
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.Info().Str("driver", cfg.Store.Driver).Msg("session store ready")

	m := metrics.NewMetrics()
	svc := relay.New(store, cmd.flags.RelayOptions(m))
	defer svc.Close()

	if len(cfg.AllowedOrigins) == 0 {
		log.Warn().Msg("allowed_origins is empty, every origin is permitted")
	}
	handler := api.NewHandler(svc, cfg.AllowedOrigins, logging.Component("api"))
	router := api.NewRouter(handler, m.Middleware())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	servers := []*http.Server{newServer(cfg.ServerAddress, router)}
	if cfg.MetricsAddress != "" {
		servers = append(servers, newServer(cfg.MetricsAddress, m.Router(svc.ActiveActors)))
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	go relay.NewSweeper(svc, cfg.Sweep.Interval()).Start(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("shutdown")
		}
	}
	return runErr
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
