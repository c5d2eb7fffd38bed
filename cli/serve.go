package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/digitorus/signserver/api"
	"github.com/digitorus/signserver/convert"
	"github.com/digitorus/signserver/flow"
	"github.com/digitorus/signserver/forms"
	"github.com/digitorus/signserver/guard"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
}

func serve(cmd *cobra.Command) error {
	env, err := setup(cmd)
	if err != nil {
		return err
	}
	cfg, log := env.cfg, env.log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	converter := convert.New()
	templates := forms.NewLibrary(env.storage)
	orchestrator, err := flow.New(flow.Options{
		Storage:     env.storage,
		Signing:     env.signing,
		Converter:   converter,
		Templates:   templates,
		Fields:      templates,
		Workers:     cfg.Flow.Workers,
		Parallelism: cfg.Flow.Parallelism,
		QueueSize:   cfg.Flow.QueueSize,
		RunTimeout:  cfg.Flow.RunTimeout,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	if n, err := orchestrator.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to recover interrupted flows")
	} else if n > 0 {
		log.Info().Int("flows", n).Msg("marked interrupted flows as failed")
	}

	go env.signing.RunJanitor(ctx, cfg.Signing.JanitorInterval)
	go orchestrator.RunJanitor(ctx, cfg.Signing.JanitorInterval)

	gin.SetMode(gin.ReleaseMode)
	server, err := api.New(api.Options{
		Signing:   env.signing,
		Flows:     orchestrator,
		Converter: converter,
		Templates: templates,
		Limits:    cfg.Limits.SizeGuard,
		InFlight:  guard.NewInFlight(cfg.Limits.MaxConcurrentPerKey),
		Auth: api.AuthConfig{
			Enabled: cfg.Auth.Enabled,
			Secret:  cfg.Auth.JWTSecret,
			Issuer:  cfg.Auth.Issuer,
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Bool("tsa", env.signing.HasTimestampAuthority()).Msg("server starting")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("flows did not finish before shutdown")
	}

	log.Info().Msg("server exited")
	return nil
}
