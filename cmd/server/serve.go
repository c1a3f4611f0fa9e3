package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/classifier-api/internal/bootstrap"
	"github.com/Brownie44l1/classifier-api/internal/config"
	"github.com/Brownie44l1/classifier-api/internal/handlers"
	"github.com/Brownie44l1/classifier-api/internal/model"
	"github.com/Brownie44l1/classifier-api/internal/readiness"
	"github.com/Brownie44l1/classifier-api/internal/remote"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Provision the model and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().String("host", "", "interface to listen on")
	cmd.Flags().Int("port", 0, "port to listen on")
	return cmd
}

func serve(cfg *config.Config) error {
	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	gate := readiness.New[model.Predictor]()
	h := handlers.NewHandler(gate, remote.NewClient(cfg.Fetch.Timeout), cfg.Fetch.MaxImageBytes)
	router, err := handlers.NewRouter(h)
	if err != nil {
		return err
	}

	// Listen before provisioning so /healthz and /readyz answer while the
	// model downloads.
	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}
	srv := &http.Server{
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("starting server on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startErr := make(chan error, 1)
	go func() {
		if _, err := bootstrap.Run(ctx, gate, deps(cfg)); err != nil {
			startErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down server...")
	case err := <-startErr:
		runErr = fmt.Errorf("startup: %w", err)
	case err := <-serveErr:
		runErr = fmt.Errorf("server: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced shutdown")
	}

	if p, ok := gate.Get(); ok {
		if err := p.Close(); err != nil {
			log.WithError(err).Warn("release model")
		}
	}

	log.Info("server stopped")
	return runErr
}
