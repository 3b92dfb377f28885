package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/synthia-ai/synthia/internal/api"
	"github.com/synthia-ai/synthia/internal/buildinfo"
	"github.com/synthia-ai/synthia/internal/connwatch"
	"github.com/synthia-ai/synthia/internal/mqtt"
	"github.com/synthia-ai/synthia/internal/usage"
)

// shutdownTimeout bounds how long in-flight requests get to drain.
const shutdownTimeout = 10 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g)
		},
	}
}

// runServe is the primary operating mode. It wires the application,
// starts the HTTP API and the optional MQTT forwarder, and blocks until
// SIGINT or SIGTERM. Shutdown drains HTTP requests, marks the forwarder
// offline and closes the databases.
func runServe(ctx context.Context, g *globals) error {
	cfg, logger, err := g.loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting Synthia", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	health := connwatch.New(connwatch.DefaultConfig(), a.bus, logger)
	for _, name := range a.llm.Providers() {
		c, _ := a.llm.Provider(name)
		health.Add("llm:"+name, c.Ping)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Turns:        a.orch,
		Facts:        a.facts,
		Store:        a.store,
		Personas:     a.personas,
		PersonaState: a.state,
		Health:       health,
		Bus:          a.bus,
	}, logger)

	usageStore, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage database: %w", err)
	}
	defer usageStore.Close()
	recorder := usage.NewRecorder(usageStore, a.bus, cfg.Pricing, logger)

	var fwd *mqtt.Forwarder
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		fwd = mqtt.New(cfg.MQTT, mqtt.ClientID(cfg.MQTT.ClientID, instanceID), a.bus, nil, logger)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		// Requests outlive the signal so Shutdown can drain them.
		if err := server.Start(context.WithoutCancel(egCtx)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		return health.Run(egCtx)
	})

	eg.Go(func() error {
		return recorder.Run(egCtx)
	})

	if fwd != nil {
		eg.Go(func() error {
			return fwd.Run(egCtx)
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown incomplete", "error", err)
		}
		if fwd != nil {
			if err := fwd.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	logger.Info("Synthia stopped")
	return nil
}
