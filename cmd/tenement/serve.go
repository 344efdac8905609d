package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/tenement/pkg/api"
	"github.com/cuemby/tenement/pkg/auth"
	"github.com/cuemby/tenement/pkg/config"
	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/hypervisor"
	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/logplane"
	"github.com/cuemby/tenement/pkg/metrics"
	"github.com/cuemby/tenement/pkg/router"
	"github.com/cuemby/tenement/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hypervisor and the HTTP front door",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			// Exit code 2 at the CLI boundary.
			return errors.Join(err, errdefs.ErrConfig)
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Server.ListenAddr = listen
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Override server.listen_addr")
}

// serve brings the core up in dependency order (store → metrics → log
// plane → hypervisor → router) and tears it down in reverse.
func serve(cfg *config.Config) error {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Server.DataDir, "tenement.db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		// Failing to open the database at startup is fatal.
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	metrics.Register()

	plane, err := logplane.New(st, cfg.Log.RingCapacity)
	if err != nil {
		return fmt.Errorf("log plane: %w", err)
	}
	plane.Start()
	log.AttachPlane(plane)

	hv := hypervisor.New(hypervisor.Config{
		DataDir:             cfg.Server.DataDir,
		SocketDir:           cfg.Server.SocketDir,
		HealthCheckInterval: time.Duration(cfg.Server.HealthCheckIntervalSec) * time.Second,
		ReapInterval:        time.Duration(cfg.Server.ReapIntervalSec) * time.Second,
		StorageInterval:     time.Duration(cfg.Server.StorageIntervalSec) * time.Second,
	}, cfg.Specs(), plane)
	hv.Start()

	collector := metrics.NewCollector(hv, 15*time.Second)
	collector.Start()

	verifier := auth.NewVerifier(st)
	control := api.New(hv, plane, verifier, api.Config{AssetsDir: cfg.Server.AssetsDir})
	front := router.New(hv, cfg.Server.BaseDomain, cfg.Server.ControlDomain, control)

	server := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     front,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		// Failing to bind the listening socket is fatal.
		return fmt.Errorf("listen %s: %w", server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Logger.Info().Str("addr", server.Addr).
		Str("base_domain", cfg.Server.BaseDomain).
		Str("control_domain", cfg.Server.ControlDomain).
		Int("services", len(cfg.Services)).
		Msg("tenement listening")

	// Periodic log rotation.
	rotateStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				removed, err := st.RotateLogs(ctx, time.Duration(cfg.Log.RetainDays)*24*time.Hour, cfg.Log.RetainCount)
				cancel()
				if err != nil {
					log.WithComponent("store").Warn().Err(err).Msg("log rotation failed")
				} else if removed > 0 {
					log.WithComponent("store").Info().Int64("removed", removed).Msg("rotated logs")
				}
			case <-rotateStop:
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Errorf("server error", err)
	}

	// Drain: stop accepting, let in-flight proxies finish, then stop all
	// instances; tear down in reverse of startup.
	close(rotateStop)
	grace := time.Duration(cfg.Server.ShutdownGraceSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown", err)
	}

	collector.Stop()
	hv.Shutdown(shutdownCtx)
	log.DetachPlane()
	plane.Stop()
	return nil
}
