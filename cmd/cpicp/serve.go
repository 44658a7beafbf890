package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/api"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/cloudstore"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/config"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/db"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/rpc"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/tracing"
)

const (
	shutdownTimeout = 5 * time.Second
	// retainedSearches is how many finished searches the runner keeps in
	// memory. Older ones are still served from the history database.
	retainedSearches = 100
)

func (a *app) serveCmd() *cobra.Command {
	defaults := &config.ServerConfig{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the viewer WebSocket and the gRPC stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("listen", defaults.GetListen(), "HTTP listen address")
	cmd.Flags().String("grpc-listen", defaults.GetGRPCListen(), "gRPC listen address, empty to disable")
	_ = a.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = a.v.BindPFlag("grpc_listen", cmd.Flags().Lookup("grpc-listen"))
	return cmd
}

// serve runs until ctx is cancelled or a listener fails.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	tc := cfg.GetTracing()
	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:      tc.GetEnabled(),
		Exporter:     tc.GetExporter(),
		OTLPEndpoint: tc.GetOTLPEndpoint(),
		SampleRate:   tc.GetSampleRate(),
		ServiceName:  tc.GetServiceName(),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("[tracing] shutdown: %v", err)
		}
	}()

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer database.Close()
	history := db.NewSearchStore(database)

	clouds := a.cloudStore(true)
	if cfg.GetWatchClouds() {
		stopWatch, err := watchClouds(clouds)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	orch := a.orchestrator(clouds, tp.Tracer())
	runner := registration.NewRunner(orch, history, registration.RunnerConfig{
		MaxConcurrent: cfg.GetMaxConcurrentSearches(),
		Timeout:       cfg.GetSearchTimeout(),
		Retain:        retainedSearches,
	})

	srv := api.NewServer(api.Config{
		Clouds:      clouds,
		Searcher:    orch,
		Runner:      runner,
		History:     history,
		BaseContext: ctx,
	})
	mux := srv.ServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitoring.Logf("[api] listening on %s (clouds in %s)", cfg.GetListen(), clouds.Dir())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var rpcServer *rpc.Server
	if addr := cfg.GetGRPCListen(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			httpServer.Close()
			wg.Wait()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		rpcServer = rpc.NewServer(orch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
	}
	monitoring.Logf("shutting down...")

	runner.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[api] HTTP server shutdown error: %v", err)
		if err := httpServer.Close(); err != nil {
			monitoring.Logf("[api] HTTP server force close error: %v", err)
		}
	}
	if rpcServer != nil {
		rpcServer.Stop(shutdownCtx)
	}
	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
	return err
}

// watchClouds evicts cached clouds when the directory changes.
func watchClouds(clouds *cloudstore.DirStore) (stop func(), err error) {
	w, err := cloudstore.NewWatcher(clouds, cloudstore.DefaultDebounce)
	if err != nil {
		return nil, err
	}
	changes, err := w.Start()
	if err != nil {
		w.Stop()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-changes:
				monitoring.Logf("[clouds] %s changed", clouds.Dir())
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		if err := w.Stop(); err != nil {
			monitoring.Logf("[clouds] stop watcher: %v", err)
		}
	}, nil
}
