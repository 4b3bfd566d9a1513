// Command rangeserver runs one range server process: it locks its
// existence file with the coordinator, replays its commit logs, and
// then serves update/scan/maintenance traffic until told to shut down.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/cmux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cockroachdb/rangeserver/internal/coordinator"
	"github.com/cockroachdb/rangeserver/internal/dfs"
	"github.com/cockroachdb/rangeserver/internal/rangeserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := rangeserver.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "rangeserver",
		Short: "Serve a shard of ordered-key/value range data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func run(cfg rangeserver.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// dfs.MemFS and coordinator.MemSession stand in for the real
	// distributed filesystem and coordination service, which are
	// external collaborators this module treats as black boxes; a
	// production deployment wires their real clients in here instead.
	fs := dfs.NewMemFS()
	coord := coordinator.NewMemSession()

	srv, err := rangeserver.NewServer(cfg, fs, coord, logger)
	if err != nil {
		return fmt.Errorf("starting range server: %w", err)
	}
	srv.Start()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.Port, err)
	}

	mux := cmux.New(lis)
	grpcLis := mux.Match(cmux.HTTP2HeaderField("content-type", "application/grpc"))
	httpLis := mux.Match(cmux.HTTP1Fast())

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("rangeserver", healthpb.HealthCheckResponse_SERVING)

	httpServer := &http.Server{Handler: promhttp.HandlerFor(srv.MetricsRegistry(), promhttp.HandlerOpts{})}

	errc := make(chan error, 3)
	go func() { errc <- grpcServer.Serve(grpcLis) }()
	go func() { errc <- httpServer.Serve(httpLis) }()
	go func() { errc <- mux.Serve() }()

	logger.Info("range server started", zap.Int("port", cfg.Port))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("received signal, shutting down", zap.String("signal", s.String()))
	case err := <-errc:
		logger.Error("listener failed", zap.Error(err))
	}

	grpcServer.GracefulStop()
	httpServer.Close()
	return srv.Shutdown()
}
