package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/stackzilla/linode-provider/internal/api"
	"github.com/stackzilla/linode-provider/internal/app"
	"github.com/stackzilla/linode-provider/internal/blueprint"
	"github.com/stackzilla/linode-provider/internal/config"
	"github.com/stackzilla/linode-provider/internal/metrics"
	"github.com/stackzilla/linode-provider/internal/tracing"
	"github.com/stackzilla/linode-provider/internal/version"
)

const serviceName = "linode-provider"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile   string
		bpPath    string
		overrides config.Config
	)
	cmd := &cobra.Command{
		Use:           "linoded",
		Short:         "Serve the Linode provider engine over HTTP and gRPC health",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, overrides)
			return run(cfg, bpPath)
		},
	}
	f := cmd.Flags()
	def := config.Default()
	f.StringVar(&envFile, "env-file", ".env", "dotenv file to load")
	f.StringVar(&bpPath, "blueprint", "", "blueprint to reconcile periodically")
	f.StringVar(&overrides.DBPath, "db", def.DBPath, "Badger DB path")
	f.StringVar(&overrides.NATSURL, "nats-url", "", "NATS server for lifecycle events")
	f.StringVar(&overrides.GRPCAddr, "grpc-addr", def.GRPCAddr, "gRPC health listen address")
	f.StringVar(&overrides.HTTPAddr, "http-addr", def.HTTPAddr, "HTTP shim listen address")
	f.StringVar(&overrides.MetricsAddr, "metrics-addr", def.MetricsAddr, "Prometheus metrics listen address")
	f.DurationVar(&overrides.ReconcileInterval, "reconcile-interval", 0, "re-apply the blueprint this often")
	f.BoolVar(&overrides.Trace, "trace", false, "export spans to stdout")
	f.BoolVar(&overrides.Debug, "debug", false, "development logging")
	return cmd
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config, o config.Config) {
	f := cmd.Flags()
	if f.Changed("db") {
		cfg.DBPath = o.DBPath
	}
	if f.Changed("nats-url") {
		cfg.NATSURL = o.NATSURL
	}
	if f.Changed("grpc-addr") {
		cfg.GRPCAddr = o.GRPCAddr
	}
	if f.Changed("http-addr") {
		cfg.HTTPAddr = o.HTTPAddr
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = o.MetricsAddr
	}
	if f.Changed("reconcile-interval") {
		cfg.ReconcileInterval = o.ReconcileInterval
	}
	if f.Changed("trace") {
		cfg.Trace = o.Trace
	}
	if f.Changed("debug") {
		cfg.Debug = o.Debug
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, bpPath string) error {
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Setup(cfg.Trace, os.Stdout)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, app.Deps{}, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()

	// gRPC health service
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
		return err
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	go func() {
		logger.Info("gRPC health listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc serve error", zap.Error(err))
		}
	}()

	// HTTP shim
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHTTPHandler(a.Engine, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP shim listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http listen", zap.Error(err))
		}
	}()

	// Metrics endpoint
	mux := http.NewServeMux()
	metrics.RegisterMetrics(mux)
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("Prometheus metrics available", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if bpPath != "" && cfg.ReconcileInterval > 0 {
		go reconcile(ctx, a, bpPath, cfg.ReconcileInterval, logger)
	}

	<-ctx.Done()
	logger.Info("shutdown initiated")

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// reconcile re-applies the blueprint at every interval until ctx ends. The
// file is re-read each time so edits are picked up without a restart.
func reconcile(ctx context.Context, a *app.App, bpPath string, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		bp, err := blueprint.Load(bpPath)
		if err != nil {
			logger.Error("reconcile: loading blueprint", zap.Error(err))
			continue
		}
		report, err := a.Engine.Apply(ctx, bp)
		if err != nil {
			logger.Error("reconcile failed", zap.Error(err))
			continue
		}
		if report.Changed() {
			logger.Info("reconcile applied changes", zap.Int("actions", len(report.Actions)))
		}
	}
}
