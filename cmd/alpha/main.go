package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fortressi/alpha"
	"github.com/fortressi/alpha/internal/config"
	"github.com/fortressi/alpha/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "alpha",
		Short:        "Saga coordinator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log, "alpha")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events GLOBAL_TX_ID",
		Short: "Print the logged events of a global transaction as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == config.DriverMemory {
				return errors.New("the memory event log keeps nothing between runs")
			}
			events, err := openEventLog(cmd.Context(), cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer events.Close()

			found, err := events.FindByGlobalTxID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(found)
		},
	}

	root.AddCommand(serveCmd, eventsCmd)
	return root
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	events, err := openEventLog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer events.Close()

	metrics := alpha.NewMetrics("alpha")
	coord := alpha.NewCoordinator(events, cfg.CoordinatorConfig(), metrics, log)
	if err := coord.Recover(ctx); err != nil {
		return err
	}

	grpcServer := alpha.NewGRPCServer(alpha.NewServer(coord, alpha.ServerConfig{SendQueueSize: cfg.GRPC.SendQueueSize}, log))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           alpha.NewQueryHandler(coord, metrics, log),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving event streams", zap.String("addr", cfg.GRPC.Addr))
		healthServer.SetServingStatus(alpha.TxEventServiceName, healthpb.HealthCheckResponse_SERVING)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info("serving queries", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return coord.RunRedelivery(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})
	return g.Wait()
}

func openEventLog(ctx context.Context, cfg *config.Config, log *zap.Logger) (alpha.EventLog, error) {
	var events alpha.EventLog
	switch cfg.Storage.Driver {
	case config.DriverBolt:
		l, err := alpha.NewBoltEventLog(cfg.Storage.BoltPath)
		if err != nil {
			return nil, err
		}
		events = l
	case config.DriverSQL:
		l, err := alpha.OpenSQLEventLog(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		events = l
	default:
		events = alpha.NewMemoryEventLog()
	}

	if cfg.Storage.Breaker.Enabled {
		events = alpha.NewBreakerEventLog(events, cfg.BreakerSettings(), log)
	}
	log.Info("opened event log",
		zap.String("driver", cfg.Storage.Driver),
		zap.Bool("breaker", cfg.Storage.Breaker.Enabled),
	)
	return events, nil
}
