package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/config"
	"github.com/pesio-ai/be-approvals/internal/handler"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/metrics"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/service"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgFile string

	load := func(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
		loaded, err := config.New(cfgFile)
		if err != nil {
			return nil, nil, err
		}
		// flags override file and environment
		if err := loaded.BindPFlags(cmd.Flags()); err != nil {
			return nil, nil, err
		}
		cfg, err := config.Load(loaded)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		log := logger.New(logger.Config{
			Level:       cfg.Log.Level,
			Format:      cfg.Log.Format,
			Environment: cfg.Service.Environment,
			ServiceName: cfg.Service.Name,
			Version:     cfg.Service.Version,
		})
		return cfg, log, nil
	}

	root := &cobra.Command{
		Use:           "be-approvals",
		Short:         "Approval workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().String("log.level", "", "log level (debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
	serve.Flags().Int("server.port", 0, "HTTP port")
	serve.Flags().Int("server.grpc_port", 0, "gRPC port, 0 disables gRPC")
	serve.Flags().String("database.driver", "", "request store: postgres, sqlite or memory")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			be, err := openBackend(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer be.close()
			if err := be.migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Str("driver", cfg.Database.Driver).Msg("Schema is up to date")
			return nil
		},
	}
	migrate.Flags().String("database.driver", "", "request store: postgres, sqlite or memory")

	root.AddCommand(serve, migrate)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Database.Driver).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer be.close()

	if cfg.Database.AutoMigrate {
		if err := be.migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	opts := service.Options{
		Metrics:        metrics.New(),
		StoreTimeout:   cfg.Workflow.StoreTimeout,
		PublishTimeout: cfg.Workflow.PublishTimeout,
	}

	// Optional shared sequencer; otherwise the store hands out request codes.
	if cfg.Redis.Addr != "" {
		rdb, err := client.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts.Sequencer = client.NewRedisSequencer(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis sequencer enabled")
	} else if _, ok := be.store.(repository.Sequencer); !ok {
		return fmt.Errorf("store %s cannot generate request codes and redis.addr is empty", cfg.Database.Driver)
	}

	// Notification publisher is non-fatal: the service runs without NATS.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		conn, js, err := client.ConnectJetStream(ctx, cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, workflow events disabled")
		} else {
			nc = conn
			opts.Events = client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, log.Logger)
			log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS event publishing enabled")
		}
	}
	defer func() {
		if nc != nil {
			_ = nc.Drain()
		}
	}()

	workflowService, err := service.NewWorkflowService(be.store, log, opts)
	if err != nil {
		return err
	}
	defer workflowService.Close()

	httpHandler := handler.NewHTTPHandler(workflowService, log)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpHandler.Router(handler.RouterConfig{
			Health:         be.health,
			Metrics:        opts.Metrics.Handler(),
			RequestTimeout: cfg.Server.RequestTimeout,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(handler.RecoveryInterceptor(log.Logger)))
		handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(workflowService, log.Logger))
		reflection.Register(grpcServer)

		grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to create gRPC listener: %w", err)
		}
		go func() {
			log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
			if err := grpcServer.Serve(grpcListener); err != nil {
				errCh <- fmt.Errorf("gRPC server failed: %w", err)
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("Server failed")
	}

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	log.Info().Msg("Server stopped")
	return runErr
}
