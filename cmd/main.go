package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"preview-env-manager/config"
	"preview-env-manager/environment"
	"preview-env-manager/health"
	"preview-env-manager/metrics"
	ecsplatform "preview-env-manager/platform/ecs"
	"preview-env-manager/platform/kube"
	"preview-env-manager/provisioner"
	"preview-env-manager/queues"
	qpubsub "preview-env-manager/queues/pubsub"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "source"

// setLogger configures the global logger. The worker logs JSON; CLI commands
// log to stderr through the console writer so stdout carries only results.
func setLogger(level string, console bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "preview-env-manager",
		Short:         "Create and tear down per-PR preview environments",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newCreateCmd(), newDeleteCmd(), newListCmd(), newStatusCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume environment requests from Pub/Sub and publish results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setLogger(cfg.LogLevel, false)
			log.Info().Msgf("Starting preview-env-manager version: %s", version)
			log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")
			if !cfg.WorkerEnabled() {
				return fmt.Errorf("pub/sub worker is not configured")
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}

	var receiving atomic.Bool
	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, receiving.Load)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.CredentialsFile != "" {
		log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
	} else {
		log.Info().Msg("using default Google credentials (in-cluster or ambient)")
	}
	publisher := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.PubsubTopic, cfg.CredentialsFile)
	defer publisher.Close()
	controller := provisioner.NewController(publisher, svc)
	subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.Subscription, cfg.CredentialsFile)
	defer subscriber.Close()

	subErr := make(chan error, 1)
	go func() {
		log.Info().Str("subscription", cfg.Subscription).Msg("starting subscriber loop")
		receiving.Store(true)
		subErr <- subscriber.Start(ctx, func(ctx context.Context, req *queues.EnvironmentRequest) error {
			return controller.Handle(ctx, req)
		})
		receiving.Store(false)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-subErr:
		if err != nil {
			log.Error().Err(err).Msg("subscriber exited with fatal error; shutting down")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
	return err
}

// buildService wires the configured platform backend into the environment
// service.
func buildService(ctx context.Context, cfg *config.Config) (*environment.Service, error) {
	var backend environment.Backend
	switch cfg.Platform {
	case config.PlatformKube:
		client, err := kube.NewClient(cfg.Kubeconfig)
		if err != nil {
			return nil, err
		}
		backend = kube.NewBackend(client, kube.Options{
			Namespace:     cfg.KubeNamespace,
			ContainerPort: int32(cfg.ContainerPort),
		}).Bundle()
	default:
		clients, err := ecsplatform.NewClients(ctx, ecsplatform.ClientOptions{Region: cfg.Region, DisableIMDS: cfg.DisableIMDS})
		if err != nil {
			return nil, err
		}
		backend = ecsplatform.NewBackend(clients, ecsplatform.Options{
			TaskFamily:       cfg.TaskFamily,
			ContainerPort:    int32(cfg.ContainerPort),
			CPU:              cfg.TaskCPU,
			Memory:           cfg.TaskMemory,
			ExecutionRoleARN: cfg.ExecutionRoleARN,
			Subnets:          cfg.Subnets,
			SecurityGroups:   cfg.SecurityGroups,
			ECRRepository:    cfg.ECRRepository,
			StabilityTimeout: cfg.StabilityTimeout,
		}).Bundle()
	}

	clock := environment.RealClock{}
	var checker *environment.HealthChecker
	if cfg.HealthAttempts > 0 && cfg.ContainerPort > 0 {
		checker = environment.NewHealthChecker(cfg.ContainerPort, cfg.HealthAttempts, cfg.HealthInterval, clock)
	}
	return environment.NewService(backend, environment.ServiceOptions{
		Cluster:         cfg.Cluster,
		ImageRepository: cfg.ImageRepository,
		DeletionTimeout: cfg.DeletionTimeout,
		PollInterval:    cfg.PollInterval,
		Clock:           clock,
		Health:          checker,
	})
}
