package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"ofcore/internal/adaptive"
	"ofcore/internal/admission"
	"ofcore/internal/client"
	"ofcore/internal/config"
	"ofcore/internal/domain"
	"ofcore/internal/executor"
	"ofcore/internal/logger"
	"ofcore/internal/pipeline"
	"ofcore/internal/repository"
	"ofcore/internal/telemetry"
	"ofcore/internal/web/server"
)

func main() {
	configPath := os.Getenv("OFCORE_CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	log, err := logger.NewFromEnv()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("configuration rejected", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}
	if !cfg.OpenFinance.Resources.Enabled {
		log.Info("processing core disabled by configuration")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first: everything else observes through it.
	collector := telemetry.NewCollector(cfg.OpenFinance.Resources.Adaptive.WindowWeightNew)
	adm := admission.New(admission.DefaultLimits(), collector)

	poolSizes := make(map[domain.OperationClass]int, len(domain.OperationClasses))
	for _, class := range domain.OperationClasses {
		poolSizes[class] = adm.Limits(class).Max
	}
	pools, err := executor.NewPools(poolSizes, log)
	if err != nil {
		log.Error("worker pool construction failed", logger.Field{Key: "error", Value: err})
		os.Exit(1)
	}
	defer pools.Release()

	deadlines := executor.DeadlinesFromTimeouts(cfg.OpenFinance.Scheduler.Timeout.Task, cfg.OpenFinance.Scheduler.Timeout.Batch)
	exec := executor.New(pools, collector, log, deadlines)

	sampler := adaptive.GopsutilSampler{}
	controller := adaptive.New(cfg.OpenFinance.Resources.Adaptive, cfg.OpenFinance.Resources.Batch, cfg.OpenFinance.Scheduler.Batch, adm, collector, sampler, log)

	jobRepo, resourceRepo := buildRepositories(cfg, log)

	httpClient := client.NewHTTPClient(client.Options{
		BaseURL:           cfg.Client.BaseURL,
		Timeout:           cfg.Client.Timeout,
		RequestsPerSecond: cfg.Client.RatePerSecond,
		Burst:             cfg.Client.RateBurst,
	}, log)

	discovery := pipeline.NewDiscoveryOperation(httpClient, resourceRepo, adm, exec, log)
	syncOp := pipeline.NewSyncOperation(httpClient, resourceRepo, adm, log)
	operations := map[domain.JobType]pipeline.Operation{
		domain.JobResourceDiscovery:  discovery,
		domain.JobResourceSync:       syncOp,
		domain.JobAccountSync:        syncOp,
		domain.JobResourceValidation: pipeline.NewValidationOperation(resourceRepo, log),
		domain.JobResourceMonitoring: pipeline.NewMonitoringOperation(httpClient, resourceRepo, adm, log),
	}

	worker := pipeline.NewWorker(
		jobRepo,
		operations,
		exec,
		adm,
		controller,
		cfg.OpenFinance.Scheduler.Backup.Interval,
		cfg.OpenFinance.Scheduler.StartupDelay,
		log,
	)

	stream := server.NewStream()
	worker.OnResult(stream.Publish)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		controller.Run(ctx)
	}()

	if cfg.OpenFinance.Scheduler.Enabled {
		endpoints := directoryEndpoints(cfg)
		scheduler := pipeline.NewScheduler(jobRepo, resourceRepo, discovery, endpoints, cfg.OpenFinance.Scheduler.Retry.MaxAttempts, log)
		if err := scheduler.Start(ctx); err != nil {
			log.Error("scheduler start failed", logger.Field{Key: "error", Value: err})
			os.Exit(1)
		}
		defer scheduler.Stop()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	if cfg.Server.Enabled {
		ops := server.New(cfg.Server.Port, collector, adm, controller, stream, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ops.Start(ctx); err != nil {
				log.Error("ops server failed", logger.Field{Key: "error", Value: err})
				stop()
			}
		}()
	}

	log.Info("processing core started")
	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	wg.Wait()
	log.Info("processing core stopped")
}

// buildRepositories picks the persistence backend. Redis coordinates batch
// claims across replicas; the in-memory stores are single-process only.
func buildRepositories(cfg config.Config, log logger.Logger) (repository.JobRepository, repository.ResourceRepository) {
	if !cfg.Redis.Enabled {
		log.Info("using in-memory repositories")
		return repository.NewMemoryJobRepository(), repository.NewMemoryResourceRepository()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Info("using redis repositories", logger.Field{Key: "addr", Value: cfg.Redis.Addr})
	return repository.NewRedisJobRepository(rdb), repository.NewRedisResourceRepository(rdb)
}

// directoryEndpoints splits the configured directory URL list.
func directoryEndpoints(cfg config.Config) []string {
	if cfg.Client.DirectoryURL == "" {
		return nil
	}
	parts := strings.Split(cfg.Client.DirectoryURL, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
