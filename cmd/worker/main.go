// Package main is the worker process: it consumes the build and rollback
// queues, drives the deployment pipeline, bridges events into the shared
// hub, samples container metrics, and runs the reconciler sweep. The API
// process creates deployment rows, enqueues work, records cancellations and
// tails the hub; this process is where every side effect against Docker
// happens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"renderlite/internal/buildctl"
	"renderlite/internal/config"
	"renderlite/internal/containerctl"
	"renderlite/internal/db"
	"renderlite/internal/deployment"
	"renderlite/internal/domain"
	"renderlite/internal/eventbus"
	"renderlite/internal/gitrepo"
	"renderlite/internal/pipeline"
	"renderlite/internal/queue"
	"renderlite/internal/reconciler"
	"renderlite/internal/secretenv"
	"renderlite/internal/service"
)

const (
	buildQueueName    = "build-queue"
	rollbackQueueName = "rollback-queue"
)

func main() {
	log.Println("=== starting renderlite worker ===")
	cfg := config.Load()

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	services := service.NewStore(database.DB)
	deployments := deployment.NewStore(database.DB)
	domains := domain.NewStore(database.DB)

	sealer, err := secretenv.NewFromHex(cfg.EncryptionKeyHex)
	if err != nil {
		log.Fatalf("failed to initialize secret sealer: %v", err)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		log.Fatalf("failed to create work directory: %v", err)
	}
	cloner := gitrepo.NewCloner(cfg.WorkDir)

	builder, err := buildctl.NewBuilder(cfg.DockerHost)
	if err != nil {
		log.Fatalf("failed to create image builder: %v", err)
	}

	containers, err := containerctl.New(cfg.DockerHost, cfg.ManagedNetwork, cfg.EnableTLS)
	if err != nil {
		log.Fatalf("failed to create container controller: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	hub := eventbus.NewHub(rdb)

	ticker := eventbus.NewMetricsTicker(hub, func(ctx context.Context, containerID string) (*eventbus.Stats, error) {
		stats, err := containers.Stats(ctx, containerID)
		if err != nil {
			return nil, err
		}
		return &eventbus.Stats{
			CPUPercent:    stats.CPUPercent,
			MemoryUsage:   stats.MemoryUsage,
			MemoryLimit:   stats.MemoryLimit,
			MemoryPercent: stats.MemoryPercent,
			NetworkRx:     stats.NetworkRx,
			NetworkTx:     stats.NetworkTx,
		}, nil
	}, services)

	pl := pipeline.New(services, deployments, domains, cloner, builder, containers, hub, sealer, pipeline.Config{
		BaseDomain:            cfg.BaseDomain,
		CloneTimeout:          cfg.CloneTimeout,
		BuildTimeout:          cfg.BuildTimeout,
		HealthCheckStartDelay: cfg.HealthCheckStartDelay,
		HealthCheckRetries:    cfg.HealthCheckRetries,
		DefaultContainerPort:  cfg.ContainerPort,
	})

	buildQueue := queue.New(rdb, queue.Options{
		Name:        buildQueueName,
		Concurrency: cfg.BuildQueueConcurrency,
		RateLimit:   cfg.QueueRateLimitPerMinute,
		MaxAttempts: cfg.QueueMaxAttempts,
		LeaseTTL:    cfg.QueueLeaseTTL,
	})
	rollbackQueue := queue.New(rdb, queue.Options{
		Name:        rollbackQueueName,
		Concurrency: cfg.RollbackQueueConcurrency,
		RateLimit:   cfg.QueueRateLimitPerMinute,
		MaxAttempts: cfg.QueueMaxAttempts,
		LeaseTTL:    cfg.QueueLeaseTTL,
	})

	healthCheckBudget := cfg.HealthCheckStartDelay + time.Duration(cfg.HealthCheckRetries)*cfg.HealthCheckTimeout
	for i, backoff := 1, time.Second; i < cfg.HealthCheckRetries; i++ {
		healthCheckBudget += backoff
		backoff = min(2*backoff, 10*time.Second)
	}
	buildingTimeout := cfg.CloneTimeout + cfg.BuildTimeout + healthCheckBudget + cfg.BuildingTimeoutSlack
	recon := reconciler.New(services, deployments, containers, hub, cfg.ReconcileInterval, buildingTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	hub.Start(ctx)
	go ticker.Run(ctx)
	go recon.Run(ctx)

	done := make(chan struct{}, 2)
	go func() {
		buildQueue.Run(ctx, func(ctx context.Context, job queue.Job) error {
			var deploymentJob pipeline.DeploymentJob
			if err := decodeJob(job, &deploymentJob); err != nil {
				log.Printf("[WORKER] failed to decode build job %s: %v", job.ID, err)
				return nil
			}
			return pl.Run(ctx, deploymentJob)
		})
		done <- struct{}{}
	}()
	go func() {
		rollbackQueue.Run(ctx, func(ctx context.Context, job queue.Job) error {
			var rollbackJob pipeline.RollbackJob
			if err := decodeJob(job, &rollbackJob); err != nil {
				log.Printf("[WORKER] failed to decode rollback job %s: %v", job.ID, err)
				return nil
			}
			return pl.RunRollback(ctx, rollbackJob)
		})
		done <- struct{}{}
	}()

	<-done
	<-done
	log.Println("=== renderlite worker stopped ===")
}

func decodeJob(job queue.Job, out any) error {
	if err := json.Unmarshal(job.Payload, out); err != nil {
		return fmt.Errorf("failed to unmarshal payload for job %s: %w", job.ID, err)
	}
	return nil
}
