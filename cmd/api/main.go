// Package main provides the ingress shim: a thin HTTP surface that accepts
// deployment triggers, rollbacks, cancellations, and inbound source-control
// webhooks, and tails the event bus over server-sent events. It never
// touches Docker or git directly; every build and run is delegated to the
// worker process via the job queue. This process uses the database to
// validate requests, create deployment rows, and record cancellations; the
// SSE tail reads only the event hub.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"renderlite/internal/apierr"
	"renderlite/internal/config"
	"renderlite/internal/db"
	"renderlite/internal/deployment"
	"renderlite/internal/domain"
	"renderlite/internal/eventbus"
	"renderlite/internal/pipeline"
	"renderlite/internal/queue"
	"renderlite/internal/secretenv"
	"renderlite/internal/service"
	"renderlite/internal/webhook"
)

const (
	buildQueueName    = "build-queue"
	rollbackQueueName = "rollback-queue"
)

func main() {
	log.Println("=== starting renderlite ingress ===")
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	hub := eventbus.NewHub(rdb)

	buildQueue := queue.New(rdb, queue.Options{
		Name:        buildQueueName,
		Concurrency: cfg.BuildQueueConcurrency,
		RateLimit:   cfg.QueueRateLimitPerMinute,
		MaxAttempts: cfg.QueueMaxAttempts,
	})
	rollbackQueue := queue.New(rdb, queue.Options{
		Name:        rollbackQueueName,
		Concurrency: cfg.RollbackQueueConcurrency,
		RateLimit:   cfg.QueueRateLimitPerMinute,
		MaxAttempts: cfg.QueueMaxAttempts,
	})

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

	srv := &server{
		cfg:           cfg,
		services:      services,
		deployments:   deployments,
		domains:       domains,
		sealer:        sealer,
		hub:           hub,
		buildQueue:    buildQueue,
		rollbackQueue: rollbackQueue,
	}

	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+webhook.SignatureHeader)
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/services", func(r chi.Router) {
		r.Route("/{serviceID}/deployments", func(r chi.Router) {
			r.Post("/", srv.triggerDeployment)
			r.Post("/rollback", srv.triggerRollback)
			r.Delete("/{deploymentID}", srv.cancelDeployment)
			r.Get("/{deploymentID}/events", srv.tailDeployment)
		})
		r.Get("/{serviceID}/events", srv.tailService)
		r.Post("/{serviceID}/webhook", srv.receiveWebhook)
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[API] error during shutdown: %v", err)
		}
	}()

	log.Printf("[API] listening on :%s", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	log.Println("=== renderlite ingress stopped ===")
}

// server holds the dependencies every ingress handler needs. Its methods
// never call into containerctl/buildctl/gitrepo directly - that boundary is
// the queue.
type server struct {
	cfg           *config.Config
	services      *service.Store
	deployments   *deployment.Store
	domains       *domain.Store
	sealer        *secretenv.Sealer
	hub           *eventbus.Hub
	buildQueue    *queue.Queue
	rollbackQueue *queue.Queue
}

// triggerDeployment creates a QUEUED deployment row and enqueues a
// DeploymentJob, using the deployment id as the job id so a later cancel
// can address the same queue entry.
func (s *server) triggerDeployment(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")

	svc, err := s.services.GetByID(r.Context(), serviceID)
	if err != nil {
		respondAPIErr(w, apierr.NotFound("service not found", err))
		return
	}

	var body struct {
		SourceToken string `json:"source_token"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondAPIErr(w, apierr.Validation("invalid request body", err))
			return
		}
	}

	dep, err := s.deployments.Create(r.Context(), svc.ID)
	if err != nil {
		respondAPIErr(w, fmt.Errorf("failed to create deployment: %w", err))
		return
	}

	job := pipeline.DeploymentJob{
		DeploymentID:  dep.ID,
		ServiceID:     svc.ID,
		RepoURL:       svc.RepoURL,
		Branch:        svc.Branch,
		Subdomain:     svc.Subdomain,
		Env:           svc.Env,
		SourceToken:   body.SourceToken,
		HealthCheck:   healthCheckParams(svc),
		ContainerPort: 0,
	}
	if err := s.buildQueue.Enqueue(r.Context(), dep.ID, job); err != nil {
		respondAPIErr(w, fmt.Errorf("failed to enqueue deployment: %w", err))
		return
	}

	respondJSON(w, http.StatusAccepted, dep)
}

// triggerRollback re-deploys a prior successful deployment's image tag
// without cloning or building.
func (s *server) triggerRollback(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")

	svc, err := s.services.GetByID(r.Context(), serviceID)
	if err != nil {
		respondAPIErr(w, apierr.NotFound("service not found", err))
		return
	}

	var body struct {
		DeploymentID string `json:"deployment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeploymentID == "" {
		respondAPIErr(w, apierr.Validation("deployment_id is required", err))
		return
	}

	target, err := s.deployments.GetByID(r.Context(), body.DeploymentID)
	if err != nil {
		respondAPIErr(w, apierr.NotFound("deployment not found", err))
		return
	}
	if target.ServiceID != svc.ID || target.Status != deployment.StatusSuccess || target.ImageTag == nil {
		respondAPIErr(w, apierr.Validation("deployment is not a successful build for this service", nil))
		return
	}

	dep, err := s.deployments.CreateRollback(r.Context(), svc.ID, *target.ImageTag, target.CommitSha)
	if err != nil {
		respondAPIErr(w, fmt.Errorf("failed to create rollback deployment: %w", err))
		return
	}

	job := pipeline.RollbackJob{
		DeploymentID:  dep.ID,
		ServiceID:     svc.ID,
		Subdomain:     svc.Subdomain,
		ImageTag:      *target.ImageTag,
		Env:           svc.Env,
		HealthCheck:   healthCheckParams(svc),
		ContainerPort: 0,
	}
	if err := s.rollbackQueue.Enqueue(r.Context(), dep.ID, job); err != nil {
		respondAPIErr(w, fmt.Errorf("failed to enqueue rollback: %w", err))
		return
	}

	respondJSON(w, http.StatusAccepted, dep)
}

// cancelDeployment removes a still-QUEUED job from whichever queue holds it
// and writes the terminal FAILED state. A deployment already picked up by a
// worker (BUILDING) cannot be cancelled this way: removing it from the
// queue at that point would have no effect, since the worker no longer
// consults the queue once it has the job in hand.
func (s *server) cancelDeployment(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	deploymentID := chi.URLParam(r, "deploymentID")

	dep, err := s.deployments.GetByID(r.Context(), deploymentID)
	if err != nil {
		respondAPIErr(w, apierr.NotFound("deployment not found", err))
		return
	}
	if dep.ServiceID != serviceID {
		respondAPIErr(w, apierr.NotFound("deployment not found", nil))
		return
	}
	if dep.Status != deployment.StatusQueued {
		respondAPIErr(w, apierr.Conflict("deployment is no longer queued", nil))
		return
	}

	removedFromBuild, err := s.buildQueue.Remove(r.Context(), deploymentID)
	if err != nil {
		respondAPIErr(w, fmt.Errorf("failed to remove job from build queue: %w", err))
		return
	}
	if !removedFromBuild {
		if _, err := s.rollbackQueue.Remove(r.Context(), deploymentID); err != nil {
			respondAPIErr(w, fmt.Errorf("failed to remove job from rollback queue: %w", err))
			return
		}
	}

	pl := pipeline.New(s.services, s.deployments, s.domains, nil, nil, nil, s.hub, s.sealer, pipeline.Config{})
	if err := pl.Cancel(r.Context(), deploymentID, dep.ServiceID); err != nil {
		respondAPIErr(w, fmt.Errorf("failed to finalize cancellation: %w", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// receiveWebhook verifies an inbound push notification's HMAC signature,
// checks it targets the service's tracked branch, and enqueues a build -
// the same path triggerDeployment takes.
func (s *server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")

	svc, err := s.services.GetByID(r.Context(), serviceID)
	if err != nil {
		respondAPIErr(w, apierr.NotFound("service not found", err))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondAPIErr(w, apierr.Validation("failed to read webhook body", err))
		return
	}

	secret, err := s.sealer.Open(svc.WebhookSecret)
	if err != nil {
		respondAPIErr(w, fmt.Errorf("failed to decrypt webhook secret: %w", err))
		return
	}

	if err := webhook.Verify(body, r.Header.Get(webhook.SignatureHeader), secret); err != nil {
		respondAPIErr(w, err)
		return
	}

	var payload struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		respondAPIErr(w, apierr.Validation("invalid webhook payload", err))
		return
	}
	push := webhook.Push{Ref: payload.Ref}

	if !webhook.MatchesBranch(push, svc.Branch) {
		log.Printf("[API] ignoring webhook for service %s: %s", svc.ID, webhook.DescribeMismatch(push, svc.Branch))
		w.WriteHeader(http.StatusOK)
		return
	}

	dep, err := s.deployments.Create(r.Context(), svc.ID)
	if err != nil {
		respondAPIErr(w, fmt.Errorf("failed to create deployment: %w", err))
		return
	}

	job := pipeline.DeploymentJob{
		DeploymentID:  dep.ID,
		ServiceID:     svc.ID,
		RepoURL:       svc.RepoURL,
		Branch:        svc.Branch,
		Subdomain:     svc.Subdomain,
		Env:           svc.Env,
		HealthCheck:   healthCheckParams(svc),
		ContainerPort: 0,
	}
	if err := s.buildQueue.Enqueue(r.Context(), dep.ID, job); err != nil {
		respondAPIErr(w, fmt.Errorf("failed to enqueue webhook-triggered deployment: %w", err))
		return
	}

	respondJSON(w, http.StatusAccepted, dep)
}

// tailDeployment streams a deployment's log/status events as SSE until the
// client disconnects.
func (s *server) tailDeployment(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")
	s.tail(w, r, eventbus.DeploymentTopic(deploymentID))
}

// tailService streams a service's status/metrics events as SSE.
func (s *server) tailService(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	s.tail(w, r, eventbus.ServiceTopic(serviceID))
}

func (s *server) tail(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondAPIErr(w, apierr.RuntimeUnavailable("streaming not supported", nil))
		return
	}

	ch, unsubscribe := s.hub.Subscribe(topic)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, evt.Data)
			flusher.Flush()
		}
	}
}

func healthCheckParams(svc *service.Service) *pipeline.HealthCheckParams {
	if svc.HealthCheckPath == nil {
		return nil
	}
	interval := 30
	if svc.HealthCheckIntervalSec != nil {
		interval = *svc.HealthCheckIntervalSec
	}
	timeout := 5
	if svc.HealthCheckTimeoutSec != nil {
		timeout = *svc.HealthCheckTimeoutSec
	}
	return &pipeline.HealthCheckParams{
		Path:        *svc.HealthCheckPath,
		IntervalSec: interval,
		TimeoutSec:  timeout,
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondAPIErr maps an apierr.Kind (or a plain error, treated as an
// internal failure) to the matching HTTP status.
func respondAPIErr(w http.ResponseWriter, err error) {
	kind, ok := apierr.KindOf(err)
	if !ok {
		log.Printf("[API] internal error: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case apierr.KindValidation:
		status = http.StatusBadRequest
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindConflict:
		status = http.StatusConflict
	case apierr.KindTimeout:
		status = http.StatusGatewayTimeout
	case apierr.KindRuntimeUnavailable:
		status = http.StatusServiceUnavailable
	case apierr.KindIntegrity:
		status = http.StatusConflict
	case apierr.KindCancelled:
		status = http.StatusGone
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
