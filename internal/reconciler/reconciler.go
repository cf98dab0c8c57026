// Package reconciler runs the periodic sweep that keeps database state
// honest against runtime and storage reality: drift repair for services
// whose container died out from under them, reaping containers left behind
// by failed deployments, failing deployments abandoned mid-BUILDING by a
// crashed worker, and deployment history trimming. It is the generalization
// of the teacher's single ticker-driven poll loop (engine.RunLoop) into four
// independent, scheduled sweeps.
package reconciler

import (
	"context"
	"log"
	"time"

	"renderlite/internal/apierr"
	"renderlite/internal/containerctl"
	"renderlite/internal/deployment"
	"renderlite/internal/eventbus"
	"renderlite/internal/service"
)

// staleFailedContainerAge is how long a FAILED service may keep a
// container_id pointer before the reaper cleans it up.
const staleFailedContainerAge = 24 * time.Hour

// startupDelay is how long the reconciler waits after Run is called before
// its first sweep, so a cold-started worker isn't racing its own in-flight
// deployments.
const startupDelay = 10 * time.Second

// Reconciler periodically sweeps service/deployment state against the
// container runtime.
type Reconciler struct {
	services        *service.Store
	deployments     *deployment.Store
	containers      *containerctl.Controller
	hub             *eventbus.Hub
	interval        time.Duration
	buildingTimeout time.Duration
}

// New constructs a Reconciler. buildingTimeout is how long a deployment may
// sit in BUILDING before the sweep assumes its worker is gone and fails it
// outright; callers should size it at clone timeout + build timeout +
// health-check budget plus slack, so it never fires on a deployment that is
// merely slow.
func New(services *service.Store, deployments *deployment.Store, containers *containerctl.Controller, hub *eventbus.Hub, interval, buildingTimeout time.Duration) *Reconciler {
	return &Reconciler{services: services, deployments: deployments, containers: containers, hub: hub, interval: interval, buildingTimeout: buildingTimeout}
}

// Run blocks, sweeping every interval until ctx is cancelled. The first
// sweep fires after startupDelay rather than immediately.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("[RECONCILER] starting (interval %s)", r.interval)

	select {
	case <-time.After(startupDelay):
	case <-ctx.Done():
		return
	}
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[RECONCILER] stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	log.Printf("[RECONCILER] sweep starting")
	r.repairDrift(ctx)
	r.reapStaleFailedContainers(ctx)
	r.failStaleBuildingDeployments(ctx)
	r.trimHistory(ctx)
	if n, err := r.containers.ReapExited(ctx); err != nil {
		log.Printf("[RECONCILER] WARNING - failed to reap exited containers: %v", err)
	} else if n > 0 {
		log.Printf("[RECONCILER] reaped %d exited container(s)", n)
	}
	log.Printf("[RECONCILER] sweep complete")
}

// repairDrift finds services that believe they have a running container
// but whose container is gone, stopped, or unreachable, and marks them
// STOPPED so the control plane's view matches reality.
func (r *Reconciler) repairDrift(ctx context.Context) {
	services, err := r.services.ListRunningWithContainer(ctx)
	if err != nil {
		log.Printf("[RECONCILER] WARNING - failed to list running services: %v", err)
		return
	}

	for _, svc := range services {
		running, err := r.containers.IsRunning(ctx, *svc.ContainerID)
		if err == nil && running {
			continue
		}
		if err != nil {
			if kind, ok := apierr.KindOf(err); !ok || kind != apierr.KindIntegrity {
				log.Printf("[RECONCILER] WARNING - failed to check container state for service %s: %v", svc.ID, err)
				continue
			}
		}

		log.Printf("[RECONCILER] drift detected: service %s believes it is running but its container is not, marking STOPPED", svc.ID)
		if err := r.services.MarkStopped(ctx, svc.ID); err != nil {
			log.Printf("[RECONCILER] WARNING - failed to mark service %s stopped: %v", svc.ID, err)
			continue
		}
		r.emitServiceStatus(ctx, svc.ID, service.StatusStopped)
	}
}

// failStaleBuildingDeployments marks deployments that have sat in BUILDING
// past buildingTimeout as FAILED. The pipeline itself always reaches a
// terminal write on a live worker (either finalize's SUCCESS or fail's
// FAILED), but a worker crash - or a job the queue's own lease-based
// redelivery and retry budget eventually gave up on - leaves a deployment
// with no one left to write that terminal state. This sweep is the
// backstop that still converges it.
func (r *Reconciler) failStaleBuildingDeployments(ctx context.Context) {
	cutoff := time.Now().Add(-r.buildingTimeout)
	deployments, err := r.deployments.ListStaleBuilding(ctx, cutoff)
	if err != nil {
		log.Printf("[RECONCILER] WARNING - failed to list stale building deployments: %v", err)
		return
	}

	for _, dep := range deployments {
		log.Printf("[RECONCILER] deployment %s stuck in BUILDING, marking FAILED", dep.ID)
		reason := apierr.Timeout("deployment timed out in BUILDING, likely abandoned by a crashed worker", nil).Error()
		if err := r.deployments.MarkFailed(ctx, dep.ID, reason); err != nil {
			log.Printf("[RECONCILER] WARNING - failed to mark deployment %s failed: %v", dep.ID, err)
			continue
		}
		r.emitDeploymentStatus(ctx, dep.ID, deployment.StatusFailed)

		svc, err := r.services.GetByID(ctx, dep.ServiceID)
		if err != nil {
			log.Printf("[RECONCILER] WARNING - failed to load service %s after failing stuck deployment %s: %v", dep.ServiceID, dep.ID, err)
			continue
		}
		// A deployment stays BUILDING through the run step too, so a
		// traditional run may already have removed the prior container. The
		// service falls back to RUNNING only when that container is still
		// running, as pipeline.fail does; otherwise it is marked FAILED.
		oldRunning := false
		if svc.ContainerID != nil && svc.Status != service.StatusFailed {
			oldRunning, _ = r.containers.IsRunning(ctx, *svc.ContainerID)
		}
		if oldRunning {
			if err := r.services.UpdateStatus(ctx, svc.ID, service.StatusRunning); err != nil {
				log.Printf("[RECONCILER] WARNING - failed to restore service %s to running: %v", svc.ID, err)
				continue
			}
			r.emitServiceStatus(ctx, svc.ID, service.StatusRunning)
		} else {
			if err := r.services.UpdateStatus(ctx, svc.ID, service.StatusFailed); err != nil {
				log.Printf("[RECONCILER] WARNING - failed to mark service %s failed: %v", svc.ID, err)
				continue
			}
			r.emitServiceStatus(ctx, svc.ID, service.StatusFailed)
		}
	}
}

func (r *Reconciler) emitDeploymentStatus(ctx context.Context, deploymentID, status string) {
	if r.hub == nil {
		return
	}
	if err := r.hub.PublishTyped(ctx, eventbus.DeploymentTopic(deploymentID), eventbus.KindDeploymentStatus, eventbus.DeploymentStatus{
		DeploymentID: deploymentID,
		Status:       status,
		Timestamp:    time.Now().Unix(),
	}); err != nil {
		log.Printf("[RECONCILER] WARNING - failed to publish deployment status for %s: %v", deploymentID, err)
	}
}

func (r *Reconciler) emitServiceStatus(ctx context.Context, serviceID, status string) {
	if r.hub == nil {
		return
	}
	if err := r.hub.PublishTyped(ctx, eventbus.ServiceTopic(serviceID), eventbus.KindServiceStatus, eventbus.ServiceStatus{
		ServiceID: serviceID,
		Status:    status,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		log.Printf("[RECONCILER] WARNING - failed to publish service status for %s: %v", serviceID, err)
	}
}

// reapStaleFailedContainers removes containers left behind by deployments
// that failed partway through a run (e.g. the process died between
// container start and the finalize step), once they have been stale long
// enough that a concurrent in-flight deployment is implausible.
func (r *Reconciler) reapStaleFailedContainers(ctx context.Context) {
	services, err := r.services.ListFailedWithStaleContainer(ctx, staleFailedContainerAge)
	if err != nil {
		log.Printf("[RECONCILER] WARNING - failed to list stale failed services: %v", err)
		return
	}

	for _, svc := range services {
		log.Printf("[RECONCILER] reaping stale container for failed service %s", svc.ID)
		if err := r.containers.Remove(ctx, *svc.ContainerID); err != nil {
			log.Printf("[RECONCILER] WARNING - failed to remove stale container for service %s: %v", svc.ID, err)
			continue
		}
		if err := r.services.ClearContainer(ctx, svc.ID); err != nil {
			log.Printf("[RECONCILER] WARNING - failed to clear container pointer for service %s: %v", svc.ID, err)
		}
	}
}

// trimHistory caps each service's retained deployment rows, independent of
// the service's current status.
func (r *Reconciler) trimHistory(ctx context.Context) {
	services, err := r.services.ListAll(ctx)
	if err != nil {
		log.Printf("[RECONCILER] WARNING - failed to list services for history trim: %v", err)
		return
	}
	for _, svc := range services {
		if _, err := r.deployments.TrimHistory(ctx, svc.ID); err != nil {
			log.Printf("[RECONCILER] WARNING - failed to trim deployment history for service %s: %v", svc.ID, err)
		}
	}
}
