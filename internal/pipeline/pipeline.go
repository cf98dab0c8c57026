// Package pipeline implements the deployment state machine (C2): clone,
// detect & build, fetch routing inputs, run (blue/green or traditional),
// and finalize. It is the orchestration layer that the teacher's engine
// package played for the original two-step clone/run flow, generalized to
// the full build/health-check/swap lifecycle and driven by the job queue
// rather than a polling loop.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"renderlite/internal/apierr"
	"renderlite/internal/buildctl"
	"renderlite/internal/containerctl"
	"renderlite/internal/deployment"
	"renderlite/internal/domain"
	"renderlite/internal/eventbus"
	"renderlite/internal/gitrepo"
	"renderlite/internal/secretenv"
	"renderlite/internal/service"
)

// DeploymentJob is the immutable plan a worker executes for a fresh build
// (as opposed to a rollback).
type DeploymentJob struct {
	DeploymentID  string
	ServiceID     string
	RepoURL       string
	Branch        string
	Subdomain     string
	Env           map[string]string
	SourceToken   string
	HealthCheck   *HealthCheckParams
	ContainerPort int
}

// RollbackJob carries a pre-existing image tag instead of a repository.
type RollbackJob struct {
	DeploymentID  string
	ServiceID     string
	Subdomain     string
	ImageTag      string
	Env           map[string]string
	HealthCheck   *HealthCheckParams
	ContainerPort int
}

// HealthCheckParams mirrors Service.HealthCheck* fields, decrypted/resolved
// at job-construction time.
type HealthCheckParams struct {
	Path               string
	IntervalSec        int
	TimeoutSec         int
}

// Pipeline drives one job to a terminal outcome: SUCCESS or FAILED.
type Pipeline struct {
	services    *service.Store
	deployments *deployment.Store
	domains     *domain.Store
	cloner      *gitrepo.Cloner
	builder     *buildctl.Builder
	containers  *containerctl.Controller
	hub         *eventbus.Hub
	sealer      *secretenv.Sealer

	baseDomain            string
	cloneTimeout          time.Duration
	buildTimeout          time.Duration
	healthCheckStartDelay time.Duration
	healthCheckRetries    int
	defaultContainerPort  int
}

// Config groups the Pipeline's fixed, process-level parameters.
type Config struct {
	BaseDomain            string
	CloneTimeout          time.Duration
	BuildTimeout          time.Duration
	HealthCheckStartDelay time.Duration
	HealthCheckRetries    int
	DefaultContainerPort  int
}

func New(
	services *service.Store,
	deployments *deployment.Store,
	domains *domain.Store,
	cloner *gitrepo.Cloner,
	builder *buildctl.Builder,
	containers *containerctl.Controller,
	hub *eventbus.Hub,
	sealer *secretenv.Sealer,
	cfg Config,
) *Pipeline {
	return &Pipeline{
		services:              services,
		deployments:           deployments,
		domains:               domains,
		cloner:                cloner,
		builder:               builder,
		containers:            containers,
		hub:                   hub,
		sealer:                sealer,
		baseDomain:            cfg.BaseDomain,
		cloneTimeout:          cfg.CloneTimeout,
		buildTimeout:          cfg.BuildTimeout,
		healthCheckStartDelay: cfg.HealthCheckStartDelay,
		healthCheckRetries:    cfg.HealthCheckRetries,
		defaultContainerPort:  cfg.DefaultContainerPort,
	}
}

func canonicalName(subdomain string) string { return "renderlite-" + subdomain }
func stagingName(subdomain string) string   { return canonicalName(subdomain) + "-new" }

// Run executes the full build pipeline for job: Init, Clone, Detect &
// Build, Fetch routing inputs, Run, Finalize.
func (p *Pipeline) Run(ctx context.Context, job DeploymentJob) error {
	logf := p.logFunc(job.DeploymentID)

	if err := p.init(ctx, job.DeploymentID, job.ServiceID); err != nil {
		return err
	}
	defer p.cloner.Cleanup(job.DeploymentID)

	repoPath, err := p.clone(ctx, job, logf)
	if err != nil {
		return p.fail(ctx, job.DeploymentID, job.ServiceID, err, true)
	}

	built, err := p.detectAndBuild(ctx, job.DeploymentID, job.Subdomain, repoPath, logf)
	if err != nil {
		return p.fail(ctx, job.DeploymentID, job.ServiceID, err, true)
	}

	containerPort := job.ContainerPort
	if containerPort == 0 {
		if built.detectedPort > 0 {
			containerPort = built.detectedPort
		} else {
			containerPort = p.defaultContainerPort
		}
	}

	healthCheck := job.HealthCheck
	if built.isWorkerApp && healthCheck != nil {
		logf("detected a worker/background app from the Dockerfile, skipping HTTP health checks")
		healthCheck = nil
	}

	return p.runAndFinalize(ctx, runParams{
		deploymentID:  job.DeploymentID,
		serviceID:     job.ServiceID,
		subdomain:     job.Subdomain,
		imageTag:      built.imageTag,
		env:           job.Env,
		healthCheck:   healthCheck,
		containerPort: containerPort,
		isWorkerApp:   built.isWorkerApp,
	}, logf)
}

// RunRollback executes the rollback variant: no clone or build, the image
// tag is reused verbatim.
func (p *Pipeline) RunRollback(ctx context.Context, job RollbackJob) error {
	logf := p.logFunc(job.DeploymentID)

	if err := p.init(ctx, job.DeploymentID, job.ServiceID); err != nil {
		return err
	}
	defer p.cloner.Cleanup(job.DeploymentID)

	containerPort := job.ContainerPort
	if containerPort == 0 {
		containerPort = p.defaultContainerPort
	}

	logf(fmt.Sprintf("reusing image %s for rollback, no clone or build performed", job.ImageTag))

	return p.runAndFinalize(ctx, runParams{
		deploymentID:  job.DeploymentID,
		serviceID:     job.ServiceID,
		subdomain:     job.Subdomain,
		imageTag:      job.ImageTag,
		env:           job.Env,
		healthCheck:   job.HealthCheck,
		containerPort: containerPort,
	}, logf)
}

// init is state 1: mark the deployment BUILDING and the service DEPLOYING.
func (p *Pipeline) init(ctx context.Context, deploymentID, serviceID string) error {
	if err := p.deployments.MarkBuilding(ctx, deploymentID); err != nil {
		return fmt.Errorf("failed to initialize deployment: %w", err)
	}
	p.emitDeploymentStatus(ctx, deploymentID, deployment.StatusBuilding, nil)

	if err := p.services.UpdateStatus(ctx, serviceID, service.StatusDeploying); err != nil {
		return fmt.Errorf("failed to mark service deploying: %w", err)
	}
	p.emitServiceStatus(ctx, serviceID, service.StatusDeploying)
	return nil
}

// clone is state 2.
func (p *Pipeline) clone(ctx context.Context, job DeploymentJob, logf func(string)) (string, error) {
	cloneCtx, cancel := context.WithTimeout(ctx, p.cloneTimeout)
	defer cancel()

	logf(fmt.Sprintf("cloning %s (branch %s)", job.RepoURL, job.Branch))
	repoPath, err := p.cloner.Clone(cloneCtx, job.RepoURL, job.Branch, job.DeploymentID, job.SourceToken)
	if err != nil {
		return "", err
	}

	sha, err := p.cloner.CommitSha(ctx, repoPath)
	if err != nil {
		logf(fmt.Sprintf("warning: failed to read commit sha: %v", err))
	} else {
		if err := p.deployments.UpdateCommitSha(ctx, job.DeploymentID, sha); err != nil {
			logf(fmt.Sprintf("warning: failed to persist commit sha: %v", err))
		}
		logf(fmt.Sprintf("checked out commit %s", shortSHA(sha)))
	}
	return repoPath, nil
}

// buildResult carries detectAndBuild's output: the image tag plus the
// signals gitrepo's detection cascade picked up from the Dockerfile/source
// that matter to how the resulting container is run.
type buildResult struct {
	imageTag     string
	detectedPort int
	isWorkerApp  bool
}

// detectAndBuild is state 3.
func (p *Pipeline) detectAndBuild(ctx context.Context, deploymentID, subdomain, repoPath string, logf func(string)) (buildResult, error) {
	buildCtx, cancel := context.WithTimeout(ctx, p.buildTimeout)
	defer cancel()

	sha, _ := p.cloner.CommitSha(ctx, repoPath)
	imageTag := fmt.Sprintf("renderlite-%s:%s", subdomain, shortSHA(sha))

	hasDockerfile := gitrepo.CheckDockerfile(repoPath) == nil
	var buildErr error
	if hasDockerfile {
		logf("Dockerfile found, building with native image builder")
		if err := gitrepo.EnsurePackageLock(repoPath); err != nil {
			logf(fmt.Sprintf("warning: package-lock repair failed: %v", err))
		}
		buildErr = p.builder.BuildDockerfile(buildCtx, repoPath, imageTag, logf)
	} else {
		logf("no Dockerfile found, falling back to buildpack detection")
		buildErr = p.builder.BuildBuildpack(buildCtx, repoPath, imageTag, logf)
	}
	if buildErr != nil {
		if buildCtx.Err() != nil {
			return buildResult{}, apierr.Timeout("image build timed out", buildCtx.Err())
		}
		return buildResult{}, fmt.Errorf("image build failed: %w", buildErr)
	}

	if err := p.deployments.UpdateImageTag(ctx, deploymentID, imageTag); err != nil {
		return buildResult{}, fmt.Errorf("failed to persist image tag: %w", err)
	}
	logf(fmt.Sprintf("built image %s", imageTag))

	detectedPort := gitrepo.DetectPortFromDockerfile(repoPath)
	isWorkerApp := gitrepo.IsWorkerApp(repoPath)
	if isWorkerApp {
		logf("Dockerfile looks like a worker/background process, not an HTTP service")
	}
	return buildResult{imageTag: imageTag, detectedPort: detectedPort, isWorkerApp: isWorkerApp}, nil
}

type runParams struct {
	deploymentID  string
	serviceID     string
	subdomain     string
	imageTag      string
	env           map[string]string
	healthCheck   *HealthCheckParams
	containerPort int
	isWorkerApp   bool
}

// runAndFinalize covers states 4-6: fetch routing inputs, run (blue/green
// or traditional), and finalize.
func (p *Pipeline) runAndFinalize(ctx context.Context, rp runParams, logf func(string)) error {
	domains, err := p.domains.ListVerifiedByService(ctx, rp.serviceID)
	if err != nil {
		return p.fail(ctx, rp.deploymentID, rp.serviceID, fmt.Errorf("failed to fetch routing domains: %w", err), true)
	}
	hosts := make([]string, 0, len(domains))
	for _, d := range domains {
		hosts = append(hosts, d.Hostname)
	}

	env, err := p.sealer.OpenMap(rp.env)
	if err != nil {
		return p.fail(ctx, rp.deploymentID, rp.serviceID, fmt.Errorf("failed to decrypt env vars: %w", err), true)
	}

	svc, err := p.services.GetByID(ctx, rp.serviceID)
	if err != nil {
		return p.fail(ctx, rp.deploymentID, rp.serviceID, fmt.Errorf("failed to load service: %w", err), true)
	}

	useBlueGreen := svc.ContainerID != nil && rp.healthCheck != nil
	var newContainerID string
	if useBlueGreen {
		newContainerID, err = p.runBlueGreen(ctx, rp, *svc.ContainerID, hosts, env, logf)
	} else {
		newContainerID, err = p.runTraditional(ctx, rp, svc.ContainerID, hosts, env, logf)
	}
	if err != nil {
		// Blue/green only removes the old container after the staging
		// container passes its health check, so a failure before the swap
		// leaves it live; a failure while recreating the canonical container
		// after the swap does not, so the old container is checked before
		// the service is restored to RUNNING. runTraditional removes the old
		// container unconditionally before starting the replacement, so a
		// traditional failure leaves the service with no live container at
		// all, regardless of what Service.containerId still says.
		oldContainerSurvives := false
		if useBlueGreen {
			running, rerr := p.containers.IsRunning(ctx, *svc.ContainerID)
			oldContainerSurvives = rerr == nil && running
		}
		return p.fail(ctx, rp.deploymentID, rp.serviceID, err, oldContainerSurvives)
	}

	return p.finalize(ctx, rp.deploymentID, rp.serviceID, newContainerID, logf)
}

// runTraditional is the stop-then-start policy.
func (p *Pipeline) runTraditional(ctx context.Context, rp runParams, oldContainerID *string, hosts []string, env map[string]string, logf func(string)) (string, error) {
	if oldContainerID != nil {
		logf("stopping previous container")
		if err := p.containers.Remove(ctx, *oldContainerID); err != nil {
			logf(fmt.Sprintf("warning: failed to remove previous container: %v", err))
		}
	}

	name := canonicalName(rp.subdomain)
	id, err := p.containers.Run(ctx, containerctl.RunOpts{
		Name:          name,
		Image:         rp.imageTag,
		Subdomain:     rp.subdomain,
		Env:           env,
		ContainerPort: rp.containerPort,
		CustomDomains: hosts,
		NoRouting:     rp.isWorkerApp,
	})
	if err != nil {
		return "", err
	}
	logf(fmt.Sprintf("started container %s", name))

	if rp.healthCheck != nil {
		if err := p.healthCheck(ctx, id, rp.healthCheck, rp.containerPort, logf); err != nil {
			p.logContainerDiagnostics(ctx, id, logf)
			_ = p.containers.Remove(ctx, id)
			return "", fmt.Errorf("health check failed, new container removed: %w", err)
		}
	}
	return id, nil
}

// runBlueGreen starts the new revision under a staging name, health-checks
// it, and swaps on success.
func (p *Pipeline) runBlueGreen(ctx context.Context, rp runParams, oldContainerID string, hosts []string, env map[string]string, logf func(string)) (string, error) {
	staging := stagingName(rp.subdomain)
	logf(fmt.Sprintf("starting staging container %s for blue/green swap", staging))

	stagingID, err := p.containers.Run(ctx, containerctl.RunOpts{
		Name:          staging,
		Image:         rp.imageTag,
		Subdomain:     rp.subdomain,
		Env:           env,
		ContainerPort: rp.containerPort,
		CustomDomains: hosts,
		NoRouting:     rp.isWorkerApp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start staging container: %w", err)
	}

	if err := p.healthCheck(ctx, stagingID, rp.healthCheck, rp.containerPort, logf); err != nil {
		logf(fmt.Sprintf("staging container failed health check: %v, rolling back to previous container", err))
		p.logContainerDiagnostics(ctx, stagingID, logf)
		if rmErr := p.containers.Remove(ctx, stagingID); rmErr != nil {
			logf(fmt.Sprintf("warning: failed to remove staging container: %v", rmErr))
		}
		return "", fmt.Errorf("blue/green health check failed, previous container kept live: %w", err)
	}

	logf("staging container passed health check, swapping")
	if err := p.containers.Remove(ctx, oldContainerID); err != nil {
		logf(fmt.Sprintf("warning: failed to remove previous container: %v", err))
	}
	if err := p.containers.Remove(ctx, stagingID); err != nil {
		logf(fmt.Sprintf("warning: failed to remove staging container: %v", err))
	}

	// The proxy's router for this subdomain briefly has no backend between
	// the two removals above and the create below; recreating under the
	// canonical name (rather than renaming the staging container) matches
	// the source system's behavior.
	name := canonicalName(rp.subdomain)
	newID, err := p.containers.Run(ctx, containerctl.RunOpts{
		Name:          name,
		Image:         rp.imageTag,
		Subdomain:     rp.subdomain,
		Env:           env,
		ContainerPort: rp.containerPort,
		CustomDomains: hosts,
		NoRouting:     rp.isWorkerApp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to recreate container under canonical name: %w", err)
	}
	logf(fmt.Sprintf("swapped to canonical container %s", name))
	return newID, nil
}

// logContainerDiagnostics pulls the failed container's recent stdout/stderr
// into the deployment log, since the health check's own error rarely says
// why the process never came up.
func (p *Pipeline) logContainerDiagnostics(ctx context.Context, containerID string, logf func(string)) {
	tail, err := p.containers.Logs(ctx, containerID, 50)
	if err != nil {
		logf(fmt.Sprintf("could not fetch container logs for diagnostics: %v", err))
		return
	}
	if tail == "" {
		return
	}
	logf("--- container logs (tail) ---")
	for _, line := range strings.Split(tail, "\n") {
		logf(line)
	}
	logf("--- end container logs ---")
}

func (p *Pipeline) healthCheck(ctx context.Context, containerID string, hc *HealthCheckParams, port int, logf func(string)) error {
	ip, err := p.containers.IP(ctx, containerID)
	if err != nil {
		return err
	}
	logf(fmt.Sprintf("health-checking %s:%d%s", ip, port, hc.Path))
	return containerctl.HealthCheck(ctx, containerctl.HealthCheckOpts{
		IP:         ip,
		Port:       port,
		Path:       hc.Path,
		StartDelay: p.healthCheckStartDelay,
		Timeout:    time.Duration(hc.TimeoutSec) * time.Second,
		MaxRetries: p.healthCheckRetries,
	})
}

// finalize is state 6: write terminal SUCCESS and emit terminal events.
func (p *Pipeline) finalize(ctx context.Context, deploymentID, serviceID, containerID string, logf func(string)) error {
	if err := p.services.UpdateRunning(ctx, serviceID, containerID); err != nil {
		return fmt.Errorf("failed to mark service running: %w", err)
	}
	if err := p.deployments.MarkSuccess(ctx, deploymentID); err != nil {
		return fmt.Errorf("failed to mark deployment success: %w", err)
	}
	logf("deployment succeeded")
	p.emitDeploymentStatus(ctx, deploymentID, deployment.StatusSuccess, &containerID)
	p.emitServiceStatus(ctx, serviceID, service.StatusRunning)
	return nil
}

// fail converts any pipeline error into a terminal FAILED outcome: the
// deployment and service rows are updated, terminal events are emitted, and
// nil is returned so the queue records the job as done rather than retrying
// it (see queue.Handler's contract). oldContainerSurvives must be
// true only when the service's previous container is still the one
// actually running (i.e. the failure happened before runTraditional's
// unconditional removal of it, or during a blue/green attempt, which never
// removes the old container until the new one is healthy) — otherwise
// Service.containerId would be restored to RUNNING while pointing at a
// container that no longer exists, violating I1.
func (p *Pipeline) fail(ctx context.Context, deploymentID, serviceID string, cause error, oldContainerSurvives bool) error {
	reason := cause.Error()
	log.Printf("[PIPELINE] deployment %s failed: %v", deploymentID, cause)

	if err := p.deployments.MarkFailed(ctx, deploymentID, reason); err != nil {
		log.Printf("[PIPELINE] WARNING - failed to mark deployment %s failed: %v", deploymentID, err)
	}
	p.emitDeploymentStatus(ctx, deploymentID, deployment.StatusFailed, nil)

	// Blue/green failures leave the previous container live and RUNNING;
	// only mark the service FAILED when it has no live container to fall
	// back on.
	svc, err := p.services.GetByID(ctx, serviceID)
	if err == nil && oldContainerSurvives && svc.ContainerID != nil && svc.Status != service.StatusFailed {
		if uerr := p.services.UpdateStatus(ctx, serviceID, service.StatusRunning); uerr != nil {
			log.Printf("[PIPELINE] WARNING - failed to restore service %s to running: %v", serviceID, uerr)
		}
		p.emitServiceStatus(ctx, serviceID, service.StatusRunning)
	} else {
		if uerr := p.services.UpdateStatus(ctx, serviceID, service.StatusFailed); uerr != nil {
			log.Printf("[PIPELINE] WARNING - failed to mark service %s failed: %v", serviceID, uerr)
		}
		p.emitServiceStatus(ctx, serviceID, service.StatusFailed)
	}

	// Business-level failure: absorbed here, not propagated to the queue as
	// an infrastructural retry.
	return nil
}

// Cancel handles a cancel request for a QUEUED deployment: the caller has
// already removed the job from the queue; this writes the terminal FAILED
// state with the required log line.
func (p *Pipeline) Cancel(ctx context.Context, deploymentID, serviceID string) error {
	reason := apierr.Cancelled("cancelled by user", nil).Error()
	if err := p.deployments.MarkFailed(ctx, deploymentID, reason); err != nil {
		return fmt.Errorf("failed to mark cancelled deployment failed: %w", err)
	}
	p.emitDeploymentStatus(ctx, deploymentID, deployment.StatusFailed, nil)

	if err := p.services.UpdateStatus(ctx, serviceID, service.StatusFailed); err != nil {
		return fmt.Errorf("failed to mark service failed after cancel: %w", err)
	}
	p.emitServiceStatus(ctx, serviceID, service.StatusFailed)
	return nil
}

func (p *Pipeline) logFunc(deploymentID string) func(string) {
	return func(line string) {
		if line == "" {
			return
		}
		if err := p.deployments.AppendLog(context.Background(), deploymentID, line); err != nil {
			log.Printf("[PIPELINE] WARNING - failed to persist log line for %s: %v", deploymentID, err)
		}
		p.hub.PublishTyped(context.Background(), eventbus.DeploymentTopic(deploymentID), eventbus.KindDeploymentLog, eventbus.DeploymentLog{
			DeploymentID: deploymentID,
			Log:          line,
			Timestamp:    time.Now().Unix(),
		})
	}
}

func (p *Pipeline) emitDeploymentStatus(ctx context.Context, deploymentID, status string, containerID *string) {
	if err := p.hub.PublishTyped(ctx, eventbus.DeploymentTopic(deploymentID), eventbus.KindDeploymentStatus, eventbus.DeploymentStatus{
		DeploymentID: deploymentID,
		Status:       status,
		ContainerID:  containerID,
		Timestamp:    time.Now().Unix(),
	}); err != nil {
		log.Printf("[PIPELINE] WARNING - failed to publish deployment status: %v", err)
	}
}

func (p *Pipeline) emitServiceStatus(ctx context.Context, serviceID, status string) {
	if err := p.hub.PublishTyped(ctx, eventbus.ServiceTopic(serviceID), eventbus.KindServiceStatus, eventbus.ServiceStatus{
		ServiceID: serviceID,
		Status:    status,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		log.Printf("[PIPELINE] WARNING - failed to publish service status: %v", err)
	}
}

func shortSHA(sha string) string {
	sha = strings.TrimSpace(sha)
	if len(sha) > 7 {
		return sha[:7]
	}
	if sha == "" {
		return "unknown"
	}
	return sha
}
