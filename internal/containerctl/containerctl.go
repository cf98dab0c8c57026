// Package containerctl is a thin, typed wrapper over the container runtime.
// It owns container create/start/stop/remove, the reverse-proxy label
// contract, resource limits, managed-network attachment, stats sampling,
// and the managed-container inventory the reconciler sweeps.
package containerctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"renderlite/internal/apierr"
	"renderlite/internal/logs"
)

// ManagedLabel marks every container this platform creates, so the
// reconciler can enumerate its own inventory without guessing by name.
const ManagedLabel = "renderlite.managed"

// SubdomainLabel records which service a managed container belongs to.
const SubdomainLabel = "renderlite.subdomain"

const (
	memoryLimitBytes = 512 * 1024 * 1024
	cpuQuotaPeriod   = 100_000
	cpuCores         = 0.5
	stopGrace        = 10 * time.Second
)

// Controller wraps the Docker client with RenderLite's container contract.
type Controller struct {
	client         *client.Client
	managedNetwork string
	proxyEntryHTTP string
	proxyEntryTLS  string
	enableTLS      bool
}

// New creates a Controller connected to the Docker daemon at dockerHost,
// attaching every managed container to managedNetwork.
func New(dockerHost, managedNetwork string, enableTLS bool) (*Controller, error) {
	log.Printf("[CONTAINERCTL] initializing docker client - host: %s", dockerHost)
	cli, err := client.NewClientWithOpts(
		client.WithHost(dockerHost),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Controller{
		client:         cli,
		managedNetwork: managedNetwork,
		proxyEntryHTTP: "web",
		proxyEntryTLS:  "websecure",
		enableTLS:      enableTLS,
	}, nil
}

// RunOpts describes a container to create and start.
type RunOpts struct {
	Name          string // canonical or staging container name
	Image         string
	Subdomain     string
	Env           map[string]string
	ContainerPort int
	CustomDomains []string // verified custom hostnames, routed alongside the subdomain
	NoRouting     bool     // true for worker/background apps: no proxy router/service labels
}

// Run creates and starts a container per RunOpts. If a container with the
// same name already exists it is stopped and removed first, so Run is safe
// to call for both fresh deploys and blue/green staging slots.
func (c *Controller) Run(ctx context.Context, opts RunOpts) (string, error) {
	if err := c.removeByName(ctx, opts.Name); err != nil {
		return "", err
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var labels map[string]string
	if opts.NoRouting {
		labels = map[string]string{
			"traefik.enable": "false",
			ManagedLabel:     "true",
			SubdomainLabel:   opts.Subdomain,
		}
	} else {
		labels = c.labels(opts.Name, opts.Subdomain, opts.ContainerPort, opts.CustomDomains)
	}

	containerCfg := &container.Config{
		Image:  opts.Image,
		Env:    env,
		Labels: labels,
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Resources: container.Resources{
			Memory:   memoryLimitBytes,
			CPUQuota: int64(cpuCores * cpuQuotaPeriod),
			CPUPeriod: cpuQuotaPeriod,
		},
	}

	networkingCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			c.managedNetwork: {},
		},
	}

	resp, err := c.client.ContainerCreate(ctx, containerCfg, hostCfg, networkingCfg, nil, opts.Name)
	if err != nil {
		return "", apierr.RuntimeUnavailable(fmt.Sprintf("failed to create container %q", opts.Name), err)
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apierr.RuntimeUnavailable(fmt.Sprintf("failed to start container %q", opts.Name), err)
	}

	log.Printf("[CONTAINERCTL] started container %s (%s) for subdomain %s", opts.Name, resp.ID[:12], opts.Subdomain)
	return resp.ID, nil
}

// labels builds the full proxy + platform label set for a container.
func (c *Controller) labels(name, subdomain string, port int, customDomains []string) map[string]string {
	labels := map[string]string{
		"traefik.enable":  "true",
		"traefik.docker.network": c.managedNetwork,
		ManagedLabel:      "true",
		SubdomainLabel:    subdomain,
	}

	entrypoint := c.proxyEntryHTTP
	if c.enableTLS {
		entrypoint = c.proxyEntryTLS
	}

	routerName := name
	labels[fmt.Sprintf("traefik.http.routers.%s.rule", routerName)] = fmt.Sprintf("Host(`%s`)", subdomain)
	labels[fmt.Sprintf("traefik.http.routers.%s.entrypoints", routerName)] = entrypoint
	if c.enableTLS {
		labels[fmt.Sprintf("traefik.http.routers.%s.tls", routerName)] = "true"
		labels[fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", routerName)] = "letsencrypt"
	}

	for i, host := range customDomains {
		domainRouter := fmt.Sprintf("%s-domain-%d", name, i)
		labels[fmt.Sprintf("traefik.http.routers.%s.rule", domainRouter)] = fmt.Sprintf("Host(`%s`)", host)
		labels[fmt.Sprintf("traefik.http.routers.%s.entrypoints", domainRouter)] = entrypoint
		if c.enableTLS {
			labels[fmt.Sprintf("traefik.http.routers.%s.tls", domainRouter)] = "true"
			labels[fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", domainRouter)] = "letsencrypt"
		}
	}

	labels[fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", name)] = fmt.Sprintf("%d", port)
	return labels
}

// Stop performs a 10-second graceful stop, tolerating "already stopped" and
// "no such container".
func (c *Controller) Stop(ctx context.Context, id string) error {
	timeout := int(stopGrace.Seconds())
	err := c.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil && !isNotFound(err) {
		return apierr.RuntimeUnavailable(fmt.Sprintf("failed to stop container %s", id), err)
	}
	return nil
}

// Remove stops (best-effort) then force-removes a container.
func (c *Controller) Remove(ctx context.Context, id string) error {
	_ = c.Stop(ctx, id)
	err := c.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !isNotFound(err) {
		return apierr.RuntimeUnavailable(fmt.Sprintf("failed to remove container %s", id), err)
	}
	return nil
}

// removeByName stops and removes any existing container with the given
// name, tolerating its absence.
func (c *Controller) removeByName(ctx context.Context, name string) error {
	id, found, err := c.findByName(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	log.Printf("[CONTAINERCTL] replacing existing container %s", name)
	return c.Remove(ctx, id)
}

func (c *Controller) findByName(ctx context.Context, name string) (string, bool, error) {
	listFilters := filters.NewArgs(filters.Arg("name", name))
	containers, err := c.client.ContainerList(ctx, container.ListOptions{All: true, Filters: listFilters})
	if err != nil {
		return "", false, apierr.RuntimeUnavailable("failed to list containers", err)
	}
	target := "/" + name
	for _, ct := range containers {
		for _, n := range ct.Names {
			if n == target {
				return ct.ID, true, nil
			}
		}
	}
	return "", false, nil
}

// IP reads the container's address on the managed network, used for health
// checks.
func (c *Controller) IP(ctx context.Context, id string) (string, error) {
	info, err := c.client.ContainerInspect(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return "", apierr.Integrity("container not found during ip lookup", err)
		}
		return "", apierr.RuntimeUnavailable("failed to inspect container", err)
	}
	if info.NetworkSettings == nil {
		return "", apierr.Integrity("container has no network settings", nil)
	}
	endpoint, ok := info.NetworkSettings.Networks[c.managedNetwork]
	if !ok || endpoint.IPAddress == "" {
		return "", apierr.Integrity("container is not attached to the managed network", nil)
	}
	return endpoint.IPAddress, nil
}

// IsRunning reports whether the container is currently in the "running"
// state, distinguishing "not found" via apierr.KindIntegrity.
func (c *Controller) IsRunning(ctx context.Context, id string) (bool, error) {
	info, err := c.client.ContainerInspect(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return false, apierr.Integrity("container not found", err)
		}
		return false, apierr.RuntimeUnavailable("failed to inspect container", err)
	}
	return info.State != nil && info.State.Running, nil
}

// Stats is a one-shot resource sample, matching the service:metrics event
// shape.
type Stats struct {
	CPUPercent    float64
	MemoryUsage   uint64
	MemoryLimit   uint64
	MemoryPercent float64
	NetworkRx     uint64
	NetworkTx     uint64
}

// Stats takes a single, non-streaming stats sample for a container.
func (c *Controller) Stats(ctx context.Context, id string) (*Stats, error) {
	resp, err := c.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apierr.Integrity("container not found", err)
		}
		return nil, apierr.RuntimeUnavailable("failed to sample container stats", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats response: %w", err)
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	var cpuPercent float64
	if systemDelta > 0 && cpuDelta > 0 {
		onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if onlineCPUs == 0 {
			onlineCPUs = 1
		}
		cpuPercent = (cpuDelta / systemDelta) * onlineCPUs * 100.0
	}

	var memPercent float64
	if raw.MemoryStats.Limit > 0 {
		memPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100.0
	}

	var rx, tx uint64
	for _, iface := range raw.Networks {
		rx += iface.RxBytes
		tx += iface.TxBytes
	}

	return &Stats{
		CPUPercent:    cpuPercent,
		MemoryUsage:   raw.MemoryStats.Usage,
		MemoryLimit:   raw.MemoryStats.Limit,
		MemoryPercent: memPercent,
		NetworkRx:     rx,
		NetworkTx:     tx,
	}, nil
}

// ListManaged enumerates every container bearing the platform label.
func (c *Controller) ListManaged(ctx context.Context) ([]container.Summary, error) {
	listFilters := filters.NewArgs(filters.Arg("label", ManagedLabel+"=true"))
	containers, err := c.client.ContainerList(ctx, container.ListOptions{All: true, Filters: listFilters})
	if err != nil {
		return nil, apierr.RuntimeUnavailable("failed to list managed containers", err)
	}
	return containers, nil
}

// ReapExited removes every managed container currently in the "exited"
// state.
func (c *Controller) ReapExited(ctx context.Context) (int, error) {
	containers, err := c.ListManaged(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, ct := range containers {
		if ct.State != "exited" {
			continue
		}
		if err := c.Remove(ctx, ct.ID); err != nil {
			log.Printf("[CONTAINERCTL] WARNING - failed to reap exited container %s: %v", ct.ID[:12], err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// Logs fetches the container's recent stdout/stderr, with stderr lines prefixed,
// for attaching to a deployment's log when a health check fails. tailLines
// bounds how much history is requested from the daemon.
func (c *Controller) Logs(ctx context.Context, id string, tailLines int) (string, error) {
	tail := "200"
	if tailLines > 0 {
		tail = fmt.Sprintf("%d", tailLines)
	}
	reader, err := c.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		if isNotFound(err) {
			return "", apierr.Integrity("container not found while fetching logs", err)
		}
		return "", apierr.RuntimeUnavailable("failed to fetch container logs", err)
	}
	return logs.ParseRuntimeLog(reader)
}

func isNotFound(err error) bool {
	return client.IsErrNotFound(err) || strings.Contains(err.Error(), "No such container")
}
