package eventbus

import (
	"context"
	"log"
	"time"

	"renderlite/internal/apierr"
	"renderlite/internal/service"
)

// Stats mirrors containerctl.Stats without importing that package, so
// eventbus and containerctl don't form an import cycle. The caller supplies
// a StatsFunc that adapts containerctl.Controller.Stats into this shape.
type Stats struct {
	CPUPercent    float64
	MemoryUsage   uint64
	MemoryLimit   uint64
	MemoryPercent float64
	NetworkRx     uint64
	NetworkTx     uint64
}

// StatsFunc takes a one-shot resource sample for a container, returning an
// apierr.KindIntegrity error when the container no longer exists.
type StatsFunc func(ctx context.Context, containerID string) (*Stats, error)

// MetricsTicker samples stats every MetricsTickInterval for every service
// with a live service:* subscriber, and publishes service:metrics events.
// When a sample fails because the container no longer exists, it marks the
// service STOPPED and drops it from the watch set (per §4.4).
type MetricsTicker struct {
	hub      *Hub
	sampler  StatsFunc
	services *service.Store
}

func NewMetricsTicker(hub *Hub, sampler StatsFunc, services *service.Store) *MetricsTicker {
	return &MetricsTicker{hub: hub, sampler: sampler, services: services}
}

// Run blocks, sampling on a MetricsTickInterval ticker until ctx is
// cancelled.
func (t *MetricsTicker) Run(ctx context.Context) {
	ticker := time.NewTicker(MetricsTickInterval)
	defer ticker.Stop()

	log.Printf("[EVENTBUS] metrics ticker started (interval %s)", MetricsTickInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[EVENTBUS] metrics ticker stopped")
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *MetricsTicker) tick(ctx context.Context) {
	serviceIDs := t.hub.TopicsWithPrefix("service:")
	for _, serviceID := range serviceIDs {
		t.sampleOne(ctx, serviceID)
	}
}

func (t *MetricsTicker) sampleOne(ctx context.Context, serviceID string) {
	svc, err := t.services.GetByID(ctx, serviceID)
	if err != nil || svc.ContainerID == nil {
		return
	}

	stats, err := t.sampler(ctx, *svc.ContainerID)
	if err != nil {
		if kind, ok := apierr.KindOf(err); ok && kind == apierr.KindIntegrity {
			log.Printf("[EVENTBUS] service %s container not found, marking STOPPED", serviceID)
			if uerr := t.services.MarkStopped(ctx, serviceID); uerr != nil {
				log.Printf("[EVENTBUS] failed to mark service %s stopped: %v", serviceID, uerr)
				return
			}
			now := time.Now().Unix()
			t.publishServiceStatus(ctx, serviceID, service.StatusStopped, now)
			return
		}
		log.Printf("[EVENTBUS] WARNING - stats sample failed for service %s: %v", serviceID, err)
		return
	}

	now := time.Now().Unix()
	t.publish(ctx, ServiceTopic(serviceID), KindServiceMetrics, ServiceMetrics{
		ServiceID: serviceID,
		Timestamp: now,
		Metrics: Metrics{
			CPUPercent:    stats.CPUPercent,
			MemoryUsage:   stats.MemoryUsage,
			MemoryLimit:   stats.MemoryLimit,
			MemoryPercent: stats.MemoryPercent,
			NetworkRx:     stats.NetworkRx,
			NetworkTx:     stats.NetworkTx,
		},
	})
}

func (t *MetricsTicker) publishServiceStatus(ctx context.Context, serviceID, status string, ts int64) {
	t.publish(ctx, ServiceTopic(serviceID), KindServiceStatus, ServiceStatus{
		ServiceID: serviceID,
		Status:    status,
		Timestamp: ts,
	})
}

func (t *MetricsTicker) publish(ctx context.Context, topic, kind string, data any) {
	raw, err := marshalEvent(data)
	if err != nil {
		log.Printf("[EVENTBUS] failed to marshal %s event: %v", kind, err)
		return
	}
	if err := t.hub.Publish(ctx, Event{Topic: topic, Kind: kind, Data: raw}); err != nil {
		log.Printf("[EVENTBUS] failed to publish %s event: %v", kind, err)
	}
}
