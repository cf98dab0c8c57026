// Package eventbus implements the in-process fan-out hub and its
// cross-process bridge: topic rooms per deployment and per service, ordered
// delivery within a topic, and a single shared Redis Pub/Sub channel so
// workers (which share no memory with the REST/WS process) can publish
// into the hub that serves subscribers.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the single shared pub/sub channel used for cross-process
// fan-out, per the egress contract.
const Channel = "renderlite:realtime:events"

// Event is the wire envelope published on Channel and delivered to topic
// room subscribers. Kind identifies the shape of Data (see event_types.go).
type Event struct {
	Topic string          `json:"topic"`
	Kind  string          `json:"kind"`
	Data  json.RawMessage `json:"data"`
}

// Hub fans events out to local subscribers, grouped into topic rooms, and
// bridges publication across processes through a single Redis channel.
// Exactly one subscriber goroutine per Hub process, per the spec.
type Hub struct {
	rdb *redis.Client

	mu     sync.RWMutex
	rooms  map[string][]chan Event
	nextID uint64
}

// NewHub constructs a Hub. Call Start to begin bridging remote publications
// into local rooms.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		rdb:   rdb,
		rooms: make(map[string][]chan Event),
	}
}

// Start subscribes to the shared Redis channel and re-emits every message
// into the matching local topic room until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	sub := h.rdb.Subscribe(ctx, Channel)
	log.Printf("[EVENTBUS] subscribed to %s", Channel)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				log.Printf("[EVENTBUS] unsubscribing from %s", Channel)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					log.Printf("[EVENTBUS] failed to decode event: %v", err)
					continue
				}
				h.broadcastLocal(evt)
			}
		}
	}()
}

// Publish sends evt through the shared channel, so it reaches every hub
// process (including this one, via Start's subscription).
func (h *Hub) Publish(ctx context.Context, evt Event) error {
	encoded, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := h.rdb.Publish(ctx, Channel, encoded).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishTyped marshals data and publishes it under kind on topic. It is
// the convenience entry point the pipeline and reconciler use instead of
// hand-building an Event.
func (h *Hub) PublishTyped(ctx context.Context, topic, kind string, data any) error {
	raw, err := marshalEvent(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}
	return h.Publish(ctx, Event{Topic: topic, Kind: kind, Data: raw})
}

// Subscribe registers a new listener on topic and returns a channel of
// events plus an unsubscribe func. The channel is buffered; a slow
// subscriber drops the oldest events rather than blocking publication.
func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	h.rooms[topic] = append(h.rooms[topic], ch)
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.rooms[topic]
		for i, c := range subs {
			if c == ch {
				h.rooms[topic] = append(subs[:i], subs[i+1:]...)
				close(c)
				break
			}
		}
		if len(h.rooms[topic]) == 0 {
			delete(h.rooms, topic)
		}
	}
	return ch, unsubscribe
}

// SubscriberCount reports how many local subscribers a topic currently has,
// used by the metrics sampler to decide which services are worth polling.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// TopicsWithPrefix returns every topic with at least one live subscriber matching the
// given prefix (e.g. "service:"), stripped of the prefix.
func (h *Hub) TopicsWithPrefix(prefix string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for topic, subs := range h.rooms {
		if len(subs) == 0 || len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
			continue
		}
		out = append(out, topic[len(prefix):])
	}
	return out
}

// broadcastLocal delivers evt to every local subscriber of its topic, in
// the order Publish calls arrived for that topic (ordering within a topic
// from a single publisher, per the spec).
func (h *Hub) broadcastLocal(evt Event) {
	h.mu.RLock()
	subs := append([]chan Event(nil), h.rooms[evt.Topic]...)
	h.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Best-effort delivery: drop for a slow subscriber rather than
			// block the whole room (deployment:log events are best-effort
			// by design; the Deployment row keeps the durable copy).
			select {
			case <-ch:
				ch <- evt
			default:
			}
		}
	}
}

// DeploymentTopic and ServiceTopic build the two core-critical topic names.
func DeploymentTopic(deploymentID string) string { return "deployment:" + deploymentID }
func ServiceTopic(serviceID string) string       { return "service:" + serviceID }

func marshalEvent(data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// MetricsTickInterval is how often the metrics sampler polls each service
// with a live subscriber.
const MetricsTickInterval = 5 * time.Second
