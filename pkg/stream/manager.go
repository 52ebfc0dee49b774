// Package stream fans watch cache change notifications and log lines out to
// registered consumers. Every subscriber gets a bounded buffer with a
// drop-oldest policy; drops are surfaced as explicit resync markers, never
// hidden.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/sttts/kmirror/internal/telemetry"
	"github.com/sttts/kmirror/pkg/api"
	"github.com/sttts/kmirror/pkg/watchcache"
)

// InitialSource builds the full snapshot sent once after subscribe; the
// snapshot builder implements it.
type InitialSource interface {
	Build(ctx context.Context, ref api.ClusterRef, domain api.Domain, scope api.Scope) (*api.Snapshot, error)
}

// LogSource streams log lines for a workload-scoped log subscription. send
// returns false when the subscriber is gone and streaming should stop.
type LogSource interface {
	Stream(ctx context.Context, ref api.ClusterRef, scope api.Scope, send func(line string) bool) error
}

// Options tunes the manager.
type Options struct {
	// BufferSize is the per-subscriber queue capacity.
	BufferSize int
	// MaxSubscribersPerKey caps subscribers per (cluster, domain, scope);
	// further subscribes fail fast.
	MaxSubscribersPerKey int
	// HeartbeatInterval is the idle keep-alive cadence.
	HeartbeatInterval time.Duration
	// StallTimeout disconnects a subscriber whose consumer stopped reading
	// while deliveries kept dropping.
	StallTimeout time.Duration
}

func (o *Options) defaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	if o.MaxSubscribersPerKey <= 0 {
		o.MaxSubscribersPerKey = 16
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = time.Minute
	}
}

// Manager owns all subscribers. Its OnWatchEvent plugs into the watch
// layer's handler registration.
type Manager struct {
	initial InitialSource
	logs    LogSource
	opts    Options
	clock   clock.PassiveClock

	mu    sync.RWMutex
	byKey map[string][]*Subscriber
	byID  map[string]*Subscriber
}

// NewManager creates a stream manager. logs may be nil when log
// subscriptions are not offered.
func NewManager(initial InitialSource, logs LogSource, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		initial: initial,
		logs:    logs,
		opts:    opts,
		clock:   clock.RealClock{},
		byKey:   make(map[string][]*Subscriber),
		byID:    make(map[string]*Subscriber),
	}
}

// WithClock replaces the clock, for tests.
func (m *Manager) WithClock(cl clock.PassiveClock) *Manager {
	m.clock = cl
	return m
}

// Subscribe registers a consumer for (ref, domain, scope). Snapshot domains
// receive an INITIAL message with the current full state before incremental
// delivery begins; log subscriptions start line delivery directly.
func (m *Manager) Subscribe(ctx context.Context, ref api.ClusterRef, domain api.Domain, scope api.Scope) (*Subscriber, error) {
	key := api.Key{Cluster: ref, Domain: domain, Scope: scope}
	if !domain.Valid() {
		return nil, &api.BuildError{Key: key, Err: fmt.Errorf("unknown domain %q", domain)}
	}
	if !api.ValidScope(domain, scope) {
		return nil, &api.BuildError{Key: key, Err: fmt.Errorf("scope %q not valid for domain %q", scope, domain)}
	}

	now := m.clock.Now()
	sub := &Subscriber{
		ID:          uuid.NewString(),
		Key:         key,
		ConnectedAt: now,
		ch:          make(chan Message, m.opts.BufferSize),
		state:       StateConnecting,
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel

	ks := key.String()
	m.mu.Lock()
	if len(m.byKey[ks]) >= m.opts.MaxSubscribersPerKey {
		m.mu.Unlock()
		cancel()
		return nil, &api.CapacityExceededError{Key: key, Limit: m.opts.MaxSubscribersPerKey}
	}
	m.byKey[ks] = append(m.byKey[ks], sub)
	m.byID[sub.ID] = sub
	count := len(m.byID)
	m.mu.Unlock()
	telemetry.StreamSubscribers.WithLabelValues(string(ref)).Inc()
	klog.V(2).InfoS("stream subscribed", "id", sub.ID, "key", ks, "total", count)

	if domain.StreamOnly() {
		if m.logs == nil {
			m.remove(sub)
			return nil, &api.BuildError{Key: key, Err: fmt.Errorf("no log source configured")}
		}
		sub.setState(StateActive)
		go m.runLogStream(streamCtx, sub)
		return sub, nil
	}

	snap, err := m.initial.Build(ctx, ref, domain, scope)
	if err != nil {
		m.remove(sub)
		return nil, err
	}
	sub.activate(Message{Key: key, Type: MessageInitial, Snapshot: snap}, m.clock.Now())
	return sub, nil
}

func (m *Manager) runLogStream(ctx context.Context, sub *Subscriber) {
	err := m.logs.Stream(ctx, sub.Key.Cluster, sub.Key.Scope, func(line string) bool {
		if sub.State() != StateActive {
			return false
		}
		sub.enqueue(Message{Key: sub.Key, Type: MessageLog, Line: line}, m.clock.Now())
		return true
	})
	if err != nil && ctx.Err() == nil {
		klog.V(2).InfoS("log stream ended", "id", sub.ID, "key", sub.Key, "err", err)
	}
	m.disconnect(sub)
}

// Unsubscribe disconnects one subscriber and releases its resources.
func (m *Manager) Unsubscribe(id string) {
	m.mu.RLock()
	sub, ok := m.byID[id]
	m.mu.RUnlock()
	if ok {
		m.disconnect(sub)
	}
}

// disconnect drains and removes a subscriber. The message channel is closed
// so range loops on the consumer side terminate.
func (m *Manager) disconnect(sub *Subscriber) {
	sub.mu.Lock()
	if sub.state == StateDraining || sub.state == StateDisconnected {
		sub.mu.Unlock()
		return
	}
	sub.state = StateDraining
	sub.mu.Unlock()

	sub.cancel()
	m.remove(sub)
	// enqueue holds the subscriber lock across its non-blocking sends, so
	// closing under the lock cannot race a send.
	sub.mu.Lock()
	close(sub.ch)
	sub.state = StateDisconnected
	sub.mu.Unlock()
	klog.V(2).InfoS("stream disconnected", "id", sub.ID, "key", sub.Key, "dropped", sub.Dropped())
}

func (m *Manager) remove(sub *Subscriber) {
	ks := sub.Key.String()
	m.mu.Lock()
	if _, ok := m.byID[sub.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byID, sub.ID)
	subs := m.byKey[ks]
	for i, s := range subs {
		if s.ID == sub.ID {
			m.byKey[ks] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.byKey[ks]) == 0 {
		delete(m.byKey, ks)
	}
	m.mu.Unlock()
	telemetry.StreamSubscribers.WithLabelValues(string(sub.Key.Cluster)).Dec()
}

// OnWatchEvent fans one cache notification out to every matching subscriber.
// Register it with the watch layer's AddEventHandler.
func (m *Manager) OnWatchEvent(ev watchcache.Event) {
	domains := domainsFor(ev.Key.GVR)
	if len(domains) == 0 {
		return
	}
	now := m.clock.Now()
	subs := m.snapshotSubscribers()
	for _, sub := range subs {
		if sub.Key.Cluster != ev.Key.Cluster {
			continue
		}
		var match bool
		for _, d := range domains {
			if sub.Key.Domain == d {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if ev.Type == watchcache.Synced {
			// A completed re-list may have healed missed events; consumers
			// must re-fetch rather than trust their incremental view.
			sub.enqueue(Message{Key: sub.Key, Type: MessageResync}, now)
			continue
		}
		if !objectInScope(sub.Key.Domain, sub.Key.Scope, ev.Object) {
			continue
		}
		sub.enqueue(Message{Key: sub.Key, Type: messageType(ev.Type), Object: ev.Object}, now)
	}
}

func (m *Manager) snapshotSubscribers() []*Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscriber, 0, len(m.byID))
	for _, sub := range m.byID {
		out = append(out, sub)
	}
	return out
}

func messageType(t watchcache.EventType) MessageType {
	switch t {
	case watchcache.Added:
		return MessageAdded
	case watchcache.Modified:
		return MessageModified
	case watchcache.Deleted:
		return MessageDeleted
	}
	return MessageResync
}

// domainsFor inverts the domain-to-resource mapping for event routing.
func domainsFor(gvr schema.GroupVersionResource) []api.Domain {
	var out []api.Domain
	for _, d := range []api.Domain{api.DomainWorkloads, api.DomainEvents, api.DomainNodes, api.DomainNamespaces} {
		for _, r := range api.DomainResources(d) {
			if r == gvr {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// objectInScope applies the subscriber's scope filter to one changed object.
func objectInScope(domain api.Domain, scope api.Scope, u *unstructured.Unstructured) bool {
	if u == nil {
		return false
	}
	switch scope.Kind {
	case api.ScopeCluster:
		return true
	case api.ScopeNamespace:
		return u.GetNamespace() == scope.Namespace
	case api.ScopeNode:
		return u.GetName() == scope.Node
	case api.ScopeWorkload:
		if u.GetNamespace() != scope.Namespace {
			return false
		}
		if u.GetKind() == scope.WorkloadKind {
			return u.GetName() == scope.WorkloadName
		}
		if u.GetKind() == "Pod" {
			return strings.HasPrefix(u.GetName(), scope.WorkloadName+"-")
		}
		return false
	}
	return false
}

// Start runs heartbeats and stall eviction until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeatOnce()
		}
	}
}

// heartbeatOnce sends one heartbeat to every active subscriber and evicts
// stalled ones.
func (m *Manager) heartbeatOnce() {
	now := m.clock.Now()
	for _, sub := range m.snapshotSubscribers() {
		if sub.stalled(now, m.opts.StallTimeout) {
			klog.V(2).InfoS("disconnecting stalled subscriber", "id", sub.ID, "key", sub.Key, "dropped", sub.Dropped())
			m.disconnect(sub)
			continue
		}
		if sub.State() == StateActive {
			sub.enqueue(Message{Key: sub.Key, Type: MessageHeartbeat}, now)
		}
	}
}

// DropCluster disconnects every subscriber of one cluster.
func (m *Manager) DropCluster(ref api.ClusterRef) {
	for _, sub := range m.snapshotSubscribers() {
		if sub.Key.Cluster == ref {
			m.disconnect(sub)
		}
	}
}

// SubscriberCount returns the number of active subscribers for a key.
func (m *Manager) SubscriberCount(key api.Key) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey[key.String()])
}
