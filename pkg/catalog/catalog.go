// Package catalog keeps a cross-kind, cross-namespace index per cluster for
// search and browse. It is fed incrementally by watch cache change
// notifications and never rebuilt by polling; a background sweep evicts
// entries of clusters whose watches have gone stale.
package catalog

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/sttts/kmirror/internal/telemetry"
	"github.com/sttts/kmirror/pkg/api"
	"github.com/sttts/kmirror/pkg/watchcache"
)

// Health classifies how trustworthy a cluster's index is, driven by
// consecutive watch sync failures.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthStale    Health = "stale"
)

// Entry is one indexed object.
type Entry struct {
	Cluster   api.ClusterRef
	Kind      string
	Namespace string
	Name      string
	Summary   map[string]string
	IndexedAt time.Time
}

type entryKey struct {
	cluster   api.ClusterRef
	kind      string
	namespace string
	name      string
}

type healthState struct {
	consecutiveFailures int
}

// Options tunes the catalog.
type Options struct {
	// TTL is the age beyond which entries of a stale cluster are evicted.
	TTL time.Duration
	// SweepInterval is the eviction sweep cadence.
	SweepInterval time.Duration
	// StaleAfterFailures flips a cluster to HealthStale after this many
	// consecutive sync failures; anything in between is HealthDegraded.
	StaleAfterFailures int
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 15 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.StaleAfterFailures <= 0 {
		o.StaleAfterFailures = 3
	}
}

// Catalog is the TTL-evicted index. OnWatchEvent and RecordSyncFailure plug
// into the watch layer's handler registration.
type Catalog struct {
	opts  Options
	clock clock.PassiveClock

	mu      sync.RWMutex
	entries map[entryKey]Entry
	counts  map[api.ClusterRef]int
	health  map[api.ClusterRef]*healthState
}

// New creates an empty catalog.
func New(opts Options) *Catalog {
	opts.defaults()
	return &Catalog{
		opts:    opts,
		clock:   clock.RealClock{},
		entries: make(map[entryKey]Entry),
		counts:  make(map[api.ClusterRef]int),
		health:  make(map[api.ClusterRef]*healthState),
	}
}

// WithClock replaces the clock, for tests.
func (c *Catalog) WithClock(cl clock.PassiveClock) *Catalog {
	c.clock = cl
	return c
}

// OnWatchEvent updates the index from one cache notification. Register it
// with the watch layer's AddEventHandler.
func (c *Catalog) OnWatchEvent(ev watchcache.Event) {
	switch ev.Type {
	case watchcache.Synced:
		c.mu.Lock()
		if h, ok := c.health[ev.Key.Cluster]; ok {
			h.consecutiveFailures = 0
		}
		c.mu.Unlock()
	case watchcache.Added, watchcache.Modified:
		if ev.Object == nil {
			return
		}
		c.upsert(ev.Key.Cluster, ev.Object)
	case watchcache.Deleted:
		if ev.Object == nil {
			return
		}
		c.remove(ev.Key.Cluster, ev.Object)
	}
}

// RecordSyncFailure advances the cluster's health. Register it with the
// watch layer's AddFailureHandler.
func (c *Catalog) RecordSyncFailure(key watchcache.Key, err error) {
	c.mu.Lock()
	h, ok := c.health[key.Cluster]
	if !ok {
		h = &healthState{}
		c.health[key.Cluster] = h
	}
	h.consecutiveFailures++
	failures := h.consecutiveFailures
	c.mu.Unlock()
	klog.V(3).InfoS("catalog sync failure", "cluster", key.Cluster, "consecutiveFailures", failures, "err", err)
}

// ClusterHealth reports the current health classification for a cluster.
func (c *Catalog) ClusterHealth(ref api.ClusterRef) Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.health[ref]
	if !ok || h.consecutiveFailures == 0 {
		return HealthHealthy
	}
	if h.consecutiveFailures >= c.opts.StaleAfterFailures {
		return HealthStale
	}
	return HealthDegraded
}

func (c *Catalog) upsert(ref api.ClusterRef, u *unstructured.Unstructured) {
	key := entryKey{cluster: ref, kind: u.GetKind(), namespace: u.GetNamespace(), name: u.GetName()}
	entry := Entry{
		Cluster:   ref,
		Kind:      key.kind,
		Namespace: key.namespace,
		Name:      key.name,
		Summary:   summarize(u),
		IndexedAt: c.clock.Now(),
	}
	c.mu.Lock()
	if _, existed := c.entries[key]; !existed {
		c.counts[ref]++
	}
	c.entries[key] = entry
	count := c.counts[ref]
	c.mu.Unlock()
	telemetry.CatalogEntries.WithLabelValues(string(ref)).Set(float64(count))
}

func (c *Catalog) remove(ref api.ClusterRef, u *unstructured.Unstructured) {
	key := entryKey{cluster: ref, kind: u.GetKind(), namespace: u.GetNamespace(), name: u.GetName()}
	c.mu.Lock()
	if _, existed := c.entries[key]; existed {
		delete(c.entries, key)
		c.counts[ref]--
	}
	count := c.counts[ref]
	c.mu.Unlock()
	telemetry.CatalogEntries.WithLabelValues(string(ref)).Set(float64(count))
}

// summarize extracts a handful of display fields per kind. Unknown kinds get
// an empty summary; the index itself only needs identity.
func summarize(u *unstructured.Unstructured) map[string]string {
	summary := make(map[string]string)
	switch u.GetKind() {
	case "Pod":
		if phase, found, _ := unstructured.NestedString(u.Object, "status", "phase"); found {
			summary["phase"] = phase
		}
		if node, found, _ := unstructured.NestedString(u.Object, "spec", "nodeName"); found {
			summary["node"] = node
		}
	case "Node":
		if v, found, _ := unstructured.NestedString(u.Object, "status", "nodeInfo", "kubeletVersion"); found {
			summary["kubeletVersion"] = v
		}
	case "Namespace":
		if phase, found, _ := unstructured.NestedString(u.Object, "status", "phase"); found {
			summary["phase"] = phase
		}
	}
	if len(summary) == 0 {
		return nil
	}
	return summary
}

// DropCluster discards all entries and health state for one cluster.
func (c *Catalog) DropCluster(ref api.ClusterRef) {
	c.mu.Lock()
	for key := range c.entries {
		if key.cluster == ref {
			delete(c.entries, key)
		}
	}
	delete(c.counts, ref)
	delete(c.health, ref)
	c.mu.Unlock()
	telemetry.CatalogEntries.DeleteLabelValues(string(ref))
	klog.V(2).InfoS("dropped catalog entries", "cluster", ref)
}

// Start runs the eviction sweep until ctx is done.
func (c *Catalog) Start(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts entries of stale clusters once they age past the TTL. Entries
// of healthy or merely degraded clusters stay; their watches still deliver
// deletions.
func (c *Catalog) sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	evicted := 0
	for key, entry := range c.entries {
		h, ok := c.health[key.cluster]
		if !ok || h.consecutiveFailures < c.opts.StaleAfterFailures {
			continue
		}
		if now.Sub(entry.IndexedAt) > c.opts.TTL {
			delete(c.entries, key)
			c.counts[key.cluster]--
			evicted++
		}
	}
	counts := make(map[api.ClusterRef]int, len(c.counts))
	for ref, n := range c.counts {
		counts[ref] = n
	}
	c.mu.Unlock()
	if evicted > 0 {
		for ref, n := range counts {
			telemetry.CatalogEntries.WithLabelValues(string(ref)).Set(float64(n))
		}
		klog.V(2).InfoS("catalog sweep evicted entries", "count", evicted)
	}
}

// Len returns the number of indexed entries, optionally for one cluster.
func (c *Catalog) Len(ref api.ClusterRef) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ref == "" {
		return len(c.entries)
	}
	return c.counts[ref]
}
