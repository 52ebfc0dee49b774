// Package engine wires the synchronization components together behind one
// facade: connection pool, permission gate, watch caches, metrics poller,
// snapshot builder, catalog, stream manager, and refresh orchestrator.
package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/sttts/kmirror/pkg/api"
	"github.com/sttts/kmirror/pkg/appconfig"
	"github.com/sttts/kmirror/pkg/catalog"
	"github.com/sttts/kmirror/pkg/clusterpool"
	"github.com/sttts/kmirror/pkg/gate"
	"github.com/sttts/kmirror/pkg/metricspoller"
	"github.com/sttts/kmirror/pkg/refresh"
	"github.com/sttts/kmirror/pkg/snapshot"
	"github.com/sttts/kmirror/pkg/stream"
	"github.com/sttts/kmirror/pkg/watchcache"
)

// Engine owns the full component graph for any number of clusters. Every
// operation takes an explicit ClusterRef; there is no current-cluster state.
type Engine struct {
	cfg *appconfig.Config

	pool    *clusterpool.Pool
	gate    *gate.Gate
	watches *watchcache.Layer
	poller  *metricspoller.Poller
	builder *snapshot.Builder
	catalog *catalog.Catalog
	streams *stream.Manager
	refresh *refresh.Orchestrator
}

// New assembles an engine from a cluster connection provider and config.
func New(provider clusterpool.ConfigProvider, cfg *appconfig.Config) *Engine {
	pool := clusterpool.New(provider, cfg.PoolIdleTTL.Duration)

	kubeSource := func(ref api.ClusterRef) (kubernetes.Interface, error) {
		conn, err := pool.Get(ref)
		if err != nil {
			return nil, err
		}
		return conn.Kube, nil
	}
	dynSource := func(ref api.ClusterRef) (dynamic.Interface, error) {
		conn, err := pool.Get(ref)
		if err != nil {
			return nil, err
		}
		return conn.Dynamic, nil
	}

	g := gate.New(gate.ClientSourceFunc(kubeSource))
	watches := watchcache.NewLayer(watchcache.DynamicSourceFunc(dynSource), g, watchcache.Options{
		ResyncInterval:     cfg.Watch.ResyncInterval.Duration,
		StaleAfterFailures: cfg.Watch.StaleAfterFailures,
	})
	poller := metricspoller.New(metricspoller.ClientSourceFunc(dynSource), g, metricspoller.Options{
		Interval:           cfg.Metrics.Interval.Duration,
		RatePerSecond:      cfg.Metrics.RatePerSecond,
		Burst:              cfg.Metrics.Burst,
		MaxBackoff:         cfg.Metrics.MaxBackoff.Duration,
		StaleAfterFailures: cfg.Metrics.StaleAfterFailures,
	})
	builder := snapshot.New(watches, poller, snapshot.Options{
		MaxItems:    cfg.MaxSnapshotItems,
		SyncTimeout: cfg.Refresh.Timeout.Duration,
	})
	cat := catalog.New(catalog.Options{
		TTL:                cfg.Catalog.EntryTTL.Duration,
		SweepInterval:      cfg.Catalog.SweepInterval.Duration,
		StaleAfterFailures: cfg.Watch.StaleAfterFailures,
	})
	streams := stream.NewManager(builder, stream.NewPodLogSource(stream.KubeSourceFunc(kubeSource)), stream.Options{
		BufferSize:           cfg.Stream.BufferSize,
		MaxSubscribersPerKey: cfg.Stream.MaxSubscribers,
		HeartbeatInterval:    cfg.Stream.HeartbeatInterval.Duration,
		StallTimeout:         cfg.Stream.StallTimeout.Duration,
	})
	orch := refresh.New(builder, refresh.Options{
		Interval:    cfg.Refresh.Interval.Duration,
		Timeout:     cfg.Refresh.Timeout.Duration,
		CooldownMin: cfg.Refresh.MinCooldown.Duration,
		CooldownMax: cfg.Refresh.MaxCooldown.Duration,
	})

	// The catalog and the stream manager feed off the same cache
	// notifications the snapshot builder reads through.
	watches.AddEventHandler(cat.OnWatchEvent)
	watches.AddFailureHandler(cat.RecordSyncFailure)
	watches.AddEventHandler(streams.OnWatchEvent)

	return &Engine{
		cfg:     cfg,
		pool:    pool,
		gate:    g,
		watches: watches,
		poller:  poller,
		builder: builder,
		catalog: cat,
		streams: streams,
		refresh: orch,
	}
}

// Run drives the background loops until ctx is done, then tears everything
// down.
func (e *Engine) Run(ctx context.Context) error {
	e.pool.Start()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		e.catalog.Start(ctx)
		return nil
	})
	group.Go(func() error {
		e.streams.Start(ctx)
		return nil
	})
	err := group.Wait()

	e.watches.Stop()
	e.poller.StopAll()
	e.pool.Stop()
	return err
}

// AddCluster dials the cluster and starts its metrics polling. Watch caches
// start lazily on the first snapshot or subscription that needs them.
func (e *Engine) AddCluster(ctx context.Context, ref api.ClusterRef) error {
	if _, err := e.pool.Get(ref); err != nil {
		return err
	}
	if err := e.poller.Start(ctx, ref); err != nil {
		// Metrics are an enrichment; snapshots degrade to MetricsStale
		// rather than the cluster being unusable.
		klog.V(1).InfoS("metrics polling unavailable", "cluster", ref, "err", err)
	}
	klog.InfoS("cluster added", "cluster", ref)
	return nil
}

// RemoveCluster tears down every per-cluster resource: subscriptions,
// refresh loops, watch caches, poller state, catalog entries, cached
// verdicts, version bookkeeping, and the pooled connection.
func (e *Engine) RemoveCluster(ref api.ClusterRef) {
	e.streams.DropCluster(ref)
	e.refresh.DropCluster(ref)
	e.watches.StopCluster(ref)
	e.poller.Drop(ref)
	e.catalog.DropCluster(ref)
	e.gate.InvalidateCluster(ref)
	e.builder.Forget(ref)
	e.pool.Remove(ref)
	klog.InfoS("cluster removed", "cluster", ref)
}

// Snapshot builds the current snapshot for (ref, domain, scope).
func (e *Engine) Snapshot(ctx context.Context, ref api.ClusterRef, domain api.Domain, scope api.Scope) (*api.Snapshot, error) {
	return e.builder.Build(ctx, ref, domain, scope)
}

// Fetch is the conditional delivery API; see the snapshot builder.
func (e *Engine) Fetch(ctx context.Context, ref api.ClusterRef, domain api.Domain, scope api.Scope, ifNoneMatch string) (*api.Snapshot, bool, error) {
	return e.builder.Get(ctx, ref, domain, scope, ifNoneMatch)
}

// Subscribe opens a stream for (ref, domain, scope).
func (e *Engine) Subscribe(ctx context.Context, ref api.ClusterRef, domain api.Domain, scope api.Scope) (*stream.Subscriber, error) {
	return e.streams.Subscribe(ctx, ref, domain, scope)
}

// Unsubscribe closes one stream subscription.
func (e *Engine) Unsubscribe(id string) {
	e.streams.Unsubscribe(id)
}

// Track registers (ref, domain, scope) for periodic refresh.
func (e *Engine) Track(ref api.ClusterRef, domain api.Domain, scope api.Scope) error {
	return e.refresh.Register(ref, domain, scope)
}

// Untrack stops periodic refresh for the key.
func (e *Engine) Untrack(ref api.ClusterRef, domain api.Domain, scope api.Scope) {
	e.refresh.Unregister(ref, domain, scope)
}

// ForceRefresh skips the current wait for the key.
func (e *Engine) ForceRefresh(ref api.ClusterRef, domain api.Domain, scope api.Scope) {
	e.refresh.ForceRefresh(ref, domain, scope)
}

// RefreshState returns the refresh record for the key.
func (e *Engine) RefreshState(ref api.ClusterRef, domain api.Domain, scope api.Scope) (refresh.State, bool) {
	return e.refresh.State(ref, domain, scope)
}

// CanAccess exposes the permission gate's verdict contract read-only.
func (e *Engine) CanAccess(ctx context.Context, ref api.ClusterRef, gvr schema.GroupVersionResource, verb string) (bool, error) {
	return e.gate.CanAccess(ctx, ref, gvr, verb)
}

// Search queries the object catalog.
func (e *Engine) Search(q catalog.Query) catalog.Result {
	return e.catalog.Search(q)
}

// CatalogHealth reports how trustworthy a cluster's catalog is.
func (e *Engine) CatalogHealth(ref api.ClusterRef) catalog.Health {
	return e.catalog.ClusterHealth(ref)
}

// NodeMetrics returns the poller record for a cluster.
func (e *Engine) NodeMetrics(ref api.ClusterRef) (metricspoller.Record, bool) {
	return e.poller.Record(ref)
}
