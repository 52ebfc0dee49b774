package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/sttts/kmirror/pkg/api"
	"github.com/sttts/kmirror/pkg/metricspoller"
	"github.com/sttts/kmirror/pkg/watchcache"
)

var listKinds = map[schema.GroupVersionResource]string{
	api.PodsGVR:         "PodList",
	api.DeploymentsGVR:  "DeploymentList",
	api.StatefulSetsGVR: "StatefulSetList",
	api.DaemonSetsGVR:   "DaemonSetList",
	api.EventsGVR:       "EventList",
	api.NodesGVR:        "NodeList",
	api.NamespacesGVR:   "NamespaceList",
}

func obj(apiVersion, kind, ns, name string, extra map[string]interface{}) *unstructured.Unstructured {
	m := map[string]interface{}{
		"apiVersion": apiVersion,
		"kind":       kind,
		"metadata":   map[string]interface{}{"name": name},
	}
	if ns != "" {
		m["metadata"].(map[string]interface{})["namespace"] = ns
	}
	for k, v := range extra {
		m[k] = v
	}
	return &unstructured.Unstructured{Object: m}
}

func node(name string, ready bool) *unstructured.Unstructured {
	status := "False"
	if ready {
		status = "True"
	}
	return obj("v1", "Node", "", name, map[string]interface{}{
		"status": map[string]interface{}{
			"conditions": []interface{}{
				map[string]interface{}{"type": "Ready", "status": status},
			},
			"nodeInfo": map[string]interface{}{"kubeletVersion": "v1.29.0"},
		},
	})
}

func namespace(name string) *unstructured.Unstructured {
	return obj("v1", "Namespace", "", name, map[string]interface{}{
		"status": map[string]interface{}{"phase": "Active"},
	})
}

type allowAllAccess struct{}

func (allowAllAccess) CanAccess(context.Context, api.ClusterRef, schema.GroupVersionResource, string) (bool, error) {
	return true, nil
}
func (allowAllAccess) Invalidate(api.ClusterRef, schema.GroupVersionResource) {}

type denyAccess struct{ deny string }

func (d denyAccess) CanAccess(_ context.Context, _ api.ClusterRef, gvr schema.GroupVersionResource, _ string) (bool, error) {
	return gvr.Resource != d.deny, nil
}
func (denyAccess) Invalidate(api.ClusterRef, schema.GroupVersionResource) {}

type fakeMetrics struct {
	recs map[api.ClusterRef]metricspoller.Record
}

func (f fakeMetrics) Record(ref api.ClusterRef) (metricspoller.Record, bool) {
	rec, ok := f.recs[ref]
	return rec, ok
}

type fixture struct {
	dyn     *dynamicfake.FakeDynamicClient
	layer   *watchcache.Layer
	builder *Builder
}

func newFixture(t *testing.T, access watchcache.Access, metrics MetricsSource, objs ...runtime.Object) *fixture {
	t.Helper()
	scheme := runtime.NewScheme()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKinds, objs...)
	layer := watchcache.NewLayer(watchcache.DynamicSourceFunc(func(api.ClusterRef) (dynamic.Interface, error) {
		return dyn, nil
	}), access, watchcache.Options{ResyncInterval: time.Hour})
	t.Cleanup(layer.Stop)
	if metrics == nil {
		metrics = fakeMetrics{}
	}
	return &fixture{
		dyn:     dyn,
		layer:   layer,
		builder: New(layer, metrics, Options{SyncTimeout: 5 * time.Second}),
	}
}

func TestChecksumStableAcrossIdenticalBuilds(t *testing.T) {
	f := newFixture(t, allowAllAccess{}, nil, namespace("default"), namespace("kube-system"))

	ctx := context.Background()
	s1, err := f.builder.Build(ctx, "prod", api.DomainNamespaces, api.ClusterScope())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	s2, err := f.builder.Build(ctx, "prod", api.DomainNamespaces, api.ClusterScope())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if s1.Checksum != s2.Checksum {
		t.Fatalf("identical content produced different checksums: %s vs %s", s1.Checksum, s2.Checksum)
	}
	if s1.Version != s2.Version {
		t.Fatalf("identical content must keep the version: %d vs %d", s1.Version, s2.Version)
	}
}

func TestChecksumChangesWithContent(t *testing.T) {
	f := newFixture(t, allowAllAccess{}, nil, namespace("default"))

	ctx := context.Background()
	s1, err := f.builder.Build(ctx, "prod", api.DomainNamespaces, api.ClusterScope())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if _, err := f.dyn.Resource(api.NamespacesGVR).Create(ctx, namespace("new-ns"), metav1.CreateOptions{}); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	// Wait for the informer to observe the new object.
	deadline := time.Now().Add(5 * time.Second)
	var s2 *api.Snapshot
	for time.Now().Before(deadline) {
		s2, err = f.builder.Build(ctx, "prod", api.DomainNamespaces, api.ClusterScope())
		if err != nil {
			t.Fatalf("Build returned error: %v", err)
		}
		if s2.Checksum != s1.Checksum {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if s2.Checksum == s1.Checksum {
		t.Fatal("checksum did not change with content")
	}
	if s2.Version != s1.Version+1 {
		t.Fatalf("version = %d, want %d", s2.Version, s1.Version+1)
	}
}

func TestConditionalFetch(t *testing.T) {
	f := newFixture(t, allowAllAccess{}, nil, namespace("default"))

	ctx := context.Background()
	snap, notModified, err := f.builder.Get(ctx, "prod", api.DomainNamespaces, api.ClusterScope(), "")
	if err != nil || notModified || snap == nil {
		t.Fatalf("Get = %v, %v, %v", snap, notModified, err)
	}
	// Matching checksum yields not-modified.
	if _, notModified, err = f.builder.Get(ctx, "prod", api.DomainNamespaces, api.ClusterScope(), snap.Checksum); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !notModified {
		t.Fatal("expected not-modified for matching checksum")
	}
	// A stale checksum yields the full payload.
	full, notModified, err := f.builder.Get(ctx, "prod", api.DomainNamespaces, api.ClusterScope(), "stale-checksum")
	if err != nil || notModified || full == nil {
		t.Fatalf("Get = %v, %v, %v", full, notModified, err)
	}
}

// gatedSource counts Ensure calls and can hold builds open so concurrent
// requests overlap deterministically.
type gatedSource struct {
	inner CacheSource
	gate  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	ensures int
	entered chan struct{}
}

func (g *gatedSource) Ensure(ctx context.Context, ref api.ClusterRef, gvr schema.GroupVersionResource) (*watchcache.ObjectCache, error) {
	g.mu.Lock()
	g.ensures++
	g.mu.Unlock()
	g.once.Do(func() { close(g.entered) })
	<-g.gate
	return g.inner.Ensure(ctx, ref, gvr)
}

func TestConcurrentBuildsCoalesce(t *testing.T) {
	f := newFixture(t, allowAllAccess{}, nil, namespace("default"))
	gated := &gatedSource{inner: f.layer, gate: make(chan struct{}), entered: make(chan struct{})}
	b := New(gated, fakeMetrics{}, Options{SyncTimeout: 5 * time.Second})

	ctx := context.Background()
	const callers = 8
	results := make([]*api.Snapshot, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.Build(ctx, "prod", api.DomainNamespaces, api.ClusterScope())
		}(i)
	}

	// Wait until the first build is inside the source, then release it;
	// every other caller must join the in-flight build.
	<-gated.entered
	time.Sleep(50 * time.Millisecond)
	close(gated.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i].Checksum != results[0].Checksum || results[i].Version != results[0].Version {
			t.Fatalf("caller %d observed a different result", i)
		}
	}
	gated.mu.Lock()
	ensures := gated.ensures
	gated.mu.Unlock()
	if ensures != 1 {
		t.Fatalf("expected a single underlying build (1 Ensure), got %d", ensures)
	}
}

func TestPermissionDeniedPropagatesAsBuildError(t *testing.T) {
	f := newFixture(t, denyAccess{deny: "nodes"}, nil)

	_, err := f.builder.Build(context.Background(), "prod", api.DomainNodes, api.ClusterScope())
	if !api.IsBuildError(err) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if !api.IsPermissionDenied(err) {
		t.Fatalf("BuildError should wrap the permission denial: %v", err)
	}
}

func TestStreamOnlyDomainRejected(t *testing.T) {
	f := newFixture(t, allowAllAccess{}, nil)
	_, err := f.builder.Build(context.Background(), "prod", api.DomainPodLogs,
		api.WorkloadScope("default", "Deployment", "api"))
	if !api.IsBuildError(err) {
		t.Fatalf("expected BuildError for stream-only domain, got %v", err)
	}
}

func TestTruncation(t *testing.T) {
	f := newFixture(t, allowAllAccess{}, nil, namespace("a"), namespace("b"), namespace("c"))
	b := New(f.layer, fakeMetrics{}, Options{MaxItems: 2, SyncTimeout: 5 * time.Second})

	snap, err := b.Build(context.Background(), "prod", api.DomainNamespaces, api.ClusterScope())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	payload := snap.Data.(api.NamespacesPayload)
	if len(payload.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(payload.Items))
	}
	if !snap.Stats.Truncated || snap.Stats.TotalItems != 3 {
		t.Fatalf("unexpected stats %+v", snap.Stats)
	}
}

func TestNodesJoinMetrics(t *testing.T) {
	metrics := fakeMetrics{recs: map[api.ClusterRef]metricspoller.Record{
		"prod": {
			Cluster:     "prod",
			CollectedAt: time.Now(),
			Nodes: map[string]metricspoller.NodeUsage{
				"worker-1": {Name: "worker-1", CPUMilli: 500, MemoryBytes: 1 << 30},
			},
		},
	}}
	f := newFixture(t, allowAllAccess{}, metrics, node("worker-1", true), node("worker-2", false))

	snap, err := f.builder.Build(context.Background(), "prod", api.DomainNodes, api.ClusterScope())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	payload := snap.Data.(api.NodesPayload)
	if payload.MetricsStale {
		t.Fatal("metrics should be fresh")
	}
	if len(payload.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(payload.Items))
	}
	if payload.Items[0].Name != "worker-1" || payload.Items[0].CPUMilli != 500 {
		t.Fatalf("unexpected join %+v", payload.Items[0])
	}
	if !payload.Items[0].Ready || payload.Items[1].Ready {
		t.Fatalf("readiness mismatch %+v", payload.Items)
	}
}

func TestNodesMetricsStaleFlag(t *testing.T) {
	metrics := fakeMetrics{recs: map[api.ClusterRef]metricspoller.Record{
		"prod": {Cluster: "prod", Stale: true},
	}}
	f := newFixture(t, allowAllAccess{}, metrics, node("worker-1", true))

	snap, err := f.builder.Build(context.Background(), "prod", api.DomainNodes, api.ClusterScope())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	payload := snap.Data.(api.NodesPayload)
	if !payload.MetricsStale {
		t.Fatal("stale poller record must surface on the payload")
	}
	if len(snap.Stats.Warnings) == 0 {
		t.Fatal("expected a staleness warning in stats")
	}
}

func TestWorkloadsScopedToNamespace(t *testing.T) {
	f := newFixture(t, allowAllAccess{}, nil,
		obj("v1", "Pod", "default", "web-0", map[string]interface{}{
			"status": map[string]interface{}{"phase": "Running"},
		}),
		obj("v1", "Pod", "kube-system", "dns-0", map[string]interface{}{
			"status": map[string]interface{}{"phase": "Running"},
		}),
		obj("apps/v1", "Deployment", "default", "web", map[string]interface{}{
			"spec":   map[string]interface{}{"replicas": int64(2)},
			"status": map[string]interface{}{"readyReplicas": int64(2)},
		}),
	)

	snap, err := f.builder.Build(context.Background(), "prod", api.DomainWorkloads, api.NamespaceScope("default"))
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	payload := snap.Data.(api.WorkloadsPayload)
	if len(payload.Items) != 2 {
		t.Fatalf("items = %d, want 2 (deployment + pod): %+v", len(payload.Items), payload.Items)
	}
	if payload.Items[0].Kind != "Deployment" || payload.Items[0].Status != "2/2" {
		t.Fatalf("unexpected first item %+v", payload.Items[0])
	}
	if payload.Items[1].Kind != "Pod" || payload.Items[1].Name != "web-0" {
		t.Fatalf("unexpected second item %+v", payload.Items[1])
	}
}
