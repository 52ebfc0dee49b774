package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/sttts/kmirror/pkg/api"
	"github.com/sttts/kmirror/pkg/watchcache"
)

// project assembles the payload for one key. The Domain switch is
// exhaustive; unknown or stream-only domains are rejected before it runs.
func (b *Builder) project(ctx context.Context, key api.Key) (api.Payload, api.SnapshotStats, error) {
	switch key.Domain {
	case api.DomainWorkloads:
		return b.projectWorkloads(ctx, key)
	case api.DomainEvents:
		return b.projectEvents(ctx, key)
	case api.DomainNodes:
		return b.projectNodes(ctx, key)
	case api.DomainNamespaces:
		return b.projectNamespaces(ctx, key)
	case api.DomainPodLogs:
		return nil, api.SnapshotStats{}, fmt.Errorf("domain %q is stream-only", key.Domain)
	}
	return nil, api.SnapshotStats{}, fmt.Errorf("unknown domain %q", key.Domain)
}

// syncedCache returns the cache for (cluster, gvr), started and synced. Scope
// narrowing happens in the projections; caches always mirror cluster-wide.
func (b *Builder) syncedCache(ctx context.Context, ref api.ClusterRef, gvr schema.GroupVersionResource, stats *api.SnapshotStats) (*watchcache.ObjectCache, error) {
	oc, err := b.caches.Ensure(ctx, ref, gvr)
	if err != nil {
		return nil, err
	}
	syncCtx, cancel := context.WithTimeout(ctx, b.opts.SyncTimeout)
	defer cancel()
	if err := oc.WaitForSync(syncCtx); err != nil {
		return nil, err
	}
	if oc.Stale() {
		stats.Warnings = append(stats.Warnings,
			fmt.Sprintf("%s watch is stale after consecutive failures; data may lag", gvr.Resource))
	}
	return oc, nil
}

func scopeNamespace(s api.Scope) string {
	if s.Kind == api.ScopeNamespace || s.Kind == api.ScopeWorkload {
		return s.Namespace
	}
	return ""
}

func (b *Builder) projectWorkloads(ctx context.Context, key api.Key) (api.Payload, api.SnapshotStats, error) {
	var stats api.SnapshotStats
	ns := scopeNamespace(key.Scope)

	var items []api.WorkloadSummary
	for _, proj := range []struct {
		gvr  schema.GroupVersionResource
		kind string
		row  func(*unstructured.Unstructured) api.WorkloadSummary
	}{
		{api.DeploymentsGVR, "Deployment", controllerRow("Deployment")},
		{api.StatefulSetsGVR, "StatefulSet", controllerRow("StatefulSet")},
		{api.DaemonSetsGVR, "DaemonSet", daemonSetRow},
		{api.PodsGVR, "Pod", podRow},
	} {
		oc, err := b.syncedCache(ctx, key.Cluster, proj.gvr, &stats)
		if err != nil {
			return nil, stats, err
		}
		objs, err := oc.List(ns)
		if err != nil {
			return nil, stats, err
		}
		for _, u := range objs {
			row := proj.row(u)
			if !workloadInScope(key.Scope, row) {
				continue
			}
			items = append(items, row)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.Name < b.Name
	})
	items = truncate(b.opts.MaxItems, items, &stats)
	return api.WorkloadsPayload{Items: items}, stats, nil
}

// workloadInScope applies the workload coordinate filter. Controllers match
// by exact kind and name; pods match by generated-name prefix since their
// owner chain is not mirrored.
func workloadInScope(s api.Scope, row api.WorkloadSummary) bool {
	if s.Kind != api.ScopeWorkload {
		return true
	}
	if row.Kind == s.WorkloadKind {
		return row.Name == s.WorkloadName
	}
	if row.Kind == "Pod" {
		return strings.HasPrefix(row.Name, s.WorkloadName+"-")
	}
	return false
}

func controllerRow(kind string) func(*unstructured.Unstructured) api.WorkloadSummary {
	return func(u *unstructured.Unstructured) api.WorkloadSummary {
		ready, _, _ := unstructured.NestedInt64(u.Object, "status", "readyReplicas")
		total, found, _ := unstructured.NestedInt64(u.Object, "spec", "replicas")
		if !found {
			total, _, _ = unstructured.NestedInt64(u.Object, "status", "replicas")
		}
		return api.WorkloadSummary{
			Kind:      kind,
			Namespace: u.GetNamespace(),
			Name:      u.GetName(),
			Status:    fmt.Sprintf("%d/%d", ready, total),
			CreatedAt: u.GetCreationTimestamp().Time,
		}
	}
}

func daemonSetRow(u *unstructured.Unstructured) api.WorkloadSummary {
	ready, _, _ := unstructured.NestedInt64(u.Object, "status", "numberReady")
	desired, _, _ := unstructured.NestedInt64(u.Object, "status", "desiredNumberScheduled")
	return api.WorkloadSummary{
		Kind:      "DaemonSet",
		Namespace: u.GetNamespace(),
		Name:      u.GetName(),
		Status:    fmt.Sprintf("%d/%d", ready, desired),
		CreatedAt: u.GetCreationTimestamp().Time,
	}
}

func podRow(u *unstructured.Unstructured) api.WorkloadSummary {
	phase, _, _ := unstructured.NestedString(u.Object, "status", "phase")
	node, _, _ := unstructured.NestedString(u.Object, "spec", "nodeName")
	return api.WorkloadSummary{
		Kind:      "Pod",
		Namespace: u.GetNamespace(),
		Name:      u.GetName(),
		Status:    phase,
		Node:      node,
		CreatedAt: u.GetCreationTimestamp().Time,
	}
}

func (b *Builder) projectEvents(ctx context.Context, key api.Key) (api.Payload, api.SnapshotStats, error) {
	var stats api.SnapshotStats
	oc, err := b.syncedCache(ctx, key.Cluster, api.EventsGVR, &stats)
	if err != nil {
		return nil, stats, err
	}
	objs, err := oc.List(scopeNamespace(key.Scope))
	if err != nil {
		return nil, stats, err
	}

	items := make([]api.EventSummary, 0, len(objs))
	for _, u := range objs {
		eventType, _, _ := unstructured.NestedString(u.Object, "type")
		reason, _, _ := unstructured.NestedString(u.Object, "reason")
		message, _, _ := unstructured.NestedString(u.Object, "message")
		count, _, _ := unstructured.NestedInt64(u.Object, "count")
		involvedKind, _, _ := unstructured.NestedString(u.Object, "involvedObject", "kind")
		involvedName, _, _ := unstructured.NestedString(u.Object, "involvedObject", "name")
		item := api.EventSummary{
			Namespace:    u.GetNamespace(),
			Name:         u.GetName(),
			Type:         eventType,
			Reason:       reason,
			Message:      message,
			Count:        count,
			InvolvedKind: involvedKind,
			InvolvedName: involvedName,
		}
		if ts, found, _ := unstructured.NestedString(u.Object, "lastTimestamp"); found {
			if t, err := parseK8sTime(ts); err == nil {
				item.LastSeen = t
			}
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Namespace != items[j].Namespace {
			return items[i].Namespace < items[j].Namespace
		}
		return items[i].Name < items[j].Name
	})
	items = truncate(b.opts.MaxItems, items, &stats)
	return api.EventsPayload{Items: items}, stats, nil
}

func (b *Builder) projectNodes(ctx context.Context, key api.Key) (api.Payload, api.SnapshotStats, error) {
	var stats api.SnapshotStats
	oc, err := b.syncedCache(ctx, key.Cluster, api.NodesGVR, &stats)
	if err != nil {
		return nil, stats, err
	}
	objs, err := oc.List("")
	if err != nil {
		return nil, stats, err
	}

	rec, haveMetrics := b.metrics.Record(key.Cluster)
	metricsStale := !haveMetrics || rec.Stale || rec.Disabled
	if metricsStale {
		stats.Warnings = append(stats.Warnings, "node metrics are stale or unavailable")
	}

	items := make([]api.NodeSummary, 0, len(objs))
	for _, u := range objs {
		if key.Scope.Kind == api.ScopeNode && u.GetName() != key.Scope.Node {
			continue
		}
		item := api.NodeSummary{Name: u.GetName(), Ready: nodeReady(u)}
		if v, found, _ := unstructured.NestedString(u.Object, "status", "nodeInfo", "kubeletVersion"); found {
			item.KubeletVersion = v
		}
		if haveMetrics {
			if nu, ok := rec.Nodes[item.Name]; ok {
				item.CPUMilli = nu.CPUMilli
				item.MemoryBytes = nu.MemoryBytes
			}
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	items = truncate(b.opts.MaxItems, items, &stats)
	return api.NodesPayload{Items: items, MetricsStale: metricsStale}, stats, nil
}

func nodeReady(u *unstructured.Unstructured) bool {
	conditions, found, _ := unstructured.NestedSlice(u.Object, "status", "conditions")
	if !found {
		return false
	}
	for _, c := range conditions {
		m, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if m["type"] == "Ready" {
			return m["status"] == "True"
		}
	}
	return false
}

func (b *Builder) projectNamespaces(ctx context.Context, key api.Key) (api.Payload, api.SnapshotStats, error) {
	var stats api.SnapshotStats
	oc, err := b.syncedCache(ctx, key.Cluster, api.NamespacesGVR, &stats)
	if err != nil {
		return nil, stats, err
	}
	objs, err := oc.List("")
	if err != nil {
		return nil, stats, err
	}

	items := make([]api.NamespaceSummary, 0, len(objs))
	for _, u := range objs {
		phase, _, _ := unstructured.NestedString(u.Object, "status", "phase")
		items = append(items, api.NamespaceSummary{Name: u.GetName(), Phase: phase})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	items = truncate(b.opts.MaxItems, items, &stats)
	return api.NamespacesPayload{Items: items}, stats, nil
}

// truncate caps items at max and records the full count.
func truncate[T any](max int, items []T, stats *api.SnapshotStats) []T {
	stats.TotalItems = len(items)
	if max > 0 && len(items) > max {
		stats.Truncated = true
		return items[:max]
	}
	return items
}

func parseK8sTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
