package watchcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	"github.com/sttts/kmirror/internal/telemetry"
	"github.com/sttts/kmirror/pkg/api"
)

// Key identifies one mirrored object collection. Caches are never shared or
// merged across clusters, even for identical resource shapes.
type Key struct {
	Cluster api.ClusterRef
	GVR     schema.GroupVersionResource
}

func (k Key) String() string {
	return string(k.Cluster) + "/" + k.GVR.GroupResource().String()
}

// EventType is a minimal change indicator for cache updates.
type EventType string

const (
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"
	Synced   EventType = "Synced" // initial list (or re-list) complete
)

// Event conveys an object change from one cache. Object is nil for Synced.
// Objects are shared with the informer store and must be treated read-only.
type Event struct {
	Key    Key
	Type   EventType
	Object *unstructured.Unstructured
}

// EventHandler receives change notifications. Handlers must not block; slow
// consumers get their own buffering (see the stream manager).
type EventHandler func(Event)

// ObjectCache is a live local mirror of one (cluster, resource) collection,
// fed by list/watch with periodic resync. It is the single writer of its own
// store; everything else only reads.
type ObjectCache struct {
	key        Key
	informer   toolscache.SharedIndexInformer
	staleAfter int

	// handlers is supplied by the layer so globally registered handlers
	// observe events from caches started before and after registration.
	handlers func() []EventHandler
	// onFailure is notified about watch errors, including their
	// authorization shape, after local bookkeeping.
	onFailure func(Key, error)

	mu                  sync.RWMutex
	consecutiveFailures int
	stale               bool
	synced              bool

	cancel context.CancelFunc
}

func newObjectCache(key Key, lw toolscache.ListerWatcher, resync resyncConfig, handlers func() []EventHandler, onFailure func(Key, error)) *ObjectCache {
	oc := &ObjectCache{
		key:        key,
		staleAfter: resync.staleAfter,
		handlers:   handlers,
		onFailure:  onFailure,
	}
	informer := toolscache.NewSharedIndexInformer(lw, &unstructured.Unstructured{}, resync.interval,
		toolscache.Indexers{toolscache.NamespaceIndex: toolscache.MetaNamespaceIndexFunc})
	// Reflector retries with its own exponential backoff; we only track
	// consecutive failures for staleness.
	_ = informer.SetWatchErrorHandler(func(_ *toolscache.Reflector, err error) {
		oc.recordFailure(err)
	})
	_, _ = informer.AddEventHandler(toolscache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { oc.dispatch(Added, obj) },
		UpdateFunc: func(_, obj interface{}) { oc.dispatch(Modified, obj) },
		DeleteFunc: func(obj interface{}) { oc.dispatch(Deleted, obj) },
	})
	oc.informer = informer
	return oc
}

// start runs the informer until the cache is stopped. It emits a Synced
// event once the initial list completes.
func (oc *ObjectCache) start() {
	ctx, cancel := context.WithCancel(context.Background())
	oc.cancel = cancel
	go oc.informer.Run(ctx.Done())
	go func() {
		if !toolscache.WaitForCacheSync(ctx.Done(), oc.informer.HasSynced) {
			return
		}
		oc.mu.Lock()
		oc.synced = true
		oc.consecutiveFailures = 0
		oc.stale = false
		oc.mu.Unlock()
		telemetry.WatchSyncsTotal.WithLabelValues(string(oc.key.Cluster)).Inc()
		klog.V(2).InfoS("watch cache synced", "key", oc.key)
		for _, h := range oc.handlers() {
			h(Event{Key: oc.key, Type: Synced})
		}
	}()
}

func (oc *ObjectCache) stop() {
	if oc.cancel != nil {
		oc.cancel()
	}
}

func (oc *ObjectCache) dispatch(t EventType, obj interface{}) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		// Deletions may arrive as tombstones after a missed watch window.
		tombstone, ok := obj.(toolscache.DeletedFinalStateUnknown)
		if !ok {
			return
		}
		if u, ok = tombstone.Obj.(*unstructured.Unstructured); !ok {
			return
		}
	}
	oc.noteProgress()
	for _, h := range oc.handlers() {
		h(Event{Key: oc.key, Type: t, Object: u})
	}
}

// noteProgress resets failure tracking; receiving events means the watch is
// alive again.
func (oc *ObjectCache) noteProgress() {
	oc.mu.Lock()
	if oc.consecutiveFailures != 0 || oc.stale {
		oc.consecutiveFailures = 0
		oc.stale = false
	}
	oc.mu.Unlock()
}

func (oc *ObjectCache) recordFailure(err error) {
	oc.mu.Lock()
	oc.consecutiveFailures++
	if oc.consecutiveFailures >= oc.staleAfter {
		oc.stale = true
	}
	failures := oc.consecutiveFailures
	oc.mu.Unlock()
	telemetry.WatchFailuresTotal.WithLabelValues(string(oc.key.Cluster)).Inc()
	klog.V(2).InfoS("watch failure", "key", oc.key, "consecutiveFailures", failures, "err", err)
	if oc.onFailure != nil {
		oc.onFailure(oc.key, err)
	}
}

// HasSynced reports whether the initial list completed.
func (oc *ObjectCache) HasSynced() bool {
	return oc.informer.HasSynced()
}

// WaitForSync blocks until the initial list completes or ctx is done.
func (oc *ObjectCache) WaitForSync(ctx context.Context) error {
	if toolscache.WaitForCacheSync(ctx.Done(), oc.informer.HasSynced) {
		return nil
	}
	return &api.TransientConnectError{
		Cluster: oc.key.Cluster,
		Err:     fmt.Errorf("cache for %s not synced: %w", oc.key.GVR.Resource, ctx.Err()),
	}
}

// Stale reports whether consecutive watch failures crossed the threshold.
// Dependents must surface this instead of serving stale-looking-fresh data.
func (oc *ObjectCache) Stale() bool {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	return oc.stale
}

// ConsecutiveFailures returns the current failure streak.
func (oc *ObjectCache) ConsecutiveFailures() int {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	return oc.consecutiveFailures
}

// List returns the mirrored objects, optionally restricted to a namespace.
// The returned objects are shared and read-only.
func (oc *ObjectCache) List(namespace string) ([]*unstructured.Unstructured, error) {
	indexer := oc.informer.GetIndexer()
	var raw []interface{}
	if namespace == "" {
		raw = indexer.List()
	} else {
		var err error
		raw, err = indexer.ByIndex(toolscache.NamespaceIndex, namespace)
		if err != nil {
			return nil, err
		}
	}
	out := make([]*unstructured.Unstructured, 0, len(raw))
	for _, o := range raw {
		if u, ok := o.(*unstructured.Unstructured); ok {
			out = append(out, u)
		}
	}
	return out, nil
}

type resyncConfig struct {
	interval   time.Duration
	staleAfter int
}
