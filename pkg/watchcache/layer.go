// Package watchcache maintains live, eventually consistent local mirrors of
// remote object collections, one per (cluster, resource). Mirrors are fed by
// list/watch with a fixed resync interval healing missed events; watch
// failures are retried with backoff and surfaced as staleness, never
// swallowed.
package watchcache

import (
	"context"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	"github.com/sttts/kmirror/pkg/api"
)

// DynamicSource supplies per-cluster dynamic clients.
type DynamicSource interface {
	DynamicClient(ref api.ClusterRef) (dynamic.Interface, error)
}

// DynamicSourceFunc adapts a function to DynamicSource.
type DynamicSourceFunc func(ref api.ClusterRef) (dynamic.Interface, error)

func (f DynamicSourceFunc) DynamicClient(ref api.ClusterRef) (dynamic.Interface, error) {
	return f(ref)
}

// Access gates cache startup and is told about authorization-shaped watch
// errors so it can drop cached verdicts.
type Access interface {
	CanAccess(ctx context.Context, ref api.ClusterRef, gvr schema.GroupVersionResource, verb string) (bool, error)
	Invalidate(ref api.ClusterRef, gvr schema.GroupVersionResource)
}

// FailureHandler is notified about watch failures, e.g. for catalog health
// tracking.
type FailureHandler func(key Key, err error)

// Options tunes the layer.
type Options struct {
	// ResyncInterval is the periodic full re-list interval.
	ResyncInterval time.Duration
	// StaleAfterFailures marks a cache stale after this many consecutive
	// watch failures.
	StaleAfterFailures int
}

func (o *Options) defaults() {
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 10 * time.Minute
	}
	if o.StaleAfterFailures <= 0 {
		o.StaleAfterFailures = 3
	}
}

// listTimeout is the server-side bound for one full re-list.
const listTimeout = time.Minute

// Layer owns every ObjectCache. It is the single writer of the cache map;
// caches for unrelated clusters never share state or locks beyond it.
type Layer struct {
	clients DynamicSource
	access  Access
	opts    Options

	mu              sync.RWMutex
	caches          map[Key]*ObjectCache
	handlers        []EventHandler
	failureHandlers []FailureHandler
}

// NewLayer creates the watch cache layer.
func NewLayer(clients DynamicSource, access Access, opts Options) *Layer {
	opts.defaults()
	return &Layer{
		clients: clients,
		access:  access,
		opts:    opts,
		caches:  make(map[Key]*ObjectCache),
	}
}

// AddEventHandler registers a handler for change notifications from every
// cache, present and future.
func (l *Layer) AddEventHandler(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// AddFailureHandler registers a handler for watch failures from every cache.
func (l *Layer) AddFailureHandler(h FailureHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failureHandlers = append(l.failureHandlers, h)
}

func (l *Layer) snapshotHandlers() []EventHandler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handlers
}

// Ensure returns the cache for (ref, gvr), starting it if absent. Startup is
// gated on a list+watch capability check; a denial surfaces as
// PermissionDeniedError and no cache is created.
func (l *Layer) Ensure(ctx context.Context, ref api.ClusterRef, gvr schema.GroupVersionResource) (*ObjectCache, error) {
	l.mu.RLock()
	oc, ok := l.caches[Key{Cluster: ref, GVR: gvr}]
	l.mu.RUnlock()
	if ok {
		return oc, nil
	}

	for _, verb := range []string{"list", "watch"} {
		allowed, err := l.access.CanAccess(ctx, ref, gvr, verb)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, &api.PermissionDeniedError{Cluster: ref, Resource: gvr, Verb: verb}
		}
	}

	dyn, err := l.clients.DynamicClient(ref)
	if err != nil {
		return nil, &api.TransientConnectError{Cluster: ref, Err: err}
	}

	key := Key{Cluster: ref, GVR: gvr}
	lw := &toolscache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			// Lists are bounded server-side; watches stay open and the
			// reflector manages their lifetime itself.
			if opts.TimeoutSeconds == nil {
				timeout := int64(listTimeout / time.Second)
				opts.TimeoutSeconds = &timeout
			}
			return dyn.Resource(gvr).Namespace(metav1.NamespaceAll).List(context.Background(), opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			return dyn.Resource(gvr).Namespace(metav1.NamespaceAll).Watch(context.Background(), opts)
		},
	}

	l.mu.Lock()
	if existing, ok := l.caches[key]; ok {
		l.mu.Unlock()
		return existing, nil
	}
	oc = newObjectCache(key, lw,
		resyncConfig{interval: l.opts.ResyncInterval, staleAfter: l.opts.StaleAfterFailures},
		l.snapshotHandlers, l.onWatchFailure)
	l.caches[key] = oc
	l.mu.Unlock()

	oc.start()
	klog.V(2).InfoS("started watch cache", "key", key)
	return oc, nil
}

// onWatchFailure fans a failure out to registered handlers and invalidates
// the permission verdict when the error is authorization-shaped.
func (l *Layer) onWatchFailure(key Key, err error) {
	if api.AuthorizationShaped(err) {
		l.access.Invalidate(key.Cluster, key.GVR)
	}
	l.mu.RLock()
	handlers := l.failureHandlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(key, err)
	}
}

// Get returns an existing cache without starting one.
func (l *Layer) Get(ref api.ClusterRef, gvr schema.GroupVersionResource) (*ObjectCache, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	oc, ok := l.caches[Key{Cluster: ref, GVR: gvr}]
	return oc, ok
}

// StopCluster tears down every cache belonging to one cluster. Caches of
// other clusters are untouched.
func (l *Layer) StopCluster(ref api.ClusterRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, oc := range l.caches {
		if key.Cluster == ref {
			oc.stop()
			delete(l.caches, key)
		}
	}
	klog.V(2).InfoS("stopped watch caches", "cluster", ref)
}

// Stop tears down all caches.
func (l *Layer) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, oc := range l.caches {
		oc.stop()
		delete(l.caches, key)
	}
}
