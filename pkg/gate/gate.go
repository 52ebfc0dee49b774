// Package gate answers "may the acting identity list/watch this resource in
// this cluster" and caches the verdicts. Verdicts are invalidated when the
// owning component reports an authorization-shaped error, plus a long
// safety-net TTL; denials are never assumed permanent.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/sttts/kmirror/pkg/api"
)

// ClientSource supplies the typed client used for access reviews.
type ClientSource interface {
	KubeClient(ref api.ClusterRef) (kubernetes.Interface, error)
}

// ClientSourceFunc adapts a function to ClientSource.
type ClientSourceFunc func(ref api.ClusterRef) (kubernetes.Interface, error)

func (f ClientSourceFunc) KubeClient(ref api.ClusterRef) (kubernetes.Interface, error) {
	return f(ref)
}

// DefaultSafetyTTL bounds verdict age even without an invalidation trigger.
const DefaultSafetyTTL = time.Hour

// reviewTimeout bounds one access review call; pooled clients carry no
// client-wide timeout.
const reviewTimeout = 15 * time.Second

type checkKey struct {
	cluster api.ClusterRef
	gvr     schema.GroupVersionResource
	verb    string
}

type verdictEntry struct {
	allowed   bool
	checkedAt time.Time
}

// Gate caches SelfSubjectAccessReview verdicts per (cluster, resource, verb).
type Gate struct {
	clients ClientSource
	ttl     time.Duration
	clock   clock.PassiveClock

	mu       sync.RWMutex
	verdicts map[checkKey]verdictEntry
}

// Option configures the Gate.
type Option func(*Gate)

// WithSafetyTTL overrides the safety-net verdict TTL.
func WithSafetyTTL(d time.Duration) Option { return func(g *Gate) { g.ttl = d } }

// WithClock injects a clock for tests.
func WithClock(c clock.PassiveClock) Option { return func(g *Gate) { g.clock = c } }

// New creates a Gate backed by the given client source.
func New(clients ClientSource, opts ...Option) *Gate {
	g := &Gate{
		clients:  clients,
		ttl:      DefaultSafetyTTL,
		clock:    clock.RealClock{},
		verdicts: make(map[checkKey]verdictEntry),
	}
	for _, fn := range opts {
		fn(g)
	}
	return g
}

// CanAccess reports whether the identity may perform verb on gvr in the
// cluster. Verdicts are served from cache while fresh; a transport failure
// surfaces as an error, never as a denial.
func (g *Gate) CanAccess(ctx context.Context, ref api.ClusterRef, gvr schema.GroupVersionResource, verb string) (bool, error) {
	key := checkKey{cluster: ref, gvr: gvr, verb: verb}

	g.mu.RLock()
	entry, ok := g.verdicts[key]
	g.mu.RUnlock()
	if ok && g.clock.Since(entry.checkedAt) < g.ttl {
		return entry.allowed, nil
	}

	allowed, err := g.review(ctx, ref, gvr, verb)
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	g.verdicts[key] = verdictEntry{allowed: allowed, checkedAt: g.clock.Now()}
	g.mu.Unlock()
	klog.V(3).InfoS("access review", "cluster", ref, "resource", gvr.Resource, "verb", verb, "allowed", allowed)
	return allowed, nil
}

func (g *Gate) review(ctx context.Context, ref api.ClusterRef, gvr schema.GroupVersionResource, verb string) (bool, error) {
	client, err := g.clients.KubeClient(ref)
	if err != nil {
		return false, fmt.Errorf("client for cluster %q: %w", ref, err)
	}
	ctx, cancel := context.WithTimeout(ctx, reviewTimeout)
	defer cancel()
	ssar := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Group:    gvr.Group,
				Resource: gvr.Resource,
				Verb:     verb,
			},
		},
	}
	resp, err := client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, ssar, metav1.CreateOptions{})
	if err != nil {
		return false, &api.TransientConnectError{Cluster: ref, Err: err}
	}
	return resp.Status.Allowed, nil
}

// Invalidate drops cached verdicts for one resource in one cluster. Owners
// call it when a previously working watch or fetch starts failing with an
// authorization-shaped error.
func (g *Gate) Invalidate(ref api.ClusterRef, gvr schema.GroupVersionResource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.verdicts {
		if key.cluster == ref && key.gvr == gvr {
			delete(g.verdicts, key)
		}
	}
}

// InvalidateCluster drops every cached verdict for a cluster, e.g. on
// disconnect or credential rotation.
func (g *Gate) InvalidateCluster(ref api.ClusterRef) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.verdicts {
		if key.cluster == ref {
			delete(g.verdicts, key)
		}
	}
}
