// Package metricspoller polls the metrics API of each cluster on an
// independent, rate-limited cadence. It is deliberately not derived from
// watches: metrics.k8s.io has no meaningful watch semantics.
package metricspoller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/sttts/kmirror/internal/telemetry"
	"github.com/sttts/kmirror/pkg/api"
)

// NodeMetricsGVR is the collection the poller reads.
var NodeMetricsGVR = schema.GroupVersionResource{
	Group:    "metrics.k8s.io",
	Version:  "v1beta1",
	Resource: "nodes",
}

// ClientSource supplies per-cluster dynamic clients.
type ClientSource interface {
	DynamicClient(ref api.ClusterRef) (dynamic.Interface, error)
}

// ClientSourceFunc adapts a function to ClientSource.
type ClientSourceFunc func(ref api.ClusterRef) (dynamic.Interface, error)

func (f ClientSourceFunc) DynamicClient(ref api.ClusterRef) (dynamic.Interface, error) {
	return f(ref)
}

// AccessChecker gates whether polling starts at all for a cluster.
type AccessChecker interface {
	CanAccess(ctx context.Context, ref api.ClusterRef, gvr schema.GroupVersionResource, verb string) (bool, error)
}

// NodeUsage is the usage sample for one node.
type NodeUsage struct {
	Name        string
	CPUMilli    int64
	MemoryBytes int64
}

// Record is the per-cluster poller state. It is mutated only by the poller;
// readers get copies.
type Record struct {
	Cluster             api.ClusterRef
	CollectedAt         time.Time
	Nodes               map[string]NodeUsage
	Stale               bool
	LastError           string
	ConsecutiveFailures int
	SuccessCount        int
	FailureCount        int
	Disabled            bool
	DisabledReason      string
}

func (r *Record) clone() Record {
	out := *r
	out.Nodes = make(map[string]NodeUsage, len(r.Nodes))
	for k, v := range r.Nodes {
		out.Nodes[k] = v
	}
	return out
}

// Options tunes the poller.
type Options struct {
	// Interval between successful polls.
	Interval time.Duration
	// RatePerSecond and Burst parameterize the token bucket shared by all
	// outbound metrics fetches of one cluster.
	RatePerSecond float64
	Burst         int
	// MaxBackoff caps the failure backoff.
	MaxBackoff time.Duration
	// StaleAfterFailures flips Stale after this many consecutive failures.
	StaleAfterFailures int
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 1
	}
	if o.Burst <= 0 {
		o.Burst = 2
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.StaleAfterFailures <= 0 {
		o.StaleAfterFailures = 3
	}
}

// Poller runs one polling loop per started cluster.
type Poller struct {
	clients ClientSource
	access  AccessChecker
	opts    Options
	clock   clock.Clock

	mu      sync.Mutex
	records map[api.ClusterRef]*Record
	cancels map[api.ClusterRef]context.CancelFunc
}

// New creates a Poller.
func New(clients ClientSource, access AccessChecker, opts Options) *Poller {
	opts.defaults()
	return &Poller{
		clients: clients,
		access:  access,
		opts:    opts,
		clock:   clock.RealClock{},
		records: make(map[api.ClusterRef]*Record),
		cancels: make(map[api.ClusterRef]context.CancelFunc),
	}
}

// Start begins polling for the cluster. If the metrics capability is absent
// or unauthorized, the poller disables itself for that cluster with an
// inspectable reason instead of retrying forever.
func (p *Poller) Start(ctx context.Context, ref api.ClusterRef) error {
	p.mu.Lock()
	if _, ok := p.cancels[ref]; ok {
		p.mu.Unlock()
		return nil
	}
	rec := p.ensureRecordLocked(ref)
	p.mu.Unlock()

	allowed, err := p.access.CanAccess(ctx, ref, NodeMetricsGVR, "list")
	if err != nil {
		return err
	}
	if !allowed {
		p.mu.Lock()
		rec.Disabled = true
		rec.DisabledReason = "metrics capability unauthorized"
		p.mu.Unlock()
		klog.V(2).InfoS("metrics poller disabled", "cluster", ref, "reason", rec.DisabledReason)
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	rec.Disabled = false
	rec.DisabledReason = ""
	p.cancels[ref] = cancel
	p.mu.Unlock()

	limiter := rate.NewLimiter(rate.Limit(p.opts.RatePerSecond), p.opts.Burst)
	go p.loop(loopCtx, ref, limiter)
	return nil
}

// Stop halts polling for one cluster, keeping its last record readable.
func (p *Poller) Stop(ref api.ClusterRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[ref]; ok {
		cancel()
		delete(p.cancels, ref)
	}
}

// Drop removes all state for a cluster.
func (p *Poller) Drop(ref api.ClusterRef) {
	p.Stop(ref)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, ref)
}

// StopAll halts every loop.
func (p *Poller) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ref, cancel := range p.cancels {
		cancel()
		delete(p.cancels, ref)
	}
}

// Record returns a copy of the cluster's record.
func (p *Poller) Record(ref api.ClusterRef) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[ref]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

func (p *Poller) loop(ctx context.Context, ref api.ClusterRef, limiter *rate.Limiter) {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		err := p.pollOnce(ctx, ref)
		var delay time.Duration
		switch {
		case err == nil:
			delay = p.opts.Interval
		case api.AuthorizationShaped(err):
			// Authorization regressed after start; stop rather than
			// hammering the API. A later Start re-checks the gate.
			p.mu.Lock()
			if rec, ok := p.records[ref]; ok {
				rec.Disabled = true
				rec.DisabledReason = fmt.Sprintf("metrics fetch unauthorized: %v", err)
			}
			if cancel, ok := p.cancels[ref]; ok {
				cancel()
				delete(p.cancels, ref)
			}
			p.mu.Unlock()
			klog.V(2).InfoS("metrics poller disabled", "cluster", ref, "err", err)
			return
		default:
			delay = p.failureDelay(ref)
		}
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(delay):
		}
	}
}

// failureDelay returns the capped, jittered exponential backoff for the
// current failure streak.
func (p *Poller) failureDelay(ref api.ClusterRef) time.Duration {
	p.mu.Lock()
	failures := 0
	if rec, ok := p.records[ref]; ok {
		failures = rec.ConsecutiveFailures
	}
	p.mu.Unlock()
	delay := p.opts.Interval
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= p.opts.MaxBackoff {
			delay = p.opts.MaxBackoff
			break
		}
	}
	if delay > p.opts.MaxBackoff {
		delay = p.opts.MaxBackoff
	}
	return wait.Jitter(delay, 0.2)
}

// fetchTimeout bounds one metrics list; pooled clients carry no client-wide
// timeout.
const fetchTimeout = 30 * time.Second

// pollOnce performs a single metrics fetch and records the outcome.
func (p *Poller) pollOnce(ctx context.Context, ref api.ClusterRef) error {
	dyn, err := p.clients.DynamicClient(ref)
	if err != nil {
		p.recordFailure(ref, err)
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	list, err := dyn.Resource(NodeMetricsGVR).List(ctx, metav1.ListOptions{})
	if err != nil {
		p.recordFailure(ref, err)
		return err
	}

	nodes := make(map[string]NodeUsage, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		usage, found, _ := unstructured.NestedStringMap(item.Object, "usage")
		if !found {
			continue
		}
		nu := NodeUsage{Name: item.GetName()}
		if cpu, err := resource.ParseQuantity(usage["cpu"]); err == nil {
			nu.CPUMilli = cpu.MilliValue()
		}
		if mem, err := resource.ParseQuantity(usage["memory"]); err == nil {
			nu.MemoryBytes = mem.Value()
		}
		nodes[nu.Name] = nu
	}
	p.recordSuccess(ref, nodes)
	return nil
}

// recordSuccess stores the sample and clears staleness immediately: only
// consecutive failures drive the stale flag.
func (p *Poller) recordSuccess(ref api.ClusterRef, nodes map[string]NodeUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.ensureRecordLocked(ref)
	rec.CollectedAt = p.clock.Now()
	rec.Nodes = nodes
	rec.Stale = false
	rec.LastError = ""
	rec.ConsecutiveFailures = 0
	rec.SuccessCount++
}

func (p *Poller) recordFailure(ref api.ClusterRef, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.ensureRecordLocked(ref)
	rec.LastError = err.Error()
	rec.ConsecutiveFailures++
	rec.FailureCount++
	if rec.ConsecutiveFailures >= p.opts.StaleAfterFailures {
		rec.Stale = true
	}
	telemetry.MetricsPollFailuresTotal.WithLabelValues(string(ref)).Inc()
	klog.V(3).InfoS("metrics poll failed", "cluster", ref, "consecutiveFailures", rec.ConsecutiveFailures, "err", err)
}

func (p *Poller) ensureRecordLocked(ref api.ClusterRef) *Record {
	rec, ok := p.records[ref]
	if !ok {
		rec = &Record{Cluster: ref, Nodes: make(map[string]NodeUsage)}
		p.records[ref] = rec
	}
	return rec
}
