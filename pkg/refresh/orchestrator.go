// Package refresh schedules periodic snapshot pulls per (cluster, domain,
// scope) on the consumer's behalf. Each registered key runs its own timer
// loop with conditional fetches, error cooldown, and merge of push updates;
// polling stays on as the correctness backstop unless a domain only streams.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/sttts/kmirror/pkg/api"
)

// Status is the consumer-visible refresh lifecycle for one key.
type Status string

const (
	// StatusIdle means registered, no fetch attempted yet.
	StatusIdle Status = "idle"
	// StatusLoading means the first fetch is in flight.
	StatusLoading Status = "loading"
	// StatusUpdating means a follow-up fetch is in flight.
	StatusUpdating Status = "updating"
	// StatusReady means the last fetch succeeded.
	StatusReady Status = "ready"
	// StatusError means the last fetch failed; retries continue after the
	// cooldown.
	StatusError Status = "error"
)

// State is the per-key refresh record. It is mutated only by the
// orchestrator; readers get copies.
type State struct {
	Status               Status
	LastChecksum         string
	LastUpdated          time.Time
	Err                  string
	DroppedAutoRefreshes int
	CooldownUntil        time.Time
}

// Fetcher pulls a snapshot with conditional-fetch semantics; the snapshot
// builder's delivery API implements it.
type Fetcher interface {
	Get(ctx context.Context, ref api.ClusterRef, domain api.Domain, scope api.Scope, ifNoneMatch string) (*api.Snapshot, bool, error)
}

// Options tunes the orchestrator.
type Options struct {
	// Interval is the auto-refresh cadence per key.
	Interval time.Duration
	// Timeout bounds one fetch.
	Timeout time.Duration
	// CooldownMin and CooldownMax bound the exponential error cooldown.
	CooldownMin time.Duration
	CooldownMax time.Duration
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.CooldownMin <= 0 {
		o.CooldownMin = 2 * time.Second
	}
	if o.CooldownMax <= 0 {
		o.CooldownMax = 2 * time.Minute
	}
}

type loop struct {
	key        api.Key
	streamOnly bool
	cancel     context.CancelFunc
	kick       chan struct{}

	mu       sync.Mutex
	state    State
	cooldown time.Duration
}

// Orchestrator owns one refresh loop per registered key.
type Orchestrator struct {
	fetcher Fetcher
	opts    Options
	clock   clock.PassiveClock

	mu    sync.RWMutex
	loops map[string]*loop
}

// New creates an orchestrator.
func New(fetcher Fetcher, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		fetcher: fetcher,
		opts:    opts,
		clock:   clock.RealClock{},
		loops:   make(map[string]*loop),
	}
}

// WithClock replaces the clock, for tests.
func (o *Orchestrator) WithClock(cl clock.PassiveClock) *Orchestrator {
	o.clock = cl
	return o
}

// Register starts a refresh loop for the key. Registering an already
// registered key is a no-op. Stream-only domains get state tracking and
// ApplyStreamUpdate merges but no polling loop.
func (o *Orchestrator) Register(ref api.ClusterRef, domain api.Domain, scope api.Scope) error {
	key := api.Key{Cluster: ref, Domain: domain, Scope: scope}
	if !domain.Valid() {
		return &api.BuildError{Key: key, Err: fmt.Errorf("unknown domain %q", domain)}
	}
	if !api.ValidScope(domain, scope) {
		return &api.BuildError{Key: key, Err: fmt.Errorf("scope %q not valid for domain %q", scope, domain)}
	}

	ks := key.String()
	o.mu.Lock()
	if _, ok := o.loops[ks]; ok {
		o.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		key:        key,
		streamOnly: domain.StreamOnly(),
		cancel:     cancel,
		kick:       make(chan struct{}, 1),
		state:      State{Status: StatusIdle},
	}
	o.loops[ks] = l
	o.mu.Unlock()

	if !l.streamOnly {
		go o.run(ctx, l)
	}
	klog.V(2).InfoS("registered refresh loop", "key", ks, "streamOnly", l.streamOnly)
	return nil
}

// Unregister stops the loop and discards its state.
func (o *Orchestrator) Unregister(ref api.ClusterRef, domain api.Domain, scope api.Scope) {
	ks := api.Key{Cluster: ref, Domain: domain, Scope: scope}.String()
	o.mu.Lock()
	l, ok := o.loops[ks]
	if ok {
		delete(o.loops, ks)
	}
	o.mu.Unlock()
	if ok {
		l.cancel()
	}
}

// DropCluster unregisters every key of one cluster.
func (o *Orchestrator) DropCluster(ref api.ClusterRef) {
	o.mu.Lock()
	var cancelled []*loop
	for ks, l := range o.loops {
		if l.key.Cluster == ref {
			delete(o.loops, ks)
			cancelled = append(cancelled, l)
		}
	}
	o.mu.Unlock()
	for _, l := range cancelled {
		l.cancel()
	}
}

// State returns a copy of the key's refresh record.
func (o *Orchestrator) State(ref api.ClusterRef, domain api.Domain, scope api.Scope) (State, bool) {
	l := o.lookup(ref, domain, scope)
	if l == nil {
		return State{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, true
}

// ForceRefresh interrupts the key's current wait and fetches immediately,
// bypassing any cooldown. It does not block; a force while a forced fetch is
// already pending is absorbed.
func (o *Orchestrator) ForceRefresh(ref api.ClusterRef, domain api.Domain, scope api.Scope) {
	l := o.lookup(ref, domain, scope)
	if l == nil || l.streamOnly {
		return
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// ApplyStreamUpdate merges a push-channel result into the refresh record.
// Polling continues; the stream is an accelerator, not the source of truth.
func (o *Orchestrator) ApplyStreamUpdate(ref api.ClusterRef, domain api.Domain, scope api.Scope, checksum string) {
	l := o.lookup(ref, domain, scope)
	if l == nil {
		return
	}
	now := o.clock.Now()
	l.mu.Lock()
	l.state.Status = StatusReady
	l.state.LastChecksum = checksum
	l.state.LastUpdated = now
	l.state.Err = ""
	l.mu.Unlock()
}

func (o *Orchestrator) lookup(ref api.ClusterRef, domain api.Domain, scope api.Scope) *loop {
	ks := api.Key{Cluster: ref, Domain: domain, Scope: scope}.String()
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.loops[ks]
}

func (o *Orchestrator) run(ctx context.Context, l *loop) {
	// First fetch happens immediately; the interval paces the rest.
	o.tick(ctx, l, false)
	timer := time.NewTimer(o.opts.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.kick:
			o.tick(ctx, l, true)
		case <-timer.C:
			o.tick(ctx, l, false)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.opts.Interval)
	}
}

// tick runs one fetch. Auto ticks inside the cooldown window are dropped and
// counted; forced ticks always run.
func (o *Orchestrator) tick(ctx context.Context, l *loop, forced bool) {
	now := o.clock.Now()

	l.mu.Lock()
	if !forced && now.Before(l.state.CooldownUntil) {
		l.state.DroppedAutoRefreshes++
		l.mu.Unlock()
		return
	}
	if l.state.LastChecksum == "" && l.state.Status != StatusError {
		l.state.Status = StatusLoading
	} else {
		l.state.Status = StatusUpdating
	}
	checksum := l.state.LastChecksum
	l.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	snap, notModified, err := o.fetcher.Get(fetchCtx, l.key.Cluster, l.key.Domain, l.key.Scope, checksum)
	cancel()
	now = o.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		if l.cooldown == 0 {
			l.cooldown = o.opts.CooldownMin
		} else {
			l.cooldown *= 2
			if l.cooldown > o.opts.CooldownMax {
				l.cooldown = o.opts.CooldownMax
			}
		}
		l.state.Status = StatusError
		l.state.Err = err.Error()
		l.state.CooldownUntil = now.Add(l.cooldown)
		klog.V(2).InfoS("refresh failed", "key", l.key, "cooldown", l.cooldown, "err", err)
		return
	}
	l.cooldown = 0
	l.state.Status = StatusReady
	l.state.Err = ""
	l.state.CooldownUntil = time.Time{}
	l.state.LastUpdated = now
	if !notModified && snap != nil {
		l.state.LastChecksum = snap.Checksum
	}
}
