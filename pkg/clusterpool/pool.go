package clusterpool

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/sttts/kmirror/pkg/api"
)

// ConfigProvider supplies authenticated REST access per cluster. Kubeconfig
// discovery and credential plumbing live behind it, outside this module.
type ConfigProvider interface {
	RESTConfig(ref api.ClusterRef) (*rest.Config, error)
}

// ConfigProviderFunc adapts a function to ConfigProvider.
type ConfigProviderFunc func(ref api.ClusterRef) (*rest.Config, error)

func (f ConfigProviderFunc) RESTConfig(ref api.ClusterRef) (*rest.Config, error) { return f(ref) }

// Conn bundles the per-cluster clients handed out by the pool.
type Conn struct {
	Ref     api.ClusterRef
	Kube    kubernetes.Interface
	Dynamic dynamic.Interface

	lastUsed time.Time
}

// dial builds the clients without a client-wide timeout: pooled clients
// carry watches and log follows, and rest.Config.Timeout becomes
// http.Client.Timeout, which severs a streaming response mid-read. Unary
// callers bound their own requests with context deadlines instead.
func dial(ref api.ClusterRef, cfg *rest.Config) (*Conn, error) {
	cfg = rest.CopyConfig(cfg)
	cfg.Timeout = 0
	kube, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	return &Conn{Ref: ref, Kube: kube, Dynamic: dyn}, nil
}

// Pool manages per-ClusterRef connections with idle eviction. Connections
// for different clusters are fully independent; the pool is the only shared
// structure and is guarded by its own lock.
type Pool struct {
	provider ConfigProvider
	ttl      time.Duration

	mu      sync.Mutex
	conns   map[api.ClusterRef]*Conn
	closing chan struct{}
	started bool
	stopped bool

	// dialFn is replaceable in tests.
	dialFn func(api.ClusterRef, *rest.Config) (*Conn, error)
}

// New creates a pool with the given idle TTL.
func New(provider ConfigProvider, ttl time.Duration) *Pool {
	return &Pool{
		provider: provider,
		ttl:      ttl,
		conns:    make(map[api.ClusterRef]*Conn),
		closing:  make(chan struct{}),
		dialFn:   dial,
	}
}

// Start launches the eviction loop. Call once.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.evictLoop()
}

// Stop stops the eviction loop and drops all connections. Calling it more
// than once is a no-op.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.closing)
	}
	for ref := range p.conns {
		delete(p.conns, ref)
	}
}

// Get returns the connection for ref, dialing it if absent.
func (p *Pool) Get(ref api.ClusterRef) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[ref]; ok {
		c.lastUsed = time.Now()
		return c, nil
	}
	cfg, err := p.provider.RESTConfig(ref)
	if err != nil {
		return nil, &api.TransientConnectError{Cluster: ref, Err: err}
	}
	c, err := p.dialFn(ref, cfg)
	if err != nil {
		return nil, &api.TransientConnectError{Cluster: ref, Err: err}
	}
	c.lastUsed = time.Now()
	p.conns[ref] = c
	klog.V(2).InfoS("dialed cluster", "cluster", ref)
	return c, nil
}

// Remove drops the connection for ref, if any.
func (p *Pool) Remove(ref api.ClusterRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, ref)
}

// Touch marks the connection recently used.
func (p *Pool) Touch(ref api.ClusterRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[ref]; ok {
		c.lastUsed = time.Now()
	}
}

func (p *Pool) evictLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.closing:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for ref, c := range p.conns {
		if c.lastUsed.Before(cutoff) {
			delete(p.conns, ref)
			klog.V(2).InfoS("evicted idle cluster connection", "cluster", ref)
		}
	}
}
