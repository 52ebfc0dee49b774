package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sttts/kmirror/pkg/api"
	"github.com/sttts/kmirror/pkg/watchcache"
)

type fakeInitial struct {
	builds int
	err    error
}

func (f *fakeInitial) Build(_ context.Context, ref api.ClusterRef, domain api.Domain, scope api.Scope) (*api.Snapshot, error) {
	f.builds++
	if f.err != nil {
		return nil, f.err
	}
	return &api.Snapshot{
		Cluster:  ref,
		Domain:   domain,
		Scope:    scope,
		Version:  1,
		Checksum: "abc",
		Data:     api.WorkloadsPayload{},
	}, nil
}

func podObj(ns, name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata":   map[string]interface{}{"namespace": ns, "name": name},
	}}
}

func podEvent(ref api.ClusterRef, t watchcache.EventType, obj *unstructured.Unstructured) watchcache.Event {
	return watchcache.Event{
		Key:    watchcache.Key{Cluster: ref, GVR: api.PodsGVR},
		Type:   t,
		Object: obj,
	}
}

// receive pops the next message or fails after a short timeout.
func receive(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestSubscribeInitialThenIncremental(t *testing.T) {
	initial := &fakeInitial{}
	m := NewManager(initial, nil, Options{})
	t.Cleanup(func() { m.DropCluster("prod") })

	sub, err := m.Subscribe(context.Background(), "prod", api.DomainWorkloads, api.NamespaceScope("default"))
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if sub.State() != StateActive {
		t.Fatalf("state = %s, want active", sub.State())
	}

	msg := receive(t, sub)
	if msg.Type != MessageInitial || msg.Snapshot == nil {
		t.Fatalf("first message = %+v, want INITIAL with snapshot", msg)
	}

	m.OnWatchEvent(podEvent("prod", watchcache.Added, podObj("default", "web-0")))
	msg = receive(t, sub)
	if msg.Type != MessageAdded || msg.Object.GetName() != "web-0" {
		t.Fatalf("second message = %+v, want ADDED web-0", msg)
	}
}

// gatedInitial blocks Build until released, simulating a slow cache sync
// during the initial snapshot.
type gatedInitial struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedInitial) Build(_ context.Context, ref api.ClusterRef, domain api.Domain, scope api.Scope) (*api.Snapshot, error) {
	close(g.entered)
	<-g.release
	return &api.Snapshot{
		Cluster:  ref,
		Domain:   domain,
		Scope:    scope,
		Version:  1,
		Checksum: "abc",
		Data:     api.WorkloadsPayload{},
	}, nil
}

func TestEventsDuringInitialBuildArriveAfterInitial(t *testing.T) {
	gated := &gatedInitial{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(gated, nil, Options{BufferSize: 8})
	t.Cleanup(func() { m.DropCluster("prod") })

	type result struct {
		sub *Subscriber
		err error
	}
	done := make(chan result)
	go func() {
		sub, err := m.Subscribe(context.Background(), "prod", api.DomainWorkloads, api.ClusterScope())
		done <- result{sub, err}
	}()

	// Changes landing while the snapshot is still building must not get
	// ahead of it.
	<-gated.entered
	m.OnWatchEvent(podEvent("prod", watchcache.Added, podObj("default", "web-0")))
	m.OnWatchEvent(podEvent("prod", watchcache.Added, podObj("default", "web-1")))
	close(gated.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("Subscribe returned error: %v", res.err)
	}
	if msg := receive(t, res.sub); msg.Type != MessageInitial {
		t.Fatalf("first message = %s, want INITIAL", msg.Type)
	}
	if msg := receive(t, res.sub); msg.Type != MessageAdded || msg.Object.GetName() != "web-0" {
		t.Fatalf("second message = %+v, want ADDED web-0", msg)
	}
	if msg := receive(t, res.sub); msg.Type != MessageAdded || msg.Object.GetName() != "web-1" {
		t.Fatalf("third message = %+v, want ADDED web-1", msg)
	}
}

func TestScopeAndClusterFiltering(t *testing.T) {
	m := NewManager(&fakeInitial{}, nil, Options{})
	t.Cleanup(func() { m.DropCluster("prod") })

	sub, err := m.Subscribe(context.Background(), "prod", api.DomainWorkloads, api.NamespaceScope("default"))
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	receive(t, sub) // INITIAL

	// Wrong namespace, wrong cluster, wrong resource: none delivered.
	m.OnWatchEvent(podEvent("prod", watchcache.Added, podObj("kube-system", "dns-0")))
	m.OnWatchEvent(podEvent("staging", watchcache.Added, podObj("default", "web-0")))
	m.OnWatchEvent(watchcache.Event{
		Key:  watchcache.Key{Cluster: "prod", GVR: api.NamespacesGVR},
		Type: watchcache.Added,
		Object: &unstructured.Unstructured{Object: map[string]interface{}{
			"apiVersion": "v1", "kind": "Namespace",
			"metadata": map[string]interface{}{"name": "default"},
		}},
	})
	m.OnWatchEvent(podEvent("prod", watchcache.Added, podObj("default", "web-1")))

	msg := receive(t, sub)
	if msg.Type != MessageAdded || msg.Object.GetName() != "web-1" {
		t.Fatalf("got %+v, want only the in-scope ADDED web-1", msg)
	}
}

func TestSubscriberCap(t *testing.T) {
	m := NewManager(&fakeInitial{}, nil, Options{MaxSubscribersPerKey: 1})
	t.Cleanup(func() { m.DropCluster("prod") })

	if _, err := m.Subscribe(context.Background(), "prod", api.DomainNodes, api.ClusterScope()); err != nil {
		t.Fatalf("first Subscribe returned error: %v", err)
	}
	_, err := m.Subscribe(context.Background(), "prod", api.DomainNodes, api.ClusterScope())
	if !api.IsCapacityExceeded(err) {
		t.Fatalf("second Subscribe = %v, want CapacityExceededError", err)
	}
	// A different scope is a different key with its own budget.
	if _, err := m.Subscribe(context.Background(), "prod", api.DomainNodes, api.NodeScope("worker-1")); err != nil {
		t.Fatalf("different-key Subscribe returned error: %v", err)
	}
}

func TestOverflowDropsOldestAndMarksResync(t *testing.T) {
	m := NewManager(&fakeInitial{}, nil, Options{BufferSize: 2})
	t.Cleanup(func() { m.DropCluster("prod") })

	sub, err := m.Subscribe(context.Background(), "prod", api.DomainWorkloads, api.ClusterScope())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	// Do not read; overflow the 2-slot buffer well past capacity.
	for i := 0; i < 6; i++ {
		m.OnWatchEvent(podEvent("prod", watchcache.Added, podObj("default", fmt.Sprintf("web-%d", i))))
	}
	if sub.Dropped() == 0 {
		t.Fatal("expected drops after overflowing the buffer")
	}

	var types []MessageType
	var lastObject string
	for {
		select {
		case msg := <-sub.Messages():
			types = append(types, msg.Type)
			if msg.Object != nil {
				lastObject = msg.Object.GetName()
			}
			continue
		default:
		}
		break
	}
	var sawResync bool
	for _, tp := range types {
		if tp == MessageResync {
			sawResync = true
		}
	}
	if !sawResync {
		t.Fatalf("no RESYNC marker among %v", types)
	}
	// Drop-oldest keeps the newest event.
	if lastObject != "web-5" {
		t.Fatalf("newest delivered object = %s, want web-5", lastObject)
	}
}

func TestSyncedEmitsResync(t *testing.T) {
	m := NewManager(&fakeInitial{}, nil, Options{})
	t.Cleanup(func() { m.DropCluster("prod") })

	sub, err := m.Subscribe(context.Background(), "prod", api.DomainWorkloads, api.ClusterScope())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	receive(t, sub) // INITIAL

	m.OnWatchEvent(podEvent("prod", watchcache.Synced, nil))
	if msg := receive(t, sub); msg.Type != MessageResync {
		t.Fatalf("got %s, want RESYNC after re-list", msg.Type)
	}
}

func TestHeartbeat(t *testing.T) {
	m := NewManager(&fakeInitial{}, nil, Options{})
	t.Cleanup(func() { m.DropCluster("prod") })

	sub, err := m.Subscribe(context.Background(), "prod", api.DomainNamespaces, api.ClusterScope())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	receive(t, sub) // INITIAL

	m.heartbeatOnce()
	if msg := receive(t, sub); msg.Type != MessageHeartbeat {
		t.Fatalf("got %s, want HEARTBEAT", msg.Type)
	}
}

func TestStalledSubscriberIsDisconnected(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Now())
	m := NewManager(&fakeInitial{}, nil, Options{BufferSize: 1, StallTimeout: time.Minute}).WithClock(fc)

	sub, err := m.Subscribe(context.Background(), "prod", api.DomainWorkloads, api.ClusterScope())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	// Overflow without reading so the subscriber is in a dropping state.
	for i := 0; i < 4; i++ {
		m.OnWatchEvent(podEvent("prod", watchcache.Added, podObj("default", fmt.Sprintf("web-%d", i))))
	}

	// Within the stall window heartbeats keep the subscriber alive.
	m.heartbeatOnce()
	if sub.State() == StateDisconnected {
		t.Fatal("subscriber disconnected before the stall timeout")
	}

	fc.SetTime(fc.Now().Add(2 * time.Minute))
	m.heartbeatOnce()
	if sub.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected after stall", sub.State())
	}
	if got := m.SubscriberCount(sub.Key); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}
	// The channel closes so consumer range loops terminate.
	for range sub.Messages() {
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager(&fakeInitial{}, nil, Options{})

	sub, err := m.Subscribe(context.Background(), "prod", api.DomainEvents, api.ClusterScope())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	m.Unsubscribe(sub.ID)
	if sub.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", sub.State())
	}
	if got := m.SubscriberCount(sub.Key); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}
	// Unsubscribing twice is a no-op.
	m.Unsubscribe(sub.ID)
}

func TestDropClusterIsolation(t *testing.T) {
	m := NewManager(&fakeInitial{}, nil, Options{})
	t.Cleanup(func() { m.DropCluster("staging") })

	prod, err := m.Subscribe(context.Background(), "prod", api.DomainEvents, api.ClusterScope())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	staging, err := m.Subscribe(context.Background(), "staging", api.DomainEvents, api.ClusterScope())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	m.DropCluster("prod")
	if prod.State() != StateDisconnected {
		t.Fatalf("prod state = %s, want disconnected", prod.State())
	}
	if staging.State() != StateActive {
		t.Fatalf("staging state = %s, want active", staging.State())
	}
}

type fakeLogs struct {
	lines []string
}

func (f fakeLogs) Stream(_ context.Context, _ api.ClusterRef, _ api.Scope, send func(string) bool) error {
	for _, line := range f.lines {
		if !send(line) {
			return nil
		}
	}
	return nil
}

func TestLogSubscription(t *testing.T) {
	m := NewManager(&fakeInitial{}, fakeLogs{lines: []string{"a", "b"}}, Options{})

	sub, err := m.Subscribe(context.Background(), "prod", api.DomainPodLogs,
		api.WorkloadScope("default", "Deployment", "web"))
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	var lines []string
	for msg := range sub.Messages() {
		if msg.Type == MessageLog {
			lines = append(lines, msg.Line)
		}
	}
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Fatalf("lines = %v, want [a b]", lines)
	}
	if sub.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected after stream end", sub.State())
	}
}

func TestLogSubscriptionWithoutSourceFails(t *testing.T) {
	m := NewManager(&fakeInitial{}, nil, Options{})
	_, err := m.Subscribe(context.Background(), "prod", api.DomainPodLogs,
		api.WorkloadScope("default", "Deployment", "web"))
	if !api.IsBuildError(err) {
		t.Fatalf("expected error without a log source, got %v", err)
	}
}
