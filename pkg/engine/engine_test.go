package engine

import (
	"context"
	"testing"

	"k8s.io/client-go/rest"

	"github.com/sttts/kmirror/pkg/api"
	"github.com/sttts/kmirror/pkg/appconfig"
	"github.com/sttts/kmirror/pkg/catalog"
	"github.com/sttts/kmirror/pkg/clusterpool"
)

func newTestEngine() *Engine {
	provider := clusterpool.ConfigProviderFunc(func(api.ClusterRef) (*rest.Config, error) {
		// Never dialed in these tests; operations stop at validation.
		return &rest.Config{Host: "http://127.0.0.1:1"}, nil
	})
	return New(provider, appconfig.Default())
}

func TestInvalidKeysRejectedBeforeAnyDial(t *testing.T) {
	e := newTestEngine()

	if _, err := e.Snapshot(context.Background(), "prod", api.Domain("bogus"), api.ClusterScope()); !api.IsBuildError(err) {
		t.Fatalf("Snapshot with unknown domain = %v, want BuildError", err)
	}
	if _, err := e.Snapshot(context.Background(), "prod", api.DomainPodLogs,
		api.WorkloadScope("default", "Deployment", "web")); !api.IsBuildError(err) {
		t.Fatalf("Snapshot of stream-only domain = %v, want BuildError", err)
	}
	if _, err := e.Subscribe(context.Background(), "prod", api.DomainNodes, api.NamespaceScope("default")); !api.IsBuildError(err) {
		t.Fatalf("Subscribe with invalid scope = %v, want BuildError", err)
	}
	if err := e.Track("prod", api.Domain("bogus"), api.ClusterScope()); !api.IsBuildError(err) {
		t.Fatalf("Track with unknown domain = %v, want BuildError", err)
	}
}

func TestRefreshStateLifecycle(t *testing.T) {
	e := newTestEngine()

	if _, ok := e.RefreshState("prod", api.DomainPodLogs, api.WorkloadScope("default", "Deployment", "web")); ok {
		t.Fatal("state exists before Track")
	}
	// A stream-only domain gets state tracking without a polling loop, so
	// nothing dials.
	scope := api.WorkloadScope("default", "Deployment", "web")
	if err := e.Track("prod", api.DomainPodLogs, scope); err != nil {
		t.Fatalf("Track returned error: %v", err)
	}
	if _, ok := e.RefreshState("prod", api.DomainPodLogs, scope); !ok {
		t.Fatal("state missing after Track")
	}
	e.Untrack("prod", api.DomainPodLogs, scope)
	if _, ok := e.RefreshState("prod", api.DomainPodLogs, scope); ok {
		t.Fatal("state survives Untrack")
	}
}

func TestRemoveClusterIsIdempotent(t *testing.T) {
	e := newTestEngine()
	e.RemoveCluster("prod")
	e.RemoveCluster("prod")

	if got := e.CatalogHealth("prod"); got != catalog.HealthHealthy {
		t.Fatalf("health of unknown cluster = %s, want healthy", got)
	}
	if _, ok := e.NodeMetrics("prod"); ok {
		t.Fatal("metrics record exists for removed cluster")
	}
}
