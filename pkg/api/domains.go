package api

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	PodsGVR         = schema.GroupVersionResource{Version: "v1", Resource: "pods"}
	EventsGVR       = schema.GroupVersionResource{Version: "v1", Resource: "events"}
	NodesGVR        = schema.GroupVersionResource{Version: "v1", Resource: "nodes"}
	NamespacesGVR   = schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}
	DeploymentsGVR  = schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}
	StatefulSetsGVR = schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "statefulsets"}
	DaemonSetsGVR   = schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "daemonsets"}
)

// DomainResources returns the watch-cache collections a domain is derived
// from. Stream-only domains return nil.
func DomainResources(d Domain) []schema.GroupVersionResource {
	switch d {
	case DomainWorkloads:
		return []schema.GroupVersionResource{PodsGVR, DeploymentsGVR, StatefulSetsGVR, DaemonSetsGVR}
	case DomainEvents:
		return []schema.GroupVersionResource{EventsGVR}
	case DomainNodes:
		return []schema.GroupVersionResource{NodesGVR}
	case DomainNamespaces:
		return []schema.GroupVersionResource{NamespacesGVR}
	}
	return nil
}

// ValidScope reports whether the scope kind is meaningful for the domain.
func ValidScope(d Domain, s Scope) bool {
	switch d {
	case DomainWorkloads:
		return s.Kind == ScopeCluster || s.Kind == ScopeNamespace || s.Kind == ScopeWorkload
	case DomainEvents:
		return s.Kind == ScopeCluster || s.Kind == ScopeNamespace
	case DomainNodes:
		return s.Kind == ScopeCluster || s.Kind == ScopeNode
	case DomainNamespaces:
		return s.Kind == ScopeCluster
	case DomainPodLogs:
		return s.Kind == ScopeWorkload
	}
	return false
}
