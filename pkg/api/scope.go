package api

import (
	"fmt"
	"strings"
)

// ScopeKind enumerates the sub-selectors narrowing a domain within one
// cluster.
type ScopeKind string

const (
	ScopeCluster   ScopeKind = "cluster"
	ScopeNamespace ScopeKind = "namespace"
	ScopeNode      ScopeKind = "node"
	ScopeWorkload  ScopeKind = "workload"
)

// Scope narrows a Domain within a single cluster. The zero value is the
// cluster-wide scope.
//
// Textual grammar:
//
//	cluster
//	namespace:<ns>
//	node:<name>
//	workload:<ns>:<kind>:<name>
type Scope struct {
	Kind         ScopeKind
	Namespace    string
	Node         string
	WorkloadKind string
	WorkloadName string
}

// ClusterScope is the unscoped (cluster-wide) selector.
func ClusterScope() Scope { return Scope{Kind: ScopeCluster} }

// NamespaceScope selects a single namespace.
func NamespaceScope(ns string) Scope { return Scope{Kind: ScopeNamespace, Namespace: ns} }

// NodeScope selects a single node.
func NodeScope(name string) Scope { return Scope{Kind: ScopeNode, Node: name} }

// WorkloadScope selects a single workload coordinate.
func WorkloadScope(ns, kind, name string) Scope {
	return Scope{Kind: ScopeWorkload, Namespace: ns, WorkloadKind: kind, WorkloadName: name}
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeNamespace:
		return "namespace:" + s.Namespace
	case ScopeNode:
		return "node:" + s.Node
	case ScopeWorkload:
		return "workload:" + s.Namespace + ":" + s.WorkloadKind + ":" + s.WorkloadName
	default:
		return "cluster"
	}
}

// ParseScope parses the textual scope grammar.
func ParseScope(in string) (Scope, error) {
	if in == "" || in == string(ScopeCluster) {
		return ClusterScope(), nil
	}
	parts := strings.Split(in, ":")
	switch ScopeKind(parts[0]) {
	case ScopeNamespace:
		if len(parts) != 2 || parts[1] == "" {
			return Scope{}, fmt.Errorf("invalid namespace scope %q", in)
		}
		return NamespaceScope(parts[1]), nil
	case ScopeNode:
		if len(parts) != 2 || parts[1] == "" {
			return Scope{}, fmt.Errorf("invalid node scope %q", in)
		}
		return NodeScope(parts[1]), nil
	case ScopeWorkload:
		if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
			return Scope{}, fmt.Errorf("invalid workload scope %q", in)
		}
		return WorkloadScope(parts[1], parts[2], parts[3]), nil
	}
	return Scope{}, fmt.Errorf("unknown scope %q", in)
}

// MarshalJSON encodes the scope in its textual grammar.
func (s Scope) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the textual grammar.
func (s *Scope) UnmarshalJSON(data []byte) error {
	in := strings.Trim(string(data), `"`)
	parsed, err := ParseScope(in)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ClusterScopeRef is one item of a multi-cluster scope list: a scope
// qualified by the cluster it addresses.
type ClusterScopeRef struct {
	Cluster ClusterRef
	Scope   Scope
}

func (r ClusterScopeRef) String() string {
	return string(r.Cluster) + "/" + r.Scope.String()
}

// scopeListSeparator joins cluster-qualified scopes in a multi-cluster list.
const scopeListSeparator = ","

// FormatScopeList renders a multi-cluster scope list.
func FormatScopeList(refs []ClusterScopeRef) string {
	items := make([]string, 0, len(refs))
	for _, r := range refs {
		items = append(items, r.String())
	}
	return strings.Join(items, scopeListSeparator)
}

// ParseScopeList parses a multi-cluster scope list produced by
// FormatScopeList.
func ParseScopeList(in string) ([]ClusterScopeRef, error) {
	if in == "" {
		return nil, nil
	}
	var refs []ClusterScopeRef
	for _, item := range strings.Split(in, scopeListSeparator) {
		cluster, rest, ok := strings.Cut(item, "/")
		if !ok || cluster == "" {
			return nil, fmt.Errorf("scope list item %q missing cluster qualifier", item)
		}
		scope, err := ParseScope(rest)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ClusterScopeRef{Cluster: ClusterRef(cluster), Scope: scope})
	}
	return refs, nil
}
