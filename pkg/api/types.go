package api

import (
	"time"
)

// ClusterRef is an opaque identifier for a connected cluster. Every cache
// key, subscription, and build key in this module is qualified by one;
// nothing assumes a single "current" cluster.
type ClusterRef string

// Domain is a closed set of derived-data categories. Each domain has its own
// payload shape and refresh cadence; the snapshot builder switches over it
// exhaustively.
type Domain string

const (
	// DomainWorkloads covers pods and their controllers within a namespace
	// (or cluster-wide when unscoped).
	DomainWorkloads Domain = "workloads"
	// DomainEvents covers core/v1 Events, cluster-wide or per namespace.
	DomainEvents Domain = "events"
	// DomainNodes covers the node list joined with poller metrics.
	DomainNodes Domain = "nodes"
	// DomainNamespaces covers the namespace list.
	DomainNamespaces Domain = "namespaces"
	// DomainPodLogs is stream-only: log lines for a workload scope. It has
	// no snapshot projection.
	DomainPodLogs Domain = "podlogs"
)

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool {
	switch d {
	case DomainWorkloads, DomainEvents, DomainNodes, DomainNamespaces, DomainPodLogs:
		return true
	}
	return false
}

// StreamOnly reports whether d has no snapshot projection and is delivered
// exclusively over the push channel.
func (d Domain) StreamOnly() bool {
	return d == DomainPodLogs
}

// Key addresses a unit of caching, subscription, and refresh scheduling.
type Key struct {
	Cluster ClusterRef
	Domain  Domain
	Scope   Scope
}

func (k Key) String() string {
	return string(k.Cluster) + "/" + string(k.Domain) + "/" + k.Scope.String()
}

// SnapshotStats carries size and quality information alongside a payload.
type SnapshotStats struct {
	Truncated  bool     `json:"truncated"`
	TotalItems int      `json:"totalItems"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Snapshot is an immutable, checksummed payload for one (cluster, domain,
// scope). For a fixed key the checksum is a pure function of Data; two
// snapshots with equal checksums are interchangeable.
type Snapshot struct {
	Cluster  ClusterRef    `json:"cluster"`
	Domain   Domain        `json:"domain"`
	Scope    Scope         `json:"scope"`
	Version  uint64        `json:"version"`
	Checksum string        `json:"checksum"`
	Data     Payload       `json:"data"`
	Stats    SnapshotStats `json:"stats"`
	BuiltAt  time.Time     `json:"builtAt"`
}

// Payload is the closed union of per-domain snapshot data shapes.
type Payload interface {
	payloadDomain() Domain
}

// WorkloadsPayload is the DomainWorkloads projection.
type WorkloadsPayload struct {
	Items []WorkloadSummary `json:"items"`
}

func (WorkloadsPayload) payloadDomain() Domain { return DomainWorkloads }

// WorkloadSummary is one pod or controller row.
type WorkloadSummary struct {
	Kind      string    `json:"kind"`
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Status    string    `json:"status,omitempty"`
	Node      string    `json:"node,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// EventsPayload is the DomainEvents projection.
type EventsPayload struct {
	Items []EventSummary `json:"items"`
}

func (EventsPayload) payloadDomain() Domain { return DomainEvents }

// EventSummary is one core/v1 Event row.
type EventSummary struct {
	Namespace    string    `json:"namespace"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Reason       string    `json:"reason"`
	Message      string    `json:"message"`
	Count        int64     `json:"count"`
	InvolvedKind string    `json:"involvedKind"`
	InvolvedName string    `json:"involvedName"`
	LastSeen     time.Time `json:"lastSeen,omitempty"`
}

// NodesPayload is the DomainNodes projection, joined with poller metrics.
type NodesPayload struct {
	Items []NodeSummary `json:"items"`
	// MetricsStale is set when the poller's record for the cluster is stale
	// or absent; usage fields are then last-known or zero.
	MetricsStale bool `json:"metricsStale"`
}

func (NodesPayload) payloadDomain() Domain { return DomainNodes }

// NodeSummary is one node row.
type NodeSummary struct {
	Name           string `json:"name"`
	Ready          bool   `json:"ready"`
	KubeletVersion string `json:"kubeletVersion,omitempty"`
	CPUMilli       int64  `json:"cpuMilli,omitempty"`
	MemoryBytes    int64  `json:"memoryBytes,omitempty"`
}

// NamespacesPayload is the DomainNamespaces projection.
type NamespacesPayload struct {
	Items []NamespaceSummary `json:"items"`
}

func (NamespacesPayload) payloadDomain() Domain { return DomainNamespaces }

// NamespaceSummary is one namespace row.
type NamespaceSummary struct {
	Name  string `json:"name"`
	Phase string `json:"phase,omitempty"`
}
