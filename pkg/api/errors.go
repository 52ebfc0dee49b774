package api

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// PermissionDeniedError reports that the acting identity may not perform a
// verb on a resource in a cluster. Callers must not retry until an explicit
// re-check is triggered (see the permission gate's invalidation contract).
type PermissionDeniedError struct {
	Cluster  ClusterRef
	Resource schema.GroupVersionResource
	Verb     string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: cannot %s %s in cluster %q", e.Verb, e.Resource.Resource, e.Cluster)
}

// IsPermissionDenied reports whether err is (or wraps) a PermissionDeniedError.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

// TransientConnectError reports a retryable failure reaching a cluster.
// Owners retry with capped exponential backoff and jitter.
type TransientConnectError struct {
	Cluster ClusterRef
	Err     error
}

func (e *TransientConnectError) Error() string {
	return fmt.Sprintf("cluster %q unreachable: %v", e.Cluster, e.Err)
}

func (e *TransientConnectError) Unwrap() error { return e.Err }

// IsTransientConnect reports whether err is (or wraps) a
// TransientConnectError.
func IsTransientConnect(err error) bool {
	var tc *TransientConnectError
	return errors.As(err, &tc)
}

// BuildError reports a failed snapshot build. It is delivered to every caller
// of the coalesced build; a failed build is never cached as a snapshot.
type BuildError struct {
	Key Key
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Key, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// IsBuildError reports whether err is (or wraps) a BuildError.
func IsBuildError(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}

// CapacityExceededError reports that a subscription limit was hit. Subscribe
// attempts fail fast with it rather than queuing.
type CapacityExceededError struct {
	Key   Key
	Limit int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("subscriber capacity for %s exceeded (limit %d)", e.Key, e.Limit)
}

// IsCapacityExceeded reports whether err is (or wraps) a
// CapacityExceededError.
func IsCapacityExceeded(err error) bool {
	var ce *CapacityExceededError
	return errors.As(err, &ce)
}

// AuthorizationShaped reports whether err looks like an authorization
// failure from the cluster API. Such errors trigger permission-gate
// invalidation; they are not assumed permanent.
func AuthorizationShaped(err error) bool {
	return apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err)
}
