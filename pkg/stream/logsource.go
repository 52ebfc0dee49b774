package stream

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/sttts/kmirror/pkg/api"
)

// KubeSource supplies per-cluster typed clients for log access.
type KubeSource interface {
	KubeClient(ref api.ClusterRef) (kubernetes.Interface, error)
}

// KubeSourceFunc adapts a function to KubeSource.
type KubeSourceFunc func(ref api.ClusterRef) (kubernetes.Interface, error)

func (f KubeSourceFunc) KubeClient(ref api.ClusterRef) (kubernetes.Interface, error) {
	return f(ref)
}

// PodLogSource follows pod logs for a workload coordinate and delivers them
// line by line. Pods of a controller are matched by generated-name prefix.
type PodLogSource struct {
	clients KubeSource
	// tailLines bounds the backlog fetched when a follow starts.
	tailLines int64
}

// NewPodLogSource creates a log source backed by the pods/log subresource.
func NewPodLogSource(clients KubeSource) *PodLogSource {
	return &PodLogSource{clients: clients, tailLines: 100}
}

// Stream follows logs of every pod matching the workload scope until ctx is
// done or send returns false. Lines from concurrent pods interleave; each
// line is prefixed with its pod name.
func (p *PodLogSource) Stream(ctx context.Context, ref api.ClusterRef, scope api.Scope, send func(line string) bool) error {
	if scope.Kind != api.ScopeWorkload {
		return fmt.Errorf("log streaming needs a workload scope, got %q", scope.Kind)
	}
	client, err := p.clients.KubeClient(ref)
	if err != nil {
		return &api.TransientConnectError{Cluster: ref, Err: err}
	}

	pods, err := p.matchingPods(ctx, client, scope)
	if err != nil {
		return err
	}
	if len(pods) == 0 {
		return fmt.Errorf("no pods found for %s/%s in %s", scope.WorkloadKind, scope.WorkloadName, scope.Namespace)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// send is not safe for concurrent use; serialize lines from all pods.
	var sendMu sync.Mutex
	guarded := func(line string) bool {
		sendMu.Lock()
		defer sendMu.Unlock()
		if !send(line) {
			cancel()
			return false
		}
		return true
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, pod := range pods {
		pod := pod
		g.Go(func() error {
			return p.followPod(ctx, client, ref, scope.Namespace, pod, guarded)
		})
	}
	return g.Wait()
}

func (p *PodLogSource) matchingPods(ctx context.Context, client kubernetes.Interface, scope api.Scope) ([]string, error) {
	if scope.WorkloadKind == "Pod" {
		return []string{scope.WorkloadName}, nil
	}
	list, err := client.CoreV1().Pods(scope.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	var names []string
	prefix := scope.WorkloadName + "-"
	for _, pod := range list.Items {
		if strings.HasPrefix(pod.Name, prefix) {
			names = append(names, pod.Name)
		}
	}
	return names, nil
}

func (p *PodLogSource) followPod(ctx context.Context, client kubernetes.Interface, ref api.ClusterRef, namespace, pod string, send func(line string) bool) error {
	tail := p.tailLines
	req := client.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{
		Follow:    true,
		TailLines: &tail,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		return &api.TransientConnectError{Cluster: ref, Err: err}
	}
	defer rc.Close()

	klog.V(3).InfoS("following pod logs", "cluster", ref, "namespace", namespace, "pod", pod)
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if !send(pod + ": " + scanner.Text()) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read logs of %s/%s: %w", namespace, pod, err)
	}
	return nil
}
