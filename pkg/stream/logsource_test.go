package stream

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sttts/kmirror/pkg/api"
)

func fakePod(ns, name string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name}}
}

func podLogFixture(objs ...*corev1.Pod) *PodLogSource {
	client := fake.NewSimpleClientset()
	for _, p := range objs {
		_, _ = client.CoreV1().Pods(p.Namespace).Create(context.Background(), p, metav1.CreateOptions{})
	}
	return NewPodLogSource(KubeSourceFunc(func(api.ClusterRef) (kubernetes.Interface, error) {
		return client, nil
	}))
}

func TestStreamMatchesControllerPodsByPrefix(t *testing.T) {
	src := podLogFixture(
		fakePod("default", "web-7f9d4-abc12"),
		fakePod("default", "other-5c4a-xyz"),
	)

	var lines []string
	err := src.Stream(context.Background(), "prod", api.WorkloadScope("default", "Deployment", "web"),
		func(line string) bool {
			lines = append(lines, line)
			return true
		})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "web-7f9d4-abc12: fake logs" {
		t.Fatalf("lines = %v, want the prefixed fake log line of the matching pod", lines)
	}
}

func TestStreamExactPodScope(t *testing.T) {
	src := podLogFixture(fakePod("default", "standalone"))

	var lines []string
	err := src.Stream(context.Background(), "prod", api.WorkloadScope("default", "Pod", "standalone"),
		func(line string) bool {
			lines = append(lines, line)
			return true
		})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "standalone: fake logs" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestStreamNoMatchingPods(t *testing.T) {
	src := podLogFixture(fakePod("default", "other-abc"))
	err := src.Stream(context.Background(), "prod", api.WorkloadScope("default", "Deployment", "web"),
		func(string) bool { return true })
	if err == nil {
		t.Fatal("expected an error when no pods match")
	}
}

func TestStreamRequiresWorkloadScope(t *testing.T) {
	src := podLogFixture()
	err := src.Stream(context.Background(), "prod", api.NamespaceScope("default"),
		func(string) bool { return true })
	if err == nil {
		t.Fatal("expected an error for a non-workload scope")
	}
}
