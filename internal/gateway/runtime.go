package gateway

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Runtime is a Gateway backed by an uncached controller-runtime client.
type Runtime struct {
	client client.WithWatch
}

// NewRuntime wraps a controller-runtime client that supports watches
// (client.NewWithWatch or the fake client).
func NewRuntime(c client.WithWatch) *Runtime {
	return &Runtime{client: c}
}

func (g *Runtime) Watch(ctx context.Context, namespace, fromVersion string) (watch.Interface, error) {
	w, err := g.client.Watch(ctx, &corev1.PodList{}, &client.ListOptions{
		Namespace: namespace,
		Raw:       &metav1.ListOptions{ResourceVersion: fromVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("watching pods in %s: %w", namespace, err)
	}
	return w, nil
}

func (g *Runtime) List(ctx context.Context, namespace string) ([]corev1.Pod, error) {
	var list corev1.PodList
	if err := g.client.List(ctx, &list, client.InNamespace(namespace)); err != nil {
		return nil, fmt.Errorf("listing pods in %s: %w", namespace, err)
	}
	return list.Items, nil
}

func (g *Runtime) Create(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	created := pod.DeepCopy()
	if err := g.client.Create(ctx, created); err != nil {
		return nil, fmt.Errorf("creating pod %s/%s: %w", pod.Namespace, pod.Name, err)
	}
	return created, nil
}
