package gateway

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// Clientset is a Gateway backed by a client-go typed clientset.
type Clientset struct {
	client kubernetes.Interface
}

// NewClientset wraps a client-go clientset.
func NewClientset(c kubernetes.Interface) *Clientset {
	return &Clientset{client: c}
}

func (g *Clientset) Watch(ctx context.Context, namespace, fromVersion string) (watch.Interface, error) {
	w, err := g.client.CoreV1().Pods(namespace).Watch(ctx, metav1.ListOptions{
		ResourceVersion: fromVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("watching pods in %s: %w", namespace, err)
	}
	return w, nil
}

func (g *Clientset) List(ctx context.Context, namespace string) ([]corev1.Pod, error) {
	list, err := g.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods in %s: %w", namespace, err)
	}
	return list.Items, nil
}

func (g *Clientset) Create(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	created, err := g.client.CoreV1().Pods(pod.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating pod %s/%s: %w", pod.Namespace, pod.Name, err)
	}
	return created, nil
}
