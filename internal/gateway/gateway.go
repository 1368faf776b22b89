// Package gateway is the controller's only path to the cluster API.
package gateway

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// Gateway watches, lists and creates Pods.
type Gateway interface {
	// Watch opens an ordered event stream over Pods in namespace, starting
	// at fromVersion.
	Watch(ctx context.Context, namespace, fromVersion string) (watch.Interface, error)

	// List returns the Pods currently in namespace.
	List(ctx context.Context, namespace string) ([]corev1.Pod, error)

	// Create submits pod. A name conflict is reported as an AlreadyExists API error.
	Create(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error)
}
