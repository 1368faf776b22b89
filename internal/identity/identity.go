// Package identity derives sidecar identity from Pod metadata alone.
// Nothing is cached: the naming convention and owner references are the
// only link between a workload Pod and its sidecar.
package identity

import (
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"

	sidecartypes "github.com/ia-eknorr/sidecar-operator/pkg/types"
)

// ErrMissingIdentity is returned when a Pod handed over by the API lacks a
// name or namespace.
var ErrMissingIdentity = errors.New("pod is missing identity")

// IsSidecar reports whether the Pod is annotated as a sidecar.
func IsSidecar(pod *corev1.Pod) bool {
	return pod.Annotations[sidecartypes.AnnotationSidecar] == sidecartypes.ValueTrue
}

// NameOf returns the Pod name.
func NameOf(pod *corev1.Pod) (string, error) {
	if pod == nil || pod.Name == "" {
		return "", fmt.Errorf("%w: name not set", ErrMissingIdentity)
	}
	return pod.Name, nil
}

// NamespaceOf returns the Pod namespace.
func NamespaceOf(pod *corev1.Pod) (string, error) {
	if pod == nil || pod.Namespace == "" {
		return "", fmt.Errorf("%w: namespace not set on pod %q", ErrMissingIdentity, nameOrEmpty(pod))
	}
	return pod.Namespace, nil
}

// Namer derives sidecar names from workload names.
type Namer struct {
	Prefix string
}

// SidecarNameOf returns the name of the sidecar belonging to pod.
func (n Namer) SidecarNameOf(pod *corev1.Pod) string {
	return n.Prefix + pod.Name
}

// IsManagedSidecar reports whether pod looks like a sidecar this controller
// created: prefixed name and a Pod/v1 owner reference.
func (n Namer) IsManagedSidecar(pod *corev1.Pod) bool {
	if !strings.HasPrefix(pod.Name, n.Prefix) {
		return false
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == sidecartypes.OwnerKindPod && ref.APIVersion == sidecartypes.OwnerAPIVersionPod {
			return true
		}
	}
	return false
}

func nameOrEmpty(pod *corev1.Pod) string {
	if pod == nil {
		return ""
	}
	return pod.Name
}
