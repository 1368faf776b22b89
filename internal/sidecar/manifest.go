// Package sidecar builds the Pod manifests submitted for sidecars.
package sidecar

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/ia-eknorr/sidecar-operator/internal/identity"
	sidecartypes "github.com/ia-eknorr/sidecar-operator/pkg/types"
)

// Builder renders sidecar manifests for workload Pods.
type Builder struct {
	Namespace string
	Image     string
	Namer     identity.Namer

	// Annotate adds the sidecar annotation so the sidecar's own Added event
	// is filtered by identity.IsSidecar.
	Annotate bool

	// Patches are applied in order to the rendered manifest.
	Patches []Patch
}

// Build returns the manifest of the sidecar owned by owner.
func (b *Builder) Build(owner *corev1.Pod) (*corev1.Pod, error) {
	ownerName, err := identity.NameOf(owner)
	if err != nil {
		return nil, err
	}
	if owner.UID == "" {
		return nil, fmt.Errorf("%w: uid not set on pod %q", identity.ErrMissingIdentity, ownerName)
	}

	name := b.Namer.SidecarNameOf(owner)
	pod := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{
			APIVersion: sidecartypes.OwnerAPIVersionPod,
			Kind:       sidecartypes.OwnerKindPod,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.Namespace,
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: sidecartypes.OwnerAPIVersionPod,
				Kind:       sidecartypes.OwnerKindPod,
				Name:       ownerName,
				UID:        owner.UID,
			}},
			Labels: map[string]string{
				sidecartypes.LabelSidecar: sidecartypes.ValueTrue,
			},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  name,
				Image: b.Image,
			}},
		},
	}
	if b.Annotate {
		pod.Annotations = map[string]string{
			sidecartypes.AnnotationSidecar: sidecartypes.ValueTrue,
		}
	}

	if len(b.Patches) == 0 {
		return pod, nil
	}
	patched, err := applyPatches(pod, b.Patches)
	if err != nil {
		return nil, fmt.Errorf("patching sidecar manifest %s: %w", name, err)
	}
	return patched, nil
}

// Recreate returns a copy of a deleted sidecar that can be submitted again.
// Only the resource version is dropped; the API server rejects creates
// that carry one.
func Recreate(deleted *corev1.Pod) *corev1.Pod {
	pod := deleted.DeepCopy()
	pod.ResourceVersion = ""
	return pod
}
