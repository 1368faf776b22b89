package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/record"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ia-eknorr/sidecar-operator/internal/gateway"
	"github.com/ia-eknorr/sidecar-operator/internal/identity"
	"github.com/ia-eknorr/sidecar-operator/internal/sidecar"
	"github.com/ia-eknorr/sidecar-operator/pkg/conditions"
	sidecartypes "github.com/ia-eknorr/sidecar-operator/pkg/types"
)

// Options configures an Engine.
type Options struct {
	// Namespace is the only namespace the engine acts on.
	Namespace string

	// Builder renders sidecar manifests. Its Namer also decides which
	// deleted Pods were managed sidecars.
	Builder *sidecar.Builder

	// Excluder filters workload Pods by name. May be nil.
	Excluder *identity.Excluder

	// OnStarted is called once the watch is open. May be nil.
	OnStarted func()
}

// Engine keeps one sidecar Pod alive for every workload Pod in a namespace.
// It holds no state between events; the cluster listing is the only
// source of truth.
type Engine struct {
	namespace string
	builder   *sidecar.Builder
	excluder  *identity.Excluder
	onStarted func()

	gateway  gateway.Gateway
	recorder record.EventRecorder // may be nil
}

// NewEngine creates an Engine. recorder may be nil.
func NewEngine(opts Options, gw gateway.Gateway, recorder record.EventRecorder) *Engine {
	return &Engine{
		namespace: opts.Namespace,
		builder:   opts.Builder,
		excluder:  opts.Excluder,
		onStarted: opts.OnStarted,
		gateway:   gw,
		recorder:  recorder,
	}
}

// Run opens the watch and handles events one at a time, in order, until the
// stream ends or ctx is cancelled. Any error returned is fatal.
func (e *Engine) Run(ctx context.Context) error {
	log := logf.FromContext(ctx).WithName("watch")
	ctx = logf.IntoContext(ctx, log)

	w, err := e.gateway.Watch(ctx, e.namespace, sidecartypes.InitialResourceVersion)
	if err != nil {
		return fmt.Errorf("opening pod watch: %w", err)
	}
	defer w.Stop()

	log.Info("watching pods", "namespace", e.namespace, "resourceVersion", sidecartypes.InitialResourceVersion)
	if e.onStarted != nil {
		e.onStarted()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case event, ok := <-w.ResultChan():
			if !ok {
				log.Info("Controller finished successfully")
				return nil
			}
			if err := e.Handle(ctx, event); err != nil {
				return err
			}
		}
	}
}

// Handle applies a single watch event.
func (e *Engine) Handle(ctx context.Context, event watch.Event) error {
	eventType := string(event.Type)
	start := time.Now()
	defer func() {
		handleDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()
	eventsTotal.WithLabelValues(eventType).Inc()

	switch event.Type {
	case watch.Added:
		pod, err := podFrom(event)
		if err != nil {
			return err
		}
		return e.handleAdded(ctx, pod)
	case watch.Modified:
		pod, err := podFrom(event)
		if err != nil {
			return err
		}
		name, err := identity.NameOf(pod)
		if err != nil {
			return err
		}
		logf.FromContext(ctx).Info("UPDATED: "+name, "pod", name)
		return nil
	case watch.Deleted:
		pod, err := podFrom(event)
		if err != nil {
			return err
		}
		return e.handleDeleted(ctx, pod)
	case watch.Error:
		e.handleError(ctx, event.Object)
		return nil
	default:
		return nil
	}
}

// AlreadyHasSidecar lists the namespace and reports whether the sidecar of
// pod is present. The answer can be stale by the time a create is issued;
// create conflicts are handled by the caller.
func (e *Engine) AlreadyHasSidecar(ctx context.Context, pod *corev1.Pod) (bool, error) {
	pods, err := e.gateway.List(ctx, e.namespace)
	if err != nil {
		return false, fmt.Errorf("checking for existing sidecar: %w", err)
	}
	want := e.builder.Namer.SidecarNameOf(pod)
	for i := range pods {
		if pods[i].Name == want {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) handleAdded(ctx context.Context, pod *corev1.Pod) error {
	log := logf.FromContext(ctx)

	namespace, err := identity.NamespaceOf(pod)
	if err != nil {
		return err
	}
	name, err := identity.NameOf(pod)
	if err != nil {
		return err
	}

	if namespace != e.namespace || identity.IsSidecar(pod) {
		return nil
	}
	// Sidecars created without the annotation still carry the owner reference.
	if e.builder.Namer.IsManagedSidecar(pod) {
		log.V(1).Info("ignoring managed sidecar", "pod", name)
		return nil
	}
	if e.excluder.Excludes(name) {
		log.V(1).Info("pod excluded from sidecar management", "pod", name)
		return nil
	}

	exists, err := e.AlreadyHasSidecar(ctx, pod)
	if err != nil {
		return err
	}
	if exists {
		logExisting(log, name)
		return nil
	}
	return e.createSidecar(ctx, pod)
}

func (e *Engine) createSidecar(ctx context.Context, owner *corev1.Pod) error {
	log := logf.FromContext(ctx)

	manifest, err := e.builder.Build(owner)
	if err != nil {
		return err
	}

	created, err := e.gateway.Create(ctx, manifest)
	if apierrors.IsAlreadyExists(err) {
		// Lost the race between the presence check and the create.
		logExisting(log, owner.Name)
		e.event(owner, corev1.EventTypeNormal, conditions.ReasonSidecarExisting, "Sidecar %s already exists", manifest.Name)
		return nil
	}
	if err != nil {
		e.event(owner, corev1.EventTypeWarning, conditions.ReasonCreateFailed, "Creating sidecar %s failed: %v", manifest.Name, err)
		return fmt.Errorf("creating sidecar for pod %s: %w", owner.Name, err)
	}

	sidecarsCreated.WithLabelValues(reasonAdded).Inc()
	log.Info("created sidecar", "pod", owner.Name, "sidecar", created.Name, "image", e.builder.Image)
	e.event(owner, corev1.EventTypeNormal, conditions.ReasonSidecarCreated, "Created sidecar %s", created.Name)
	return nil
}

func (e *Engine) handleDeleted(ctx context.Context, pod *corev1.Pod) error {
	log := logf.FromContext(ctx)

	name, err := identity.NameOf(pod)
	if err != nil {
		return err
	}

	if e.builder.Namer.IsManagedSidecar(pod) {
		created, err := e.gateway.Create(ctx, sidecar.Recreate(pod))
		switch {
		case apierrors.IsAlreadyExists(err):
			log.Info("sidecar already recreated", "sidecar", name)
		case err != nil:
			return fmt.Errorf("recreating sidecar %s: %w", name, err)
		default:
			sidecarsCreated.WithLabelValues(reasonRecreated).Inc()
			log.Info("recreated sidecar", "sidecar", created.Name)
			e.event(created, corev1.EventTypeNormal, conditions.ReasonSidecarRecreated, "Recreated sidecar %s after deletion", created.Name)
		}
	}

	log.Info("DELETED: "+name, "pod", name)
	return nil
}

func (e *Engine) handleError(ctx context.Context, obj runtime.Object) {
	log := logf.FromContext(ctx)
	watchErrorsTotal.Inc()

	status, ok := obj.(*metav1.Status)
	if !ok {
		log.Error(fmt.Errorf("unexpected error object %T", obj), "ERROR: watch error without status")
		return
	}
	log.Error(apierrors.FromObject(status),
		fmt.Sprintf("ERROR: %d %s (%s)", status.Code, status.Message, status.Status),
		"code", status.Code, "reason", status.Reason)
}

func logExisting(log logr.Logger, name string) {
	sidecarsExisting.Inc()
	log.Info("Sidecar already existing for pod "+name, "pod", name)
}

// event records a Kubernetes Event if a recorder is configured.
func (e *Engine) event(obj runtime.Object, eventType, reason, messageFmt string, args ...any) {
	if e.recorder == nil {
		return
	}
	e.recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}

func podFrom(event watch.Event) (*corev1.Pod, error) {
	pod, ok := event.Object.(*corev1.Pod)
	if !ok {
		return nil, fmt.Errorf("%w: %s event carries %T, not a pod", identity.ErrMissingIdentity, event.Type, event.Object)
	}
	return pod, nil
}
