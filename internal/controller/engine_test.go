package controller

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/ia-eknorr/sidecar-operator/internal/gateway"
	"github.com/ia-eknorr/sidecar-operator/internal/identity"
	"github.com/ia-eknorr/sidecar-operator/internal/sidecar"
)

const (
	testNamespace = "ns"
	testImage     = "hazelcast/hazelcast:4.2"
)

// fakeGateway is a test double for gateway.Gateway that records every call.
type fakeGateway struct {
	pods    []corev1.Pod
	created []*corev1.Pod

	listCalls int
	listErr   error
	createErr error

	watcher        watch.Interface
	watchErr       error
	watchNamespace string
	watchVersion   string
}

func (f *fakeGateway) Watch(_ context.Context, namespace, fromVersion string) (watch.Interface, error) {
	f.watchNamespace = namespace
	f.watchVersion = fromVersion
	return f.watcher, f.watchErr
}

func (f *fakeGateway) List(_ context.Context, _ string) ([]corev1.Pod, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.pods, nil
}

func (f *fakeGateway) Create(_ context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	f.created = append(f.created, pod.DeepCopy())
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.pods = append(f.pods, *pod.DeepCopy())
	return pod.DeepCopy(), nil
}

func testBuilder() *sidecar.Builder {
	return &sidecar.Builder{
		Namespace: testNamespace,
		Image:     testImage,
		Namer:     identity.Namer{Prefix: "hazelcast-"},
		Annotate:  true,
	}
}

func newEngine(gw gateway.Gateway, recorder record.EventRecorder) *Engine {
	return NewEngine(Options{Namespace: testNamespace, Builder: testBuilder()}, gw, recorder)
}

func workloadPod(name, uid string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			UID:       types.UID(uid),
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "app", Image: "nginx"}},
		},
	}
}

func managedSidecar(owner, uid, resourceVersion string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:            "hazelcast-" + owner,
			Namespace:       testNamespace,
			ResourceVersion: resourceVersion,
			Labels:          map[string]string{"sidecar": "true"},
			OwnerReferences: []metav1.OwnerReference{
				{Kind: "Pod", APIVersion: "v1", Name: owner, UID: types.UID(uid)},
			},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "hazelcast-" + owner, Image: testImage}},
		},
	}
}

var _ = Describe("Engine", func() {
	var (
		ctx context.Context
		gw  *fakeGateway
		eng *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		gw = &fakeGateway{}
		eng = newEngine(gw, nil)
	})

	Context("Added events", func() {
		It("creates an owned sidecar for a workload pod", func() {
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: workloadPod("app", "u1")})).To(Succeed())

			Expect(gw.listCalls).To(Equal(1))
			Expect(gw.created).To(HaveLen(1))
			sc := gw.created[0]
			Expect(sc.Name).To(Equal("hazelcast-app"))
			Expect(sc.Namespace).To(Equal(testNamespace))
			Expect(sc.OwnerReferences).To(ConsistOf(metav1.OwnerReference{
				Kind: "Pod", APIVersion: "v1", Name: "app", UID: "u1",
			}))
			Expect(sc.Labels).To(HaveKeyWithValue("sidecar", "true"))
			Expect(sc.Annotations).To(HaveKeyWithValue("sidecar", "true"))
			Expect(sc.Spec.Containers).To(HaveLen(1))
			Expect(sc.Spec.Containers[0].Image).To(Equal(testImage))
		})

		It("leaves an existing sidecar untouched", func() {
			gw.pods = []corev1.Pod{*workloadPod("app", "u1"), *managedSidecar("app", "u1", "3")}

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: workloadPod("app", "u1")})).To(Succeed())
			Expect(gw.listCalls).To(Equal(1))
			Expect(gw.created).To(BeEmpty())
		})

		It("creates at most one sidecar when the same pod is added twice", func() {
			pod := workloadPod("app", "u1")
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: pod})).To(Succeed())
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: pod})).To(Succeed())

			Expect(gw.listCalls).To(Equal(2))
			Expect(gw.created).To(HaveLen(1))
		})

		It("ignores pods in a foreign namespace", func() {
			pod := workloadPod("app", "u1")
			pod.Namespace = "elsewhere"

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: pod})).To(Succeed())
			Expect(gw.listCalls).To(BeZero())
			Expect(gw.created).To(BeEmpty())
		})

		It("ignores pods annotated as sidecars", func() {
			pod := workloadPod("cache", "u2")
			pod.Annotations = map[string]string{"sidecar": "true"}

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: pod})).To(Succeed())
			Expect(gw.listCalls).To(BeZero())
			Expect(gw.created).To(BeEmpty())
		})

		It("does not create a sidecar for a managed sidecar without the annotation", func() {
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: managedSidecar("app", "u1", "3")})).To(Succeed())
			Expect(gw.created).To(BeEmpty())
		})

		It("skips excluded pods", func() {
			ex, err := identity.NewExcluder([]string{"debug-*"})
			Expect(err).NotTo(HaveOccurred())
			eng = NewEngine(Options{Namespace: testNamespace, Builder: testBuilder(), Excluder: ex}, gw, nil)

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: workloadPod("debug-shell", "u3")})).To(Succeed())
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: workloadPod("app", "u1")})).To(Succeed())
			Expect(gw.created).To(HaveLen(1))
			Expect(gw.created[0].Name).To(Equal("hazelcast-app"))
		})

		It("treats a create conflict as an existing sidecar", func() {
			gw.createErr = apierrors.NewAlreadyExists(corev1.Resource("pods"), "hazelcast-app")

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: workloadPod("app", "u1")})).To(Succeed())
			Expect(gw.created).To(HaveLen(1))
		})

		It("fails on other create errors", func() {
			gw.createErr = apierrors.NewServiceUnavailable("apiserver down")

			err := eng.Handle(ctx, watch.Event{Type: watch.Added, Object: workloadPod("app", "u1")})
			Expect(err).To(HaveOccurred())
			Expect(apierrors.IsServiceUnavailable(err)).To(BeTrue())
		})

		It("fails when the presence check cannot list", func() {
			gw.listErr = errors.New("connection refused")

			err := eng.Handle(ctx, watch.Event{Type: watch.Added, Object: workloadPod("app", "u1")})
			Expect(err).To(MatchError(ContainSubstring("connection refused")))
			Expect(gw.created).To(BeEmpty())
		})

		It("fails with MissingIdentity for a pod without a name", func() {
			pod := workloadPod("", "u1")

			err := eng.Handle(ctx, watch.Event{Type: watch.Added, Object: pod})
			Expect(errors.Is(err, identity.ErrMissingIdentity)).To(BeTrue())
		})

		It("fails with MissingIdentity for a pod without a namespace", func() {
			pod := workloadPod("app", "u1")
			pod.Namespace = ""

			err := eng.Handle(ctx, watch.Event{Type: watch.Added, Object: pod})
			Expect(errors.Is(err, identity.ErrMissingIdentity)).To(BeTrue())
		})

		It("records an event on the workload pod", func() {
			recorder := record.NewFakeRecorder(5)
			eng = newEngine(gw, recorder)

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: workloadPod("app", "u1")})).To(Succeed())
			Expect(recorder.Events).To(Receive(Equal("Normal SidecarCreated Created sidecar hazelcast-app")))
		})
	})

	Context("Deleted events", func() {
		It("recreates a managed sidecar without its resource version", func() {
			deleted := managedSidecar("app", "u1", "42")

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Deleted, Object: deleted})).To(Succeed())
			Expect(gw.created).To(HaveLen(1))

			want := deleted.DeepCopy()
			want.ResourceVersion = ""
			Expect(gw.created[0]).To(Equal(want))
			Expect(deleted.ResourceVersion).To(Equal("42"))
		})

		It("does not recreate a prefixed pod without owner references", func() {
			pod := workloadPod("hazelcast-foo", "u9")

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Deleted, Object: pod})).To(Succeed())
			Expect(gw.created).To(BeEmpty())
		})

		It("does not recreate workload pods", func() {
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Deleted, Object: workloadPod("app", "u1")})).To(Succeed())
			Expect(gw.created).To(BeEmpty())
			Expect(gw.listCalls).To(BeZero())
		})

		It("ignores a conflict when the sidecar was already recreated", func() {
			gw.createErr = apierrors.NewAlreadyExists(corev1.Resource("pods"), "hazelcast-app")

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Deleted, Object: managedSidecar("app", "u1", "42")})).To(Succeed())
		})

		It("fails when recreation fails", func() {
			gw.createErr = apierrors.NewForbidden(corev1.Resource("pods"), "hazelcast-app", errors.New("quota exceeded"))

			err := eng.Handle(ctx, watch.Event{Type: watch.Deleted, Object: managedSidecar("app", "u1", "42")})
			Expect(apierrors.IsForbidden(err)).To(BeTrue())
		})
	})

	Context("other events", func() {
		It("only logs modified pods", func() {
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Modified, Object: workloadPod("app", "u1")})).To(Succeed())
			Expect(gw.listCalls).To(BeZero())
			Expect(gw.created).To(BeEmpty())
		})

		It("does not fail on error events", func() {
			status := &metav1.Status{
				Status:  metav1.StatusFailure,
				Code:    410,
				Reason:  metav1.StatusReasonGone,
				Message: "too old resource version",
			}
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Error, Object: status})).To(Succeed())
		})

		It("ignores bookmarks", func() {
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Bookmark, Object: workloadPod("", "")})).To(Succeed())
			Expect(gw.created).To(BeEmpty())
		})

		It("rejects pod events that do not carry a pod", func() {
			err := eng.Handle(ctx, watch.Event{Type: watch.Added, Object: &corev1.ConfigMap{}})
			Expect(errors.Is(err, identity.ErrMissingIdentity)).To(BeTrue())
		})
	})

	Context("Run", func() {
		var fw *watch.FakeWatcher

		BeforeEach(func() {
			fw = watch.NewFakeWithChanSize(10, false)
			gw.watcher = fw
		})

		It("opens the watch at version 0 and processes the stream in order", func() {
			started := false
			eng = NewEngine(Options{
				Namespace: testNamespace,
				Builder:   testBuilder(),
				OnStarted: func() { started = true },
			}, gw, nil)

			fw.Add(workloadPod("app", "u1"))
			fw.Delete(managedSidecar("app", "u1", "7"))
			fw.Stop()

			Expect(eng.Run(ctx)).To(Succeed())
			Expect(started).To(BeTrue())
			Expect(gw.watchNamespace).To(Equal(testNamespace))
			Expect(gw.watchVersion).To(Equal("0"))

			Expect(gw.created).To(HaveLen(2))
			Expect(gw.created[0].Name).To(Equal("hazelcast-app"))
			Expect(gw.created[0].OwnerReferences).To(ConsistOf(metav1.OwnerReference{
				Kind: "Pod", APIVersion: "v1", Name: "app", UID: "u1",
			}))
			Expect(gw.created[1].Name).To(Equal("hazelcast-app"))
			Expect(gw.created[1].ResourceVersion).To(BeEmpty())
		})

		It("keeps consuming after an error event", func() {
			fw.Error(&metav1.Status{Status: metav1.StatusFailure, Code: 500, Message: "boom"})
			fw.Add(workloadPod("app", "u1"))
			fw.Stop()

			Expect(eng.Run(ctx)).To(Succeed())
			Expect(gw.created).To(HaveLen(1))
		})

		It("stops on the first fatal error", func() {
			gw.listErr = errors.New("list failed")
			fw.Add(workloadPod("app", "u1"))
			fw.Add(workloadPod("other", "u2"))
			fw.Stop()

			Expect(eng.Run(ctx)).To(MatchError(ContainSubstring("list failed")))
			Expect(gw.listCalls).To(Equal(1))
		})

		It("returns the watch error", func() {
			gw.watcher = nil
			gw.watchErr = errors.New("forbidden")

			Expect(eng.Run(ctx)).To(MatchError(ContainSubstring("opening pod watch")))
		})

		It("returns when the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- eng.Run(cctx) }()

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})

	Context("with the controller-runtime gateway", func() {
		It("creates and recreates sidecars against the cluster", func() {
			app := workloadPod("app", "u1")
			c := fake.NewClientBuilder().WithObjects(app.DeepCopy()).Build()
			eng = newEngine(gateway.NewRuntime(c), nil)

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: app})).To(Succeed())

			var sc corev1.Pod
			key := client.ObjectKey{Namespace: testNamespace, Name: "hazelcast-app"}
			Expect(c.Get(ctx, key, &sc)).To(Succeed())
			Expect(sc.OwnerReferences).To(HaveLen(1))
			Expect(sc.ResourceVersion).NotTo(BeEmpty())

			// A second Added for the same pod finds the sidecar.
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: app})).To(Succeed())

			Expect(c.Delete(ctx, sc.DeepCopy())).To(Succeed())
			Expect(eng.Handle(ctx, watch.Event{Type: watch.Deleted, Object: &sc})).To(Succeed())

			var recreated corev1.Pod
			Expect(c.Get(ctx, key, &recreated)).To(Succeed())
			Expect(recreated.OwnerReferences).To(Equal(sc.OwnerReferences))
		})

		It("treats a create race as benign", func() {
			app := workloadPod("app", "u1")
			creates := 0
			c := fake.NewClientBuilder().
				WithInterceptorFuncs(interceptor.Funcs{
					Create: func(ctx context.Context, cl client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
						creates++
						return apierrors.NewAlreadyExists(corev1.Resource("pods"), obj.GetName())
					},
				}).
				Build()
			eng = newEngine(gateway.NewRuntime(c), nil)

			Expect(eng.Handle(ctx, watch.Event{Type: watch.Added, Object: app})).To(Succeed())
			Expect(creates).To(Equal(1))
		})
	})
})
