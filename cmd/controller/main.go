/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/ia-eknorr/sidecar-operator/internal/config"
	"github.com/ia-eknorr/sidecar-operator/internal/controller"
	"github.com/ia-eknorr/sidecar-operator/internal/gateway"
	"github.com/ia-eknorr/sidecar-operator/internal/health"
	"github.com/ia-eknorr/sidecar-operator/internal/identity"
	"github.com/ia-eknorr/sidecar-operator/internal/sidecar"
)

const componentName = "sidecar-controller"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	if err := newRootCommand(cfg).ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	zapOpts := zap.Options{TimeEncoder: zapcore.ISO8601TimeEncoder}

	cmd := &cobra.Command{
		Use:   componentName,
		Short: "Keep a companion sidecar pod running for every workload pod in a namespace",
		Long: `Watches pods in the target namespace and creates a sidecar pod, owned by
the workload pod, for every pod that does not have one. Sidecars deleted
from the cluster are recreated.

Every flag defaults to its environment variable (TARGET_NAMESPACE,
SIDECAR_PREFIX, SIDECAR_IMAGE, ...).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "Namespace whose pods get sidecars.")
	f.StringVar(&cfg.SidecarPrefix, "sidecar-prefix", cfg.SidecarPrefix, "Name prefix of sidecar pods.")
	f.StringVar(&cfg.SidecarImage, "sidecar-image", cfg.SidecarImage, "Container image of sidecar pods.")
	f.BoolVar(&cfg.AnnotateSidecars, "annotate-sidecars", cfg.AnnotateSidecars, "Annotate created sidecars with sidecar=true.")
	f.StringVar(&cfg.SidecarPatches, "sidecar-patches", cfg.SidecarPatches, "Semicolon-separated path=value patches applied to sidecar manifests.")
	f.StringSliceVar(&cfg.ExcludePods, "exclude-pods", cfg.ExcludePods, "Glob patterns of pod names that never get a sidecar.")
	f.StringVar(&cfg.GatewayClient, "gateway-client", cfg.GatewayClient, "API client used to reach the cluster (clientset or runtime).")
	f.StringVar(&cfg.HealthAddr, "health-probe-bind-address", cfg.HealthAddr, "The address the health probe endpoint binds to.")
	f.StringVar(&cfg.MetricsAddr, "metrics-bind-address", cfg.MetricsAddr, "The address the metric endpoint binds to.")

	goFlags := goflag.NewFlagSet(componentName, goflag.ExitOnError)
	zapOpts.BindFlags(goFlags)
	f.AddGoFlagSet(goFlags)

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := ctrl.Log.WithName("setup")

	if err := cfg.Validate(); err != nil {
		log.Error(err, "invalid configuration")
		return err
	}
	patches, _ := cfg.Patches()
	excluder, _ := cfg.Excluder()

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		log.Error(err, "unable to load kubeconfig")
		return err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		log.Error(err, "unable to create clientset")
		return err
	}
	gw, err := newGateway(cfg, restCfg, clientset)
	if err != nil {
		log.Error(err, "unable to create gateway", "client", cfg.GatewayClient)
		return err
	}

	broadcaster := record.NewBroadcaster()
	defer broadcaster.Shutdown()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: clientset.CoreV1().Events("")})
	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: componentName})

	probes := health.NewServer(cfg.HealthAddr)
	metricsServer := health.NewMetricsServer(cfg.MetricsAddr, metrics.Registry)

	engine := controller.NewEngine(controller.Options{
		Namespace: cfg.Namespace,
		Builder: &sidecar.Builder{
			Namespace: cfg.Namespace,
			Image:     cfg.SidecarImage,
			Namer:     identity.Namer{Prefix: cfg.SidecarPrefix},
			Annotate:  cfg.AnnotateSidecars,
			Patches:   patches,
		},
		Excluder:  excluder,
		OnStarted: probes.MarkReady,
	}, gw, recorder)

	log.Info("starting controller",
		"namespace", cfg.Namespace,
		"sidecarPrefix", cfg.SidecarPrefix,
		"sidecarImage", cfg.SidecarImage,
		"annotateSidecars", cfg.AnnotateSidecars,
		"excludePods", excluder.Patterns(),
		"gatewayClient", cfg.GatewayClient,
	)

	ctx = logf.IntoContext(ctx, ctrl.Log)
	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServers := context.WithCancel(gctx)
	defer stopServers()

	g.Go(func() error { return probes.Start(serverCtx) })
	g.Go(func() error { return metricsServer.Start(serverCtx) })
	g.Go(func() error {
		// The servers only live as long as the watch loop.
		defer stopServers()
		err := engine.Run(gctx)
		probes.MarkNotReady()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error(err, "controller stopped")
		return err
	}
	return nil
}

func newGateway(cfg *config.Config, restCfg *rest.Config, clientset kubernetes.Interface) (gateway.Gateway, error) {
	if cfg.GatewayClient == config.GatewayRuntime {
		c, err := client.NewWithWatch(restCfg, client.Options{Scheme: scheme.Scheme})
		if err != nil {
			return nil, err
		}
		return gateway.NewRuntime(c), nil
	}
	return gateway.NewClientset(clientset), nil
}
