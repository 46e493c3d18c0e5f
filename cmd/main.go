/*
Copyright 2025 Bowen Sun.

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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/yaml"

	fleetv1alpha "github.com/nusnewob/kube-fleetwatch/api/v1alpha"
	"github.com/nusnewob/kube-fleetwatch/internal/config"
	"github.com/nusnewob/kube-fleetwatch/internal/fleetcache"
	"github.com/nusnewob/kube-fleetwatch/internal/livechannel"
	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
	"github.com/nusnewob/kube-fleetwatch/internal/server"
)

var setupLog = ctrl.Log.WithName("setup")

func main() {
	if err := newRootCmd().ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.LoadFromEnv(config.DefaultFleetWatchConfig)
	opts := zap.Options{
		Development: true,
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}

	root := &cobra.Command{
		Use:   "kube-fleetwatch",
		Short: "Watch Kubernetes resources across a fleet of managed clusters",
		Long: `kube-fleetwatch keeps a cache of Kubernetes resources on the hub and its
managed clusters, kept current over live watch channels.

Managed cluster resources are fetched through the cluster proxy once and
shared by every reader of the same resource.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
		},
	}

	goflags := flag.NewFlagSet("zap", flag.ContinueOnError)
	opts.BindFlags(goflags)
	root.PersistentFlags().AddGoFlagSet(goflags)
	// --kubeconfig is registered on the default flag set by controller-runtime
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	bindConfigFlags(root.PersistentFlags(), &cfg)

	root.AddCommand(serveCmd(&cfg), getCmd(&cfg))
	return root
}

func bindConfigFlags(fs *pflag.FlagSet, cfg *config.FleetWatchConfig) {
	fs.StringVar(&cfg.HubClusterName, "hub-cluster-name", cfg.HubClusterName,
		"Name of the hub cluster. References to it are served from local informers.")
	fs.StringVar(&cfg.ClusterProxyURL, "cluster-proxy-url", cfg.ClusterProxyURL,
		"Base URL of the cluster proxy serving managed cluster APIs.")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL,
		"How long a fetched snapshot is served before it is refetched. 0 keeps it until invalidated.")
	fs.BoolVar(&cfg.CoalesceFetches, "coalesce-fetches", cfg.CoalesceFetches,
		"Share one in-flight fetch between concurrent readers of the same resource.")
	fs.DurationVar(&cfg.InformerResync, "informer-resync", cfg.InformerResync,
		"Resync period of the hub informers.")
}

func serveCmd(cfg *config.FleetWatchConfig) *cobra.Command {
	var metricsAddr, probeAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the fleet watch API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfg, metricsAddr, probeAddr)
		},
	}
	cmd.Flags().StringVar(&cfg.BindAddress, "bind-address", cfg.BindAddress, "The address the API binds to.")
	cmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", ":9090",
		"The address the metrics endpoint binds to. Use 0 to disable it.")
	cmd.Flags().StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	return cmd
}

func runServe(ctx context.Context, cfg config.FleetWatchConfig, metricsAddr, probeAddr string) error {
	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("unable to load kubeconfig: %w", err)
	}

	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
	})
	if err != nil {
		return fmt.Errorf("unable to create manager: %w", err)
	}

	models := &fleetcache.RESTMapperResolver{Mapper: mgr.GetRESTMapper()}
	store, err := newStore(ctx, restCfg, models, mgr.GetAPIReader(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := mgr.Add(server.New(store, models, cfg.BindAddress)); err != nil {
		return fmt.Errorf("unable to add server: %w", err)
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	setupLog.Info("Starting manager", "hubCluster", cfg.HubClusterName, "clusterProxy", cfg.ClusterProxyURL)
	return mgr.Start(ctx)
}

func newStore(ctx context.Context, restCfg *rest.Config, models fleetcache.ModelResolver, reader client.Reader, cfg config.FleetWatchConfig) (*fleetcache.Store, error) {
	fetcher, err := resourcepoller.NewHTTPFetcher(restCfg)
	if err != nil {
		return nil, err
	}
	channels, err := livechannel.NewWebsocketFactory(restCfg)
	if err != nil {
		return nil, err
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create dynamic client: %w", err)
	}

	opts := fleetcache.DefaultOptions
	opts.CacheTTL = cfg.CacheTTL
	opts.CoalesceFetches = cfg.CoalesceFetches

	return fleetcache.NewStore(cfg.HubClusterName, fleetcache.Dependencies{
		Models:    models,
		BasePaths: &fleetcache.ClusterProxyResolver{Client: reader, ProxyURL: cfg.ClusterProxyURL},
		Fetcher:   fetcher,
		Channels:  channels,
		Local:     fleetcache.NewInformerWatcher(dyn, models, cfg.InformerResync, ctx.Done()),
	}, opts), nil
}

type getOptions struct {
	ref     fleetv1alpha.ResourceReference
	watch   bool
	output  string
	timeout time.Duration
}

func getCmd(cfg *config.FleetWatchConfig) *cobra.Command {
	o := &getOptions{}

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the state of a resource on the hub or a managed cluster",
		Long: `Print the state of a resource on the hub or a managed cluster.

Examples:
  # A deployment on a managed cluster
  kube-fleetwatch get --cluster cluster1 --api-version apps/v1 --kind Deployment -n default --name web

  # Follow every pod of a namespace
  kube-fleetwatch get --cluster cluster1 --api-version v1 --kind Pod -n default --list -w -o yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGet(cmd.Context(), *cfg, o, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&o.ref.Cluster, "cluster", "", "Managed cluster hosting the resource. Empty means the hub.")
	cmd.Flags().StringVar(&o.ref.APIVersion, "api-version", "", "API version of the resource, e.g. apps/v1")
	cmd.Flags().StringVar(&o.ref.Kind, "kind", "", "Kind of the resource, e.g. Deployment")
	cmd.Flags().StringVarP(&o.ref.Namespace, "namespace", "n", "", "Namespace of the resource")
	cmd.Flags().StringVar(&o.ref.Name, "name", "", "Name of the resource")
	cmd.Flags().BoolVar(&o.ref.IsList, "list", false, "Get the collection instead of a single resource")
	cmd.Flags().BoolVarP(&o.watch, "watch", "w", false, "Keep printing every change")
	cmd.Flags().StringVarP(&o.output, "output", "o", "json", "Output format: json, yaml")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "How long to wait for the first load")
	return cmd
}

func runGet(ctx context.Context, cfg config.FleetWatchConfig, o *getOptions, out io.Writer) error {
	if o.output != "json" && o.output != "yaml" {
		return fmt.Errorf("unsupported output format %q", o.output)
	}

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("unable to load kubeconfig: %w", err)
	}
	httpClient, err := rest.HTTPClientFor(restCfg)
	if err != nil {
		return fmt.Errorf("unable to build http client: %w", err)
	}
	mapper, err := apiutil.NewDynamicRESTMapper(restCfg, httpClient)
	if err != nil {
		return fmt.Errorf("unable to build rest mapper: %w", err)
	}
	reader, err := client.New(restCfg, client.Options{HTTPClient: httpClient, Mapper: mapper})
	if err != nil {
		return fmt.Errorf("unable to create client: %w", err)
	}

	models := &fleetcache.RESTMapperResolver{Mapper: mapper}
	if errs := server.ValidateReference(ctx, models, o.ref); len(errs) > 0 {
		return errs.ToAggregate()
	}
	ref, err := o.ref.ToFleet()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	store, err := newStore(ctx, restCfg, models, reader, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return follow(ctx, store, o, ref, out)
}

// follow prints the first loaded result of ref, or every result with --watch.
func follow(ctx context.Context, store server.Cache, o *getOptions, ref *fleetcache.ResourceReference, out io.Writer) error {
	if !o.watch {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	obs := store.Watch(ctx, ref)
	defer obs.Stop()

	for {
		select {
		case r := <-obs.Updates():
			done := r.Loaded || ref.Inert()
			if !o.watch && !done {
				continue
			}
			if err := printResult(out, o.output, fleetv1alpha.NewWatchResult(o.ref, r)); err != nil {
				return err
			}
			if !o.watch {
				return nil
			}
		case <-obs.Done():
			if o.watch {
				return nil
			}
			return fmt.Errorf("timed out waiting for %s/%s", o.ref.APIVersion, o.ref.Kind)
		}
	}
}

func printResult(out io.Writer, format string, result any) error {
	switch format {
	case "yaml":
		data, err := yaml.Marshal(result)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	default:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}
}
