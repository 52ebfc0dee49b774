// kmirrord mirrors resource state from one or more Kubernetes clusters and
// keeps checksummed snapshots, a searchable catalog, and change streams warm
// for consumers. Clusters are addressed by kubeconfig context name.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	klog "k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/sttts/kmirror/internal/telemetry"
	"github.com/sttts/kmirror/pkg/api"
	"github.com/sttts/kmirror/pkg/appconfig"
	"github.com/sttts/kmirror/pkg/clusterpool"
	"github.com/sttts/kmirror/pkg/engine"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the config file (default ~/.kmirror/config.yaml)")
		kubeconfig  = flag.String("kubeconfig", "", "Path to the kubeconfig file (default: standard loading rules)")
		contexts    = flag.String("contexts", "", "Comma-separated kubeconfig contexts to mirror (default: the current context)")
		metricsAddr = flag.String("metrics-addr", "", "Address to serve prometheus metrics on, e.g. :9090 (default: disabled)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("kmirrord version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Date: %s\n", date)
		return
	}

	logger := zap.New(zap.UseDevMode(*debug))
	ctrl.SetLogger(logger)
	klog.SetLogger(ctrl.Log)

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	refs, err := resolveContexts(*kubeconfig, *contexts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving contexts: %v\n", err)
		os.Exit(1)
	}
	if len(refs) == 0 {
		fmt.Fprintln(os.Stderr, "No kubeconfig contexts to mirror")
		os.Exit(1)
	}

	e := engine.New(restProvider(*kubeconfig), cfg)
	ctx := ctrl.SetupSignalHandler()

	for _, ref := range refs {
		if err := e.AddCluster(ctx, ref); err != nil {
			klog.ErrorS(err, "failed to add cluster", "cluster", ref)
		}
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(telemetry.Registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				klog.ErrorS(err, "metrics server failed")
			}
		}()
		klog.InfoS("serving metrics", "addr", *metricsAddr)
	}

	if err := e.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// restProvider resolves a ClusterRef to REST config via the kubeconfig
// context of the same name. Credential plumbing stays out of the engine.
func restProvider(explicitPath string) clusterpool.ConfigProviderFunc {
	return func(ref api.ClusterRef) (*rest.Config, error) {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		rules.ExplicitPath = explicitPath
		overrides := &clientcmd.ConfigOverrides{CurrentContext: string(ref)}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
}

func resolveContexts(explicitPath, list string) ([]api.ClusterRef, error) {
	if list != "" {
		var refs []api.ClusterRef
		for _, name := range strings.Split(list, ",") {
			if name = strings.TrimSpace(name); name != "" {
				refs = append(refs, api.ClusterRef(name))
			}
		}
		return refs, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = explicitPath
	raw, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).RawConfig()
	if err != nil {
		return nil, err
	}
	if raw.CurrentContext == "" {
		return nil, nil
	}
	return []api.ClusterRef{api.ClusterRef(raw.CurrentContext)}, nil
}
