// Package cluster connects to the Kubernetes API for metrics-server sampling
// and cloud provider detection.
package cluster

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opscart/capacity-optimizer/pkg/cloud"
)

type Clients struct {
	Clientset     kubernetes.Interface
	MetricsClient metricsv.Interface
}

// Connect builds clients from the in-cluster service account, falling back
// to kubeconfig (or ~/.kube/config when empty)
func Connect(kubeconfig string) (*Clients, error) {
	config, err := restConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	metricsClient, err := metricsv.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics client: %w", err)
	}

	return &Clients{Clientset: clientset, MetricsClient: metricsClient}, nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// ResolveProvider returns provider and region unchanged when set, otherwise
// asks the cluster. Detection failures fall back to the simulated provider.
func (c *Clients) ResolveProvider(ctx context.Context, provider, region string) (string, string) {
	if provider != "" && provider != "auto" {
		return provider, region
	}

	detected, detectedRegion, err := cloud.DetectProvider(ctx, c.Clientset)
	if err != nil {
		log.Warn().Err(err).Msg("Cloud detection failed, using simulated provider")
	}
	if region == "" {
		region = detectedRegion
	}
	log.Info().Str("provider", detected).Str("region", region).Msg("Detected cloud provider")
	return detected, region
}
