package cloud

import (
	"context"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

var defaultRegions = map[string]string{
	"aws":   "us-east-1",
	"azure": "eastus",
	"gcp":   "us-central1",
}

// DetectProvider infers the cloud provider and region from Kubernetes node metadata.
// It returns "simulated" when the cluster does not run on a known provider.
func DetectProvider(ctx context.Context, clientset kubernetes.Interface) (string, string, error) {
	nodes, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return "simulated", "unknown", err
	}
	if len(nodes.Items) == 0 {
		return "simulated", "unknown", nil
	}

	node := nodes.Items[0]
	labels := node.Labels

	provider := ""
	switch providerID := node.Spec.ProviderID; {
	case strings.HasPrefix(providerID, "aws://"):
		provider = "aws"
	case strings.HasPrefix(providerID, "azure://"):
		provider = "azure"
	case strings.HasPrefix(providerID, "gce://"):
		provider = "gcp"
	}

	if provider == "" {
		switch {
		case hasLabel(labels, "eks.amazonaws.com/nodegroup"):
			provider = "aws"
		case hasLabel(labels, "kubernetes.azure.com/cluster"):
			provider = "azure"
		case hasLabel(labels, "cloud.google.com/gke-nodepool"):
			provider = "gcp"
		default:
			return "simulated", "unknown", nil
		}
	}

	return provider, regionFromLabels(labels, defaultRegions[provider]), nil
}

func hasLabel(labels map[string]string, key string) bool {
	_, ok := labels[key]
	return ok
}

func regionFromLabels(labels map[string]string, fallback string) string {
	if region, ok := labels["topology.kubernetes.io/region"]; ok {
		return region
	}
	if region, ok := labels["failure-domain.beta.kubernetes.io/region"]; ok {
		return region
	}
	return fallback
}
