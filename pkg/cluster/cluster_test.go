package cluster

import (
	"context"
	"path/filepath"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestConnectMissingKubeconfig(t *testing.T) {
	if _, err := Connect(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing kubeconfig")
	}
}

func TestResolveProvider(t *testing.T) {
	clients := &Clients{Clientset: fake.NewSimpleClientset(&corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "ip-10-0-0-1",
			Labels: map[string]string{"topology.kubernetes.io/region": "eu-west-1"},
		},
		Spec: corev1.NodeSpec{ProviderID: "aws:///eu-west-1a/i-0abc"},
	})}

	provider, region := clients.ResolveProvider(context.Background(), "", "")
	if provider != "aws" || region != "eu-west-1" {
		t.Errorf("Expected aws/eu-west-1, got %s/%s", provider, region)
	}

	provider, region = clients.ResolveProvider(context.Background(), "simulated", "local")
	if provider != "simulated" || region != "local" {
		t.Errorf("Explicit provider should win, got %s/%s", provider, region)
	}
}
