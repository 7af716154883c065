package datasource

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// KubernetesSource derives fleet utilization from metrics-server node usage
// relative to node allocatable capacity
type KubernetesSource struct {
	clientset     kubernetes.Interface
	metricsClient metricsv.Interface
	// selector limits the nodes considered, e.g. to one node pool
	selector string
	now      func() time.Time
}

func NewKubernetesSource(clientset kubernetes.Interface, metricsClient metricsv.Interface, selector string) *KubernetesSource {
	return &KubernetesSource{
		clientset:     clientset,
		metricsClient: metricsClient,
		selector:      selector,
		now:           time.Now,
	}
}

func (k *KubernetesSource) Latest(ctx context.Context) (models.MetricSample, error) {
	nodes, err := k.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: k.selector})
	if err != nil {
		return models.MetricSample{}, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodeMetrics, err := k.metricsClient.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{LabelSelector: k.selector})
	if err != nil {
		return models.MetricSample{}, fmt.Errorf("failed to get node metrics: %w", err)
	}

	usage := make(map[string]corev1.ResourceList, len(nodeMetrics.Items))
	for _, nm := range nodeMetrics.Items {
		usage[nm.Name] = nm.Usage
	}

	var usedCPU, allocCPU, usedMem, allocMem int64
	for _, node := range nodes.Items {
		used, ok := usage[node.Name]
		if !ok {
			// Node not yet reporting, leave it out of both sides of the ratio
			continue
		}
		usedCPU += used.Cpu().MilliValue()
		usedMem += used.Memory().Value()
		allocCPU += node.Status.Allocatable.Cpu().MilliValue()
		allocMem += node.Status.Allocatable.Memory().Value()
	}

	if allocCPU == 0 || allocMem == 0 {
		return models.MetricSample{}, fmt.Errorf("no node metrics available for selector %q", k.selector)
	}

	return models.MetricSample{
		CPUUsage:    clampPercent(float64(usedCPU) / float64(allocCPU) * 100),
		MemoryUsage: clampPercent(float64(usedMem) / float64(allocMem) * 100),
		Timestamp:   k.now(),
	}, nil
}

func (k *KubernetesSource) Name() string {
	return "metrics-server"
}
