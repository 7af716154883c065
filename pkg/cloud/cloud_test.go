package cloud

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

type fakeEC2 struct {
	pages      []*ec2.DescribeInstancesOutput
	runInputs  []*ec2.RunInstancesInput
	runErr     error
	terminated []string
	termErr    error
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if len(f.pages) == 0 {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runInputs = append(f.runInputs, params)
	if f.runErr != nil {
		return nil, f.runErr
	}
	launched := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{
		InstanceId:   aws.String("i-0abc"),
		InstanceType: params.InstanceType,
		LaunchTime:   &launched,
		State:        &types.InstanceState{Name: types.InstanceStateNamePending},
	}}}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if f.termErr != nil {
		return nil, f.termErr
	}
	f.terminated = append(f.terminated, params.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func instance(id string, state types.InstanceStateName) types.Instance {
	return types.Instance{
		InstanceId:   aws.String(id),
		InstanceType: types.InstanceTypeT3Medium,
		State:        &types.InstanceState{Name: state},
	}
}

func TestEC2ListInstancesPaginates(t *testing.T) {
	client := &fakeEC2{pages: []*ec2.DescribeInstancesOutput{
		{
			Reservations: []types.Reservation{{Instances: []types.Instance{instance("i-1", types.InstanceStateNameRunning)}}},
			NextToken:    aws.String("page-2"),
		},
		{
			Reservations: []types.Reservation{{Instances: []types.Instance{
				instance("i-2", types.InstanceStateNamePending),
				instance("i-3", types.InstanceStateNameShuttingDown),
			}}},
		},
	}}
	actuator := newEC2Actuator(client, EC2Config{ImageID: "ami-123", Pool: "web"})

	records, err := actuator.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records across pages, got %d", len(records))
	}

	want := map[string]models.InstanceState{
		"i-1": models.InstanceRunning,
		"i-2": models.InstancePending,
		"i-3": models.InstanceTerminating,
	}
	for _, r := range records {
		if r.State != want[r.ID] {
			t.Errorf("%s: expected state %s, got %s", r.ID, want[r.ID], r.State)
		}
	}
}

func TestEC2LaunchSendsClientToken(t *testing.T) {
	client := &fakeEC2{}
	actuator := newEC2Actuator(client, EC2Config{ImageID: "ami-123", SubnetID: "subnet-1", Pool: "web"})

	record, err := actuator.Launch(context.Background(), "t3.medium", "key-1")
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if record.ID != "i-0abc" || record.State != models.InstancePending {
		t.Errorf("Unexpected record %+v", record)
	}

	input := client.runInputs[0]
	if aws.ToString(input.ClientToken) != "key-1" {
		t.Errorf("Expected ClientToken key-1, got %s", aws.ToString(input.ClientToken))
	}
	if aws.ToString(input.SubnetId) != "subnet-1" {
		t.Errorf("Expected subnet-1, got %s", aws.ToString(input.SubnetId))
	}
	tags := input.TagSpecifications[0].Tags
	if aws.ToString(tags[0].Key) != ManagedByTag || aws.ToString(tags[0].Value) != "web" {
		t.Errorf("Expected managed-by tag, got %s=%s", aws.ToString(tags[0].Key), aws.ToString(tags[0].Value))
	}
}

func TestEC2ErrorClassification(t *testing.T) {
	tests := []struct {
		code      string
		permanent bool
	}{
		{"RequestLimitExceeded", false},
		{"InsufficientInstanceCapacity", false},
		{"InternalError", false},
		{"InstanceLimitExceeded", true},
		{"VcpuLimitExceeded", true},
		{"InvalidAMIID.NotFound", true},
		{"UnauthorizedOperation", true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			client := &fakeEC2{runErr: &smithy.GenericAPIError{Code: tt.code, Message: "boom"}}
			actuator := newEC2Actuator(client, EC2Config{ImageID: "ami-123"})

			_, err := actuator.Launch(context.Background(), "t3.medium", "key")
			if models.IsPermanent(err) != tt.permanent {
				t.Errorf("Expected permanent=%v, got %v", tt.permanent, err)
			}
			if models.IsTransient(err) == tt.permanent {
				t.Errorf("Expected transient=%v, got %v", !tt.permanent, err)
			}
		})
	}

	// Errors without an API code are network-level and retryable
	client := &fakeEC2{runErr: errors.New("connection reset by peer")}
	actuator := newEC2Actuator(client, EC2Config{ImageID: "ami-123"})
	if _, err := actuator.Launch(context.Background(), "t3.medium", "key"); !models.IsTransient(err) {
		t.Errorf("Expected transient for network error, got %v", err)
	}
}

func TestEC2TerminateNotFoundSucceeds(t *testing.T) {
	client := &fakeEC2{termErr: &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}}
	actuator := newEC2Actuator(client, EC2Config{ImageID: "ami-123"})

	if err := actuator.Terminate(context.Background(), "i-gone", "key"); err != nil {
		t.Errorf("Expected already-gone instance to count as terminated, got %v", err)
	}
}

func TestNewEC2ActuatorRequiresImage(t *testing.T) {
	if _, err := NewEC2Actuator(context.Background(), EC2Config{Region: "us-east-1"}); err == nil {
		t.Error("Expected error without image ID")
	}
}

func TestSimulatedLaunchIsIdempotent(t *testing.T) {
	sim := NewSimulatedActuator("t3.medium", 1)
	ctx := context.Background()

	first, err := sim.Launch(ctx, "t3.medium", "key-1")
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	again, err := sim.Launch(ctx, "t3.medium", "key-1")
	if err != nil {
		t.Fatalf("Launch retry failed: %v", err)
	}
	if first.ID != again.ID {
		t.Errorf("Retry with same key launched a new instance: %s vs %s", first.ID, again.ID)
	}

	records, _ := sim.ListInstances(ctx)
	if len(records) != 2 {
		t.Errorf("Expected 2 instances, got %d", len(records))
	}
}

func TestSimulatedTerminate(t *testing.T) {
	sim := NewSimulatedActuator("t3.medium", 3)
	ctx := context.Background()

	records, _ := sim.ListInstances(ctx)
	oldest := records[0].ID

	if err := sim.Terminate(ctx, oldest, "key-1"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if err := sim.Terminate(ctx, oldest, "key-1"); err != nil {
		t.Errorf("Repeated terminate should succeed, got %v", err)
	}

	records, _ = sim.ListInstances(ctx)
	if len(records) != 2 {
		t.Fatalf("Expected 2 instances, got %d", len(records))
	}
	for _, r := range records {
		if r.ID == oldest {
			t.Errorf("Terminated instance %s still listed", oldest)
		}
	}
}

func TestSimulatedFailureInjection(t *testing.T) {
	sim := NewSimulatedActuator("t3.medium", 0)
	ctx := context.Background()
	quota := &models.PermanentCloudError{Op: "Launch", Err: errors.New("quota exceeded")}

	sim.FailLaunches(quota)
	if _, err := sim.Launch(ctx, "t3.medium", "a"); !models.IsPermanent(err) {
		t.Errorf("Expected injected permanent error, got %v", err)
	}
	if _, err := sim.Launch(ctx, "t3.medium", "b"); err != nil {
		t.Errorf("Expected second launch to succeed, got %v", err)
	}
	if sim.Calls(models.OperationLaunch) != 2 {
		t.Errorf("Expected 2 launch calls, got %d", sim.Calls(models.OperationLaunch))
	}

	sim.SetListError(errors.New("api down"))
	if _, err := sim.ListInstances(ctx); err == nil {
		t.Error("Expected list error")
	}
}

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		name     string
		node     corev1.Node
		provider string
		region   string
	}{
		{
			name: "eks by provider id",
			node: corev1.Node{
				ObjectMeta: metav1.ObjectMeta{Name: "n1", Labels: map[string]string{"topology.kubernetes.io/region": "eu-west-1"}},
				Spec:       corev1.NodeSpec{ProviderID: "aws:///eu-west-1a/i-123"},
			},
			provider: "aws",
			region:   "eu-west-1",
		},
		{
			name: "aks by label with default region",
			node: corev1.Node{
				ObjectMeta: metav1.ObjectMeta{Name: "n1", Labels: map[string]string{"kubernetes.azure.com/cluster": "mc_rg"}},
			},
			provider: "azure",
			region:   "eastus",
		},
		{
			name: "gke by legacy region label",
			node: corev1.Node{
				ObjectMeta: metav1.ObjectMeta{Name: "n1", Labels: map[string]string{
					"cloud.google.com/gke-nodepool":            "pool-1",
					"failure-domain.beta.kubernetes.io/region": "europe-west4",
				}},
			},
			provider: "gcp",
			region:   "europe-west4",
		},
		{
			name:     "kind cluster",
			node:     corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "kind-control-plane"}},
			provider: "simulated",
			region:   "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientset := fake.NewSimpleClientset(&tt.node)

			provider, region, err := DetectProvider(context.Background(), clientset)
			if err != nil {
				t.Fatalf("DetectProvider failed: %v", err)
			}
			if provider != tt.provider || region != tt.region {
				t.Errorf("Expected %s/%s, got %s/%s", tt.provider, tt.region, provider, region)
			}
		})
	}
}

func TestNewActuator(t *testing.T) {
	ctx := context.Background()

	actuator, err := NewActuator(ctx, &Config{Provider: "simulated", InstanceType: "t3.small", InitialInstances: 2})
	if err != nil {
		t.Fatalf("NewActuator failed: %v", err)
	}
	records, _ := actuator.ListInstances(ctx)
	if len(records) != 2 {
		t.Errorf("Expected 2 seeded instances, got %d", len(records))
	}

	for _, provider := range []string{"azure", "gcp", "oracle"} {
		if _, err := NewActuator(ctx, &Config{Provider: provider}); err == nil {
			t.Errorf("Expected error for provider %s", provider)
		}
	}
}
