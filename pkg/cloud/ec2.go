package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// ManagedByTag marks instances owned by the optimizer
const ManagedByTag = "capacity-optimizer/managed-by"

type ec2API interface {
	ec2.DescribeInstancesAPIClient
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Config describes the launch template for managed instances
type EC2Config struct {
	Region           string
	ImageID          string
	SubnetID         string
	SecurityGroupIDs []string
	// Pool identifies the managed fleet; it is written to ManagedByTag
	Pool string
}

// EC2Actuator manages a pool of EC2 instances
type EC2Actuator struct {
	client ec2API
	config EC2Config
	log    zerolog.Logger
}

// NewEC2Actuator creates an actuator using the default AWS credential chain.
// SDK-level retries are disabled: the convergence controller owns retry policy.
func NewEC2Actuator(ctx context.Context, config EC2Config) (*EC2Actuator, error) {
	if config.ImageID == "" {
		return nil, &models.ValidationError{Field: "ec2.image_id", Reason: "required for launches"}
	}
	if config.Pool == "" {
		config.Pool = "default"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(config.Region),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newEC2Actuator(ec2.NewFromConfig(cfg), config), nil
}

func newEC2Actuator(client ec2API, config EC2Config) *EC2Actuator {
	return &EC2Actuator{
		client: client,
		config: config,
		log:    log.With().Str("component", "ec2-actuator").Str("pool", config.Pool).Logger(),
	}
}

func (a *EC2Actuator) Name() string {
	return "aws"
}

// ListInstances returns the pool's non-terminated instances
func (a *EC2Actuator) ListInstances(ctx context.Context) ([]models.InstanceRecord, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + ManagedByTag), Values: []string{a.config.Pool}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "shutting-down"}},
		},
	}

	var records []models.InstanceRecord
	paginator := ec2.NewDescribeInstancesPaginator(a.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("DescribeInstances", err)
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				records = append(records, toRecord(inst))
			}
		}
	}

	return records, nil
}

// Launch starts one instance. The idempotency key is sent as ClientToken, so
// EC2 returns the original instance when a launch is retried.
func (a *EC2Actuator) Launch(ctx context.Context, instanceType, idempotencyKey string) (models.InstanceRecord, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(a.config.ImageID),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		ClientToken:  aws.String(idempotencyKey),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String(ManagedByTag), Value: aws.String(a.config.Pool)},
				},
			},
		},
	}
	if a.config.SubnetID != "" {
		input.SubnetId = aws.String(a.config.SubnetID)
	}
	if len(a.config.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = a.config.SecurityGroupIDs
	}

	out, err := a.client.RunInstances(ctx, input)
	if err != nil {
		return models.InstanceRecord{}, classify("RunInstances", err)
	}
	if len(out.Instances) == 0 {
		return models.InstanceRecord{}, &models.TransientCloudError{Op: "RunInstances", Err: errors.New("no instance returned")}
	}

	record := toRecord(out.Instances[0])
	a.log.Info().Str("instance_id", record.ID).Str("type", instanceType).Msg("Launched instance")
	return record, nil
}

// Terminate stops one instance. Termination is idempotent at EC2; an instance
// that no longer exists counts as terminated.
func (a *EC2Actuator) Terminate(ctx context.Context, instanceID, idempotencyKey string) error {
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			return nil
		}
		return classify("TerminateInstances", err)
	}

	a.log.Info().Str("instance_id", instanceID).Str("key", idempotencyKey).Msg("Terminated instance")
	return nil
}

func toRecord(inst types.Instance) models.InstanceRecord {
	record := models.InstanceRecord{
		ID:    aws.ToString(inst.InstanceId),
		Type:  string(inst.InstanceType),
		State: models.InstancePending,
	}
	if inst.LaunchTime != nil {
		record.LaunchTime = *inst.LaunchTime
	}
	if inst.State != nil {
		record.State = mapState(inst.State.Name)
	}
	return record
}

func mapState(name types.InstanceStateName) models.InstanceState {
	switch name {
	case types.InstanceStateNamePending:
		return models.InstancePending
	case types.InstanceStateNameRunning:
		return models.InstanceRunning
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameStopping:
		return models.InstanceTerminating
	}
	return models.InstanceTerminated
}

var permanentCodes = map[string]bool{
	"AuthFailure":                       true,
	"IdempotentParameterMismatch":       true,
	"InstanceLimitExceeded":             true,
	"InsufficientFreeAddressesInSubnet": true,
	"InvalidBlockDeviceMapping":         true,
	"InvalidGroup.NotFound":             true,
	"InvalidInstanceID.Malformed":       true,
	"InvalidKeyPair.NotFound":           true,
	"InvalidParameterCombination":       true,
	"InvalidParameterValue":             true,
	"InvalidSubnetID.NotFound":          true,
	"MissingParameter":                  true,
	"OptInRequired":                     true,
	"PendingVerification":               true,
	"UnauthorizedOperation":             true,
	"Unsupported":                       true,
	"VcpuLimitExceeded":                 true,
}

// classify maps an SDK error onto the transient/permanent taxonomy.
// Throttling, capacity and network errors are transient.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if permanentCodes[code] || strings.HasPrefix(code, "InvalidAMIID.") {
			return &models.PermanentCloudError{Op: op, Err: err}
		}
	}
	return &models.TransientCloudError{Op: op, Err: err}
}
