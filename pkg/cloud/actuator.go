// Package cloud provides the infrastructure actuators the convergence
// controller drives. Every provider implements the same Actuator interface.
package cloud

import (
	"context"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// Actuator launches, terminates and lists instances at a provider.
// Launch and Terminate must be safe to retry with the same idempotency key.
// Errors should be wrapped as models.TransientCloudError or
// models.PermanentCloudError; anything else is treated as transient.
type Actuator interface {
	Name() string
	ListInstances(ctx context.Context) ([]models.InstanceRecord, error)
	Launch(ctx context.Context, instanceType, idempotencyKey string) (models.InstanceRecord, error)
	Terminate(ctx context.Context, instanceID, idempotencyKey string) error
}
