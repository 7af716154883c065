package cloud

import (
	"context"
	"fmt"
)

// Config selects and configures an actuator
type Config struct {
	Provider     string
	InstanceType string
	// InitialInstances seeds the simulated provider
	InitialInstances int
	EC2              EC2Config
}

// NewActuator creates the actuator for the configured provider.
// Azure and GCP are priced but cannot be actuated.
func NewActuator(ctx context.Context, config *Config) (Actuator, error) {
	switch config.Provider {
	case "aws":
		actuator, err := NewEC2Actuator(ctx, config.EC2)
		if err != nil {
			return nil, err
		}
		return actuator, nil
	case "simulated", "default", "":
		return NewSimulatedActuator(config.InstanceType, config.InitialInstances), nil
	case "azure", "gcp":
		return nil, fmt.Errorf("provider %s supports pricing only, not actuation", config.Provider)
	default:
		return nil, fmt.Errorf("unknown provider: %s", config.Provider)
	}
}
