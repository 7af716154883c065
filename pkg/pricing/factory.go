package pricing

import (
	"context"
	"fmt"
	"time"
)

// NewRateSource creates a rate source for the configured provider.
// Without Live set, the built-in tables are used.
func NewRateSource(ctx context.Context, config *Config) (RateSource, error) {
	ttl := time.Duration(config.CacheTTL) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	switch config.Provider {
	case "aws":
		if !config.Live {
			return NewStaticSource("aws", DefaultRates("aws")), nil
		}
		source, err := NewAWSRateSource(ctx, config.Region, config.InstanceTypes, ttl)
		if err != nil {
			return nil, err
		}
		return source, nil
	case "azure":
		if !config.Live {
			return NewStaticSource("azure", DefaultRates("azure")), nil
		}
		return NewAzureRateSource(config.Region, config.InstanceTypes, ttl), nil
	case "gcp":
		return NewStaticSource("gcp", DefaultRates("gcp")), nil
	case "simulated", "default", "":
		return NewStaticSource("default", DefaultRates("aws")), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", config.Provider)
	}
}
