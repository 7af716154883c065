package pricing

import (
	"context"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// RateSource defines the interface for hourly instance pricing
type RateSource interface {
	Rates(ctx context.Context) (models.RateTable, error)
	Name() string
}

type Config struct {
	Provider      string
	Region        string
	InstanceTypes []string
	CacheTTL      int // hours
	Live          bool
}

// On-demand Linux rates in USD per hour
var (
	awsRates = models.RateTable{
		"t2.micro":   0.0116,
		"t2.small":   0.023,
		"t2.medium":  0.0464,
		"t2.large":   0.0928,
		"t2.xlarge":  0.1856,
		"t2.2xlarge": 0.3712,
		"t3.micro":   0.0104,
		"t3.small":   0.0208,
		"t3.medium":  0.0416,
		"t3.large":   0.0832,
		"t3.xlarge":  0.1664,
		"t3.2xlarge": 0.3328,
	}

	azureRates = models.RateTable{
		"Standard_B1s":    0.0104,
		"Standard_B1ms":   0.0207,
		"Standard_B2s":    0.0416,
		"Standard_B2ms":   0.0832,
		"Standard_B4ms":   0.166,
		"Standard_D2s_v3": 0.096,
	}

	gcpRates = models.RateTable{
		"e2-micro":      0.0084,
		"e2-small":      0.0168,
		"e2-medium":     0.0335,
		"e2-standard-2": 0.067,
		"e2-standard-4": 0.134,
	}
)

// DefaultRates returns a copy of the built-in table for provider
func DefaultRates(provider string) models.RateTable {
	var src models.RateTable
	switch provider {
	case "azure":
		src = azureRates
	case "gcp":
		src = gcpRates
	default:
		src = awsRates
	}

	out := make(models.RateTable, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// StaticSource serves a fixed rate table, for on-prem, simulated or offline use
type StaticSource struct {
	name  string
	rates models.RateTable
}

func NewStaticSource(name string, rates models.RateTable) *StaticSource {
	return &StaticSource{name: name, rates: rates}
}

func (s *StaticSource) Name() string {
	return s.name
}

func (s *StaticSource) Rates(ctx context.Context) (models.RateTable, error) {
	if err := ValidateRates(s.rates); err != nil {
		return nil, err
	}
	out := make(models.RateTable, len(s.rates))
	for k, v := range s.rates {
		out[k] = v
	}
	return out, nil
}
