package pricing

import (
	"fmt"

	"github.com/opscart/capacity-optimizer/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	hoursPerDay   = 24
	hoursPerMonth = 730
)

// Estimate projects the cost of running count instances of instanceType.
// A type missing from rates is an error, never a zero cost.
func Estimate(instanceType string, count int, rates models.RateTable) (models.CostEstimate, error) {
	if count < 0 {
		return models.CostEstimate{}, &models.ValidationError{
			Field:  "count",
			Reason: fmt.Sprintf("must be >= 0, got %d", count),
		}
	}

	rate, ok := rates[instanceType]
	if !ok {
		return models.CostEstimate{}, &models.UnknownInstanceTypeError{InstanceType: instanceType}
	}

	hourly := decimal.NewFromFloat(float64(rate)).Mul(decimal.NewFromInt(int64(count)))
	daily := hourly.Mul(decimal.NewFromInt(hoursPerDay))
	monthly := hourly.Mul(decimal.NewFromInt(hoursPerMonth))

	return models.CostEstimate{
		Hourly:  hourly.InexactFloat64(),
		Daily:   daily.InexactFloat64(),
		Monthly: monthly.InexactFloat64(),
	}, nil
}

// ValidateRates rejects tables with non-positive rates, which would let a
// larger fleet look as cheap as a smaller one
func ValidateRates(rates models.RateTable) error {
	if len(rates) == 0 {
		return &models.ValidationError{Field: "rates", Reason: "rate table is empty"}
	}
	for instanceType, rate := range rates {
		if rate <= 0 {
			return &models.ValidationError{
				Field:  "rates",
				Reason: fmt.Sprintf("rate for %s must be positive, got %v", instanceType, rate),
			}
		}
	}
	return nil
}
