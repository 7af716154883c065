package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	awspricing "github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// The Price List API is only served from a few regions
const awsPricingRegion = "us-east-1"

type productsAPI interface {
	GetProducts(ctx context.Context, params *awspricing.GetProductsInput, optFns ...func(*awspricing.Options)) (*awspricing.GetProductsOutput, error)
}

// AWSRateSource looks up EC2 on-demand Linux rates with the AWS Price List API
type AWSRateSource struct {
	region        string
	instanceTypes []string
	client        productsAPI
	cache         *PriceCache
	log           zerolog.Logger
}

// NewAWSRateSource loads AWS credentials from the environment
func NewAWSRateSource(ctx context.Context, region string, instanceTypes []string, ttl time.Duration) (*AWSRateSource, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx, awsConfig.WithRegion(awsPricingRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newAWSRateSource(awspricing.NewFromConfig(cfg), region, instanceTypes, ttl), nil
}

func newAWSRateSource(client productsAPI, region string, instanceTypes []string, ttl time.Duration) *AWSRateSource {
	return &AWSRateSource{
		region:        region,
		instanceTypes: instanceTypes,
		client:        client,
		cache:         NewPriceCache(ttl),
		log:           log.With().Str("component", "aws-pricing").Logger(),
	}
}

func (a *AWSRateSource) Name() string {
	return "aws"
}

// Rates returns live rates for the configured instance types. Types the API
// can't price fall back to the built-in table; a type known to neither is omitted
// so Estimate reports it as unknown.
func (a *AWSRateSource) Rates(ctx context.Context) (models.RateTable, error) {
	defaults := DefaultRates("aws")
	rates := make(models.RateTable, len(a.instanceTypes))

	for _, instanceType := range a.instanceTypes {
		cacheKey := fmt.Sprintf("aws-%s-%s", a.region, instanceType)
		if cached, ok := a.cache.Get(cacheKey); ok {
			rates[instanceType] = cached
			continue
		}

		rate, err := a.fetchRate(ctx, instanceType)
		if err != nil {
			if fallback, ok := defaults[instanceType]; ok {
				a.log.Warn().Err(err).Str("instance_type", instanceType).Msg("Pricing API lookup failed, using built-in rate")
				rates[instanceType] = fallback
			}
			continue
		}

		a.cache.Set(cacheKey, rate)
		rates[instanceType] = rate
	}

	if err := ValidateRates(rates); err != nil {
		return nil, err
	}
	return rates, nil
}

func (a *AWSRateSource) fetchRate(ctx context.Context, instanceType string) (models.HourlyRate, error) {
	term := func(field, value string) types.Filter {
		return types.Filter{Type: types.FilterTypeTermMatch, Field: aws.String(field), Value: aws.String(value)}
	}

	out, err := a.client.GetProducts(ctx, &awspricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []types.Filter{
			term("instanceType", instanceType),
			term("regionCode", a.region),
			term("operatingSystem", "Linux"),
			term("tenancy", "Shared"),
			term("preInstalledSw", "NA"),
			term("capacitystatus", "Used"),
		},
		MaxResults: aws.Int32(10),
	})
	if err != nil {
		return 0, fmt.Errorf("get products for %s: %w", instanceType, err)
	}

	for _, doc := range out.PriceList {
		if rate, ok := parseOnDemandRate(doc); ok {
			return rate, nil
		}
	}
	return 0, fmt.Errorf("no on-demand hourly price for %s in %s", instanceType, a.region)
}

// priceListItem is the subset of a Price List document we read
type priceListItem struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				Unit         string            `json:"unit"`
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

func parseOnDemandRate(doc string) (models.HourlyRate, bool) {
	var item priceListItem
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return 0, false
	}

	for _, offer := range item.Terms.OnDemand {
		for _, dim := range offer.PriceDimensions {
			if dim.Unit != "Hrs" {
				continue
			}
			usd, err := strconv.ParseFloat(dim.PricePerUnit["USD"], 64)
			if err != nil || usd <= 0 {
				continue
			}
			return models.HourlyRate(usd), true
		}
	}
	return 0, false
}
