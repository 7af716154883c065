package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// Azure Retail Prices API
const azurePricingAPI = "https://prices.azure.com/api/retail/prices"

type azurePriceResponse struct {
	Items []azurePriceItem `json:"Items"`
}

type azurePriceItem struct {
	CurrencyCode  string  `json:"currencyCode"`
	RetailPrice   float64 `json:"retailPrice"`
	UnitOfMeasure string  `json:"unitOfMeasure"`
	ProductName   string  `json:"productName"`
	SkuName       string  `json:"skuName"`
	ArmSkuName    string  `json:"armSkuName"`
	ArmRegionName string  `json:"armRegionName"`
}

// AzureRateSource looks up pay-as-you-go Linux VM rates with the Azure Retail Prices API
type AzureRateSource struct {
	region        string
	instanceTypes []string
	endpoint      string
	cache         *PriceCache
	httpClient    *http.Client
	log           zerolog.Logger
}

func NewAzureRateSource(region string, instanceTypes []string, ttl time.Duration) *AzureRateSource {
	return &AzureRateSource{
		region:        region,
		instanceTypes: instanceTypes,
		endpoint:      azurePricingAPI,
		cache:         NewPriceCache(ttl),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.With().Str("component", "azure-pricing").Logger(),
	}
}

func (a *AzureRateSource) Name() string {
	return "azure"
}

func (a *AzureRateSource) Rates(ctx context.Context) (models.RateTable, error) {
	defaults := DefaultRates("azure")
	rates := make(models.RateTable, len(a.instanceTypes))

	for _, sku := range a.instanceTypes {
		cacheKey := fmt.Sprintf("azure-%s-%s", a.region, sku)
		if cached, ok := a.cache.Get(cacheKey); ok {
			rates[sku] = cached
			continue
		}

		rate, err := a.fetchRate(ctx, sku)
		if err != nil {
			if fallback, ok := defaults[sku]; ok {
				a.log.Warn().Err(err).Str("instance_type", sku).Msg("Retail prices lookup failed, using built-in rate")
				rates[sku] = fallback
			}
			continue
		}

		a.cache.Set(cacheKey, rate)
		rates[sku] = rate
	}

	if err := ValidateRates(rates); err != nil {
		return nil, err
	}
	return rates, nil
}

func (a *AzureRateSource) fetchRate(ctx context.Context, sku string) (models.HourlyRate, error) {
	filter := fmt.Sprintf("serviceName eq 'Virtual Machines' and armRegionName eq '%s' and armSkuName eq '%s' and priceType eq 'Consumption'", a.region, sku)
	reqURL := fmt.Sprintf("%s?$filter=%s", a.endpoint, url.QueryEscape(filter))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("azure pricing API returned status %d", resp.StatusCode)
	}

	var priceResp azurePriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&priceResp); err != nil {
		return 0, err
	}

	return linuxHourlyRate(priceResp.Items, sku)
}

// linuxHourlyRate picks the regular Linux price, skipping Windows, Spot and Low Priority SKUs
func linuxHourlyRate(items []azurePriceItem, sku string) (models.HourlyRate, error) {
	for _, item := range items {
		if item.UnitOfMeasure != "1 Hour" || item.RetailPrice <= 0 {
			continue
		}
		if strings.Contains(item.ProductName, "Windows") ||
			strings.Contains(item.SkuName, "Spot") ||
			strings.Contains(item.SkuName, "Low Priority") {
			continue
		}
		return models.HourlyRate(item.RetailPrice), nil
	}
	return 0, fmt.Errorf("no Linux consumption price for %s", sku)
}
