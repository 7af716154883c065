package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opscart/capacity-optimizer/pkg/analyzer"
	"github.com/opscart/capacity-optimizer/pkg/cloud"
	"github.com/opscart/capacity-optimizer/pkg/converger"
	"github.com/opscart/capacity-optimizer/pkg/datasource"
	"github.com/opscart/capacity-optimizer/pkg/output"
	"github.com/opscart/capacity-optimizer/pkg/pricing"
	"github.com/opscart/capacity-optimizer/pkg/recommender"
	"github.com/opscart/capacity-optimizer/pkg/storage"
)

// EnvPrefix is prepended to every environment override, e.g.
// OPTIMIZER_POLICY_CPU_HIGH or OPTIMIZER_STORAGE_URL
const EnvPrefix = "OPTIMIZER"

// Config holds application configuration
type Config struct {
	Pool     string        `mapstructure:"pool"`
	Interval time.Duration `mapstructure:"interval"`
	// Horizon is the number of forecast steps requested per metric
	Horizon int `mapstructure:"horizon"`

	Provider  ProviderConfig           `mapstructure:"provider"`
	Metrics   MetricsConfig            `mapstructure:"metrics"`
	Policy    recommender.PolicyConfig `mapstructure:"policy"`
	Converger ConvergerConfig          `mapstructure:"converger"`
	Storage   StorageConfig            `mapstructure:"storage"`
	Output    OutputConfig             `mapstructure:"output"`
	Log       LogConfig                `mapstructure:"log"`

	// Analysis weighs cost against performance in reports
	Analysis analyzer.Weights `mapstructure:"analysis"`
}

type ProviderConfig struct {
	Name             string   `mapstructure:"name"`
	Region           string   `mapstructure:"region"`
	InstanceType     string   `mapstructure:"instance_type"`
	InitialInstances int      `mapstructure:"initial_instances"`
	ImageID          string   `mapstructure:"image_id"`
	SubnetID         string   `mapstructure:"subnet_id"`
	SecurityGroupIDs []string `mapstructure:"security_group_ids"`
	LivePricing      bool     `mapstructure:"live_pricing"`
	PricingCacheTTL  int      `mapstructure:"pricing_cache_ttl_hours"`
}

type MetricsConfig struct {
	PrometheusURL    string        `mapstructure:"prometheus_url"`
	UseMetricsServer bool          `mapstructure:"use_metrics_server"`
	PredictorURL     string        `mapstructure:"predictor_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Step             time.Duration `mapstructure:"step"`
	Lookback         time.Duration `mapstructure:"lookback"`
}

type ConvergerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type StorageConfig struct {
	// Type is postgres or none
	Type string `mapstructure:"type"`
	URL  string `mapstructure:"url"`
}

type OutputConfig struct {
	Formats      []string `mapstructure:"formats"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is console or json
	Format string `mapstructure:"format"`
}

// NewConfig creates a new configuration with defaults
func NewConfig() *Config {
	return &Config{
		Pool:     "default",
		Interval: 10 * time.Minute,
		Horizon:  12,
		Provider: ProviderConfig{
			Name:             "simulated",
			Region:           "us-east-1",
			InstanceType:     "t3.medium",
			InitialInstances: 2,
			PricingCacheTTL:  24,
		},
		Metrics: MetricsConfig{
			PrometheusURL: "http://localhost:9090",
			Timeout:       30 * time.Second,
			Step:          5 * time.Minute,
			Lookback:      time.Hour,
		},
		Policy: recommender.DefaultPolicy(),
		Converger: ConvergerConfig{
			Concurrency:  converger.DefaultConcurrency,
			CallTimeout:  converger.DefaultCallTimeout,
			CycleTimeout: converger.DefaultCycleTimeout,
			RetryBase:    converger.DefaultRetryBase,
			RetryMax:     converger.DefaultRetryMax,
			MaxAttempts:  converger.DefaultMaxAttempts,
		},
		Storage: StorageConfig{Type: "none"},
		Output: OutputConfig{
			Formats:    []string{"log"},
			KafkaTopic: "capacity-optimizer.cycles",
		},
		Log:      LogConfig{Level: "info", Format: "console"},
		Analysis: analyzer.DefaultWeights(),
	}
}

// Load reads defaults, then the optional YAML file at path, then
// OPTIMIZER_* environment variables, and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("pool", d.Pool)
	v.SetDefault("interval", d.Interval)
	v.SetDefault("horizon", d.Horizon)

	v.SetDefault("provider.name", d.Provider.Name)
	v.SetDefault("provider.region", d.Provider.Region)
	v.SetDefault("provider.instance_type", d.Provider.InstanceType)
	v.SetDefault("provider.initial_instances", d.Provider.InitialInstances)
	v.SetDefault("provider.image_id", d.Provider.ImageID)
	v.SetDefault("provider.subnet_id", d.Provider.SubnetID)
	v.SetDefault("provider.security_group_ids", d.Provider.SecurityGroupIDs)
	v.SetDefault("provider.live_pricing", d.Provider.LivePricing)
	v.SetDefault("provider.pricing_cache_ttl_hours", d.Provider.PricingCacheTTL)

	v.SetDefault("metrics.prometheus_url", d.Metrics.PrometheusURL)
	v.SetDefault("metrics.use_metrics_server", d.Metrics.UseMetricsServer)
	v.SetDefault("metrics.predictor_url", d.Metrics.PredictorURL)
	v.SetDefault("metrics.timeout", d.Metrics.Timeout)
	v.SetDefault("metrics.step", d.Metrics.Step)
	v.SetDefault("metrics.lookback", d.Metrics.Lookback)

	v.SetDefault("policy.cpu_high", d.Policy.CPUHigh)
	v.SetDefault("policy.cpu_low", d.Policy.CPULow)
	v.SetDefault("policy.mem_high", d.Policy.MemHigh)
	v.SetDefault("policy.mem_low", d.Policy.MemLow)
	v.SetDefault("policy.min_instances", d.Policy.MinInstances)
	v.SetDefault("policy.max_instances", d.Policy.MaxInstances)
	v.SetDefault("policy.cooldown_cycles", d.Policy.CooldownCycles)
	v.SetDefault("policy.monthly_budget", d.Policy.MonthlyBudget)

	v.SetDefault("converger.concurrency", d.Converger.Concurrency)
	v.SetDefault("converger.call_timeout", d.Converger.CallTimeout)
	v.SetDefault("converger.cycle_timeout", d.Converger.CycleTimeout)
	v.SetDefault("converger.retry_base", d.Converger.RetryBase)
	v.SetDefault("converger.retry_max", d.Converger.RetryMax)
	v.SetDefault("converger.max_attempts", d.Converger.MaxAttempts)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.url", d.Storage.URL)

	v.SetDefault("output.formats", d.Output.Formats)
	v.SetDefault("output.kafka_brokers", d.Output.KafkaBrokers)
	v.SetDefault("output.kafka_topic", d.Output.KafkaTopic)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("analysis.cost_weight", d.Analysis.Cost)
	v.SetDefault("analysis.performance_weight", d.Analysis.Performance)
	v.SetDefault("analysis.max_hourly_cost", d.Analysis.MaxHourlyCost)
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Pool == "" {
		errs = append(errs, fmt.Errorf("pool must be set"))
	}
	if c.Interval < time.Second {
		errs = append(errs, fmt.Errorf("interval must be at least 1s, got %s", c.Interval))
	}
	if c.Horizon <= 0 {
		errs = append(errs, fmt.Errorf("horizon must be positive, got %d", c.Horizon))
	}
	if c.Provider.InstanceType == "" {
		errs = append(errs, fmt.Errorf("provider.instance_type must be set"))
	}
	if c.Metrics.PrometheusURL == "" && !c.Metrics.UseMetricsServer {
		errs = append(errs, fmt.Errorf("metrics.prometheus_url must be set unless metrics.use_metrics_server is enabled"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Analysis.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Converger.Concurrency <= 0 || c.Converger.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("converger.concurrency and converger.max_attempts must be positive"))
	}
	if c.Converger.RetryBase <= 0 || c.Converger.RetryMax < c.Converger.RetryBase {
		errs = append(errs, fmt.Errorf("converger.retry_max must be >= converger.retry_base > 0"))
	}
	switch c.Storage.Type {
	case "none", "":
	case "postgres":
		if c.Storage.URL == "" {
			errs = append(errs, fmt.Errorf("storage.url must be set when storage.type is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be postgres or none, got %q", c.Storage.Type))
	}
	for _, f := range c.Output.Formats {
		if f == "kafka" && len(c.Output.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("output.kafka_brokers must be set for the kafka output"))
		}
	}

	return errors.Join(errs...)
}

// ControllerOptions translates the converger section into controller options
func (c *Config) ControllerOptions() []converger.Option {
	return []converger.Option{
		converger.WithConcurrency(c.Converger.Concurrency),
		converger.WithCallTimeout(c.Converger.CallTimeout),
		converger.WithCycleTimeout(c.Converger.CycleTimeout),
		converger.WithRetry(c.Converger.RetryBase, c.Converger.RetryMax, c.Converger.MaxAttempts),
	}
}

func (c *Config) DataSource() *datasource.Config {
	return &datasource.Config{
		PrometheusURL:    c.Metrics.PrometheusURL,
		UseMetricsServer: c.Metrics.UseMetricsServer,
		PredictorURL:     c.Metrics.PredictorURL,
		Timeout:          c.Metrics.Timeout,
		Step:             c.Metrics.Step,
		Lookback:         c.Metrics.Lookback,
	}
}

func (c *Config) Pricing() *pricing.Config {
	return &pricing.Config{
		Provider:      c.Provider.Name,
		Region:        c.Provider.Region,
		InstanceTypes: []string{c.Provider.InstanceType},
		CacheTTL:      c.Provider.PricingCacheTTL,
		Live:          c.Provider.LivePricing,
	}
}

func (c *Config) Cloud() *cloud.Config {
	return &cloud.Config{
		Provider:         c.Provider.Name,
		InstanceType:     c.Provider.InstanceType,
		InitialInstances: c.Provider.InitialInstances,
		EC2: cloud.EC2Config{
			Region:           c.Provider.Region,
			ImageID:          c.Provider.ImageID,
			SubnetID:         c.Provider.SubnetID,
			SecurityGroupIDs: c.Provider.SecurityGroupIDs,
			Pool:             c.Pool,
		},
	}
}

func (c *Config) StorageConfig() *storage.Config {
	return &storage.Config{Type: c.Storage.Type, URL: c.Storage.URL}
}

func (c *Config) OutputConfig() *output.Config {
	return &output.Config{
		Formats: c.Output.Formats,
		Kafka: output.KafkaConfig{
			Brokers: c.Output.KafkaBrokers,
			Topic:   c.Output.KafkaTopic,
		},
	}
}
