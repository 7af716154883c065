package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opscart/capacity-optimizer/pkg/analyzer"
	"github.com/opscart/capacity-optimizer/pkg/cloud"
	"github.com/opscart/capacity-optimizer/pkg/cluster"
	"github.com/opscart/capacity-optimizer/pkg/config"
	"github.com/opscart/capacity-optimizer/pkg/converger"
	"github.com/opscart/capacity-optimizer/pkg/cycle"
	"github.com/opscart/capacity-optimizer/pkg/datasource"
	"github.com/opscart/capacity-optimizer/pkg/output"
	"github.com/opscart/capacity-optimizer/pkg/pricing"
	"github.com/opscart/capacity-optimizer/pkg/recommender"
	"github.com/opscart/capacity-optimizer/pkg/reporter"
	"github.com/opscart/capacity-optimizer/pkg/storage"
)

var (
	// Global flags
	configPath string
	kubeconfig string
	logLevel   string

	// History flags
	historyLimit  int
	historyFormat string
	historyOutput string
	instanceType  string

	// Stats flags
	statsDays int

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "optimizer",
		Short: "Forecast-driven capacity optimizer",
		Long: `Samples fleet utilization, forecasts demand, recommends an instance count
and converges the cloud allocation on it.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (in-cluster or ~/.kube/config if empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run optimization cycles until interrupted",
		RunE:  runLoop,
	}

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single optimization cycle and print the result",
		RunE:  runOnce,
	}

	estimateCmd := &cobra.Command{
		Use:   "estimate <instance-type> <count>",
		Short: "Estimate the cost of running count instances",
		Args:  cobra.ExactArgs(2),
		RunE:  runEstimate,
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Export past recommendations as markdown or CSV",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Number of recommendations to include")
	historyCmd.Flags().StringVar(&historyFormat, "format", "markdown", "Report format: markdown, csv")
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "", "Output file (stdout if empty)")
	historyCmd.Flags().StringVar(&instanceType, "instance-type", "", "Only include this instance type")

	auditCmd := &cobra.Command{
		Use:   "audit <recommendation-id>",
		Short: "View audit log",
		Args:  cobra.ExactArgs(1),
		RunE:  runAudit,
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cycle statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "Number of days to aggregate")

	rootCmd.AddCommand(runCmd, onceCmd, estimateCmd, historyCmd, auditCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Log.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

// app is everything a cycle needs, plus what must be released afterwards
type app struct {
	cycle   *cycle.Cycle
	store   storage.Store
	handler output.Handler
}

func (a *app) Close() {
	if a.handler != nil {
		if err := a.handler.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close output handlers")
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func build(ctx context.Context) (*app, error) {
	var clients *cluster.Clients
	if cfg.Metrics.UseMetricsServer || cfg.Provider.Name == "auto" {
		var err error
		clients, err = cluster.Connect(kubeconfig)
		if err != nil {
			return nil, err
		}
		cfg.Provider.Name, cfg.Provider.Region = clients.ResolveProvider(ctx, cfg.Provider.Name, cfg.Provider.Region)
	}

	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := storage.New(cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.store = store

	handlers, err := output.NewHandlers(cfg.OutputConfig())
	if err != nil {
		return nil, err
	}
	a.handler = output.Fanout(handlers)

	var source datasource.MetricsSource
	var predictor datasource.Predictor
	if clients != nil {
		source, predictor, err = datasource.NewSources(cfg.DataSource(), clients.Clientset, clients.MetricsClient)
	} else {
		source, predictor, err = datasource.NewSources(cfg.DataSource(), nil, nil)
	}
	if err != nil {
		return nil, err
	}
	if prom, ok := source.(*datasource.PrometheusSource); ok && !prom.IsAvailable(ctx) {
		log.Warn().Str("url", cfg.Metrics.PrometheusURL).Msg("Prometheus is not reachable yet; cycles will fail until it is")
	}

	rates, err := pricing.NewRateSource(ctx, cfg.Pricing())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pricing: %w", err)
	}

	actuator, err := cloud.NewActuator(ctx, cfg.Cloud())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s provider: %w", cfg.Provider.Name, err)
	}

	initial, err := cycle.LoadState(ctx, actuator, a.store, cfg.Pool, cfg.Provider.InstanceType)
	if err != nil {
		return nil, err
	}

	deps := cycle.Deps{
		Source:     source,
		Predictor:  predictor,
		Rates:      rates,
		Engine:     recommender.New(nil),
		Controller: converger.New(actuator, cfg.ControllerOptions()...),
		Store:      a.store,
		Handler:    a.handler,
	}
	a.cycle, err = cycle.New(deps, initial, cycle.WithPool(cfg.Pool), cycle.WithHorizon(cfg.Horizon))
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("pool", cfg.Pool).
		Str("provider", actuator.Name()).
		Str("instance_type", cfg.Provider.InstanceType).
		Int("active", len(initial.Active())).
		Int("desired", initial.DesiredCount).
		Str("metrics", source.Name()).
		Str("predictor", predictor.Name()).
		Str("pricing", rates.Name()).
		Msg("Optimizer initialized")

	ok = true
	return a, nil
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return cycle.NewRunner(a.cycle, cfg.Policy, cfg.Interval).Run(ctx)
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, report, runErr := a.cycle.RunOnce(ctx, cfg.Policy)

	result := struct {
		Recommendation interface{} `json:"recommendation"`
		Report         interface{} `json:"report,omitempty"`
		Error          string      `json:"error,omitempty"`
	}{Recommendation: rec}
	if report.ID != "" {
		result.Report = report
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	return runErr
}

func runEstimate(cmd *cobra.Command, args []string) error {
	count, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("count must be an integer: %w", err)
	}

	pricingCfg := cfg.Pricing()
	pricingCfg.InstanceTypes = []string{args[0]}
	source, err := pricing.NewRateSource(cmd.Context(), pricingCfg)
	if err != nil {
		return err
	}
	rates, err := source.Rates(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load rates from %s: %w", source.Name(), err)
	}

	estimate, err := pricing.Estimate(args[0], count, rates)
	if err != nil {
		return err
	}

	fmt.Printf("%d x %s (%s pricing)\n", count, args[0], source.Name())
	fmt.Printf("   Hourly:  $%.4f\n", estimate.Hourly)
	fmt.Printf("   Daily:   $%.2f\n", estimate.Daily)
	fmt.Printf("   Monthly: $%.2f\n", estimate.Monthly)
	return nil
}

func openStore() (storage.Store, error) {
	store, err := storage.New(cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("storage is disabled: set storage.type to postgres")
	}
	return store, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	format, err := reporter.ParseFormat(historyFormat)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	recs, err := store.ListRecommendations(ctx, instanceType, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list recommendations: %w", err)
	}
	outcomes, err := store.ListReports(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list convergence reports: %w", err)
	}

	rep := reporter.New(format, reporter.WithWeights(cfg.Analysis))
	report, err := rep.Generate(recs, outcomes, cfg.Pool)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if historyOutput != "" {
		f, err := os.Create(historyOutput)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", historyOutput, err)
		}
		defer f.Close()
		w = f
	}

	if err := rep.Write(report, w); err != nil {
		return err
	}
	if historyOutput != "" {
		fmt.Printf("Report written to %s (%d cycles)\n", historyOutput, report.CycleCount)
	}
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	entries, err := store.GetAuditLog(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get audit log: %w", err)
	}

	if len(entries) == 0 {
		fmt.Printf("No audit entries for recommendation: %s\n", args[0])
		return nil
	}

	fmt.Printf("Audit log for recommendation %s:\n\n", args[0])
	for i, entry := range entries {
		fmt.Printf("%d. %s - %s\n", i+1, entry.Action, entry.Status)
		fmt.Printf("   Executed: %s by %s\n", entry.ExecutedAt.Format("2006-01-02 15:04:05"), entry.ExecutedBy)
		if entry.ErrorMessage != "" {
			fmt.Printf("   Error: %s\n", entry.ErrorMessage)
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	stats, err := store.GetCycleStats(ctx, statsDays)
	if err != nil {
		return err
	}

	// One recommendation per interval covers the window
	limit := int(time.Duration(statsDays)*24*time.Hour/cfg.Interval) + 1
	recs, err := store.ListRecommendations(ctx, "", limit)
	if err != nil {
		return fmt.Errorf("failed to list recommendations: %w", err)
	}
	analyzer.Annotate(stats, recs, time.Now().AddDate(0, 0, -statsDays), cfg.Analysis)

	fmt.Printf("Cycle statistics (last %d days)\n\n", stats.PeriodDays)
	fmt.Printf("   Cycles:            %d\n", stats.TotalCycles)
	fmt.Printf("   Scale ups:         %d\n", stats.ScaleUps)
	fmt.Printf("   Scale downs:       %d\n", stats.ScaleDowns)
	fmt.Printf("   Maintained:        %d\n", stats.Maintains)
	fmt.Printf("   Action rate:       %.1f%%\n", stats.ActionRate())
	fmt.Printf("   Converged:         %d\n", stats.Converged)
	fmt.Printf("   Partial:           %d\n", stats.PartiallyConverged)
	fmt.Printf("   Failed:            %d\n", stats.Failed)
	fmt.Printf("   Avg monthly cost:  $%.2f\n", stats.AvgMonthlyCost)
	fmt.Printf("   Avg daily cost:    $%.2f\n", stats.AvgDailyCost)
	fmt.Printf("   Projected month:   $%.2f\n", stats.ProjectedMonthlyCost)
	fmt.Printf("   Cost trend:        %s\n", stats.CostTrend)
	fmt.Printf("   Optimization:      %.2f/100\n", stats.OptimizationScore)
	if stats.LastCycleAt != nil {
		fmt.Printf("   Last cycle:        %s\n", stats.LastCycleAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
