package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/mindmesh/internal/bus"
	"github.com/stellarlinkco/mindmesh/internal/config"
	"github.com/stellarlinkco/mindmesh/internal/experts"
	"github.com/stellarlinkco/mindmesh/internal/fusion"
	"github.com/stellarlinkco/mindmesh/internal/gateway"
	"github.com/stellarlinkco/mindmesh/internal/llm"
	"github.com/stellarlinkco/mindmesh/internal/logging"
	"github.com/stellarlinkco/mindmesh/internal/metrics"
	"github.com/stellarlinkco/mindmesh/internal/pipeline"
	"github.com/stellarlinkco/mindmesh/internal/profile"
)

const replChannel, replChat = "cli", "repl"

// GeneratorFactory creates the model client (allows mocking in tests)
type GeneratorFactory func(cfg *config.Config) (llm.Generator, error)

// DefaultGeneratorFactory builds the configured provider client
func DefaultGeneratorFactory(cfg *config.Config) (llm.Generator, error) {
	if cfg.Provider.APIKey == "" && cfg.Provider.Type != "http" {
		return nil, errors.New("API key not set. Run 'mindmesh onboard' or set MINDMESH_API_KEY / ANTHROPIC_API_KEY")
	}
	return llm.NewFromConfig(cfg), nil
}

// AppOptions for running commands with custom dependencies
type AppOptions struct {
	GeneratorFactory GeneratorFactory
	Stdin            io.Reader
	Stdout           io.Writer
	Stderr           io.Writer
}

func (o AppOptions) withDefaults() AppOptions {
	if o.GeneratorFactory == nil {
		o.GeneratorFactory = DefaultGeneratorFactory
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

var rootCmd = &cobra.Command{
	Use:          "mindmesh",
	Short:        "mindmesh - multi-expert psychological signal analysis",
	SilenceUsage: true,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a single message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyzeWithOptions(cmd.Context(), AppOptions{})
	},
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Analyze a conversation typed on stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplWithOptions(cmd.Context(), AppOptions{})
	},
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write the default config",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnboard(cmd.OutOrStdout())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mindmesh status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.OutOrStdout())
	},
}

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "List the expert panel and admission thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPanel(cmd.OutOrStdout())
	},
}

var (
	configFlag      string
	messageFlag     string
	sessionFlag     string
	jsonFlag        bool
	metricsAddrFlag string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.mindmesh/config.json)")
	analyzeCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Message to analyze")
	analyzeCmd.Flags().StringVar(&sessionFlag, "session", "cli", "Session id")
	analyzeCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the profile as JSON")
	replCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(analyzeCmd, replCmd, onboardCmd, statusCmd, panelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFlag != "" {
		return config.LoadConfigFrom(configFlag)
	}
	return config.LoadConfig()
}

// app is the wired analysis stack shared by analyze and repl.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	store    *profile.MemoryStore
	pipe     *pipeline.Pipeline
}

func newApp(opts AppOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	gen, err := opts.GeneratorFactory(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(registry)
	store, err := profile.NewMemoryStore(cfg.Profiles.MaxSessions, m)
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.NewFromConfig(cfg, gen, store, m, logger)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return &app{cfg: cfg, logger: logger, registry: registry, store: store, pipe: pipe}, nil
}

func runAnalyzeWithOptions(ctx context.Context, opts AppOptions) error {
	opts = opts.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(messageFlag) == "" {
		return errors.New("message is required (-m)")
	}
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck

	prof := a.pipe.Analyze(ctx, pipeline.Message{Text: messageFlag, SessionID: sessionFlag, Position: 1}, nil, sessionFlag)
	return printProfile(opts.Stdout, prof, jsonFlag)
}

func printProfile(w io.Writer, prof *profile.Profile, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(prof, "", "  ")
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	if prof == nil {
		fmt.Fprintln(w, gateway.NoSignal)
		return nil
	}
	fmt.Fprintln(w, prof.Render())
	return nil
}

func runReplWithOptions(ctx context.Context, opts AppOptions) error {
	opts = opts.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck

	sweeper, err := profile.NewSweeper(a.store, a.cfg.Profiles.SweepSchedule, a.cfg.SessionIdleTTL(), a.logger)
	if err != nil {
		return err
	}
	gw, err := gateway.New(a.cfg, bus.NewMessageBus(config.DefaultBufSize), a.pipe, gateway.Options{
		Sweeper: sweeper,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	addr := metricsAddrFlag
	if addr == "" && a.cfg.Metrics.Enabled {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(a.registry), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		fmt.Fprintf(opts.Stderr, "metrics on http://%s/metrics\n", addr)
	}

	replies := make(chan bus.OutboundMessage, 1)
	gw.Bus().SubscribeOutbound(replChannel, func(msg bus.OutboundMessage) { replies <- msg })
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer gw.Shutdown() //nolint:errcheck

	fmt.Fprintln(opts.Stdout, "mindmesh repl (type '/reset' for a new conversation, 'exit' to quit)")
	scanner := bufio.NewScanner(opts.Stdin)
	for {
		fmt.Fprint(opts.Stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/reset":
			gw.Reset(replChannel + ":" + replChat)
			fmt.Fprintln(opts.Stdout, "conversation reset")
			continue
		}

		msg := bus.InboundMessage{Channel: replChannel, ChatID: replChat, SenderID: "user", Content: input, Timestamp: time.Now()}
		if err := gw.Bus().PublishInbound(ctx, msg); err != nil {
			return err
		}
		select {
		case out := <-replies:
			fmt.Fprintln(opts.Stdout, out.Content)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}

func runOnboard(w io.Writer) error {
	cfgPath := config.ConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(w, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(w, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(w, "  2. Or set MINDMESH_API_KEY environment variable")
	fmt.Fprintln(w, "  3. Run 'mindmesh analyze -m \"I feel stuck at work\"' to test")
	return nil
}

func runStatus(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(w, "Config: error (%v)\n", err)
		return nil
	}

	path := configFlag
	if path == "" {
		path = config.ConfigPath()
	}
	fmt.Fprintf(w, "Config: %s\n", path)
	fmt.Fprintf(w, "Model: %s\n", cfg.Model.Name)
	fmt.Fprintf(w, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(w, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(w, "Expert timeout: %s\n", cfg.ExpertTimeoutDuration())
	fmt.Fprintf(w, "Synthesis: enabled=%v\n", cfg.Analysis.Synthesis)
	fmt.Fprintf(w, "Sessions: max=%d idle=%s sweep=%q\n", cfg.Profiles.MaxSessions, cfg.SessionIdleTTL(), cfg.Profiles.SweepSchedule)
	fmt.Fprintf(w, "Metrics: enabled=%v addr=%s\n", cfg.Metrics.Enabled, cfg.Metrics.Addr)

	taxonomy, err := experts.LoadTaxonomy(cfg.Taxonomy.Path)
	if err != nil {
		fmt.Fprintf(w, "Taxonomy: error (%v)\n", err)
		return nil
	}
	source := "embedded"
	if cfg.Taxonomy.Path != "" {
		source = cfg.Taxonomy.Path
	}
	fmt.Fprintf(w, "Panel: %d experts (%s)\n", len(taxonomy), source)
	return nil
}

func runPanel(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	taxonomy, err := experts.LoadTaxonomy(cfg.Taxonomy.Path)
	if err != nil {
		return err
	}
	for _, id := range experts.Order {
		desc := taxonomy[id]
		t := fusion.ThresholdFor(id)
		line := fmt.Sprintf("%-21s min %.2f", id, t.Min)
		if t.RequireEvidence {
			line += " +evidence"
		}
		fmt.Fprintf(w, "%s  %s\n", line, desc.Name)
		if when := strings.TrimSpace(desc.When); when != "" {
			fmt.Fprintf(w, "    %s\n", when)
		}
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
