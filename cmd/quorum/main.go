package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zen-systems/quorum/pkg/adapter"
	"github.com/zen-systems/quorum/pkg/breaker"
	"github.com/zen-systems/quorum/pkg/config"
	"github.com/zen-systems/quorum/pkg/cost"
	"github.com/zen-systems/quorum/pkg/crypto"
	"github.com/zen-systems/quorum/pkg/evidence"
	"github.com/zen-systems/quorum/pkg/factcheck"
	"github.com/zen-systems/quorum/pkg/logging"
	"github.com/zen-systems/quorum/pkg/metrics"
	"github.com/zen-systems/quorum/pkg/pipeline"
	"github.com/zen-systems/quorum/pkg/profile"
	"github.com/zen-systems/quorum/pkg/progress"
	"github.com/zen-systems/quorum/pkg/registry"
	"github.com/zen-systems/quorum/pkg/schema"
	"github.com/zen-systems/quorum/pkg/server"
)

var (
	configDir string
	logLevel  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quorum",
		Short: "Four-stage LLM consensus engine",
		Long: `Quorum answers a question by passing it through four model stages:
	a Generator drafts, a Refiner improves, a Validator checks and a Curator
	writes the final answer. Each stage picks the best available model,
	falls back when a provider fails, stays inside the profile's budget and
	is checked against any verified facts you supply.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default ~/.quorum)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, off)")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(profilesCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(costsCmd())
	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func askCmd() *cobra.Command {
	var profileName string
	var facts map[string]string
	var jsonOut bool
	var stream bool
	var timeout time.Duration
	var saveDir string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run a question through the consensus pipeline",
		Long: `Runs the question through Generator, Refiner, Validator and Curator and
	prints the Curator's answer.

	Use --fact to pin verified values (name, version, language, complexity,
	dependency_count, module_count, file_count). Every stage sees them, and
	output that contradicts them is retried with a corrective prompt.

	Press Ctrl-C to cancel; stages already finished are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(engineOptions{ledger: true})
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := e.profile(profileName)
			if err != nil {
				return err
			}
			groundTruth, err := factcheck.ParseFacts(facts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			req := pipeline.NewRequest(args[0], p, groundTruth)
			sub := e.progress.Subscribe(progress.SubscribeOptions{ConversationID: req.ID, Buffer: 1024})
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				printProgress(sub, stream)
			}()

			result := e.orch.Run(ctx, req)
			sub.Close()
			<-printed

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				if result.FinalAnswer != "" {
					fmt.Println(result.FinalAnswer)
				}
				printSummary(result)
			}

			if saveDir != "" {
				signer, err := e.signer()
				if err != nil {
					return err
				}
				dir, err := evidence.Record(saveDir, req, result, signer)
				if err != nil {
					return fmt.Errorf("save evidence: %w", err)
				}
				fmt.Fprintf(os.Stderr, "evidence written to %s\n", dir)
			}

			if result.Err != nil {
				return fmt.Errorf("run %s: %w", result.Status, result.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&profileName, "profile", "p", "balanced", "profile name")
	cmd.Flags().StringToStringVar(&facts, "fact", nil, "verified fact as category=value (repeatable)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full result as JSON")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream stage output to stderr as it arrives")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the run after this long (0 disables)")
	cmd.Flags().StringVar(&saveDir, "save-dir", "", "write run and stage records with their outputs under this directory")

	return cmd
}

func printProgress(sub *progress.Subscription, stream bool) {
	for e := range sub.Events() {
		switch {
		case e.Chunk != "" && stream:
			fmt.Fprint(os.Stderr, e.Chunk)
		case e.Status == schema.ProgressRunning && e.Chunk == "":
			fmt.Fprintf(os.Stderr, "[%s] running\n", e.Stage.DisplayName())
		case e.Status == schema.ProgressCompleted:
			if stream {
				fmt.Fprintln(os.Stderr)
			}
			fmt.Fprintf(os.Stderr, "[%s] done with %s\n", e.Stage.DisplayName(), e.Model)
		case e.Status == schema.ProgressError:
			fmt.Fprintf(os.Stderr, "[%s] failed: %s\n", e.Stage.DisplayName(), e.Message)
		}
	}
}

func printSummary(r *pipeline.ConsensusResult) {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tMODEL\tCOST\tCONFIDENCE\tNOTES")
	for _, s := range r.Stages {
		var notes []string
		if s.FallbackUsed {
			notes = append(notes, "fallback")
		}
		if s.Retried {
			notes = append(notes, "retried")
		}
		if s.Degraded {
			notes = append(notes, fmt.Sprintf("degraded (%d contradictions)", len(s.Contradictions)))
		}
		fmt.Fprintf(w, "%s\t%s\t$%.4f\t%.2f\t%s\n", s.Stage.DisplayName(), s.Model, s.Cost, s.Confidence, strings.Join(notes, ", "))
	}
	fmt.Fprintf(w, "TOTAL\t%s\t$%.4f\t%.2f\t%s in %s\n", r.Mode, r.TotalCost, r.Confidence, r.Status, r.Duration.Round(time.Millisecond))
	if r.Health != nil && len(r.Health.Discrepancies) > 0 {
		fmt.Fprintf(w, "HEALTH\t%s\t\t%.2f\t%s\n", r.Health.Health, r.Health.AgreementScore, r.Health.Action)
	}
	w.Flush()
}

func modelsCmd() *cobra.Command {
	var aliasesFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List catalog models and provider status",
		Long: `Lists the model catalog with prices and whether the provider has a key.

	Use --aliases to show model aliases and what they resolve to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(engineOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if aliasesFlag {
				return showAliases(e.aliases)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tSTAGES\t$/1K IN\t$/1K OUT\tSTATUS")
			for _, m := range e.models.List() {
				status := "no key"
				if _, err := e.gateway.Get(m.Provider); err == nil {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%.4f\t%s\n",
					m.ID, m.Provider, formatList(m.Capabilities), m.PromptPer1K, m.CompletionPer1K, status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&aliasesFlag, "aliases", false, "show aliases and what they resolve to")
	return cmd
}

func showAliases(aliases *config.ModelAliases) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tMODEL\tPROVIDER")
	aliasMap := aliases.ListAliases()
	names := make([]string, 0, len(aliasMap))
	for name := range aliasMap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, alias := range names {
		model := aliasMap[alias]
		fmt.Fprintf(w, "%s\t%s\t%s\n", alias, model, aliases.GetProviderForModel(model))
	}
	return w.Flush()
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List consensus profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(engineOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROFILE\tPREFERENCE\tBUDGET\tMAX TOKENS\tDESCRIPTION")
			for _, name := range e.profiles.Names() {
				p, err := e.profiles.Get(name)
				if err != nil {
					return err
				}
				budget := "unlimited"
				if !p.Unlimited() {
					budget = fmt.Sprintf("$%.2f", p.BudgetLimit)
				}
				maxTokens := "-"
				if p.MaxOutputTokens > 0 {
					maxTokens = fmt.Sprint(p.MaxOutputTokens)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.RankPreference(), budget, maxTokens, p.Description)
			}
			return w.Flush()
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	var watch bool
	var evidenceDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the consensus API, progress stream and metrics",
		Long: `Starts an HTTP server:

	  POST   /api/v1/ask                      run a question (async with {"async": true})
	  GET    /api/v1/conversations            running conversations
	  DELETE /api/v1/conversations/{id}       cancel a conversation
	  GET    /api/v1/conversations/{id}/costs conversation spend
	  GET    /api/v1/costs                    process spend
	  GET    /api/v1/models                   models with breaker and performance
	  GET    /api/v1/profiles                 profiles
	  GET    /ws/progress                     progress events (WebSocket)
	  GET    /metrics                         Prometheus metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(engineOptions{ledger: true, metrics: prometheus.DefaultRegisterer})
			if err != nil {
				return err
			}
			defer e.Close()
			signer, err := e.signer()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if watch {
				if _, err := os.Stat(e.cfg.CatalogPath); err == nil {
					go func() {
						if err := e.models.WatchCatalog(ctx, e.cfg.CatalogPath); err != nil {
							e.logger.Warn().Err(err).Msg("catalog watch stopped")
						}
					}()
				}
			}

			srv := server.New(addr, server.Deps{
				Orchestrator: e.orch,
				Profiles:     e.profiles,
				Models:       e.models,
				Breakers:     e.breakers,
				Costs:        e.costs,
				Aliases:      e.aliases,
				Progress:     e.progress,
				Gatherer:     prometheus.DefaultGatherer,
				EvidenceDir:  evidenceDir,
				Signer:       signer,
			}, e.logger)

			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			e.logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the model catalog when its file changes")
	cmd.Flags().StringVar(&evidenceDir, "evidence-dir", "", "write a sealed record of every run under this directory")
	return cmd
}

func costsCmd() *cobra.Command {
	var since time.Duration
	var conversation string
	var recent int

	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Report recorded spend from the usage ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ledger, err := cost.OpenLedger(cfg.LedgerPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			ctx := context.Background()
			var summary cost.Summary
			if conversation != "" {
				summary, err = ledger.ConversationSummary(ctx, conversation)
			} else {
				summary, err = ledger.GlobalSummary(ctx, time.Now().Add(-since))
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "CALLS\t%d\n", summary.Calls)
			fmt.Fprintf(w, "TOKENS\t%d in / %d out\n", summary.InputTokens, summary.OutputTokens)
			fmt.Fprintf(w, "TOTAL\t$%.4f\n", summary.Total)
			for _, a := range sortedAmounts(summary.ByStage) {
				fmt.Fprintf(w, "  %s\t$%.4f\n", a.name, a.usd)
			}
			for _, a := range sortedAmounts(summary.ByModel) {
				fmt.Fprintf(w, "  %s\t$%.4f\n", a.name, a.usd)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if recent <= 0 {
				return nil
			}
			rows, err := ledger.Recent(ctx, recent)
			if err != nil {
				return err
			}
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tCONVERSATION\tSTAGE\tMODEL\tCOST")
			for _, u := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\n", u.At.Local().Format(time.DateTime), u.ConversationID, u.Stage, u.Model, u.Cost)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "report spend over this window")
	cmd.Flags().StringVar(&conversation, "conversation", "", "report one conversation")
	cmd.Flags().IntVar(&recent, "recent", 0, "also list the most recent N calls")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [run-dir]",
		Short: "Check a saved run against its manifest",
		Long: `Re-hashes every file listed in the run's manifest.json and, when the
	manifest is signed, checks the signature with the key from the key directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := evidence.Verify(args[0], cfg.KeyDir)
			if err != nil {
				return err
			}
			signed := "unsigned"
			if m.Signature != nil {
				signed = "signed by " + m.Signature.PubKeyID
			}
			fmt.Printf("%s: %d files verified (%s)\n", m.RunID, len(m.Hashes), signed)
			return nil
		},
	}
	return cmd
}

type engineOptions struct {
	ledger  bool
	metrics prometheus.Registerer
}

// engine is the wired set of shared registries used by every command.
type engine struct {
	cfg      *config.Config
	logger   zerolog.Logger
	aliases  *config.ModelAliases
	profiles *profile.Registry
	models   *registry.Registry
	breakers *breaker.Registry
	costs    *cost.Tracker
	ledger   *cost.SQLiteLedger
	progress *progress.Broadcaster
	gateway  adapter.Gateway
	orch     *pipeline.Orchestrator
}

func newEngine(opts engineOptions) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.New(level)

	e := &engine{cfg: cfg, logger: logger}

	e.aliases, err = config.LoadAliasesWithFallback(cfg.AliasesPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load aliases: %w", err)
	}

	e.profiles = profile.NewRegistry()
	if err := e.profiles.LoadFile(cfg.ProfilesPath); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}

	catalog := registry.DefaultCatalog()
	if _, err := os.Stat(cfg.CatalogPath); err == nil {
		if catalog, err = registry.LoadCatalog(cfg.CatalogPath); err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
	}
	e.models, err = registry.NewWithModels(catalog, registry.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if opts.metrics != nil {
		m = metrics.New(opts.metrics)
	}
	breakerOpts := []breaker.Option{
		breaker.WithThreshold(cfg.Engine.Breaker.Threshold),
		breaker.WithWindow(cfg.Engine.Breaker.Window),
		breaker.WithCooldown(cfg.Engine.Breaker.Cooldown),
		breaker.WithLogger(logger),
	}
	if m != nil {
		breakerOpts = append(breakerOpts, breaker.WithTransitionFunc(m.BreakerTransition))
	}
	e.breakers = breaker.New(breakerOpts...)

	costOpts := []cost.Option{cost.WithLogger(logger)}
	if opts.ledger {
		e.ledger, err = cost.OpenLedger(cfg.LedgerPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.LedgerPath).Msg("usage ledger unavailable, costs are kept in memory")
		} else {
			costOpts = append(costOpts, cost.WithSink(e.ledger))
		}
	}
	e.costs = cost.NewTracker(costOpts...)

	e.progress = progress.NewBroadcaster(
		progress.WithBacklog(cfg.Engine.Progress.Backlog),
		progress.WithSubscriberBuffer(cfg.Engine.Progress.SubscriberBuffer),
		progress.WithLogger(logger),
	)

	e.gateway, err = createGateway(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}

	e.orch, err = pipeline.NewOrchestrator(e.gateway, e.models, e.breakers, e.costs,
		pipeline.WithEngineConfig(cfg.Engine),
		pipeline.WithLogger(logger),
		pipeline.WithProgress(e.progress),
		pipeline.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// signer returns the configured manifest signer, or nil when signing is off.
func (e *engine) signer() (*crypto.Signer, error) {
	if e.cfg.SigningKey == "" {
		return nil, nil
	}
	s, err := crypto.NewSigner(e.cfg.KeyDir, e.cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	return s, nil
}

// profile returns the named profile with aliases resolved.
func (e *engine) profile(name string) (*profile.Profile, error) {
	p, err := e.profiles.Get(name)
	if err != nil {
		return nil, err
	}
	return p.ResolveAliases(e.aliases), nil
}

func (e *engine) Close() {
	e.progress.Close()
	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to close usage ledger")
		}
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configDir != "" {
		cfg, err = config.LoadFrom(configDir)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	return cfg, nil
}

func createGateway(cfg *config.Config) (adapter.Gateway, error) {
	gateway := make(adapter.Gateway)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		gateway["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		gateway["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		gateway["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		gateway["deepseek"] = a
	}

	if cfg.OpenRouterAPIKey != "" {
		a, err := adapter.NewOpenRouterAdapter(cfg.OpenRouterAPIKey, cfg.OpenRouterModels)
		if err != nil {
			return nil, fmt.Errorf("failed to create openrouter adapter: %w", err)
		}
		gateway["openrouter"] = a
	}

	gateway["mock"] = adapter.NewMockAdapter()

	for name, a := range gateway {
		if rl, ok := cfg.Engine.RateLimits[name]; ok {
			gateway[name] = adapter.RateLimited(a, rl.RPS, rl.Burst)
		}
	}
	return gateway, nil
}

func formatList(items []string) string {
	return strings.Join(items, ", ")
}

type amount struct {
	name string
	usd  float64
}

// sortedAmounts orders a spend breakdown by name.
func sortedAmounts[K ~string](m map[K]float64) []amount {
	out := make([]amount, 0, len(m))
	for k, v := range m {
		out = append(out, amount{name: string(k), usd: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
