package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/leasebroker/internal/agent"
	"github.com/stellarlinkco/leasebroker/internal/config"
	"github.com/stellarlinkco/leasebroker/internal/cron"
	"github.com/stellarlinkco/leasebroker/internal/gateway"
	"github.com/stellarlinkco/leasebroker/internal/market"
	"github.com/stellarlinkco/leasebroker/internal/matching"
	"github.com/stellarlinkco/leasebroker/internal/playbook"
	"github.com/stellarlinkco/leasebroker/internal/session"
	"github.com/stellarlinkco/leasebroker/internal/store"
)

// EngineOptions are merged into every engine the CLI builds. Tests use it
// to inject runtimes.
var EngineOptions gateway.Options

var rootCmd = &cobra.Command{
	Use:          "leasebroker",
	Short:        "leasebroker - automated rental negotiation",
	SilenceUsage: true,
}

var negotiateCmd = &cobra.Command{
	Use:   "negotiate",
	Short: "Match seekers to listings and negotiate until a stop rule fires",
	RunE:  runNegotiate,
}

var matchCmd = &cobra.Command{
	Use:   "match <seeker-id>",
	Short: "Rank catalog listings for a seeker",
	Args:  cobra.ExactArgs(1),
	RunE:  runMatch,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + cron + negotiations)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and a sample catalog",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show leasebroker status",
	RunE:  runStatus,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List checkpointed negotiations",
	RunE:  runSessions,
}

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a negotiation transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Continue a checkpointed negotiation",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled gateway jobs",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE:  runCronList,
}

var cronAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Schedule a negotiation job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronAdd,
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRemove,
}

var (
	seekerFlag  string
	allFlag     bool
	dryRunFlag  bool
	quietFlag   bool
	limitFlag   int
	statusFlag  string
	cronExpr    string
	cronEvery   time.Duration
	cronSeeker  string
	cronChannel string
	cronTo      string
)

func init() {
	negotiateCmd.Flags().StringVarP(&seekerFlag, "seeker", "s", "", "Seeker id to negotiate for")
	negotiateCmd.Flags().BoolVar(&allFlag, "all", false, "Negotiate for every catalog seeker")
	negotiateCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Use scripted agents, digest summaries and an in-memory store")
	negotiateCmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "Only print outcomes")
	resumeCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Use scripted agents and digest summaries")
	resumeCmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "Only print outcomes")
	matchCmd.Flags().IntVarP(&limitFlag, "limit", "n", 10, "Number of listings to show")
	sessionsCmd.Flags().StringVar(&statusFlag, "status", "", "Only list sessions in this status")

	cronAddCmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression with seconds (e.g. \"0 0 9 * * *\")")
	cronAddCmd.Flags().DurationVar(&cronEvery, "every", 0, "Fixed interval (e.g. 30m)")
	cronAddCmd.Flags().StringVar(&cronSeeker, "seeker", "", "Negotiate for one seeker instead of all")
	cronAddCmd.Flags().StringVar(&cronChannel, "channel", "", "Channel that receives the job report")
	cronAddCmd.Flags().StringVar(&cronTo, "to", "", "Chat id on that channel")
	cronCmd.AddCommand(cronListCmd, cronAddCmd, cronRemoveCmd)

	rootCmd.AddCommand(negotiateCmd, matchCmd, gatewayCmd, onboardCmd, statusCmd, sessionsCmd, showCmd, resumeCmd, cronCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newEngine(cfg *config.Config, dryRun bool) (*gateway.Engine, error) {
	opts := EngineOptions
	if dryRun {
		pair := agent.DemoPair()
		opts.Deciders = &pair
		opts.Summarizer = agent.DigestSummarizer{}
		if opts.Store == nil {
			opts.Store = store.NewMemoryStore()
		}
	}
	engine, err := gateway.NewEngine(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return engine, nil
}

func runNegotiate(cmd *cobra.Command, args []string) error {
	if seekerFlag == "" && !allFlag {
		return fmt.Errorf("pass --seeker <id> or --all")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, dryRunFlag)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if !quietFlag {
		engine.Manager.Subscribe(printMessage(out))
	}

	var ids []string
	if allFlag {
		ids, err = engine.Manager.NegotiateAll(ctx)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "some seekers were skipped: %v\n", err)
		}
	} else {
		id, err := engine.Manager.Negotiate(ctx, seekerFlag)
		if err != nil {
			return err
		}
		ids = []string{id}
	}

	engine.Manager.Wait()
	return printOutcomes(ctx, out, engine, ids)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// resume always needs the configured store
	opts := EngineOptions
	if dryRunFlag {
		pair := agent.DemoPair()
		opts.Deciders = &pair
		opts.Summarizer = agent.DigestSummarizer{}
	}
	engine, err := gateway.NewEngine(cfg, opts)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if !quietFlag {
		engine.Manager.Subscribe(printMessage(out))
	}
	if err := engine.Manager.Resume(ctx, args[0]); err != nil {
		return err
	}
	engine.Manager.Wait()
	return printOutcomes(ctx, out, engine, args)
}

func printMessage(out io.Writer) func(string, session.Role, string, session.State) error {
	return func(id string, role session.Role, content string, snap session.State) error {
		_, err := fmt.Fprintf(out, "%s %s: %s\n", shortID(id), role, content)
		return err
	}
}

func printOutcomes(ctx context.Context, out io.Writer, engine *gateway.Engine, ids []string) error {
	if len(ids) == 0 {
		fmt.Fprintln(out, "No negotiations started.")
		return nil
	}
	var states []session.State
	for _, id := range ids {
		st, ok, err := engine.Manager.Get(context.WithoutCancel(ctx), id)
		if err != nil {
			return err
		}
		if ok {
			states = append(states, st)
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, sessionTable(states))
	return nil
}

func runMatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat := EngineOptions.Catalog
	if cat == nil {
		loaded, err := market.LoadCatalog(cfg.Catalog.Path)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		cat = loaded
	}

	seeker, err := cat.Seeker(args[0])
	if err != nil {
		return err
	}
	ranked := matching.NewEngine().Rank(seeker, cat.Listings(market.ListingFilter{}))
	if limitFlag > 0 && len(ranked) > limitFlag {
		ranked = ranked[:limitFlag]
	}
	fmt.Fprintln(cmd.OutOrStdout(), matchTable(cat, ranked))
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey == "" && EngineOptions.RuntimeFactory == nil && EngineOptions.Deciders == nil {
		return fmt.Errorf("API key not set. Run 'leasebroker onboard' or set LEASEBROKER_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.NewWithOptions(cfg, EngineOptions)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Catalog.Path), 0755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	writeIfNotExists(out, cfg.Catalog.Path, sampleCatalog)

	bookPath := filepath.Join(cfg.Playbooks.Dir, "counter-offer", playbook.FileName)
	if err := os.MkdirAll(filepath.Dir(bookPath), 0755); err != nil {
		return fmt.Errorf("create playbooks dir: %w", err)
	}
	writeIfNotExists(out, bookPath, samplePlaybook)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set LEASEBROKER_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'leasebroker negotiate --all --dry-run' to try the sample catalog")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "Negotiation: max %d messages, summary at %d keeping %d, turn timeout %s\n",
		cfg.Negotiation.MaxMessages, cfg.Negotiation.SummaryTrigger, cfg.Negotiation.MessagesAfterSummary, cfg.Negotiation.TurnTimeout)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)
	if books, err := playbook.Load(cfg.Playbooks.Dir); err != nil {
		fmt.Fprintf(out, "Playbooks: error (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Playbooks: %d in %s (enabled=%v)\n", len(books), cfg.Playbooks.Dir, cfg.Playbooks.Enabled)
	}

	cat, err := market.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		fmt.Fprintf(out, "Catalog: not loaded (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Catalog: %d seekers, %d listings\n", len(cat.Seekers()), len(cat.Listings(market.ListingFilter{})))
	return nil
}

func openStore() (store.Store, error) {
	if EngineOptions.Store != nil {
		return EngineOptions.Store, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg)
}

func runSessions(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	states, err := st.List(cmd.Context(), session.Status(statusFlag))
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), sessionTable(states))
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	state, err := st.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("session %s not found", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), transcript(*state))
	return nil
}

// closeStore leaves injected stores open for the caller.
func closeStore(st store.Store) {
	if st != EngineOptions.Store {
		_ = st.Close()
	}
}

func cronService() *cron.Service {
	path := EngineOptions.CronStorePath
	if path == "" {
		path = gateway.CronStorePath()
	}
	return cron.NewService(path)
}

func runCronList(cmd *cobra.Command, args []string) error {
	jobs := cronService().ListJobs()
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs. The gateway adds its maintenance jobs on start.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), jobTable(jobs))
	return nil
}

func runCronAdd(cmd *cobra.Command, args []string) error {
	var schedule cron.Schedule
	switch {
	case cronExpr != "" && cronEvery > 0:
		return fmt.Errorf("pass only one of --cron and --every")
	case cronExpr != "":
		schedule = cron.Schedule{Kind: cron.KindCron, Expr: cronExpr}
	case cronEvery > 0:
		schedule = cron.Schedule{Kind: cron.KindEvery, EveryMs: cronEvery.Milliseconds()}
	default:
		return fmt.Errorf("pass --cron or --every")
	}

	payload := cron.Payload{Action: cron.ActionNegotiateAll, Channel: cronChannel, To: cronTo}
	if cronSeeker != "" {
		payload.Action = cron.ActionNegotiate
		payload.SeekerID = cronSeeker
	}

	job, err := cronService().AddJob(args[0], schedule, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s)\n", job.ID, job.Schedule)
	return nil
}

func runCronRemove(cmd *cobra.Command, args []string) error {
	if err := cronService().RemoveJob(args[0]); err != nil {
		if errors.Is(err, cron.ErrInternalJob) {
			return fmt.Errorf("%s is managed by the gateway; change its schedule in config", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
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
	}
	return "set"
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[len(id)-10:]
	}
	return id
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

func transcript(st session.State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %s", st.ID, statusStyle(st.Status).Render(string(st.Status)))
	if st.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", st.Reason)
	}
	fmt.Fprintf(&sb, "\nseeker %s  listing %s  owner %s  score %.0f  %d messages\n",
		st.SeekerID, st.ListingID, st.OwnerID, st.MatchScore, st.Len())
	for _, r := range st.MatchReasons {
		fmt.Fprintf(&sb, "  + %s\n", r)
	}
	sb.WriteString("\n")
	for _, m := range st.Messages {
		label := string(m.Role)
		if m.Summary {
			label = fmt.Sprintf("summary of %d", m.Covers)
		}
		fmt.Fprintf(&sb, "%s %s\n", roleStyle.Render(fmt.Sprintf("[%d %s]", m.Seq, label)), m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
