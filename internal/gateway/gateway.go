package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stellarlinkco/leasebroker/internal/agent"
	"github.com/stellarlinkco/leasebroker/internal/bus"
	"github.com/stellarlinkco/leasebroker/internal/channel"
	"github.com/stellarlinkco/leasebroker/internal/compaction"
	"github.com/stellarlinkco/leasebroker/internal/config"
	"github.com/stellarlinkco/leasebroker/internal/cron"
	"github.com/stellarlinkco/leasebroker/internal/market"
	"github.com/stellarlinkco/leasebroker/internal/negotiation"
	"github.com/stellarlinkco/leasebroker/internal/session"
	"github.com/stellarlinkco/leasebroker/internal/store"
)

const (
	sweepJobID = cron.InternalPrefix + "negotiate:sweep"
	statsJobID = cron.InternalPrefix + "stats:report"
	pruneJobID = cron.InternalPrefix + "store:prune"
)

// Options for creating a Gateway. Zero fields are built from config.
type Options struct {
	RuntimeFactory agent.RuntimeFactory
	// Deciders replaces the runtime-backed deciders entirely.
	Deciders      *agent.Pair
	Summarizer    compaction.Summarizer
	Catalog       market.Catalog
	Store         store.Store
	CronStorePath string
	SignalChan    chan os.Signal // for testing
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	engine     *Engine
	manager    *negotiation.Manager
	store      store.Store
	channels   *channel.ChannelManager
	cron       *cron.Service
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	engine, err := NewEngine(cfg, opts)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		engine:     engine,
		manager:    engine.Manager,
		store:      engine.Store,
		signalChan: opts.SignalChan,
	}

	g.manager.Subscribe(func(sessionID string, role session.Role, content string, snap session.State) error {
		ev := bus.MessageEvent(role, content, snap)
		if !g.bus.Publish(bus.OutboundMessage{Event: &ev}) {
			return fmt.Errorf("outbound queue full")
		}
		return nil
	})
	g.manager.OnFinished(func(final session.State) {
		ev := bus.OutcomeEvent(final)
		g.bus.Publish(bus.OutboundMessage{Event: &ev})
	})

	cronStorePath := opts.CronStorePath
	if cronStorePath == "" {
		cronStorePath = CronStorePath()
	}
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = g.runJob

	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr
	if ch, ok := chMgr.Get("webui"); ok {
		if web, ok := ch.(*channel.WebUIChannel); ok {
			web.SetStatusFunc(func() any { return g.manager.Stats() })
		}
	}

	return g, nil
}

// CronStorePath is where scheduled jobs are persisted.
func CronStorePath() string {
	return filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
}

// Manager exposes the negotiation registry.
func (g *Gateway) Manager() *negotiation.Manager { return g.manager }

func (g *Gateway) ensureInternalJobs() error {
	jobs := []struct {
		id, name, expr string
		action         string
	}{
		{sweepJobID, "negotiation sweep", g.cfg.Cron.Sweep, cron.ActionNegotiateAll},
		{statsJobID, "stats report", g.cfg.Cron.Stats, cron.ActionStats},
		{pruneJobID, "checkpoint prune", g.cfg.Cron.Prune, cron.ActionPrune},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		if err := g.cron.EnsureJob(j.id, j.name, cron.Schedule{Kind: cron.KindCron, Expr: j.expr}, cron.Payload{Action: j.action}); err != nil {
			return fmt.Errorf("%s: %w", j.name, err)
		}
	}
	return nil
}

// runJob executes one fired cron job. Results are delivered to the job's
// channel when it names one.
func (g *Gateway) runJob(ctx context.Context, job cron.CronJob) (string, error) {
	var (
		result string
		err    error
	)
	switch job.Payload.Action {
	case cron.ActionNegotiateAll:
		ids, sweepErr := g.manager.NegotiateAll(ctx)
		if sweepErr != nil {
			log.Printf("[gateway] sweep: %v", sweepErr)
		}
		result = fmt.Sprintf("started %d negotiations", len(ids))
	case cron.ActionNegotiate:
		var id string
		if id, err = g.manager.Negotiate(ctx, job.Payload.SeekerID); err == nil {
			result = "started " + id
		}
	case cron.ActionStats:
		result = formatStats(g.manager.Stats())
		log.Printf("[gateway] stats: %s", result)
	case cron.ActionPrune:
		days := g.cfg.Cron.PruneAfterDays
		if days <= 0 {
			days = config.DefaultPruneAfterDays
		}
		var n int
		if n, err = g.store.Prune(ctx, time.Now().AddDate(0, 0, -days)); err == nil {
			result = fmt.Sprintf("pruned %d checkpoints", n)
		}
	default:
		err = fmt.Errorf("unknown job action %q", job.Payload.Action)
	}
	if err != nil {
		return "", err
	}

	if job.Payload.Channel != "" {
		g.bus.Publish(bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: fmt.Sprintf("[%s] %s", job.Name, result),
		})
	}
	return result, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureInternalJobs(); err != nil {
		log.Printf("[gateway] ensure internal jobs warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// processLoop answers inbound operator commands on the channel they came
// from.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] command from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			reply := g.handleCommand(ctx, msg.Content)
			if reply == "" {
				continue
			}
			g.bus.Publish(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: reply,
			})
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops scheduling, cancels running negotiations, waits for their
// final checkpoints and releases resources.
func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	g.manager.CancelAll()
	g.manager.Wait()
	_ = g.channels.StopAll()
	g.engine.Close()
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
