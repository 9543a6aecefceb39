package gateway

import (
	"fmt"
	"log"
	"time"

	"github.com/stellarlinkco/leasebroker/internal/agent"
	"github.com/stellarlinkco/leasebroker/internal/compaction"
	"github.com/stellarlinkco/leasebroker/internal/config"
	"github.com/stellarlinkco/leasebroker/internal/market"
	"github.com/stellarlinkco/leasebroker/internal/negotiation"
	"github.com/stellarlinkco/leasebroker/internal/session"
	"github.com/stellarlinkco/leasebroker/internal/store"
	"github.com/stellarlinkco/leasebroker/internal/termination"
)

// Engine is the negotiation core assembled from config: catalog, checkpoint
// store and manager. The gateway adds channels and cron on top; the CLI
// uses it directly.
type Engine struct {
	Catalog market.Catalog
	Store   store.Store
	Manager *negotiation.Manager

	deciders []*agent.RuntimeDecider
}

// NewEngine wires an Engine from cfg. On error everything opened so far,
// including an injected store, is closed.
func NewEngine(cfg *config.Config, opts Options) (*Engine, error) {
	eng := &Engine{}
	ok := false
	defer func() {
		if !ok {
			eng.Close()
		}
	}()

	eng.Catalog = opts.Catalog
	if eng.Catalog == nil {
		cat, err := market.LoadCatalog(cfg.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		eng.Catalog = cat
	}

	eng.Store = opts.Store
	if eng.Store == nil {
		st, err := store.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		eng.Store = st
	}

	classifier, err := newClassifier(cfg)
	if err != nil {
		return nil, err
	}

	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = newSummarizer(cfg)
	}
	compactor := compaction.New(summarizer, compaction.Config{
		SummaryTrigger:       cfg.Negotiation.SummaryTrigger,
		MessagesAfterSummary: cfg.Negotiation.MessagesAfterSummary,
	})

	var pair agent.Pair
	if opts.Deciders != nil {
		pair = *opts.Deciders
	} else if pair, err = eng.buildDeciders(cfg, opts.RuntimeFactory); err != nil {
		return nil, fmt.Errorf("build deciders: %w", err)
	}

	turnTimeout, err := parseTimeout(cfg.Negotiation.TurnTimeout)
	if err != nil {
		return nil, err
	}

	eng.Manager = negotiation.NewManager(negotiation.Options{
		Catalog:     eng.Catalog,
		Deciders:    pair,
		Classifier:  classifier,
		Compactor:   compactor,
		Store:       eng.Store,
		TurnTimeout: turnTimeout,
	})
	ok = true
	return eng, nil
}

// Close releases the store and any agent runtimes. Running negotiations
// must be finished first. Close on a nil or partly built Engine is a no-op
// for the missing parts.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			log.Printf("[gateway] close store warning: %v", err)
		}
		e.Store = nil
	}
	for _, d := range e.deciders {
		if d != nil {
			d.Close()
		}
	}
	e.deciders = nil
}

func newClassifier(cfg *config.Config) (*termination.Classifier, error) {
	phrases := termination.DefaultPhrases()
	if path := cfg.Negotiation.PhrasesPath; path != "" {
		loaded, err := termination.LoadPhraseTable(path)
		if err != nil {
			return nil, fmt.Errorf("load phrase table: %w", err)
		}
		phrases = loaded
	}
	return termination.New(phrases, cfg.Negotiation.MaxMessages), nil
}

// newSummarizer prefers a model-backed summary and falls back to the
// deterministic digest when no key is configured.
func newSummarizer(cfg *config.Config) compaction.Summarizer {
	hasKey := cfg.Provider.APIKey != ""
	if cfg.Summary.Provider != nil && cfg.Summary.Provider.APIKey != "" {
		hasKey = true
	}
	if !hasKey {
		log.Printf("[gateway] no summary provider key, using digest summaries")
		return agent.DigestSummarizer{}
	}
	return agent.NewLLMSummarizer(cfg)
}

func (e *Engine) buildDeciders(cfg *config.Config, factory agent.RuntimeFactory) (agent.Pair, error) {
	if factory == nil {
		factory = agent.DefaultRuntimeFactory
	}
	var pair agent.Pair
	for _, role := range []session.Role{session.RoleSeeker, session.RoleOwner} {
		rt, err := factory(cfg, role)
		if err != nil {
			return agent.Pair{}, err
		}
		d := agent.NewRuntimeDecider(rt, cfg.Agent.MaxTries)
		e.deciders = append(e.deciders, d)
		if role == session.RoleSeeker {
			pair.Seeker = d
		} else {
			pair.Owner = d
		}
	}
	return pair, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse turn timeout %q: %w", s, err)
	}
	return d, nil
}
