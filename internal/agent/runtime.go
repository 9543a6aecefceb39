package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/leasebroker/internal/config"
	"github.com/stellarlinkco/leasebroker/internal/playbook"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

// Runtime interface for agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime interface
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime for one negotiating role.
type RuntimeFactory func(cfg *config.Config, role session.Role) (Runtime, error)

// DefaultRuntimeFactory creates the default agentsdk-go runtime
func DefaultRuntimeFactory(cfg *config.Config, role session.Role) (Runtime, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'leasebroker onboard' or set LEASEBROKER_API_KEY / ANTHROPIC_API_KEY")
	}

	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	var books []api.SkillRegistration
	if cfg.Playbooks.Enabled {
		regs, err := playbook.ForRole(cfg.Playbooks.Dir, role)
		if err != nil {
			return nil, fmt.Errorf("load %s playbooks: %w", role, err)
		}
		if len(regs) > 0 {
			log.Printf("[agent] %s: %d playbooks loaded from %s", role, len(regs), cfg.Playbooks.Dir)
		}
		books = regs
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.Agent.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  SystemPrompt(role),
		MaxIterations: cfg.Agent.MaxToolIterations,
		Skills:        books,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s runtime: %w", role, err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// RuntimeDecider asks an agent runtime for the next utterance. Transient
// runtime failures are retried with exponential backoff before giving up.
type RuntimeDecider struct {
	rt          Runtime
	maxTries    uint
	initialWait time.Duration
}

func NewRuntimeDecider(rt Runtime, maxTries int) *RuntimeDecider {
	if maxTries <= 0 {
		maxTries = config.DefaultDecideMaxTries
	}
	return &RuntimeDecider{rt: rt, maxTries: uint(maxTries), initialWait: 500 * time.Millisecond}
}

func (d *RuntimeDecider) Decide(ctx context.Context, c Context) (session.Message, error) {
	req := api.Request{
		Prompt:    BuildPrompt(c),
		SessionID: c.State.ID + ":" + string(c.Role),
		Tags: map[string]string{
			"session": c.State.ID,
			"role":    string(c.Role),
		},
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.initialWait

	attempt := 0
	output, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		resp, err := d.rt.Run(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			log.Printf("[agent] %s decide attempt %d for %s failed: %v", c.Role, attempt, c.State.ID, err)
			return "", err
		}
		if resp == nil || resp.Result == nil || strings.TrimSpace(resp.Result.Output) == "" {
			return "", backoff.Permanent(ErrEmptyReply)
		}
		return strings.TrimSpace(resp.Result.Output), nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(d.maxTries))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return session.Message{}, err
		}
		return session.Message{}, fmt.Errorf("%s decide: %w", c.Role, err)
	}
	return session.Message{Role: c.Role, Content: output}, nil
}

// Close releases the underlying runtime.
func (d *RuntimeDecider) Close() {
	if d.rt != nil {
		d.rt.Close()
	}
}
