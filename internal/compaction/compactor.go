package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/leasebroker/internal/session"
)

const (
	DefaultSummaryTrigger       = 30
	DefaultMessagesAfterSummary = 5
)

var ErrSummaryFailed = errors.New("summary failed")

// Summarizer condenses a run of messages into prose.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []session.Message) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, msgs []session.Message) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, msgs []session.Message) (string, error) {
	return f(ctx, msgs)
}

type Config struct {
	SummaryTrigger       int
	MessagesAfterSummary int
}

// Result describes a compaction outcome. When Compacted is false Messages
// is the input unchanged.
type Result struct {
	Compacted bool
	Summary   session.Message
	Tail      []session.Message
	Messages  []session.Message
}

type Compactor struct {
	summarizer Summarizer
	trigger    int
	keep       int
	now        func() time.Time
}

func New(s Summarizer, cfg Config) *Compactor {
	c := &Compactor{
		summarizer: s,
		trigger:    cfg.SummaryTrigger,
		keep:       cfg.MessagesAfterSummary,
		now:        time.Now,
	}
	if c.trigger <= 0 {
		c.trigger = DefaultSummaryTrigger
	}
	if c.keep <= 0 {
		c.keep = DefaultMessagesAfterSummary
	}
	if c.keep >= c.trigger {
		c.keep = c.trigger - 1
	}
	return c
}

// Needed reports whether msgs is over the trigger.
func (c *Compactor) Needed(msgs []session.Message) bool {
	return len(msgs) > c.trigger
}

// Compact folds everything but the trailing window into one summary entry.
// An earlier summary entry is folded in like any other message.
func (c *Compactor) Compact(ctx context.Context, msgs []session.Message) (Result, error) {
	if !c.Needed(msgs) {
		return Result{Messages: msgs}, nil
	}
	if c.summarizer == nil {
		return Result{}, fmt.Errorf("%w: no summarizer configured", ErrSummaryFailed)
	}

	split := len(msgs) - c.keep
	head := msgs[:split]
	tail := append([]session.Message(nil), msgs[split:]...)

	text, err := c.summarizer.Summarize(ctx, head)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSummaryFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty summary", ErrSummaryFailed)
	}

	summary := session.Message{
		Role:      session.RoleSystem,
		Content:   text,
		Seq:       head[0].Seq,
		Timestamp: c.now(),
		Summary:   true,
		Covers:    session.LogicalLen(head),
	}
	out := make([]session.Message, 0, len(tail)+1)
	out = append(out, summary)
	out = append(out, tail...)
	return Result{Compacted: true, Summary: summary, Tail: tail, Messages: out}, nil
}

// Apply compacts the live session log when it is over the trigger.
func (c *Compactor) Apply(ctx context.Context, s *session.Session) (bool, error) {
	res, err := c.Compact(ctx, s.Messages())
	if err != nil || !res.Compacted {
		return false, err
	}
	if err := s.Compact(res.Summary, res.Tail); err != nil {
		return false, fmt.Errorf("apply compaction: %w", err)
	}
	return true, nil
}
