// Package termination decides when a negotiation must end. The decision is
// purely lexical: it looks only at the message log and a phrase table, so
// identical logs always produce identical decisions.
package termination

import (
	"fmt"

	"github.com/stellarlinkco/leasebroker/internal/session"
)

const (
	DefaultMaxMessages = 50
	minMessages        = 3
	declineWindow      = 3
	declineQuorum      = 2
)

// Decision is the classifier verdict for one log.
type Decision struct {
	Stop   bool
	Reason string
	// Failed marks a stop caused by an internal evaluation error.
	Failed bool
}

type Classifier struct {
	phrases     PhraseTable
	maxMessages int
	match       func(text string, phrases []string) bool
}

// New builds a classifier. maxMessages <= 0 selects DefaultMaxMessages.
func New(phrases PhraseTable, maxMessages int) *Classifier {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Classifier{
		phrases:     phrases.normalized(),
		maxMessages: maxMessages,
		match:       containsAny,
	}
}

func (c *Classifier) MaxMessages() int { return c.maxMessages }

// Evaluate applies the stop rules in order. A panic inside any rule ends the
// negotiation rather than leaving it running.
func (c *Classifier) Evaluate(msgs []session.Message) (d Decision) {
	defer func() {
		if p := recover(); p != nil {
			d = Decision{Stop: true, Reason: fmt.Sprintf("%s: %v", session.ReasonClassifierError, p), Failed: true}
		}
	}()

	total := session.LogicalLen(msgs)
	if total > c.maxMessages {
		return Decision{Stop: true, Reason: session.ReasonMaxTurns}
	}
	if total < minMessages {
		return Decision{}
	}

	start := len(msgs) - declineWindow
	if start < 0 {
		start = 0
	}
	declines := 0
	for _, m := range msgs[start:] {
		if c.declines(m) {
			declines++
		}
	}
	if declines >= declineQuorum {
		return Decision{Stop: true, Reason: session.ReasonMutualRejection}
	}

	for i := 0; i+1 < len(msgs); i++ {
		if c.declines(msgs[i]) && c.acknowledges(msgs[i+1]) {
			return Decision{Stop: true, Reason: session.ReasonRejectionAcknowledged}
		}
	}
	return Decision{}
}

// summaries are paraphrase, not utterances, and never count as cues
func (c *Classifier) declines(m session.Message) bool {
	return !m.Summary && c.match(m.Content, c.phrases.Decline)
}

func (c *Classifier) acknowledges(m session.Message) bool {
	return !m.Summary && c.match(m.Content, c.phrases.Acknowledge)
}
