// Package scheduler drives one negotiation turn by turn until it terminates.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/stellarlinkco/leasebroker/internal/agent"
	"github.com/stellarlinkco/leasebroker/internal/compaction"
	"github.com/stellarlinkco/leasebroker/internal/market"
	"github.com/stellarlinkco/leasebroker/internal/session"
	"github.com/stellarlinkco/leasebroker/internal/termination"
)

const eventBuffer = 16

var ErrAlreadyStarted = errors.New("scheduler already started")

// Event is emitted once per message appended to the session log.
type Event struct {
	SessionID string
	Message   session.Message
	// Snapshot is taken after the turn has passed, so Snapshot.Turn is the
	// role expected to speak next.
	Snapshot session.State
}

type Options struct {
	Deciders   agent.Pair
	Classifier *termination.Classifier
	// Compactor may be nil, in which case the log is never compacted.
	Compactor *compaction.Compactor

	Seeker  market.SeekerProfile
	Owner   market.OwnerProfile
	Listing market.ListingProfile

	// TurnTimeout bounds a single Decide call. Zero means no bound.
	TurnTimeout time.Duration
}

type Scheduler struct {
	sess    *session.Session
	opts    Options
	started atomic.Bool
}

func New(sess *session.Session, opts Options) *Scheduler {
	if opts.Classifier == nil {
		opts.Classifier = termination.New(termination.DefaultPhrases(), 0)
	}
	return &Scheduler{sess: sess, opts: opts}
}

// Session returns the session being driven.
func (s *Scheduler) Session() *session.Session {
	return s.sess
}

// Run activates the session and starts the turn loop in its own goroutine.
// The returned channel is closed once the session is terminal. A reader may
// stop reading after cancelling ctx; the loop still finishes the session.
func (s *Scheduler) Run(ctx context.Context) (<-chan Event, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	if err := s.sess.Activate(session.RoleSeeker); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.sess.ID(), err)
	}

	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		s.loop(ctx, events)
	}()
	return events, nil
}

func (s *Scheduler) loop(ctx context.Context, events chan<- Event) {
	id := s.sess.ID()

	if len(s.sess.Messages()) == 0 {
		opening := agent.OpeningMessage(s.opts.Seeker, s.opts.Owner, s.opts.Listing, s.sess.Snapshot().MatchScore)
		if !s.append(ctx, session.RoleSystem, opening, events) {
			return
		}
	}

	for {
		if ctx.Err() != nil {
			s.finish(session.StatusCancelled, session.ReasonManuallyCancelled)
			return
		}

		role := s.sess.Turn()
		content, err := s.decide(ctx, role)
		if err != nil {
			if ctx.Err() != nil {
				s.finish(session.StatusCancelled, session.ReasonManuallyCancelled)
				return
			}
			log.Printf("[scheduler] %s: %s decide failed: %v", id, role, err)
			s.finish(session.StatusError, err.Error())
			return
		}
		if !s.append(ctx, role, content, events) {
			return
		}

		verdict := s.opts.Classifier.Evaluate(s.sess.Messages())
		if verdict.Stop {
			if verdict.Failed {
				s.finish(session.StatusError, verdict.Reason)
			} else {
				s.finish(session.StatusCompleted, verdict.Reason)
			}
			return
		}

		if s.opts.Compactor != nil {
			compacted, err := s.opts.Compactor.Apply(ctx, s.sess)
			if err != nil {
				if ctx.Err() != nil {
					s.finish(session.StatusCancelled, session.ReasonManuallyCancelled)
					return
				}
				log.Printf("[scheduler] %s: compaction failed: %v", id, err)
				s.finish(session.StatusError, fmt.Sprintf("%s: %v", session.ReasonCompactionFailed, err))
				return
			}
			if compacted {
				log.Printf("[scheduler] %s: compacted log to %d entries", id, len(s.sess.Messages()))
			}
		}
	}
}

func (s *Scheduler) decide(ctx context.Context, role session.Role) (string, error) {
	d := s.opts.Deciders.For(role)
	if d == nil {
		return "", fmt.Errorf("no decider for %s", role)
	}

	turnCtx := ctx
	if s.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, s.opts.TurnTimeout)
		defer cancel()
	}

	msg, err := d.Decide(turnCtx, agent.Context{
		Role:    role,
		State:   s.sess.Snapshot(),
		Seeker:  s.opts.Seeker,
		Owner:   s.opts.Owner,
		Listing: s.opts.Listing,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%s turn timed out after %s", role, s.opts.TurnTimeout)
		}
		return "", err
	}
	if msg.Content == "" {
		return "", fmt.Errorf("%s decide: %w", role, agent.ErrEmptyReply)
	}
	return msg.Content, nil
}

// append writes one message, hands the turn to the counterpart when a party
// spoke, and emits it. The event snapshot therefore names the next speaker.
// It reports false when the loop must end.
func (s *Scheduler) append(ctx context.Context, role session.Role, content string, events chan<- Event) bool {
	msg, err := s.sess.Append(role, content)
	if err != nil {
		log.Printf("[scheduler] %s: append: %v", s.sess.ID(), err)
		s.finish(session.StatusError, err.Error())
		return false
	}
	if role != session.RoleSystem {
		if err := s.sess.FlipTurn(); err != nil {
			log.Printf("[scheduler] %s: flip turn: %v", s.sess.ID(), err)
			s.finish(session.StatusError, err.Error())
			return false
		}
	}

	ev := Event{SessionID: s.sess.ID(), Message: msg, Snapshot: s.sess.Snapshot()}
	select {
	case events <- ev:
		return true
	default:
	}
	// Buffer full: wait for the reader unless the run is cancelled.
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		s.finish(session.StatusCancelled, session.ReasonManuallyCancelled)
		return false
	}
}

func (s *Scheduler) finish(status session.Status, reason string) {
	if err := s.sess.Finish(status, reason); err != nil {
		log.Printf("[scheduler] %s: %v", s.sess.ID(), err)
		return
	}
	log.Printf("[scheduler] %s: %s (%s) after %d messages", s.sess.ID(), status, reason, s.sess.Snapshot().Len())
}
