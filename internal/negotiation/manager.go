// Package negotiation owns the registry of running negotiations: it matches
// seekers to listings, launches one scheduler per session, checkpoints every
// event and fans messages out to observers.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/stellarlinkco/leasebroker/internal/agent"
	"github.com/stellarlinkco/leasebroker/internal/compaction"
	"github.com/stellarlinkco/leasebroker/internal/market"
	"github.com/stellarlinkco/leasebroker/internal/matching"
	"github.com/stellarlinkco/leasebroker/internal/scheduler"
	"github.com/stellarlinkco/leasebroker/internal/session"
	"github.com/stellarlinkco/leasebroker/internal/store"
	"github.com/stellarlinkco/leasebroker/internal/termination"
)

const checkpointTimeout = 10 * time.Second

var (
	ErrNoMatch            = errors.New("no matching listing")
	ErrAlreadyNegotiating = errors.New("seeker already negotiating")
	ErrNotFound           = errors.New("negotiation not found")
)

// Observer receives every appended message. A returned error is logged and
// never affects the negotiation.
type Observer func(sessionID string, role session.Role, content string, snap session.State) error

type Options struct {
	Catalog  market.Catalog
	Deciders agent.Pair
	// Engine, Classifier and Store fall back to defaults when nil.
	Engine      *matching.Engine
	Classifier  *termination.Classifier
	Compactor   *compaction.Compactor
	Store       store.Store
	TurnTimeout time.Duration
	NewID       func() string
}

type entry struct {
	sess     *session.Session
	seekerID string
	cancel   context.CancelFunc
}

type finishedRecord struct {
	seekerID string
	status   session.Status
	messages int
	score    float64
}

type Manager struct {
	opts Options

	mu        sync.Mutex
	active    map[string]*entry
	finished  map[string]finishedRecord
	observers []Observer
	onFinish  []func(session.State)

	wg sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Engine == nil {
		opts.Engine = matching.NewEngine()
	}
	if opts.Classifier == nil {
		opts.Classifier = termination.New(termination.DefaultPhrases(), 0)
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return ulid.Make().String() }
	}
	return &Manager{
		opts:     opts,
		active:   make(map[string]*entry),
		finished: make(map[string]finishedRecord),
	}
}

// Subscribe registers an observer for all sessions started afterwards and
// those already running.
func (m *Manager) Subscribe(obs Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, obs)
	m.mu.Unlock()
}

// OnFinished registers fn to receive the final state of every session after
// its last checkpoint.
func (m *Manager) OnFinished(fn func(session.State)) {
	m.mu.Lock()
	m.onFinish = append(m.onFinish, fn)
	m.mu.Unlock()
}

// Negotiate matches the seeker to its best listing and starts a session.
func (m *Manager) Negotiate(ctx context.Context, seekerID string) (string, error) {
	seeker, err := m.opts.Catalog.Seeker(seekerID)
	if err != nil {
		return "", fmt.Errorf("negotiate %s: %w", seekerID, err)
	}
	if m.seekerActive(seekerID) {
		return "", fmt.Errorf("negotiate %s: %w", seekerID, ErrAlreadyNegotiating)
	}

	listings := m.opts.Catalog.Listings(market.ListingFilter{})
	best, ok := m.opts.Engine.Best(seeker, listings)
	if !ok {
		return "", fmt.Errorf("negotiate %s: %w", seekerID, ErrNoMatch)
	}
	listing, err := m.opts.Catalog.Listing(best.ListingID)
	if err != nil {
		return "", fmt.Errorf("negotiate %s: %w", seekerID, err)
	}
	owner := m.ownerFor(listing)

	now := time.Now()
	st, err := session.NewState(session.Core{
		ID:        m.opts.NewID(),
		SeekerID:  seeker.ID,
		OwnerID:   owner.ID,
		ListingID: listing.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}, session.Extension{
		MatchScore:   best.Score,
		MatchReasons: best.Reasons,
	})
	if err != nil {
		return "", fmt.Errorf("negotiate %s: %w", seekerID, err)
	}

	sess := session.New(st)
	if err := m.launch(ctx, sess, seeker, owner, listing); err != nil {
		return "", err
	}
	log.Printf("[negotiation] %s: seeker %s matched listing %s (score %.0f)", st.ID, seeker.ID, listing.ID, best.Score)
	return st.ID, nil
}

// NegotiateAll starts a session for every catalog seeker that has neither a
// running nor a finished negotiation in this process.
func (m *Manager) NegotiateAll(ctx context.Context) ([]string, error) {
	var ids []string
	var errs []error
	for _, seeker := range m.opts.Catalog.Seekers() {
		if m.seekerSeen(seeker.ID) {
			continue
		}
		id, err := m.Negotiate(ctx, seeker.ID)
		if err != nil {
			if errors.Is(err, ErrAlreadyNegotiating) {
				continue
			}
			log.Printf("[negotiation] seeker %s: %v", seeker.ID, err)
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// Resume reloads a checkpoint and runs it from the next turn holder: the
// counterpart of whoever spoke last.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	_, running := m.active[id]
	m.mu.Unlock()
	if running {
		return fmt.Errorf("resume %s: %w", id, ErrAlreadyNegotiating)
	}

	st, err := m.opts.Store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	if st == nil {
		return fmt.Errorf("resume %s: %w", id, ErrNotFound)
	}
	if st.Status.Terminal() {
		return fmt.Errorf("resume %s (%s): %w", id, st.Status, session.ErrFrozen)
	}
	if err := st.Validate(); err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	if next := st.NextSpeaker(); next != "" && next != st.Turn {
		log.Printf("[negotiation] %s: stored turn %s follows a %s message, resuming with %s", id, st.Turn, next.Other(), next)
		st.Turn = next
	}

	seeker, err := m.opts.Catalog.Seeker(st.SeekerID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	listing, err := m.opts.Catalog.Listing(st.ListingID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	owner := m.ownerFor(listing)

	if err := m.launch(ctx, session.New(*st), seeker, owner, listing); err != nil {
		return err
	}
	log.Printf("[negotiation] %s: resumed at %d messages, %s to speak", id, st.Len(), st.Turn)
	return nil
}

func (m *Manager) ownerFor(listing market.ListingProfile) market.OwnerProfile {
	owner, err := m.opts.Catalog.Owner(listing.OwnerID)
	if err != nil {
		log.Printf("[negotiation] listing %s: owner %s: %v", listing.ID, listing.OwnerID, err)
		return market.OwnerProfile{ID: listing.OwnerID}
	}
	return owner
}

// launch registers sess and starts its scheduler. Registration and the
// per-seeker uniqueness check happen under one lock.
func (m *Manager) launch(ctx context.Context, sess *session.Session, seeker market.SeekerProfile, owner market.OwnerProfile, listing market.ListingProfile) error {
	id := sess.ID()
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	for _, e := range m.active {
		if e.seekerID == seeker.ID {
			m.mu.Unlock()
			cancel()
			return fmt.Errorf("negotiate %s: %w", seeker.ID, ErrAlreadyNegotiating)
		}
	}
	m.active[id] = &entry{sess: sess, seekerID: seeker.ID, cancel: cancel}
	m.mu.Unlock()

	sched := scheduler.New(sess, scheduler.Options{
		Deciders:    m.opts.Deciders,
		Classifier:  m.opts.Classifier,
		Compactor:   m.opts.Compactor,
		Seeker:      seeker,
		Owner:       owner,
		Listing:     listing,
		TurnTimeout: m.opts.TurnTimeout,
	})
	events, err := sched.Run(runCtx)
	if err != nil {
		cancel()
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		return fmt.Errorf("launch %s: %w", id, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.consume(sess, seeker.ID, events)
	}()
	return nil
}

func (m *Manager) consume(sess *session.Session, seekerID string, events <-chan scheduler.Event) {
	id := sess.ID()
	for ev := range events {
		m.checkpoint(id, ev.Snapshot)
		m.notify(ev)
	}

	final := sess.Snapshot()
	m.checkpoint(id, final)

	m.mu.Lock()
	delete(m.active, id)
	m.finished[id] = finishedRecord{
		seekerID: seekerID,
		status:   final.Status,
		messages: final.Len(),
		score:    final.MatchScore,
	}
	hooks := slices.Clone(m.onFinish)
	m.mu.Unlock()
	log.Printf("[negotiation] %s: finished %s (%s)", id, final.Status, final.Reason)

	for _, fn := range hooks {
		fn(final)
	}
}

func (m *Manager) checkpoint(id string, st session.State) {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := m.opts.Store.Save(ctx, id, st); err != nil {
		log.Printf("[negotiation] %s: checkpoint: %v", id, err)
	}
}

func (m *Manager) notify(ev scheduler.Event) {
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, obs := range observers {
		m.callObserver(obs, ev)
	}
}

func (m *Manager) callObserver(obs Observer, ev scheduler.Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[negotiation] %s: observer panic: %v", ev.SessionID, p)
		}
	}()
	if err := obs(ev.SessionID, ev.Message.Role, ev.Message.Content, ev.Snapshot); err != nil {
		log.Printf("[negotiation] %s: observer: %v", ev.SessionID, err)
	}
}

// Cancel stops a running negotiation. The session ends as cancelled once its
// current turn returns.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	e, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	e.cancel()
	return nil
}

func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.active {
		e.cancel()
	}
}

// Wait blocks until every launched session has terminated and been
// checkpointed.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Get returns a running session's snapshot, or its checkpoint otherwise.
func (m *Manager) Get(ctx context.Context, id string) (session.State, bool, error) {
	m.mu.Lock()
	e, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		return e.sess.Snapshot(), true, nil
	}

	st, err := m.opts.Store.Load(ctx, id)
	if err != nil {
		return session.State{}, false, fmt.Errorf("get %s: %w", id, err)
	}
	if st == nil {
		return session.State{}, false, nil
	}
	return *st, true, nil
}

// ListActive returns snapshots of running sessions, oldest first.
func (m *Manager) ListActive() []session.State {
	m.mu.Lock()
	out := make([]session.State, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e.sess.Snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) seekerActive(seekerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.active {
		if e.seekerID == seekerID {
			return true
		}
	}
	return false
}

func (m *Manager) seekerSeen(seekerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.active {
		if e.seekerID == seekerID {
			return true
		}
	}
	for _, r := range m.finished {
		if r.seekerID == seekerID {
			return true
		}
	}
	return false
}
