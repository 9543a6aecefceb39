package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSeeker Role = "seeker"
	RoleOwner  Role = "owner"
	RoleSystem Role = "system"
)

// Other returns the negotiating counterpart. System has no counterpart.
func (r Role) Other() Role {
	switch r {
	case RoleSeeker:
		return RoleOwner
	case RoleOwner:
		return RoleSeeker
	}
	return r
}

func (r Role) valid() bool {
	return r == RoleSeeker || r == RoleOwner || r == RoleSystem
}

// Status is the lifecycle position of a negotiation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Termination reasons.
const (
	ReasonMaxTurns              = "max_turns_reached"
	ReasonMutualRejection       = "mutual_rejection"
	ReasonRejectionAcknowledged = "rejection_acknowledged"
	ReasonManuallyCancelled     = "manually_cancelled"
	ReasonClassifierError       = "classifier_error"
	ReasonCompactionFailed      = "compaction_failed"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrFrozen            = errors.New("session is terminal")
	ErrInvalidState      = errors.New("invalid session state")
)

// Message is one entry of the negotiation log. Summary entries fold Covers
// earlier raw messages into Content.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Summary   bool      `json:"summary,omitempty"`
	Covers    int       `json:"covers,omitempty"`
}

// Weight is the number of raw messages this entry stands for.
func (m Message) Weight() int {
	if m.Summary && m.Covers > 0 {
		return m.Covers
	}
	return 1
}

// LogicalLen counts raw messages, expanding summary entries.
func LogicalLen(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += m.Weight()
	}
	return n
}

// Core holds the fields every negotiation must carry.
type Core struct {
	ID        string    `json:"id"`
	SeekerID  string    `json:"seeker_id"`
	OwnerID   string    `json:"owner_id"`
	ListingID string    `json:"listing_id"`
	Status    Status    `json:"status"`
	Turn      Role      `json:"turn,omitempty"`
	Messages  []Message `json:"messages"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Extension holds the optional match metadata and running summary.
type Extension struct {
	MatchScore   float64  `json:"match_score"`
	MatchReasons []string `json:"match_reasons,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

// State is a complete negotiation record. Construct with NewState.
type State struct {
	Core
	Extension
}

// NewState validates core and ext once and composes them.
func NewState(core Core, ext Extension) (State, error) {
	st := State{Core: core, Extension: ext}
	if st.Status == "" {
		st.Status = StatusPending
	}
	if err := st.Validate(); err != nil {
		return State{}, err
	}
	return st, nil
}

// Validate checks the structural invariants of a state.
func (st State) Validate() error {
	var problems []string
	if strings.TrimSpace(st.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(st.SeekerID) == "" {
		problems = append(problems, "seeker id is required")
	}
	if strings.TrimSpace(st.OwnerID) == "" {
		problems = append(problems, "owner id is required")
	}
	if strings.TrimSpace(st.ListingID) == "" {
		problems = append(problems, "listing id is required")
	}
	if !st.Status.valid() {
		problems = append(problems, fmt.Sprintf("unknown status %q", st.Status))
	}
	if st.Status == StatusActive && st.Turn != RoleSeeker && st.Turn != RoleOwner {
		problems = append(problems, "active session needs a seeker or owner turn holder")
	}
	if st.MatchScore < 0 || st.MatchScore > 100 {
		problems = append(problems, fmt.Sprintf("match score %.2f outside [0,100]", st.MatchScore))
	}
	for i, m := range st.Messages {
		if !m.Role.valid() {
			problems = append(problems, fmt.Sprintf("message %d has unknown role %q", i, m.Role))
		}
		if i > 0 && m.Seq <= st.Messages[i-1].Seq {
			problems = append(problems, fmt.Sprintf("message %d out of order", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidState, strings.Join(problems, "; "))
	}
	return nil
}

// Len is the logical message count (summaries expanded).
func (st State) Len() int {
	return LogicalLen(st.Messages)
}

// NextSpeaker is the counterpart of the last seeker or owner message. It is
// empty when neither party has spoken.
func (st State) NextSpeaker() Role {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if r := st.Messages[i].Role; r == RoleSeeker || r == RoleOwner {
			return r.Other()
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand to other goroutines.
func (st State) Clone() State {
	out := st
	if st.Messages != nil {
		out.Messages = append([]Message(nil), st.Messages...)
	}
	if st.MatchReasons != nil {
		out.MatchReasons = append([]string(nil), st.MatchReasons...)
	}
	return out
}

// Transcript renders messages as "role: content" lines.
func Transcript(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Summary {
			sb.WriteString("[summary] ")
		} else {
			sb.WriteString(string(m.Role))
			sb.WriteString(": ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
