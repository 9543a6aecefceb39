package bus

import (
	"time"

	"github.com/stellarlinkco/leasebroker/internal/session"
)

// InboundMessage is an operator command received on a channel, e.g.
// "/negotiate s1" typed into Telegram.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
}

// OutboundMessage goes to one channel (Channel set) or to every subscribed
// channel (Channel empty). Event carries negotiation traffic; Content carries
// plain command replies.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Event   *NegotiationEvent
}

// NegotiationEvent is the wire form of one negotiation update.
type NegotiationEvent struct {
	SessionID string         `json:"session_id"`
	SeekerID  string         `json:"seeker_id"`
	OwnerID   string         `json:"owner_id"`
	ListingID string         `json:"listing_id"`
	Role      session.Role   `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	Seq       int            `json:"seq,omitempty"`
	Status    session.Status `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Score     float64        `json:"score"`
	Messages  int            `json:"messages"`
	Timestamp time.Time      `json:"timestamp"`
}

// Final reports whether the event closes its negotiation.
func (e NegotiationEvent) Final() bool {
	return e.Status.Terminal()
}

// MessageEvent builds the event for one appended message.
func MessageEvent(role session.Role, content string, snap session.State) NegotiationEvent {
	ev := baseEvent(snap)
	ev.Role = role
	ev.Content = content
	if n := len(snap.Messages); n > 0 {
		ev.Seq = snap.Messages[n-1].Seq
		ev.Timestamp = snap.Messages[n-1].Timestamp
	}
	return ev
}

// OutcomeEvent builds the closing event of a terminated negotiation.
func OutcomeEvent(snap session.State) NegotiationEvent {
	ev := baseEvent(snap)
	ev.Timestamp = snap.UpdatedAt
	return ev
}

func baseEvent(snap session.State) NegotiationEvent {
	return NegotiationEvent{
		SessionID: snap.ID,
		SeekerID:  snap.SeekerID,
		OwnerID:   snap.OwnerID,
		ListingID: snap.ListingID,
		Status:    snap.Status,
		Reason:    snap.Reason,
		Score:     snap.MatchScore,
		Messages:  snap.Len(),
	}
}
