package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stellarlinkco/leasebroker/internal/session"
)

// ScriptedDecider replays fixed lines, one per turn, per session. Lines may
// use {seeker}, {owner}, {listing}, {area}, {rent} and {offer} placeholders.
// After the script runs out the last line repeats.
type ScriptedDecider struct {
	lines []string

	mu   sync.Mutex
	next map[string]int
}

func NewScriptedDecider(lines ...string) *ScriptedDecider {
	return &ScriptedDecider{lines: lines, next: make(map[string]int)}
}

func (d *ScriptedDecider) Decide(ctx context.Context, c Context) (session.Message, error) {
	if err := ctx.Err(); err != nil {
		return session.Message{}, err
	}
	if len(d.lines) == 0 {
		return session.Message{}, ErrEmptyReply
	}

	d.mu.Lock()
	i := d.next[c.State.ID]
	d.next[c.State.ID] = i + 1
	d.mu.Unlock()

	if i >= len(d.lines) {
		i = len(d.lines) - 1
	}
	return session.Message{Role: c.Role, Content: expand(d.lines[i], c)}, nil
}

func expand(line string, c Context) string {
	r := strings.NewReplacer(
		"{seeker}", displayName(c.Seeker.Name, c.Seeker.ID),
		"{owner}", displayName(c.Owner.Name, c.Owner.ID),
		"{listing}", orDash(c.Listing.Title),
		"{area}", c.Listing.Location.String(),
		"{rent}", fmt.Sprintf("%.0f", c.Listing.Rent),
		"{offer}", fmt.Sprintf("%.0f", c.Listing.Rent*0.9),
	)
	return r.Replace(line)
}

// DemoPair is a scripted seeker/owner pair that walks through an offer, a
// counter-offer and a polite rejection.
func DemoPair() Pair {
	return Pair{
		Seeker: NewScriptedDecider(
			"Hi {owner}, I'm interested in {listing} in {area}. Is it still available at {rent}?",
			"Great. Would you consider {offer} per month for a twelve month lease?",
			"I appreciate it, but that is above what I can do. I'll pass on this one.",
		),
		Owner: NewScriptedDecider(
			"Hello {seeker}, yes it is available. Viewings are possible this week.",
			"I could come down a little, but {rent} already reflects the market for {area}.",
			"Understood, thank you for your time and good luck with the search.",
		),
	}
}
