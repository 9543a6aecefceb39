package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stellarlinkco/leasebroker/internal/negotiation"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

const helpText = `Commands:
/negotiate <seeker-id|all>  start a negotiation
/cancel <session-id>        stop a running negotiation
/show <session-id>          print a transcript
/sessions                   list running negotiations
/status                     aggregate stats`

const maxShownMessages = 20

// handleCommand runs one operator command and returns the reply text.
func (g *Gateway) handleCommand(ctx context.Context, content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	// telegram appends the bot name in groups: /status@leasebroker_bot
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/negotiate":
		if len(args) != 1 {
			return "usage: /negotiate <seeker-id|all>"
		}
		if args[0] == "all" {
			ids, err := g.manager.NegotiateAll(ctx)
			reply := fmt.Sprintf("started %d negotiations", len(ids))
			if len(ids) > 0 {
				reply += ": " + strings.Join(ids, ", ")
			}
			if err != nil {
				reply += "\nerrors: " + err.Error()
			}
			return reply
		}
		id, err := g.manager.Negotiate(ctx, args[0])
		if err != nil {
			return "error: " + err.Error()
		}
		return "started " + id

	case "/cancel":
		if len(args) != 1 {
			return "usage: /cancel <session-id>"
		}
		if err := g.manager.Cancel(args[0]); err != nil {
			if errors.Is(err, negotiation.ErrNotFound) {
				return "no running negotiation " + args[0]
			}
			return "error: " + err.Error()
		}
		return "cancelling " + args[0]

	case "/show":
		if len(args) != 1 {
			return "usage: /show <session-id>"
		}
		st, ok, err := g.manager.Get(ctx, args[0])
		if err != nil {
			return "error: " + err.Error()
		}
		if !ok {
			return "unknown negotiation " + args[0]
		}
		return formatState(st)

	case "/sessions":
		active := g.manager.ListActive()
		if len(active) == 0 {
			return "no running negotiations"
		}
		var sb strings.Builder
		for _, st := range active {
			fmt.Fprintf(&sb, "%s seeker=%s listing=%s turn=%s messages=%d\n", st.ID, st.SeekerID, st.ListingID, st.Turn, st.Len())
		}
		return strings.TrimSpace(sb.String())

	case "/status":
		return formatStats(g.manager.Stats())

	case "/help", "/start":
		return helpText
	}
	return "unknown command " + fields[0] + "\n" + helpText
}

func formatStats(s negotiation.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d sessions, %d active, avg %.1f messages, avg score %.0f", s.Sessions, s.Active, s.AvgMessages, s.AvgScore)
	statuses := make([]string, 0, len(s.ByStatus))
	for st := range s.ByStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(&sb, "\n  %s: %d", st, s.ByStatus[session.Status(st)])
	}
	return sb.String()
}

func formatState(st session.State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", st.ID, st.Status)
	if st.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", st.Reason)
	}
	fmt.Fprintf(&sb, "\nseeker %s, listing %s, owner %s, score %.0f, %d messages\n",
		st.SeekerID, st.ListingID, st.OwnerID, st.MatchScore, st.Len())

	msgs := st.Messages
	if len(msgs) > maxShownMessages {
		fmt.Fprintf(&sb, "... %d earlier entries\n", len(msgs)-maxShownMessages)
		msgs = msgs[len(msgs)-maxShownMessages:]
	}
	sb.WriteString(session.Transcript(msgs))
	return sb.String()
}
