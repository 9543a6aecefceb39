package agent

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/leasebroker/internal/market"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

const seekerSystemPrompt = `You are negotiating to rent a home on behalf of a space-seeker.
Stay within the seeker's budget and requirements. Be polite and concrete.
If the terms cannot work, say clearly that you are not interested.
Reply with the single next message to the owner and nothing else.`

const ownerSystemPrompt = `You are negotiating on behalf of a property owner renting out a listing.
Protect the owner's preferences and aim for a fair rent. Be polite and concrete.
If the seeker declines, acknowledge it graciously.
Reply with the single next message to the seeker and nothing else.`

// SystemPrompt returns the standing instructions for role.
func SystemPrompt(role session.Role) string {
	if role == session.RoleOwner {
		return ownerSystemPrompt
	}
	return seekerSystemPrompt
}

// BuildPrompt renders the per-turn prompt for c.Role.
func BuildPrompt(c Context) string {
	var sb strings.Builder

	sb.WriteString("# Listing\n")
	writeListing(&sb, c.Listing)
	sb.WriteString("\n")

	if c.Role == session.RoleSeeker {
		sb.WriteString("# Your requirements\n")
		writeSeeker(&sb, c.Seeker)
	} else {
		sb.WriteString("# Your preferences\n")
		writeOwner(&sb, c.Owner)
	}
	sb.WriteString("\n")

	if c.State.Summary != "" {
		sb.WriteString("# Earlier in this negotiation\n")
		sb.WriteString(c.State.Summary)
		sb.WriteString("\n\n")
	}

	sb.WriteString("# Conversation so far\n")
	var recent []session.Message
	for _, m := range c.State.Messages {
		if !m.Summary {
			recent = append(recent, m)
		}
	}
	if len(recent) == 0 {
		sb.WriteString("(no messages yet)\n")
	} else {
		sb.WriteString(session.Transcript(recent))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Write the next message as the %s.", c.Role)
	return sb.String()
}

func writeListing(sb *strings.Builder, l market.ListingProfile) {
	fmt.Fprintf(sb, "- %s (%s) in %s\n", orDash(l.Title), orDash(l.Category), l.Location)
	fmt.Fprintf(sb, "- rent %.0f per month, %d bedrooms, %d bathrooms\n", l.Rent, l.Bedrooms, l.Bathrooms)
	if len(l.Amenities) > 0 {
		fmt.Fprintf(sb, "- amenities: %s\n", strings.Join(l.Amenities, ", "))
	}
	fmt.Fprintf(sb, "- pets allowed: %v, smoking allowed: %v, student friendly: %v\n", l.PetsAllowed, l.SmokingAllowed, l.StudentFriendly)
}

func writeSeeker(sb *strings.Builder, s market.SeekerProfile) {
	fmt.Fprintf(sb, "- budget %.0f to %.0f per month\n", s.BudgetMin, s.BudgetMax)
	fmt.Fprintf(sb, "- bedrooms %d to %d, occupants %d\n", s.MinBedrooms, s.MaxBedrooms, s.Occupants)
	if len(s.PreferredLocations) > 0 {
		areas := make([]string, 0, len(s.PreferredLocations))
		for _, l := range s.PreferredLocations {
			areas = append(areas, l.String())
		}
		fmt.Fprintf(sb, "- preferred areas: %s\n", strings.Join(areas, ", "))
	}
	fmt.Fprintf(sb, "- student: %v, pets: %v, smoker: %v\n", s.IsStudent, s.HasPets, s.Smoker)
}

func writeOwner(sb *strings.Builder, o market.OwnerProfile) {
	p := o.Preferences
	fmt.Fprintf(sb, "- no pets: %v, no smokers: %v\n", p.NoPets, p.NoSmokers)
	if p.MinLeaseMonths > 0 {
		fmt.Fprintf(sb, "- minimum lease: %d months\n", p.MinLeaseMonths)
	}
	if strings.TrimSpace(p.Notes) != "" {
		fmt.Fprintf(sb, "- notes: %s\n", strings.TrimSpace(p.Notes))
	}
}

// OpeningMessage is the system entry that starts every negotiation log.
func OpeningMessage(seeker market.SeekerProfile, owner market.OwnerProfile, listing market.ListingProfile, score float64) string {
	return fmt.Sprintf("Negotiation opened between %s and %s for %q in %s at %.0f per month (match score %.0f).",
		displayName(seeker.Name, seeker.ID), displayName(owner.Name, owner.ID),
		orDash(listing.Title), listing.Location, listing.Rent, score)
}

func displayName(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return id
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
