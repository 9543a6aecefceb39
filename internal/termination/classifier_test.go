package termination

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/leasebroker/internal/session"
)

func msgs(contents ...string) []session.Message {
	out := make([]session.Message, len(contents))
	role := session.RoleSeeker
	for i, c := range contents {
		out[i] = session.Message{Role: role, Content: c, Seq: i + 1}
		role = role.Other()
	}
	return out
}

func filler(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "Could we talk about the deposit?"
	}
	return out
}

func TestEvaluate(t *testing.T) {
	c := New(DefaultPhrases(), 0)

	tests := []struct {
		name     string
		log      []session.Message
		wantStop bool
		reason   string
	}{
		{"empty", nil, false, ""},
		{"two declines but too short", msgs("Not interested.", "No deal."), false, ""},
		{"plain conversation", msgs("Hi, is it available?", "Yes it is.", "Can I visit Tuesday?"), false, ""},
		{"two of last three decline", msgs("Hello", "Rent is 1200, not acceptable to drop.", "Then I'm not interested."), true, session.ReasonMutualRejection},
		{"single decline keeps going", msgs("Hello", "Offer 900?", "That price is not acceptable, how about 1000?"), false, ""},
		{"decline then acknowledge", msgs("Hello", "I must decline the offer.", "Understood, thanks for your time."), true, session.ReasonRejectionAcknowledged},
		{"case insensitive", msgs("Hello", "NO DEAL.", "FAIR ENOUGH!"), true, session.ReasonRejectionAcknowledged},
		{"acknowledge before decline", msgs("Hello", "Understood.", "Not interested."), false, ""},
		{"exactly fifty continues", msgs(filler(50)...), false, ""},
		{"fifty one hits cap", msgs(filler(51)...), true, session.ReasonMaxTurns},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Evaluate(tt.log)
			if d.Stop != tt.wantStop || d.Reason != tt.reason {
				t.Errorf("Evaluate = %+v, want stop=%v reason=%q", d, tt.wantStop, tt.reason)
			}
		})
	}
}

func TestEvaluate_DeclinePairAnywhereInLog(t *testing.T) {
	c := New(DefaultPhrases(), 0)
	log := msgs("Hello", "No deal on the parking.", "No problem, skip parking.", "Great", "Deposit?", "One month.")
	d := c.Evaluate(log)
	if !d.Stop || d.Reason != session.ReasonRejectionAcknowledged {
		t.Errorf("Evaluate = %+v, want rejection_acknowledged", d)
	}
}

func TestEvaluate_DeclineDensityAtFortyNine(t *testing.T) {
	c := New(DefaultPhrases(), 0)
	contents := filler(49)
	contents[46] = "Honestly I'm not interested at that price."
	contents[47] = "Then I decline, no deal."
	d := c.Evaluate(msgs(contents...))
	if !d.Stop || d.Reason != session.ReasonMutualRejection {
		t.Errorf("Evaluate = %+v, want mutual_rejection", d)
	}
}

func TestEvaluate_Pure(t *testing.T) {
	c := New(DefaultPhrases(), 0)
	log := msgs("Hello", "I must decline.", "Understood.")
	first := c.Evaluate(log)
	for i := 0; i < 5; i++ {
		if got := c.Evaluate(log); got != first {
			t.Fatalf("run %d = %+v, first = %+v", i, got, first)
		}
	}
}

func TestEvaluate_SummaryCountsTowardsCap(t *testing.T) {
	c := New(DefaultPhrases(), 10)
	log := []session.Message{
		{Role: session.RoleSystem, Content: "they said not interested, understood", Summary: true, Covers: 8, Seq: 1},
		{Role: session.RoleSeeker, Content: "Where were we?", Seq: 9},
		{Role: session.RoleOwner, Content: "At the deposit.", Seq: 10},
	}
	if d := c.Evaluate(log); d.Stop {
		t.Fatalf("Evaluate at cap = %+v, want continue", d)
	}
	log = append(log, session.Message{Role: session.RoleSeeker, Content: "Right.", Seq: 11})
	if d := c.Evaluate(log); !d.Stop || d.Reason != session.ReasonMaxTurns {
		t.Fatalf("Evaluate over cap = %+v, want max_turns_reached", d)
	}
}

func TestEvaluate_PanicStops(t *testing.T) {
	c := New(DefaultPhrases(), 0)
	c.match = func(string, []string) bool { panic("boom") }
	d := c.Evaluate(msgs("a", "b", "c"))
	if !d.Stop || !d.Failed {
		t.Fatalf("Evaluate = %+v, want failed stop", d)
	}
	if !strings.HasPrefix(d.Reason, session.ReasonClassifierError) {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestCustomPhraseTable(t *testing.T) {
	c := New(PhraseTable{Decline: []string{"  Nein "}, Acknowledge: []string{"Verstanden"}}, 0)
	d := c.Evaluate(msgs("Hallo", "Nein danke.", "Verstanden."))
	if !d.Stop || d.Reason != session.ReasonRejectionAcknowledged {
		t.Errorf("Evaluate = %+v", d)
	}
}

func TestLoadPhraseTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phrases.yaml")
	if err := os.WriteFile(path, []byte("decline:\n  - Hard Pass\n"), 0644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadPhraseTable(path)
	if err != nil {
		t.Fatalf("LoadPhraseTable error: %v", err)
	}
	if len(table.Decline) != 1 || table.Decline[0] != "hard pass" {
		t.Errorf("decline = %v", table.Decline)
	}
	if len(table.Acknowledge) != len(DefaultPhrases().Acknowledge) {
		t.Errorf("acknowledge should fall back to defaults, got %v", table.Acknowledge)
	}
}
