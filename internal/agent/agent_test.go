package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/stellarlinkco/leasebroker/internal/config"
	"github.com/stellarlinkco/leasebroker/internal/market"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

// mockRuntime implements Runtime interface for testing
type mockRuntime struct {
	outputs []string
	errs    []error
	calls   int
	reqs    []api.Request
	closed  bool
}

func (m *mockRuntime) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	i := m.calls
	m.calls++
	m.reqs = append(m.reqs, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	out := ""
	if i < len(m.outputs) {
		out = m.outputs[i]
	}
	return &api.Response{Result: &api.Result{Output: out}}, nil
}

func (m *mockRuntime) Close() {
	m.closed = true
}

func testContext(role session.Role) Context {
	return Context{
		Role: role,
		State: session.State{Core: session.Core{ID: "neg-1", Messages: []session.Message{
			{Role: session.RoleSystem, Content: "opened", Seq: 1},
			{Role: session.RoleSeeker, Content: "Is it available?", Seq: 2},
		}}},
		Seeker:  market.SeekerProfile{ID: "s1", Name: "Ana", BudgetMax: 1000, MinBedrooms: 1, MaxBedrooms: 2},
		Owner:   market.OwnerProfile{ID: "o1", Name: "Bo", Preferences: market.OwnerPreferences{NoPets: true, MinLeaseMonths: 12}},
		Listing: market.ListingProfile{ID: "l1", Title: "Sunny flat", Location: market.Location{Area: "Mission"}, Rent: 900, Bedrooms: 1},
	}
}

func TestRuntimeDecider_RetriesThenSucceeds(t *testing.T) {
	rt := &mockRuntime{
		errs:    []error{errors.New("overloaded"), nil},
		outputs: []string{"", "  Yes, it is available.  "},
	}
	d := NewRuntimeDecider(rt, 3)
	d.initialWait = time.Millisecond

	msg, err := d.Decide(context.Background(), testContext(session.RoleOwner))
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if msg.Content != "Yes, it is available." || msg.Role != session.RoleOwner {
		t.Errorf("msg = %+v", msg)
	}
	if rt.calls != 2 {
		t.Errorf("calls = %d, want 2", rt.calls)
	}
	if rt.reqs[0].SessionID != "neg-1:owner" {
		t.Errorf("session id = %q", rt.reqs[0].SessionID)
	}
	if !strings.Contains(rt.reqs[0].Prompt, "minimum lease: 12 months") {
		t.Errorf("owner prompt missing preferences:\n%s", rt.reqs[0].Prompt)
	}
}

func TestRuntimeDecider_GivesUp(t *testing.T) {
	boom := errors.New("model unavailable")
	rt := &mockRuntime{errs: []error{boom, boom, boom, boom}}
	d := NewRuntimeDecider(rt, 2)
	d.initialWait = time.Millisecond

	_, err := d.Decide(context.Background(), testContext(session.RoleSeeker))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if rt.calls != 2 {
		t.Errorf("calls = %d, want 2", rt.calls)
	}
}

func TestRuntimeDecider_EmptyReplyIsPermanent(t *testing.T) {
	rt := &mockRuntime{outputs: []string{"   "}}
	d := NewRuntimeDecider(rt, 5)
	d.initialWait = time.Millisecond

	_, err := d.Decide(context.Background(), testContext(session.RoleSeeker))
	if !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("err = %v, want ErrEmptyReply", err)
	}
	if rt.calls != 1 {
		t.Errorf("calls = %d, want 1", rt.calls)
	}
}

func TestRuntimeDecider_Close(t *testing.T) {
	rt := &mockRuntime{}
	NewRuntimeDecider(rt, 1).Close()
	if !rt.closed {
		t.Error("runtime not closed")
	}
}

func TestDefaultRuntimeFactory_RequiresKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = ""
	if _, err := DefaultRuntimeFactory(cfg, session.RoleSeeker); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestDefaultRuntimeFactory_BadPlaybooks(t *testing.T) {
	notDir := filepath.Join(t.TempDir(), "playbooks")
	if err := os.WriteFile(notDir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "sk-test"
	cfg.Playbooks = config.PlaybooksConfig{Enabled: true, Dir: notDir}

	_, err := DefaultRuntimeFactory(cfg, session.RoleOwner)
	if err == nil || !strings.Contains(err.Error(), "load owner playbooks") {
		t.Fatalf("err = %v, want playbook load error", err)
	}
}

func TestBuildPrompt_Seeker(t *testing.T) {
	c := testContext(session.RoleSeeker)
	c.State.Summary = "They discussed parking."
	p := BuildPrompt(c)
	for _, want := range []string{
		"Sunny flat",
		"rent 900 per month",
		"budget 0 to 1000",
		"They discussed parking.",
		"seeker: Is it available?",
		"Write the next message as the seeker.",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "minimum lease") {
		t.Error("seeker prompt leaked owner preferences")
	}
}

func TestScriptedDecider(t *testing.T) {
	d := NewScriptedDecider("Offer {offer} for {listing}", "Final")
	c := testContext(session.RoleSeeker)

	got := []string{}
	for i := 0; i < 3; i++ {
		m, err := d.Decide(context.Background(), c)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, m.Content)
	}
	want := []string{"Offer 810 for Sunny flat", "Final", "Final"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}

	other := c
	other.State.ID = "neg-2"
	m, _ := d.Decide(context.Background(), other)
	if m.Content != "Offer 810 for Sunny flat" {
		t.Errorf("second session should start at line 0, got %q", m.Content)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Decide(ctx, c); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled decide err = %v", err)
	}
}

func TestPairFor(t *testing.T) {
	p := DemoPair()
	if p.For(session.RoleSeeker) != p.Seeker || p.For(session.RoleOwner) != p.Owner {
		t.Error("Pair.For returned wrong decider")
	}
	if p.For(session.RoleSystem) != nil {
		t.Error("system role should have no decider")
	}
}

func TestLLMSummarizer(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" Seeker offered 850; owner holds at 900. "}}]}`))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "k-123"
	cfg.Provider.BaseURL = srv.URL + "/"
	cfg.Summary.Model = "summary-model"
	s := NewLLMSummarizer(cfg)

	out, err := s.Summarize(context.Background(), []session.Message{{Role: session.RoleSeeker, Content: "850?"}})
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if out != "Seeker offered 850; owner holds at 900." {
		t.Errorf("summary = %q", out)
	}
	if gotAuth != "Bearer k-123" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["model"] != "summary-model" {
		t.Errorf("model = %v", gotBody["model"])
	}
}

func TestLLMSummarizer_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "k"
	cfg.Provider.BaseURL = srv.URL
	if _, err := NewLLMSummarizer(cfg).Summarize(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want http 429", err)
	}

	cfg.Provider.APIKey = ""
	if _, err := NewLLMSummarizer(cfg).Summarize(context.Background(), nil); err == nil {
		t.Error("expected missing key error")
	}
}

func TestDigestSummarizer(t *testing.T) {
	out, err := DigestSummarizer{MaxLine: 5}.Summarize(context.Background(), []session.Message{
		{Role: session.RoleSystem, Content: "older", Summary: true, Covers: 4},
		{Role: session.RoleSeeker, Content: "offer 850 please"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "5 earlier messages. older seeker: offer..."
	if out != want {
		t.Errorf("digest = %q, want %q", out, want)
	}
}
