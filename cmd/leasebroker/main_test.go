package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/leasebroker/internal/config"
	"github.com/stellarlinkco/leasebroker/internal/cron"
	"github.com/stellarlinkco/leasebroker/internal/gateway"
	"github.com/stellarlinkco/leasebroker/internal/playbook"
	"github.com/stellarlinkco/leasebroker/internal/session"
	"github.com/stellarlinkco/leasebroker/internal/store"
)

// setupHome points the config dir at a temp HOME and clears provider env.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{
		"LEASEBROKER_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY",
		"LEASEBROKER_SUMMARY_API_KEY", "LEASEBROKER_CATALOG",
		"LEASEBROKER_STORE_DRIVER", "LEASEBROKER_DB_PATH",
	} {
		t.Setenv(k, "")
	}
	EngineOptions = gateway.Options{}
	t.Cleanup(func() { EngineOptions = gateway.Options{} })
	return home
}

func resetFlags() {
	seekerFlag, allFlag, dryRunFlag, quietFlag = "", false, false, false
	limitFlag = 10
	statusFlag = ""
	cronExpr, cronEvery, cronSeeker, cronChannel, cronTo = "", 0, "", "", ""
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func onboard(t *testing.T) {
	t.Helper()
	if _, err := execute(t, "onboard"); err != nil {
		t.Fatalf("onboard: %v", err)
	}
}

func TestRootCommands(t *testing.T) {
	want := []string{"negotiate", "match", "gateway", "onboard", "status", "sessions", "show", "resume", "cron"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestRunOnboard(t *testing.T) {
	home := setupHome(t)

	out, err := execute(t, "onboard")
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	cfgPath := filepath.Join(home, ".leasebroker", "config.json")
	catPath := filepath.Join(home, ".leasebroker", "catalog.yaml")
	if !strings.Contains(out, "Created config: "+cfgPath) {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Created: "+catPath) {
		t.Errorf("output missing catalog line: %q", out)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Errorf("config not written: %v", err)
	}
	data, err := os.ReadFile(catPath)
	if err != nil {
		t.Fatalf("catalog not written: %v", err)
	}
	if string(data) != sampleCatalog {
		t.Error("catalog content differs from sample")
	}
	books, err := playbook.Load(filepath.Join(home, ".leasebroker", "playbooks"))
	if err != nil || len(books) != 1 || books[0].Name != "counter-offer" {
		t.Errorf("sample playbook = %+v, %v", books, err)
	}

	out, err = execute(t, "onboard")
	if err != nil {
		t.Fatalf("second onboard: %v", err)
	}
	if !strings.Contains(out, "Config already exists") {
		t.Errorf("second run output = %q", out)
	}
	if strings.Contains(out, "Created: ") {
		t.Errorf("second run should not recreate files: %q", out)
	}
}

func TestRunStatus(t *testing.T) {
	setupHome(t)

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "API Key: not set") {
		t.Errorf("status output = %q", out)
	}
	if !strings.Contains(out, "Catalog: not loaded") {
		t.Errorf("status without catalog = %q", out)
	}

	onboard(t)
	t.Setenv("LEASEBROKER_API_KEY", "sk-ant-1234567890")
	out, err = execute(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{
		"Provider: anthropic (default)",
		"API Key: sk-a...7890",
		"Store: " + config.StoreDriverSQLite,
		"Catalog: 2 seekers, 2 listings",
		"Playbooks: 1 in ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q in %q", want, out)
		}
	}
}

func TestRunMatch(t *testing.T) {
	setupHome(t)
	onboard(t)

	out, err := execute(t, "match", "s-ana")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	river := strings.Index(out, "l-river-flat")
	hill := strings.Index(out, "l-hill-house")
	if river < 0 || hill < 0 {
		t.Fatalf("match output = %q", out)
	}
	if river > hill {
		t.Errorf("river flat should rank first for s-ana:\n%s", out)
	}

	out, err = execute(t, "match", "s-ana", "--limit", "1")
	if err != nil {
		t.Fatalf("match --limit: %v", err)
	}
	if strings.Contains(out, "l-hill-house") {
		t.Errorf("limit 1 should show one listing:\n%s", out)
	}

	if _, err := execute(t, "match", "nobody"); err == nil {
		t.Error("expected error for unknown seeker")
	}
}

func TestRunNegotiate_NeedsTarget(t *testing.T) {
	setupHome(t)
	if _, err := execute(t, "negotiate"); err == nil {
		t.Error("expected error without --seeker or --all")
	}
}

func TestRunNegotiate_DryRun(t *testing.T) {
	setupHome(t)
	onboard(t)

	out, err := execute(t, "negotiate", "--seeker", "s-ana", "--dry-run")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	for _, want := range []string{
		"seeker: Hi Cara",
		"owner: Hello Ana",
		"l-river-flat",
		string(session.StatusCompleted),
		session.ReasonRejectionAcknowledged,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunNegotiate_AllQuiet(t *testing.T) {
	setupHome(t)
	onboard(t)

	out, err := execute(t, "negotiate", "--all", "--dry-run", "-q")
	if err != nil {
		t.Fatalf("negotiate --all: %v", err)
	}
	if strings.Contains(out, "seeker: Hi") {
		t.Errorf("quiet run printed messages:\n%s", out)
	}
	for _, id := range []string{"s-ana", "s-ben"} {
		if !strings.Contains(out, id) {
			t.Errorf("outcome table missing %s:\n%s", id, out)
		}
	}
}

func savedState(t *testing.T, st store.Store, id string, status session.Status) {
	t.Helper()
	now := time.Now()
	core := session.Core{
		ID:        id,
		SeekerID:  "s-ana",
		OwnerID:   "o-cara",
		ListingID: "l-river-flat",
		Status:    status,
		Messages: []session.Message{
			{Role: session.RoleSystem, Content: "Negotiation opened.", Seq: 1, Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status == session.StatusActive {
		core.Turn = session.RoleSeeker
	}
	if status == session.StatusCompleted {
		core.Reason = session.ReasonMutualRejection
	}
	state, err := session.NewState(core, session.Extension{MatchScore: 80, MatchReasons: []string{"within budget"}})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if err := st.Save(context.Background(), id, state); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestRunSessionsAndShow(t *testing.T) {
	setupHome(t)
	mem := store.NewMemoryStore()
	EngineOptions.Store = mem

	out, err := execute(t, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "No sessions.") {
		t.Errorf("empty sessions output = %q", out)
	}

	savedState(t, mem, "neg-done", session.StatusCompleted)
	savedState(t, mem, "neg-open", session.StatusActive)

	out, err = execute(t, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "neg-done") || !strings.Contains(out, "neg-open") {
		t.Errorf("sessions output = %q", out)
	}

	out, err = execute(t, "sessions", "--status", "active")
	if err != nil {
		t.Fatalf("sessions --status: %v", err)
	}
	if strings.Contains(out, "neg-done") || !strings.Contains(out, "neg-open") {
		t.Errorf("filtered sessions output = %q", out)
	}

	out, err = execute(t, "show", "neg-done")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"neg-done", session.ReasonMutualRejection, "Negotiation opened.", "+ within budget"} {
		if !strings.Contains(out, want) {
			t.Errorf("show missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "show", "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("show missing = %v", err)
	}
}

func TestRunResume(t *testing.T) {
	setupHome(t)
	onboard(t)
	mem := store.NewMemoryStore()
	EngineOptions.Store = mem
	savedState(t, mem, "neg-open", session.StatusActive)

	out, err := execute(t, "resume", "neg-open", "--dry-run")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !strings.Contains(out, "seeker: Hi Cara") {
		t.Errorf("resume output:\n%s", out)
	}
	st, _ := mem.Load(context.Background(), "neg-open")
	if st == nil || st.Status != session.StatusCompleted {
		t.Fatalf("state after resume = %+v", st)
	}

	_, err = execute(t, "resume", "neg-open", "--dry-run")
	if !errors.Is(err, session.ErrFrozen) {
		t.Errorf("resume terminal = %v, want ErrFrozen", err)
	}
}

func TestRunCron(t *testing.T) {
	home := setupHome(t)
	path := filepath.Join(home, "jobs.json")
	EngineOptions.CronStorePath = path

	out, err := execute(t, "cron", "list")
	if err != nil {
		t.Fatalf("cron list: %v", err)
	}
	if !strings.Contains(out, "No jobs.") {
		t.Errorf("empty list = %q", out)
	}

	out, err = execute(t, "cron", "add", "nightly", "--every", "30m", "--channel", "telegram", "--to", "42")
	if err != nil {
		t.Fatalf("cron add: %v", err)
	}
	if !strings.Contains(out, "(every 30m0s)") {
		t.Errorf("add output = %q", out)
	}
	fields := strings.Fields(out)
	if len(fields) < 3 {
		t.Fatalf("add output = %q", out)
	}
	id := fields[2]

	if _, err := execute(t, "cron", "add", "ana", "--cron", "0 0 9 * * *", "--seeker", "s-ana"); err != nil {
		t.Fatalf("cron add --cron: %v", err)
	}

	out, err = execute(t, "cron", "list")
	if err != nil {
		t.Fatalf("cron list: %v", err)
	}
	for _, want := range []string{"nightly", "every 30m0s", cron.ActionNegotiateAll, "ana", cron.ActionNegotiate + " s-ana"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "cron", "remove", id); err != nil {
		t.Fatalf("cron remove: %v", err)
	}
	jobs := cron.NewService(path).ListJobs()
	if len(jobs) != 1 || jobs[0].Name != "ana" {
		t.Errorf("jobs after remove = %+v", jobs)
	}

	internal := cron.InternalPrefix + "store:prune"
	if err := cron.NewService(path).EnsureJob(internal, "prune", cron.Schedule{Kind: cron.KindCron, Expr: "0 30 3 * * *"}, cron.Payload{Action: cron.ActionPrune}); err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	if _, err := execute(t, "cron", "remove", internal); err == nil || !strings.Contains(err.Error(), "managed by the gateway") {
		t.Errorf("remove internal = %v", err)
	}
}

func TestRunCronAdd_Invalid(t *testing.T) {
	home := setupHome(t)
	EngineOptions.CronStorePath = filepath.Join(home, "jobs.json")

	tests := []struct {
		name string
		args []string
	}{
		{"no schedule", []string{"cron", "add", "x"}},
		{"both", []string{"cron", "add", "x", "--cron", "0 * * * * *", "--every", "1m"}},
		{"bad expr", []string{"cron", "add", "x", "--cron", "whenever"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunGateway_NoAPIKey(t *testing.T) {
	setupHome(t)
	_, err := execute(t, "gateway")
	if err == nil || !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("gateway without key = %v", err)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-ant-abcdefgh1234", "sk-a...1234"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(""); got != "anthropic (default)" {
		t.Errorf("providerDisplay(\"\") = %q", got)
	}
	if got := providerDisplay("openai"); got != "openai" {
		t.Errorf("providerDisplay(openai) = %q", got)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("neg-01HZZZABCDEFGH"); got != "ZZABCDEFGH" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID(abc) = %q", got)
	}
}

func TestWriteIfNotExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	var out bytes.Buffer

	writeIfNotExists(&out, path, "test content")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "test content" {
		t.Errorf("content = %q", string(data))
	}
	if !strings.Contains(out.String(), "Created: "+path) {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	writeIfNotExists(&out, path, "new content")
	data, _ = os.ReadFile(path)
	if string(data) != "test content" {
		t.Errorf("existing file overwritten: %q", string(data))
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRenderTable(t *testing.T) {
	long := strings.Repeat("x", 60)
	table := renderTable([]string{"A", "B"}, [][]string{{"one", long}, {"three", "b"}}, nil)
	lines := strings.Split(table, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), table)
	}
	if strings.Contains(table, long) {
		t.Error("long cell not clipped")
	}
	if !strings.Contains(table, "…") {
		t.Error("clipped cell missing ellipsis")
	}
	if strings.Index(lines[1], "x") != strings.Index(lines[2], "b") {
		t.Errorf("columns not aligned:\n%s", table)
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 10); got != "short" {
		t.Errorf("clip = %q", got)
	}
	if got := clip("abcdefghij", 5); got != "abcd…" {
		t.Errorf("clip = %q, want abcd…", got)
	}
}
