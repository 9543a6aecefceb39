package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/leasebroker/internal/config"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

func sampleState(id string, status session.Status, updated time.Time) session.State {
	st := session.State{
		Core: session.Core{
			ID:        id,
			SeekerID:  "s1",
			OwnerID:   "o1",
			ListingID: "l1",
			Status:    status,
			Messages: []session.Message{
				{Role: session.RoleSystem, Content: "opened", Seq: 1, Timestamp: updated},
				{Role: session.RoleSeeker, Content: "Is it available?", Seq: 2, Timestamp: updated},
			},
			CreatedAt: updated,
			UpdatedAt: updated,
		},
		Extension: session.Extension{MatchScore: 84, MatchReasons: []string{"within budget"}},
	}
	if status == session.StatusActive {
		st.Turn = session.RoleOwner
	}
	if status.Terminal() {
		st.Reason = session.ReasonMutualRejection
	}
	return st
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(DialectSQLite, filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenSQL error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exerciseStore runs the shared checkpoint contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := s.Load(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("Load missing = %v, %v; want nil, nil", got, err)
	}

	active := sampleState("a", session.StatusActive, base)
	if err := s.Save(ctx, "a", active); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	got, err = s.Load(ctx, "a")
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if got.Turn != session.RoleOwner || len(got.Messages) != 2 || got.MatchScore != 84 {
		t.Errorf("loaded state = %+v", got)
	}
	if !got.Messages[1].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", got.Messages[1].Timestamp, base)
	}

	// overwrite keeps one row
	active.Messages = append(active.Messages, session.Message{Role: session.RoleOwner, Content: "Yes", Seq: 3})
	if err := s.Save(ctx, "a", active); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Load(ctx, "a")
	if len(got.Messages) != 3 {
		t.Errorf("messages after overwrite = %d, want 3", len(got.Messages))
	}

	_ = s.Save(ctx, "old", sampleState("old", session.StatusCancelled, base.Add(-48*time.Hour)))
	_ = s.Save(ctx, "new", sampleState("new", session.StatusCompleted, base.Add(time.Hour)))

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Errorf("List order = %v", ids(all))
	}
	actives, _ := s.List(ctx, session.StatusActive)
	if len(actives) != 1 || actives[0].ID != "a" {
		t.Errorf("List active = %v", ids(actives))
	}

	n, err := s.Prune(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if got, _ := s.Load(ctx, "old"); got != nil {
		t.Error("old terminal checkpoint should be pruned")
	}

	// active sessions survive prune regardless of age
	if n, _ := s.Prune(ctx, base.Add(24*time.Hour)); n != 1 {
		t.Errorf("second prune = %d, want 1 (only the completed one)", n)
	}
	if got, _ := s.Load(ctx, "a"); got == nil {
		t.Error("active checkpoint must not be pruned")
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Load(ctx, "a"); got != nil {
		t.Error("deleted checkpoint still loads")
	}
}

func ids(states []session.State) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = st.ID
	}
	return out
}

func TestSQLStore_SQLite(t *testing.T) {
	exerciseStore(t, newSQLiteStore(t))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesState(t *testing.T) {
	s := NewMemoryStore()
	st := sampleState("x", session.StatusActive, time.Now())
	_ = s.Save(context.Background(), "x", st)
	st.Messages[0].Content = "mutated"

	got, _ := s.Load(context.Background(), "x")
	if got.Messages[0].Content != "opened" {
		t.Error("store shares message slice with caller")
	}
}

func TestSQLStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := OpenSQL(DialectSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Save(context.Background(), "a", sampleState("a", session.StatusActive, time.Now()))
	_ = s.Close()

	s, err = OpenSQL(DialectSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Load(context.Background(), "a")
	if err != nil || got == nil {
		t.Fatalf("checkpoint lost across reopen: %v", err)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &SQLStore{dialect: DialectSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestOpenSQL_EmptyDSN(t *testing.T) {
	if _, err := OpenSQL(DialectPostgres, " "); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestOpen(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := config.DefaultConfig()
	cfg.Store.Driver = config.StoreDriverMemory
	s, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("memory driver gave %T", s)
	}

	cfg.Store.Driver = config.StoreDriverSQLite
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "nested", "s.db")
	s, err = Open(cfg)
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLStore); !ok {
		t.Errorf("sqlite driver gave %T", s)
	}

	cfg.Store.Driver = "cassandra"
	if _, err := Open(cfg); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestCBORCodecKeepsTimestamps(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	st := sampleState("c", session.StatusActive, ts)
	st.Messages = append(st.Messages, session.Message{Role: session.RoleSystem, Content: "sum", Seq: 3, Summary: true, Covers: 26})

	data, err := encodeState(st)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeState(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.UpdatedAt.Equal(ts) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, ts)
	}
	if got.Len() != st.Len() || got.Turn != session.RoleOwner {
		t.Errorf("decoded = %+v", got)
	}
}
