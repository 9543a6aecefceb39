package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/leasebroker/internal/session"
)

// Dialect selects driver name, placeholders, DDL and upsert syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return string(d)
}

// SQLStore keeps one row per session with the full state as JSON.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func OpenSQL(dialect Dialect, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("open %s store: empty dsn", dialect)
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) configure() error {
	if s.dialect != DialectSQLite {
		return nil
	}
	// one writer at a time keeps sqlite away from SQLITE_BUSY under WAL
	s.db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLStore) initSchema() error {
	var stmts []string
	switch s.dialect {
	case DialectMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS negotiations (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				seeker_id VARCHAR(255) NOT NULL,
				listing_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				state LONGTEXT NOT NULL,
				updated_at BIGINT NOT NULL,
				INDEX idx_negotiations_status (status, updated_at)
			)`,
		}
	default:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS negotiations (
				id TEXT NOT NULL PRIMARY KEY,
				seeker_id TEXT NOT NULL,
				listing_id TEXT NOT NULL,
				status TEXT NOT NULL,
				state TEXT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_negotiations_status ON negotiations(status, updated_at)`,
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) upsertQuery() string {
	if s.dialect == DialectMySQL {
		return `INSERT INTO negotiations (id, seeker_id, listing_id, status, state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE seeker_id = VALUES(seeker_id), listing_id = VALUES(listing_id),
				status = VALUES(status), state = VALUES(state), updated_at = VALUES(updated_at)`
	}
	return s.rebind(`INSERT INTO negotiations (id, seeker_id, listing_id, status, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET seeker_id = excluded.seeker_id, listing_id = excluded.listing_id,
			status = excluded.status, state = excluded.state, updated_at = excluded.updated_at`)
}

func (s *SQLStore) Save(ctx context.Context, id string, st session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", id, err)
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, s.upsertQuery(),
		id, st.SeekerID, st.ListingID, string(st.Status), string(data), updated.UnixMilli(),
	); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (*session.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM negotiations WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	var st session.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return &st, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM negotiations WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, status session.Status) ([]session.State, error) {
	query := `SELECT state FROM negotiations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []session.State
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var st session.State
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM negotiations
		WHERE status IN (?, ?, ?) AND updated_at < ?
	`), string(session.StatusCompleted), string(session.StatusCancelled), string(session.StatusError), olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
