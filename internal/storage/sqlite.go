package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	logx "livedash/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	if err := addMissingColumns(context.Background(), db, "widgets", layoutColumns); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

// layoutColumns were added after the first schema; older databases get them
// on open.
var layoutColumns = []string{
	"grid_row INTEGER NOT NULL DEFAULT 0",
	"grid_col INTEGER NOT NULL DEFAULT 0",
	"width INTEGER NOT NULL DEFAULT 0",
	"height INTEGER NOT NULL DEFAULT 0",
}

func addMissingColumns(ctx context.Context, db *sql.DB, table string, defs []string) error {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		have[name] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, def := range defs {
		name, _, _ := strings.Cut(def, " ")
		if have[name] {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, def)); err != nil {
			return fmt.Errorf("add %s.%s: %w", table, name, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutWidget(ctx context.Context, w WidgetRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("widget id required")
	}
	var params any
	if len(w.Params) > 0 {
		b, err := json.Marshal(w.Params)
		if err != nil {
			return err
		}
		params = string(b)
	}
	var payload any
	if len(w.Payload) > 0 {
		payload = []byte(w.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO widgets(id, token, cadence, script, params, grid_row, grid_col, width, height, payload, status, err, failures, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   token=excluded.token, cadence=excluded.cadence, script=excluded.script,
		   params=excluded.params, grid_row=excluded.grid_row, grid_col=excluded.grid_col,
		   width=excluded.width, height=excluded.height, payload=excluded.payload, status=excluded.status,
		   err=excluded.err, failures=excluded.failures, updated_at=excluded.updated_at`,
		w.ID, w.Token, w.Cadence, w.Script, params, w.Row, w.Col, w.Width, w.Height, payload, w.Status, nullStr(w.Error), w.Failures,
		w.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteWidget(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM widgets WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) DeleteDashboard(ctx context.Context, token string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM widgets WHERE token = ?`, token)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) LoadWidgets(ctx context.Context) ([]WidgetRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token, cadence, script, params, grid_row, grid_col, width, height, payload, status, err, failures, updated_at
		 FROM widgets ORDER BY token, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WidgetRecord
	for rows.Next() {
		var (
			w       WidgetRecord
			params  sql.NullString
			payload []byte
			errStr  sql.NullString
			updated string
		)
		if err := rows.Scan(&w.ID, &w.Token, &w.Cadence, &w.Script, &params, &w.Row, &w.Col, &w.Width, &w.Height, &payload, &w.Status, &errStr, &w.Failures, &updated); err != nil {
			return nil, err
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &w.Params); err != nil {
				s.log.Warn("widget params unreadable", logx.String("widget", w.ID), logx.Err(err))
			}
		}
		if len(payload) > 0 {
			w.Payload = payload
		}
		w.Error = errStr.String
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			w.UpdatedAt = t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
