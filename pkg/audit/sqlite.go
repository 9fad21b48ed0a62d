package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/liliang-cn/execd/pkg/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS exec_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	token       TEXT NOT NULL,
	submitter   TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	host_ids    TEXT NOT NULL DEFAULT '',
	params      TEXT NOT NULL DEFAULT '{}',
	template_id INTEGER NOT NULL DEFAULT 0,
	body        TEXT NOT NULL DEFAULT '',
	interpreter TEXT NOT NULL DEFAULT '',
	destination TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS exec_history_submitter ON exec_history (submitter, kind, id);
`

// SQLite stores history in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" is allowed.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Record(ctx context.Context, r Record) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO exec_history
		(token, submitter, kind, host_ids, params, template_id, body, interpreter, destination, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.Token), r.Submitter, string(r.Kind), joinIDs(r.HostIDs), string(params),
		r.TemplateID, r.Body, r.Interpreter, r.Destination, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, q Query) ([]Record, error) {
	var where []string
	var args []any
	if q.Submitter != "" {
		where = append(where, "submitter = ?")
		args = append(args, q.Submitter)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	query := `SELECT id, token, submitter, kind, host_ids, params, template_id, body, interpreter, destination, created_at FROM exec_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var list []Record
	for rows.Next() {
		var r Record
		var token, kind, hostIDs, params, created string
		if err := rows.Scan(&r.ID, &token, &r.Submitter, &kind, &hostIDs, &params,
			&r.TemplateID, &r.Body, &r.Interpreter, &r.Destination, &created); err != nil {
			return nil, err
		}
		r.Token = task.Token(token)
		r.Kind = task.Kind(kind)
		r.HostIDs = splitIDs(hostIDs)
		if params != "" && params != "null" {
			if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
				return nil, fmt.Errorf("decode params of record %d: %w", r.ID, err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
