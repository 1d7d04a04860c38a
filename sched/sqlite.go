package sched

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/expsys/exprun/wire"
	_ "modernc.org/sqlite"
)

// SQLiteHistory stores completed runs in a SQLite database, so history
// survives restarts.
type SQLiteHistory struct {
	db   *sql.DB
	keep int
}

// NewSQLiteHistory opens or creates the database at path. When keep is
// positive, only the keep most recently finished runs are retained.
func NewSQLiteHistory(path string, keep int) (*SQLiteHistory, error) {
	path = filepath.Clean(path)
	if path == "" || path == "." {
		return nil, fmt.Errorf("invalid history path %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	h := &SQLiteHistory{db: db, keep: keep}
	if err := h.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *SQLiteHistory) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS run_history (
	rid TEXT PRIMARY KEY,
	params_json TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL,
	started_unix_ms INTEGER NOT NULL,
	finished_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_history_finished ON run_history(finished_unix_ms DESC);`
	if _, err := h.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("initializing run_history schema: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) Record(ctx context.Context, rec RunRecord) error {
	params, err := wire.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encoding run params: %w", err)
	}

	const upsert = `
INSERT INTO run_history (rid, params_json, status, message, started_unix_ms, finished_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(rid) DO UPDATE SET
	params_json=excluded.params_json,
	status=excluded.status,
	message=excluded.message,
	started_unix_ms=excluded.started_unix_ms,
	finished_unix_ms=excluded.finished_unix_ms;`
	_, err = h.db.ExecContext(ctx, upsert,
		rec.RID, string(params), rec.Status, rec.Message,
		toUnixMS(rec.Started), toUnixMS(rec.Finished))
	if err != nil {
		return fmt.Errorf("upserting run history: %w", err)
	}

	if h.keep > 0 {
		const trim = `
DELETE FROM run_history
WHERE rid NOT IN (
	SELECT rid FROM run_history
	ORDER BY finished_unix_ms DESC
	LIMIT ?
);`
		if _, err := h.db.ExecContext(ctx, trim, h.keep); err != nil {
			return fmt.Errorf("trimming run history: %w", err)
		}
	}
	return nil
}

func (h *SQLiteHistory) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	const query = `
SELECT rid, params_json, status, message, started_unix_ms, finished_unix_ms
FROM run_history
ORDER BY finished_unix_ms DESC
LIMIT ?;`
	rows, err := h.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}
	defer rows.Close()

	out := make([]RunRecord, 0, limit)
	for rows.Next() {
		var (
			rec                 RunRecord
			paramsJSON          string
			startedMS, finishMS int64
		)
		err := rows.Scan(&rec.RID, &paramsJSON, &rec.Status, &rec.Message, &startedMS, &finishMS)
		if err != nil {
			return nil, fmt.Errorf("scanning run history row: %w", err)
		}
		v, err := wire.Unmarshal([]byte(paramsJSON))
		if err != nil {
			return nil, fmt.Errorf("decoding run params: %w", err)
		}
		rec.Params, _ = v.(map[string]any)
		rec.Started = fromUnixMS(startedMS)
		rec.Finished = fromUnixMS(finishMS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run history rows: %w", err)
	}
	return out, nil
}

func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

func toUnixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromUnixMS(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
