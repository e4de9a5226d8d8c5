package recorder

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"GaslessRelayer/internal/model"
)

// SQLiteRecorder persists relay history and compensations to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log *zap.Logger
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, log *zap.Logger) (*SQLiteRecorder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets dashboards read while the relayer writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: log.Named("recorder")}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.Info("sqlite recorder opened", zap.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     INTEGER NOT NULL,
			request_id    TEXT NOT NULL,
			user_id       TEXT,
			txid          TEXT,
			outcome       TEXT NOT NULL,
			stage         TEXT,
			reason        TEXT,
			native_sun    INTEGER,
			stable_amount INTEGER,
			price         REAL,
			swap_executed INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_ts ON relay_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_user ON relay_events(user_id)`,

		`CREATE TABLE IF NOT EXISTS compensations (
			id             TEXT PRIMARY KEY,
			request_id     TEXT NOT NULL,
			user_id        TEXT,
			stable_in      INTEGER,
			native_needed  INTEGER,
			broadcast_code TEXT,
			created_at     INTEGER NOT NULL,
			resolved_at    INTEGER,
			note           TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comp_pending ON compensations(resolved_at)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordRelay(evt *model.RelayEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.db.Exec(`INSERT INTO relay_events
		(timestamp, request_id, user_id, txid, outcome, stage, reason,
		 native_sun, stable_amount, price, swap_executed)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ts.Unix(), evt.RequestID, evt.UserID, evt.TxID, evt.Outcome, evt.Stage, evt.Reason,
		evt.NativeSun, evt.StableAmount, evt.Price, evt.SwapExecuted,
	)
	return err
}

func (r *SQLiteRecorder) RecordCompensation(c *model.Compensation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO compensations
		(id, request_id, user_id, stable_in, native_needed, broadcast_code, created_at, note)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.RequestID, c.UserID, c.StableIn, c.NativeNeeded, c.BroadcastCode,
		c.CreatedAt.Unix(), c.Note,
	)
	return err
}

// PendingCompensations lists unresolved compensations, oldest first.
func (r *SQLiteRecorder) PendingCompensations() ([]model.Compensation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT id, request_id, user_id, stable_in, native_needed,
		broadcast_code, created_at, note
		FROM compensations WHERE resolved_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Compensation
	for rows.Next() {
		var (
			c       model.Compensation
			created int64
			note    sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.RequestID, &c.UserID, &c.StableIn, &c.NativeNeeded,
			&c.BroadcastCode, &created, &note); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(created, 0)
		c.Note = note.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveCompensation marks a pending compensation as settled.
func (r *SQLiteRecorder) ResolveCompensation(id, note string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`UPDATE compensations SET resolved_at = ?, note = ?
		WHERE id = ? AND resolved_at IS NULL`, at.Unix(), note, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCompensationNotFound
	}
	return nil
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info("closing sqlite recorder")
	return r.db.Close()
}
