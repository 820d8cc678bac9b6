package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/sessionlens/api/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	subject_id  TEXT NOT NULL,
	occurred_at INTEGER NOT NULL,
	doc         TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS processing_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	entry       TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processing_logs_session ON processing_logs(session_id, id);
`

type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and ensures the schema.
func OpenSQLite(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer at a time

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return newStore(&sqliteBackend{db: db}), nil
}

func (b *sqliteBackend) insert(ctx context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO sessions (id, subject_id, occurred_at, doc, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, s.ID, s.SubjectID, s.OccurredAt().UnixMilli(), string(data), s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (b *sqliteBackend) load(ctx context.Context, id string) (*model.Session, error) {
	return scanDoc(b.db.QueryRowContext(ctx, `SELECT doc FROM sessions WHERE id = ?`, id))
}

func scanDoc(row *sql.Row) (*model.Session, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return decodeSession([]byte(doc))
}

func (b *sqliteBackend) update(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	s, err := scanDoc(tx.QueryRowContext(ctx, `SELECT doc FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET doc = ?, updated_at = ? WHERE id = ?`,
		string(data), s.UpdatedAt.UnixMilli(), id,
	); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s, nil
}

func (b *sqliteBackend) appendLog(ctx context.Context, e model.ProcessingLogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO processing_logs (session_id, entry, recorded_at) VALUES (?, ?, ?)`,
		e.SessionID, string(data), e.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (b *sqliteBackend) logs(ctx context.Context, id string) ([]model.ProcessingLogEntry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT entry FROM processing_logs WHERE session_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessingLogEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		var e model.ProcessingLogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) bySubject(ctx context.Context, subjectID string) ([]*model.Session, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT doc FROM sessions WHERE subject_id = ? ORDER BY occurred_at DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s, err := decodeSession([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}
