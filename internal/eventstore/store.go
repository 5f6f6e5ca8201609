package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/config"
	_ "modernc.org/sqlite"
)

// Turn is one admitted END on a connection and how it ended.
type Turn struct {
	ID         int64
	SessionID  string
	Outcome    string
	Transcript string
	Reply      string
	Tools      []string
	AudioBytes int
	Latency    time.Duration
	CreatedAt  time.Time
}

// Store is a write-mostly audit timeline of dialog sessions and turns.
// A nil *Store and the ephemeral retention mode both turn every write into a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    remote_addr TEXT,
    opened_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    transcript TEXT,
    reply TEXT,
    tools TEXT,
    audio_bytes INTEGER,
    latency_ms INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init event store schema: %w", err)
	}
	return nil
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if !s.enabled() {
		return nil
	}
	return s.db.Close()
}

// OpenSession records a new connection.
func (s *Store) OpenSession(ctx context.Context, sessionID, remoteAddr string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, remote_addr, opened_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET remote_addr=excluded.remote_addr`,
		sessionID, remoteAddr, s.clock().UTC())
	return err
}

// CloseSession stamps the close time of a connection.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ? WHERE session_id = ?`, s.clock().UTC(), sessionID)
	return err
}

// AppendTurn writes a turn into the store.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) error {
	if !s.enabled() {
		return nil
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(session_id, outcome, transcript, reply, tools, audio_bytes, latency_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.Outcome, turn.Transcript, turn.Reply, strings.Join(turn.Tools, ","),
		turn.AudioBytes, turn.Latency.Milliseconds(), turn.CreatedAt)
	return err
}

// ListTurns retrieves up to limit turns for a session ordered ascending by time.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, outcome, transcript, reply, tools, audio_bytes, latency_ms, created_at
		 FROM turns WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t       Turn
			tools   string
			latency int64
			created string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Outcome, &t.Transcript, &t.Reply, &tools, &t.AudioBytes, &latency, &created); err != nil {
			return nil, err
		}
		if tools != "" {
			t.Tools = strings.Split(tools, ",")
		}
		t.Latency = time.Duration(latency) * time.Millisecond
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.CreatedAt = ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE opened_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY opened_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
