package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/voicetext/internal/config"
	_ "modernc.org/sqlite"
)

const (
	EventSessionStarted  = "session.started"
	EventTranscriptFinal = "transcript.final"
	EventSessionEnded    = "session.ended"
)

// Event is one entry on a recording session's timeline.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Recording summarises a capture session.
type Recording struct {
	SessionID  string    `json:"session_id"`
	Engine     string    `json:"engine"`
	Recognizer string    `json:"recognizer"`
	EndReason  string    `json:"end_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Exchange is a logged chat round trip.
type Exchange struct {
	ID        int64     `json:"id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed timeline of recordings and chat exchanges.
// In ephemeral mode every method is a no-op.
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
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    engine TEXT,
    recognizer TEXT,
    end_reason TEXT,
    created_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE TABLE IF NOT EXISTS exchanges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    prompt TEXT,
    response TEXT,
    error TEXT,
    latency_ms INTEGER,
    created_at INTEGER NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession records the start of a recording session.
func (s *Store) AppendSession(ctx context.Context, sessionID, engine, recognizer string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, engine, recognizer, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET engine=excluded.engine, recognizer=excluded.recognizer`,
		sessionID, engine, recognizer, toMillis(s.clock()))
	return err
}

// EndSession stamps the end reason of a recording session.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_reason = ?, ended_at = ? WHERE session_id = ?`,
		reason, toMillis(s.clock()), sessionID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, toMillis(evt.CreatedAt))
	return err
}

// AppendExchange logs a chat round trip.
func (s *Store) AppendExchange(ctx context.Context, ex Exchange) error {
	if s.disabled() {
		return nil
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges(prompt, response, error, latency_ms, created_at) VALUES(?, ?, ?, ?, ?)`,
		ex.Prompt, ex.Response, ex.Error, ex.LatencyMS, toMillis(ex.CreatedAt))
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListRecordings returns the most recent recordings first.
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, engine, recognizer, COALESCE(end_reason, ''), created_at, COALESCE(ended_at, 0)
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recordings []Recording
	for rows.Next() {
		var r Recording
		var created, ended int64
		if err := rows.Scan(&r.SessionID, &r.Engine, &r.Recognizer, &r.EndReason, &created, &ended); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMillis(created)
		if ended > 0 {
			r.EndedAt = fromMillis(ended)
		}
		recordings = append(recordings, r)
	}
	return recordings, rows.Err()
}

// ListExchanges returns the most recent chat exchanges first.
func (s *Store) ListExchanges(ctx context.Context, limit int) ([]Exchange, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt, response, error, latency_ms, created_at
		 FROM exchanges ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exchanges []Exchange
	for rows.Next() {
		var ex Exchange
		var created int64
		if err := rows.Scan(&ex.ID, &ex.Prompt, &ex.Response, &ex.Error, &ex.LatencyMS, &created); err != nil {
			return nil, err
		}
		ex.CreatedAt = fromMillis(created)
		exchanges = append(exchanges, ex)
	}
	return exchanges, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := toMillis(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM exchanges WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
