package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-voicebot/internal/config"
)

// Event is one job transition in a guild's timeline.
type Event struct {
	ID        int64     `json:"id"`
	GuildID   string    `json:"guild_id"`
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	Source    string    `json:"source,omitempty"`
	StyleID   string    `json:"style_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps guild job timelines and speaking style preferences in SQLite.
// In ephemeral mode nothing touches disk and preferences live in memory.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu          sync.Mutex
	userStyles  map[string]string
	guildStyles map[string]string
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{
			cfg:         cfg,
			log:         log,
			clock:       time.Now,
			userStyles:  make(map[string]string),
			guildStyles: make(map[string]string),
		}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
	ddl := `
CREATE TABLE IF NOT EXISTS guilds (
    guild_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    source TEXT,
    style_id TEXT,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(guild_id) REFERENCES guilds(guild_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_job_events_guild_created ON job_events(guild_id, created_at);
CREATE TABLE IF NOT EXISTS user_styles (
    user_id TEXT PRIMARY KEY,
    style_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS guild_styles (
    guild_id TEXT PRIMARY KEY,
    style_id TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Persistent() bool { return s.db != nil }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// AppendEvent records evt, creating or refreshing the guild row.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	ts := evt.CreatedAt.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO guilds(guild_id, created_at, last_seen) VALUES(?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET last_seen=excluded.last_seen`,
		evt.GuildID, ts, ts); err != nil {
		return fmt.Errorf("upsert guild: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_events(guild_id, job_id, event_type, source, style_id, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.GuildID, evt.JobID, evt.Type, evt.Source, evt.StyleID, evt.Detail, ts); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// ListGuildEvents returns the latest limit events for a guild, oldest first.
func (s *Store) ListGuildEvents(ctx context.Context, guildID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, guild_id, job_id, event_type, source, style_id, detail, created_at FROM (
		     SELECT * FROM job_events WHERE guild_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                     Event
			source, style, detail sql.NullString
			created               int64
		)
		if err := rows.Scan(&e.ID, &e.GuildID, &e.JobID, &e.Type, &source, &style, &detail, &created); err != nil {
			return nil, err
		}
		e.Source, e.StyleID, e.Detail = source.String, style.String, detail.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and on a schedule).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM guilds WHERE last_seen < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxGuilds > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM guilds WHERE guild_id IN (
			SELECT guild_id FROM guilds ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxGuilds)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetUserStyle stores the style a user's messages are read with.
func (s *Store) SetUserStyle(ctx context.Context, userID, styleID string) error {
	if s.db == nil {
		s.mu.Lock()
		s.userStyles[userID] = styleID
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_styles(user_id, style_id) VALUES(?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET style_id=excluded.style_id`, userID, styleID)
	return err
}

// SetGuildStyle stores the style used for users without a preference.
func (s *Store) SetGuildStyle(ctx context.Context, guildID, styleID string) error {
	if s.db == nil {
		s.mu.Lock()
		s.guildStyles[guildID] = styleID
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_styles(guild_id, style_id) VALUES(?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET style_id=excluded.style_id`, guildID, styleID)
	return err
}

// ResolveStyle picks the user's style, then the guild's, then fallback.
func (s *Store) ResolveStyle(ctx context.Context, userID, guildID, fallback string) (string, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if style, ok := s.userStyles[userID]; ok && userID != "" {
			return style, nil
		}
		if style, ok := s.guildStyles[guildID]; ok {
			return style, nil
		}
		return fallback, nil
	}

	if userID != "" {
		style, err := s.lookupStyle(ctx, `SELECT style_id FROM user_styles WHERE user_id = ?`, userID)
		if err != nil || style != "" {
			return style, err
		}
	}
	style, err := s.lookupStyle(ctx, `SELECT style_id FROM guild_styles WHERE guild_id = ?`, guildID)
	if err != nil {
		return "", err
	}
	if style != "" {
		return style, nil
	}
	return fallback, nil
}

func (s *Store) lookupStyle(ctx context.Context, query, key string) (string, error) {
	var style string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&style)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup style: %w", err)
	}
	return style, nil
}
