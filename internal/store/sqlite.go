package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"grove/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ContextStore using SQLite. The unique primary
// key on (channel_id, id) doubles as the dedup ledger; per-channel mutexes
// make the check-and-insert atomic under concurrent identical deliveries and
// keep stored order equal to arrival order within a channel.
type SQLiteStore struct {
	db            *sql.DB
	defaultWindow int
	logger        *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewSQLiteStore(dbPath string, defaultWindow int, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if defaultWindow <= 0 {
		defaultWindow = 10
	}

	s := &SQLiteStore{
		db:            db,
		defaultWindow: defaultWindow,
		logger:        logger,
		locks:         make(map[string]*sync.Mutex),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		channel_id  TEXT NOT NULL,
		id          TEXT NOT NULL,
		author_id   TEXT NOT NULL,
		author_name TEXT,
		body        TEXT,
		attachments TEXT,
		handler_id  TEXT,
		is_response INTEGER NOT NULL DEFAULT 0,
		created_at  DATETIME NOT NULL,
		PRIMARY KEY (channel_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chrono ON messages(channel_id, created_at);

	CREATE TABLE IF NOT EXISTS channel_settings (
		channel_id  TEXT PRIMARY KEY,
		window_size INTEGER NOT NULL,
		router_mode INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// channelLock returns the ordering mutex for a channel, creating it lazily.
func (s *SQLiteStore) channelLock(channelID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[channelID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[channelID] = mu
	}
	return mu
}

func (s *SQLiteStore) Append(ctx context.Context, msg domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var attachJSON sql.NullString
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		attachJSON = sql.NullString{String: string(data), Valid: true}
	}

	mu := s.channelLock(msg.ChannelID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel_id, id, author_id, author_name, body, attachments, handler_id, is_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ChannelID, msg.ID, msg.AuthorID, msg.AuthorName, msg.Body,
		attachJSON, msg.HandlerID, boolToInt(msg.IsResponse), msg.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domain.ErrDuplicateMessage
		}
		return fmt.Errorf("%w: append: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Window(ctx context.Context, channelID string, size int) ([]domain.Message, error) {
	if size <= 0 {
		settings, err := s.Settings(ctx, channelID)
		if err != nil {
			return nil, err
		}
		size = settings.WindowSize
	}

	// Last N, newest first; rowid breaks same-timestamp ties by arrival order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, author_id, author_name, body, attachments, handler_id, is_response, created_at
		 FROM messages WHERE channel_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, channelID, size,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: window: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var attachJSON, handlerID sql.NullString
		var isResponse int
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.AuthorName,
			&m.Body, &attachJSON, &handlerID, &isResponse, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrStoreUnavailable, err)
		}
		m.HandlerID = handlerID.String
		m.IsResponse = isResponse != 0
		if attachJSON.Valid && attachJSON.String != "" {
			if err := json.Unmarshal([]byte(attachJSON.String), &m.Attachments); err != nil {
				s.logger.Warn("corrupt attachment record", "channel", channelID, "message", m.ID, "err", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: window: %v", domain.ErrStoreUnavailable, err)
	}

	// Reverse to chronological order, oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, channelID string, olderThan time.Duration) (int, error) {
	mu := s.channelLock(channelID)
	mu.Lock()
	defer mu.Unlock()

	var res sql.Result
	var err error
	if olderThan > 0 {
		cutoff := time.Now().UTC().Add(-olderThan)
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE channel_id = ? AND created_at < ?`, channelID, cutoff)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE channel_id = ?`, channelID)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: clear: %v", domain.ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Settings(ctx context.Context, channelID string) (domain.ChannelSettings, error) {
	settings := domain.ChannelSettings{
		ChannelID:  channelID,
		WindowSize: s.defaultWindow,
	}

	var windowSize, routerMode int
	err := s.db.QueryRowContext(ctx,
		`SELECT window_size, router_mode FROM channel_settings WHERE channel_id = ?`, channelID,
	).Scan(&windowSize, &routerMode)
	if err == sql.ErrNoRows {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("%w: settings: %v", domain.ErrStoreUnavailable, err)
	}

	settings.WindowSize = windowSize
	settings.RouterMode = routerMode != 0
	return settings, nil
}

func (s *SQLiteStore) SetWindowSize(ctx context.Context, channelID string, size int) error {
	if size <= 0 {
		return fmt.Errorf("window size must be positive, got %d", size)
	}
	return s.upsertSettings(ctx, channelID, func(cur *domain.ChannelSettings) {
		cur.WindowSize = size
	})
}

func (s *SQLiteStore) ResetWindowSize(ctx context.Context, channelID string) error {
	return s.upsertSettings(ctx, channelID, func(cur *domain.ChannelSettings) {
		cur.WindowSize = s.defaultWindow
	})
}

func (s *SQLiteStore) SetRouterMode(ctx context.Context, channelID string, active bool) error {
	return s.upsertSettings(ctx, channelID, func(cur *domain.ChannelSettings) {
		cur.RouterMode = active
	})
}

// upsertSettings reads the current row (or defaults), applies the mutation,
// and writes it back. Settings rows are created lazily and never deleted.
func (s *SQLiteStore) upsertSettings(ctx context.Context, channelID string, mutate func(*domain.ChannelSettings)) error {
	mu := s.channelLock(channelID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.Settings(ctx, channelID)
	if err != nil {
		return err
	}
	mutate(&cur)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channel_settings (channel_id, window_size, router_mode) VALUES (?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET window_size = excluded.window_size, router_mode = excluded.router_mode`,
		channelID, cur.WindowSize, boolToInt(cur.RouterMode),
	)
	if err != nil {
		return fmt.Errorf("%w: settings update: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
