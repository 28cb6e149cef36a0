package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"xmonitor/pkg/notifier"
)

//go:embed schema.sql
var schema string

// SQLite stores subscriber documents in a single table.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (and migrates) the database at path.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("SQLITE_PATH required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logger.Warn("Failed to apply sqlite pragma", "pragma", pragma, "error", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

// Save upserts the document inside the statement's implicit transaction.
func (s *SQLite) Save(ctx context.Context, sub *notifier.Subscriber) error {
	data, err := encode(sub)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, doc, updated_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		sub.ChatID, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	s.logger.Debug("Subscriber saved to sqlite", "chat_id", sub.ChatID, "watch_count", len(sub.Watches))
	return nil
}

// List reads every stored subscriber.
func (s *SQLite) List(ctx context.Context) ([]*notifier.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, doc FROM subscribers ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var subs []*notifier.Subscriber
	for rows.Next() {
		var chatID, doc string
		if err := rows.Scan(&chatID, &doc); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub, err := decode([]byte(doc))
		if err != nil {
			s.logger.Warn("Skipping corrupt subscriber", "chat_id", chatID, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
