// Package audit provides PostgreSQL-backed storage for the moderation audit
// trail. Each row captures one gateway invocation: the original draft, the
// rewritten text (when the call succeeded), and the failure reason (when it
// fell open). Writes are best-effort and never sit on the delivery path.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/talktome/peerchat/internal/moderation"
)

// Store manages the moderation audit trail in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies pending schema migrations from the given source directory.
func Migrate(databaseURL, migrationsDir string) error {
	m, err := migrate.New("file://"+migrationsDir, databaseURL)
	if err != nil {
		return fmt.Errorf("audit: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// RecordRewrite inserts one gateway invocation record. It implements the
// moderation AuditSink interface; errors are logged, not returned, because
// the audit trail is best-effort.
func (s *Store) RecordRewrite(ctx context.Context, rec moderation.RewriteRecord) {
	const query = `
		INSERT INTO moderation_audit (identity, original, rewritten, model, latency_ms, failed, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		rec.Identity,
		rec.Original,
		rec.Rewritten,
		rec.Model,
		rec.Latency.Milliseconds(),
		rec.Failed,
		rec.Reason,
	)
	if err != nil {
		log.Printf("[audit] insert failed identity=%s: %v", rec.Identity, err)
	}
}

// RecentFailures returns the number of failed-open moderation calls within
// the given window. Useful for alerting on a degraded completion service.
func (s *Store) RecentFailures(ctx context.Context, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_audit
		WHERE failed
		  AND created_at >= NOW() - $1::interval`

	var count int
	if err := s.db.QueryRowContext(ctx, query, window.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: count failures: %w", err)
	}
	return count, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
