// Package eventstore keeps a SQLite history of pipeline runs and the
// captions they produced.
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

	"github.com/loqalabs/loqa-captions/internal/config"
	_ "modernc.org/sqlite"
)

// Run is one pipeline lifetime.
type Run struct {
	ID             string
	Device         string
	SourceLanguage string
	TargetLanguage string
	StartedAt      time.Time
	EndedAt        time.Time
}

// Caption is one published utterance.
type Caption struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Seq        uint64    `json:"seq"`
	Source     string    `json:"source"`
	Translated string    `json:"translated"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the SQLite database. In ephemeral mode every method is a
// no-op and nothing touches disk.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
			log.Warn("caption store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("caption store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    device TEXT,
    source_language TEXT,
    target_language TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS captions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    source TEXT,
    translated TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_captions_run_seq ON captions(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_captions_created ON captions(created_at);
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

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether captions are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// BeginRun records the start of a pipeline run.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if !s.Enabled() {
		return nil
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, device, source_language, target_language, started_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET device=excluded.device`,
		run.ID, run.Device, run.SourceLanguage, run.TargetLanguage, run.StartedAt)
	return err
}

// EndRun stamps the run's end time.
func (s *Store) EndRun(ctx context.Context, runID string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET ended_at = ? WHERE run_id = ?`, s.clock().UTC(), runID)
	return err
}

// AppendCaption writes one caption.
func (s *Store) AppendCaption(ctx context.Context, c Caption) error {
	if !s.Enabled() {
		return nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captions(run_id, seq, source, translated, created_at) VALUES(?, ?, ?, ?, ?)`,
		c.RunID, int64(c.Seq), c.Source, c.Translated, c.CreatedAt)
	return err
}

// ListCaptions returns the newest limit captions of a run in sequence order.
// An empty runID lists across all runs.
func (s *Store) ListCaptions(ctx context.Context, runID string, limit int) ([]Caption, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, run_id, seq, source, translated, created_at FROM captions`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var captions []Caption
	for rows.Next() {
		var (
			c       Caption
			seq     int64
			created string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &seq, &c.Source, &c.Translated, &created); err != nil {
			return nil, err
		}
		c.Seq = uint64(seq)
		c.CreatedAt = parseTime(created)
		captions = append(captions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(captions)-1; i < j; i, j = i+1, j-1 {
		captions[i], captions[j] = captions[j], captions[i]
	}
	return captions, nil
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM captions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
