// Package structcache persists the Episode/Sequence/Shot directory
// snapshot per endpoint, with TTL-gated validity. Entries for an endpoint
// are only ever replaced wholesale, in one transaction, so readers always
// observe a single consistent scan pass.
package structcache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/katha-begin/shotsync/internal/logging"
	"github.com/katha-begin/shotsync/internal/metrics"
)

// Entry is one cached shot row.
type Entry struct {
	EndpointID   string
	Episode      string
	Sequence     string
	Shot         string
	ExistsRemote bool
	ExistsLocal  bool
	HasAnim      bool
	HasLighting  bool
	LastScanned  time.Time
	ExpiresAt    time.Time
}

// Meta is the per-endpoint validity gate.
type Meta struct {
	EndpointID     string
	LastFullScan   time.Time
	NextFullScan   time.Time
	TotalEpisodes  int
	TotalSequences int
	TotalShots     int
	ScanDuration   time.Duration
}

// ValidAt reports whether the cache is valid at the given instant.
func (m Meta) ValidAt(now time.Time) bool {
	return now.Before(m.NextFullScan)
}

// Store is a PostgreSQL structure cache store.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL structure cache store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// IsCacheValid reports whether the endpoint's cache exists and has not
// passed its next-scan deadline. A missing metadata row is a cache miss,
// not an error.
func (s *Store) IsCacheValid(ctx context.Context, endpointID string) (bool, error) {
	meta, ok, err := s.Meta(ctx, endpointID)
	if err != nil {
		return false, err
	}
	valid := ok && meta.ValidAt(time.Now())
	if valid {
		metrics.RecordCacheLookup("hit")
	} else {
		metrics.RecordCacheLookup("miss")
	}
	return valid, nil
}

// Meta fetches the endpoint's cache metadata row. ok=false means the
// endpoint has never been scanned.
func (s *Store) Meta(ctx context.Context, endpointID string) (Meta, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("cache_meta", time.Since(start)) }()

	var m Meta
	var scanMillis int64
	err := s.db.QueryRowContext(ctx,
		`SELECT endpoint_id, last_full_scan, next_full_scan, total_episodes, total_sequences, total_shots, scan_duration_ms
		 FROM structure_cache_meta WHERE endpoint_id = $1`,
		endpointID,
	).Scan(&m.EndpointID, &m.LastFullScan, &m.NextFullScan,
		&m.TotalEpisodes, &m.TotalSequences, &m.TotalShots, &scanMillis)
	if err == sql.ErrNoRows {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("query cache meta: %w", err)
	}
	m.ScanDuration = time.Duration(scanMillis) * time.Millisecond
	return m, true, nil
}

// ReplaceEntries atomically replaces the endpoint's cached rows with a new
// scan's result set and upserts the metadata row. Old rows stay visible
// until the transaction commits.
func (s *Store) ReplaceEntries(ctx context.Context, endpointID string, entries []Entry, meta Meta) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("cache_replace", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM structure_cache_entries WHERE endpoint_id = $1`, endpointID); err != nil {
		return fmt.Errorf("delete old entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO structure_cache_entries
		 (endpoint_id, episode, sequence, shot, exists_remote, exists_local, has_anim, has_lighting, last_scanned, cache_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			endpointID, e.Episode, e.Sequence, e.Shot,
			e.ExistsRemote, e.ExistsLocal, e.HasAnim, e.HasLighting,
			e.LastScanned, e.ExpiresAt); err != nil {
			return fmt.Errorf("insert entry %s/%s/%s: %w", e.Episode, e.Sequence, e.Shot, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO structure_cache_meta
		 (endpoint_id, last_full_scan, next_full_scan, total_episodes, total_sequences, total_shots, scan_duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (endpoint_id) DO UPDATE SET
		   last_full_scan = EXCLUDED.last_full_scan,
		   next_full_scan = EXCLUDED.next_full_scan,
		   total_episodes = EXCLUDED.total_episodes,
		   total_sequences = EXCLUDED.total_sequences,
		   total_shots = EXCLUDED.total_shots,
		   scan_duration_ms = EXCLUDED.scan_duration_ms`,
		endpointID, meta.LastFullScan, meta.NextFullScan,
		meta.TotalEpisodes, meta.TotalSequences, meta.TotalShots,
		meta.ScanDuration.Milliseconds()); err != nil {
		return fmt.Errorf("upsert cache meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	metrics.SetCachedShots(endpointID, len(entries))
	return nil
}

// Episodes returns the cached episode names for an endpoint. Read-only:
// never triggers a scan.
func (s *Store) Episodes(ctx context.Context, endpointID string) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("cache_episodes", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT episode FROM structure_cache_entries
		 WHERE endpoint_id = $1 ORDER BY episode`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// Sequences returns the cached sequence names within an episode.
func (s *Store) Sequences(ctx context.Context, endpointID, episode string) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("cache_sequences", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT sequence FROM structure_cache_entries
		 WHERE endpoint_id = $1 AND episode = $2 ORDER BY sequence`, endpointID, episode)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// Shots returns the cached shot rows within a sequence.
func (s *Store) Shots(ctx context.Context, endpointID, episode, sequence string) ([]Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("cache_shots", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint_id, episode, sequence, shot, exists_remote, exists_local, has_anim, has_lighting, last_scanned, cache_expires_at
		 FROM structure_cache_entries
		 WHERE endpoint_id = $1 AND episode = $2 AND sequence = $3
		 ORDER BY shot`, endpointID, episode, sequence)
	if err != nil {
		return nil, fmt.Errorf("query shots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EndpointID, &e.Episode, &e.Sequence, &e.Shot,
			&e.ExistsRemote, &e.ExistsLocal, &e.HasAnim, &e.HasLighting,
			&e.LastScanned, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan shot row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AllShots returns every cached shot row for an endpoint.
func (s *Store) AllShots(ctx context.Context, endpointID string) ([]Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("cache_all_shots", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint_id, episode, sequence, shot, exists_remote, exists_local, has_anim, has_lighting, last_scanned, cache_expires_at
		 FROM structure_cache_entries
		 WHERE endpoint_id = $1
		 ORDER BY episode, sequence, shot`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("query all shots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EndpointID, &e.Episode, &e.Sequence, &e.Shot,
			&e.ExistsRemote, &e.ExistsLocal, &e.HasAnim, &e.HasLighting,
			&e.LastScanned, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan shot row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
