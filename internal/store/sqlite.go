// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists diagnostics and metric samples with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS diagnostics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			route TEXT NOT NULL,
			detail_json TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_diagnostics_session
			ON diagnostics(session_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_diagnostics_kind
			ON diagnostics(kind);

		CREATE TABLE IF NOT EXISTS metric_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			tags_json TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_metric_samples_name
			ON metric_samples(name, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveDiagnostic stores a diagnostic and fills its ID.
func (s *SQLiteStore) SaveDiagnostic(ctx context.Context, d *Diagnostic) error {
	detail, err := marshalOptional(d.Detail)
	if err != nil {
		return fmt.Errorf("marshaling diagnostic detail: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO diagnostics (session_id, kind, route, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.SessionID, d.Kind, d.Route, detail, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting diagnostic: %w", err)
	}

	d.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting diagnostic id: %w", err)
	}
	return nil
}

// ListDiagnostics returns matching diagnostics, newest first.
func (s *SQLiteStore) ListDiagnostics(ctx context.Context, f DiagnosticFilter) ([]*Diagnostic, error) {
	query := `
		SELECT id, session_id, kind, route, detail_json, created_at
		FROM diagnostics
		WHERE (? = '' OR session_id = ?)
		  AND (? = '' OR kind = ?)
		  AND (? = '' OR created_at >= ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	since := sinceString(f.Since)
	rows, err := s.db.QueryContext(ctx, query,
		f.SessionID, f.SessionID,
		f.Kind, f.Kind,
		since, since,
		limitOrDefault(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying diagnostics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Diagnostic
	for rows.Next() {
		d, err := scanDiagnostic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating diagnostic rows: %w", err)
	}
	return out, nil
}

// SaveMetricSample stores a metric sample and fills its ID.
func (s *SQLiteStore) SaveMetricSample(ctx context.Context, m *MetricSample) error {
	tags, err := marshalOptional(m.Tags)
	if err != nil {
		return fmt.Errorf("marshaling metric tags: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_samples (name, value, tags_json, created_at)
		VALUES (?, ?, ?, ?)
	`, m.Name, m.Value, tags, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting metric sample: %w", err)
	}

	m.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting metric sample id: %w", err)
	}
	return nil
}

// ListMetricSamples returns matching samples, newest first.
func (s *SQLiteStore) ListMetricSamples(ctx context.Context, f MetricFilter) ([]*MetricSample, error) {
	query := `
		SELECT id, name, value, tags_json, created_at
		FROM metric_samples
		WHERE (? = '' OR name = ?)
		  AND (? = '' OR created_at >= ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	since := sinceString(f.Since)
	rows, err := s.db.QueryContext(ctx, query, f.Name, f.Name, since, since, limitOrDefault(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying metric samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MetricSample
	for rows.Next() {
		m, err := scanMetricSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metric rows: %w", err)
	}
	return out, nil
}

// Prune deletes diagnostics and samples created before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := formatTime(cutoff)
	var total int64
	for _, table := range []string{"diagnostics", "metric_samples"} {
		result, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", ts)
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("getting rows affected: %w", err)
		}
		total += n
	}
	if total > 0 {
		s.logger.Debug("pruned ledger rows", "rows", total, "cutoff", cutoff)
	}
	return total, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanDiagnostic(row scanner) (*Diagnostic, error) {
	var d Diagnostic
	var detail *string
	var ts string
	if err := row.Scan(&d.ID, &d.SessionID, &d.Kind, &d.Route, &detail, &ts); err != nil {
		return nil, fmt.Errorf("scanning diagnostic: %w", err)
	}
	var err error
	if d.CreatedAt, err = parseTime(ts); err != nil {
		return nil, err
	}
	if detail != nil {
		if err := json.Unmarshal([]byte(*detail), &d.Detail); err != nil {
			return nil, fmt.Errorf("unmarshaling diagnostic detail: %w", err)
		}
	}
	return &d, nil
}

func scanMetricSample(row scanner) (*MetricSample, error) {
	var m MetricSample
	var tags *string
	var ts string
	if err := row.Scan(&m.ID, &m.Name, &m.Value, &tags, &ts); err != nil {
		return nil, fmt.Errorf("scanning metric sample: %w", err)
	}
	var err error
	if m.CreatedAt, err = parseTime(ts); err != nil {
		return nil, err
	}
	if tags != nil {
		if err := json.Unmarshal([]byte(*tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("unmarshaling metric tags: %w", err)
		}
	}
	return &m, nil
}

// marshalOptional returns nil for empty maps so the column stays NULL.
func marshalOptional[M ~map[K]V, K comparable, V any](m M) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Timestamps are stored as fixed-width RFC3339 so string comparison orders them.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func sinceString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return t, nil
}
