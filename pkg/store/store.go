// Package store persists pipeline results to SQLite so findings survive
// agent restarts and read-only consumers (the monitor endpoints, fleet
// sync) can query past runs without holding them in memory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/sentriva/hostscan/pkg/compress"
	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
	"github.com/sentriva/hostscan/pkg/his"
	"github.com/sentriva/hostscan/pkg/metrics"
	"github.com/sentriva/hostscan/pkg/shared/severity"
)

// DefaultRawCompressThreshold is the raw-output size above which the blob
// is zstd-compressed before persisting.
const DefaultRawCompressThreshold = 4 * 1024

// Config configures the result store.
type Config struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string

	// RawCompressThreshold is the raw payload size in bytes above which
	// zstd compression kicks in. Zero uses the default.
	RawCompressThreshold int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:         "./data/security/hostscan.db",
		RawCompressThreshold: DefaultRawCompressThreshold,
	}
}

// Store is the SQLite-backed result store.
type Store struct {
	db        *sql.DB
	cfg       *Config
	logger    core.Logger
	collector metrics.Collector
	mu        sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the diagnostic logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(s *Store) { s.collector = collector }
}

// New opens (or creates) the store database and initializes the schema.
func New(cfg *Config, opts ...Option) (*Store, error) {
	const op = "store.New"

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RawCompressThreshold <= 0 {
		cfg.RawCompressThreshold = DefaultRawCompressThreshold
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, errors.E(op, errors.KindInternal, "create store directory", err)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, errors.E(op, errors.KindInternal, "open database", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.E(op, errors.KindInternal, "set pragma", err)
		}
	}

	s := &Store{
		db:        db,
		cfg:       cfg,
		logger:    core.GetDefaultLogger(),
		collector: metrics.GetDefaultCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.E(op, errors.KindInternal, "init schema", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		profile TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		critical INTEGER NOT NULL DEFAULT 0,
		high INTEGER NOT NULL DEFAULT 0,
		medium INTEGER NOT NULL DEFAULT 0,
		low INTEGER NOT NULL DEFAULT 0,
		info INTEGER NOT NULL DEFAULT 0,
		unknown INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS scan_results (
		scan_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_idx INTEGER NOT NULL,
		tool TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		raw BLOB,
		raw_algo TEXT NOT NULL DEFAULT 'none',
		raw_size INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS findings (
		run_id TEXT NOT NULL,
		scan_id TEXT NOT NULL,
		id TEXT NOT NULL,
		tool TEXT NOT NULL,
		severity TEXT NOT NULL,
		severity_priority INTEGER NOT NULL,
		category TEXT NOT NULL,
		title TEXT,
		description TEXT,
		target TEXT,
		evidence TEXT,
		mitre_attack TEXT,
		timestamp TIMESTAMP,
		PRIMARY KEY (run_id, scan_id, id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_profile ON runs(profile, started_at);
	CREATE INDEX IF NOT EXISTS idx_scan_results_run ON scan_results(run_id, step_idx);
	CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity_priority);
	CREATE INDEX IF NOT EXISTS idx_findings_tool ON findings(tool);
	`
	_, err := s.db.Exec(schema)
	return err
}

// rawPayload is the serialized form of a scan's raw output.
type rawPayload struct {
	ExitCode    int           `json:"exit_code"`
	Stdout      []byte        `json:"stdout,omitempty"`
	Stderr      []byte        `json:"stderr,omitempty"`
	Duration    time.Duration `json:"duration"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	OutputFiles []string      `json:"output_files,omitempty"`
}

// SaveResult persists a complete pipeline result in one transaction.
func (s *Store) SaveResult(ctx context.Context, result *his.PipelineResult) error {
	const op = "store.SaveResult"

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(op, errors.KindInternal, "begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, profile, status, started_at, ended_at,
			critical, high, medium, low, info, unknown, total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.RunID, result.Profile, string(result.Status),
		result.StartedAt, result.EndedAt,
		result.Summary.Critical, result.Summary.High, result.Summary.Medium,
		result.Summary.Low, result.Summary.Info, result.Summary.Unknown,
		result.Summary.Total,
	)
	if err != nil {
		return errors.E(op, errors.KindInternal, "insert run", err)
	}

	for i := range result.Results {
		res := &result.Results[i]

		rawBlob, rawAlgo, rawSize, err := s.encodeRaw(res.Raw)
		if err != nil {
			s.logger.Warn("raw output for %s not persisted: %v", res.Tool, err)
			rawBlob, rawAlgo, rawSize = nil, string(compress.AlgorithmNone), 0
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO scan_results (scan_id, run_id, step_idx, tool, status,
				started_at, ended_at, duration_ms, exit_code, attempts, error,
				raw, raw_algo, raw_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			res.ScanID, result.RunID, i, res.Tool, string(res.Status),
			res.StartedAt, res.EndedAt, res.Duration.Milliseconds(),
			res.ExitCode, res.Attempts, res.Error,
			rawBlob, rawAlgo, rawSize,
		)
		if err != nil {
			return errors.E(op, errors.KindInternal, fmt.Sprintf("insert scan result %s", res.Tool), err)
		}
		if rawSize > 0 {
			s.collector.CounterAdd(metrics.StoreRawBytes.Name, float64(rawSize))
		}

		for _, f := range res.Findings {
			evidence, _ := json.Marshal(f.Evidence)
			_, err = tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO findings (run_id, scan_id, id, tool,
					severity, severity_priority, category, title, description,
					target, evidence, mitre_attack, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				result.RunID, res.ScanID, f.ID, f.Tool,
				string(f.Severity), f.Severity.Priority(), string(f.Category),
				f.Title, f.Description, f.Target, string(evidence),
				f.MitreATTACK, f.Timestamp,
			)
			if err != nil {
				return errors.E(op, errors.KindInternal, "insert finding", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.E(op, errors.KindInternal, "commit", err)
	}
	return nil
}

// encodeRaw serializes a raw output, compressing payloads over the
// configured threshold.
func (s *Store) encodeRaw(raw *his.RawOutput) ([]byte, string, int, error) {
	if raw == nil {
		return nil, string(compress.AlgorithmNone), 0, nil
	}

	payload, err := json.Marshal(rawPayload{
		ExitCode:    raw.ExitCode,
		Stdout:      raw.Stdout,
		Stderr:      raw.Stderr,
		Duration:    raw.Duration,
		TimedOut:    raw.TimedOut,
		Truncated:   raw.Truncated,
		OutputFiles: raw.OutputFiles,
	})
	if err != nil {
		return nil, "", 0, err
	}

	if len(payload) <= s.cfg.RawCompressThreshold {
		return payload, string(compress.AlgorithmNone), len(payload), nil
	}

	compressed, err := compress.DefaultZSTD.Compress(payload)
	if err != nil {
		return nil, "", 0, err
	}
	return compressed, string(compress.AlgorithmZSTD), len(compressed), nil
}

// LoadRaw returns the stored raw output for a scan, or nil when none was
// persisted.
func (s *Store) LoadRaw(ctx context.Context, scanID string) (*his.RawOutput, error) {
	const op = "store.LoadRaw"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	var algo string
	err := s.db.QueryRowContext(ctx,
		`SELECT raw, raw_algo FROM scan_results WHERE scan_id = ?`, scanID,
	).Scan(&blob, &algo)
	if err == sql.ErrNoRows || len(blob) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(op, errors.KindInternal, "query raw", err)
	}

	if algo == string(compress.AlgorithmZSTD) {
		blob, err = compress.DefaultZSTD.Decompress(blob)
		if err != nil {
			return nil, errors.E(op, errors.KindInternal, "decompress raw", err)
		}
	}

	var payload rawPayload
	if err := json.Unmarshal(blob, &payload); err != nil {
		return nil, errors.E(op, errors.KindInternal, "decode raw", err)
	}
	return &his.RawOutput{
		ExitCode:    payload.ExitCode,
		Stdout:      payload.Stdout,
		Stderr:      payload.Stderr,
		Duration:    payload.Duration,
		TimedOut:    payload.TimedOut,
		Truncated:   payload.Truncated,
		OutputFiles: payload.OutputFiles,
	}, nil
}

// LatestRun returns the most recent run for a profile, with scan results in
// declared step order and all findings attached. Returns nil when the
// profile has never run. An empty profile matches any.
func (s *Store) LatestRun(ctx context.Context, profile string) (*his.PipelineResult, error) {
	const op = "store.LatestRun"

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, profile, status, started_at, ended_at,
		critical, high, medium, low, info, unknown, total FROM runs`
	args := []any{}
	if profile != "" {
		query += ` WHERE profile = ?`
		args = append(args, profile)
	}
	query += ` ORDER BY started_at DESC LIMIT 1`

	result := &his.PipelineResult{}
	var status string
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&result.RunID, &result.Profile, &status,
		&result.StartedAt, &endedAt,
		&result.Summary.Critical, &result.Summary.High, &result.Summary.Medium,
		&result.Summary.Low, &result.Summary.Info, &result.Summary.Unknown,
		&result.Summary.Total,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(op, errors.KindInternal, "query run", err)
	}
	result.Status = his.PipelineStatus(status)
	if endedAt.Valid {
		result.EndedAt = endedAt.Time
	}

	if err := s.loadScanResults(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) loadScanResults(ctx context.Context, result *his.PipelineResult) error {
	const op = "store.loadScanResults"

	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_id, tool, status, started_at, ended_at, duration_ms,
			exit_code, attempts, error
		FROM scan_results WHERE run_id = ? ORDER BY step_idx ASC
	`, result.RunID)
	if err != nil {
		return errors.E(op, errors.KindInternal, "query scan results", err)
	}
	defer rows.Close()

	for rows.Next() {
		var res his.ScanResult
		var status string
		var startedAt, endedAt sql.NullTime
		var durationMS int64
		var errText sql.NullString

		if err := rows.Scan(&res.ScanID, &res.Tool, &status, &startedAt, &endedAt,
			&durationMS, &res.ExitCode, &res.Attempts, &errText); err != nil {
			return errors.E(op, errors.KindInternal, "scan row", err)
		}
		res.Status = his.ScanStatus(status)
		if startedAt.Valid {
			res.StartedAt = startedAt.Time
		}
		if endedAt.Valid {
			res.EndedAt = endedAt.Time
		}
		res.Duration = time.Duration(durationMS) * time.Millisecond
		if errText.Valid {
			res.Error = errText.String
		}

		res.Findings, err = s.queryFindings(ctx, `
			SELECT id, tool, severity, category, title, description, target,
				evidence, mitre_attack, timestamp
			FROM findings WHERE run_id = ? AND scan_id = ?
			ORDER BY severity_priority DESC, id ASC
		`, result.RunID, res.ScanID)
		if err != nil {
			return err
		}
		for i := range res.Findings {
			res.Findings[i].RawRef = res.ScanID
		}

		result.Results = append(result.Results, res)
	}
	return rows.Err()
}

// RunSummary is a lightweight run listing row.
type RunSummary struct {
	RunID     string                   `json:"run_id"`
	Profile   string                   `json:"profile"`
	Status    his.PipelineStatus       `json:"status"`
	StartedAt time.Time                `json:"started_at"`
	EndedAt   time.Time                `json:"ended_at,omitempty"`
	Summary   severity.CountBySeverity `json:"summary"`
}

// RecentRuns lists the most recent runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	const op = "store.RecentRuns"

	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile, status, started_at, ended_at,
			critical, high, medium, low, info, unknown, total
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.E(op, errors.KindInternal, "query runs", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var status string
		var endedAt sql.NullTime
		if err := rows.Scan(&r.RunID, &r.Profile, &status, &r.StartedAt, &endedAt,
			&r.Summary.Critical, &r.Summary.High, &r.Summary.Medium,
			&r.Summary.Low, &r.Summary.Info, &r.Summary.Unknown,
			&r.Summary.Total); err != nil {
			return nil, errors.E(op, errors.KindInternal, "run row", err)
		}
		r.Status = his.PipelineStatus(status)
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FindingFilter narrows a findings query.
type FindingFilter struct {
	// Severity is the minimum severity to return
	Severity severity.Level

	// Tool restricts results to one tool
	Tool string

	// Limit caps the number of rows (default 100)
	Limit int
}

// ListFindings returns stored findings matching the filter, highest
// severity first, newest runs first.
func (s *Store) ListFindings(ctx context.Context, filter FindingFilter) ([]his.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT f.id, f.tool, f.severity, f.category, f.title, f.description,
			f.target, f.evidence, f.mitre_attack, f.timestamp
		FROM findings f
		JOIN runs r ON r.id = f.run_id
		WHERE 1=1`
	args := []any{}

	if filter.Severity != "" {
		query += ` AND f.severity_priority >= ?`
		args = append(args, filter.Severity.Priority())
	}
	if filter.Tool != "" {
		query += ` AND f.tool = ?`
		args = append(args, filter.Tool)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY r.started_at DESC, f.severity_priority DESC LIMIT ?`
	args = append(args, limit)

	return s.queryFindings(ctx, query, args...)
}

func (s *Store) queryFindings(ctx context.Context, query string, args ...any) ([]his.Finding, error) {
	const op = "store.queryFindings"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.E(op, errors.KindInternal, "query findings", err)
	}
	defer rows.Close()

	var findings []his.Finding
	for rows.Next() {
		var f his.Finding
		var sev, category, evidence string
		var title, description, target, mitre sql.NullString
		var ts sql.NullTime

		if err := rows.Scan(&f.ID, &f.Tool, &sev, &category, &title,
			&description, &target, &evidence, &mitre, &ts); err != nil {
			return nil, errors.E(op, errors.KindInternal, "finding row", err)
		}
		f.Severity = severity.Level(sev)
		f.Category = his.Category(category)
		f.Title = title.String
		f.Description = description.String
		f.Target = target.String
		f.MitreATTACK = mitre.String
		if ts.Valid {
			f.Timestamp = ts.Time
		}
		if evidence != "" && evidence != "null" {
			_ = json.Unmarshal([]byte(evidence), &f.Evidence)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// Prune removes runs (and their scan results and findings, via cascade)
// older than maxAge. Returns the number of runs removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	const op = "store.Prune"

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, errors.E(op, errors.KindInternal, "prune runs", err)
	}
	return result.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
