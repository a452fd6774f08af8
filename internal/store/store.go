// Package store persists mirrors and traffic records in an embedded sqlite
// database, using a pure-Go driver so the binary needs no cgo toolchain.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"cyp-registry-proxy/internal/model"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: record not found")

// Store wraps the sqlite handle and its prepared schema.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if necessary) the sqlite database at dbPath, enables
// WAL mode and a busy timeout so concurrent readers and the single writer
// don't trip SQLITE_BUSY, and ensures the schema exists.
func Open(dbPath string, log *zap.Logger) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// sqlite allows only one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent writers without relying purely on the
	// busy_timeout pragma.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) createTables() error {
	const schema = `
CREATE TABLE IF NOT EXISTS mirrors (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	prefix                TEXT NOT NULL,
	upstream_url          TEXT NOT NULL,
	upstream_host         TEXT NOT NULL DEFAULT '',
	auth_kind             TEXT NOT NULL DEFAULT 'none',
	auth_user             TEXT NOT NULL DEFAULT '',
	auth_pass_encrypted   TEXT NOT NULL DEFAULT '',
	enabled               INTEGER NOT NULL DEFAULT 1,
	health                TEXT NOT NULL DEFAULT 'unknown',
	latency_ms            INTEGER NOT NULL DEFAULT 0,
	consecutive_failures  INTEGER NOT NULL DEFAULT 0,
	last_probe_at         DATETIME
);

CREATE INDEX IF NOT EXISTS idx_mirrors_prefix ON mirrors(prefix);

CREATE TABLE IF NOT EXISTS traffic (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              DATETIME NOT NULL,
	client_ip       TEXT NOT NULL DEFAULT '',
	method          TEXT NOT NULL,
	path            TEXT NOT NULL,
	mirror_id       INTEGER NOT NULL DEFAULT 0,
	upstream_status INTEGER NOT NULL DEFAULT 0,
	bytes_out       INTEGER NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	image_ref       TEXT NOT NULL DEFAULT '',
	outcome         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_traffic_ts ON traffic(ts);
`
	_, err := s.db.Exec(schema)
	return err
}

// --- mirrors ---

func (s *Store) CreateMirror(m *model.Mirror) (int64, error) {
	health := m.Health
	if health == "" {
		health = model.HealthUnknown
	}
	res, err := s.db.Exec(
		`INSERT INTO mirrors (prefix, upstream_url, upstream_host, auth_kind, auth_user,
			auth_pass_encrypted, enabled, health, latency_ms, consecutive_failures, last_probe_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Prefix, m.UpstreamURL, m.UpstreamHost, string(m.AuthKind), m.AuthUser,
		m.AuthPassEncrypted, m.Enabled, string(health), m.LatencyMs, m.ConsecutiveFailures, nullTime(m.LastProbeAt),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create mirror: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetMirror(id int64) (*model.Mirror, error) {
	row := s.db.QueryRow(`SELECT id, prefix, upstream_url, upstream_host, auth_kind, auth_user,
		auth_pass_encrypted, enabled, health, latency_ms, consecutive_failures, last_probe_at
		FROM mirrors WHERE id = ?`, id)
	return scanMirror(row)
}

func (s *Store) ListMirrors() ([]*model.Mirror, error) {
	rows, err := s.db.Query(`SELECT id, prefix, upstream_url, upstream_host, auth_kind, auth_user,
		auth_pass_encrypted, enabled, health, latency_ms, consecutive_failures, last_probe_at
		FROM mirrors ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list mirrors: %w", err)
	}
	defer rows.Close()

	var out []*model.Mirror
	for rows.Next() {
		m, err := scanMirrorRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMirrorsByPrefix(prefix string) ([]*model.Mirror, error) {
	rows, err := s.db.Query(`SELECT id, prefix, upstream_url, upstream_host, auth_kind, auth_user,
		auth_pass_encrypted, enabled, health, latency_ms, consecutive_failures, last_probe_at
		FROM mirrors WHERE prefix = ? ORDER BY id ASC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("store: list mirrors by prefix: %w", err)
	}
	defer rows.Close()

	var out []*model.Mirror
	for rows.Next() {
		m, err := scanMirrorRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMirror overwrites every mutable field of the mirror identified by m.ID.
func (s *Store) UpdateMirror(m *model.Mirror) error {
	res, err := s.db.Exec(`UPDATE mirrors SET prefix=?, upstream_url=?, upstream_host=?, auth_kind=?,
		auth_user=?, auth_pass_encrypted=?, enabled=?, health=?, latency_ms=?, consecutive_failures=?,
		last_probe_at=? WHERE id=?`,
		m.Prefix, m.UpstreamURL, m.UpstreamHost, string(m.AuthKind), m.AuthUser,
		m.AuthPassEncrypted, m.Enabled, string(m.Health), m.LatencyMs, m.ConsecutiveFailures, nullTime(m.LastProbeAt), m.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update mirror: %w", err)
	}
	return checkRowsAffected(res)
}

// UpdateMirrorHealth is the narrow write path used by the health prober: it
// touches only the fields the prober owns, never the admin-owned config
// fields, so a probe result can never race a concurrent PATCH.
func (s *Store) UpdateMirrorHealth(id int64, health model.Health, latencyMs int64, consecutiveFailures int, at time.Time) error {
	res, err := s.db.Exec(`UPDATE mirrors SET health=?, latency_ms=?, consecutive_failures=?, last_probe_at=? WHERE id=?`,
		string(health), latencyMs, consecutiveFailures, nullTime(at), id)
	if err != nil {
		return fmt.Errorf("store: update mirror health: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *Store) DeleteMirror(id int64) error {
	res, err := s.db.Exec(`DELETE FROM mirrors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete mirror: %w", err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMirror(row *sql.Row) (*model.Mirror, error) {
	m, err := scanMirrorGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func scanMirrorRows(rows *sql.Rows) (*model.Mirror, error) {
	return scanMirrorGeneric(rows)
}

func scanMirrorGeneric(s rowScanner) (*model.Mirror, error) {
	var m model.Mirror
	var authKind, health string
	var lastProbe sql.NullTime
	err := s.Scan(&m.ID, &m.Prefix, &m.UpstreamURL, &m.UpstreamHost, &authKind, &m.AuthUser,
		&m.AuthPassEncrypted, &m.Enabled, &health, &m.LatencyMs, &m.ConsecutiveFailures, &lastProbe)
	if err != nil {
		return nil, err
	}
	m.AuthKind = model.AuthKind(authKind)
	m.Health = model.Health(health)
	if lastProbe.Valid {
		m.LastProbeAt = lastProbe.Time
	}
	return &m, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// --- traffic ---

// InsertTraffic writes one traffic record. Callers should batch calls via a
// single transaction when writing many records at once.
func (s *Store) InsertTraffic(r *model.TrafficRecord) error {
	_, err := s.db.Exec(`INSERT INTO traffic (ts, client_ip, method, path, mirror_id,
		upstream_status, bytes_out, duration_ms, image_ref, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.ClientIP, r.Method, r.Path, r.MirrorID,
		r.UpstreamStatus, r.BytesOut, r.DurationMs, r.ImageRef, r.Outcome,
	)
	return err
}

// InsertTrafficBatch writes many records in a single transaction.
func (s *Store) InsertTrafficBatch(records []*model.TrafficRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin traffic batch: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO traffic (ts, client_ip, method, path, mirror_id,
		upstream_status, bytes_out, duration_ms, image_ref, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare traffic batch: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.Timestamp, r.ClientIP, r.Method, r.Path, r.MirrorID,
			r.UpstreamStatus, r.BytesOut, r.DurationMs, r.ImageRef, r.Outcome); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: exec traffic batch: %w", err)
		}
	}
	return tx.Commit()
}

// ListTraffic returns the most recent limit traffic records, newest first.
func (s *Store) ListTraffic(limit int) ([]*model.TrafficRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, ts, client_ip, method, path, mirror_id,
		upstream_status, bytes_out, duration_ms, image_ref, outcome
		FROM traffic ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list traffic: %w", err)
	}
	defer rows.Close()

	var out []*model.TrafficRecord
	for rows.Next() {
		var r model.TrafficRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.ClientIP, &r.Method, &r.Path, &r.MirrorID,
			&r.UpstreamStatus, &r.BytesOut, &r.DurationMs, &r.ImageRef, &r.Outcome); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Stats aggregates total requests/bytes and a per-mirror breakdown.
func (s *Store) Stats() (*model.Stats, error) {
	var st model.Stats
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(bytes_out), 0) FROM traffic`)
	if err := row.Scan(&st.TotalRequests, &st.TotalBytes); err != nil {
		return nil, fmt.Errorf("store: stats totals: %w", err)
	}

	rows, err := s.db.Query(`SELECT mirror_id, COUNT(*), COALESCE(SUM(bytes_out), 0)
		FROM traffic GROUP BY mirror_id ORDER BY mirror_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: stats per-mirror: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row model.MirrorTrafficSt
		if err := rows.Scan(&row.ID, &row.Requests, &row.Bytes); err != nil {
			return nil, err
		}
		st.PerMirror = append(st.PerMirror, row)
	}
	return &st, rows.Err()
}
