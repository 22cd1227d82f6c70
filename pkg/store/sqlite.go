package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settlements (
	source_tx_hash      TEXT PRIMARY KEY,
	source_chain        TEXT NOT NULL,
	destination_chain   TEXT NOT NULL,
	sender              TEXT NOT NULL,
	receiver            TEXT NOT NULL,
	asset               TEXT NOT NULL,
	amount              INTEGER NOT NULL,
	nonce               INTEGER NOT NULL,
	source_timestamp    INTEGER NOT NULL,
	observed_at         TEXT NOT NULL,
	status              TEXT NOT NULL,
	attempts            INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT NOT NULL DEFAULT '',
	destination_tx_hash TEXT NOT NULL DEFAULT '',
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	submitted_at        TEXT,
	confirmed_at        TEXT
);
CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);

CREATE TABLE IF NOT EXISTS settlements_archive (
	source_tx_hash      TEXT PRIMARY KEY,
	source_chain        TEXT NOT NULL,
	destination_chain   TEXT NOT NULL,
	sender              TEXT NOT NULL,
	receiver            TEXT NOT NULL,
	asset               TEXT NOT NULL,
	amount              INTEGER NOT NULL,
	nonce               INTEGER NOT NULL,
	source_timestamp    INTEGER NOT NULL,
	observed_at         TEXT NOT NULL,
	status              TEXT NOT NULL,
	attempts            INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT NOT NULL DEFAULT '',
	destination_tx_hash TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	submitted_at        TEXT,
	confirmed_at        TEXT,
	archived_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	name       TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLiteStore implements Store over an embedded, single-node
// modernc.org/sqlite database, for local development and CI.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY races
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutIfAbsent(ctx context.Context, req types.SettlementRequest) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (
			source_tx_hash, source_chain, destination_chain, sender, receiver,
			asset, amount, nonce, source_timestamp, observed_at,
			status, attempts, last_error, destination_tx_hash, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', 1, ?, ?)`,
		req.SourceTxHash, req.SourceChain, req.DestinationChain, req.Sender, req.Receiver,
		req.Asset, req.Amount, req.Nonce, req.SourceTimestamp, formatTime(req.ObservedAt),
		string(types.StatusPending), formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: put if absent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sourceTxHash string) (types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_tx_hash, source_chain, destination_chain, sender, receiver,
		       asset, amount, nonce, source_timestamp, observed_at,
		       status, attempts, last_error, destination_tx_hash, version,
		       created_at, updated_at, submitted_at, confirmed_at
		FROM settlements WHERE source_tx_hash = ?`, sourceTxHash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Record{}, ErrNotFound
	}
	if err != nil {
		return types.Record{}, fmt.Errorf("store: get: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UpdateState(ctx context.Context, sourceTxHash string, expectedVersion int64, mutate Mutate) (UpdateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NotFound, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT source_tx_hash, source_chain, destination_chain, sender, receiver,
		       asset, amount, nonce, source_timestamp, observed_at,
		       status, attempts, last_error, destination_tx_hash, version,
		       created_at, updated_at, submitted_at, confirmed_at
		FROM settlements WHERE source_tx_hash = ?`, sourceTxHash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound, nil
	}
	if err != nil {
		return NotFound, fmt.Errorf("store: update state read: %w", err)
	}
	if rec.State.Version != expectedVersion {
		return Conflict, nil
	}

	next := rec.State
	mutate(&next)
	next.Version = rec.State.Version + 1
	next.UpdatedAt = time.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		UPDATE settlements SET
			status = ?, attempts = ?, last_error = ?, destination_tx_hash = ?,
			version = ?, updated_at = ?, submitted_at = ?, confirmed_at = ?
		WHERE source_tx_hash = ? AND version = ?`,
		string(next.Status), next.Attempts, next.LastError, next.DestinationTxHash,
		next.Version, formatTime(next.UpdatedAt), formatNullableTime(next.SubmittedAt), formatNullableTime(next.ConfirmedAt),
		sourceTxHash, expectedVersion,
	)
	if err != nil {
		return NotFound, fmt.Errorf("store: update state write: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NotFound, fmt.Errorf("store: update state rows affected: %w", err)
	}
	if affected == 0 {
		return Conflict, nil
	}
	if err := tx.Commit(); err != nil {
		return NotFound, fmt.Errorf("store: update state commit: %w", err)
	}
	return Updated, nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status types.Status, limit int) ([]types.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_tx_hash, source_chain, destination_chain, sender, receiver,
		       asset, amount, nonce, source_timestamp, observed_at,
		       status, attempts, last_error, destination_tx_hash, version,
		       created_at, updated_at, submitted_at, confirmed_at
		FROM settlements WHERE status = ? ORDER BY created_at ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list by status: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list by status scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]types.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_tx_hash, source_chain, destination_chain, sender, receiver,
		       asset, amount, nonce, source_timestamp, observed_at,
		       status, attempts, last_error, destination_tx_hash, version,
		       created_at, updated_at, submitted_at, confirmed_at
		FROM settlements ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[types.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM settlements GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int64, len(types.AllStatuses))
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: count by status scan: %w", err)
		}
		counts[types.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) CompactBefore(ctx context.Context, horizon time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: compact begin: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO settlements_archive (
			source_tx_hash, source_chain, destination_chain, sender, receiver,
			asset, amount, nonce, source_timestamp, observed_at,
			status, attempts, last_error, destination_tx_hash,
			created_at, updated_at, submitted_at, confirmed_at, archived_at
		)
		SELECT source_tx_hash, source_chain, destination_chain, sender, receiver,
			asset, amount, nonce, source_timestamp, observed_at,
			status, attempts, last_error, destination_tx_hash,
			created_at, updated_at, submitted_at, confirmed_at, ?
		FROM settlements
		WHERE created_at < ? AND status IN (?, ?, ?)`,
		now, formatTime(horizon), string(types.StatusCompleted), string(types.StatusFailed), string(types.StatusExpired),
	)
	if err != nil {
		return 0, fmt.Errorf("store: compact archive insert: %w", err)
	}
	archived, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: compact rows affected: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM settlements WHERE created_at < ? AND status IN (?, ?, ?)`,
		formatTime(horizon), string(types.StatusCompleted), string(types.StatusFailed), string(types.StatusExpired),
	)
	if err != nil {
		return 0, fmt.Errorf("store: compact delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: compact commit: %w", err)
	}
	return archived, nil
}

func (s *SQLiteStore) PutCheckpoint(ctx context.Context, name, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		name, cursor, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("store: put checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, name string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM checkpoints WHERE name = ?`, name).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get checkpoint: %w", err)
	}
	return cursor, nil
}

// scanner abstracts over *sql.Row and *sql.Rows for a shared scan routine.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (types.Record, error) {
	var rec types.Record
	var observedAt, createdAt, updatedAt string
	var submittedAt, confirmedAt sql.NullString

	err := row.Scan(
		&rec.Request.SourceTxHash, &rec.Request.SourceChain, &rec.Request.DestinationChain,
		&rec.Request.Sender, &rec.Request.Receiver, &rec.Request.Asset,
		&rec.Request.Amount, &rec.Request.Nonce, &rec.Request.SourceTimestamp, &observedAt,
		&rec.State.Status, &rec.State.Attempts, &rec.State.LastError, &rec.State.DestinationTxHash,
		&rec.State.Version, &createdAt, &updatedAt, &submittedAt, &confirmedAt,
	)
	if err != nil {
		return types.Record{}, err
	}

	rec.State.SourceTxHash = rec.Request.SourceTxHash
	rec.Request.ObservedAt = parseTime(observedAt)
	rec.State.CreatedAt = parseTime(createdAt)
	rec.State.UpdatedAt = parseTime(updatedAt)
	rec.State.SubmittedAt = parseNullableTime(submittedAt)
	rec.State.ConfirmedAt = parseNullableTime(confirmedAt)
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations with this substring
	// rather than a typed sentinel.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
