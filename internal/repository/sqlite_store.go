package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// SQLiteStore implements Store on database/sql with the pure-Go SQLite
// driver. Timestamps are stored as UTC unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps an open database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// OpenSQLite opens dsn (e.g. file:approvals.db or :memory:) with a single
// connection, which also serializes writers.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, *sql.DB, error) {
	if strings.HasPrefix(dsn, "sqlite:///") {
		dsn = "file:" + strings.TrimPrefix(dsn, "sqlite:///")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return NewSQLiteStore(db), db, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id               TEXT PRIMARY KEY,
		request_code     TEXT NOT NULL UNIQUE,
		request_type     TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		payload          TEXT,
		status           TEXT NOT NULL,
		priority         TEXT NOT NULL,
		requester        TEXT NOT NULL,
		version          INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		decided_by       TEXT,
		decided_at       INTEGER,
		decision_comment TEXT,
		signed_by        TEXT,
		signed_at        INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_type_status ON approval_requests (request_type, status)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_created ON approval_requests (created_at DESC, id)`,
	`CREATE TABLE IF NOT EXISTS approval_transitions (
		id          TEXT PRIMARY KEY,
		request_id  TEXT NOT NULL REFERENCES approval_requests (id),
		version     INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		action      TEXT NOT NULL,
		actor       TEXT NOT NULL,
		comment     TEXT,
		created_at  INTEGER NOT NULL,
		UNIQUE (request_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS approval_sequences (
		scope TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, q := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return mapSQLiteError(err, "failed to migrate schema")
		}
	}
	return nil
}

const sqliteRequestColumns = `id, request_code, request_type, title, payload, status, priority, requester, version, created_at, updated_at, decided_by, decided_at, decision_comment, signed_by, signed_at`

func (s *SQLiteStore) Create(ctx context.Context, req *workflow.ApprovalRequest) (string, error) {
	rec, err := prepareCreate(req, s.now())
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (`+sqliteRequestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RequestCode,
		string(rec.RequestType),
		rec.Title,
		nullPayload(rec.Payload),
		string(rec.Status),
		string(rec.Priority),
		rec.Requester,
		rec.Version,
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
		nullString(rec.DecidedBy),
		nullTime(rec.DecidedAt),
		nullString(rec.DecisionComment),
		nullString(rec.SignedBy),
		nullTime(rec.SignedAt),
	)
	if err != nil {
		return "", mapSQLiteError(err, "failed to create approval request")
	}
	return rec.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	rec, err := scanSQLiteRequest(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRequestColumns+` FROM approval_requests WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound(resourceRequest, id)
	}
	if err != nil {
		return nil, mapSQLiteError(err, "failed to get approval request")
	}
	return rec, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate MutateFunc) (*workflow.ApprovalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteError(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanSQLiteRequest(tx.QueryRowContext(ctx,
		`SELECT `+sqliteRequestColumns+` FROM approval_requests WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound(resourceRequest, id)
	}
	if err != nil {
		return nil, mapSQLiteError(err, "failed to read approval request")
	}
	if current.Version != expectedVersion {
		return nil, errors.Conflict("request was modified concurrently")
	}

	next, tr, err := applyMutation(current, mutate, s.now())
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, title = ?, payload = ?, priority = ?, version = ?, updated_at = ?,
		    decided_by = ?, decided_at = ?, decision_comment = ?, signed_by = ?, signed_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Status),
		next.Title,
		nullPayload(next.Payload),
		string(next.Priority),
		next.Version,
		next.UpdatedAt.UnixNano(),
		nullString(next.DecidedBy),
		nullTime(next.DecidedAt),
		nullString(next.DecisionComment),
		nullString(next.SignedBy),
		nullTime(next.SignedAt),
		id,
		expectedVersion,
	)
	if err != nil {
		return nil, mapSQLiteError(err, "failed to update approval request")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, mapSQLiteError(err, "failed to update approval request")
	}
	if n == 0 {
		return nil, errors.Conflict("request was modified concurrently")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_transitions (id, request_id, version, from_status, to_status, action, actor, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID,
		tr.RequestID,
		tr.Version,
		string(tr.FromStatus),
		string(tr.ToStatus),
		string(tr.Action),
		tr.Actor,
		nullString(tr.Comment),
		tr.Timestamp.UnixNano(),
	)
	if err != nil {
		return nil, mapSQLiteError(err, "failed to append transition")
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteError(err, "failed to commit transition")
	}
	return next, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter, p Page) ([]*workflow.ApprovalRequest, int, error) {
	p = p.Normalize()

	where := []string{"1=1"}
	args := []any{}
	add := func(cond string, v ...any) {
		where = append(where, cond)
		args = append(args, v...)
	}
	if f.RequestType != "" {
		add("request_type = ?", string(f.RequestType))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Priority != "" {
		add("priority = ?", string(f.Priority))
	}
	if f.Requester != "" {
		add("requester = ?", f.Requester)
	}
	if f.CreatedFrom != nil {
		add("created_at >= ?", f.CreatedFrom.UnixNano())
	}
	if f.CreatedTo != nil {
		add("created_at <= ?", f.CreatedTo.UnixNano())
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		pattern := "%" + escapeLike(q) + "%"
		add(`(request_code LIKE ? ESCAPE '\' OR title LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	w := strings.Join(where, " AND ")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, mapSQLiteError(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_requests WHERE `+w, args...).Scan(&total); err != nil {
		return nil, 0, mapSQLiteError(err, "failed to count approval requests")
	}

	q := `SELECT ` + sqliteRequestColumns + ` FROM approval_requests WHERE ` + w +
		` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	rows, err := tx.QueryContext(ctx, q, append(append([]any{}, args...), p.Limit, p.Offset())...)
	if err != nil {
		return nil, 0, mapSQLiteError(err, "failed to list approval requests")
	}
	defer func() { _ = rows.Close() }()

	items := make([]*workflow.ApprovalRequest, 0)
	for rows.Next() {
		rec, err := scanSQLiteRequest(rows)
		if err != nil {
			return nil, 0, mapSQLiteError(err, "failed to scan approval request")
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapSQLiteError(err, "failed to list approval requests")
	}
	return items, total, nil
}

func (s *SQLiteStore) History(ctx context.Context, id string) ([]*workflow.Transition, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_requests WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, mapSQLiteError(err, "failed to read approval request")
	}
	if exists == 0 {
		return nil, errors.NotFound(resourceRequest, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, version, from_status, to_status, action, actor, comment, created_at
		FROM approval_transitions
		WHERE request_id = ?
		ORDER BY version ASC`, id)
	if err != nil {
		return nil, mapSQLiteError(err, "failed to read history")
	}
	defer func() { _ = rows.Close() }()

	out := make([]*workflow.Transition, 0)
	for rows.Next() {
		var (
			t                workflow.Transition
			from, to, action string
			comment          sql.NullString
			ts               int64
		)
		if err := rows.Scan(&t.ID, &t.RequestID, &t.Version, &from, &to, &action, &t.Actor, &comment, &ts); err != nil {
			return nil, mapSQLiteError(err, "failed to scan transition")
		}
		t.FromStatus = workflow.Status(from)
		t.ToStatus = workflow.Status(to)
		t.Action = workflow.Action(action)
		t.Comment = stringPtr(comment)
		t.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError(err, "failed to read history")
	}
	return out, nil
}

// Next implements Sequencer.
func (s *SQLiteStore) Next(ctx context.Context, scope string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO approval_sequences (scope, value) VALUES (?, 1)
		ON CONFLICT (scope) DO UPDATE SET value = value + 1
		RETURNING value`, scope).Scan(&v)
	if err != nil {
		return 0, mapSQLiteError(err, "failed to advance sequence")
	}
	return v, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRequest(row rowScanner) (*workflow.ApprovalRequest, error) {
	var (
		rec                          workflow.ApprovalRequest
		requestType, status, prio    string
		payload                      sql.NullString
		createdAt, updatedAt         int64
		decidedBy, comment, signedBy sql.NullString
		decidedAt, signedAt          sql.NullInt64
	)
	err := row.Scan(
		&rec.ID,
		&rec.RequestCode,
		&requestType,
		&rec.Title,
		&payload,
		&status,
		&prio,
		&rec.Requester,
		&rec.Version,
		&createdAt,
		&updatedAt,
		&decidedBy,
		&decidedAt,
		&comment,
		&signedBy,
		&signedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.RequestType = workflow.RequestType(requestType)
	rec.Status = workflow.Status(status)
	rec.Priority = workflow.Priority(prio)
	if payload.Valid && payload.String != "" {
		rec.Payload = []byte(payload.String)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	rec.DecidedBy = stringPtr(decidedBy)
	rec.DecidedAt = timePtr(decidedAt)
	rec.DecisionComment = stringPtr(comment)
	rec.SignedBy = stringPtr(signedBy)
	rec.SignedAt = timePtr(signedAt)
	return &rec, nil
}

func nullPayload(p []byte) sql.NullString {
	return sql.NullString{String: string(p), Valid: len(p) > 0}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

// mapSQLiteError classifies database/sql and SQLite errors.
func mapSQLiteError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		return err
	}
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			switch se.Code() {
			case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return errors.Wrap(uniqueConflict(se.Error()), errors.ErrCodeConflict, msg)
			default:
				return errors.Wrap(err, errors.ErrCodeInternal, msg)
			}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN:
			return errors.Unavailable(err, msg)
		default:
			return errors.Wrap(err, errors.ErrCodeInternal, msg)
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, sql.ErrConnDone) || stderrors.Is(err, sql.ErrTxDone) ||
		stderrors.Is(err, driver.ErrBadConn) {
		return errors.Unavailable(err, msg)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, msg)
}
