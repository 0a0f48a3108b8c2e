package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// PostgresStore keeps requests and their transitions in PostgreSQL.
// A request update and its transition row are always written in one
// transaction, guarded by the version column.
type PostgresStore struct {
	db  *database.DB
	now func() time.Time
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
    id               TEXT PRIMARY KEY,
    request_code     TEXT NOT NULL UNIQUE,
    request_type     TEXT NOT NULL,
    title            TEXT NOT NULL DEFAULT '',
    payload          JSONB,
    status           TEXT NOT NULL,
    priority         TEXT NOT NULL,
    requester        TEXT NOT NULL,
    version          BIGINT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    decided_by       TEXT,
    decided_at       TIMESTAMPTZ,
    decision_comment TEXT,
    signed_by        TEXT,
    signed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_type_status ON approval_requests (request_type, status);
CREATE INDEX IF NOT EXISTS idx_approval_requests_created ON approval_requests (created_at DESC, id);
CREATE INDEX IF NOT EXISTS idx_approval_requests_requester ON approval_requests (requester);

CREATE TABLE IF NOT EXISTS approval_transitions (
    id          TEXT PRIMARY KEY,
    request_id  TEXT NOT NULL REFERENCES approval_requests (id),
    version     BIGINT NOT NULL,
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    action      TEXT NOT NULL,
    actor       TEXT NOT NULL,
    comment     TEXT,
    created_at  TIMESTAMPTZ NOT NULL,
    UNIQUE (request_id, version)
);

CREATE TABLE IF NOT EXISTS approval_sequences (
    scope TEXT PRIMARY KEY,
    value BIGINT NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func (r *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return mapPgError(err, "failed to migrate schema")
	}
	return nil
}

const pgRequestColumns = `
	id, request_code, request_type, title, payload, status, priority,
	requester, version, created_at, updated_at,
	decided_by, decided_at, decision_comment, signed_by, signed_at`

// Create inserts a new request.
func (r *PostgresStore) Create(ctx context.Context, req *workflow.ApprovalRequest) (string, error) {
	rec, err := prepareCreate(req, r.now())
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO approval_requests (` + pgRequestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8, $9, $10, $11,
		        $12, $13, $14, $15, $16)
	`
	_, err = r.db.Exec(ctx, query,
		rec.ID,
		rec.RequestCode,
		rec.RequestType,
		rec.Title,
		payloadArg(rec.Payload),
		rec.Status,
		rec.Priority,
		rec.Requester,
		rec.Version,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.DecidedBy,
		rec.DecidedAt,
		rec.DecisionComment,
		rec.SignedBy,
		rec.SignedAt,
	)
	if err != nil {
		return "", mapPgError(err, "failed to create approval request")
	}
	return rec.ID, nil
}

// Get retrieves a request by id.
func (r *PostgresStore) Get(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	query := `SELECT ` + pgRequestColumns + ` FROM approval_requests WHERE id = $1`

	rec, err := scanPgRequest(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound(resourceRequest, id)
	}
	if err != nil {
		return nil, mapPgError(err, "failed to get approval request")
	}
	return rec, nil
}

// CompareAndSwap applies mutate when the stored version matches.
func (r *PostgresStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate MutateFunc) (*workflow.ApprovalRequest, error) {
	var updated *workflow.ApprovalRequest

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		current, err := scanPgRequest(tx.QueryRow(ctx,
			`SELECT `+pgRequestColumns+` FROM approval_requests WHERE id = $1`, id))
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.NotFound(resourceRequest, id)
		}
		if err != nil {
			return mapPgError(err, "failed to read approval request")
		}
		if current.Version != expectedVersion {
			return errors.Conflict("request was modified concurrently")
		}

		next, tr, err := applyMutation(current, mutate, r.now())
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE approval_requests
			SET status           = $3,
			    title            = $4,
			    payload          = $5,
			    priority         = $6,
			    version          = $7,
			    updated_at       = $8,
			    decided_by       = $9,
			    decided_at       = $10,
			    decision_comment = $11,
			    signed_by        = $12,
			    signed_at        = $13
			WHERE id = $1 AND version = $2
		`,
			id,
			expectedVersion,
			next.Status,
			next.Title,
			payloadArg(next.Payload),
			next.Priority,
			next.Version,
			next.UpdatedAt,
			next.DecidedBy,
			next.DecidedAt,
			next.DecisionComment,
			next.SignedBy,
			next.SignedAt,
		)
		if err != nil {
			return mapPgError(err, "failed to update approval request")
		}
		if tag.RowsAffected() == 0 {
			return errors.Conflict("request was modified concurrently")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO approval_transitions
			    (id, request_id, version, from_status, to_status,
			     action, actor, comment, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			tr.ID,
			tr.RequestID,
			tr.Version,
			tr.FromStatus,
			tr.ToStatus,
			tr.Action,
			tr.Actor,
			tr.Comment,
			tr.Timestamp,
		)
		if err != nil {
			return mapPgError(err, "failed to append transition")
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, mapPgError(err, "failed to commit transition")
	}
	return updated, nil
}

// List returns a filtered page ordered by created_at desc, id.
func (r *PostgresStore) List(ctx context.Context, f Filter, p Page) ([]*workflow.ApprovalRequest, int, error) {
	p = p.Normalize()

	where := []string{"1=1"}
	args := []any{}
	argCount := 1
	add := func(cond string, v any) {
		where = append(where, strings.ReplaceAll(cond, "$?", fmt.Sprintf("$%d", argCount)))
		args = append(args, v)
		argCount++
	}

	if f.RequestType != "" {
		add("request_type = $?", f.RequestType)
	}
	if f.Status != "" {
		add("status = $?", f.Status)
	}
	if f.Priority != "" {
		add("priority = $?", f.Priority)
	}
	if f.Requester != "" {
		add("requester = $?", f.Requester)
	}
	if f.CreatedFrom != nil {
		add("created_at >= $?", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at <= $?", *f.CreatedTo)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		add(`(request_code ILIKE $? ESCAPE '\' OR title ILIKE $? ESCAPE '\')`, "%"+escapeLike(s)+"%")
	}

	w := strings.Join(where, " AND ")
	countQuery := `SELECT COUNT(*) FROM approval_requests WHERE ` + w
	query := `SELECT ` + pgRequestColumns + ` FROM approval_requests WHERE ` + w +
		fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	queryArgs := append(append([]any{}, args...), p.Limit, p.Offset())

	var (
		total int
		items = make([]*workflow.ApprovalRequest, 0)
	)
	err := r.db.ReadSnapshot(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
			return mapPgError(err, "failed to count approval requests")
		}

		rows, err := tx.Query(ctx, query, queryArgs...)
		if err != nil {
			return mapPgError(err, "failed to list approval requests")
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanPgRequest(rows)
			if err != nil {
				return mapPgError(err, "failed to scan approval request")
			}
			items = append(items, rec)
		}
		return mapPgError(rows.Err(), "failed to list approval requests")
	})
	if err != nil {
		return nil, 0, mapPgError(err, "failed to list approval requests")
	}
	return items, total, nil
}

// History returns the transition log of a request oldest-first.
func (r *PostgresStore) History(ctx context.Context, id string) ([]*workflow.Transition, error) {
	var out []*workflow.Transition

	err := r.db.ReadSnapshot(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return mapPgError(err, "failed to read approval request")
		}
		if !exists {
			return errors.NotFound(resourceRequest, id)
		}

		rows, err := tx.Query(ctx, `
			SELECT id, request_id, version, from_status, to_status,
			       action, actor, comment, created_at
			FROM approval_transitions
			WHERE request_id = $1
			ORDER BY version ASC
		`, id)
		if err != nil {
			return mapPgError(err, "failed to read history")
		}
		defer rows.Close()

		out = make([]*workflow.Transition, 0)
		for rows.Next() {
			t := &workflow.Transition{}
			if err := rows.Scan(
				&t.ID,
				&t.RequestID,
				&t.Version,
				&t.FromStatus,
				&t.ToStatus,
				&t.Action,
				&t.Actor,
				&t.Comment,
				&t.Timestamp,
			); err != nil {
				return mapPgError(err, "failed to scan transition")
			}
			out = append(out, t)
		}
		return mapPgError(rows.Err(), "failed to read history")
	})
	if err != nil {
		return nil, mapPgError(err, "failed to read history")
	}
	return out, nil
}

// Next implements Sequencer with an upserted counter row.
func (r *PostgresStore) Next(ctx context.Context, scope string) (int64, error) {
	var v int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO approval_sequences (scope, value) VALUES ($1, 1)
		ON CONFLICT (scope) DO UPDATE SET value = approval_sequences.value + 1
		RETURNING value
	`, scope).Scan(&v)
	if err != nil {
		return 0, mapPgError(err, "failed to advance sequence")
	}
	return v, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanPgRequest(row pgx.Row) (*workflow.ApprovalRequest, error) {
	rec := &workflow.ApprovalRequest{}
	var payload []byte
	err := row.Scan(
		&rec.ID,
		&rec.RequestCode,
		&rec.RequestType,
		&rec.Title,
		&payload,
		&rec.Status,
		&rec.Priority,
		&rec.Requester,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.DecidedBy,
		&rec.DecidedAt,
		&rec.DecisionComment,
		&rec.SignedBy,
		&rec.SignedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		rec.Payload = payload
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func payloadArg(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

// mapPgError classifies driver errors into the service taxonomy. Errors that
// already carry a code pass through untouched.
func mapPgError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Unavailable(err, msg)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return errors.Wrap(uniqueConflict(pgErr.ConstraintName+" "+pgErr.Detail), errors.ErrCodeConflict, msg)
		// serialization failure and deadlock: the tx rolled back, nothing was written
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return errors.Wrap(errors.Conflict("request was modified concurrently"), errors.ErrCodeConflict, msg)
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return errors.Unavailable(err, msg)
		default:
			return errors.Wrap(err, errors.ErrCodeInternal, msg)
		}
	}
	// Anything else from the driver is a transport failure.
	return errors.Unavailable(err, msg)
}
