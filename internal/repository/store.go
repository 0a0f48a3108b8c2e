package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

const resourceRequest = "approval_request"

// MutateFunc receives a private copy of the current record, changes it in
// place and returns the transition the change represents. The store stamps
// version, timestamps and ids.
type MutateFunc func(req *workflow.ApprovalRequest) (*workflow.Transition, error)

// Store is durable keyed storage of approval requests and their history.
type Store interface {
	// Create persists a new request and returns its id. A duplicate
	// request_code fails with a conflict.
	Create(ctx context.Context, req *workflow.ApprovalRequest) (string, error)
	Get(ctx context.Context, id string) (*workflow.ApprovalRequest, error)
	// CompareAndSwap applies mutate iff the stored version equals
	// expectedVersion, appending exactly one transition atomically.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate MutateFunc) (*workflow.ApprovalRequest, error)
	// List returns one page plus the total number of matching records.
	List(ctx context.Context, f Filter, p Page) ([]*workflow.ApprovalRequest, int, error)
	// History returns the transitions of a request oldest-first.
	History(ctx context.Context, id string) ([]*workflow.Transition, error)
}

// Sequencer hands out increasing numbers per scope; used for request codes.
type Sequencer interface {
	Next(ctx context.Context, scope string) (int64, error)
}

// Filter narrows List. Zero fields are ignored.
type Filter struct {
	RequestType workflow.RequestType
	Status      workflow.Status
	Priority    workflow.Priority
	Requester   string
	Search      string // substring of request_code or title, case-insensitive
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// Matches reports whether req satisfies every set predicate.
func (f Filter) Matches(req *workflow.ApprovalRequest) bool {
	if f.RequestType != "" && req.RequestType != f.RequestType {
		return false
	}
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	if f.Priority != "" && req.Priority != f.Priority {
		return false
	}
	if f.Requester != "" && req.Requester != f.Requester {
		return false
	}
	if f.CreatedFrom != nil && req.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && req.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	if s := strings.ToLower(strings.TrimSpace(f.Search)); s != "" {
		if !strings.Contains(strings.ToLower(req.RequestCode), s) &&
			!strings.Contains(strings.ToLower(req.Title), s) {
			return false
		}
	}
	return true
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage keeps Offset well inside int range.
	MaxPage         = 1_000_000
)

// Page is 1-based offset pagination.
type Page struct {
	Page  int
	Limit int
}

// Normalize clamps the page into its valid range.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

func (p Page) Offset() int { return (p.Page - 1) * p.Limit }

// TotalPages computes the page count for total items.
func (p Page) TotalPages(total int) int {
	p = p.Normalize()
	if total == 0 {
		return 0
	}
	return (total + p.Limit - 1) / p.Limit
}

// prepareCreate validates and fills server-side fields of a new request.
func prepareCreate(req *workflow.ApprovalRequest, now time.Time) (*workflow.ApprovalRequest, error) {
	if req == nil {
		return nil, errors.InvalidInput("request", "must not be nil")
	}
	if strings.TrimSpace(req.RequestCode) == "" {
		return nil, errors.InvalidInput("request_code", "must not be empty")
	}
	cp := req.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, nil
}

// applyMutation runs mutate on a copy of current and checks the result
// against the record's invariants before any store persists it.
func applyMutation(current *workflow.ApprovalRequest, mutate MutateFunc, now time.Time) (*workflow.ApprovalRequest, *workflow.Transition, error) {
	next := current.Clone()
	t, err := mutate(next)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, errors.New(errors.ErrCodeInternal, "mutation produced no transition")
	}
	if next.ID != current.ID ||
		next.RequestCode != current.RequestCode ||
		next.RequestType != current.RequestType ||
		next.Requester != current.Requester ||
		!next.CreatedAt.Equal(current.CreatedAt) {
		return nil, nil, errors.New(errors.ErrCodeInternal, "mutation changed an immutable field")
	}
	if t.FromStatus != current.Status || t.ToStatus != next.Status {
		return nil, nil, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("transition %s->%s does not match record %s->%s", t.FromStatus, t.ToStatus, current.Status, next.Status))
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now.UTC()

	tr := *t
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	tr.RequestID = current.ID
	tr.Version = next.Version
	if tr.Timestamp.IsZero() {
		tr.Timestamp = now
	}
	tr.Timestamp = tr.Timestamp.UTC()
	return next, &tr, nil
}

// ctxErr turns a finished context into an unknown-outcome error.
func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return errors.Unavailable(err, op)
	}
	return nil
}

// uniqueConflict names the unique key a duplicate insert hit. target is a
// constraint name or the driver's message.
func uniqueConflict(target string) *errors.Error {
	switch {
	case strings.Contains(target, "request_code"):
		return errors.Conflict("duplicate request_code")
	case strings.Contains(target, "request_id"):
		return errors.Conflict("request was modified concurrently")
	default:
		return errors.Conflict("duplicate key")
	}
}

// escapeLike escapes LIKE wildcards using backslash as the escape char.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
