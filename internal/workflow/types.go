// Package workflow holds the approval state machine: request and transition
// types, the per-type edge table and the transition validator. It does no I/O.
package workflow

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is a workflow state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusSigned      Status = "signed"
)

var statuses = []Status{StatusPending, StatusUnderReview, StatusApproved, StatusRejected, StatusSigned}

// Statuses returns every workflow state.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

// RequestType is the category tag that selects which optional steps apply.
type RequestType string

const (
	TypeFinancial  RequestType = "financial"
	TypeLeave      RequestType = "leave"
	TypeContract   RequestType = "contract"
	TypePermission RequestType = "permission"
	TypeTask       RequestType = "task"
)

// Priority is informational only; it never affects transition legality.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Action is what a reviewer asks to do with a request.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionClaimReview Action = "claim_review"
	ActionSign        Action = "sign"
)

var actions = []Action{ActionApprove, ActionReject, ActionClaimReview, ActionSign}

// ApprovalRequest is one approvable request and its current workflow state.
type ApprovalRequest struct {
	ID              string          `json:"id"`
	RequestCode     string          `json:"request_code"`
	RequestType     RequestType     `json:"request_type"`
	Title           string          `json:"title,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          Status          `json:"status"`
	Priority        Priority        `json:"priority"`
	Requester       string          `json:"requester"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DecidedBy       *string         `json:"decided_by,omitempty"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
	DecisionComment *string         `json:"decision_comment,omitempty"`
	SignedBy        *string         `json:"signed_by,omitempty"`
	SignedAt        *time.Time      `json:"signed_at,omitempty"`
}

// Clone returns a deep copy, so stores never share mutable state with callers.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	cp.DecidedBy = cloneString(r.DecidedBy)
	cp.DecidedAt = cloneTime(r.DecidedAt)
	cp.DecisionComment = cloneString(r.DecisionComment)
	cp.SignedBy = cloneString(r.SignedBy)
	cp.SignedAt = cloneTime(r.SignedAt)
	return &cp
}

// Transition is an append-only audit record of one accepted state change.
type Transition struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	Version    int64     `json:"version"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Action     Action    `json:"action"`
	Actor      string    `json:"actor"`
	Timestamp  time.Time `json:"timestamp"`
	Comment    *string   `json:"comment,omitempty"`
}

// Decision is a requested action together with who asks for it.
type Decision struct {
	Action  Action
	Actor   string
	Comment string
}

// ParseStatus accepts any casing and "under review"/"under-review" spellings.
func ParseStatus(s string) (Status, bool) {
	st := Status(normalize(s))
	for _, known := range statuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// ParseRequestType resolves a registered request type.
func ParseRequestType(s string) (RequestType, bool) {
	rt := RequestType(normalize(s))
	if _, ok := definitions[rt]; ok {
		return rt, true
	}
	return "", false
}

// ParsePriority resolves a priority; empty input is not a priority.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(normalize(s))
	for _, known := range priorities {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// ParseAction resolves an action.
func ParseAction(s string) (Action, bool) {
	a := Action(normalize(s))
	for _, known := range actions {
		if a == known {
			return a, true
		}
	}
	return "", false
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
