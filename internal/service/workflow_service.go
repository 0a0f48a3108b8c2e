package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/metrics"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// DefaultStoreTimeout bounds every store call when no timeout is configured.
const DefaultStoreTimeout = 5 * time.Second

// WorkflowService turns reviewer decisions into versioned store mutations.
// Request state lives only in the store.
type WorkflowService struct {
	store        repository.Store
	seq          repository.Sequencer
	events       *eventQueue
	metrics      *metrics.Metrics
	log          *logger.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// Options carries the optional collaborators of WorkflowService.
// Events are sent in the background after the transition commits, each
// bounded by PublishTimeout.
type Options struct {
	Sequencer      repository.Sequencer
	Events         client.EventPublisher
	Metrics        *metrics.Metrics
	StoreTimeout   time.Duration
	PublishTimeout time.Duration
}

// NewWorkflowService creates a new workflow service. When no sequencer is
// given, store must implement repository.Sequencer.
func NewWorkflowService(store repository.Store, log *logger.Logger, opts Options) (*WorkflowService, error) {
	seq := opts.Sequencer
	if seq == nil {
		s, ok := store.(repository.Sequencer)
		if !ok {
			return nil, fmt.Errorf("store %T does not hand out sequence numbers and no sequencer was given", store)
		}
		seq = s
	}
	events := opts.Events
	if events == nil {
		events = client.NopPublisher{}
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = DefaultPublishTimeout
	}
	log = log.Component("workflow")
	return &WorkflowService{
		store:        store,
		seq:          seq,
		events:       newEventQueue(events, publishTimeout, log),
		metrics:      opts.Metrics,
		log:          log,
		storeTimeout: timeout,
		now:          time.Now,
	}, nil
}

// SubmitRequest represents a submit request
type SubmitRequest struct {
	RequestType string          `json:"request_type"`
	Title       string          `json:"title,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Requester   string          `json:"-"`
}

// DecideRequest represents a decide request
type DecideRequest struct {
	ID      string `json:"id"`
	Action  string `json:"action"`
	Comment string `json:"comment,omitempty"`
	Actor   string `json:"-"`
}

// FinalizeRequest represents a sign request
type FinalizeRequest struct {
	ID    string `json:"id"`
	Actor string `json:"-"`
}

// ListRequest carries the wire-level list parameters.
type ListRequest struct {
	RequestType string
	Status      string
	Priority    string
	Requester   string
	Search      string
	From        *time.Time
	To          *time.Time
	Page        int
	Limit       int
}

// ListResult is one page of requests.
type ListResult struct {
	Items      []*workflow.ApprovalRequest `json:"items"`
	TotalItems int                         `json:"total_items"`
	TotalPages int                         `json:"total_pages"`
	Page       int                         `json:"page"`
	Limit      int                         `json:"limit"`
}

// Submit creates a Pending request with a freshly drawn request code.
func (s *WorkflowService) Submit(ctx context.Context, req *SubmitRequest) (*workflow.ApprovalRequest, error) {
	if req == nil {
		return nil, errors.InvalidInput("request", "must not be nil")
	}
	rt, ok := workflow.ParseRequestType(req.RequestType)
	if !ok {
		return nil, errors.Validation(workflow.MsgUnknownRequestType)
	}
	priority := workflow.PriorityMedium
	if strings.TrimSpace(req.Priority) != "" {
		p, ok := workflow.ParsePriority(req.Priority)
		if !ok {
			return nil, errors.InvalidInput("priority", "must be one of low, medium, high, critical")
		}
		priority = p
	}
	requester := strings.TrimSpace(req.Requester)
	if requester == "" {
		return nil, errors.InvalidInput("requester", "must not be empty")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, errors.InvalidInput("payload", "must be valid JSON")
	}

	def, _ := workflow.Definition(rt)
	now := s.now().UTC()

	code, err := s.nextCode(ctx, def, now)
	if err != nil {
		return nil, err
	}

	rec := &workflow.ApprovalRequest{
		RequestCode: code,
		RequestType: rt,
		Title:       strings.TrimSpace(req.Title),
		Payload:     req.Payload,
		Status:      workflow.StatusPending,
		Priority:    priority,
		Requester:   requester,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	id, err := s.store.Create(sctx, rec)
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	rec.ID = id

	s.metrics.Submitted(string(rt))
	s.log.Info().
		Str("request_id", id).
		Str("request_code", code).
		Str("request_type", string(rt)).
		Str("priority", string(priority)).
		Str("requester", requester).
		Msg("Approval request submitted")

	s.publish(client.EventRequestSubmitted, rec, requester, nil)
	return rec, nil
}

func (s *WorkflowService) nextCode(ctx context.Context, def workflow.TypeDefinition, now time.Time) (string, error) {
	year := now.Year()
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	n, err := s.seq.Next(sctx, fmt.Sprintf("%s-%d", def.Prefix, year))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStoreUnavailable, "failed to generate request code")
	}
	return FormatRequestCode(def.Prefix, year, n), nil
}

// FormatRequestCode renders PREFIX-YYYY-NNNNNN.
func FormatRequestCode(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%06d", prefix, year, seq)
}

// Get returns a request by id.
func (s *WorkflowService) Get(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.InvalidInput("id", "must not be empty")
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	rec, err := s.store.Get(sctx, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return rec, nil
}

// Decide applies approve, reject or claim_review.
func (s *WorkflowService) Decide(ctx context.Context, req *DecideRequest) (*workflow.ApprovalRequest, error) {
	if req == nil {
		return nil, errors.InvalidInput("request", "must not be nil")
	}
	action, ok := workflow.ParseAction(req.Action)
	if !ok || action == workflow.ActionSign {
		return nil, errors.InvalidInput("action", "must be one of approve, reject, claim_review")
	}
	return s.transition(ctx, "decide", req.ID, workflow.Decision{
		Action:  action,
		Actor:   req.Actor,
		Comment: req.Comment,
	})
}

// Finalize signs an approved request of a type with a signing step.
func (s *WorkflowService) Finalize(ctx context.Context, req *FinalizeRequest) (*workflow.ApprovalRequest, error) {
	if req == nil {
		return nil, errors.InvalidInput("request", "must not be nil")
	}
	return s.transition(ctx, "finalize", req.ID, workflow.Decision{
		Action: workflow.ActionSign,
		Actor:  req.Actor,
	})
}

// transition runs read, validate, compare-and-swap. A conflict causes one
// fresh read and one more validation; whatever that second attempt yields
// is returned.
func (s *WorkflowService) transition(ctx context.Context, op, id string, d workflow.Decision) (*workflow.ApprovalRequest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.InvalidInput("id", "must not be empty")
	}
	d.Actor = strings.TrimSpace(d.Actor)

	var (
		updated *workflow.ApprovalRequest
		from    workflow.Status
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			s.metrics.Retry(op)
			s.log.Debug().Str("request_id", id).Str("action", string(d.Action)).Msg("Conflict, retrying once with a fresh read")
		}
		updated, from, err = s.attempt(ctx, id, d)
		if err == nil || !errors.IsConflict(err) {
			break
		}
	}

	if err != nil {
		switch {
		case errors.IsValidation(err):
			s.metrics.ValidationFailure(op)
		case errors.IsConflict(err):
			s.metrics.Conflict(op)
		}
		s.log.Warn().Err(err).
			Str("request_id", id).
			Str("action", string(d.Action)).
			Str("actor", d.Actor).
			Str("kind", errors.Kind(err)).
			Msg("Transition refused")
		return nil, err
	}

	s.metrics.Transition(string(updated.RequestType), string(from), string(updated.Status))
	s.log.Info().
		Str("request_id", updated.ID).
		Str("request_code", updated.RequestCode).
		Str("action", string(d.Action)).
		Str("actor", d.Actor).
		Str("from", string(from)).
		Str("to", string(updated.Status)).
		Int64("version", updated.Version).
		Msg("Approval request transitioned")

	var comment *string
	if c := strings.TrimSpace(d.Comment); c != "" {
		comment = &c
	}
	s.publish(eventFor(updated.Status), updated, d.Actor, comment)
	return updated, nil
}

func (s *WorkflowService) attempt(ctx context.Context, id string, d workflow.Decision) (*workflow.ApprovalRequest, workflow.Status, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	current, err := s.store.Get(sctx, id)
	cancel()
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval request")
	}

	to, err := workflow.Validate(*current, d)
	if err != nil {
		return nil, "", err
	}

	from := current.Status
	now := s.now().UTC()
	mutate := func(rec *workflow.ApprovalRequest) (*workflow.Transition, error) {
		rec.Status = to
		applyDecision(rec, to, d, now)
		t := &workflow.Transition{
			FromStatus: from,
			ToStatus:   to,
			Action:     d.Action,
			Actor:      d.Actor,
			Timestamp:  now,
		}
		if c := strings.TrimSpace(d.Comment); c != "" {
			t.Comment = &c
		}
		return t, nil
	}

	sctx, cancel = context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	updated, err := s.store.CompareAndSwap(sctx, id, current.Version, mutate)
	if err != nil {
		return nil, "", err
	}
	return updated, from, nil
}

// applyDecision records who decided. decided_* are written only by the
// first transition into approved or rejected, so signing keeps them intact.
func applyDecision(rec *workflow.ApprovalRequest, to workflow.Status, d workflow.Decision, now time.Time) {
	actor := d.Actor
	at := now
	switch {
	case workflow.IsDecision(to) && rec.DecidedBy == nil:
		rec.DecidedBy = &actor
		rec.DecidedAt = &at
		if c := strings.TrimSpace(d.Comment); c != "" {
			rec.DecisionComment = &c
		}
	case to == workflow.StatusSigned:
		rec.SignedBy = &actor
		rec.SignedAt = &at
	}
}

// List returns one page of requests matching req.
func (s *WorkflowService) List(ctx context.Context, req *ListRequest) (*ListResult, error) {
	if req == nil {
		req = &ListRequest{}
	}
	f, err := req.filter()
	if err != nil {
		return nil, err
	}
	page := repository.Page{Page: req.Page, Limit: req.Limit}.Normalize()

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	items, total, err := s.store.List(sctx, f, page)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	return &ListResult{
		Items:      items,
		TotalItems: total,
		TotalPages: page.TotalPages(total),
		Page:       page.Page,
		Limit:      page.Limit,
	}, nil
}

func (r *ListRequest) filter() (repository.Filter, error) {
	var f repository.Filter
	if strings.TrimSpace(r.RequestType) != "" {
		rt, ok := workflow.ParseRequestType(r.RequestType)
		if !ok {
			return f, errors.Validation(workflow.MsgUnknownRequestType)
		}
		f.RequestType = rt
	}
	if strings.TrimSpace(r.Status) != "" {
		st, ok := workflow.ParseStatus(r.Status)
		if !ok {
			return f, errors.InvalidInput("status", "unknown status "+r.Status)
		}
		f.Status = st
	}
	if strings.TrimSpace(r.Priority) != "" {
		p, ok := workflow.ParsePriority(r.Priority)
		if !ok {
			return f, errors.InvalidInput("priority", "unknown priority "+r.Priority)
		}
		f.Priority = p
	}
	if r.Page > repository.MaxPage {
		return f, errors.InvalidInput("page", fmt.Sprintf("must not exceed %d", repository.MaxPage))
	}
	if r.From != nil && r.To != nil && r.To.Before(*r.From) {
		return f, errors.InvalidInput("to", "must not be before from")
	}
	f.Requester = strings.TrimSpace(r.Requester)
	f.Search = strings.TrimSpace(r.Search)
	f.CreatedFrom = r.From
	f.CreatedTo = r.To
	return f, nil
}

// History returns the transition log of a request, oldest first.
func (s *WorkflowService) History(ctx context.Context, id string) ([]*workflow.Transition, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.InvalidInput("id", "must not be empty")
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	h, err := s.store.History(sctx, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read history")
	}
	return h, nil
}

// AllowedActions lists what may be done next with the request.
func (s *WorkflowService) AllowedActions(ctx context.Context, id string) ([]workflow.Action, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return workflow.AllowedActions(rec.RequestType, rec.Status), nil
}

func eventFor(to workflow.Status) string {
	switch to {
	case workflow.StatusUnderReview:
		return client.EventRequestClaimed
	case workflow.StatusApproved:
		return client.EventRequestApproved
	case workflow.StatusRejected:
		return client.EventRequestRejected
	case workflow.StatusSigned:
		return client.EventRequestSigned
	default:
		return client.EventRequestSubmitted
	}
}

// Close waits for queued events to be published and stops the publisher
// goroutine. The service must not be used afterwards.
func (s *WorkflowService) Close() {
	s.events.close()
}

func (s *WorkflowService) publish(eventType string, rec *workflow.ApprovalRequest, actor string, comment *string) {
	payload := map[string]any{
		"request_code": rec.RequestCode,
		"request_type": string(rec.RequestType),
		"status":       string(rec.Status),
		"priority":     string(rec.Priority),
		"version":      rec.Version,
	}
	if comment != nil {
		payload["comment"] = *comment
	}
	recipients := []string{rec.Requester}
	if actor == rec.Requester {
		recipients = nil
	}
	s.events.enqueue(&client.NotificationEvent{
		EventType:    eventType,
		ActorID:      actor,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   rec.ID,
		ResourceRef:  rec.RequestCode,
		IsActionable: !workflow.IsTerminal(rec.RequestType, rec.Status),
		Severity:     severityFor(rec.Priority),
		Category:     "approvals",
		OccurredAt:   s.now().UTC(),
		Payload:      payload,
	})
}

func severityFor(p workflow.Priority) string {
	switch p {
	case workflow.PriorityCritical:
		return "critical"
	case workflow.PriorityHigh:
		return "warning"
	default:
		return "info"
	}
}
