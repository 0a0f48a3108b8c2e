package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/metrics"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*client.NotificationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e *client.NotificationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

func newTestService(t *testing.T, store repository.Store) (*WorkflowService, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	svc, err := NewWorkflowService(store, logger.Nop(), Options{
		Events:  pub,
		Metrics: metrics.New(),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	return svc, pub
}

// eventTypes waits for queued events, then lists what was published.
func eventTypes(svc *WorkflowService, pub *recordingPublisher) []string {
	svc.events.wait()
	return pub.types()
}

func submit(t *testing.T, svc *WorkflowService, rt, priority string) *workflow.ApprovalRequest {
	t.Helper()
	rec, err := svc.Submit(context.Background(), &SubmitRequest{
		RequestType: rt,
		Title:       rt + " request",
		Payload:     json.RawMessage(`{"amount":100}`),
		Priority:    priority,
		Requester:   "alice",
	})
	require.NoError(t, err)
	return rec
}

func decide(svc *WorkflowService, id, action, actor, comment string) (*workflow.ApprovalRequest, error) {
	return svc.Decide(context.Background(), &DecideRequest{ID: id, Action: action, Actor: actor, Comment: comment})
}

func finalize(svc *WorkflowService, id, actor string) (*workflow.ApprovalRequest, error) {
	return svc.Finalize(context.Background(), &FinalizeRequest{ID: id, Actor: actor})
}

func TestSubmit(t *testing.T) {
	svc, pub := newTestService(t, repository.NewMemoryStore())

	rec := submit(t, svc, "Permission", "critical")
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "PRM-2026-000001", rec.RequestCode)
	assert.Equal(t, workflow.TypePermission, rec.RequestType)
	assert.Equal(t, workflow.StatusPending, rec.Status)
	assert.Equal(t, workflow.PriorityCritical, rec.Priority)
	assert.Equal(t, int64(0), rec.Version)
	assert.Equal(t, "alice", rec.Requester)
	assert.Nil(t, rec.DecidedBy)

	second := submit(t, svc, "permission", "")
	assert.Equal(t, "PRM-2026-000002", second.RequestCode)
	assert.Equal(t, workflow.PriorityMedium, second.Priority)

	other := submit(t, svc, "contract", "low")
	assert.Equal(t, "CON-2026-000001", other.RequestCode)

	stored, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.RequestCode, stored.RequestCode)
	assert.JSONEq(t, `{"amount":100}`, string(stored.Payload))

	assert.Equal(t, []string{client.EventRequestSubmitted, client.EventRequestSubmitted, client.EventRequestSubmitted}, eventTypes(svc, pub))
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())

	tests := []struct {
		name string
		req  *SubmitRequest
	}{
		{"nil", nil},
		{"unknown type", &SubmitRequest{RequestType: "travel", Requester: "a"}},
		{"bad priority", &SubmitRequest{RequestType: "task", Priority: "urgent", Requester: "a"}},
		{"no requester", &SubmitRequest{RequestType: "task", Requester: "  "}},
		{"bad payload", &SubmitRequest{RequestType: "task", Requester: "a", Payload: json.RawMessage(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestFormatRequestCode(t *testing.T) {
	assert.Equal(t, "FIN-2026-000042", FormatRequestCode("FIN", 2026, 42))
	assert.Equal(t, "TSK-2026-1234567", FormatRequestCode("TSK", 2026, 1234567))
}

func TestScenarioPermissionApprovedIsTerminal(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())
	rec := submit(t, svc, "permission", "critical")
	assert.Equal(t, workflow.StatusPending, rec.Status)
	assert.Equal(t, int64(0), rec.Version)

	approved, err := decide(svc, rec.ID, "approve", "R1", "")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, approved.Status)
	assert.Equal(t, int64(1), approved.Version)
	require.NotNil(t, approved.DecidedBy)
	assert.Equal(t, "R1", *approved.DecidedBy)
	assert.NotNil(t, approved.DecidedAt)

	_, err = decide(svc, rec.ID, "reject", "R2", "x")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, workflow.MsgIllegalTransition, errors.Message(err))

	stored, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, workflow.StatusApproved, stored.Status)
}

func TestScenarioContractSigning(t *testing.T) {
	svc, pub := newTestService(t, repository.NewMemoryStore())
	rec := submit(t, svc, "contract", "high")

	_, err := decide(svc, rec.ID, "approve", "R0", "looks fine")
	require.NoError(t, err)

	signed, err := finalize(svc, rec.ID, "R1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSigned, signed.Status)
	assert.Equal(t, int64(2), signed.Version)
	require.NotNil(t, signed.DecidedBy)
	assert.Equal(t, "R0", *signed.DecidedBy)
	require.NotNil(t, signed.DecisionComment)
	assert.Equal(t, "looks fine", *signed.DecisionComment)
	require.NotNil(t, signed.SignedBy)
	assert.Equal(t, "R1", *signed.SignedBy)

	_, err = finalize(svc, rec.ID, "R1")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, workflow.MsgNotApproved, errors.Message(err))

	assert.Equal(t, []string{
		client.EventRequestSubmitted,
		client.EventRequestApproved,
		client.EventRequestSigned,
	}, eventTypes(svc, pub))
}

func TestScenarioFinancialCannotBeSigned(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())
	rec := submit(t, svc, "financial", "medium")

	approved, err := decide(svc, rec.ID, "approve", "R1", "")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, approved.Status)

	_, err = finalize(svc, rec.ID, "R1")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, workflow.MsgSigningUnsupported, errors.Message(err))
}

func TestDecideRejectsSignAction(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())
	rec := submit(t, svc, "contract", "low")

	_, err := decide(svc, rec.ID, "sign", "R1", "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestRejectionRequiresComment(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())

	pending := submit(t, svc, "task", "low")
	review := submit(t, svc, "task", "low")
	_, err := decide(svc, review.ID, "claim_review", "R1", "")
	require.NoError(t, err)
	done := submit(t, svc, "task", "low")
	_, err = decide(svc, done.ID, "approve", "R1", "")
	require.NoError(t, err)

	for _, id := range []string{pending.ID, review.ID, done.ID} {
		before, err := svc.Get(context.Background(), id)
		require.NoError(t, err)

		for _, comment := range []string{"", "   "} {
			_, err = decide(svc, id, "reject", "R2", comment)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
			assert.Equal(t, workflow.MsgCommentRequired, errors.Message(err))
		}

		after, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	}
}

func TestRejectRecordsComment(t *testing.T) {
	svc, pub := newTestService(t, repository.NewMemoryStore())
	rec := submit(t, svc, "leave", "low")

	rejected, err := decide(svc, rec.ID, "reject", "R1", "overlaps with release")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.DecisionComment)
	assert.Equal(t, "overlaps with release", *rejected.DecisionComment)

	h, err := svc.History(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	require.NotNil(t, h[0].Comment)
	assert.Equal(t, "overlaps with release", *h[0].Comment)
	assert.Equal(t, workflow.ActionReject, h[0].Action)

	svc.events.wait()
	pub.mu.Lock()
	last := pub.events[len(pub.events)-1]
	pub.mu.Unlock()
	assert.Equal(t, client.EventRequestRejected, last.EventType)
	assert.Equal(t, "overlaps with release", last.Payload["comment"])
	assert.Equal(t, []string{"alice"}, last.Recipients)
	assert.False(t, last.IsActionable)
}

func TestTerminalImmutability(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())

	rejected := submit(t, svc, "task", "low")
	_, err := decide(svc, rejected.ID, "reject", "R1", "no")
	require.NoError(t, err)

	signed := submit(t, svc, "contract", "low")
	_, err = decide(svc, signed.ID, "approve", "R1", "")
	require.NoError(t, err)
	_, err = finalize(svc, signed.ID, "R1")
	require.NoError(t, err)

	approved := submit(t, svc, "leave", "low")
	_, err = decide(svc, approved.ID, "approve", "R1", "")
	require.NoError(t, err)

	for _, id := range []string{rejected.ID, signed.ID, approved.ID} {
		before, err := svc.Get(context.Background(), id)
		require.NoError(t, err)

		for _, action := range []string{"approve", "reject", "claim_review"} {
			_, err := decide(svc, id, action, "R9", "comment")
			assert.True(t, errors.IsValidation(err), "%s on %s", action, before.Status)
		}
		_, err = finalize(svc, id, "R9")
		assert.True(t, errors.IsValidation(err))

		after, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
		assert.Equal(t, before.Status, after.Status)

		allowed, err := svc.AllowedActions(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, allowed)
	}
}

func TestNotFound(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())

	_, err := decide(svc, "missing", "approve", "R1", "")
	assert.True(t, errors.IsNotFound(err))
	_, err = finalize(svc, "missing", "R1")
	assert.True(t, errors.IsNotFound(err))
	_, err = svc.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
	_, err = svc.History(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestActorRequired(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())
	rec := submit(t, svc, "task", "low")

	_, err := decide(svc, rec.ID, "approve", " ", "")
	require.Error(t, err)
	assert.Equal(t, workflow.MsgActorRequired, errors.Message(err))
}

func TestAuditCompleteness(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())
	rec := submit(t, svc, "contract", "medium")

	_, err := decide(svc, rec.ID, "claim_review", "R1", "")
	require.NoError(t, err)
	_, err = decide(svc, rec.ID, "approve", "R1", "")
	require.NoError(t, err)
	final, err := finalize(svc, rec.ID, "R2")
	require.NoError(t, err)

	h, err := svc.History(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, h, int(final.Version))

	status := workflow.StatusPending
	for i, tr := range h {
		assert.Equal(t, int64(i+1), tr.Version)
		assert.Equal(t, status, tr.FromStatus)
		status = tr.ToStatus
	}
	assert.Equal(t, final.Status, status)
}

// racingStore lets another writer win the first compare-and-swap.
type racingStore struct {
	*repository.MemoryStore
	once  sync.Once
	rival workflow.Decision
	to    workflow.Status
	cas   int
}

func (s *racingStore) CompareAndSwap(ctx context.Context, id string, v int64, mutate repository.MutateFunc) (*workflow.ApprovalRequest, error) {
	s.cas++
	s.once.Do(func() {
		_, err := s.MemoryStore.CompareAndSwap(ctx, id, v, func(rec *workflow.ApprovalRequest) (*workflow.Transition, error) {
			from := rec.Status
			rec.Status = s.to
			return &workflow.Transition{FromStatus: from, ToStatus: s.to, Action: s.rival.Action, Actor: s.rival.Actor}, nil
		})
		if err != nil {
			panic(err)
		}
	})
	return s.MemoryStore.CompareAndSwap(ctx, id, v, mutate)
}

func TestConflictRetrySucceedsWhenStillLegal(t *testing.T) {
	store := &racingStore{
		MemoryStore: repository.NewMemoryStore(),
		rival:       workflow.Decision{Action: workflow.ActionClaimReview, Actor: "R2"},
		to:          workflow.StatusUnderReview,
	}
	svc, _ := newTestService(t, store)
	rec := submit(t, svc, "task", "low")

	approved, err := decide(svc, rec.ID, "approve", "R1", "")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, approved.Status)
	assert.Equal(t, int64(2), approved.Version)
	assert.Equal(t, 2, store.cas)
}

func TestConflictRetrySurfacesValidation(t *testing.T) {
	store := &racingStore{
		MemoryStore: repository.NewMemoryStore(),
		rival:       workflow.Decision{Action: workflow.ActionApprove, Actor: "R2"},
		to:          workflow.StatusApproved,
	}
	svc, _ := newTestService(t, store)
	rec := submit(t, svc, "task", "low")

	_, err := decide(svc, rec.ID, "reject", "R1", "nope")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	stored, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
}

// alwaysConflictStore never lets a compare-and-swap through.
type alwaysConflictStore struct {
	*repository.MemoryStore
	cas int
}

func (s *alwaysConflictStore) CompareAndSwap(context.Context, string, int64, repository.MutateFunc) (*workflow.ApprovalRequest, error) {
	s.cas++
	return nil, errors.Conflict("request was modified concurrently")
}

func TestConflictRetriedOnlyOnce(t *testing.T) {
	store := &alwaysConflictStore{MemoryStore: repository.NewMemoryStore()}
	svc, _ := newTestService(t, store)
	rec := submit(t, svc, "task", "low")

	_, err := decide(svc, rec.ID, "approve", "R1", "")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, 2, store.cas)
}

// unavailableStore fails every write with an unknown outcome.
type unavailableStore struct {
	*repository.MemoryStore
	cas int
}

func (s *unavailableStore) CompareAndSwap(context.Context, string, int64, repository.MutateFunc) (*workflow.ApprovalRequest, error) {
	s.cas++
	return nil, errors.Unavailable(context.DeadlineExceeded, "update request")
}

func TestStoreUnavailableIsNotRetried(t *testing.T) {
	store := &unavailableStore{MemoryStore: repository.NewMemoryStore()}
	svc, _ := newTestService(t, store)
	rec := submit(t, svc, "task", "low")

	_, err := decide(svc, rec.ID, "approve", "R1", "")
	require.Error(t, err)
	assert.True(t, errors.IsUnavailable(err))
	assert.False(t, errors.IsConflict(err))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, store.cas)
}

// blockingSequencer waits for the caller's deadline.
type blockingSequencer struct{}

func (blockingSequencer) Next(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return 0, errors.Unavailable(ctx.Err(), "next sequence")
}

func TestStoreTimeoutApplies(t *testing.T) {
	svc, err := NewWorkflowService(repository.NewMemoryStore(), nil, Options{
		Sequencer:    blockingSequencer{},
		StoreTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.Submit(context.Background(), &SubmitRequest{RequestType: "task", Requester: "a"})
	require.Error(t, err)
	assert.True(t, errors.IsUnavailable(err))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRaceExclusivity(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())

	for i := 0; i < 50; i++ {
		rec := submit(t, svc, "task", "low")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, errs[0] = decide(svc, rec.ID, "approve", "R1", "")
		}()
		go func() {
			defer wg.Done()
			<-start
			_, errs[1] = decide(svc, rec.ID, "reject", "R2", "no budget")
		}()
		close(start)
		wg.Wait()

		var ok, failed int
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			failed++
			assert.True(t, errors.IsConflict(err) || errors.IsValidation(err), "unexpected error %v", err)
		}
		require.Equal(t, 1, ok, "iteration %d", i)
		require.Equal(t, 1, failed, "iteration %d", i)

		stored, err := svc.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)
		if errs[0] == nil {
			assert.Equal(t, workflow.StatusApproved, stored.Status)
		} else {
			assert.Equal(t, workflow.StatusRejected, stored.Status)
		}
	}
}

func TestListFilter(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())

	var wantIDs []string
	for i := 0; i < 15; i++ {
		rt := []string{"task", "leave", "financial"}[i%3]
		rec := submit(t, svc, rt, "medium")
		switch {
		case rt == "task" && i%2 == 0:
			_, err := decide(svc, rec.ID, "reject", "R1", fmt.Sprintf("reason %d", i))
			require.NoError(t, err)
			wantIDs = append(wantIDs, rec.ID)
		case rt == "leave":
			_, err := decide(svc, rec.ID, "reject", "R1", "no")
			require.NoError(t, err)
		case rt == "task":
			_, err := decide(svc, rec.ID, "approve", "R1", "")
			require.NoError(t, err)
		}
	}
	require.Len(t, wantIDs, 3)

	res, err := svc.List(context.Background(), &ListRequest{RequestType: "Task", Status: "Rejected", Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalItems)
	assert.Equal(t, 2, res.TotalPages)
	assert.Len(t, res.Items, 2)

	next, err := svc.List(context.Background(), &ListRequest{RequestType: "task", Status: "rejected", Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, next.Items, 1)

	var got []string
	for _, it := range append(res.Items, next.Items...) {
		assert.Equal(t, workflow.TypeTask, it.RequestType)
		assert.Equal(t, workflow.StatusRejected, it.Status)
		got = append(got, it.ID)
	}
	assert.ElementsMatch(t, wantIDs, got)
}

func TestListValidation(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	for _, req := range []*ListRequest{
		{RequestType: "travel"},
		{Status: "cancelled"},
		{Priority: "urgent"},
		{From: &from, To: &to},
		{Page: repository.MaxPage + 1},
		{Page: repository.MaxPage * 1000, Limit: 16},
	} {
		_, err := svc.List(context.Background(), req)
		assert.True(t, errors.IsValidation(err), "%+v", req)
	}

	res, err := svc.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, repository.DefaultPageSize, res.Limit)
	assert.Equal(t, 1, res.Page)
	assert.Empty(t, res.Items)
}

func TestNewWorkflowServiceNeedsSequencer(t *testing.T) {
	type storeOnly struct{ repository.Store }
	_, err := NewWorkflowService(storeOnly{repository.NewMemoryStore()}, nil, Options{})
	require.Error(t, err)

	_, err = NewWorkflowService(storeOnly{repository.NewMemoryStore()}, nil, Options{Sequencer: repository.NewMemoryStore()})
	require.NoError(t, err)
}

// gatedPublisher holds every publish until released or its context ends.
type gatedPublisher struct {
	release chan struct{}

	mu       sync.Mutex
	events   []string
	ctxErrs  []error
	deadline []bool
}

func (p *gatedPublisher) Publish(ctx context.Context, e *client.NotificationEvent) {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	_, ok := ctx.Deadline()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e.EventType)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	p.deadline = append(p.deadline, ok)
}

func (p *gatedPublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestSlowPublisherDoesNotDelayDecide(t *testing.T) {
	pub := &gatedPublisher{release: make(chan struct{})}
	svc, err := NewWorkflowService(repository.NewMemoryStore(), nil, Options{
		Events:         pub,
		PublishTimeout: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	rec, err := svc.Submit(ctx, &SubmitRequest{RequestType: "task", Requester: "alice"})
	require.NoError(t, err)
	approved, err := svc.Decide(ctx, &DecideRequest{ID: rec.ID, Action: "approve", Actor: "R1"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, approved.Status)
	cancel()

	assert.Zero(t, pub.published())

	close(pub.release)
	svc.events.wait()
	assert.Equal(t, []string{client.EventRequestSubmitted, client.EventRequestApproved}, pub.events)
	assert.Equal(t, []error{nil, nil}, pub.ctxErrs)
	assert.Equal(t, []bool{true, true}, pub.deadline)
}

func TestPublishTimeoutBoundsEachEvent(t *testing.T) {
	pub := &gatedPublisher{release: make(chan struct{})}
	svc, err := NewWorkflowService(repository.NewMemoryStore(), nil, Options{
		Events:         pub,
		PublishTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), &SubmitRequest{RequestType: "leave", Requester: "alice"})
	require.NoError(t, err)

	svc.Close()
	require.Len(t, pub.ctxErrs, 1)
	assert.ErrorIs(t, pub.ctxErrs[0], context.DeadlineExceeded)

	// events after Close are discarded
	_, err = svc.Submit(context.Background(), &SubmitRequest{RequestType: "leave", Requester: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, pub.published())
}
