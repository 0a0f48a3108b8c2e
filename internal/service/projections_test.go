package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

func TestViews(t *testing.T) {
	assert.Equal(t, []string{
		"approvals",
		"contract-requests",
		"financial-requests",
		"leave-requests",
		"pending-reviews",
		"permission-requests",
		"task-requests",
	}, Views())

	v, ok := LookupView("task-requests")
	require.True(t, ok)
	assert.Equal(t, workflow.TypeTask, v.RequestType)
	assert.Empty(t, v.Status)

	_, ok = LookupView("nope")
	assert.False(t, ok)
}

func TestProjectionsReflectStore(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())
	p := NewProjections(svc)
	ctx := context.Background()

	task := submit(t, svc, "task", "high")
	submit(t, svc, "task", "low")
	contract := submit(t, svc, "contract", "high")
	submit(t, svc, "leave", "low")

	res, err := p.Query(ctx, "approvals", ListRequest{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalItems)

	res, err = p.Query(ctx, "task-requests", ListRequest{Priority: "high"})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalItems)
	assert.Equal(t, task.ID, res.Items[0].ID)

	// fixed fields win over caller parameters
	res, err = p.Query(ctx, "contract-requests", ListRequest{RequestType: "task"})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalItems)
	assert.Equal(t, contract.ID, res.Items[0].ID)

	res, err = p.Query(ctx, "pending-reviews", ListRequest{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalItems)

	_, err = decide(svc, task.ID, "reject", "R1", "duplicate")
	require.NoError(t, err)

	res, err = p.Query(ctx, "pending-reviews", ListRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalItems)

	rejected, err := p.Rejected(ctx, workflow.TypeTask, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, rejected.TotalItems)
	assert.Equal(t, task.ID, rejected.Items[0].ID)

	pending, err := p.Pending(ctx, workflow.TypeTask, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, pending.TotalItems)

	all, err := p.ByStatus(ctx, "", workflow.StatusPending, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalItems)
	assert.Equal(t, 2, all.TotalPages)
	assert.Len(t, all.Items, 2)
}

func TestProjectionUnknownView(t *testing.T) {
	svc, _ := newTestService(t, repository.NewMemoryStore())
	_, err := NewProjections(svc).Query(context.Background(), "travel-requests", ListRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
