package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// View is a named, parameterized read over the store. Fixed fields win
// over caller parameters.
type View struct {
	Name        string
	RequestType workflow.RequestType
	Status      workflow.Status
}

var views = map[string]View{
	"approvals":           {Name: "approvals"},
	"pending-reviews":     {Name: "pending-reviews", Status: workflow.StatusPending},
	"contract-requests":   {Name: "contract-requests", RequestType: workflow.TypeContract},
	"permission-requests": {Name: "permission-requests", RequestType: workflow.TypePermission},
	"task-requests":       {Name: "task-requests", RequestType: workflow.TypeTask},
	"financial-requests":  {Name: "financial-requests", RequestType: workflow.TypeFinancial},
	"leave-requests":      {Name: "leave-requests", RequestType: workflow.TypeLeave},
}

// Views returns the registered view names, sorted.
func Views() []string {
	out := make([]string, 0, len(views))
	for name := range views {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LookupView resolves a view by name.
func LookupView(name string) (View, bool) {
	v, ok := views[name]
	return v, ok
}

// Projections serves the named views. It is stateless and always reads the
// store at query time.
type Projections struct {
	svc *WorkflowService
}

func NewProjections(svc *WorkflowService) *Projections {
	return &Projections{svc: svc}
}

// Query runs the view called name with params narrowing the result further.
func (p *Projections) Query(ctx context.Context, name string, params ListRequest) (*ListResult, error) {
	v, ok := LookupView(name)
	if !ok {
		return nil, errors.NotFound("view", name)
	}
	return p.svc.List(ctx, v.apply(params))
}

func (v View) apply(params ListRequest) *ListRequest {
	req := params
	if v.RequestType != "" {
		req.RequestType = string(v.RequestType)
	}
	if v.Status != "" {
		req.Status = string(v.Status)
	}
	return &req
}

// Pending lists pending requests of one type.
func (p *Projections) Pending(ctx context.Context, rt workflow.RequestType, page, limit int) (*ListResult, error) {
	return p.ByStatus(ctx, rt, workflow.StatusPending, page, limit)
}

// Rejected lists rejected requests of one type.
func (p *Projections) Rejected(ctx context.Context, rt workflow.RequestType, page, limit int) (*ListResult, error) {
	return p.ByStatus(ctx, rt, workflow.StatusRejected, page, limit)
}

// ByStatus lists requests of one type in one status. An empty type means
// every type.
func (p *Projections) ByStatus(ctx context.Context, rt workflow.RequestType, st workflow.Status, page, limit int) (*ListResult, error) {
	return p.svc.List(ctx, &ListRequest{
		RequestType: string(rt),
		Status:      string(st),
		Page:        page,
		Limit:       limit,
	})
}
