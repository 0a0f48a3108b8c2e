package client

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approvals/internal/rpc"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// ApprovalsGRPCClient is a client of approvals.v1.ApprovalService for other
// services and for the CLI.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a client.
func NewApprovalsGRPCClient(addr string, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.conn.Close()
}

// ListQuery mirrors the list parameters of the service.
type ListQuery struct {
	RequestType string     `json:"request_type,omitempty"`
	Status      string     `json:"status,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Requester   string     `json:"requester,omitempty"`
	Search      string     `json:"search,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	Page        int        `json:"page,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ListPage is one page returned by List.
type ListPage struct {
	Items      []*workflow.ApprovalRequest `json:"items"`
	TotalItems int                         `json:"total_items"`
	TotalPages int                         `json:"total_pages"`
	Page       int                         `json:"page"`
	Limit      int                         `json:"limit"`
}

// Submit creates a new request on behalf of actor.
func (c *ApprovalsGRPCClient) Submit(ctx context.Context, actor, requestType, title, priority string, payload any) (*workflow.ApprovalRequest, error) {
	body := map[string]any{
		"request_type": requestType,
		"title":        title,
		"priority":     priority,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var out workflow.ApprovalRequest
	if err := c.call(WithActor(ctx, actor), rpc.MethodSubmit, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide applies approve, reject or claim_review.
func (c *ApprovalsGRPCClient) Decide(ctx context.Context, actor, id, action, comment string) (*workflow.ApprovalRequest, error) {
	var out workflow.ApprovalRequest
	body := map[string]any{"id": id, "action": action, "comment": comment}
	if err := c.call(WithActor(ctx, actor), rpc.MethodDecide, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Finalize signs an approved request.
func (c *ApprovalsGRPCClient) Finalize(ctx context.Context, actor, id string) (*workflow.ApprovalRequest, error) {
	var out workflow.ApprovalRequest
	if err := c.call(WithActor(ctx, actor), rpc.MethodFinalize, map[string]any{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns the request, or nil if it does not exist.
func (c *ApprovalsGRPCClient) Get(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	var out workflow.ApprovalRequest
	if err := c.call(ctx, rpc.MethodGet, map[string]any{"id": id}, &out); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// List returns one page of requests.
func (c *ApprovalsGRPCClient) List(ctx context.Context, q ListQuery) (*ListPage, error) {
	var out ListPage
	if err := c.call(ctx, rpc.MethodList, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the transition log of a request.
func (c *ApprovalsGRPCClient) History(ctx context.Context, id string) ([]*workflow.Transition, error) {
	in, err := rpc.Encode(map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, rpc.MethodHistory, in, resp); err != nil {
		return nil, err
	}
	out := make([]*workflow.Transition, 0)
	if err := rpc.DecodeItems(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ApprovalsGRPCClient) call(ctx context.Context, method string, body, out any) error {
	in, err := rpc.Encode(body)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, resp); err != nil {
		return err
	}
	return rpc.Decode(resp, out)
}
