package handler

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/rpc"
	"github.com/pesio-ai/be-approvals/internal/service"
)

// ApprovalServiceServer is the server API of approvals.v1.ApprovalService.
// Messages are google.protobuf.Struct carrying the JSON shapes of the HTTP API.
type ApprovalServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Finalize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&approvalServiceDesc, srv)
}

func unaryHandler(method string, call func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + rpc.ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: rpc.ServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Submit", ApprovalServiceServer.Submit),
		unaryHandler("Decide", ApprovalServiceServer.Decide),
		unaryHandler("Finalize", ApprovalServiceServer.Finalize),
		unaryHandler("Get", ApprovalServiceServer.Get),
		unaryHandler("List", ApprovalServiceServer.List),
		unaryHandler("History", ApprovalServiceServer.History),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/approvals.proto",
}

// GRPCHandler implements ApprovalServiceServer on top of the workflow service.
type GRPCHandler struct {
	workflow *service.WorkflowService
	logger   zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(workflow *service.WorkflowService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		workflow: workflow,
		logger:   logger.With().Str("handler", "grpc").Logger(),
	}
}

// actorID extracts the acting user from incoming metadata, or returns empty string.
func actorID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(rpc.ActorKey); len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return ""
}

type idMessage struct {
	ID string `json:"id"`
}

type listMessage struct {
	RequestType string     `json:"request_type"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Requester   string     `json:"requester"`
	Search      string     `json:"search"`
	From        *time.Time `json:"from"`
	To          *time.Time `json:"to"`
	Page        int        `json:"page"`
	Limit       int        `json:"limit"`
}

// Submit creates a new approval request
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.SubmitRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req.Requester = actorID(ctx)

	h.logger.Info().
		Str("request_type", req.RequestType).
		Str("requester", req.Requester).
		Msg("gRPC Submit called")

	rec, err := h.workflow.Submit(ctx, &req)
	if err != nil {
		return nil, h.fail(err, "Failed to submit request")
	}
	return encode(rec)
}

// Decide approves, rejects or claims a request
func (h *GRPCHandler) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.DecideRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req.Actor = actorID(ctx)

	h.logger.Info().
		Str("id", req.ID).
		Str("action", req.Action).
		Str("actor", req.Actor).
		Msg("gRPC Decide called")

	rec, err := h.workflow.Decide(ctx, &req)
	if err != nil {
		return nil, h.fail(err, "Failed to decide request")
	}
	return encode(rec)
}

// Finalize signs an approved request
func (h *GRPCHandler) Finalize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.FinalizeRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req.Actor = actorID(ctx)

	h.logger.Info().Str("id", req.ID).Str("actor", req.Actor).Msg("gRPC Finalize called")

	rec, err := h.workflow.Finalize(ctx, &req)
	if err != nil {
		return nil, h.fail(err, "Failed to finalize request")
	}
	return encode(rec)
}

// Get retrieves a request by ID
func (h *GRPCHandler) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idMessage
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rec, err := h.workflow.Get(ctx, req.ID)
	if err != nil {
		return nil, h.fail(err, "Failed to get request")
	}
	return encode(rec)
}

// List returns one page of requests
func (h *GRPCHandler) List(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listMessage
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := h.workflow.List(ctx, &service.ListRequest{
		RequestType: req.RequestType,
		Status:      req.Status,
		Priority:    req.Priority,
		Requester:   req.Requester,
		Search:      req.Search,
		From:        req.From,
		To:          req.To,
		Page:        req.Page,
		Limit:       req.Limit,
	})
	if err != nil {
		return nil, h.fail(err, "Failed to list requests")
	}
	return encode(res)
}

// History returns the transition log of a request
func (h *GRPCHandler) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idMessage
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	hist, err := h.workflow.History(ctx, req.ID)
	if err != nil {
		return nil, h.fail(err, "Failed to read history")
	}
	return encode(hist)
}

func (h *GRPCHandler) fail(err error, msg string) error {
	ev := h.logger.Warn()
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		ev = h.logger.Error()
	}
	ev.Err(err).Str("kind", errors.Kind(err)).Msg(msg)
	return mapErrorToGRPC(err)
}

func encode(v any) (*structpb.Struct, error) {
	s, err := rpc.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// RecoveryInterceptor turns a handler panic into codes.Internal so one bad
// call cannot take the server down.
func RecoveryInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("method", info.FullMethod).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("gRPC handler panicked")
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	msg := errors.Message(err)
	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, msg)
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeStoreUnavailable:
		return status.Error(codes.Unavailable, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
