// Package rpc holds the wire contract of the approvals gRPC service: the
// service and method names plus the codec between Go values and
// google.protobuf.Struct messages.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "approvals.v1.ApprovalService"

// Full method names, as used by clients and interceptors.
const (
	MethodSubmit   = "/" + ServiceName + "/Submit"
	MethodDecide   = "/" + ServiceName + "/Decide"
	MethodFinalize = "/" + ServiceName + "/Finalize"
	MethodGet      = "/" + ServiceName + "/Get"
	MethodList     = "/" + ServiceName + "/List"
	MethodHistory  = "/" + ServiceName + "/History"
)

// ActorKey is the metadata key carrying the acting user.
const ActorKey = "x-actor-id"

// Encode converts any JSON-marshalable value into a Struct. Values that
// encode to something other than a JSON object are wrapped as {"items": v}.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		var raw any
		if err2 := json.Unmarshal(data, &raw); err2 != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		m = map[string]any{"items": raw}
	}
	return structpb.NewStruct(m)
}

// Decode fills v from a Struct through its JSON form.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// DecodeItems decodes a Struct produced by Encode for a slice value.
func DecodeItems(s *structpb.Struct, v any) error {
	items := s.GetFields()["items"]
	if items == nil {
		return nil
	}
	data, err := items.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return json.Unmarshal(data, v)
}
