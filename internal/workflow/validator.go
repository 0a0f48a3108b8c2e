package workflow

import (
	"sort"
	"strings"

	"github.com/pesio-ai/be-approvals/internal/errors"
)

// Validation messages, returned verbatim to callers.
const (
	MsgCommentRequired    = "comment required"
	MsgNotApproved        = "not approved"
	MsgSigningUnsupported = "type does not support signing"
	MsgIllegalTransition  = "illegal transition"
	MsgActorRequired      = "actor required"
	MsgUnknownAction      = "unknown action"
	MsgUnknownRequestType = "unknown request type"
)

// TypeDefinition describes the optional steps of a request type.
type TypeDefinition struct {
	Type    RequestType
	Prefix  string
	Signing bool
}

var definitions = map[RequestType]TypeDefinition{
	TypeFinancial:  {Type: TypeFinancial, Prefix: "FIN"},
	TypeLeave:      {Type: TypeLeave, Prefix: "LEV"},
	TypeContract:   {Type: TypeContract, Prefix: "CON", Signing: true},
	TypePermission: {Type: TypePermission, Prefix: "PRM"},
	TypeTask:       {Type: TypeTask, Prefix: "TSK"},
}

type edgeKey struct {
	requestType RequestType
	from        Status
	action      Action
}

// edges maps (type, from, action) to the target status. Adding a request
// type adds rows here, never new branches in Validate.
var edges = buildEdges()

func buildEdges() map[edgeKey]Status {
	common := []struct {
		from   Status
		action Action
		to     Status
	}{
		{StatusPending, ActionClaimReview, StatusUnderReview},
		{StatusPending, ActionApprove, StatusApproved},
		{StatusPending, ActionReject, StatusRejected},
		{StatusUnderReview, ActionApprove, StatusApproved},
		{StatusUnderReview, ActionReject, StatusRejected},
	}

	table := make(map[edgeKey]Status)
	for rt, def := range definitions {
		for _, e := range common {
			table[edgeKey{rt, e.from, e.action}] = e.to
		}
		if def.Signing {
			table[edgeKey{rt, StatusApproved, ActionSign}] = StatusSigned
		}
	}
	return table
}

// Definition returns the definition of a registered request type.
func Definition(rt RequestType) (TypeDefinition, bool) {
	def, ok := definitions[rt]
	return def, ok
}

// RequestTypes returns all registered request types in a stable order.
func RequestTypes() []RequestType {
	out := make([]RequestType, 0, len(definitions))
	for rt := range definitions {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate decides whether d may be applied to current and returns the
// target status. It is a total function with no side effects.
func Validate(current ApprovalRequest, d Decision) (Status, error) {
	if !knownAction(d.Action) {
		return "", errors.Validation(MsgUnknownAction)
	}
	def, ok := definitions[current.RequestType]
	if !ok {
		return "", errors.Validation(MsgUnknownRequestType)
	}
	if strings.TrimSpace(d.Actor) == "" {
		return "", errors.Validation(MsgActorRequired)
	}

	switch d.Action {
	case ActionReject:
		if strings.TrimSpace(d.Comment) == "" {
			return "", errors.Validation(MsgCommentRequired)
		}
	case ActionSign:
		if !def.Signing {
			return "", errors.Validation(MsgSigningUnsupported)
		}
		if current.Status != StatusApproved {
			return "", errors.Validation(MsgNotApproved)
		}
	}

	to, ok := edges[edgeKey{current.RequestType, current.Status, d.Action}]
	if !ok {
		return "", errors.Validation(MsgIllegalTransition)
	}
	return to, nil
}

// AllowedActions lists the actions with an outgoing edge from status.
func AllowedActions(rt RequestType, status Status) []Action {
	var out []Action
	for _, a := range actions {
		if _, ok := edges[edgeKey{rt, status, a}]; ok {
			out = append(out, a)
		}
	}
	return out
}

func knownAction(a Action) bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves status for type rt.
func IsTerminal(rt RequestType, status Status) bool {
	return len(AllowedActions(rt, status)) == 0
}

// IsDecision reports whether a transition into to records the reviewer's
// decision (decided_by and friends).
func IsDecision(to Status) bool {
	return to == StatusApproved || to == StatusRejected
}
