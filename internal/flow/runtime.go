package flow

import (
	"fmt"
	"time"
)

// idempotencyCap bounds the processedRequestIds ring buffer spec.md
// §4.13/§9 requires be owned by the runtime state itself rather than a
// separate actor kind.
const idempotencyCap = 100

// processedEntry remembers one submit() outcome under its request id.
type processedEntry struct {
	RequestID string `json:"requestId"`
	Result    Result `json:"result"`
}

// requestLedger is the bounded FIFO ring buffer of recent (requestId,
// result) pairs. Lookups are linear, which is fine at a 100-entry cap —
// the point is boundedness, not lookup complexity.
type requestLedger struct {
	Entries []processedEntry `json:"entries,omitempty"`
}

func (l *requestLedger) lookup(requestID string) (Result, bool) {
	for _, e := range l.Entries {
		if e.RequestID == requestID {
			return e.Result, true
		}
	}
	return Result{}, false
}

func (l *requestLedger) record(requestID string, result Result) {
	if requestID == "" {
		return
	}
	if _, ok := l.lookup(requestID); ok {
		return
	}
	l.Entries = append(l.Entries, processedEntry{RequestID: requestID, Result: result})
	if len(l.Entries) > idempotencyCap {
		l.Entries = l.Entries[len(l.Entries)-idempotencyCap:]
	}
}

// RuntimeState is one in-flight flow's durable, per-session state (spec
// component C13, living in C1 keyed by session_id).
type RuntimeState struct {
	SessionID             string                 `json:"sessionId"`
	FlowID                string                 `json:"flowId"`
	TenantID              string                 `json:"tenantId,omitempty"`
	ClientID              string                 `json:"clientId,omitempty"`
	CurrentNodeID         string                 `json:"currentNodeId"`
	VisitedNodeIDs        []string               `json:"visitedNodeIds,omitempty"`
	CollectedData         map[string]interface{} `json:"collectedData"`
	CompletedCapabilities []string               `json:"completedCapabilities,omitempty"`
	UserID                string                 `json:"userId,omitempty"`
	Claims                map[string]interface{} `json:"claims"`
	OAuthParams           map[string]string      `json:"oauthParams,omitempty"`
	StartedAt             time.Time              `json:"startedAt"`
	ExpiresAt             time.Time              `json:"expiresAt"`
	LastActivityAt        time.Time              `json:"lastActivityAt"`
	Processed             requestLedger          `json:"processed"`
}

func (rt *RuntimeState) markVisited(nodeID string) {
	for _, v := range rt.VisitedNodeIDs {
		if v == nodeID {
			return
		}
	}
	rt.VisitedNodeIDs = append(rt.VisitedNodeIDs, nodeID)
}

// appendAMR adds method to the claims-carried amr list, deduplicated, and
// stored as []interface{} so the value survives a JSON round trip through
// the actor store in the same shape every time (a plain []string would
// come back as []interface{} after the first reload, making later
// comparisons inconsistent).
func (rt *RuntimeState) appendAMR(method string) {
	if method == "" {
		return
	}
	existing := anyToStringSlice(rt.Claims["amr"])
	for _, m := range existing {
		if m == method {
			return
		}
	}
	existing = append(existing, method)
	rt.Claims["amr"] = toAnySlice(existing)
}

func anyToStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func appendUniqueString(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

// stringMap coerces a collected-data map into plain strings, the shape
// external integrations (UserDirectory) deal in.
func stringMap(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// cloneState deep-copies the mutable reference fields of rt so a
// transition function can mutate the clone without the original (kept
// around for error-path fallbacks inside actor.Mutate) being affected.
func cloneState(rt RuntimeState) RuntimeState {
	next := rt
	next.CollectedData = cloneAnyMap(rt.CollectedData)
	next.Claims = cloneAnyMap(rt.Claims)
	next.OAuthParams = cloneStringMap(rt.OAuthParams)
	next.VisitedNodeIDs = append([]string(nil), rt.VisitedNodeIDs...)
	next.CompletedCapabilities = append([]string(nil), rt.CompletedCapabilities...)
	next.Processed = requestLedger{Entries: append([]processedEntry(nil), rt.Processed.Entries...)}
	return next
}

func cloneAnyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ResultType is submit()'s/Start's reported outcome kind.
type ResultType string

const (
	// ResultContinue means the flow suspended at a selection node or at an
	// action node that carries a Capability; the UI contract describes what
	// input it's waiting for.
	ResultContinue ResultType = "continue"
	// ResultRedirect means the flow reached a terminal redirect/end node.
	ResultRedirect ResultType = "redirect"
	// ResultError means node execution failed and no error edge was
	// authored; the state machine stays at the failing node, re-submittable
	// once the underlying problem is fixed.
	ResultError ResultType = "error"
)

// FlowError describes a node execution failure surfaced to the caller.
type FlowError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FlowError) Error() string { return e.Message }

// Result is what Start/Submit returns: a suspension point, a terminal
// redirect, or a node-execution error.
type Result struct {
	Type        ResultType             `json:"type"`
	NodeID      string                 `json:"nodeId,omitempty"`
	Capability  string                 `json:"capability,omitempty"`
	UIContract  map[string]interface{} `json:"uiContract,omitempty"`
	RedirectURL string                 `json:"redirectUrl,omitempty"`
	// RedirectParams carries the query/fragment parameters a terminal
	// redirect must attach to RedirectURL (or, when RedirectURL is empty,
	// to whatever redirect_uri the caller falls back to) — the
	// authorization code, and for a hybrid response_type the access_token/
	// id_token minted alongside it, plus the request's own state.
	RedirectParams map[string]string `json:"redirectParams,omitempty"`
	Error          *FlowError        `json:"error,omitempty"`
}
