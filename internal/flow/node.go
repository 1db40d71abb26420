// Package flow implements the flow engine (spec component C13): a
// compiled directed graph that drives multi-step interactive flows
// (login, registration, consent, logout) with durable per-session state
// and idempotent step submission.
//
// New relative to dex — dex authenticates through static
// connectors wired at startup, not a runtime graph — built following
// spec.md §4.13/§9 literally: a GraphDefinition (authored form) compiles
// once into a CompiledPlan (conditions resolved to closures, never an
// `eval` of untrusted expressions per spec.md §9's explicit redesign
// note), and RuntimeState persists as a C1 actor keyed by session_id, the
// same actor.Table[T] idiom C8/C11/C12 use, with the idempotency record
// kept as a bounded, owned-by-the-state ring buffer rather than a
// separate actor kind (also per spec.md §9).
package flow

import "fmt"

// NodeType identifies one of the node kinds spec.md §4.13 enumerates.
type NodeType string

const (
	NodeStart NodeType = "start"
	NodeEnd   NodeType = "end"
	NodeGoto  NodeType = "goto"

	NodeCheckSession   NodeType = "check_session"
	NodeCheckAuthLevel NodeType = "check_auth_level"
	NodeCheckRisk      NodeType = "check_risk"

	NodeAuthMethodSelect NodeType = "auth_method_select"
	NodeIdentifier       NodeType = "identifier"
	NodeCustomForm       NodeType = "custom_form"

	NodeLogin          NodeType = "login"
	NodeMFA            NodeType = "mfa"
	NodeRegister       NodeType = "register"
	NodeIssueTokens    NodeType = "issue_tokens"
	NodeIssueCode      NodeType = "issue_code"
	NodeRefreshSession NodeType = "refresh_session"
	NodeRevokeSession  NodeType = "revoke_session"
	NodeBindDevice     NodeType = "bind_device"
	NodeLinkAccount    NodeType = "link_account"

	NodeRedirect   NodeType = "redirect"
	NodeWebhook    NodeType = "webhook"
	NodeEventEmit  NodeType = "event_emit"
	NodeEmailSend  NodeType = "email_send"
	NodeSMSSend    NodeType = "sms_send"
	NodePushNotify NodeType = "push_notify"

	NodeDecision    NodeType = "decision"
	NodeSwitch      NodeType = "switch"
	NodePolicyCheck NodeType = "policy_check"
)

// category groups node types the way the engine's run loop dispatches on
// them; it is unexported because it is an implementation grouping, not
// part of the authored graph shape.
type category int

const (
	categoryControl category = iota
	categoryCheck
	categorySelection
	categoryAction
	categorySideEffect
	categoryDecision
)

var nodeCategories = map[NodeType]category{
	NodeStart: categoryControl, NodeEnd: categoryControl, NodeGoto: categoryControl,

	NodeCheckSession: categoryCheck, NodeCheckAuthLevel: categoryCheck, NodeCheckRisk: categoryCheck,

	NodeAuthMethodSelect: categorySelection, NodeIdentifier: categorySelection, NodeCustomForm: categorySelection,

	NodeLogin: categoryAction, NodeMFA: categoryAction, NodeRegister: categoryAction,
	NodeIssueTokens: categoryAction, NodeIssueCode: categoryAction, NodeRefreshSession: categoryAction, NodeRevokeSession: categoryAction,
	NodeBindDevice: categoryAction, NodeLinkAccount: categoryAction,

	NodeRedirect: categorySideEffect, NodeWebhook: categorySideEffect, NodeEventEmit: categorySideEffect,
	NodeEmailSend: categorySideEffect, NodeSMSSend: categorySideEffect, NodePushNotify: categorySideEffect,

	NodeDecision: categoryDecision, NodeSwitch: categoryDecision, NodePolicyCheck: categoryDecision,
}

// EdgeType is an outgoing edge's kind.
type EdgeType string

const (
	EdgeSuccess     EdgeType = "success"
	EdgeError       EdgeType = "error"
	EdgeConditional EdgeType = "conditional"
)

// Edge is one authored outgoing transition from a node.
type Edge struct {
	To        string     `json:"to"`
	Type      EdgeType   `json:"type"`
	Condition *Condition `json:"condition,omitempty"`
}

// Node is one authored graph node.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	// Capability identifies the UI contract a node suspends on, and the
	// value submit()'s capabilityId argument must match to resume it. A
	// selection node always suspends; an action node suspends only when it
	// carries a Capability. Other node kinds ignore it.
	Capability string `json:"capability,omitempty"`
	// Check is the condition a check-category node evaluates to choose
	// between its success and error edges.
	Check *Condition `json:"check,omitempty"`
	// Params carries node-specific configuration: a redirect/webhook URL,
	// an email template id, a required ACR value, and so on.
	Params map[string]string `json:"params,omitempty"`
	Edges  []Edge            `json:"edges,omitempty"`
}

// GraphDefinition is the authored form of a flow: a flow id, a schema
// version for the migration story spec.md §4.13 names, and its nodes.
type GraphDefinition struct {
	FlowID  string `json:"flowId"`
	Version int    `json:"version"`
	Nodes   []Node `json:"nodes"`
}

func (n NodeType) String() string { return string(n) }

func (n NodeType) categoryOrErr() (category, error) {
	c, ok := nodeCategories[n]
	if !ok {
		return 0, fmt.Errorf("flow: unknown node type %q", n)
	}
	return c, nil
}
