package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
	"github.com/veriflow/veriflow/internal/actor/idgen"
	"github.com/veriflow/veriflow/internal/session"
)

const sessionKind = "flow-session"

// maxSteps bounds how many nodes a single run() call may traverse before
// giving up, a guard against a malformed cyclic graph (every edge
// conditional, none of them ever true at a dead end) spinning forever
// inside one actor.Mutate call.
const maxSteps = 1000

var (
	// ErrSessionNotFound covers an unknown or already-expired session id.
	ErrSessionNotFound = errors.New("flow: session not found")
	// ErrExpired means the session's TTL elapsed before this submit.
	ErrExpired = errors.New("flow: session expired")
	// ErrCapabilityMismatch means the submitted capabilityId does not
	// match the node the session is actually suspended at.
	ErrCapabilityMismatch = errors.New("flow: submitted capability does not match the node awaiting input")
	// ErrUnknownFlow means Start was asked for a flow id with no compiled
	// plan registered.
	ErrUnknownFlow = errors.New("flow: unknown flow")
)

// UserDirectory is the external identity backend the login/mfa/register/
// bind_device/link_account action nodes call into. spec.md's Non-goals
// exclude shipping real LDAP/SAML/OIDC/social connectors — an external
// service implements this interface; this repo ships only MemoryDirectory
// as an in-memory test double.
type UserDirectory interface {
	Authenticate(ctx context.Context, identifier, credential string) (userID, amr string, err error)
	VerifyMFA(ctx context.Context, userID, method, code string) (amr string, err error)
	Register(ctx context.Context, attrs map[string]string) (userID string, err error)
	BindDevice(ctx context.Context, userID string, params map[string]string) error
	LinkAccount(ctx context.Context, userID string, params map[string]string) error
}

// TokenIssuer is what issue_tokens action nodes call into. The ordinary
// authorization-code path mints tokens through C9 once the authorization
// endpoint consumes the code the flow produces; TokenIssuer exists for
// flows (CIBA, device approval) that need the flow engine itself to
// produce a token set inline. SignerTokenIssuer is the concrete
// implementation backed by C9's Signer.
type TokenIssuer interface {
	IssueTokens(ctx context.Context, rt RuntimeState) (map[string]interface{}, error)
}

// AuthorizationResult is what an issue_code action node binds into the
// flow's terminal redirect: the authorization code every supported
// response_type mints, plus — only for a hybrid response_type — the
// access_token and/or id_token OIDC Core §3.3 requires be delivered
// straight to the redirect_uri rather than waiting for a token-endpoint
// exchange.
type AuthorizationResult struct {
	Code        string
	AccessToken string
	TokenType   string
	IDToken     string
	ExpiresIn   int
}

// CodeIssuer is what issue_code action nodes call into, minting the
// authorization code (and, for a hybrid response_type, the tokens
// delivered alongside it) that the flow's terminal redirect carries back
// to the client. AuthorizationIssuer is the concrete implementation
// backed by C8's authcode.Store and C9's Signer.
type CodeIssuer interface {
	IssueAuthorization(ctx context.Context, rt RuntimeState) (AuthorizationResult, error)
}

// Notifier delivers the webhook/event_emit/email_send/sms_send/
// push_notify side-effect nodes. kind is the node's NodeType string.
type Notifier interface {
	Notify(ctx context.Context, kind string, rt RuntimeState, params map[string]string) error
}

// Engine executes compiled flow plans against durably stored runtime
// state.
type Engine struct {
	states   actor.Table[RuntimeState]
	plans    map[string]*CompiledPlan
	users    UserDirectory
	tokens   TokenIssuer
	codes    CodeIssuer
	notifier Notifier
	sessions *session.Store
	ttl      time.Duration
	now      func() time.Time
}

// NewEngine builds an Engine over backend, serving the given compiled
// plans (indexed by FlowID). users, tokens, codes, and notifier may be nil
// if a deployment's graphs never reach the corresponding node categories.
func NewEngine(backend actor.Backend, plans []*CompiledPlan, users UserDirectory, tokens TokenIssuer, codes CodeIssuer, notifier Notifier, sessions *session.Store, ttl time.Duration) *Engine {
	indexed := make(map[string]*CompiledPlan, len(plans))
	for _, p := range plans {
		indexed[p.FlowID] = p
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Engine{
		states:   actor.NewTable[RuntimeState](backend, sessionKind),
		plans:    indexed,
		users:    users,
		tokens:   tokens,
		codes:    codes,
		notifier: notifier,
		sessions: sessions,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Start begins a new flow run for flowID, persisting its RuntimeState and
// returning the first suspension/terminal Result.
func (e *Engine) Start(ctx context.Context, flowID, tenantID, clientID string, oauthParams map[string]string) (sessionID string, result Result, err error) {
	plan, ok := e.plans[flowID]
	if !ok {
		return "", Result{}, fmt.Errorf("%w: %q", ErrUnknownFlow, flowID)
	}

	now := e.now()
	sessionID = idgen.NewID()
	rt := RuntimeState{
		SessionID:      sessionID,
		FlowID:         flowID,
		TenantID:       tenantID,
		ClientID:       clientID,
		CurrentNodeID:  plan.Start,
		CollectedData:  map[string]interface{}{},
		Claims:         map[string]interface{}{},
		OAuthParams:    oauthParams,
		StartedAt:      now,
		ExpiresAt:      now.Add(e.ttl),
		LastActivityAt: now,
	}

	result, err = e.run(ctx, plan, &rt)
	if err != nil {
		return "", Result{}, err
	}
	if err := e.states.Put(ctx, sessionID, rt, e.ttl); err != nil {
		return "", Result{}, fmt.Errorf("flow: persist new state: %w", err)
	}
	return sessionID, result, nil
}

// Submit resumes a suspended flow. A duplicate (sessionID, requestID)
// pair returns the stored result without re-executing anything, per
// spec.md §8 property 8.
func (e *Engine) Submit(ctx context.Context, sessionID, requestID, capabilityID string, response map[string]interface{}) (Result, error) {
	return actor.Mutate(ctx, e.states, sessionID, e.ttl, func(current RuntimeState, exists bool) (RuntimeState, bool, Result, error) {
		if !exists {
			return RuntimeState{}, false, Result{}, ErrSessionNotFound
		}
		if cached, ok := current.Processed.lookup(requestID); ok {
			return current, true, cached, nil
		}

		now := e.now()
		if !current.ExpiresAt.IsZero() && now.After(current.ExpiresAt) {
			return current, true, Result{}, ErrExpired
		}

		plan, ok := e.plans[current.FlowID]
		if !ok {
			return current, true, Result{}, fmt.Errorf("%w: %q", ErrUnknownFlow, current.FlowID)
		}
		node, ok := plan.Nodes[current.CurrentNodeID]
		if !ok {
			return current, true, Result{}, fmt.Errorf("flow: unknown node %q", current.CurrentNodeID)
		}
		if node.Capability != "" && capabilityID != node.Capability {
			return current, true, Result{}, ErrCapabilityMismatch
		}

		rt := cloneState(current)
		for k, v := range response {
			rt.CollectedData[k] = v
		}
		rt.LastActivityAt = now

		result, err := e.run(ctx, plan, &rt)
		if err != nil {
			return current, true, Result{}, err
		}
		rt.Processed.record(requestID, result)
		return rt, true, result, nil
	})
}

// SessionRedirectURI returns the redirect_uri a session was started with,
// the trusted value validated against the client's registration at Start —
// never whatever a subsequent capability submission's own form happens to
// carry, which a caller must not trust for redirect purposes.
func (e *Engine) SessionRedirectURI(ctx context.Context, sessionID string) (string, error) {
	rt, err := e.states.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return rt.OAuthParams["redirect_uri"], nil
}

// run advances rt through plan until it suspends at a selection node (or
// at an action node that carries a Capability), reaches a terminal node, or
// hits an unrecoverable node-execution error. The first node of a run
// started by Submit is the node being resumed: a selection node follows its
// success edge and an action node executes with the submitted data.
func (e *Engine) run(ctx context.Context, plan *CompiledPlan, rt *RuntimeState) (Result, error) {
	for step := 0; step < maxSteps; step++ {
		node, ok := plan.Nodes[rt.CurrentNodeID]
		if !ok {
			return Result{}, fmt.Errorf("flow: unknown node %q in plan %q", rt.CurrentNodeID, plan.FlowID)
		}
		rt.markVisited(node.ID)
		rctx := newRuntimeContext(rt)

		cat, err := node.Type.categoryOrErr()
		if err != nil {
			return Result{}, err
		}

		switch cat {
		case categoryControl:
			if node.Type == NodeEnd {
				return e.terminal(node, rt), nil
			}
			next, ok := pickTransition(node, EdgeSuccess, rctx)
			if !ok {
				return Result{}, fmt.Errorf("flow: node %q has no outgoing transition", node.ID)
			}
			rt.CurrentNodeID = next

		case categorySelection:
			if step == 0 {
				// Resuming: the submitted response answers this node.
				next, found := pickTransition(node, EdgeSuccess, rctx)
				if !found {
					return Result{}, fmt.Errorf("flow: node %q has no success transition", node.ID)
				}
				rt.CurrentNodeID = next
				continue
			}
			rt.CurrentNodeID = node.ID
			return Result{Type: ResultContinue, NodeID: node.ID, Capability: node.Capability, UIContract: uiContract(node)}, nil

		case categoryCheck:
			ok := node.Check == nil || node.Check.Evaluate(rctx)
			outcome := EdgeError
			if ok {
				outcome = EdgeSuccess
			}
			next, found := pickTransition(node, outcome, rctx)
			if !found {
				if outcome == EdgeError {
					return Result{Type: ResultError, NodeID: node.ID, Error: &FlowError{Code: "check_failed", Message: fmt.Sprintf("flow: %q failed with no error edge", node.ID)}}, nil
				}
				return Result{}, fmt.Errorf("flow: node %q has no success transition", node.ID)
			}
			rt.CurrentNodeID = next

		case categoryAction:
			if node.Capability != "" && step > 0 {
				return Result{Type: ResultContinue, NodeID: node.ID, Capability: node.Capability, UIContract: uiContract(node)}, nil
			}
			if execErr := e.executeAction(ctx, node, rt); execErr != nil {
				next, found := pickTransition(node, EdgeError, rctx)
				if !found {
					return Result{Type: ResultError, NodeID: node.ID, Error: &FlowError{Code: "action_failed", Message: execErr.Error()}}, nil
				}
				rt.CurrentNodeID = next
				continue
			}
			rt.CompletedCapabilities = appendUniqueString(rt.CompletedCapabilities, node.Capability)
			next, found := pickTransition(node, EdgeSuccess, rctx)
			if !found {
				return Result{}, fmt.Errorf("flow: node %q has no success transition", node.ID)
			}
			rt.CurrentNodeID = next

		case categorySideEffect:
			if node.Type == NodeRedirect {
				return e.terminal(node, rt), nil
			}
			if execErr := e.executeSideEffect(ctx, node, rt); execErr != nil {
				next, found := pickTransition(node, EdgeError, rctx)
				if !found {
					return Result{Type: ResultError, NodeID: node.ID, Error: &FlowError{Code: "side_effect_failed", Message: execErr.Error()}}, nil
				}
				rt.CurrentNodeID = next
				continue
			}
			next, found := pickTransition(node, EdgeSuccess, rctx)
			if !found {
				return Result{}, fmt.Errorf("flow: node %q has no success transition", node.ID)
			}
			rt.CurrentNodeID = next

		case categoryDecision:
			next, found := pickTransition(node, EdgeSuccess, rctx)
			if !found {
				return Result{Type: ResultError, NodeID: node.ID, Error: &FlowError{Code: "no_matching_transition", Message: fmt.Sprintf("flow: no transition matched at %q", node.ID)}}, nil
			}
			rt.CurrentNodeID = next
		}
	}
	return Result{}, fmt.Errorf("flow: exceeded %d steps in plan %q, likely a cyclic graph", maxSteps, plan.FlowID)
}

// terminal builds the Result a NodeEnd/NodeRedirect node returns. The
// redirect target is still the node's compiled-in URL (a flow author's own
// redirect destination for non-OAuth flows); RedirectParams carries
// whatever an earlier issue_code/issue_tokens action node bound into
// rt.Claims (code, access_token, id_token, ...) plus the request's own
// state, so the HTTP layer can attach them to the actual client
// redirect_uri the same way it attaches an error's query parameters.
func (e *Engine) terminal(node CompiledNode, rt *RuntimeState) Result {
	url := node.Params["url"]
	var params map[string]string
	for _, k := range []string{"code", "access_token", "token_type", "id_token", "expires_in", "scope"} {
		v, ok := rt.Claims[k]
		if !ok {
			continue
		}
		if params == nil {
			params = map[string]string{}
		}
		if s, ok := v.(string); ok {
			params[k] = s
		} else {
			params[k] = fmt.Sprint(v)
		}
	}
	if state := rt.OAuthParams["state"]; state != "" {
		if params == nil {
			params = map[string]string{}
		}
		params["state"] = state
	}
	return Result{Type: ResultRedirect, NodeID: node.ID, RedirectURL: url, RedirectParams: params}
}

func uiContract(node CompiledNode) map[string]interface{} {
	contract := make(map[string]interface{}, len(node.Params)+2)
	contract["node"] = node.ID
	contract["type"] = string(node.Type)
	for k, v := range node.Params {
		contract[k] = v
	}
	return contract
}

func (e *Engine) executeAction(ctx context.Context, node CompiledNode, rt *RuntimeState) error {
	switch node.Type {
	case NodeLogin:
		if e.users == nil {
			return fmt.Errorf("flow: no user directory configured")
		}
		identifier, _ := rt.CollectedData["identifier"].(string)
		credential, _ := rt.CollectedData["credential"].(string)
		userID, amr, err := e.users.Authenticate(ctx, identifier, credential)
		if err != nil {
			return err
		}
		rt.UserID = userID
		rt.appendAMR(amr)
		return nil

	case NodeMFA:
		if e.users == nil {
			return fmt.Errorf("flow: no user directory configured")
		}
		method, _ := rt.CollectedData["mfaMethod"].(string)
		code, _ := rt.CollectedData["mfaCode"].(string)
		amr, err := e.users.VerifyMFA(ctx, rt.UserID, method, code)
		if err != nil {
			return err
		}
		rt.appendAMR(amr)
		return nil

	case NodeRegister:
		if e.users == nil {
			return fmt.Errorf("flow: no user directory configured")
		}
		userID, err := e.users.Register(ctx, stringMap(rt.CollectedData))
		if err != nil {
			return err
		}
		rt.UserID = userID
		return nil

	case NodeIssueTokens:
		if e.tokens == nil {
			return fmt.Errorf("flow: no token issuer configured")
		}
		claims, err := e.tokens.IssueTokens(ctx, *rt)
		if err != nil {
			return err
		}
		for k, v := range claims {
			rt.Claims[k] = v
		}
		return nil

	case NodeIssueCode:
		if e.codes == nil {
			return fmt.Errorf("flow: no code issuer configured")
		}
		result, err := e.codes.IssueAuthorization(ctx, *rt)
		if err != nil {
			return err
		}
		rt.Claims["code"] = result.Code
		if result.AccessToken != "" {
			rt.Claims["access_token"] = result.AccessToken
			rt.Claims["token_type"] = result.TokenType
			rt.Claims["expires_in"] = result.ExpiresIn
		}
		if result.IDToken != "" {
			rt.Claims["id_token"] = result.IDToken
		}
		return nil

	case NodeRefreshSession:
		if e.sessions == nil {
			return fmt.Errorf("flow: no session store configured")
		}
		sess, err := e.sessions.GetSession(ctx, rt.OAuthParams["sid"])
		if err != nil {
			return err
		}
		rt.Claims["acr"] = sess.ACR
		rt.Claims["amr"] = toAnySlice(sess.AMR)
		rt.Claims["authTime"] = sess.AuthTime.Unix()
		return nil

	case NodeRevokeSession:
		if e.sessions == nil {
			return fmt.Errorf("flow: no session store configured")
		}
		return e.sessions.RevokeSession(ctx, rt.OAuthParams["sid"])

	case NodeBindDevice:
		if e.users == nil {
			return fmt.Errorf("flow: no user directory configured")
		}
		return e.users.BindDevice(ctx, rt.UserID, stringMap(rt.CollectedData))

	case NodeLinkAccount:
		if e.users == nil {
			return fmt.Errorf("flow: no user directory configured")
		}
		return e.users.LinkAccount(ctx, rt.UserID, stringMap(rt.CollectedData))

	default:
		return fmt.Errorf("flow: unsupported action node type %q", node.Type)
	}
}

func (e *Engine) executeSideEffect(ctx context.Context, node CompiledNode, rt *RuntimeState) error {
	if e.notifier == nil {
		return fmt.Errorf("flow: no notifier configured for %q", node.Type)
	}
	return e.notifier.Notify(ctx, string(node.Type), *rt, node.Params)
}
