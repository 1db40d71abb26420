package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriflow/veriflow/internal/actor/memactor"
	"github.com/veriflow/veriflow/internal/session"
)

func loginPlan(t *testing.T) *CompiledPlan {
	t.Helper()
	plan, err := Compile(simpleLoginGraph())
	require.NoError(t, err)
	return plan
}

func newTestEngine(t *testing.T, plan *CompiledPlan, users UserDirectory) *Engine {
	t.Helper()
	backend := memactor.New()
	sessions := session.New(backend)
	return NewEngine(backend, []*CompiledPlan{plan}, users, nil, nil, nil, sessions, time.Hour)
}

func TestStartSuspendsAtFirstSelectionNode(t *testing.T) {
	plan := loginPlan(t)
	eng := newTestEngine(t, plan, NewMemoryDirectory())

	sid, result, err := eng.Start(context.Background(), "login", "tenant-1", "client-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, sid)
	require.Equal(t, ResultContinue, result.Type)
	require.Equal(t, "identifier", result.NodeID)
	require.Equal(t, "identifier", result.Capability)
}

func TestStartUnknownFlowFails(t *testing.T) {
	plan := loginPlan(t)
	eng := newTestEngine(t, plan, NewMemoryDirectory())
	_, _, err := eng.Start(context.Background(), "does-not-exist", "", "", nil)
	require.ErrorIs(t, err, ErrUnknownFlow)
}

func TestSubmitDrivesLoginToCompletion(t *testing.T) {
	dir := NewMemoryDirectory()
	dir.Seed("alice@example.com", "correct-password", "")
	plan := loginPlan(t)
	eng := newTestEngine(t, plan, dir)
	ctx := context.Background()

	sid, result, err := eng.Start(ctx, "login", "", "client-1", nil)
	require.NoError(t, err)
	require.Equal(t, "identifier", result.NodeID)

	result, err = eng.Submit(ctx, sid, "req-1", "identifier", map[string]interface{}{
		"identifier": "alice@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "login", result.NodeID)
	require.Equal(t, "login", result.Capability)

	result, err = eng.Submit(ctx, sid, "req-2", "login", map[string]interface{}{
		"credential": "correct-password",
	})
	require.NoError(t, err)
	require.Equal(t, ResultRedirect, result.Type)
	require.Equal(t, "https://rp.example/cb", result.RedirectURL)
}

func TestSubmitWrongCredentialRoutesBackToIdentifier(t *testing.T) {
	dir := NewMemoryDirectory()
	dir.Seed("alice@example.com", "correct-password", "")
	plan := loginPlan(t)
	eng := newTestEngine(t, plan, dir)
	ctx := context.Background()

	sid, _, err := eng.Start(ctx, "login", "", "client-1", nil)
	require.NoError(t, err)
	_, err = eng.Submit(ctx, sid, "req-1", "identifier", map[string]interface{}{"identifier": "alice@example.com"})
	require.NoError(t, err)

	result, err := eng.Submit(ctx, sid, "req-2", "login", map[string]interface{}{"credential": "wrong"})
	require.NoError(t, err)
	require.Equal(t, ResultContinue, result.Type)
	require.Equal(t, "identifier", result.NodeID, "the error edge routes back to re-collect the identifier")
}

func TestSubmitIsIdempotentForSameRequestID(t *testing.T) {
	dir := NewMemoryDirectory()
	dir.Seed("alice@example.com", "correct-password", "")
	plan := loginPlan(t)
	eng := newTestEngine(t, plan, dir)
	ctx := context.Background()

	sid, _, err := eng.Start(ctx, "login", "", "client-1", nil)
	require.NoError(t, err)

	first, err := eng.Submit(ctx, sid, "req-1", "identifier", map[string]interface{}{"identifier": "alice@example.com"})
	require.NoError(t, err)

	second, err := eng.Submit(ctx, sid, "req-1", "identifier", map[string]interface{}{"identifier": "someone-else"})
	require.NoError(t, err)
	require.Equal(t, first, second, "a replayed requestId must return the original result, not re-execute with the new payload")
}

func TestSubmitRejectsCapabilityMismatch(t *testing.T) {
	plan := loginPlan(t)
	eng := newTestEngine(t, plan, NewMemoryDirectory())
	ctx := context.Background()

	sid, _, err := eng.Start(ctx, "login", "", "client-1", nil)
	require.NoError(t, err)

	_, err = eng.Submit(ctx, sid, "req-1", "login", map[string]interface{}{})
	require.ErrorIs(t, err, ErrCapabilityMismatch)
}

func TestSubmitUnknownSessionFails(t *testing.T) {
	plan := loginPlan(t)
	eng := newTestEngine(t, plan, NewMemoryDirectory())
	_, err := eng.Submit(context.Background(), "no-such-session", "req-1", "identifier", nil)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func decisionGraph() GraphDefinition {
	return GraphDefinition{
		FlowID: "decide-risk",
		Nodes: []Node{
			{ID: "start", Type: NodeStart, Edges: []Edge{{To: "risk", Type: EdgeSuccess}}},
			{ID: "risk", Type: NodeDecision, Edges: []Edge{
				{To: "step_up", Type: EdgeConditional, Condition: &Condition{Path: "collectedData.risk", Op: OpGt, Value: 50}},
				{To: "end", Type: EdgeSuccess},
			}},
			{ID: "step_up", Type: NodeEnd, Params: map[string]string{"url": "https://idp.example/step-up"}},
			{ID: "end", Type: NodeEnd, Params: map[string]string{"url": "https://rp.example/cb"}},
		},
	}
}

func TestDecisionNodeBranchesOnConditionalEdge(t *testing.T) {
	plan, err := Compile(decisionGraph())
	require.NoError(t, err)
	eng := newTestEngine(t, plan, nil)
	ctx := context.Background()

	_, result, err := eng.Start(ctx, "decide-risk", "", "", map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "https://rp.example/cb", result.RedirectURL, "no collectedData.risk yet, so the conditional edge doesn't fire and the default success edge wins")
}

func TestRefreshSessionActionReadsSessionStore(t *testing.T) {
	backend := memactor.New()
	sessions := session.New(backend)
	sid, err := sessions.CreateSession(context.Background(), "user-1", []string{"pwd"}, "urn:acr:1", time.Hour, nil)
	require.NoError(t, err)

	def := GraphDefinition{FlowID: "refresh", Nodes: []Node{
		{ID: "start", Type: NodeStart, Edges: []Edge{{To: "refresh", Type: EdgeSuccess}}},
		{ID: "refresh", Type: NodeRefreshSession, Edges: []Edge{
			{To: "end", Type: EdgeSuccess},
			{To: "fail", Type: EdgeError},
		}},
		{ID: "end", Type: NodeEnd, Params: map[string]string{"url": "https://rp.example/cb"}},
		{ID: "fail", Type: NodeEnd, Params: map[string]string{"url": "https://idp.example/login"}},
	}}
	plan, err := Compile(def)
	require.NoError(t, err)

	eng := NewEngine(backend, []*CompiledPlan{plan}, nil, nil, nil, nil, sessions, time.Hour)
	_, result, err := eng.Start(context.Background(), "refresh", "", "", map[string]string{"sid": sid})
	require.NoError(t, err)
	require.Equal(t, "https://rp.example/cb", result.RedirectURL)
}
