package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator is a conditional edge's comparison operator. The set is fixed
// and documented (spec.md §4.13, §9) specifically so a condition is never
// a dynamic `eval` of untrusted expressions — only these operators exist.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNe      Operator = "ne"
	OpCo      Operator = "co"
	OpSw      Operator = "sw"
	OpEw      Operator = "ew"
	OpGt      Operator = "gt"
	OpLt      Operator = "lt"
	OpGe      Operator = "ge"
	OpLe      Operator = "le"
	OpIn      Operator = "in"
	OpNotIn   Operator = "notIn"
	OpExists  Operator = "exists"
	OpMatches Operator = "matches"
	OpIsTrue  Operator = "isTrue"
	OpIsFalse Operator = "isFalse"
)

// Condition is a leaf comparison (Path/Op/Value) or a group (And/Or/Not
// over child conditions) evaluated against a FlowRuntimeContext. Exactly
// one of the leaf fields or the group fields is populated in a
// well-formed Condition; And is checked first, then Or, then Not, falling
// through to leaf evaluation.
type Condition struct {
	Path  string      `json:"path,omitempty"`
	Op    Operator    `json:"op,omitempty"`
	Value interface{} `json:"value,omitempty"`

	And []Condition `json:"and,omitempty"`
	Or  []Condition `json:"or,omitempty"`
	Not *Condition  `json:"not,omitempty"`
}

// Evaluate resolves the condition against ctx.
func (c Condition) Evaluate(ctx FlowRuntimeContext) bool {
	switch {
	case len(c.And) > 0:
		for _, sub := range c.And {
			if !sub.Evaluate(ctx) {
				return false
			}
		}
		return true
	case len(c.Or) > 0:
		for _, sub := range c.Or {
			if sub.Evaluate(ctx) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.Evaluate(ctx)
	default:
		return c.evaluateLeaf(ctx)
	}
}

func (c Condition) evaluateLeaf(ctx FlowRuntimeContext) bool {
	val, found := ctx.resolve(c.Path)
	switch c.Op {
	case OpExists:
		return found
	case OpIsTrue:
		b, ok := val.(bool)
		return ok && b
	case OpIsFalse:
		b, ok := val.(bool)
		return ok && !b
	}
	if !found {
		return false
	}
	switch c.Op {
	case OpEq:
		return toComparable(val) == toComparable(c.Value)
	case OpNe:
		return toComparable(val) != toComparable(c.Value)
	case OpCo:
		return strings.Contains(toStr(val), toStr(c.Value))
	case OpSw:
		return strings.HasPrefix(toStr(val), toStr(c.Value))
	case OpEw:
		return strings.HasSuffix(toStr(val), toStr(c.Value))
	case OpGt, OpLt, OpGe, OpLe:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGe:
			return a >= b
		case OpLe:
			return a <= b
		}
	case OpIn, OpNotIn:
		list, ok := c.Value.([]interface{})
		if !ok {
			return false
		}
		member := false
		for _, v := range list {
			if toComparable(v) == toComparable(val) {
				member = true
				break
			}
		}
		if c.Op == OpIn {
			return member
		}
		return !member
	case OpMatches:
		re, err := regexp.Compile(toStr(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(toStr(val))
	}
	return false
}

func toStr(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// toComparable normalizes a value for equality comparison so that e.g. a
// JSON-round-tripped float64(1) and an authored int 1 compare equal.
func toComparable(v interface{}) string {
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return toStr(v)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FlowRuntimeContext is the read-only view over a RuntimeState that
// conditional edges and check nodes evaluate path expressions against.
// Paths are dot-separated: the first segment selects collectedData,
// claims, oauthParams, userId, currentNodeId, or completedCapabilities;
// remaining segments index into that sub-map.
type FlowRuntimeContext struct {
	state *RuntimeState
}

func newRuntimeContext(rt *RuntimeState) FlowRuntimeContext {
	return FlowRuntimeContext{state: rt}
}

func (c FlowRuntimeContext) resolve(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var root interface{}
	switch segments[0] {
	case "userId":
		if c.state.UserID == "" {
			return nil, false
		}
		return c.state.UserID, true
	case "currentNodeId":
		return c.state.CurrentNodeID, true
	case "flowId":
		return c.state.FlowID, true
	case "clientId":
		return c.state.ClientID, true
	case "tenantId":
		return c.state.TenantID, true
	case "completedCapabilities":
		return toAnySlice(c.state.CompletedCapabilities), true
	case "visitedNodeIds":
		return toAnySlice(c.state.VisitedNodeIDs), true
	case "collectedData":
		root = c.state.CollectedData
	case "claims":
		root = c.state.Claims
	case "oauthParams":
		root = stringMapToAny(c.state.OAuthParams)
	default:
		return nil, false
	}
	cur := root
	for _, seg := range segments[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func toAnySlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func stringMapToAny(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
