// Package eval implements the pure override-evaluation engine: given a
// base value, an ordered list of overrides, and a caller context, it
// computes the effective value plus a trace explaining how it got
// there. No randomness, no wall-clock reads, no I/O — evaluate is a
// pure function of its inputs, as spec.md §4.C and §8 property 1
// require.
package eval

import (
	"fmt"
	"reflect"

	"github.com/meridianhq/configurator/internal/condition"
	"github.com/meridianhq/configurator/internal/domain"
	"github.com/meridianhq/configurator/internal/segment"
)

// Result is a three-valued logic outcome: matched, not matched, or
// unknown (the context was missing the data needed to decide).
type Result string

const (
	Matched    Result = "matched"
	NotMatched Result = "not_matched"
	Unknown    Result = "unknown"
)

// TraceNode records one node's evaluation outcome. The shape — a
// structured result alongside a short human-readable reason, with
// children nested the same way the node tree nests — mirrors the
// teacher's ConfigDiff/DiffEntry pattern of pairing a structured result
// with a human summary (internal/config/update_models.go).
type TraceNode struct {
	Operator condition.Operator `json:"operator"`
	Result   Result             `json:"result"`
	Reason   string             `json:"reason"`
	Children []TraceNode        `json:"children,omitempty"`
}

// OverrideTrace is the trace for one override: its top-level conjunction
// result plus the per-condition traces that produced it.
type OverrideTrace struct {
	Name       string      `json:"name"`
	Result     Result      `json:"result"`
	Conditions []TraceNode `json:"conditions"`
}

// Trace is the full evaluation trace, in override declaration order.
type Trace struct {
	Overrides []OverrideTrace `json:"overrides"`
}

// Outcome is evaluate's return value.
type Outcome struct {
	Value           any
	MatchedOverride *domain.Override
	Trace           Trace
}

// Evaluate computes the effective value of base layered with overrides,
// against context. Overrides are tried in declared order; the first one
// whose conditions (implicitly and-combined) evaluate to Matched wins.
// Overrides whose result is Unknown are skipped, not treated as
// non-matches for trace purposes — they are recorded distinctly.
func Evaluate(base any, overrides []domain.Override, context map[string]any) Outcome {
	trace := Trace{Overrides: make([]OverrideTrace, 0, len(overrides))}

	for i := range overrides {
		ov := &overrides[i]
		condTraces := make([]TraceNode, 0, len(ov.Conditions))
		result := Matched
		sawUnknown := false

		for _, c := range ov.Conditions {
			t := evalNode(c, context)
			condTraces = append(condTraces, t)
			switch t.Result {
			case NotMatched:
				result = NotMatched
			case Unknown:
				sawUnknown = true
			}
		}
		if result == Matched && sawUnknown {
			result = Unknown
		}
		if len(ov.Conditions) == 0 {
			result = Matched
		}

		trace.Overrides = append(trace.Overrides, OverrideTrace{
			Name:       ov.Name,
			Result:     result,
			Conditions: condTraces,
		})

		if result == Matched {
			val := ov.Value.Literal
			return Outcome{Value: val, MatchedOverride: ov, Trace: trace}
		}
	}

	return Outcome{Value: base, MatchedOverride: nil, Trace: trace}
}

func evalNode(n condition.Node, ctx map[string]any) TraceNode {
	switch n.Operator {
	case condition.OpAnd:
		return evalAnd(n, ctx)
	case condition.OpOr:
		return evalOr(n, ctx)
	case condition.OpNot:
		return evalNot(n, ctx)
	case condition.OpSegmentation:
		return evalSegmentation(n, ctx)
	default:
		return evalLeaf(n, ctx)
	}
}

func evalAnd(n condition.Node, ctx map[string]any) TraceNode {
	children := make([]TraceNode, 0, len(n.Children))
	result := Matched
	sawUnknown := false
	for _, c := range n.Children {
		ct := evalNode(c, ctx)
		children = append(children, ct)
		if ct.Result == NotMatched {
			// Short-circuit: still records remaining children in a real
			// rule-builder UI we'd stop early, but the trace must mirror
			// declaration order for every condition, so we keep walking.
			result = NotMatched
		} else if ct.Result == Unknown {
			sawUnknown = true
		}
	}
	if result == Matched && sawUnknown {
		result = Unknown
	}
	return TraceNode{Operator: condition.OpAnd, Result: result, Reason: reasonFor(result, "and"), Children: children}
}

func evalOr(n condition.Node, ctx map[string]any) TraceNode {
	children := make([]TraceNode, 0, len(n.Children))
	result := NotMatched
	sawUnknown := false
	sawMatched := false
	for _, c := range n.Children {
		ct := evalNode(c, ctx)
		children = append(children, ct)
		if ct.Result == Matched {
			sawMatched = true
		} else if ct.Result == Unknown {
			sawUnknown = true
		}
	}
	switch {
	case sawMatched:
		result = Matched
	case sawUnknown:
		result = Unknown
	default:
		result = NotMatched
	}
	return TraceNode{Operator: condition.OpOr, Result: result, Reason: reasonFor(result, "or"), Children: children}
}

func evalNot(n condition.Node, ctx map[string]any) TraceNode {
	child := evalNode(n.Children[0], ctx)
	var result Result
	switch child.Result {
	case Matched:
		result = NotMatched
	case NotMatched:
		result = Matched
	default:
		result = Unknown
	}
	return TraceNode{Operator: condition.OpNot, Result: result, Reason: reasonFor(result, "not"), Children: []TraceNode{child}}
}

func evalSegmentation(n condition.Node, ctx map[string]any) TraceNode {
	v, ok := ctx[n.Property]
	if !ok {
		return leafTrace(n.Operator, Unknown, fmt.Sprintf("property %q absent from context", n.Property))
	}
	bucket, err := segment.Bucket(n.Seed, v)
	if err != nil {
		return leafTrace(n.Operator, Unknown, fmt.Sprintf("property %q could not be hashed: %v", n.Property, err))
	}
	if float64(bucket) >= n.FromPercentage && float64(bucket) < n.ToPercentage {
		return leafTrace(n.Operator, Matched, fmt.Sprintf("bucket %d in [%.0f, %.0f)", bucket, n.FromPercentage, n.ToPercentage))
	}
	return leafTrace(n.Operator, NotMatched, fmt.Sprintf("bucket %d not in [%.0f, %.0f)", bucket, n.FromPercentage, n.ToPercentage))
}

func evalLeaf(n condition.Node, ctx map[string]any) TraceNode {
	v, ok := ctx[n.Property]
	if !ok {
		return leafTrace(n.Operator, Unknown, fmt.Sprintf("property %q absent from context", n.Property))
	}

	var target any
	if n.Value.Type == condition.ValueReference {
		// An un-rendered reference leaf (resolver wasn't run, or ran and
		// left it unresolved) evaluates to unknown, per spec.md §4.D.
		if n.Value.Literal == unresolvedSentinel {
			return leafTrace(n.Operator, Unknown, "reference unresolved")
		}
		target = n.Value.Literal
	} else {
		target = n.Value.Literal
	}

	switch n.Operator {
	case condition.OpEquals:
		if deepEqual(v, target) {
			return leafTrace(n.Operator, Matched, "equals")
		}
		return leafTrace(n.Operator, NotMatched, "not equal")
	case condition.OpIn, condition.OpNotIn:
		arr, ok := asArray(target)
		if !ok {
			return leafTrace(n.Operator, Unknown, "reference/value did not resolve to an array")
		}
		member := containsDeep(arr, v)
		matched := member
		if n.Operator == condition.OpNotIn {
			matched = !member
		}
		if matched {
			return leafTrace(n.Operator, Matched, "membership check passed")
		}
		return leafTrace(n.Operator, NotMatched, "membership check failed")
	case condition.OpLessThan, condition.OpLessThanOrEqual, condition.OpGreaterThan, condition.OpGreaterThanOrEqual:
		return evalComparison(n.Operator, v, target)
	default:
		return leafTrace(n.Operator, Unknown, fmt.Sprintf("unsupported operator %q", n.Operator))
	}
}

// unresolvedSentinel is the literal the reference resolver substitutes
// for a reference it could not resolve (spec.md §4.D).
const unresolvedSentinel = "\x00unresolved\x00"

func evalComparison(op condition.Operator, a, b any) TraceNode {
	an, aIsNum := asNumber(a)
	bn, bIsNum := asNumber(b)
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)

	var cmp int
	switch {
	case aIsNum && bIsNum:
		switch {
		case an < bn:
			cmp = -1
		case an > bn:
			cmp = 1
		default:
			cmp = 0
		}
	case aIsStr && bIsStr:
		switch {
		case as < bs:
			cmp = -1
		case as > bs:
			cmp = 1
		default:
			cmp = 0
		}
	default:
		return leafTrace(op, Unknown, "mixed or non-orderable types")
	}

	matched := false
	switch op {
	case condition.OpLessThan:
		matched = cmp < 0
	case condition.OpLessThanOrEqual:
		matched = cmp <= 0
	case condition.OpGreaterThan:
		matched = cmp > 0
	case condition.OpGreaterThanOrEqual:
		matched = cmp >= 0
	}
	if matched {
		return leafTrace(op, Matched, "comparison passed")
	}
	return leafTrace(op, NotMatched, "comparison failed")
}

func leafTrace(op condition.Operator, r Result, reason string) TraceNode {
	return TraceNode{Operator: op, Result: r, Reason: reason}
}

func reasonFor(r Result, op string) string {
	switch r {
	case Matched:
		return op + ": all relevant children matched"
	case NotMatched:
		return op + ": at least one child did not match"
	default:
		return op + ": at least one child unknown, none decisive"
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asArray(v any) ([]any, bool) {
	arr, ok := v.([]any)
	return arr, ok
}

func containsDeep(arr []any, v any) bool {
	for _, item := range arr {
		if deepEqual(item, v) {
			return true
		}
	}
	return false
}

func deepEqual(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}
	return reflect.DeepEqual(a, b)
}
