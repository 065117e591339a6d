// Package reference resolves reference-typed condition values — pointers
// at another config's effective value by path — into literals before
// evaluation. It runs ahead of internal/eval: by the time eval sees an
// override tree, every reference leaf already carries either a resolved
// literal or the unresolved sentinel.
package reference

import (
	"context"
	"fmt"

	"github.com/meridianhq/configurator/internal/condition"
	"github.com/meridianhq/configurator/internal/domain"
	"github.com/meridianhq/configurator/internal/jsonpath"
)

// maxDepth is the depth at which resolveNode stops: a reference leaf
// reached at depth >= maxDepth renders unresolved without calling
// fetch. Resolve starts every leaf at depth 0, children keep their
// parent's depth, and a fetched value is never resolved further, so
// references do not chain and only a caller passing a depth reaches it.
const maxDepth = 8

// Unresolved is the literal substituted for a reference that could not
// be resolved (missing config, missing path, value absent, depth cut).
// It is exported so callers (e.g. eval) can recognize it without
// importing an internal sentinel constant from each other's package.
const Unresolved = "\x00unresolved\x00"

// FetchConfig looks up a config's effective value at (projectID,
// configName, environmentID). It returns ok=false when the config or
// environment genuinely does not resolve to anything (safe to cache as
// unresolved), and a non-nil err when the lookup itself failed
// transiently (caller should not cache the unresolved render).
type FetchConfig func(ctx context.Context, projectID, configName, environmentID string) (value any, ok bool, err error)

// Resolve renders every reference-typed leaf in overrides into a
// literal by calling fetch, returning a new override slice of the same
// shape and declaration order. The input is never mutated.
//
// transient reports whether any reference hit a transient fetch error
// (err != nil from fetch) anywhere in the tree; callers use this to
// decide whether the rendered result is safe to memoize.
func Resolve(ctx context.Context, overrides []domain.Override, environmentID string, fetch FetchConfig) (rendered []domain.Override, transient bool, err error) {
	rendered = make([]domain.Override, len(overrides))
	for i, ov := range overrides {
		conds := make([]condition.Node, len(ov.Conditions))
		for j, c := range ov.Conditions {
			rc, t, rerr := resolveNode(ctx, c, environmentID, fetch, 0)
			if rerr != nil {
				return nil, false, rerr
			}
			if t {
				transient = true
			}
			conds[j] = rc
		}
		rendered[i] = domain.Override{Name: ov.Name, Conditions: conds, Value: ov.Value}
	}
	return rendered, transient, nil
}

func resolveNode(ctx context.Context, n condition.Node, environmentID string, fetch FetchConfig, depth int) (condition.Node, bool, error) {
	if len(n.Children) > 0 {
		children := make([]condition.Node, len(n.Children))
		transient := false
		for i, c := range n.Children {
			rc, t, err := resolveNode(ctx, c, environmentID, fetch, depth)
			if err != nil {
				return condition.Node{}, false, err
			}
			if t {
				transient = true
			}
			children[i] = rc
		}
		out := n
		out.Children = children
		return out, transient, nil
	}

	if n.Operator == condition.OpSegmentation || n.Value.Type != condition.ValueReference {
		return n, false, nil
	}

	out := n
	if depth >= maxDepth {
		out.Value = condition.Value{Type: condition.ValueReference, Literal: Unresolved}
		return out, false, nil
	}

	segs, perr := jsonpath.Parse(n.Value.Path)
	if perr != nil {
		out.Value = condition.Value{Type: condition.ValueReference, Literal: Unresolved}
		return out, false, nil
	}

	cfgValue, ok, ferr := fetch(ctx, n.Value.ProjectID, n.Value.ConfigName, environmentID)
	if ferr != nil {
		out.Value = condition.Value{Type: condition.ValueReference, Literal: Unresolved}
		return out, true, nil
	}
	if !ok {
		out.Value = condition.Value{Type: condition.ValueReference, Literal: Unresolved}
		return out, false, nil
	}

	resolved, found := jsonpath.Get(cfgValue, segs)
	if !found {
		out.Value = condition.Value{Type: condition.ValueReference, Literal: Unresolved}
		return out, false, nil
	}

	// The fetched leaf is final: it is used as-is even if it is itself
	// reference-shaped, and nothing further is fetched.
	out.Value = condition.Value{Type: condition.ValueReference, Literal: resolved}
	return out, false, nil
}

// Describe renders a human-readable form of a reference value, used in
// error messages and audit payloads.
func Describe(v condition.Value) string {
	if v.Type != condition.ValueReference {
		return fmt.Sprintf("%v", v.Literal)
	}
	return fmt.Sprintf("ref(%s/%s%s)", v.ProjectID, v.ConfigName, v.Path)
}
