// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/tensors"
)

// keepReason says why a designated parameter cannot be folded. keepNone means
// it can.
type keepReason int

const (
	keepNone keepReason = iota
	keepMutated
	keepEscaping
	keepAliased
	keepDynamic
)

func (r keepReason) String() string {
	switch r {
	case keepNone:
		return "foldable"
	case keepMutated:
		return "mutated"
	case keepEscaping:
		return "escaping"
	case keepAliased:
		return "aliased"
	case keepDynamic:
		return "dynamic"
	}
	return "invalid"
}

// classifyParameters decides, per designated binding, whether the parameter
// is provably constant for every future invocation. The analysis is static:
// it only looks at the graph and the bindings, never at runtime values.
func classifyParameters(g *graph.Graph, bindings []ParamBinding, report *Report) []keepReason {
	reasons := make([]keepReason, len(bindings))
	byNode := make(map[*graph.Node]int, len(bindings))
	for i, binding := range bindings {
		byNode[binding.Node] = i
	}

	// A node that mutates an operand pins the parameter it targets: its value
	// changes across invocations.
	for _, n := range g.Nodes() {
		mutatedIdx := n.Metadata().MutatesOperand
		if mutatedIdx == graph.NoMutatedOperand {
			continue
		}
		if i, ok := byNode[n.Input(mutatedIdx)]; ok && reasons[i] == keepNone {
			reasons[i] = keepMutated
		}
	}

	// A parameter whose buffer an output aliases, directly or through a chain
	// of aliasing nodes, escapes to the caller. Folding it would silently
	// replace the caller's live view with a detached copy.
	for _, out := range g.Outputs() {
		for n := out; ; {
			if i, ok := byNode[n]; ok && reasons[i] == keepNone {
				reasons[i] = keepEscaping
			}
			if !n.Metadata().AliasesInput || n.NumInputs() == 0 {
				break
			}
			n = n.Input(0)
		}
	}

	// Folding substitutes the node with an exact-shape literal, so the
	// declared shape must be fully static.
	for i, binding := range bindings {
		if reasons[i] != keepNone {
			continue
		}
		if !binding.Node.Shape().IsFullyStatic() {
			reasons[i] = keepDynamic
		}
	}

	// Bindings sharing storage fold or stay together. If one member is kept
	// because it gets mutated, a folded sibling would stop seeing those
	// mutations; keeping the whole group preserves the sharing.
	groups := make(map[tensors.StorageID][]int, len(bindings))
	for i, binding := range bindings {
		id := binding.Value.StorageID()
		groups[id] = append(groups[id], i)
	}
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		kept := false
		for _, i := range group {
			if reasons[i] != keepNone {
				kept = true
				break
			}
		}
		if !kept {
			continue
		}
		for _, i := range group {
			if reasons[i] == keepNone {
				reasons[i] = keepAliased
			}
		}
	}

	for _, reason := range reasons {
		switch reason {
		case keepMutated:
			report.ParamsKeptMutated++
		case keepEscaping:
			report.ParamsKeptEscaping++
		case keepAliased:
			report.ParamsKeptAliased++
		case keepDynamic:
			report.ParamsKeptDynamic++
		}
	}
	return reasons
}
