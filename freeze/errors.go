// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"fmt"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/layouts"
)

// FoldingAmbiguityError is returned when a node that claims to be
// constant-foldable cannot actually be resolved at freeze time: one of its
// literal inputs is invalid, or the backend failed to evaluate it under
// Config.ImplicitFallbacks == false.
//
// The error is fatal for the freezing pass but not for the caller: the
// graph's semantics are unchanged and the unfrozen module stays usable.
type FoldingAmbiguityError struct {
	// Node is the candidate that could not be resolved.
	Node *graph.Node
	// Cause is the underlying validation or evaluation failure.
	Cause error
}

func (e *FoldingAmbiguityError) Error() string {
	return fmt.Sprintf("folding ambiguity at node %s: %v", e.Node, e.Cause)
}

func (e *FoldingAmbiguityError) Unwrap() error { return e.Cause }

// LayoutConflictError is returned when a consumer requires a layout that
// cannot exist for the producer's value, typically a channels-last demand on
// a value of rank below 3. Divergent demands between consumers are not a
// conflict: they are resolved by inserting conversion nodes.
type LayoutConflictError struct {
	Producer   *graph.Node
	Consumer   *graph.Node
	InputIndex int
	// Required is the demanded layout, when one could be built.
	Required layouts.Layout
	Cause    error
}

func (e *LayoutConflictError) Error() string {
	return fmt.Sprintf("layout conflict: input #%d of %s demands a layout of %s it cannot have: %v",
		e.InputIndex, e.Consumer, e.Producer, e.Cause)
}

func (e *LayoutConflictError) Unwrap() error { return e.Cause }
