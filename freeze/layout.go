// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types"
	"github.com/cryograph/cryograph/types/layouts"
)

// layoutForConstraint materializes a layout constraint for a concrete rank.
func layoutForConstraint(constraint graph.LayoutConstraint, rank int) (layouts.Layout, error) {
	switch constraint {
	case graph.LayoutRowMajorOnly:
		return layouts.RowMajor(rank), nil
	case graph.LayoutChannelsLastOnly:
		if rank < 3 {
			return layouts.Layout{}, errors.Errorf("channels-last requires rank >= 3, got rank %d", rank)
		}
		return layouts.ChannelsLast(rank), nil
	}
	return layouts.Layout{}, errors.Errorf("cannot materialize layout constraint %d", constraint)
}

// consumerEdge is one use of a producer's value.
type consumerEdge struct {
	consumer *graph.Node
	inputIdx int
	required layouts.Layout
}

// optimizeLayouts minimizes physical copies between producers and
// layout-constrained consumers.
//
// For each producer whose uses all demand the same layout it cannot
// currently offer, the producer's own output layout is adjusted, which moves
// where the value materializes and costs nothing at runtime. Everywhere else
// a LayoutConvert node is inserted per distinct demanded layout and shared by
// the consumers that demand it, so each invocation pays at most one copy per
// (producer, layout) pair. Nodes inserted here are recorded in inserted so
// the folder can report how many it later turned into literals.
//
// Parameters keep the layout of the caller's binding, constants stay bound
// to their literal's layout, and aliasing nodes cannot move since their
// output shares the input's buffer; those always take the conversion route.
// Graph outputs keep their pre-freeze layout unless cfg.OutputLayouts pins
// them explicitly.
func optimizeLayouts(g *graph.Graph, cfg Config, inserted types.Set[*graph.Node], report *Report) error {
	for idx := range cfg.OutputLayouts {
		if idx < 0 || idx >= len(g.Outputs()) {
			return errors.Errorf("pinned layout for output #%d, but the graph has %d outputs",
				idx, len(g.Outputs()))
		}
	}

	outputs := types.SetWith(g.Outputs()...)

	// All consumer edges per producer, in graph order.
	uses := make(map[*graph.Node]int, g.NumNodes())
	edges := make(map[*graph.Node][]consumerEdge, g.NumNodes())
	for _, consumer := range g.Nodes() {
		for inputIdx, in := range consumer.Inputs() {
			uses[in]++
			constraint := consumer.Metadata().InputLayoutOf(inputIdx)
			if constraint == graph.LayoutAny {
				continue
			}
			required, err := layoutForConstraint(constraint, in.Shape().Rank())
			if err != nil {
				return &LayoutConflictError{
					Producer:   in,
					Consumer:   consumer,
					InputIndex: inputIdx,
					Cause:      err,
				}
			}
			edges[in] = append(edges[in], consumerEdge{consumer, inputIdx, required})
		}
	}

	for _, producer := range g.Nodes() {
		// Demands the producer's current layout does not already satisfy.
		var demands []consumerEdge
		for _, e := range edges[producer] {
			if producer.Layout().Equal(e.required) {
				continue
			}
			demands = append(demands, e)
		}
		if len(demands) == 0 {
			continue
		}

		// Distinct demanded layouts, in first-appearance order.
		var wanted []layouts.Layout
		for _, d := range demands {
			seen := false
			for _, l := range wanted {
				if l.Equal(d.required) {
					seen = true
					break
				}
			}
			if !seen {
				wanted = append(wanted, d.required)
			}
		}

		// If every use demands the same layout, re-home the producer: it
		// materializes its value there directly and no copy is needed.
		// Parameters and constants have their layout fixed from outside, and
		// aliasing producers share their input's buffer, so none of them can
		// be re-homed. Outputs keep their pre-freeze layout.
		meta := producer.Metadata()
		if len(wanted) == 1 && len(demands) == uses[producer] &&
			meta.OutputLayout == graph.LayoutAny && !meta.AliasesInput &&
			producer.Op() != graph.OpTypeParameter && producer.Op() != graph.OpTypeConstant &&
			!outputs.Has(producer) {
			producer.SetLayout(wanted[0])
			report.ProducerLayoutAdjustments++
			klog.V(2).Infof("freeze: re-homed %s to layout %s", producer, wanted[0])
			continue
		}

		// Otherwise one shared conversion per demanded layout.
		for _, required := range wanted {
			if cfg.MinLayoutConvertElements > 0 && producer.Shape().IsFullyStatic() &&
				producer.Shape().Size() < cfg.MinLayoutConvertElements {
				// Kernels address through strides, so leaving the consumers
				// on the original layout stays correct; only the constrained
				// fast path is given up.
				report.SmallLayoutConversionsSkipped++
				continue
			}
			conversion := graph.LayoutConvert(producer, required)
			inserted.Insert(conversion)
			report.LayoutConversionsInserted++
			for _, d := range demands {
				if d.required.Equal(required) {
					d.consumer.ReplaceInput(d.inputIdx, conversion)
				}
			}
		}
	}

	// Caller-pinned output layouts.
	for idx := 0; idx < len(g.Outputs()); idx++ {
		pinned, ok := cfg.OutputLayouts[idx]
		if !ok {
			continue
		}
		out := g.Outputs()[idx]
		if err := pinned.Validate(out.Shape().Rank()); err != nil {
			return errors.WithMessagef(err, "pinned layout for output #%d", idx)
		}
		if out.Layout().Equal(pinned) {
			continue
		}
		conversion := graph.LayoutConvert(out, pinned)
		inserted.Insert(conversion)
		g.ReplaceOutput(idx, conversion)
		report.OutputLayoutConversions++
	}

	g.Normalize()
	return nil
}
