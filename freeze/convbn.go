// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"k8s.io/klog/v2"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types"
)

// recomposeConvBatchNorm rewrites BatchNormInference(Conv2D(x, w), ...) into
// a single convolution with rescaled weights plus a bias, whenever the
// weights and the normalization statistics are constant-rooted:
//
//	factor = scale / sqrt(variance + epsilon)         per channel
//	w'     = w * factor                               broadcast over [C,1,1,1]
//	bias   = offset - mean * factor
//	out    = Conv2D(x, w') + bias                     broadcast over [1,C,1,1]
//
// After folding, the rescaled weights and the bias are literals and the
// normalization disappears from the runtime path entirely. The rewrite only
// fires when the convolution feeds nothing but the normalization: another
// consumer would need the unscaled result, and rescaling would compute the
// convolution twice.
func (f *folder) recomposeConvBatchNorm(foldableParams types.Set[*graph.Node]) {
	g := f.g
	outputs := types.SetWith(g.Outputs()...)
	uses := make(map[*graph.Node]int, g.NumNodes())
	for _, n := range g.Nodes() {
		for _, in := range n.Inputs() {
			uses[in]++
		}
	}

	// constRooted reports whether n's value is fully determined at freeze
	// time: a constant, a parameter about to be folded, or a pure static op
	// over such values.
	memo := make(map[*graph.Node]bool)
	var constRooted func(n *graph.Node) bool
	constRooted = func(n *graph.Node) bool {
		if known, ok := memo[n]; ok {
			return known
		}
		var rooted bool
		switch {
		case n.Op() == graph.OpTypeConstant:
			rooted = true
		case foldableParams.Has(n):
			rooted = true
		default:
			meta := n.Metadata()
			rooted = meta.ConstFoldable && !meta.AliasesInput &&
				meta.MutatesOperand == graph.NoMutatedOperand &&
				n.Shape().IsFullyStatic()
			if rooted {
				for _, in := range n.Inputs() {
					if !constRooted(in) {
						rooted = false
						break
					}
				}
			}
		}
		memo[n] = rooted
		return rooted
	}

	for _, bn := range g.Nodes() {
		if bn.Op() != graph.OpTypeBatchNormInference {
			continue
		}
		conv := bn.Input(0)
		if conv.Op() != graph.OpTypeConv2D {
			continue
		}
		if uses[conv] != 1 || outputs.Has(conv) {
			continue
		}
		weights := conv.Input(1)
		scale, offset, mean, variance := bn.Input(1), bn.Input(2), bn.Input(3), bn.Input(4)
		if !constRooted(weights) || !constRooted(scale) || !constRooted(offset) ||
			!constRooted(mean) || !constRooted(variance) {
			continue
		}

		x := conv.Input(0)
		dtype := bn.DType()
		channels := weights.Shape().Dimensions[0]
		bnLayout := bn.Layout()

		invStd := graph.Div(
			graph.Scalar(g, dtype, 1),
			graph.Sqrt(graph.Add(variance, graph.Scalar(g, dtype, bn.BatchNormEpsilon()))))
		factor := graph.Mul(scale, invStd)
		rescaled := graph.Mul(weights, graph.Reshape(factor, channels, 1, 1, 1))
		convolved := graph.Conv2D(x, rescaled, conv.ConvStrides(), conv.ConvPaddings())
		bias := graph.Sub(offset, graph.Mul(mean, factor))
		result := graph.Add(convolved, graph.Reshape(bias, 1, channels, 1, 1))

		// The replacement materializes where the normalization used to, so
		// downstream consumers and outputs see the layout they always did.
		result.SetLayout(bnLayout)
		bn.ReplaceWithIdentityOf(result)
		f.report.ConvBatchNormFolded++
		klog.V(1).Infof("freeze: absorbed %s into the weights of %s", bn, conv)
	}
	g.Normalize()
}
