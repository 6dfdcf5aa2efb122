// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"encoding/gob"

	"github.com/cryograph/cryograph/types/layouts"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// GobSerialize writes the graph to the encoder: nodes in topological order
// with their payloads (constant tensors included), then the parameter and
// output bindings. The graph must be valid; call Normalize first if rewrites
// left dead nodes around.
//
// Parameters absorbed by rewrites are not written: the deserialized graph's
// Parameters() holds only the surviving ones, each keeping its original
// ParameterIndex.
func (g *Graph) GobSerialize(encoder *gob.Encoder) (err error) {
	if err = exceptions.TryCatch[error](g.AssertValid); err != nil {
		return errors.WithMessagef(err, "cannot serialize graph %q", g.name)
	}
	enc := func(e any) bool {
		if err != nil {
			return false
		}
		err = encoder.Encode(e)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize graph %q", g.name)
		}
		return err == nil
	}
	positions := make(map[*Node]int, len(g.nodes))
	for pos, n := range g.nodes {
		positions[n] = pos
	}
	if !enc(g.name) || !enc(len(g.nodes)) {
		return
	}
	for _, n := range g.nodes {
		if !enc(n.opType.String()) {
			return
		}
		if err = n.shape.GobSerialize(encoder); err != nil {
			return
		}
		if err = n.layout.GobSerialize(encoder); err != nil {
			return
		}
		inputPositions := make([]int, len(n.inputs))
		for ii, input := range n.inputs {
			inputPositions[ii] = positions[input]
		}
		if !enc(inputPositions) {
			return
		}
		switch data := n.data.(type) {
		case nil:
			// No payload.
		case *nodeParameter:
			if !enc(data.name) || !enc(data.index) {
				return
			}
		case *nodeConstant:
			if err = data.value.GobSerialize(encoder); err != nil {
				return
			}
		case *nodeSlice:
			if !enc(data.starts) || !enc(data.limits) {
				return
			}
		case *nodeConv2D:
			if !enc(data.strides) || !enc(data.paddings) {
				return
			}
		case *nodeBatchNorm:
			if !enc(data.epsilon) {
				return
			}
		case *nodeShapeDim:
			if !enc(data.axis) {
				return
			}
		default:
			return errors.Errorf("graph %q: node %s has an unknown payload %T", g.name, n, n.data)
		}
	}
	liveParams := make([]int, 0, len(g.params))
	for _, param := range g.params {
		if param.opType != OpTypeParameter {
			// Rewritten in place to a constant: no binding to keep.
			continue
		}
		if pos, ok := positions[param]; ok {
			liveParams = append(liveParams, pos)
		}
	}
	outputPositions := make([]int, len(g.outputs))
	for ii, out := range g.outputs {
		outputPositions[ii] = positions[out]
	}
	if !enc(liveParams) || !enc(outputPositions) {
		return
	}
	return
}

// GobDeserialize reconstructs a graph written by Graph.GobSerialize. Node
// ids are re-stamped from 0, they are process-local.
func GobDeserialize(decoder *gob.Decoder) (g *Graph, err error) {
	dec := func(e any) bool {
		if err != nil {
			return false
		}
		err = decoder.Decode(e)
		if err != nil {
			err = errors.Wrap(err, "failed to deserialize graph")
		}
		return err == nil
	}
	var name string
	var numNodes int
	if !dec(&name) || !dec(&numNodes) {
		return nil, err
	}
	if numNodes < 0 {
		return nil, errors.Errorf("failed to deserialize graph %q: negative node count %d", name, numNodes)
	}
	g = New(name)
	for pos := 0; pos < numNodes; pos++ {
		var opName string
		if !dec(&opName) {
			return nil, err
		}
		opType, opErr := OpTypeString(opName)
		if opErr != nil {
			return nil, errors.Wrapf(opErr, "failed to deserialize graph %q, node #%d", name, pos)
		}
		var shape shapes.Shape
		if shape, err = shapes.GobDeserialize(decoder); err != nil {
			return nil, err
		}
		var layout layouts.Layout
		if layout, err = layouts.GobDeserialize(decoder); err != nil {
			return nil, err
		}
		var inputPositions []int
		if !dec(&inputPositions) {
			return nil, err
		}
		inputs := make([]*Node, len(inputPositions))
		for ii, inputPos := range inputPositions {
			if inputPos < 0 || inputPos >= pos {
				return nil, errors.Errorf(
					"failed to deserialize graph %q: node #%d consumes node #%d, order broken",
					name, pos, inputPos)
			}
			inputs[ii] = g.nodes[inputPos]
		}
		n := g.newNode(opType, shape, inputs...)
		n.layout = layout
		switch opType {
		case OpTypeParameter:
			data := &nodeParameter{}
			if !dec(&data.name) || !dec(&data.index) {
				return nil, err
			}
			n.data = data
		case OpTypeConstant:
			var value *tensors.Tensor
			if value, err = tensors.GobDeserialize(decoder); err != nil {
				return nil, err
			}
			n.data = &nodeConstant{value: value}
		case OpTypeSlice:
			data := &nodeSlice{}
			if !dec(&data.starts) || !dec(&data.limits) {
				return nil, err
			}
			n.data = data
		case OpTypeConv2D:
			data := &nodeConv2D{}
			if !dec(&data.strides) || !dec(&data.paddings) {
				return nil, err
			}
			n.data = data
		case OpTypeBatchNormInference:
			data := &nodeBatchNorm{}
			if !dec(&data.epsilon) {
				return nil, err
			}
			n.data = data
		case OpTypeShapeDim:
			data := &nodeShapeDim{}
			if !dec(&data.axis) {
				return nil, err
			}
			n.data = data
		}
	}
	var paramPositions, outputPositions []int
	if !dec(&paramPositions) || !dec(&outputPositions) {
		return nil, err
	}
	for _, pos := range paramPositions {
		if pos < 0 || pos >= numNodes || g.nodes[pos].opType != OpTypeParameter {
			return nil, errors.Errorf("failed to deserialize graph %q: parameter binding #%d is not a Parameter node", name, pos)
		}
		g.params = append(g.params, g.nodes[pos])
	}
	outputs := make([]*Node, len(outputPositions))
	for ii, pos := range outputPositions {
		if pos < 0 || pos >= numNodes {
			return nil, errors.Errorf("failed to deserialize graph %q: output binding #%d out of range", name, pos)
		}
		outputs[ii] = g.nodes[pos]
	}
	g.SetOutputs(outputs...)
	if err = exceptions.TryCatch[error](g.AssertValid); err != nil {
		return nil, errors.WithMessagef(err, "failed to deserialize graph %q", name)
	}
	return g, nil
}
