// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"encoding/gob"
	"maps"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cryograph/cryograph/backends"
	"github.com/cryograph/cryograph/freeze"
	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
)

// artifactMagic leads every saved artifact, so a wrong file fails early with
// a clear error instead of a gob type mismatch.
const artifactMagic = "cryograph-artifact-v1"

// Artifact is a frozen module: the rewritten graph, its compiled executable
// and the parameters that survived freezing. Artifacts are what gets
// deployed; they can be saved to a file and loaded on another backend.
//
// Calling an artifact takes only the driver inputs. Kept parameter values are
// bound internally on every call, so mutating operations keep working.
type Artifact struct {
	id         string
	name       string
	g          *graph.Graph
	executable backends.Executable
	report     freeze.Report
	folded     []freeze.FrozenParam
	kept       map[string]*tensors.Tensor

	// result holds the folded literals when the artifact was frozen
	// in-process. Loaded artifacts instead own their kept values and the
	// graph's constants directly.
	result   *freeze.Result
	ownsKept bool
}

func newArtifact(name string, result *freeze.Result) *Artifact {
	kept := make(map[string]*tensors.Tensor, len(result.Kept))
	for _, binding := range result.Kept {
		kept[binding.Name] = binding.Value
	}
	return &Artifact{
		id:         uuid.NewString(),
		name:       name,
		g:          result.Graph,
		executable: result.Executable,
		report:     result.Report,
		folded:     result.Folded,
		kept:       kept,
		result:     result,
	}
}

// ID is the artifact's unique identity, assigned at freeze time and stable
// across save/load.
func (a *Artifact) ID() string { return a.id }

// Name of the module the artifact was frozen from.
func (a *Artifact) Name() string { return a.name }

// Graph returns the frozen graph. It belongs to the artifact and must not be
// modified.
func (a *Artifact) Graph() *graph.Graph { return a.g }

// Report returns the freeze report recorded when the artifact was created.
func (a *Artifact) Report() freeze.Report { return a.report }

// Folded describes the parameters folded into the graph, including how many
// bytes each contributed and whether its original storage was released.
func (a *Artifact) Folded() []freeze.FrozenParam { return slices.Clone(a.folded) }

// KeptNames lists the surviving parameters in lexical order.
func (a *Artifact) KeptNames() []string { return slices.Sorted(maps.Keys(a.kept)) }

// KeptValue returns the value bound to a surviving parameter, or nil if the
// name was folded or never existed.
func (a *Artifact) KeptValue(name string) *tensors.Tensor { return a.kept[name] }

// Inputs returns the names and shapes of the driver inputs a Call expects.
func (a *Artifact) Inputs() (names []string, inputShapes []shapes.Shape) {
	names, inputShapes = a.executable.Inputs()
	filteredNames := make([]string, 0, len(names))
	filteredShapes := make([]shapes.Shape, 0, len(inputShapes))
	for i, name := range names {
		if _, isKept := a.kept[name]; isKept {
			continue
		}
		filteredNames = append(filteredNames, name)
		filteredShapes = append(filteredShapes, inputShapes[i])
	}
	return filteredNames, filteredShapes
}

// Outputs returns the shapes of the values a Call produces.
func (a *Artifact) Outputs() []shapes.Shape { return a.executable.Outputs() }

// Call executes the artifact over the given driver inputs, binding the kept
// parameter values internally.
func (a *Artifact) Call(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	if a.executable == nil {
		return nil, errors.Errorf("artifact %q (%s) was finalized", a.name, a.id)
	}
	live := make([]*graph.Node, 0, len(inputs)+len(a.kept))
	numDrivers := 0
	for _, param := range a.g.Parameters() {
		if param.Op() != graph.OpTypeParameter || param.IsDead() {
			continue
		}
		live = append(live, param)
		if _, isKept := a.kept[param.ParameterName()]; !isKept {
			numDrivers++
		}
	}
	if len(inputs) != numDrivers {
		return nil, errors.Errorf("artifact %q takes %d inputs, got %d", a.name, numDrivers, len(inputs))
	}
	feed := make([]*tensors.Tensor, 0, len(live))
	next := 0
	for _, param := range live {
		if value, isKept := a.kept[param.ParameterName()]; isKept {
			feed = append(feed, value)
			continue
		}
		feed = append(feed, inputs[next])
		next++
	}
	return a.executable.Execute(feed)
}

// Finalize releases the artifact's compiled executable, the folded literals
// and, for loaded artifacts, the kept values and graph constants it owns.
// The artifact cannot be called afterwards.
func (a *Artifact) Finalize() {
	if a.result != nil {
		a.result.Finalize()
		a.result = nil
	} else if a.executable != nil {
		a.executable.Finalize()
	}
	a.executable = nil
	if a.ownsKept {
		for _, value := range a.kept {
			value.Finalize()
		}
		for _, node := range a.g.Nodes() {
			if node.Op() == graph.OpTypeConstant && !node.IsDead() {
				node.ConstantValue().Finalize()
			}
		}
		a.ownsKept = false
	}
}

// Save writes the artifact to the given file path: identity, freeze report,
// the frozen graph with its folded literals, and the kept parameter values.
// The compiled executable is not saved; Load recompiles for its backend.
func (a *Artifact) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save artifact", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = a.serialize(enc); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving artifact %q to %q", a.name, filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "close file %q, where artifact was saved", filePath)
	}
	return nil
}

func (a *Artifact) serialize(enc *gob.Encoder) error {
	for _, value := range []any{artifactMagic, a.id, a.name, a.report, a.folded} {
		if err := enc.Encode(value); err != nil {
			return errors.Wrapf(err, "failed to serialize artifact header")
		}
	}
	if err := a.g.GobSerialize(enc); err != nil {
		return err
	}
	keptNames := slices.Sorted(maps.Keys(a.kept))
	if err := enc.Encode(keptNames); err != nil {
		return errors.Wrapf(err, "failed to serialize kept parameter names")
	}
	for _, name := range keptNames {
		if err := a.kept[name].GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "failed to serialize kept parameter %q", name)
		}
	}
	return nil
}

// Load reads an artifact saved with Save and compiles it for the given
// backend. The loaded artifact owns its kept values; Finalize releases them.
func Load(filePath string, backend backends.Backend) (*Artifact, error) {
	if backend == nil {
		return nil, errors.Errorf("loading artifact from %q: backend is nil", filePath)
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load artifact", filePath)
	}
	a, err := deserialize(gob.NewDecoder(f))
	_ = f.Close()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading artifact from %q", filePath)
	}
	a.executable, err = backend.Compile(a.g)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling artifact %q loaded from %q", a.name, filePath)
	}
	return a, nil
}

func deserialize(dec *gob.Decoder) (*Artifact, error) {
	var magic string
	if err := dec.Decode(&magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read artifact header")
	}
	if magic != artifactMagic {
		return nil, errors.Errorf("not a cryograph artifact (header %q, want %q)", magic, artifactMagic)
	}
	a := &Artifact{ownsKept: true}
	if err := dec.Decode(&a.id); err != nil {
		return nil, errors.Wrapf(err, "failed to read artifact id")
	}
	if err := dec.Decode(&a.name); err != nil {
		return nil, errors.Wrapf(err, "failed to read artifact name")
	}
	if err := dec.Decode(&a.report); err != nil {
		return nil, errors.Wrapf(err, "failed to read freeze report")
	}
	if err := dec.Decode(&a.folded); err != nil {
		return nil, errors.Wrapf(err, "failed to read folded parameters")
	}
	var err error
	a.g, err = graph.GobDeserialize(dec)
	if err != nil {
		return nil, err
	}
	var keptNames []string
	if err = dec.Decode(&keptNames); err != nil {
		return nil, errors.Wrapf(err, "failed to read kept parameter names")
	}
	a.kept = make(map[string]*tensors.Tensor, len(keptNames))
	for _, name := range keptNames {
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read kept parameter %q", name)
		}
		a.kept[name] = value
	}
	return a, nil
}
