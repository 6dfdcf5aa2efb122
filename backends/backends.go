// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a graph compilation and execution
// engine needs to implement, and a registry to select one at runtime.
//
// The freezing pass uses a backend in two places: to evaluate constant
// subgraphs while folding, and to produce the executable of the frozen
// artifact. Both go through the same Compile/Execute contract, so folded
// values are bit-identical to what the artifact would compute.
//
// To simplify error handling, validation functions are expected to throw
// (panic) with a stack trace in case of user errors. See package
// github.com/gomlx/exceptions. Data-path failures are returned as errors.
package backends

import (
	"os"
	"strings"

	"github.com/cryograph/cryograph/graph"
	"github.com/cryograph/cryograph/types/shapes"
	"github.com/cryograph/cryograph/types/tensors"
	"github.com/gomlx/exceptions"
)

// Backend compiles graphs into executables.
type Backend interface {
	// Name returns the short name of the backend, e.g. "goexec".
	Name() string

	// Description is a longer description of the Backend that can be used
	// to pretty-print.
	Description() string

	// Compile validates the graph and returns an executable for it. The
	// graph must be valid (see graph.Graph.AssertValid) and is not
	// mutated; it must not be rewritten while the executable is in use.
	Compile(g *graph.Graph) (Executable, error)

	// Finalize releases all the associated resources immediately, and
	// makes the backend invalid.
	Finalize()
}

// Executable is a compiled graph ready to run.
type Executable interface {
	// Inputs returns the names and shapes of the parameters the
	// executable expects, in binding order. Shapes may have dynamic axes.
	Inputs() (names []string, inputShapes []shapes.Shape)

	// Outputs returns the shapes of the values Execute produces.
	Outputs() []shapes.Shape

	// Execute runs the graph over the given inputs, one tensor per
	// parameter in binding order, each matching the declared shape (with
	// dynamic axes bound to the fed sizes).
	//
	// Outputs may alias input buffers: view-producing ops return windows
	// into their operand, and in-place ops write through the parameter's
	// storage. Concurrent executions are safe provided mutated
	// parameters are not shared between racing calls.
	Execute(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)

	// Finalize releases the executable's resources, including references
	// it holds to constant buffers.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name. The constructor takes
// a configuration string that is passed along to the backend.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if the environment
// variable is not set. See NewWithConfig for the format.
var DefaultConfig string

// CRYOGRAPH_BACKEND is the environment variable with the default backend
// configuration to use.
//
// The format of the config is "<backend_name>:<backend_configuration>".
// "<backend_name>" is the name of a registered backend (e.g. "goexec") and
// "<backend_configuration>" is backend specific.
const CRYOGRAPH_BACKEND = "CRYOGRAPH_BACKEND"

// New returns a new Backend using the default configuration.
//
// The default is:
//
//  1. The environment variable CRYOGRAPH_BACKEND, if defined.
//  2. The variable DefaultConfig, if set.
//  3. The first registered backend, with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(CRYOGRAPH_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a "<backend_name>:<backend_config>"
// string. An empty name selects the first registered backend.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- import the reference one with import _ "github.com/cryograph/cryograph/backends/goexec"`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}

// List returns the names of the registered backends.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}
