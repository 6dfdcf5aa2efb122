// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package goexec is the reference pure-Go backend: a direct interpreter of
// the graph, with no memory-layout or vectorization tricks beyond honoring
// each node's layout annotation.
//
// It is registered under the name "goexec" and is what the freezing pass
// uses to evaluate constant subgraphs, so its numerics define the folded
// values of frozen artifacts.
package goexec

import (
	"github.com/cryograph/cryograph/backends"
	"github.com/cryograph/cryograph/graph"
)

// BackendName to use in CRYOGRAPH_BACKEND to select this backend.
const BackendName = "goexec"

// New creates a new goexec backend. The config string is accepted for
// interface compatibility and must be empty.
func New(config string) backends.Backend {
	return &Backend{config: config}
}

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend with a pure-Go interpreter.
type Backend struct {
	config    string
	finalized bool
}

// Compile time check.
var _ backends.Backend = (*Backend)(nil)

// Name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description of the backend.
func (b *Backend) Description() string {
	return "Reference pure-Go interpreter (layout-aware, sequential)"
}

// Compile validates the graph and returns an Executable for it.
func (b *Backend) Compile(g *graph.Graph) (backends.Executable, error) {
	return newExecutable(b, g)
}

// Finalize marks the backend finalized. The backend holds no resources of
// its own; live executables remain usable.
func (b *Backend) Finalize() {
	b.finalized = true
}
