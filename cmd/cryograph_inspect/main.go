// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// cryograph_inspect loads a saved artifact and reports what freezing did to
// it: identity and counters (-summary), the parameters folded into the graph
// (-frozen), the surviving live parameters (-kept), the full node list
// (-graph) and a timed invocation loop (-bench N).
//
// Example:
//
//	cryograph_inspect -summary -frozen model.cryo
//	CRYOGRAPH_BACKEND=goexec cryograph_inspect -bench 1000 model.cryo
package main

import (
	"flag"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/cryograph/cryograph/backends"
	_ "github.com/cryograph/cryograph/backends/goexec"
	"github.com/cryograph/cryograph/ml/module"
)

var (
	flagBackend = flag.String("backend", "", "Backend configuration as \"<name>:<config>\". "+
		"Defaults to the CRYOGRAPH_BACKEND environment variable, or the first registered backend.")
	flagAll = flag.Bool("all", false, "Shortcut for -summary -frozen -kept -graph.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing artifact file to inspect. See 'cryograph_inspect -help'.")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'cryograph_inspect -help'.")
		os.Exit(1)
	}
	if *flagAll {
		*flagSummary = true
		*flagFrozen = true
		*flagKept = true
		*flagGraph = true
	}
	if !*flagSummary && !*flagFrozen && !*flagKept && !*flagGraph && *flagBench == 0 {
		// Nothing selected: default to the summary.
		*flagSummary = true
	}
	report(args[0])
}

func newBackend() backends.Backend {
	if *flagBackend != "" {
		return backends.NewWithConfig(*flagBackend)
	}
	return backends.New()
}

func report(artifactPath string) {
	backend := newBackend()
	artifact := must.M1(module.Load(artifactPath, backend))
	if *flagSummary {
		Summary(artifactPath, backend, artifact)
	}
	if *flagFrozen {
		Frozen(artifact)
	}
	if *flagKept {
		Kept(artifact)
	}
	if *flagGraph {
		GraphDump(artifact)
	}
	if *flagBench > 0 {
		Bench(artifact, *flagBench)
	}
	artifact.Finalize()
	backend.Finalize()
}
