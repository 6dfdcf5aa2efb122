// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/cryograph/cryograph/types/layouts"
)

// CRYOGRAPH_FREEZING is the environment variable with freezing options, a
// comma-separated list parsed by Config.WithOptions. Example:
//
//	CRYOGRAPH_FREEZING="keep-params,min-convert=4096"
const CRYOGRAPH_FREEZING = "CRYOGRAPH_FREEZING"

// Config controls the freezing pass. The zero value disables everything;
// start from DefaultConfig or FromEnv instead.
type Config struct {
	// Enabled turns the whole pass on. When false, Freeze only compiles the
	// graph and keeps every parameter as a live input.
	Enabled bool

	// DiscardParameters releases the storage of every folded parameter once
	// the frozen executable is built. Disable it to keep the original values
	// around, e.g. to unfreeze by rebuilding the module later.
	DiscardParameters bool

	// ImplicitFallbacks keeps freezing going when the backend cannot evaluate
	// a fold candidate: the node is left in the graph for runtime evaluation.
	// When false such failures abort with a FoldingAmbiguityError.
	ImplicitFallbacks bool

	// MinLayoutConvertElements skips inserting a layout conversion when the
	// converted value has fewer elements than this, on the grounds that the
	// copy costs more than it saves. Conversions of dynamically-shaped values
	// are never skipped since their size is unknown. Zero inserts always.
	MinLayoutConvertElements int

	// OutputLayouts pins the layout of selected graph outputs, keyed by
	// output index. Outputs not listed keep the layout they had before
	// freezing. Pinning an output to the layout it already has is free.
	OutputLayouts map[int]layouts.Layout
}

// DefaultConfig returns the standard freezing configuration: enabled,
// discarding folded parameters, with implicit fallbacks on.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		DiscardParameters: true,
		ImplicitFallbacks: true,
	}
}

// FromEnv returns DefaultConfig modified by the options in the
// CRYOGRAPH_FREEZING environment variable, if it is set.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	value, found := os.LookupEnv(CRYOGRAPH_FREEZING)
	if !found {
		return cfg, nil
	}
	return cfg.WithOptions(value)
}

// WithOptions returns a copy of the configuration modified by a
// comma-separated option list:
//
//	off            disable freezing entirely
//	on             enable freezing
//	keep-params    do not release folded parameter storage
//	strict         abort on folds the backend cannot evaluate
//	min-convert=N  skip layout conversions below N elements
//
// Empty entries are ignored, unknown ones are an error.
func (c Config) WithOptions(options string) (Config, error) {
	for _, option := range strings.Split(options, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		switch {
		case option == "off":
			c.Enabled = false
		case option == "on":
			c.Enabled = true
		case option == "keep-params":
			c.DiscardParameters = false
		case option == "strict":
			c.ImplicitFallbacks = false
		case strings.HasPrefix(option, "min-convert="):
			n, err := strconv.Atoi(strings.TrimPrefix(option, "min-convert="))
			if err != nil || n < 0 {
				return c, errors.Errorf("invalid freezing option %q: want min-convert=<non-negative int>", option)
			}
			c.MinLayoutConvertElements = n
		default:
			return c, errors.Errorf("unknown freezing option %q in %q", option, options)
		}
	}
	return c, nil
}
