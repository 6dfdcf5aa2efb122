// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for command-line
// programs working with graphs and artifacts: progress bars for long
// loops and compact duration formatting.
package commandline

import (
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version,
// but it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// NewProgressBar creates a progress bar for a loop of numSteps steps. The
// unit names what a step is ("calls", "graphs") and shows up in the
// iterations-per-second readout.
func NewProgressBar(numSteps int, description, unit string) *progressbar.ProgressBar {
	return progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
}
