// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "123.46ms", FormatDuration(123456789*time.Nanosecond))
	assert.Equal(t, "1.50µs", FormatDuration(1500*time.Nanosecond))
	assert.Equal(t, "2.00s", FormatDuration(2*time.Second))
	assert.Equal(t, "0.00s", FormatDuration(0))
}
