// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWithOptions(t *testing.T) {
	cfg, err := DefaultConfig().WithOptions("off,keep-params,strict,min-convert=512")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.DiscardParameters)
	assert.False(t, cfg.ImplicitFallbacks)
	assert.Equal(t, 512, cfg.MinLayoutConvertElements)

	cfg, err = DefaultConfig().WithOptions("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	// Later options win, and blanks are tolerated.
	cfg, err = DefaultConfig().WithOptions(" off , on ,")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)

	_, err = DefaultConfig().WithOptions("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown freezing option")

	_, err = DefaultConfig().WithOptions("min-convert=many")
	require.Error(t, err)
	_, err = DefaultConfig().WithOptions("min-convert=-1")
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(CRYOGRAPH_FREEZING, "keep-params,min-convert=64")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.DiscardParameters)
	assert.Equal(t, 64, cfg.MinLayoutConvertElements)

	t.Setenv(CRYOGRAPH_FREEZING, "nope")
	_, err = FromEnv()
	require.Error(t, err)
}
