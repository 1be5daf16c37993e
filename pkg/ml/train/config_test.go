// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, 265, config.NumClasses)
	assert.Equal(t, "Fixed_threshold", config.Name)

	params := config.Params()
	*params[ParamThreshold].(*float64) = 0.95
	*params[ParamBatchSize].(*int) = 32
	*params[ParamName].(*string) = "run"
	assert.Equal(t, 0.95, config.Threshold)
	assert.Equal(t, 32, config.BatchSize)
	assert.Equal(t, "run", config.Name)

	for name, modify := range map[string]func(c *Config){
		"no name":          func(c *Config) { c.Name = "" },
		"zero batch":       func(c *Config) { c.UnlabeledBatchSize = 0 },
		"zero alpha":       func(c *Config) { c.Alpha = 0 },
		"zero temperature": func(c *Config) { c.Temperature = 0 },
		"negative lambda":  func(c *Config) { c.LambdaU = -1 },
		"epochs range":     func(c *Config) { c.StartEpoch, c.Epochs = 10, 9 },
		"zero save epoch":  func(c *Config) { c.SaveEpoch = 0 },
		"validation ratio": func(c *Config) { c.ValidationRatio = 1 },
	} {
		c := DefaultConfig()
		modify(&c)
		assert.Errorf(t, c.Validate(), "configuration with %s should be invalid", name)
	}
}
