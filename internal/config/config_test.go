// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, "4", cfg.Mesh)
	assert.Equal(t, 100, cfg.Steps)
	assert.Equal(t, TransportLocal, cfg.Transport)
	assert.Equal(t, 30*time.Second, cfg.DialTimeout)
	groups, err := cfg.ReplicaGroups()
	require.NoError(t, err)
	assert.Nil(t, groups)
}

func TestPrecedence(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "replicastep.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(
		"mesh: batch=2,data=2\n"+
			"group_axes: [data]\n"+
			"steps: 7\n"+
			"learning_rate: 0.5\n"+
			"transport: websocket\n"), 0o644))
	t.Setenv("REPLICASTEP_STEPS", "9")

	cfg, err := load(t, "--config", configFile, "--learning_rate=0.25")
	require.NoError(t, err)
	assert.Equal(t, "batch=2,data=2", cfg.Mesh)
	assert.Equal(t, 9, cfg.Steps, "environment overrides the file")
	assert.Equal(t, 0.25, cfg.LearningRate, "flags override the file")
	assert.Equal(t, TransportWebsocket, cfg.Transport)

	groups, err := cfg.ReplicaGroups()
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)
}

func TestValidate(t *testing.T) {
	for _, args := range [][]string{
		{"--mesh=batch=0"},
		{"--steps=-1"},
		{"--learning_rate=0"},
		{"--transport=carrier-pigeon"},
	} {
		_, err := load(t, args...)
		require.Error(t, err, "args=%v", args)
	}

	cfg, err := load(t, "--group_axes=model")
	require.NoError(t, err)
	_, err = cfg.ReplicaGroups()
	require.Error(t, err)

	_, err = load(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
