// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the replicastep command.
//
// Values are resolved, from highest to lowest priority, from command-line flags, environment variables
// prefixed with REPLICASTEP_ (e.g. REPLICASTEP_LEARNING_RATE), an optional YAML file given with --config and
// the defaults.
package config

import (
	"strings"
	"time"

	"github.com/gomlx/replicastep/pkg/core/distributed"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix of the environment variables read.
const EnvPrefix = "REPLICASTEP"

// Transports available to connect the replicas.
const (
	TransportLocal     = "local"
	TransportWebsocket = "websocket"
)

// Config of a replicastep run.
type Config struct {
	// Mesh describes the replicas topology, e.g. "4" (4 replicas) or "batch=2,data=2".
	Mesh string `mapstructure:"mesh"`

	// GroupAxes are the mesh axes reduced together. Empty means all replicas are reduced together.
	GroupAxes []string `mapstructure:"group_axes"`

	Steps        int     `mapstructure:"steps"`
	Optimizer    string  `mapstructure:"optimizer"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Momentum     float64 `mapstructure:"momentum"`
	Seed         int64   `mapstructure:"seed"`

	// Transport is either "local" or "websocket".
	Transport string `mapstructure:"transport"`

	// Listen is the address of the websocket hub, if Transport is "websocket".
	Listen      string        `mapstructure:"listen"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// Parallelism of the local reduction of the replica groups. 0 reduces them sequentially, -1 is unlimited.
	Parallelism int `mapstructure:"parallelism"`

	// DumpDir, if set, is where each step's gradients and parameters are exported (it sets SAVE_GRAPH_DIR).
	DumpDir string `mapstructure:"dump_dir"`

	// MetricsAddr, if set, is the address where Prometheus metrics are served, e.g. ":9090".
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Progress enables the progress bar.
	Progress bool `mapstructure:"progress"`
}

// RegisterFlags defines the configuration flags (plus --config) in fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Optional YAML file with the configuration. Flags and environment variables take precedence.")
	fs.String("mesh", "4", `Topology of the replicas, e.g. "4" for 4 replicas or "batch=2,data=2".`)
	fs.StringSlice("group_axes", nil, "Mesh axes whose replicas are reduced together. Default is all replicas.")
	fs.Int("steps", 100, "Number of synchronized steps to run.")
	fs.String("optimizer", "momentum", "Optimizer to use: one of the registered optimizers, e.g. \"sgd\" or \"momentum\".")
	fs.Float64("learning_rate", 0.05, "Learning rate of the optimizer.")
	fs.Float64("momentum", 0.9, "Momentum, for optimizers that use it.")
	fs.Int64("seed", 42, "Seed used to generate the data of each replica.")
	fs.String("transport", TransportLocal, `How replicas are connected: "local" (in-process) or "websocket".`)
	fs.String("listen", "127.0.0.1:0", "Address where the websocket hub listens, if --transport=websocket.")
	fs.Duration("dial_timeout", 30*time.Second, "Maximum time replicas retry connecting to the websocket hub.")
	fs.Int("parallelism", -1, "Replica groups reduced in parallel by the local transport. 0 for sequential, -1 for unlimited.")
	fs.String("dump_dir", "", "If set, gradients and parameters of every step are exported there as .npz files.")
	fs.String("metrics_addr", "", `If set, address where Prometheus metrics are served, e.g. ":9090".`)
	fs.Bool("progress", true, "Display a progress bar.")
}

// Load resolves the configuration from the parsed flags in fs (defined with RegisterFlags), the environment and
// the optional configuration file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "failed to bind flags")
	}
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read configuration file %q", configFile)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values of the configuration.
func (c *Config) Validate() error {
	if _, err := c.DeviceMesh(); err != nil {
		return err
	}
	if c.Steps < 0 {
		return errors.Errorf("invalid number of steps %d", c.Steps)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	switch c.Transport {
	case TransportLocal, TransportWebsocket:
	default:
		return errors.Errorf("unknown transport %q, valid values are %q and %q",
			c.Transport, TransportLocal, TransportWebsocket)
	}
	return nil
}

// DeviceMesh parses Mesh.
func (c *Config) DeviceMesh() (*distributed.DeviceMesh, error) {
	mesh, err := distributed.ParseDeviceMesh(c.Mesh)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid mesh %q", c.Mesh)
	}
	return mesh, nil
}

// ReplicaGroups returns the replica groups for GroupAxes, or nil (all replicas) if GroupAxes is empty.
func (c *Config) ReplicaGroups() ([][]int, error) {
	if len(c.GroupAxes) == 0 {
		return nil, nil
	}
	mesh, err := c.DeviceMesh()
	if err != nil {
		return nil, err
	}
	groups, err := mesh.ComputeReplicaGroups(c.GroupAxes)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid group axes %v", c.GroupAxes)
	}
	return groups, nil
}
