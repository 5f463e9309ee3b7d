// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/ml/export/onnx"
	"github.com/qstarter/qstarter/models/starter"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix of the environment variables that set the flags.
const EnvPrefix = "QSTARTER"

// Configuration keys, also the names of the flags.
const (
	keyModelConfig   = "model_config"
	keyCheckpointDir = "checkpoint_dir"
	keyKeep          = "keep"
	keyDestination   = "destination"
	keyInputShape    = "input_shape"
	keySeed          = "seed"
	keyProgress      = "progress"
)

// settings of a run, resolved from flags, environment and configuration file.
type settings struct {
	ModelConfig   string
	CheckpointDir string
	Keep          int
	Destination   string
	InputShape    shapes.Shape
	Seed          *uint64
	Progress      bool
}

// app holds the commands and their configuration.
type app struct {
	v       *viper.Viper
	cfgFile string
}

// newRootCmd creates the command line interface. The klog flags are added to the persistent flags.
func newRootCmd(klogFlags *flag.FlagSet) *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "qstarter",
		Short: "Builds and exports the quantized starter face detector",
		Long: `qstarter builds the quantized single-channel face detector and exports it to ONNX, with
QONNX Quant operators annotated with their FINN data types.

Commands:
  build       - Build the model and print its summary
  checkpoint  - Build the model (restoring the latest checkpoint, if any) and save a checkpoint
  export      - Build the model (restoring the latest checkpoint, if any) and export it
  all         - Build, save a checkpoint and export, in this order
  inspect     - Summarize an exported model`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Configuration file (yaml, json or toml) with values for the flags below.")
	flags.String(keyModelConfig, "", "YAML file with the model configuration. If empty, the default configuration is used.")
	flags.String(keyCheckpointDir, "", "Directory where checkpoints are saved and restored from. "+
		"If empty, no checkpoint is used. A \"~\" prefix is expanded to the user's home directory.")
	flags.Int(keyKeep, 3, "Number of checkpoints to keep. Set to -1 to keep all.")
	flags.String(keyDestination, "starter.onnx", "Path of the exported ONNX model.")
	flags.String(keyInputShape, "1,1,320,320", "Shape of the model input used in the export: batch,channels,height,width.")
	flags.Uint64(keySeed, 0, "Seed of the weights initialization. If not set, the one in the model configuration is used.")
	flags.Bool(keyProgress, true, "Display a progress bar while saving checkpoints.")
	for _, key := range []string{keyModelConfig, keyCheckpointDir, keyKeep, keyDestination, keyInputShape, keySeed, keyProgress} {
		_ = a.v.BindPFlag(key, flags.Lookup(key))
	}
	if klogFlags != nil {
		flags.AddGoFlagSet(klogFlags)
	}

	root.AddCommand(a.buildCmd(), a.checkpointCmd(), a.exportCmd(), a.allCmd(), a.inspectCmd())
	return root
}

// initConfig reads the configuration file, if one was given, and the environment.
func (a *app) initConfig() error {
	a.v.SetEnvPrefix(EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if a.cfgFile == "" {
		return nil
	}
	a.v.SetConfigFile(a.cfgFile)
	if err := a.v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading configuration file %q", a.cfgFile)
	}
	return nil
}

// settings resolves the configuration of the run.
func (a *app) settings() (*settings, error) {
	s := &settings{
		ModelConfig:   a.v.GetString(keyModelConfig),
		CheckpointDir: a.v.GetString(keyCheckpointDir),
		Keep:          a.v.GetInt(keyKeep),
		Destination:   a.v.GetString(keyDestination),
		Progress:      a.v.GetBool(keyProgress),
	}
	if a.v.IsSet(keySeed) {
		seed := a.v.GetUint64(keySeed)
		s.Seed = &seed
	}
	var err error
	s.InputShape, err = parseInputShape(a.v.GetString(keyInputShape))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// parseInputShape parses a comma separated list of the dimensions of a Float32 input of rank 4.
func parseInputShape(value string) (shapes.Shape, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return shapes.Shape{}, errors.Errorf("--%s=%q: 4 comma separated dimensions (batch,channels,height,width) expected",
			keyInputShape, value)
	}
	dims := make([]int, len(parts))
	for ii, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || dim <= 0 {
			return shapes.Shape{}, errors.Errorf("--%s=%q: invalid dimension %q", keyInputShape, value, part)
		}
		dims[ii] = dim
	}
	return shapes.Make(dtypes.Float32, dims...), nil
}

// modelConfig loads the model configuration, and applies the seed override.
func (s *settings) modelConfig() (starter.Config, error) {
	cfg := starter.DefaultConfig()
	if s.ModelConfig != "" {
		var err error
		cfg, err = starter.LoadConfig(s.ModelConfig)
		if err != nil {
			return cfg, errors.WithMessagef(err, "--%s=%q", keyModelConfig, s.ModelConfig)
		}
	}
	if s.Seed != nil {
		cfg.Seed = *s.Seed
	}
	return cfg, nil
}

// exportOptions for the exported model. They don't depend on the seed, so a model restored from a
// checkpoint exports the same bytes.
func (s *settings) exportOptions(cfg starter.Config) []onnx.Option {
	return []onnx.Option{
		onnx.WithGraphName("starter"),
		onnx.WithDocString(fmt.Sprintf("starter face detector: %d-bit weights and activations, %d-bit entry, %d values per anchor",
			cfg.BitWidth, cfg.EntryBitWidth, cfg.OutputMultiplier)),
	}
}
