// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/qstarter/qstarter/ml/export/onnx"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the command line with the given arguments, and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	root := newRootCmd(nil)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseInputShape(t *testing.T) {
	shape := must.M1(parseInputShape("2, 1, 160,160"))
	assert.NoError(t, shape.CheckDims(2, 1, 160, 160))
	for _, invalid := range []string{"", "1,1,320", "1,1,320,0", "1,1,a,320", "1,1,1,1,1"} {
		_, err := parseInputShape(invalid)
		assert.Errorf(t, err, "input shape %q should fail", invalid)
	}
}

func TestAll(t *testing.T) {
	dir := t.TempDir()
	checkpointDir := filepath.Join(dir, "checkpoints")
	destination := filepath.Join(dir, "starter.onnx")
	out, err := run(t, "all", "--checkpoint_dir="+checkpointDir, "--destination="+destination, "--progress=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Starter(in=1, levels=4, multiplier=4)")
	assert.Contains(t, out, "5,875")

	// Checkpoint saved, and model exported.
	assert.Len(t, must.M1(filepath.Glob(filepath.Join(checkpointDir, "checkpoint-*.json"))), 1)
	summary := must.M1(onnx.InspectFile(destination))
	assert.Equal(t, []int64{1, 5875, 4}, summary.Outputs[0].Dimensions)
	assert.Equal(t, "starter", summary.GraphName)

	// Exporting again, from the restored checkpoint, gives the same model even with a different seed.
	second := filepath.Join(dir, "second.onnx")
	_, err = run(t, "export", "--checkpoint_dir="+checkpointDir, "--destination="+second, "--seed=7")
	require.NoError(t, err)
	assert.Equal(t, must.M1(os.ReadFile(destination)), must.M1(os.ReadFile(second)))

	out, err = run(t, "inspect", destination)
	require.NoError(t, err)
	assert.Contains(t, out, "qonnx.custom_op.general")
	assert.Contains(t, out, "BatchNormalization")
	assert.Contains(t, out, "[1 5875 4]")
}

func TestBuild(t *testing.T) {
	out, err := run(t, "build", "--tree", "--vars", "--input_shape=1,1,160,160")
	require.NoError(t, err)
	assert.Contains(t, out, "Pyramid")
	assert.Contains(t, out, "(stage1): Sequential(1, 32, 8 layers)")
	assert.Contains(t, out, "/stage1/init_block/conv")

	_, err = run(t, "build", "--input_shape=1,320,320")
	assert.Error(t, err)

	_, err = run(t, "checkpoint")
	assert.Error(t, err, "checkpoint requires a directory")
}

func TestConfiguration(t *testing.T) {
	dir := t.TempDir()
	modelConfig := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(modelConfig, []byte("reuse_entry_quantizer: true\n"), 0o644))
	destination := filepath.Join(dir, "legacy.onnx")

	// Flags from a configuration file.
	config := filepath.Join(dir, "qstarter.yaml")
	require.NoError(t, os.WriteFile(config, []byte("model_config: "+modelConfig+"\ndestination: "+destination+"\n"), 0o644))
	_, err := run(t, "export", "--config="+config)
	require.Error(t, err)
	assert.True(t, qerrors.IsExport(err), "got %v", err)
	assert.NoFileExists(t, destination)

	// Flags from the environment.
	t.Setenv("QSTARTER_DESTINATION", destination)
	_, err = run(t, "export")
	require.NoError(t, err)
	assert.FileExists(t, destination)

	t.Setenv("QSTARTER_MODEL_CONFIG", filepath.Join(dir, "missing.yaml"))
	_, err = run(t, "export")
	assert.Error(t, err)

	_, err = run(t, "export", "--config="+filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
