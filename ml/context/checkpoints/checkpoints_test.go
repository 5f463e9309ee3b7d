// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/context/initializers"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/qstarter/qstarter/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildVariables creates the same set of variables of a small model.
func buildVariables(ctx *context.Context) []*context.Variable {
	return []*context.Variable{
		ctx.In("block").In("conv").VariableWithShape("weights", shapes.Make(dtypes.Float32, 4, 2, 3, 3)),
		ctx.In("block").In("bn").VariableWithValue("mean", tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 0}, 4)),
		ctx.In("act").VariableWithValue("scale", tensors.FromFlatDataAndDimensions([]float32{-5.3}, 1)),
	}
}

func TestCheckpoints(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	var saved []*tensors.Tensor
	{
		ctx := context.New().WithInitializer(initializers.KaimingUniform(7))
		var progressCalls int
		var lastWritten, lastTotal int64
		checkpoint, err := Build(ctx).Dir(dir).Keep(2).Progress(func(written, total int64) {
			progressCalls++
			lastWritten, lastTotal = written, total
		}).Done()
		require.NoError(t, err)
		assert.Equal(t, "", checkpoint.LoadedFrom())
		vars := buildVariables(ctx)
		// Non-trivial float values, including special ones.
		vars[1].Value().Flat()[2] = float32(math.Copysign(0, -1))
		vars[1].Value().Flat()[3] = 1e-42
		for _, v := range vars {
			saved = append(saved, v.Value().Clone())
		}
		for range 3 {
			require.NoError(t, checkpoint.Save())
		}
		assert.Equal(t, 3*len(vars), progressCalls)
		assert.Equal(t, lastTotal, lastWritten)
		assert.Equal(t, int64(4*(4*2*3*3+4+1)), lastTotal)

		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		require.Len(t, list, 2, "Number of remaining checkpoints")
		assert.Regexp(t, `^checkpoint-n0000002-\d{8}-\d{6}-initial$`, list[1])
	}

	// Restore into a freshly built context with a different initializer: values must be bit-identical.
	{
		ctx := context.New().WithInitializer(initializers.KaimingUniform(1234))
		checkpoint, err := Build(ctx).Dir(dir).Keep(2).Done()
		require.NoError(t, err)
		assert.NotEmpty(t, checkpoint.LoadedFrom())
		assert.Len(t, checkpoint.LoadedVariables(), 3)
		vars := buildVariables(ctx)
		for ii, v := range vars {
			assert.Truef(t, saved[ii].Equal(v.Value()), "variable %s was not restored bit-identical", v.FullName())
		}
		assert.Empty(t, checkpoint.Unused())
		require.NoError(t, checkpoint.Save())
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Regexp(t, `^checkpoint-n0000003-`, list[1])
	}

	// Partially used checkpoint: the unused variables are reported, and saved again.
	{
		ctx := context.New()
		checkpoint, err := Build(ctx).Dir(dir).Done()
		require.NoError(t, err)
		ctx.In("act").VariableWithValue("scale", tensors.FromFlatDataAndDimensions([]float32{0}, 1))
		assert.Equal(t, []string{"/block/conv/weights", "/block/bn/mean"}, checkpoint.Unused())
		require.NoError(t, checkpoint.Save())

		ctx2 := context.New()
		checkpoint2, err := Build(ctx2).Dir(dir).Done()
		require.NoError(t, err)
		vars := buildVariables(ctx2)
		for ii, v := range vars {
			assert.True(t, saved[ii].Equal(v.Value()))
		}
		assert.Empty(t, checkpoint2.Unused())
	}

	// Variables removed from the context give their values back to the checkpoint.
	{
		ctx := context.New()
		checkpoint, err := Build(ctx).Dir(dir).Done()
		require.NoError(t, err)
		_ = buildVariables(ctx)
		assert.Empty(t, checkpoint.Unused())
		ctx.RemoveVariablesAfter(1)
		assert.ElementsMatch(t, []string{"/block/bn/mean", "/act/scale"}, checkpoint.Unused())
		ctx.In("act").VariableWithShape("scale", shapes.Make(dtypes.Float32, 1))
		assert.True(t, saved[2].Equal(ctx.InspectVariable("/act", "scale").Value()))
		assert.Equal(t, []string{"/block/bn/mean"}, checkpoint.Unused())
	}

	// A renamed layer with a different shape is a configuration error.
	{
		ctx := context.New()
		_, err := Build(ctx).Dir(dir).Done()
		require.NoError(t, err)
		assert.Panics(t, func() {
			ctx.In("block").In("conv").VariableWithShape("weights", shapes.Make(dtypes.Float32, 4, 2, 1, 1))
		})
	}
}

func TestExcludeAndErrors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	vars := buildVariables(ctx)
	checkpoint, err := Build(ctx).Dir(dir).ExcludeVarsFromSaving(vars[0]).Tag("test").Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	ctx2 := context.New()
	checkpoint2, err := Build(ctx2).Dir(dir).Done()
	require.NoError(t, err)
	assert.Len(t, checkpoint2.LoadedVariables(), 2)
	_, found := checkpoint2.LoadedVariables()["/block/conv/weights"]
	assert.False(t, found)

	_, err = Build(context.New()).Done()
	require.Error(t, err, "no directory configured")
	_, err = Build(context.New()).Dir(dir).Tag("a/b").Done()
	require.Error(t, err)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = Build(context.New()).Dir(file).Done()
	require.Error(t, err)
}

func TestSaveToUnwritableDir(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := t.TempDir()
	ctx := context.New()
	buildVariables(ctx)
	checkpoint, err := Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0500))
	defer func() { _ = os.Chmod(dir, 0700) }()
	err = checkpoint.Save()
	require.Error(t, err)
	assert.True(t, qerrors.IsArtifactWrite(err))
}
