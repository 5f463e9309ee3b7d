// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package qerrors

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	err := errors.WithMessagef(ChannelMismatch("/stage2/dwconv9", 32, 16), "building stage %d", 2)
	assert.True(t, IsConfiguration(err))
	assert.False(t, IsExport(err))
	assert.Contains(t, err.Error(), "expected 32")
	assert.Contains(t, err.Error(), "got 16")
	assert.Contains(t, err.Error(), "/stage2/dwconv9")

	err = errors.Wrap(QuantizationResolutionf("/head1/dw", "input is not quantized"), "tracing")
	assert.True(t, IsQuantizationResolution(err))
	assert.False(t, IsConfiguration(err))

	exportErr := &ExportError{Reason: "cycle", Edge: &[2]string{"/a", "/b"}}
	assert.True(t, IsExport(errors.WithStack(exportErr)))
	assert.Contains(t, exportErr.Error(), `"/a" -> "/b"`)
}

func TestArtifactWrite(t *testing.T) {
	require.NoError(t, ArtifactWrite("/tmp/x", nil))
	err := ArtifactWrite("/tmp/x", os.ErrPermission)
	assert.True(t, IsArtifactWrite(err))
	assert.True(t, errors.Is(err, os.ErrPermission))
}
