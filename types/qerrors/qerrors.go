// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package qerrors defines the error kinds reported while building and exporting quantized models.
//
//   - ConfigurationError: invalid or mismatched layer parameters, detected at construction time.
//   - QuantizationResolutionError: a layer reached graph tracing with an unresolved or incompatible
//     quantization policy.
//   - ExportError: the traced graph can't be represented in the interchange format (e.g. a dependency cycle).
//   - ArtifactWriteError: the destination artifact could not be written.
//
// All of them are plain error values, so they can be wrapped with github.com/pkg/errors and
// recovered with the Is* helpers below.
package qerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports invalid layer parameters, found before any graph is traced.
type ConfigurationError struct {
	// Layer is the scope (fully qualified name) of the layer being configured, if known.
	Layer  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Layer == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error in %q: %s", e.Layer, e.Reason)
}

// Configurationf creates a ConfigurationError for the given layer.
func Configurationf(layer, format string, args ...any) error {
	return &ConfigurationError{Layer: layer, Reason: fmt.Sprintf(format, args...)}
}

// ChannelMismatch creates a ConfigurationError for two adjacent layers whose channels don't match.
func ChannelMismatch(layer string, expected, actual int) error {
	return &ConfigurationError{
		Layer:  layer,
		Reason: fmt.Sprintf("channel mismatch: expected %d input channels (previous layer output), got %d", expected, actual),
	}
}

// QuantizationResolutionError reports a layer that can't resolve the numeric representation of
// its input or output while a graph is traced. It indicates a construction bug.
type QuantizationResolutionError struct {
	Layer  string
	Reason string
}

// Error implements the error interface.
func (e *QuantizationResolutionError) Error() string {
	return fmt.Sprintf("quantization resolution error in %q: %s", e.Layer, e.Reason)
}

// QuantizationResolutionf creates a QuantizationResolutionError.
func QuantizationResolutionf(layer, format string, args ...any) error {
	return &QuantizationResolutionError{Layer: layer, Reason: fmt.Sprintf(format, args...)}
}

// ExportError reports a graph that can't be exported.
type ExportError struct {
	Reason string

	// Edge is set when the failure is a dependency cycle: it holds one edge (from, to) of the cycle.
	Edge *[2]string
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	if e.Edge != nil {
		return fmt.Sprintf("export error: %s (cyclic edge %q -> %q)", e.Reason, e.Edge[0], e.Edge[1])
	}
	return "export error: " + e.Reason
}

// Exportf creates an ExportError.
func Exportf(format string, args ...any) error {
	return &ExportError{Reason: fmt.Sprintf(format, args...)}
}

// ArtifactWriteError reports a failure writing an artifact (checkpoint or exported graph) to Path.
type ArtifactWriteError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ArtifactWriteError) Error() string {
	return fmt.Sprintf("failed to write artifact %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying I/O error.
func (e *ArtifactWriteError) Unwrap() error { return e.Err }

// ArtifactWrite wraps err as an ArtifactWriteError for path. It returns nil if err is nil.
func ArtifactWrite(path string, err error) error {
	if err == nil {
		return nil
	}
	return &ArtifactWriteError{Path: path, Err: err}
}

// IsConfiguration returns whether err (or any error it wraps) is a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsQuantizationResolution returns whether err (or any error it wraps) is a QuantizationResolutionError.
func IsQuantizationResolution(err error) bool {
	var target *QuantizationResolutionError
	return errors.As(err, &target)
}

// IsExport returns whether err (or any error it wraps) is an ExportError.
func IsExport(err error) bool {
	var target *ExportError
	return errors.As(err, &target)
}

// IsArtifactWrite returns whether err (or any error it wraps) is an ArtifactWriteError.
func IsArtifactWrite(err error) bool {
	var target *ArtifactWriteError
	return errors.As(err, &target)
}
