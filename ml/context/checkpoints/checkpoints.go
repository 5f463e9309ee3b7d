// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of checkpoints.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
// Once created, if a previous saved checkpoint exists, the Handler is attached to the Context as its
// Loader: variables created afterwards (e.g. when building the model) take the saved values, matched
// by their full name. Call Handler.Save() at any time to save a new checkpoint.
//
// Example: save the freshly built model, or restore it if the directory has a checkpoint.
//
//	ctx := context.New()
//	checkpoint := must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(3).Done())
//	model := must.M1(starter.Build(ctx, cfg))
//	must.M(checkpoint.Save())
//
// A checkpoint is a pair of files sharing a base name "checkpoint-n<count>-<time>-<tag>": a ".json"
// file with the metadata of the variables (name, dtype, dimensions and position in the data file) and
// a ".bin" file with their raw little-endian values. The ".json" file is written last, so only complete
// checkpoints are listed.
package checkpoints

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/pkg/support/fsutil"
	"github.com/qstarter/qstarter/pkg/support/sets"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/qstarter/qstarter/types/tensors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of the checkpoint files (before umask).
	FilePermMode = os.FileMode(0660)
)

// ProgressFn is called while a checkpoint is saved, with the number of bytes of variable values
// written so far and the total to be written.
type ProgressFn func(written, total int64)

// Config for the checkpoints Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	ctx *context.Context

	err error

	dir             string
	keep            int
	tag             string
	progress        ProgressFn
	excludeFromSave sets.Set[string]
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
func Build(ctx *context.Context) *Config {
	c := &Config{
		ctx:             ctx,
		keep:            1,
		tag:             "initial",
		excludeFromSave: sets.Make[string](),
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
//
// One must be set either Dir, DirFromBase or TempDir before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		// Directory exists, all fine.
		return c
	}

	// Create directory.
	err = os.MkdirAll(dir, DirPermMode)
	if err != nil {
		c.setError(qerrors.ArtifactWrite(dir, errors.Wrapf(err, "trying to create dir %q", dir)))
	}
	return c
}

// DirFromBase sets the directory where to save / load the checkpoints.
// If `dir` is not an absolute path, assumes it is a subdirectory of baseDir.
//
// One must be set either Dir, DirFromBase or TempDir before building the checkpoints.Handler.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	if !path.IsAbs(dir) {
		baseDir, err = fsutil.ReplaceTildeInDir(baseDir)
		if err != nil {
			c.setError(err)
			return c
		}
		dir = path.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses this
// directory to load / save checkpoints. It's a convenience wrapper to os.MkdirTemp.
//
// If dir is the empty string, MkdirTemp uses the default directory for temporary files, as returned
// by os.TempDir.
//
// One must be set either Dir, DirFromBase or TempDir before building the checkpoints.Handler.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	return c
}

// ExcludeVarsFromSaving enumerate variables to be excluded from saving.
// The function can be called multiple times, adding variables to be excluded from saving.
func (c *Config) ExcludeVarsFromSaving(vars ...*context.Variable) *Config {
	for _, v := range vars {
		c.excludeFromSave.Insert(v.FullName())
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Tag sets the suffix of the base name of the checkpoints saved. The default is "initial".
func (c *Config) Tag(tag string) *Config {
	if tag == "" || strings.ContainsAny(tag, `/\`) {
		c.setError(errors.Errorf("invalid checkpoint tag %q", tag))
		return c
	}
	c.tag = tag
	return c
}

// Progress sets a function to be called as the variable values are written.
func (c *Config) Progress(fn ProgressFn) *Config {
	c.progress = fn
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid, or if it's missing information.
//
// If the directory has checkpoints, the most recent one is loaded, and the Handler is attached
// to the Context as its Loader.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	handler := &Handler{config: c, variableValues: make(map[string]*tensors.Tensor)}
	checkpoints, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	handler.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
	if len(checkpoints) > 0 {
		if err = handler.loadCheckpoint(checkpoints[len(checkpoints)-1]); err != nil {
			return nil, err
		}
	}
	if err = exceptions.TryCatch[error](func() { handler.attachTo(c.ctx) }); err != nil {
		return nil, err
	}
	return handler, nil
}

// Handler handles saving and loading of checkpoints for a context.Context. See example in
// package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done().
//
// Loading data into Handler happens at its creation time: it loads from the latest checkpoint.
// The loaded variable values are only "consumed" (used) one at a time, as the variables are
// created during the model building. The ones never consumed are reported by Unused.
//
// Saving of checkpoints is explicit, by calling Handler.Save(). All variables in Context are saved,
// along with any previous variables loaded by the Handler that were not used by Context.
//
// A Handler can only be "attached" to one context.Context.
type Handler struct {
	config            *Config
	ctx               *context.Context
	prevContextLoader context.Loader

	// loadedFrom is the base name of the checkpoint loaded, if any.
	loadedFrom string

	// variableValues loaded and not yet consumed, and the order they were saved.
	variableValues map[string]*tensors.Tensor
	loadedOrder    []string

	checkpointsCount int
}

// serializedData is how the information is read and written from storage.
type serializedData struct {
	// Variables in the order they were saved, with their position in the data file.
	Variables []serializedVar
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	// Name is the Variable full name (scope and name).
	Name string

	// Dimensions of the shape.
	Dimensions []int

	// DType of the shape, by name.
	DType string

	// Pos, Length in bytes in the file.
	Pos, Length int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName() string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-%s", baseNamePrefix, h.checkpointsCount, now, h.config.tag)
}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
)

// ListCheckpoints returns the base file name of the checkpoints in the directory in the order they
// were created (older first).
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		baseName := fileName[:len(fileName)-len(jsonNameSuffix)]
		checkpoints = append(checkpoints, baseName)
	}
	slices.Sort(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

// loadCheckpoint loads a specific checkpoint. This needs to happen before attachTo,
// since otherwise it may not have any effect.
func (h *Handler) loadCheckpoint(baseName string) error {
	klog.V(1).Infof("%s: loading %q", h, baseName)
	if h.ctx != nil {
		return errors.Errorf("%s tried to loadCheckpoint(%q) after being attached to a Context, this is not allowed", h, baseName)
	}

	// Read metadata.
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonContents, err := os.ReadFile(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read checkpoint metadata file %s", h, jsonFileName)
	}
	var serialized serializedData
	if err = json.Unmarshal(jsonContents, &serialized); err != nil {
		return errors.Wrapf(err, "%s: failed to decode contents of checkpoint metadata file %s", h, jsonFileName)
	}

	// Load variable values.
	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	rawData, err := os.ReadFile(varFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read checkpoint data file %s", h, varFileName)
	}
	h.variableValues = make(map[string]*tensors.Tensor, len(serialized.Variables))
	h.loadedOrder = make([]string, 0, len(serialized.Variables))
	for _, varInfo := range serialized.Variables {
		if varInfo.DType != dtypes.Float32.String() {
			return errors.Errorf("%s: variable %q in %s has unsupported dtype %q", h, varInfo.Name, jsonFileName, varInfo.DType)
		}
		if varInfo.Pos < 0 || varInfo.Length < 0 || varInfo.Pos+varInfo.Length > len(rawData) {
			return errors.Errorf("%s: variable %q at position %d (%d bytes) is out of the bounds of %s (%d bytes)",
				h, varInfo.Name, varInfo.Pos, varInfo.Length, varFileName, len(rawData))
		}
		var shape shapes.Shape
		err = exceptions.TryCatch[error](func() { shape = shapes.Make(dtypes.Float32, varInfo.Dimensions...) })
		if err != nil {
			return errors.WithMessagef(err, "%s: variable %q in %s", h, varInfo.Name, jsonFileName)
		}
		value, err := tensors.FromRaw(shape, rawData[varInfo.Pos:varInfo.Pos+varInfo.Length])
		if err != nil {
			return errors.WithMessagef(err, "%s: variable %q in %s", h, varInfo.Name, varFileName)
		}
		h.variableValues[varInfo.Name] = value
		h.loadedOrder = append(h.loadedOrder, varInfo.Name)
	}
	h.loadedFrom = baseName
	return nil
}

// Save creates a new checkpoint and saves the context variables.
//
// All variables in the context are saved, as well as those previously loaded and not used -- this
// allows one to load the variables only for a part of the model, update that part and save again
// with everything.
//
// Failures to write are returned as *qerrors.ArtifactWriteError. Partially written files are removed.
func (h *Handler) Save() error {
	if h.ctx == nil {
		return errors.Errorf("%s not attached to a context.Context yet", h)
	}

	// Collect variables: both from Context and previously loaded ones.
	type namedValue struct {
		name  string
		value *tensors.Tensor
	}
	var values []namedValue
	var total int64
	h.ctx.EnumerateVariables(func(v *context.Variable) {
		if h.config.excludeFromSave.Has(v.FullName()) {
			return
		}
		values = append(values, namedValue{v.FullName(), v.Value()})
		total += int64(v.Value().Memory())
	})
	for _, name := range h.loadedOrder {
		if value, found := h.variableValues[name]; found && !h.config.excludeFromSave.Has(name) {
			values = append(values, namedValue{name, value})
			total += int64(value.Memory())
		}
	}

	baseName := h.newCheckpointBaseName()
	h.checkpointsCount += 1 // Bump unique number.
	serialized := serializedData{Variables: make([]serializedVar, 0, len(values))}

	// Write variable values.
	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	err := fsutil.WriteFileAtomic(varFileName, FilePermMode, func(w io.Writer) error {
		pos := 0
		for _, nv := range values {
			rawData := nv.value.Bytes()
			if _, err := w.Write(rawData); err != nil {
				return errors.Wrapf(err, "%s: failed to write variable %s", h, nv.name)
			}
			serialized.Variables = append(serialized.Variables, serializedVar{
				Name:       nv.name,
				Dimensions: nv.value.Shape().Dimensions,
				DType:      nv.value.DType().String(),
				Pos:        pos,
				Length:     len(rawData),
			})
			pos += len(rawData)
			if h.config.progress != nil {
				h.config.progress(int64(pos), total)
			}
		}
		return nil
	})
	if err != nil {
		return qerrors.ArtifactWrite(varFileName, err)
	}

	// Write metadata.
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	err = fsutil.WriteFileAtomic(jsonFileName, FilePermMode, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return enc.Encode(&serialized)
	})
	if err != nil {
		_ = os.Remove(varFileName)
		return qerrors.ArtifactWrite(jsonFileName, err)
	}
	klog.V(1).Infof("%s: saved %d variables to %q", h, len(values), baseName)

	// Remove excess checkpoints.
	return h.keepNCheckpoints()
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.Wrapf(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	list = list[:len(list)-h.config.keep]
	for _, baseName := range list {
		varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
		jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
		for _, fileName := range []string{jsonFileName, varFileName} {
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// attachTo attaches Handler to a context.Context, as its Loader.
//
// attachTo can only be called once.
func (h *Handler) attachTo(ctx *context.Context) {
	if h.ctx != nil {
		exceptions.Panicf("%s already attached to a Context, can not attach to another one", h.config.dir)
	}
	h.ctx = ctx
	h.prevContextLoader = ctx.Loader()
	ctx.SetLoader(h)
}

// Dir returns the directory the Handler is configured to.
// It cannot be changed once the Handler was created.
//
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// LoadedFrom returns the base name of the checkpoint loaded when the Handler was created, or "" if
// the directory had no checkpoints.
func (h *Handler) LoadedFrom() string {
	return h.loadedFrom
}

// LoadVariable implements context.Loader.
// This is called by context.Context when the variable is created.
func (h *Handler) LoadVariable(ctx *context.Context, v *context.Variable) (value *tensors.Tensor, found bool) {
	// Priority is based on the installation order. That means we attempt first the previously configured loaders.
	if h.prevContextLoader != nil {
		value, found = h.prevContextLoader.LoadVariable(ctx, v)
		if found {
			return
		}
	}

	// Try to find variable in our currently loaded checkpoint.
	name := v.FullName()
	value, found = h.variableValues[name]
	if !found {
		return
	}
	if !value.Shape().Equal(v.Shape()) {
		panic(qerrors.Configurationf(v.Scope(), "shape %s requested for variable %q is different from value shape %s loaded from %s",
			v.Shape(), name, value.Shape(), h))
	}
	// "Consume" value, meaning remove it from Handler.
	delete(h.variableValues, name)
	return
}

// RestoreVariable implements context.Restorer: a value consumed by a variable that was later removed
// from the Context is made available again. Values that didn't come from this Handler are given back
// to the previously configured loader.
func (h *Handler) RestoreVariable(v *context.Variable, value *tensors.Tensor) {
	name := v.FullName()
	if _, found := h.variableValues[name]; !found && slices.Contains(h.loadedOrder, name) {
		h.variableValues[name] = value
		return
	}
	if restorer, ok := h.prevContextLoader.(context.Restorer); ok {
		restorer.RestoreVariable(v, value)
	}
}

// LoadedVariables for inspection. These are the values loaded and not yet used by the Context.
//
// The Handler owns the returned map, don't change it -- the behavior is undefined if you do.
func (h *Handler) LoadedVariables() map[string]*tensors.Tensor {
	return h.variableValues
}

// Unused returns the names of the variables loaded from the checkpoint that were never requested
// by the Context, in the order they were saved. After the model is built, a non-empty list usually
// means the model structure changed (e.g. a renamed layer) since the checkpoint was saved.
func (h *Handler) Unused() []string {
	var unused []string
	for _, name := range h.loadedOrder {
		if _, found := h.variableValues[name]; found {
			unused = append(unused, name)
		}
	}
	return unused
}
