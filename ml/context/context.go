// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes the variables
// (the learnable parameters) of a model in scopes, and Variable holds their values.
package context

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/qstarter/qstarter/ml/context/initializers"
	"github.com/qstarter/qstarter/types/qerrors"
	"github.com/qstarter/qstarter/types/shapes"
	"github.com/qstarter/qstarter/types/tensors"
)

// ScopeSeparator is used between the elements of a scope path, and between the scope and a variable name.
const ScopeSeparator = "/"

// RootScope is the scope of a newly created Context.
const RootScope = ScopeSeparator

// Context organizes the variables of a model in "scopes". The Context object is a thin wrapper that
// contains the current scope (similar to a current directory) and a link to the actual data. One
// changes scopes with Context.In("new_scope"): it returns a new Context with the new scope set, but
// still pointing (sharing) all the data with the previous Context. E.g:
//
//	func NewBlock(ctx *context.Context, ...) {
//		convCtx := ctx.In("conv")  // Same data, "conv" sub-scope.
//		weights := convCtx.VariableWithShape("weights", shape)  // Named "<scope>/conv/weights".
//		...
//	}
//
// Each layer instance creates its variables in its own scope, so the full name of a variable
// identifies it, and it's the key used by checkpoints. Creating a variable twice with the same
// full name is a configuration error: two layer instances would claim the same scope.
type Context struct {
	// scope for currently created variables.
	scope string

	// initializer is used to initialize variable values for a given shape.
	initializer initializers.VariableInitializer

	// contextData, where "data" component content is stored.
	data *contextData
}

// scopedVariableMap name to variable within a scope.
type scopedVariableMap map[string]*Variable

// contextData stores all context information and is shared among various Context, which
// serve only as scoped references.
type contextData struct {
	// variablesMap for this context organized per scope.
	variablesMap map[string]scopedVariableMap

	// variables is a plain list of all variables, in creation order.
	variables []*Variable

	// loader, if set, is called to check whether there is a previous value of the variable to use.
	loader Loader
}

// Loader can be implemented by any library providing loading of variables for
// Context. Loader implementations need to provide values on demand -- as variables are created,
// even if they load everything up-front.
//
// An example of a loader is in ml/context/checkpoints.
type Loader interface {
	// LoadVariable tries to load the variable v, usually specified by its scope and name.
	// If it's not found, returns false, and initialization continues as usual.
	LoadVariable(ctx *Context, v *Variable) (value *tensors.Tensor, found bool)
}

// Restorer is optionally implemented by a Loader that consumes its values: RestoreVariable gives back
// the value loaded for a variable that was removed (see RemoveVariablesAfter), so that it can be loaded
// again by a new variable with the same name.
type Restorer interface {
	RestoreVariable(v *Variable, value *tensors.Tensor)
}

// New constructs a new and empty context, using initializers.KaimingUniform with
// initializers.DefaultSeed for new variables created with VariableWithShape.
func New() *Context {
	return &Context{
		scope:       RootScope,
		initializer: initializers.KaimingUniform(initializers.DefaultSeed),
		data: &contextData{
			variablesMap: make(map[string]scopedVariableMap),
		},
	}
}

// copy creates a copy of the Context, but sharing the same "data" component.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// Scope returns the full scope path.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// JoinScope returns the full path of the name within the scope.
func JoinScope(scope, name string) string {
	if scope == RootScope {
		return ScopeSeparator + name
	}
	return scope + ScopeSeparator + name
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
//
// It panics with a *qerrors.ConfigurationError if the scope is invalid.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		panic(qerrors.Configurationf(ctx.scope, "cannot use empty scope"))
	}
	if strings.Contains(scope, ScopeSeparator) {
		panic(qerrors.Configurationf(ctx.scope, "cannot use separator %q in scope element %q", ScopeSeparator, scope))
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// InAbsPath returns a new reference to the Context with the given absolute scope path. It should
// start and have each element separated by ScopeSeparator.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		panic(qerrors.Configurationf(ctx.scope, "absolute scope path must start with separator %q, instead got %q",
			ScopeSeparator, scopePath))
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// WithInitializer returns a new reference to the Context, with the initializer set.
func (ctx *Context) WithInitializer(initializer initializers.VariableInitializer) *Context {
	if initializer == nil {
		exceptions.Panicf("Context.WithInitializer(nil) not allowed")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// findVariableInScope or nil if not found.
func (ctx *Context) findVariableInScope(name string) *Variable {
	scopeVars, ok := ctx.data.variablesMap[ctx.scope]
	if !ok {
		return nil
	}
	return scopeVars[name]
}

// InspectVariable returns the variable with the given name for inspection. It returns nil if a
// variable with the given name doesn't exist in the given scope.
func (ctx *Context) InspectVariable(scope, name string) *Variable {
	scopeVars, ok := ctx.data.variablesMap[scope]
	if !ok {
		return nil
	}
	return scopeVars[name]
}

// setVariableInScope registers a new variable.
func (ctx *Context) setVariableInScope(v *Variable) {
	vars, ok := ctx.data.variablesMap[ctx.scope]
	if !ok {
		vars = make(scopedVariableMap)
		ctx.data.variablesMap[ctx.scope] = vars
	}
	vars[v.name] = v
	ctx.data.variables = append(ctx.data.variables, v)
}

// newVariable checks the name is free, and creates the variable without value.
func (ctx *Context) newVariable(name string, shape shapes.Shape) *Variable {
	if name == "" || strings.Contains(name, ScopeSeparator) {
		panic(qerrors.Configurationf(ctx.scope, "invalid variable name %q", name))
	}
	if v := ctx.findVariableInScope(name); v != nil {
		panic(qerrors.Configurationf(ctx.scope, "variable %q already exists (shape %s): scopes can't be shared by two layers",
			v.FullName(), v.shape))
	}
	return &Variable{
		name:      name,
		scope:     ctx.scope,
		shape:     shape.Clone(),
		Trainable: true,
	}
}

// VariableWithShape creates a variable with the given shape in the current scope.
// It is initialized with the current variable initializer set for the context.
// By default, variables are marked as trainable.
//
// If a Loader is configured (see SetLoader), and the value is available to load, it will override
// the initial value: e.g. the value could be loaded from the last checkpoint.
//
// It panics with a *qerrors.ConfigurationError if the variable already exists.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	v := ctx.newVariable(name, shape)
	if !ctx.tryToLoad(v) {
		v.value = ctx.initializer(v.FullName(), v.shape)
	}
	ctx.setVariableInScope(v)
	return v
}

// VariableWithValue creates a variable that is initialized with the given value in the current scope.
// The value is cloned. Like VariableWithShape, a value from the Loader takes precedence.
func (ctx *Context) VariableWithValue(name string, value *tensors.Tensor) *Variable {
	if value == nil {
		exceptions.Panicf("VariableWithValue(%q) requires a value", name)
	}
	v := ctx.newVariable(name, value.Shape())
	if !ctx.tryToLoad(v) {
		v.value = value.Clone()
	}
	ctx.setVariableInScope(v)
	return v
}

// tryToLoad tries to load the variable from the loader. It returns true if it succeeded.
func (ctx *Context) tryToLoad(v *Variable) bool {
	loader := ctx.data.loader
	if loader == nil {
		return false
	}
	value, found := loader.LoadVariable(ctx, v)
	if !found {
		return false
	}
	if !value.Shape().Equal(v.shape) {
		panic(qerrors.Configurationf(v.scope, "loading of variable %q returned shape %s, but variable was created "+
			"with shape %s -- did some hyperparameter change since variable was saved that changed "+
			"the variable shape?", v.FullName(), value.Shape(), v.shape))
	}
	v.value = value
	v.loaded = true
	return true
}

// RemoveVariablesAfter removes the variables created after the first n ones (see NumVariables), in
// reverse creation order. Values provided by the Loader are given back to it if it implements Restorer.
//
// It is used to undo a model construction that failed halfway:
//
//	n := ctx.NumVariables()
//	if err := build(ctx); err != nil {
//		ctx.RemoveVariablesAfter(n)
//	}
func (ctx *Context) RemoveVariablesAfter(n int) {
	data := ctx.data
	if n < 0 || n >= len(data.variables) {
		return
	}
	restorer, _ := data.loader.(Restorer)
	for ii := len(data.variables) - 1; ii >= n; ii-- {
		v := data.variables[ii]
		if scopeVars, found := data.variablesMap[v.scope]; found {
			delete(scopeVars, v.name)
			if len(scopeVars) == 0 {
				delete(data.variablesMap, v.scope)
			}
		}
		if v.loaded && restorer != nil {
			restorer.RestoreVariable(v, v.value)
		}
		data.variables[ii] = nil
	}
	data.variables = data.variables[:n]
}

// EnumerateVariables will call fn for each variable in the context, in creation order.
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for _, v := range ctx.data.variables {
		fn(v)
	}
}

// NumVariables return the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters returns the summed-up number of all variables' elements.
func (ctx *Context) NumParameters() (total int) {
	for _, v := range ctx.data.variables {
		total += v.shape.Size()
	}
	return
}

// Memory returns the total number of bytes used by the variables' values.
func (ctx *Context) Memory() (total uintptr) {
	for _, v := range ctx.data.variables {
		total += v.shape.Memory()
	}
	return
}

// Loader returns the current configured Loader for this context. See SetLoader for details on how the
// Loader is used.
func (ctx *Context) Loader() Loader {
	return ctx.data.loader
}

// SetLoader configures given loader to be used as the default Loader for this Context.
//
// Loader is used just after any new variable is created, either with VariableWithValue or VariableWithShape.
// If the Loader has a value of the variable created, it will override the value given in
// VariableWithValue, or skip the initializer for VariableWithShape.
//
// An example of a loader is in ml/context/checkpoints.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}

// String returns the current scope and the number of variables.
func (ctx *Context) String() string {
	return fmt.Sprintf("Context(scope=%q, %d variables)", ctx.scope, len(ctx.data.variables))
}
