package worker

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/fluxionhq/fluxion/internal/protocol"
)

// loadModule compiles and evaluates one handler file inside the engine's
// runtime, then parses the default export. Only successful loads are cached
// by the caller; a failed load is retried on the next request for the file.
func loadModule(vm *goja.Runtime, filePath, src string) (goja.Value, protocol.HandlerMeta, error) {
	wrapped := "(function(module, exports, require) {\n" + transformModule(src) + "\n})"
	prog, err := goja.Compile(filePath, wrapped, false)
	if err != nil {
		return nil, protocol.HandlerMeta{}, fmt.Errorf("worker: compile %s: %w", filePath, err)
	}

	wrapperVal, err := vm.RunProgram(prog)
	if err != nil {
		return nil, protocol.HandlerMeta{}, fmt.Errorf("worker: evaluate %s: %w", filePath, err)
	}
	wrapper, ok := goja.AssertFunction(wrapperVal)
	if !ok {
		return nil, protocol.HandlerMeta{}, fmt.Errorf("worker: module wrapper for %s is not callable", filePath)
	}

	moduleObj := vm.NewObject()
	exportsObj := vm.NewObject()
	moduleObj.Set("exports", exportsObj)
	requireVal := vm.Get("require")
	if requireVal == nil {
		requireVal = goja.Undefined()
	}

	if _, err := wrapper(goja.Undefined(), moduleObj, exportsObj, requireVal); err != nil {
		return nil, protocol.HandlerMeta{}, fmt.Errorf("worker: import %s: %w", filePath, jsError(vm, err))
	}

	exported := moduleObj.Get("exports")
	defaultVal := defaultExport(exported)
	if defaultVal == nil {
		return nil, protocol.HandlerMeta{}, fmt.Errorf("worker: %s has no default export", filePath)
	}
	return parseDefaultExport(vm, filePath, defaultVal)
}

// defaultExport picks module.exports.__default__ (the transformed ESM
// default) and falls back to module.exports itself for plain CommonJS
// assignments.
func defaultExport(exported goja.Value) goja.Value {
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return nil
	}
	if obj, ok := exported.(*goja.Object); ok {
		if v := obj.Get("__default__"); v != nil && !goja.IsUndefined(v) {
			return v
		}
	}
	if _, ok := goja.AssertFunction(exported); ok {
		return exported
	}
	return nil
}

// parseDefaultExport validates the export shape: a bare handler function, or
// an object carrying a handler function and an optional db declaration
// (string or array of strings), normalized to a sorted unique set.
func parseDefaultExport(vm *goja.Runtime, filePath string, v goja.Value) (goja.Value, protocol.HandlerMeta, error) {
	meta := protocol.HandlerMeta{DB: protocol.NormalizeDBSet(nil)}

	if _, ok := goja.AssertFunction(v); ok {
		return v, meta, nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, meta, badExport(filePath)
	}
	handler := obj.Get("handler")
	if handler == nil || goja.IsUndefined(handler) {
		return nil, meta, badExport(filePath)
	}
	if _, ok := goja.AssertFunction(handler); !ok {
		return nil, meta, badExport(filePath)
	}

	dbVal := obj.Get("db")
	if dbVal != nil && !goja.IsUndefined(dbVal) && !goja.IsNull(dbVal) {
		names, err := dbNames(dbVal)
		if err != nil {
			return nil, meta, fmt.Errorf("worker: %s: %w", filePath, err)
		}
		meta.DB = protocol.NormalizeDBSet(names)
	}
	return handler, meta, nil
}

func dbNames(v goja.Value) ([]string, error) {
	switch x := v.Export().(type) {
	case string:
		return []string{x}, nil
	case []any:
		names := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("db declaration must contain only strings, got %T", item)
			}
			names = append(names, s)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("db declaration must be a string or an array of strings, got %T", x)
	}
}

func badExport(filePath string) error {
	return fmt.Errorf("worker: %s default export must be a function or an object with a handler function", filePath)
}

// jsError converts a goja evaluation error into a serialized worker error.
func jsError(vm *goja.Runtime, err error) *protocol.WorkerError {
	if ex, ok := err.(*goja.Exception); ok {
		return serializeThrown(ex.Value())
	}
	return &protocol.WorkerError{Message: err.Error()}
}

// serializeThrown flattens a thrown JS value into name/message/stack.
func serializeThrown(v goja.Value) *protocol.WorkerError {
	we := &protocol.WorkerError{Name: "Error"}
	if v == nil {
		we.Message = "unknown error"
		return we
	}
	if obj, ok := v.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			we.Name = name.String()
		}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			we.Message = msg.String()
		}
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			we.Stack = stack.String()
		}
	}
	if we.Message == "" {
		we.Message = v.String()
	}
	return we
}
