package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/fluxionhq/fluxion/internal/protocol"
)

// buildRequest synthesizes the JS request object handed to handlers. Header
// names are lowercased; single-valued headers appear as strings, repeated
// ones as arrays. The raw body is exposed as an ArrayBuffer plus text() and
// json() conveniences.
func buildRequest(vm *goja.Runtime, req *protocol.ExecuteRequest) *goja.Object {
	obj := vm.NewObject()
	obj.Set("method", req.Method)
	obj.Set("url", req.URL)
	obj.Set("ip", req.IP)

	headers := vm.NewObject()
	for name, values := range req.Headers {
		key := strings.ToLower(name)
		if len(values) == 1 {
			headers.Set(key, values[0])
		} else {
			headers.Set(key, values)
		}
	}
	obj.Set("headers", headers)

	body := req.Body
	obj.Set("body", vm.ToValue(vm.NewArrayBuffer(body)))
	obj.Set("text", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(string(body))
	})
	obj.Set("json", func(goja.FunctionCall) goja.Value {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			panic(vm.NewGoError(fmt.Errorf("invalid JSON request body: %w", err)))
		}
		return vm.ToValue(v)
	})
	return obj
}

// bindResponse wraps the sink in the JS response object. Write failures
// (over-cap, write-after-end) surface as thrown errors; the over-cap flag
// also sticks on the sink so the request fails even if the handler catches.
func bindResponse(vm *goja.Runtime, sink *responseSink) *goja.Object {
	obj := vm.NewObject()

	getter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		if sink.status == 0 {
			return vm.ToValue(200)
		}
		return vm.ToValue(sink.status)
	})
	setter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		sink.setStatus(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	})
	obj.DefineAccessorProperty("statusCode", getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.Set("status", func(call goja.FunctionCall) goja.Value {
		sink.setStatus(int(call.Argument(0).ToInteger()))
		return obj
	})
	obj.Set("setHeader", func(call goja.FunctionCall) goja.Value {
		sink.setHeader(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	obj.Set("getHeader", func(call goja.FunctionCall) goja.Value {
		if v, ok := sink.getHeader(call.Argument(0).String()); ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	obj.Set("write", func(call goja.FunctionCall) goja.Value {
		chunk, err := exportChunk(call.Argument(0))
		if err == nil {
			err = sink.write(chunk)
		}
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	obj.Set("end", func(call goja.FunctionCall) goja.Value {
		var chunk []byte
		if len(call.Arguments) > 0 {
			var err error
			if chunk, err = exportChunk(call.Argument(0)); err != nil {
				panic(vm.NewGoError(err))
			}
		}
		if err := sink.end(chunk); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	obj.Set("json", func(call goja.FunctionCall) goja.Value {
		encoded, err := json.Marshal(call.Argument(0).Export())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("encode JSON response: %w", err)))
		}
		sink.setHeader("content-type", "application/json; charset=utf-8")
		if err := sink.write(encoded); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	return obj
}

// exportChunk converts a JS body chunk (string, ArrayBuffer, or typed array)
// to raw bytes.
func exportChunk(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	switch x := v.Export().(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	case goja.ArrayBuffer:
		return x.Bytes(), nil
	default:
		return nil, fmt.Errorf("worker: unsupported response chunk type %T", x)
	}
}

// buildContext synthesizes the optional third handler argument: adapter
// slots for every database this worker carries (empty until an adapter is
// installed), a hasDb probe, and a read-only view of the worker identity.
func buildContext(vm *goja.Runtime, boot protocol.Bootstrap) *goja.Object {
	ctx := vm.NewObject()

	db := vm.NewObject()
	for _, name := range boot.DBSet {
		db.Set(name, goja.Null())
	}
	ctx.Set("db", db)

	dbSet := append([]string(nil), boot.DBSet...)
	ctx.Set("hasDb", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		for _, n := range dbSet {
			if n == name {
				return vm.ToValue(true)
			}
		}
		return vm.ToValue(false)
	})

	workerObj := vm.NewObject()
	workerObj.Set("id", boot.WorkerID)
	workerObj.Set("dbSet", append([]string(nil), dbSet...))
	ctx.Set("worker", workerObj)
	return ctx
}
