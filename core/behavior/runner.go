package behavior

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/openfleet/carsim/core/logger"
	"github.com/openfleet/carsim/core/model"
)

// Runner executes compiled hooks against one device instance. Each device
// owns one Runner; the underlying goja runtime is not goroutine safe and the
// owning device serializes invocations.
type Runner struct {
	vm   *goja.Runtime
	host model.HookHost
	fns  map[string]goja.Callable
}

// NewRunner creates a runtime for the device with the whitelisted host API
// installed: deviceID, getAttribute, setAttribute, sendMessage and log.
func NewRunner(host model.HookHost, log logger.Logger) *Runner {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	r := &Runner{vm: vm, host: host, fns: make(map[string]goja.Callable)}

	mustSet := func(name string, v any) {
		if err := vm.Set(name, v); err != nil {
			panic(fmt.Sprintf("behavior: install %s: %v", name, err))
		}
	}
	mustSet("deviceID", host.DeviceID())
	mustSet("getAttribute", func(name string) goja.Value {
		v, ok := host.GetAttribute(name)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	mustSet("setAttribute", func(name string, value goja.Value) {
		host.SetAttribute(name, value.Export())
	})
	mustSet("sendMessage", func(name string) {
		host.SendMessage(name)
	})
	mustSet("log", func(msg string) {
		log.Debugf("[%s] %s", host.DeviceID(), msg)
	})
	return r
}

// Invoke runs the compiled hook with the given arguments. JS exceptions are
// returned as errors and never propagate as panics.
func (r *Runner) Invoke(key string, prog *goja.Program, args []any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("behavior: hook panic: %v", rec)
		}
	}()
	fn, ok := r.fns[key]
	if !ok {
		v, rerr := r.vm.RunProgram(prog)
		if rerr != nil {
			return fmt.Errorf("behavior: instantiate hook: %w", rerr)
		}
		fn, ok = goja.AssertFunction(v)
		if !ok {
			return fmt.Errorf("behavior: hook did not evaluate to a function")
		}
		r.fns[key] = fn
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = r.vm.ToValue(a)
	}
	if _, cerr := fn(goja.Undefined(), jsArgs...); cerr != nil {
		return cerr
	}
	return nil
}

// Drop forgets the instantiated function for the key. Used when a device is
// rebound to an updated architecture definition.
func (r *Runner) Drop(key string) {
	delete(r.fns, key)
}
