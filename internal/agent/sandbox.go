package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/oriys/nomad/internal/protocol"
	"github.com/oriys/nomad/internal/validation"
)

// The sandbox wraps every dependency body twice: an outer closure
// injecting the per-enclosure event API, and the inner strict-mode
// function whose parameters carry the resolved bindings.
//
//	(function (enclosure) {
//	    return function (p1, p2, ...) { "use strict"; <body> };
//	})
func wrapBody(params []string, body string) string {
	var sb strings.Builder
	sb.WriteString("(function (enclosure) {\nreturn function (")
	sb.WriteString(strings.Join(params, ", "))
	sb.WriteString(") {\n\"use strict\";\n")
	sb.WriteString(body)
	sb.WriteString("\n};\n});")
	return sb.String()
}

// instantiate compiles and calls a dependency body with the given
// parameter names and values, in the scope of node's event API.
func (a *Agent) instantiate(node *enclosure, params []string, body string, values []goja.Value) (goja.Value, error) {
	prog, err := goja.Compile("", wrapBody(params, body), true)
	if err != nil {
		return nil, fmt.Errorf("dependency body does not parse: %v", err)
	}
	outerVal, err := a.runtime.RunProgram(prog)
	if err != nil {
		return nil, sandboxError(err)
	}
	outer, ok := goja.AssertFunction(outerVal)
	if !ok {
		return nil, fmt.Errorf("dependency body did not produce a function")
	}
	innerVal, err := outer(goja.Undefined(), a.enclosureAPI(node))
	if err != nil {
		return nil, sandboxError(err)
	}
	inner, ok := goja.AssertFunction(innerVal)
	if !ok {
		return nil, fmt.Errorf("dependency body did not produce a function")
	}
	result, err := inner(goja.Undefined(), values...)
	if err != nil {
		return nil, sandboxError(err)
	}
	return result, nil
}

// install resolves the dependency's bindings against node's scope,
// instantiates the body, and stores the result under its name.
func (a *Agent) install(node *enclosure, dep *protocol.Dependency) error {
	if _, ok := node.installed[dep.Name]; ok {
		return fmt.Errorf("dependency %q already installed in %q", dep.Name, node.path())
	}
	params, values, err := a.resolveBindings(node, dep)
	if err != nil {
		return err
	}
	artifact, err := a.instantiate(node, params, dep.Code, values)
	if err != nil {
		return err
	}
	node.installed[dep.Name] = artifact
	return nil
}

// execute instantiates the dependency with its bindings plus the
// supplied arguments appended as extra parameters, and exports the
// result as a JSON payload.
func (a *Agent) execute(node *enclosure, dep *protocol.Dependency, args map[string]json.RawMessage) (json.RawMessage, error) {
	params, values, err := a.resolveBindings(node, dep)
	if err != nil {
		return nil, err
	}
	argNames := make([]string, 0, len(args))
	for name := range args {
		argNames = append(argNames, name)
	}
	sort.Strings(argNames)
	for _, name := range argNames {
		val, err := a.jsonToValue(args[name])
		if err != nil {
			return nil, fmt.Errorf("argument %q: %v", name, err)
		}
		params = append(params, name)
		values = append(values, val)
	}
	result, err := a.instantiate(node, params, dep.Code, values)
	if err != nil {
		return nil, err
	}
	return a.valueToJSON(result)
}

// resolveBindings maps a dependency's parameter names to the artifacts
// installed in node's scope, nearest ancestor first.
func (a *Agent) resolveBindings(node *enclosure, dep *protocol.Dependency) ([]string, []goja.Value, error) {
	params := make([]string, 0, len(dep.Dependencies))
	for param := range dep.Dependencies {
		params = append(params, param)
	}
	sort.Strings(params)
	values := make([]goja.Value, 0, len(params))
	for _, param := range params {
		upstream := dep.Dependencies[param]
		artifact, idx, ok := node.resolveArtifact(upstream)
		if !ok {
			return nil, nil, fmt.Errorf("unresolved dependency %q", upstream)
		}
		if artifact == nil {
			artifact = a.predefinedValue(node, upstream, idx)
		}
		values = append(values, artifact)
	}
	return params, values, nil
}

// predefinedValue builds the native callable backing a predefined
// binding: it forwards the call to the host on a worker-allocated
// tunnel and blocks the executing user code until the reply arrives.
func (a *Agent) predefinedValue(node *enclosure, name string, idx int) goja.Value {
	enclosurePath := node.path()
	return a.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		args := make([]json.RawMessage, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			raw, err := a.valueToJSON(arg)
			if err != nil {
				panic(a.runtime.NewTypeError("argument to %s is not serializable: %v", name, err))
			}
			args = append(args, raw)
		}
		payload, err := a.callHost(enclosurePath, idx, args)
		if err != nil {
			panic(a.runtime.NewGoError(err))
		}
		val, err := a.jsonToValue(payload)
		if err != nil {
			panic(a.runtime.NewGoError(err))
		}
		return val
	})
}

// enclosureAPI returns node's cached event API object, creating it on
// first use: on / once / off / emit.
func (a *Agent) enclosureAPI(node *enclosure) *goja.Object {
	if node.api != nil {
		return node.api
	}
	rt := a.runtime
	obj := rt.NewObject()

	subscribe := func(once bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			filter := call.Argument(0).String()
			if err := validation.EventFilter(filter); err != nil {
				panic(rt.NewTypeError("%v", err))
			}
			fn, ok := goja.AssertFunction(call.Argument(1))
			if !ok {
				panic(rt.NewTypeError("listener is not a function"))
			}
			matcher, err := compileListenerFilter(filter)
			if err != nil {
				panic(rt.NewTypeError("%v", err))
			}
			node.listeners = append(node.listeners, &listener{
				filter:  filter,
				matcher: matcher,
				fn:      fn,
				raw:     call.Argument(1),
				once:    once,
			})
			return goja.Undefined()
		}
	}
	_ = obj.Set("on", subscribe(false))
	_ = obj.Set("once", subscribe(true))
	_ = obj.Set("off", func(call goja.FunctionCall) goja.Value {
		target := call.Argument(0)
		kept := node.listeners[:0]
		for _, l := range node.listeners {
			if !l.raw.StrictEquals(target) {
				kept = append(kept, l)
			}
		}
		node.listeners = kept
		return goja.Undefined()
	})
	_ = obj.Set("emit", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		if err := validation.EventName(event); err != nil {
			panic(rt.NewTypeError("%v", err))
		}
		var rest []goja.Value
		if len(call.Arguments) > 1 {
			rest = call.Arguments[1:]
		}
		a.emitFromEnclosure(node, event, rest)
		return goja.Undefined()
	})

	node.api = obj
	return obj
}

// fireListeners invokes node's matching listeners in registration
// order, pruning once-listeners.
func (a *Agent) fireListeners(node *enclosure, event string, args []goja.Value) {
	matched := make([]*listener, 0, len(node.listeners))
	kept := node.listeners[:0]
	for _, l := range node.listeners {
		if l.matcher(event) {
			matched = append(matched, l)
			if l.once {
				continue
			}
		}
		kept = append(kept, l)
	}
	node.listeners = kept
	callArgs := append([]goja.Value{a.runtime.ToValue(event)}, args...)
	for _, l := range matched {
		// Listener failures are isolated from the emitter.
		_, _ = l.fn(goja.Undefined(), callArgs...)
	}
}

func (a *Agent) jsonToValue(raw json.RawMessage) (goja.Value, error) {
	if len(raw) == 0 {
		return goja.Undefined(), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return a.runtime.ToValue(v), nil
}

func (a *Agent) valueToJSON(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	exported := v.Export()
	raw, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("result is not serializable: %v", err)
	}
	return raw, nil
}

// sandboxError flattens a goja exception into a plain error carrying
// the thrown value's string form.
func sandboxError(err error) error {
	if ex, ok := err.(*goja.Exception); ok {
		return fmt.Errorf("%s", ex.Value().String())
	}
	return err
}
