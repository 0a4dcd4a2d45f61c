package nomad

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nomad/internal/metrics"
	"github.com/oriys/nomad/internal/observability"
	"github.com/oriys/nomad/internal/protocol"
	"github.com/oriys/nomad/internal/tunnel"
	"github.com/oriys/nomad/internal/validation"
)

// request allocates a tunnel for m, posts it, and suspends the caller
// until the matching resolve or reject arrives. Cancelling ctx abandons
// the wait without cancelling the worker-side operation. The op and
// enclosure name the fan-out events.
func (vm *VM) request(ctx context.Context, op, enclosure string, m *protocol.Message) (json.RawMessage, error) {
	prefix := op
	if enclosure != "" {
		prefix = enclosure + ":" + op
	}

	_, span := observability.StartOperation(ctx, vm.name, op, enclosure)
	started := time.Now()

	type result struct {
		payload json.RawMessage
		err     error
	}
	ch := make(chan result, 1)
	id := vm.tunnels.Add(tunnel.Entry{
		Resolve:   func(payload []byte) { ch <- result{payload: payload} },
		Reject:    func(err error) { ch <- result{err: err} },
		Enclosure: enclosure,
	})
	m.Tunnel = protocol.Tunnel(id)
	metrics.Global().SetTunnelsOpen(vm.tunnels.Len())

	// A stop may have raced the state assertion; a tunnel added after
	// RejectAll would otherwise never complete.
	vm.mu.Lock()
	stopped := vm.state == StateStopped
	vm.mu.Unlock()
	if stopped {
		_ = vm.tunnels.Reject(id, &Error{Kind: KindDeletion, Message: "stopped"})
	}

	vm.castEvent(prefix)
	vm.sendFrame(m)

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		r = result{err: wrapError(KindWorker, ctx.Err())}
	}

	elapsed := time.Since(started)
	if r.err != nil {
		metrics.Global().RecordOperation(op, "error", elapsed)
		observability.EndOperation(span, r.err)
		vm.castEvent(prefix+":error", r.err)
		return nil, r.err
	}
	metrics.Global().RecordOperation(op, "ok", elapsed)
	observability.EndOperation(span, nil)
	return r.payload, nil
}

func decodeReply[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, newError(KindProtocol, "malformed reply payload: %v", err)
	}
	return v, nil
}

// CreateEnclosure creates the enclosure at path and returns a handle
// bound to it. Every prefix of path must already exist except the
// final segment.
func (vm *VM) CreateEnclosure(ctx context.Context, path string) (*Enclosure, error) {
	if err := validation.Enclosure(path); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning); err != nil {
		return nil, err
	}
	_, err := vm.request(ctx, "create", path, &protocol.Message{Name: protocol.NameCreate, Enclosure: path})
	if err != nil {
		return nil, err
	}
	vm.castEvent(path + ":create:ok")
	return &Enclosure{vm: vm, path: path}, nil
}

// DeleteEnclosure removes the subtree rooted at path and returns the
// deleted paths. Every pending request bound to a deleted enclosure is
// rejected.
func (vm *VM) DeleteEnclosure(ctx context.Context, path string) ([]string, error) {
	if err := validation.Enclosure(path); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning, StateStopping); err != nil {
		return nil, err
	}
	payload, err := vm.request(ctx, "delete", path, &protocol.Message{Name: protocol.NameDelete, Enclosure: path})
	if err != nil {
		return nil, err
	}
	deleted, err := decodeReply[[]string](payload)
	if err != nil {
		return nil, err
	}
	vm.tunnels.RejectEnclosures(deleted, &Error{Kind: KindDeletion, Message: "deleted"})
	metrics.Global().SetTunnelsOpen(vm.tunnels.Len())
	vm.castEvent(path+":delete:ok", deleted)
	return deleted, nil
}

// MergeEnclosure merges path's installed and predefined entries into
// its parent and removes the node.
func (vm *VM) MergeEnclosure(ctx context.Context, path string) error {
	if err := validation.Enclosure(path); err != nil {
		return wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning); err != nil {
		return err
	}
	if _, err := vm.request(ctx, "merge", path, &protocol.Message{Name: protocol.NameMerge, Enclosure: path}); err != nil {
		return err
	}
	vm.castEvent(path + ":merge:ok")
	return nil
}

// Link adds a link edge from src to dst; events emitted on src are
// also delivered at dst. Reports whether a new edge was added.
func (vm *VM) Link(ctx context.Context, src, dst string) (bool, error) {
	return vm.linkOp(ctx, protocol.NameLink, src, dst)
}

// Unlink removes the link edge from src to dst. Reports whether an
// edge was removed.
func (vm *VM) Unlink(ctx context.Context, src, dst string) (bool, error) {
	return vm.linkOp(ctx, protocol.NameUnlink, src, dst)
}

func (vm *VM) linkOp(ctx context.Context, op, src, dst string) (bool, error) {
	if err := validation.Enclosure(src); err != nil {
		return false, wrapError(KindValidation, err)
	}
	if err := validation.Enclosure(dst); err != nil {
		return false, wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning); err != nil {
		return false, err
	}
	payload, err := vm.request(ctx, op, src, &protocol.Message{Name: op, Enclosure: src, Target: dst})
	if err != nil {
		return false, err
	}
	changed, err := decodeReply[bool](payload)
	if err != nil {
		return false, err
	}
	vm.castEvent(src+":"+op+":ok", dst, changed)
	return changed, nil
}

// Mute suppresses event propagation for path. Returns the previous
// value of the flag.
func (vm *VM) Mute(ctx context.Context, path string) (bool, error) {
	return vm.muteOp(ctx, protocol.NameMute, path)
}

// Unmute re-enables event propagation for path. Returns the previous
// value of the flag.
func (vm *VM) Unmute(ctx context.Context, path string) (bool, error) {
	return vm.muteOp(ctx, protocol.NameUnmute, path)
}

func (vm *VM) muteOp(ctx context.Context, op, path string) (bool, error) {
	if err := validation.Enclosure(path); err != nil {
		return false, wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning); err != nil {
		return false, err
	}
	payload, err := vm.request(ctx, op, path, &protocol.Message{Name: op, Enclosure: path})
	if err != nil {
		return false, err
	}
	prev, err := decodeReply[bool](payload)
	if err != nil {
		return false, err
	}
	vm.castEvent(path+":"+op+":ok", prev)
	return prev, nil
}

// IsMuted reports path's mute flag.
func (vm *VM) IsMuted(ctx context.Context, path string) (bool, error) {
	if err := validation.Enclosure(path); err != nil {
		return false, wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning); err != nil {
		return false, err
	}
	payload, err := vm.request(ctx, "isMuted", path, &protocol.Message{Name: protocol.NameIsMuted, Enclosure: path})
	if err != nil {
		return false, err
	}
	muted, err := decodeReply[bool](payload)
	if err != nil {
		return false, err
	}
	vm.castEvent(path+":isMuted:ok", muted)
	return muted, nil
}

// ListRootEnclosures returns the top-level enclosure paths.
func (vm *VM) ListRootEnclosures(ctx context.Context) ([]string, error) {
	if err := vm.assertState(StateRunning, StateStopping); err != nil {
		return nil, err
	}
	payload, err := vm.request(ctx, "listRootEnclosures", "", &protocol.Message{Name: protocol.NameListRootEnclosures})
	if err != nil {
		return nil, err
	}
	roots, err := decodeReply[[]string](payload)
	if err != nil {
		return nil, err
	}
	vm.castEvent("listRootEnclosures:ok", roots)
	return roots, nil
}

// ListInstalled returns the dependency names visible at path,
// including those inherited from ancestors.
func (vm *VM) ListInstalled(ctx context.Context, path string) ([]string, error) {
	return vm.listOp(ctx, "listInstalled", protocol.NameListInstalled, path)
}

// ListLinksTo returns the paths path links to.
func (vm *VM) ListLinksTo(ctx context.Context, path string) ([]string, error) {
	return vm.listOp(ctx, "listLinksTo", protocol.NameListLinksTo, path)
}

// ListLinkedFrom returns the paths linking to path.
func (vm *VM) ListLinkedFrom(ctx context.Context, path string) ([]string, error) {
	return vm.listOp(ctx, "listLinkedFrom", protocol.NameListLinkedFrom, path)
}

func (vm *VM) listOp(ctx context.Context, op, name, path string) ([]string, error) {
	if err := validation.Enclosure(path); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning); err != nil {
		return nil, err
	}
	payload, err := vm.request(ctx, op, path, &protocol.Message{Name: name, Enclosure: path})
	if err != nil {
		return nil, err
	}
	list, err := decodeReply[[]string](payload)
	if err != nil {
		return nil, err
	}
	vm.castEvent(path+":"+op+":ok", list)
	return list, nil
}

// GetSubEnclosures returns descendant paths of path up to depth levels
// deep; depth 0 means unlimited.
func (vm *VM) GetSubEnclosures(ctx context.Context, path string, depth int) ([]string, error) {
	if err := validation.Enclosure(path); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if err := validation.NonNegativeInteger(int64(depth)); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning); err != nil {
		return nil, err
	}
	payload, err := vm.request(ctx, "getSubEnclosures", path, &protocol.Message{Name: protocol.NameGetSubEnclosures, Enclosure: path, Depth: depth})
	if err != nil {
		return nil, err
	}
	subs, err := decodeReply[[]string](payload)
	if err != nil {
		return nil, err
	}
	vm.castEvent(path+":getSubEnclosures:ok", subs)
	return subs, nil
}

// Predefine registers fn under name in path's enclosure and returns
// its registry id. The slot is erased again if the worker rejects the
// registration.
func (vm *VM) Predefine(ctx context.Context, path, name string, fn PredefinedFunc) (int, error) {
	if err := validation.Enclosure(path); err != nil {
		return 0, wrapError(KindValidation, err)
	}
	if err := validation.Identifier(name); err != nil {
		return 0, wrapError(KindValidation, err)
	}
	if fn == nil {
		return 0, newError(KindValidation, "predefined function is nil")
	}
	if err := vm.assertState(StateRunning); err != nil {
		return 0, err
	}
	idx := vm.registerPredefined(fn)
	_, err := vm.request(ctx, "predefine", path, &protocol.Message{
		Name:      protocol.NamePredefine,
		Enclosure: path,
		Idx:       idx,
		Function:  name,
	})
	if err != nil {
		vm.clearPredefined(idx)
		return 0, err
	}
	vm.castEvent(path+":predefine:ok", name, idx)
	return idx, nil
}

// Install installs dep into path's enclosure. Every binding must
// resolve to a dependency installed there or in an ancestor.
func (vm *VM) Install(ctx context.Context, path string, dep *Dependency) error {
	if err := validation.Enclosure(path); err != nil {
		return wrapError(KindValidation, err)
	}
	if dep == nil {
		return newError(KindValidation, "dependency is nil")
	}
	if err := vm.assertState(StateRunning); err != nil {
		return err
	}
	_, err := vm.request(ctx, "install", path, &protocol.Message{
		Name:       protocol.NameInstall,
		Enclosure:  path,
		Dependency: dep.wire(),
	})
	if err != nil {
		return err
	}
	vm.castEvent(path+":install:ok", dep.Name())
	return nil
}

// InstallAll installs deps into path atomically: the set is
// topologically sorted against the names already visible at path,
// installed into a temporary child enclosure, and merged back; any
// failure deletes the temporary enclosure and surfaces the original
// error.
func (vm *VM) InstallAll(ctx context.Context, path string, deps []*Dependency) error {
	if err := validation.Enclosure(path); err != nil {
		return wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning); err != nil {
		return err
	}

	temp := path + ".tmp_" + uuid.NewString()[:8]
	if _, err := vm.CreateEnclosure(ctx, temp); err != nil {
		return err
	}
	fail := func(cause error) error {
		deleteCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = vm.DeleteEnclosure(deleteCtx, temp)
		return cause
	}

	visible, err := vm.ListInstalled(ctx, temp)
	if err != nil {
		return fail(err)
	}
	installed := make(map[string]struct{}, len(visible))
	for _, name := range visible {
		installed[name] = struct{}{}
	}
	sorted, err := SortDependencies(deps, installed)
	if err != nil {
		return fail(err)
	}
	for _, dep := range sorted {
		if err := vm.Install(ctx, temp, dep); err != nil {
			return fail(err)
		}
	}
	if err := vm.MergeEnclosure(ctx, temp); err != nil {
		return fail(err)
	}
	return nil
}

// Execute installs-or-locates dep at path and invokes it with args
// mapped by name onto its parameters, returning the call's result.
func (vm *VM) Execute(ctx context.Context, path string, dep *Dependency, args map[string]any) (any, error) {
	if err := validation.Enclosure(path); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if dep == nil {
		return nil, newError(KindValidation, "dependency is nil")
	}
	if err := validation.ArgumentsMap(args); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning); err != nil {
		return nil, err
	}

	encodedArgs := make(map[string]json.RawMessage, len(args))
	for name, value := range args {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, newError(KindValidation, "argument %q is not serializable: %v", name, err)
		}
		encodedArgs[name] = raw
	}
	wireArgs, _ := json.Marshal(encodedArgs)

	payload, err := vm.request(ctx, "execute", path, &protocol.Message{
		Name:       protocol.NameExecute,
		Enclosure:  path,
		Dependency: dep.wire(),
		Args:       wireArgs,
	})
	if err != nil {
		return nil, err
	}
	result, err := decodeReply[any](payload)
	if err != nil {
		return nil, err
	}
	vm.castEvent(path+":execute:ok", dep.Name(), result)
	return result, nil
}

// EmitEvent fires event into path's enclosure inside the worker. It is
// fire-and-forget: no tunnel is allocated and no reply is awaited.
func (vm *VM) EmitEvent(path, event string, args ...any) error {
	if err := validation.Enclosure(path); err != nil {
		return wrapError(KindValidation, err)
	}
	if err := validation.EventName(event); err != nil {
		return wrapError(KindValidation, err)
	}
	if err := vm.assertState(StateRunning, StateStopping); err != nil {
		return err
	}

	rawArgs := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return newError(KindValidation, "event argument is not serializable: %v", err)
		}
		rawArgs = append(rawArgs, raw)
	}
	encoded, _ := json.Marshal(rawArgs)

	vm.sendFrame(&protocol.Message{
		Name:      protocol.NameEmit,
		Enclosure: path,
		Event:     event,
		Args:      encoded,
	})
	vm.castEvent(path+":host:"+event, args...)
	return nil
}
