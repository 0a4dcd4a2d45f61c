package nomad

import (
	"encoding/json"
	"time"

	"github.com/oriys/nomad/internal/logging"
	"github.com/oriys/nomad/internal/metrics"
	"github.com/oriys/nomad/internal/protocol"
)

// sendFrame serializes and posts one frame to the worker.
func (vm *VM) sendFrame(m *protocol.Message) {
	vm.mu.Lock()
	channel := vm.channel
	vm.mu.Unlock()
	if channel == nil {
		return
	}
	frame, err := protocol.Encode(m)
	if err != nil {
		logging.Op().Error("failed to encode frame", "vm", vm.name, "name", m.Name, "error", err)
		return
	}
	metrics.Global().RecordFrameSent(m.Name)
	if err := channel.Send(frame); err != nil {
		logging.Op().Warn("failed to send frame", "vm", vm.name, "name", m.Name, "error", err)
		vm.castEvent("worker:warning", wrapError(KindWorker, err))
	}
}

// route dispatches one inbound worker frame. It runs on the channel
// pump goroutine; anything that may block moves to its own goroutine.
func (vm *VM) route(frame []byte) {
	m, err := protocol.Decode(frame)
	if err != nil {
		vm.castEvent("worker:error", newError(KindProtocol, "malformed frame: %v", err))
		return
	}
	metrics.Global().RecordFrameReceived(m.Name)

	switch m.Name {
	case protocol.NamePong:
		vm.pongMu.Lock()
		vm.lastPong = time.Now()
		vm.pongMu.Unlock()
	case protocol.NameResolve:
		if m.Tunnel == nil {
			vm.castEvent("worker:error", newError(KindProtocol, "resolve frame without tunnel"))
			return
		}
		if err := vm.tunnels.Resolve(*m.Tunnel, m.Payload); err != nil {
			vm.castEvent("worker:error", newError(KindProtocol, "%v", err))
		}
		metrics.Global().SetTunnelsOpen(vm.tunnels.Len())
	case protocol.NameReject:
		if m.Tunnel == nil {
			vm.castEvent("worker:error", newError(KindProtocol, "reject frame without tunnel"))
			return
		}
		if err := vm.tunnels.Reject(*m.Tunnel, newError(KindOperation, "%s", m.Error)); err != nil {
			vm.castEvent("worker:error", newError(KindProtocol, "%v", err))
		}
		metrics.Global().SetTunnelsOpen(vm.tunnels.Len())
	case protocol.NameCall:
		// The callback may invoke supervisor methods; keep the pump free.
		go vm.handleCall(m)
	case protocol.NameEmit:
		vm.handleWorkerEmit(m)
	default:
		if m.Tunnel != nil {
			vm.sendFrame(&protocol.Message{
				Name:   protocol.NameReject,
				Tunnel: m.Tunnel,
				Error:  "unknown message name " + m.Name,
			})
		}
		vm.castEvent("worker:error", newError(KindProtocol, "unknown message name %q", m.Name))
	}
}

// handleCall runs a predefined host callback on behalf of user code
// and replies on the worker-allocated tunnel.
func (vm *VM) handleCall(m *protocol.Message) {
	if m.Tunnel == nil {
		vm.castEvent("worker:error", newError(KindProtocol, "call frame without tunnel"))
		return
	}
	var rawArgs []json.RawMessage
	if len(m.Args) > 0 {
		if err := json.Unmarshal(m.Args, &rawArgs); err != nil {
			vm.sendFrame(&protocol.Message{Name: protocol.NameReject, Tunnel: m.Tunnel, Error: "malformed call arguments"})
			vm.castEvent("worker:error", newError(KindProtocol, "malformed call arguments: %v", err))
			return
		}
	}
	args := make([]any, 0, len(rawArgs))
	for _, raw := range rawArgs {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			vm.sendFrame(&protocol.Message{Name: protocol.NameReject, Tunnel: m.Tunnel, Error: "malformed call argument"})
			return
		}
		args = append(args, v)
	}

	vm.castEvent(m.Enclosure+":predefined:call", m.Idx, args)

	fn := vm.predefinedFunc(m.Idx)
	if fn == nil {
		err := newError(KindProtocol, "unknown predefined %d", m.Idx)
		vm.sendFrame(&protocol.Message{Name: protocol.NameReject, Tunnel: m.Tunnel, Error: err.Message})
		vm.castEvent(m.Enclosure+":predefined:error", m.Idx, err)
		return
	}

	result, err := fn(args...)
	if err != nil {
		vm.sendFrame(&protocol.Message{Name: protocol.NameReject, Tunnel: m.Tunnel, Error: err.Error()})
		vm.castEvent(m.Enclosure+":predefined:error", m.Idx, err)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		vm.sendFrame(&protocol.Message{Name: protocol.NameReject, Tunnel: m.Tunnel, Error: "result is not serializable"})
		vm.castEvent(m.Enclosure+":predefined:error", m.Idx, wrapError(KindOperation, err))
		return
	}
	vm.sendFrame(&protocol.Message{Name: protocol.NameResolve, Tunnel: m.Tunnel, Payload: payload})
	vm.castEvent(m.Enclosure+":predefined:ok", m.Idx, args)
}

// handleWorkerEmit re-casts a worker-originated emission on the host
// buses under {enclosure}:user:{event}.
func (vm *VM) handleWorkerEmit(m *protocol.Message) {
	var rawArgs []json.RawMessage
	if len(m.Args) > 0 {
		if err := json.Unmarshal(m.Args, &rawArgs); err != nil {
			vm.castEvent("worker:error", newError(KindProtocol, "malformed emit arguments: %v", err))
			return
		}
	}
	args := make([]any, 0, len(rawArgs))
	for _, raw := range rawArgs {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			vm.castEvent("worker:error", newError(KindProtocol, "malformed emit argument: %v", err))
			return
		}
		args = append(args, v)
	}
	vm.castEvent(m.Enclosure+":user:"+m.Event, args...)
}

// registerPredefined allocates a registry slot and returns its id.
func (vm *VM) registerPredefined(fn PredefinedFunc) int {
	vm.predefinedMu.Lock()
	defer vm.predefinedMu.Unlock()
	vm.predefined = append(vm.predefined, fn)
	return len(vm.predefined) - 1
}

// clearPredefined erases a slot after a failed registration. Slots are
// never reused.
func (vm *VM) clearPredefined(idx int) {
	vm.predefinedMu.Lock()
	defer vm.predefinedMu.Unlock()
	if idx >= 0 && idx < len(vm.predefined) {
		vm.predefined[idx] = nil
	}
}

func (vm *VM) predefinedFunc(idx int) PredefinedFunc {
	vm.predefinedMu.Lock()
	defer vm.predefinedMu.Unlock()
	if idx < 0 || idx >= len(vm.predefined) {
		return nil
	}
	return vm.predefined[idx]
}
