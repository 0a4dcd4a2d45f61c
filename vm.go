package nomad

import (
	"sync"
	"time"

	"github.com/oriys/nomad/internal/config"
	"github.com/oriys/nomad/internal/eventbus"
	"github.com/oriys/nomad/internal/metrics"
	"github.com/oriys/nomad/internal/tunnel"
	"github.com/oriys/nomad/internal/validation"
	"github.com/oriys/nomad/internal/worker"
)

// State is a VM lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateBooting  State = "booting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// PredefinedFunc is a host callback registered under a name in an
// enclosure and invokable from user code by its numeric id.
type PredefinedFunc func(args ...any) (any, error)

// VM supervises one sandboxed worker: lifecycle, tunnels, liveness,
// the predefined registry, and event fan-out.
type VM struct {
	name string
	cfg  *config.Config

	mu      sync.Mutex
	state   State
	channel worker.Channel

	tunnels *tunnel.Table

	// Sparse registry of host callbacks, indexed by the integer id
	// carried in call frames. Entries are never compacted.
	predefinedMu sync.Mutex
	predefined   []PredefinedFunc

	bus  *eventbus.Bus
	cast eventbus.Cast

	bootTimer *time.Timer

	pingStop chan struct{}
	pongMu   sync.Mutex
	lastPong time.Time
}

// New constructs a VM in the created state and registers it by name.
// An empty name draws a generated one ("vm-" plus eight hex chars).
func New(name string, opts ...Option) (*VM, error) {
	if name == "" {
		name = generateName()
	} else if !validName(name) {
		return nil, newError(KindValidation, "invalid vm name %q", name)
	}
	cfg := config.Default()
	for _, opt := range opts {
		opt(cfg)
	}
	vm := &VM{
		name:    name,
		cfg:     cfg,
		state:   StateCreated,
		tunnels: tunnel.New(),
	}
	vm.bus = eventbus.New(func(cast eventbus.Cast) { vm.cast = cast })
	if err := registerVM(vm); err != nil {
		vm.bus.Close()
		return nil, err
	}
	metrics.Global().RecordVMCreated()
	vm.castEvent("new")
	return vm, nil
}

// Name returns the VM name.
func (vm *VM) Name() string { return vm.name }

// State returns the current lifecycle state.
func (vm *VM) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// On subscribes cb on the VM bus under filter. Per-VM event names are
// unprefixed.
func (vm *VM) On(filter string, cb EventCallback) error {
	if err := validation.EventFilter(filter); err != nil {
		return wrapError(KindValidation, err)
	}
	return vm.bus.On(filter, cb)
}

// Once subscribes cb on the VM bus for a single matching event.
func (vm *VM) Once(filter string, cb EventCallback) error {
	if err := validation.EventFilter(filter); err != nil {
		return wrapError(KindValidation, err)
	}
	return vm.bus.Once(filter, cb)
}

// Off removes every VM-bus subscription of cb.
func (vm *VM) Off(cb EventCallback) {
	vm.bus.Off(cb)
}

// castEvent fires name on the per-VM bus and, with the nomad:{vm}:
// prefix, on the global bus. The VM reference is always the first
// positional argument.
func (vm *VM) castEvent(name string, args ...any) {
	full := append([]any{vm}, args...)
	vm.cast(name, full...)
	globalCast("nomad:"+vm.name+":"+name, full...)
	metrics.Global().RecordCast()
}

// assertState fails unless the current state is one of allowed.
func (vm *VM) assertState(allowed ...State) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.assertStateLocked(allowed...)
}

func (vm *VM) assertStateLocked(allowed ...State) error {
	for _, s := range allowed {
		if vm.state == s {
			return nil
		}
	}
	return newError(KindState, "vm %q is %s", vm.name, vm.state)
}

// validName accepts identifier-like names plus the generated vm-xxxx
// form.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	c := name[0]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
