// Package nomad is a sandboxed execution host: a trusted supervisor
// that loads, composes, and invokes untrusted user code inside an
// isolated worker, exchanging values and events across an asynchronous
// message boundary.
//
// A VM owns one worker and multiplexes every request/response exchange
// over the worker channel via numbered tunnels. Inside the worker,
// dependencies install into a tree of named enclosures with ancestor
// visibility, linking, and muting. The default worker runs in-process
// on an embedded ECMAScript sandbox; workers may equally live in their
// own process or guest VM, attached through a framed socket channel.
package nomad

import (
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/oriys/nomad/internal/agent"
	"github.com/oriys/nomad/internal/config"
	"github.com/oriys/nomad/internal/eventbus"
	"github.com/oriys/nomad/internal/worker"
)

// WorkerChannel is the duplex transport between the supervisor and a
// worker. See the worker constructors below for the provided
// implementations.
type WorkerChannel = worker.Channel

// WorkerConstructor builds the worker for a VM and returns the
// supervisor's side of its channel.
type WorkerConstructor = worker.Constructor

// DefaultWorker is the in-process worker constructor: an embedded
// sandbox wired through an in-memory pipe.
func DefaultWorker(vmName, rootEnclosure string) (WorkerChannel, error) {
	return agent.Spawn(vmName, rootEnclosure)
}

// UnixWorker returns a constructor that attaches to an agent daemon
// listening on a unix socket.
func UnixWorker(path string) WorkerConstructor {
	return func(vmName, rootEnclosure string) (WorkerChannel, error) {
		return worker.DialUnix(path)
	}
}

// VsockWorker returns a constructor that attaches to an agent daemon
// listening on a vsock port inside the guest with the given context id.
func VsockWorker(cid, port uint32) WorkerConstructor {
	return func(vmName, rootEnclosure string) (WorkerChannel, error) {
		return worker.DialVsock(cid, port)
	}
}

// EventCallback receives a cast event: the event name, then the VM
// reference, then the event's positional arguments.
type EventCallback = eventbus.Callback

// Option adjusts a VM's configuration at construction time.
type Option func(*config.Config)

// WithBootTimeout bounds how long the worker may take to boot.
func WithBootTimeout(d time.Duration) Option {
	return func(c *config.Config) { c.BootTimeout = d }
}

// WithShutdownTimeout sets the grace window of Shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config.Config) { c.ShutdownTimeout = d }
}

// WithPingInterval sets the liveness probe period; zero disables the
// pinger.
func WithPingInterval(d time.Duration) Option {
	return func(c *config.Config) { c.PingInterval = d }
}

// WithPongLimit sets how stale the last pong may get before the worker
// is declared unresponsive and stopped.
func WithPongLimit(d time.Duration) Option {
	return func(c *config.Config) { c.PongLimit = d }
}

// WithRootEnclosure sets the default root enclosure name used by Start
// when none is given.
func WithRootEnclosure(name string) Option {
	return func(c *config.Config) { c.RootEnclosure = name }
}

// The process-global bus carries every VM's events under the
// nomad:{vm}: prefix. Each VM additionally owns a per-VM bus carrying
// the same events unprefixed.
var (
	globalBus  *eventbus.Bus
	globalCast eventbus.Cast
)

func init() {
	globalBus = eventbus.New(func(cast eventbus.Cast) { globalCast = cast })
}

// OnEvent subscribes cb on the global bus under filter. Global event
// names carry the nomad:{vm}: prefix.
func OnEvent(filter string, cb EventCallback) error {
	return globalBus.On(filter, cb)
}

// OnceEvent subscribes cb on the global bus for a single matching
// event.
func OnceEvent(filter string, cb EventCallback) error {
	return globalBus.Once(filter, cb)
}

// OffEvent removes every global-bus subscription of cb.
func OffEvent(cb EventCallback) {
	globalBus.Off(cb)
}

// The name registry holds non-owning references: a registered VM is
// collectable as soon as its last outside holder drops it.
var (
	registryMu sync.Mutex
	registry   = make(map[string]weak.Pointer[VM])
)

func registerVM(vm *VM) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if prev, ok := registry[vm.name]; ok && prev.Value() != nil {
		return newError(KindValidation, "vm %q already exists", vm.name)
	}
	registry[vm.name] = weak.Make(vm)
	return nil
}

// Lookup finds a live VM by name.
func Lookup(name string) (*VM, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	ref, ok := registry[name]
	if !ok {
		return nil, false
	}
	vm := ref.Value()
	if vm == nil {
		delete(registry, name)
		return nil, false
	}
	return vm, true
}

// generateName produces a fresh VM name: "vm-" plus eight hex chars.
func generateName() string {
	id := uuid.NewString()
	return "vm-" + id[:8]
}
