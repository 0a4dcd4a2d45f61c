package nomad

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriys/nomad/internal/logging"
	"github.com/oriys/nomad/internal/metrics"
	"github.com/oriys/nomad/internal/protocol"
	"github.com/oriys/nomad/internal/tunnel"
	"github.com/oriys/nomad/internal/validation"
)

// Boot carries the measured boot durations: Inside as reported by the
// worker, Outside as observed by the supervisor.
type Boot struct {
	Inside  time.Duration
	Outside time.Duration
}

// Start boots the worker and resolves once its dispatcher is ready.
// newWorker nil selects the in-process default; timeout zero selects
// the configured boot timeout; root empty selects the configured root
// enclosure name. On success the returned Enclosure is bound to the
// root enclosure.
func (vm *VM) Start(ctx context.Context, newWorker WorkerConstructor, timeout time.Duration, root string) (*Enclosure, Boot, error) {
	if newWorker == nil {
		newWorker = DefaultWorker
	}
	if timeout == 0 {
		timeout = vm.cfg.BootTimeout
	}
	if root == "" {
		root = vm.cfg.RootEnclosure
	}
	if err := validation.TimeDelta(timeout.Milliseconds()); err != nil {
		return nil, Boot{}, wrapError(KindValidation, err)
	}
	if err := validation.Identifier(root); err != nil {
		return nil, Boot{}, wrapError(KindValidation, err)
	}

	vm.mu.Lock()
	if err := vm.assertStateLocked(StateCreated); err != nil {
		vm.mu.Unlock()
		return nil, Boot{}, err
	}
	vm.state = StateBooting
	vm.mu.Unlock()

	vm.castEvent("start")
	started := time.Now()

	type bootResult struct {
		payload json.RawMessage
		err     error
	}
	bootCh := make(chan bootResult, 1)
	bootTunnel := vm.tunnels.Add(tunnel.Entry{
		Resolve: func(payload []byte) { bootCh <- bootResult{payload: payload} },
		Reject:  func(err error) { bootCh <- bootResult{err: err} },
	})

	channel, err := newWorker(vm.name, root)
	if err != nil {
		_ = vm.tunnels.Reject(bootTunnel, wrapError(KindWorker, err))
		result := <-bootCh
		return vm.failBoot(result.err)
	}
	vm.mu.Lock()
	vm.channel = channel
	vm.bootTimer = time.AfterFunc(timeout, func() {
		_ = vm.tunnels.Reject(bootTunnel, newError(KindTimeout, "boot timed out"))
	})
	vm.mu.Unlock()

	if err := channel.Listen(vm.route, vm.channelError); err != nil {
		_ = vm.tunnels.Reject(bootTunnel, wrapError(KindWorker, err))
	}

	var result bootResult
	select {
	case result = <-bootCh:
	case <-ctx.Done():
		_ = vm.tunnels.Reject(bootTunnel, wrapError(KindWorker, ctx.Err()))
		result = <-bootCh
	}
	if result.err != nil {
		return vm.failBoot(result.err)
	}

	var insideMs float64
	if err := json.Unmarshal(result.payload, &insideMs); err != nil {
		return vm.failBoot(newError(KindProtocol, "malformed boot payload: %v", err))
	}
	inside := time.Duration(insideMs * float64(time.Millisecond))
	outside := time.Since(started)
	if inside > outside {
		inside = outside
	}

	vm.mu.Lock()
	if vm.state != StateBooting {
		vm.mu.Unlock()
		return vm.failBoot(&Error{Kind: KindDeletion, Message: "stopped"})
	}
	vm.state = StateRunning
	if vm.bootTimer != nil {
		vm.bootTimer.Stop()
		vm.bootTimer = nil
	}
	vm.mu.Unlock()

	metrics.Global().RecordBoot(outside)
	metrics.Global().VMRunning(1)
	if vm.cfg.PingInterval > 0 {
		vm.startPinger(vm.cfg.PingInterval, vm.cfg.PongLimit)
	}
	vm.castEvent("start:ok", root, inside, outside)
	logging.Op().Info("vm started", "vm", vm.name, "root", root,
		"inside_ms", float64(inside.Microseconds())/1000.0,
		"outside_ms", float64(outside.Microseconds())/1000.0)
	return &Enclosure{vm: vm, path: root}, Boot{Inside: inside, Outside: outside}, nil
}

// failBoot stops the VM after a failed boot, never letting cleanup
// errors shadow the boot error.
func (vm *VM) failBoot(bootErr error) (*Enclosure, Boot, error) {
	vm.castEvent("start:error", bootErr)
	if err := vm.doStop(); err != nil {
		logging.Op().Warn("cleanup after failed boot", "vm", vm.name, "error", err)
	}
	return nil, Boot{}, bootErr
}

// startPinger arms the liveness watchdog: a ping frame every interval,
// and a forced stop once the last pong is older than pongLimit.
func (vm *VM) startPinger(interval, pongLimit time.Duration) {
	vm.pongMu.Lock()
	vm.lastPong = time.Now()
	vm.pongMu.Unlock()

	stop := make(chan struct{})
	vm.mu.Lock()
	vm.pingStop = stop
	vm.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				vm.sendFrame(&protocol.Message{Name: protocol.NamePing})
				vm.pongMu.Lock()
				delta := time.Since(vm.lastPong)
				vm.pongMu.Unlock()
				if delta > pongLimit {
					metrics.Global().RecordVMUnresponsive()
					vm.castEvent("worker:unresponsive", delta)
					logging.Op().Warn("worker unresponsive", "vm", vm.name, "delta", delta)
					if err := vm.doStop(); err != nil {
						logging.Op().Warn("stop after unresponsive worker", "vm", vm.name, "error", err)
					}
					return
				}
			}
		}
	}()
}

// stopPinger cancels the watchdog.
func (vm *VM) stopPinger() {
	vm.mu.Lock()
	stop := vm.pingStop
	vm.pingStop = nil
	vm.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// doStop is the idempotent teardown: cancel timers, kill the worker,
// reject every pending tunnel with "stopped", clear the table.
func (vm *VM) doStop() error {
	vm.mu.Lock()
	if vm.state == StateStopped {
		vm.mu.Unlock()
		return nil
	}
	wasRunning := vm.state == StateRunning || vm.state == StateStopping
	vm.state = StateStopped
	if vm.bootTimer != nil {
		vm.bootTimer.Stop()
		vm.bootTimer = nil
	}
	channel := vm.channel
	vm.mu.Unlock()

	vm.stopPinger()

	var cleanupErr error
	if channel != nil {
		cleanupErr = channel.Kill()
	}
	vm.tunnels.RejectAll(&Error{Kind: KindDeletion, Message: "stopped"})
	metrics.Global().SetTunnelsOpen(0)
	metrics.Global().RecordVMStopped()
	if wasRunning {
		metrics.Global().VMRunning(-1)
	}

	vm.castEvent("stop")
	if cleanupErr != nil {
		vm.castEvent("stop:error", cleanupErr)
		return wrapError(KindWorker, cleanupErr)
	}
	vm.castEvent("stop:ok")
	logging.Op().Info("vm stopped", "vm", vm.name)
	return nil
}

// Stop force-terminates the VM. It is permitted in every state and is
// idempotent; cleanup errors propagate to the caller.
func (vm *VM) Stop(ctx context.Context) error {
	_ = ctx
	return vm.doStop()
}

// Shutdown gives user code a bounded grace window: a shutdown event is
// emitted into every root enclosure, and after timeout the roots are
// deleted on a short leash before the forcible stop. A zero timeout
// selects the configured default.
func (vm *VM) Shutdown(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = vm.cfg.ShutdownTimeout
	}
	if err := validation.TimeDelta(timeout.Milliseconds()); err != nil {
		return wrapError(KindValidation, err)
	}
	vm.mu.Lock()
	if vm.state == StateRunning {
		vm.state = StateStopping
	}
	vm.mu.Unlock()
	vm.castEvent("shutdown")

	roots, err := vm.ListRootEnclosures(ctx)
	if err == nil {
		for _, root := range roots {
			_ = vm.EmitEvent(root, "shutdown")
		}
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
		}
		inner := timeout / 4
		if inner <= 0 {
			inner = 10 * time.Millisecond
		}
		for _, root := range roots {
			deleteCtx, cancel := context.WithTimeout(context.Background(), inner)
			_, _ = vm.DeleteEnclosure(deleteCtx, root)
			cancel()
		}
	}
	return vm.doStop()
}

// channelError handles asynchronous worker-channel failures.
func (vm *VM) channelError(err error) {
	vm.mu.Lock()
	stopped := vm.state == StateStopped
	vm.mu.Unlock()
	if stopped {
		return
	}
	workerErr := wrapError(KindWorker, err)
	vm.castEvent("worker:error", workerErr)
	logging.Op().Warn("worker channel error", "vm", vm.name, "error", err)
	if stopErr := vm.doStop(); stopErr != nil {
		logging.Op().Warn("stop after channel error", "vm", vm.name, "error", stopErr)
	}
}
