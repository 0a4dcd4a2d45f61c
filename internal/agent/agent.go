// Package agent is the worker side of the execution host: a dispatcher
// that owns the enclosure tree and the embedded ECMAScript sandbox,
// wired to the supervisor through a worker.Channel.
//
// All sandbox and tree state is confined to the dispatcher goroutine;
// the channel pump only routes frames. Replies to worker-initiated
// calls bypass the dispatcher queue so user code blocked on a
// predefined call can be unblocked while an operation is in flight.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/oriys/nomad/internal/logging"
	"github.com/oriys/nomad/internal/protocol"
	"github.com/oriys/nomad/internal/tunnel"
	"github.com/oriys/nomad/internal/worker"
)

// Agent hosts the enclosure tree and sandbox for one VM.
type Agent struct {
	vmName   string
	rootName string
	channel  worker.Channel
	runtime  *goja.Runtime
	roots    map[string]*enclosure
	calls    *tunnel.Table

	mu      sync.Mutex
	ops     []*protocol.Message
	wake    chan struct{}
	stopCh  chan struct{}
	stopped bool
}

// New builds an agent for the given VM name and root enclosure name,
// speaking over channel. Call Start to boot it.
func New(vmName, rootName string, channel worker.Channel) *Agent {
	return &Agent{
		vmName:   vmName,
		rootName: rootName,
		channel:  channel,
		runtime:  goja.New(),
		roots:    make(map[string]*enclosure),
		calls:    tunnel.New(),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Spawn is the default in-process worker constructor: it wires a fresh
// agent to the supervisor through an in-memory pipe.
func Spawn(vmName, rootEnclosure string) (worker.Channel, error) {
	hostEnd, guestEnd := worker.NewPipe()
	a := New(vmName, rootEnclosure, guestEnd)
	if err := a.Start(); err != nil {
		_ = guestEnd.Kill()
		return nil, err
	}
	return hostEnd, nil
}

// Start creates the root enclosure, attaches to the channel, and
// resolves the boot tunnel with the internal boot duration.
func (a *Agent) Start() error {
	started := time.Now()
	if _, err := a.createEnclosure(a.rootName); err != nil {
		return err
	}
	if err := a.channel.Listen(a.route, a.fail); err != nil {
		return err
	}
	go a.dispatch()

	inside := float64(time.Since(started).Microseconds()) / 1000.0
	payload, _ := json.Marshal(inside)
	a.send(&protocol.Message{
		Name:    protocol.NameResolve,
		Tunnel:  protocol.Tunnel(protocol.BootTunnel),
		Payload: payload,
	})
	return nil
}

// Done is closed once the agent has shut down.
func (a *Agent) Done() <-chan struct{} { return a.stopCh }

// route runs on the channel pump goroutine. Replies to worker-initiated
// calls complete their tunnels directly; everything else queues for the
// dispatcher.
func (a *Agent) route(frame []byte) {
	m, err := protocol.Decode(frame)
	if err != nil {
		logging.Op().Warn("agent received malformed frame", "vm", a.vmName, "error", err)
		return
	}
	switch m.Name {
	case protocol.NameResolve, protocol.NameReject:
		if m.Tunnel == nil {
			logging.Op().Warn("agent reply frame without tunnel", "vm", a.vmName, "name", m.Name)
			return
		}
		var err error
		if m.Name == protocol.NameResolve {
			err = a.calls.Resolve(*m.Tunnel, m.Payload)
		} else {
			err = a.calls.Reject(*m.Tunnel, errors.New(m.Error))
		}
		if err != nil {
			logging.Op().Warn("agent reply for unknown tunnel", "vm", a.vmName, "tunnel", *m.Tunnel)
		}
	default:
		a.mu.Lock()
		if a.stopped {
			a.mu.Unlock()
			return
		}
		a.ops = append(a.ops, m)
		a.mu.Unlock()
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
}

// fail is the channel's asynchronous-error handler.
func (a *Agent) fail(err error) {
	logging.Op().Warn("agent channel failed", "vm", a.vmName, "error", err)
	a.stop(err)
}

func (a *Agent) stop(cause error) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.ops = nil
	a.mu.Unlock()
	if cause == nil {
		cause = errors.New("stopped")
	}
	a.calls.RejectAll(cause)
	close(a.stopCh)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) dispatch() {
	for {
		a.mu.Lock()
		ops := a.ops
		a.ops = nil
		stopped := a.stopped
		a.mu.Unlock()

		for _, m := range ops {
			a.handle(m)
		}
		if stopped {
			return
		}
		select {
		case <-a.stopCh:
			return
		case <-a.wake:
		}
	}
}

func (a *Agent) send(m *protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		logging.Op().Error("agent failed to encode frame", "vm", a.vmName, "name", m.Name, "error", err)
		return
	}
	if err := a.channel.Send(frame); err != nil {
		logging.Op().Warn("agent failed to send frame", "vm", a.vmName, "name", m.Name, "error", err)
	}
}

func (a *Agent) reply(tunnelID int, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		a.replyErr(tunnelID, fmt.Errorf("result is not serializable: %v", err))
		return
	}
	a.send(&protocol.Message{Name: protocol.NameResolve, Tunnel: protocol.Tunnel(tunnelID), Payload: raw})
}

func (a *Agent) replyRaw(tunnelID int, payload json.RawMessage) {
	a.send(&protocol.Message{Name: protocol.NameResolve, Tunnel: protocol.Tunnel(tunnelID), Payload: payload})
}

func (a *Agent) replyErr(tunnelID int, err error) {
	a.send(&protocol.Message{Name: protocol.NameReject, Tunnel: protocol.Tunnel(tunnelID), Error: err.Error()})
}

func (a *Agent) handle(m *protocol.Message) {
	if m.Name == protocol.NamePing {
		a.send(&protocol.Message{Name: protocol.NamePong})
		return
	}
	if m.Name == protocol.NameEmit {
		a.handleHostEmit(m)
		return
	}
	if m.Tunnel == nil {
		logging.Op().Warn("agent frame without tunnel", "vm", a.vmName, "name", m.Name)
		return
	}
	tunnelID := *m.Tunnel

	switch m.Name {
	case protocol.NameCreate:
		if _, err := a.createEnclosure(m.Enclosure); err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, nil)
	case protocol.NameDelete:
		deleted, err := a.deleteEnclosure(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, deleted)
	case protocol.NameMerge:
		if err := a.mergeEnclosure(m.Enclosure); err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, nil)
	case protocol.NameLink:
		src, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		dst, err := a.lookup(m.Target)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, a.linkEdge(src, dst))
	case protocol.NameUnlink:
		src, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, a.unlinkEdge(src, m.Target))
	case protocol.NameMute, protocol.NameUnmute:
		node, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		prev := node.muted
		node.muted = m.Name == protocol.NameMute
		a.reply(tunnelID, prev)
	case protocol.NameIsMuted:
		node, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, node.muted)
	case protocol.NameListRootEnclosures:
		names := make(map[string]struct{}, len(a.roots))
		for name := range a.roots {
			names[name] = struct{}{}
		}
		a.reply(tunnelID, sortedPaths(names))
	case protocol.NameListInstalled:
		node, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, node.listInstalled())
	case protocol.NameListLinksTo:
		node, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, sortedPaths(node.linksTo))
	case protocol.NameListLinkedFrom:
		node, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, sortedPaths(node.linkedFrom))
	case protocol.NameGetSubEnclosures:
		node, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, node.subEnclosures(m.Depth))
	case protocol.NamePredefine:
		node, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		if node.predefinedInScope(m.Function) {
			a.replyErr(tunnelID, fmt.Errorf("predefined %q already exists in %q", m.Function, m.Enclosure))
			return
		}
		node.predefined[m.Function] = m.Idx
		a.reply(tunnelID, nil)
	case protocol.NameInstall:
		node, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		if m.Dependency == nil {
			a.replyErr(tunnelID, errors.New("missing dependency"))
			return
		}
		if err := a.install(node, m.Dependency); err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.reply(tunnelID, nil)
	case protocol.NameExecute:
		node, err := a.lookup(m.Enclosure)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		if m.Dependency == nil {
			a.replyErr(tunnelID, errors.New("missing dependency"))
			return
		}
		var args map[string]json.RawMessage
		if len(m.Args) > 0 {
			if err := json.Unmarshal(m.Args, &args); err != nil {
				a.replyErr(tunnelID, fmt.Errorf("malformed arguments: %v", err))
				return
			}
		}
		payload, err := a.execute(node, m.Dependency, args)
		if err != nil {
			a.replyErr(tunnelID, err)
			return
		}
		a.replyRaw(tunnelID, payload)
	default:
		a.replyErr(tunnelID, fmt.Errorf("unknown message name %q", m.Name))
	}
}

// handleHostEmit delivers a host-originated event to the enclosure's
// listeners with link propagation.
func (a *Agent) handleHostEmit(m *protocol.Message) {
	node, err := a.lookup(m.Enclosure)
	if err != nil {
		logging.Op().Warn("agent emit for unknown enclosure", "vm", a.vmName, "enclosure", m.Enclosure)
		return
	}
	var rawArgs []json.RawMessage
	if len(m.Args) > 0 {
		if err := json.Unmarshal(m.Args, &rawArgs); err != nil {
			logging.Op().Warn("agent emit with malformed arguments", "vm", a.vmName, "error", err)
			return
		}
	}
	args := make([]goja.Value, 0, len(rawArgs))
	for _, raw := range rawArgs {
		val, err := a.jsonToValue(raw)
		if err != nil {
			logging.Op().Warn("agent emit with malformed argument", "vm", a.vmName, "error", err)
			return
		}
		args = append(args, val)
	}
	a.propagate(node, func(n *enclosure) {
		a.fireListeners(n, m.Event, args)
	})
}

// emitFromEnclosure handles a user-code emit: worker-side listeners see
// it with link propagation, and every reached enclosure forwards it to
// the host unless muted.
func (a *Agent) emitFromEnclosure(node *enclosure, event string, args []goja.Value) {
	wireArgs := make([]json.RawMessage, 0, len(args))
	serializable := true
	for _, arg := range args {
		raw, err := a.valueToJSON(arg)
		if err != nil {
			serializable = false
			break
		}
		wireArgs = append(wireArgs, raw)
	}
	var encoded json.RawMessage
	if serializable {
		encoded, _ = json.Marshal(wireArgs)
	}
	a.propagate(node, func(n *enclosure) {
		a.fireListeners(n, event, args)
		if serializable {
			a.send(&protocol.Message{
				Name:      protocol.NameEmit,
				Enclosure: n.path(),
				Event:     event,
				Args:      encoded,
			})
		}
	})
}

// callHost forwards a predefined invocation to the host and blocks
// until the reply or agent shutdown.
func (a *Agent) callHost(enclosurePath string, idx int, args []json.RawMessage) (json.RawMessage, error) {
	type result struct {
		payload json.RawMessage
		err     error
	}
	ch := make(chan result, 1)
	id := a.calls.Add(tunnel.Entry{
		Resolve: func(payload []byte) { ch <- result{payload: payload} },
		Reject:  func(err error) { ch <- result{err: err} },
	})
	encoded, _ := json.Marshal(args)
	a.send(&protocol.Message{
		Name:      protocol.NameCall,
		Enclosure: enclosurePath,
		Tunnel:    protocol.Tunnel(id),
		Idx:       idx,
		Args:      encoded,
	})
	select {
	case r := <-ch:
		return r.payload, r.err
	case <-a.stopCh:
		return nil, errors.New("stopped")
	}
}
