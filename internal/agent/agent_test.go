package agent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/nomad/internal/protocol"
	"github.com/oriys/nomad/internal/worker"
)

// harness drives an agent at the frame level, playing the supervisor.
type harness struct {
	t       *testing.T
	channel worker.Channel
	frames  chan *protocol.Message
	next    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	channel, err := Spawn("vmtest", "root")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	h := &harness{t: t, channel: channel, frames: make(chan *protocol.Message, 64), next: 1}
	if err := channel.Listen(func(frame []byte) {
		m, err := protocol.Decode(frame)
		if err != nil {
			t.Errorf("malformed frame from agent: %v", err)
			return
		}
		h.frames <- m
	}, func(err error) {}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = channel.Kill() })

	boot := h.recv()
	if boot.Name != protocol.NameResolve || boot.Tunnel == nil || *boot.Tunnel != protocol.BootTunnel {
		t.Fatalf("expected boot resolve on tunnel %d, got %+v", protocol.BootTunnel, boot)
	}
	var inside float64
	if err := json.Unmarshal(boot.Payload, &inside); err != nil || inside < 0 {
		t.Fatalf("bad boot payload %s: %v", boot.Payload, err)
	}
	return h
}

func (h *harness) send(m *protocol.Message) {
	h.t.Helper()
	frame, err := protocol.Encode(m)
	if err != nil {
		h.t.Fatalf("Encode: %v", err)
	}
	if err := h.channel.Send(frame); err != nil {
		h.t.Fatalf("Send: %v", err)
	}
}

func (h *harness) recv() *protocol.Message {
	h.t.Helper()
	select {
	case m := <-h.frames:
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// roundTrip posts m on a fresh tunnel and returns the matching reply,
// failing the test on a reject; tryRoundTrip returns rejects as well.
func (h *harness) roundTrip(m *protocol.Message) *protocol.Message {
	h.t.Helper()
	reply := h.tryRoundTrip(m)
	if reply.Name != protocol.NameResolve {
		h.t.Fatalf("%s rejected: %s", m.Name, reply.Error)
	}
	return reply
}

func (h *harness) tryRoundTrip(m *protocol.Message) *protocol.Message {
	h.t.Helper()
	id := h.next
	h.next++
	m.Tunnel = protocol.Tunnel(id)
	h.send(m)
	for {
		reply := h.recv()
		if reply.Tunnel != nil && *reply.Tunnel == id &&
			(reply.Name == protocol.NameResolve || reply.Name == protocol.NameReject) {
			return reply
		}
	}
}

func decodeList(t *testing.T, payload json.RawMessage) []string {
	t.Helper()
	var list []string
	if err := json.Unmarshal(payload, &list); err != nil {
		t.Fatalf("bad list payload %s: %v", payload, err)
	}
	return list
}

func TestPingPong(t *testing.T) {
	h := newHarness(t)
	h.send(&protocol.Message{Name: protocol.NamePing})
	if m := h.recv(); m.Name != protocol.NamePong {
		t.Fatalf("expected pong, got %+v", m)
	}
}

func TestCreateAndDuplicate(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.sub"})
	if reply := h.tryRoundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.sub"}); reply.Name != protocol.NameReject {
		t.Fatal("duplicate create should be rejected")
	}
	if reply := h.tryRoundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.missing.deep"}); reply.Name != protocol.NameReject {
		t.Fatal("create with a missing prefix should be rejected")
	}
}

func TestInstallAndExecute(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NameInstall, Enclosure: "root", Dependency: &protocol.Dependency{
		Name: "seven", Code: "return 7;", Dependencies: map[string]string{},
	}})
	h.roundTrip(&protocol.Message{Name: protocol.NameInstall, Enclosure: "root", Dependency: &protocol.Dependency{
		Name: "eight", Code: "return y + 1;", Dependencies: map[string]string{"y": "seven"},
	}})

	args, _ := json.Marshal(map[string]json.RawMessage{"n": json.RawMessage("4")})
	reply := h.roundTrip(&protocol.Message{Name: protocol.NameExecute, Enclosure: "root", Dependency: &protocol.Dependency{
		Name: "adder", Code: "return x + n;", Dependencies: map[string]string{"x": "eight"},
	}, Args: args})
	var result float64
	if err := json.Unmarshal(reply.Payload, &result); err != nil || result != 12 {
		t.Fatalf("execute result = %s, want 12", reply.Payload)
	}
}

func TestInstallUnresolvedBinding(t *testing.T) {
	h := newHarness(t)
	reply := h.tryRoundTrip(&protocol.Message{Name: protocol.NameInstall, Enclosure: "root", Dependency: &protocol.Dependency{
		Name: "broken", Code: "return x;", Dependencies: map[string]string{"x": "nowhere"},
	}})
	if reply.Name != protocol.NameReject {
		t.Fatal("unresolved binding should be rejected")
	}
}

func TestExecuteThrownError(t *testing.T) {
	h := newHarness(t)
	reply := h.tryRoundTrip(&protocol.Message{Name: protocol.NameExecute, Enclosure: "root", Dependency: &protocol.Dependency{
		Name: "boom", Code: "throw new Error('user failure');", Dependencies: map[string]string{},
	}})
	if reply.Name != protocol.NameReject {
		t.Fatal("thrown error should reject")
	}
	if reply.Error == "" {
		t.Fatal("reject should carry the thrown message")
	}
}

func TestAncestorVisibility(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.sub"})
	h.roundTrip(&protocol.Message{Name: protocol.NameInstall, Enclosure: "root", Dependency: &protocol.Dependency{
		Name: "base", Code: "return 1;", Dependencies: map[string]string{},
	}})

	reply := h.roundTrip(&protocol.Message{Name: protocol.NameListInstalled, Enclosure: "root.sub"})
	list := decodeList(t, reply.Payload)
	if len(list) != 1 || list[0] != "base" {
		t.Fatalf("listInstalled = %v, want [base]", list)
	}

	// The child resolves the ancestor's artifact.
	reply = h.roundTrip(&protocol.Message{Name: protocol.NameExecute, Enclosure: "root.sub", Dependency: &protocol.Dependency{
		Name: "uses", Code: "return b + 1;", Dependencies: map[string]string{"b": "base"},
	}})
	var result float64
	if err := json.Unmarshal(reply.Payload, &result); err != nil || result != 2 {
		t.Fatalf("execute result = %s, want 2", reply.Payload)
	}
}

func TestNearestAncestorWins(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.sub"})
	h.roundTrip(&protocol.Message{Name: protocol.NameInstall, Enclosure: "root", Dependency: &protocol.Dependency{
		Name: "v", Code: "return 'outer';", Dependencies: map[string]string{},
	}})
	h.roundTrip(&protocol.Message{Name: protocol.NameInstall, Enclosure: "root.sub", Dependency: &protocol.Dependency{
		Name: "v", Code: "return 'inner';", Dependencies: map[string]string{},
	}})

	reply := h.roundTrip(&protocol.Message{Name: protocol.NameExecute, Enclosure: "root.sub", Dependency: &protocol.Dependency{
		Name: "read", Code: "return x;", Dependencies: map[string]string{"x": "v"},
	}})
	var result string
	if err := json.Unmarshal(reply.Payload, &result); err != nil || result != "inner" {
		t.Fatalf("execute result = %s, want inner", reply.Payload)
	}
}

func TestPredefineCallRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NamePredefine, Enclosure: "root", Idx: 5, Function: "dbl"})

	// Execute user code that invokes the predefined; the agent must
	// emit a call frame and block until our reply.
	execDone := make(chan *protocol.Message, 1)
	id := h.next
	h.next++
	execMsg := &protocol.Message{Name: protocol.NameExecute, Enclosure: "root", Dependency: &protocol.Dependency{
		Name: "caller", Code: "return d(21);", Dependencies: map[string]string{"d": "dbl"},
	}, Tunnel: protocol.Tunnel(id)}
	h.send(execMsg)

	call := h.recv()
	if call.Name != protocol.NameCall {
		t.Fatalf("expected call frame, got %+v", call)
	}
	if call.Idx != 5 || call.Enclosure != "root" {
		t.Fatalf("call = %+v", call)
	}
	var callArgs []float64
	if err := json.Unmarshal(call.Args, &callArgs); err != nil || len(callArgs) != 1 || callArgs[0] != 21 {
		t.Fatalf("call args = %s", call.Args)
	}

	go func() {
		h.send(&protocol.Message{Name: protocol.NameResolve, Tunnel: call.Tunnel, Payload: json.RawMessage("42")})
		execDone <- nil
	}()
	reply := h.recv()
	<-execDone
	if reply.Name != protocol.NameResolve || reply.Tunnel == nil || *reply.Tunnel != id {
		t.Fatalf("expected execute resolve, got %+v", reply)
	}
	var result float64
	if err := json.Unmarshal(reply.Payload, &result); err != nil || result != 42 {
		t.Fatalf("execute result = %s, want 42", reply.Payload)
	}
}

func TestPredefineDuplicateRejected(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NamePredefine, Enclosure: "root", Idx: 0, Function: "fn"})
	if reply := h.tryRoundTrip(&protocol.Message{Name: protocol.NamePredefine, Enclosure: "root", Idx: 1, Function: "fn"}); reply.Name != protocol.NameReject {
		t.Fatal("duplicate predefine should be rejected")
	}
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.sub"})
	if reply := h.tryRoundTrip(&protocol.Message{Name: protocol.NamePredefine, Enclosure: "root.sub", Idx: 2, Function: "fn"}); reply.Name != protocol.NameReject {
		t.Fatal("predefine shadowing an ancestor should be rejected")
	}
}

func TestLinkPropagationAndMute(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.a"})
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.b"})

	reply := h.roundTrip(&protocol.Message{Name: protocol.NameLink, Enclosure: "root.a", Target: "root.b"})
	var added bool
	if err := json.Unmarshal(reply.Payload, &added); err != nil || !added {
		t.Fatalf("link reply = %s, want true", reply.Payload)
	}
	reply = h.roundTrip(&protocol.Message{Name: protocol.NameLink, Enclosure: "root.a", Target: "root.b"})
	if err := json.Unmarshal(reply.Payload, &added); err != nil || added {
		t.Fatalf("second link reply = %s, want false", reply.Payload)
	}

	// A listener in root.b relays anything it sees.
	h.roundTrip(&protocol.Message{Name: protocol.NameInstall, Enclosure: "root.b", Dependency: &protocol.Dependency{
		Name: "relay", Code: "enclosure.on('signal', function () { enclosure.emit('relayed'); }); return true;", Dependencies: map[string]string{},
	}})

	// A host emit into root.a reaches root.b over the link.
	h.send(&protocol.Message{Name: protocol.NameEmit, Enclosure: "root.a", Event: "signal"})
	emitted := h.recv()
	if emitted.Name != protocol.NameEmit || emitted.Enclosure != "root.b" || emitted.Event != "relayed" {
		t.Fatalf("expected relayed emit from root.b, got %+v", emitted)
	}

	// Muting root.b suppresses both delivery and host propagation.
	h.roundTrip(&protocol.Message{Name: protocol.NameMute, Enclosure: "root.b"})
	h.send(&protocol.Message{Name: protocol.NameEmit, Enclosure: "root.a", Event: "signal"})
	h.send(&protocol.Message{Name: protocol.NamePing})
	if m := h.recv(); m.Name != protocol.NamePong {
		t.Fatalf("muted enclosure still produced %+v", m)
	}

	// Unmute reports the previous value and restores delivery.
	reply = h.roundTrip(&protocol.Message{Name: protocol.NameUnmute, Enclosure: "root.b"})
	var prev bool
	if err := json.Unmarshal(reply.Payload, &prev); err != nil || !prev {
		t.Fatalf("unmute previous = %s, want true", reply.Payload)
	}
	h.send(&protocol.Message{Name: protocol.NameEmit, Enclosure: "root.a", Event: "signal"})
	emitted = h.recv()
	if emitted.Event != "relayed" {
		t.Fatalf("expected relayed emit after unmute, got %+v", emitted)
	}
}

func TestDeleteSubtree(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.x"})
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.x.y"})

	reply := h.roundTrip(&protocol.Message{Name: protocol.NameDelete, Enclosure: "root.x"})
	deleted := decodeList(t, reply.Payload)
	if len(deleted) != 2 || deleted[0] != "root.x" || deleted[1] != "root.x.y" {
		t.Fatalf("deleted = %v", deleted)
	}
	if r := h.tryRoundTrip(&protocol.Message{Name: protocol.NameListInstalled, Enclosure: "root.x"}); r.Name != protocol.NameReject {
		t.Fatal("deleted enclosure should be unknown")
	}
}

func TestMergeIntoParent(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "root.m"})
	h.roundTrip(&protocol.Message{Name: protocol.NameInstall, Enclosure: "root.m", Dependency: &protocol.Dependency{
		Name: "merged", Code: "return 3;", Dependencies: map[string]string{},
	}})
	h.roundTrip(&protocol.Message{Name: protocol.NameMerge, Enclosure: "root.m"})

	reply := h.roundTrip(&protocol.Message{Name: protocol.NameListInstalled, Enclosure: "root"})
	list := decodeList(t, reply.Payload)
	if len(list) != 1 || list[0] != "merged" {
		t.Fatalf("listInstalled after merge = %v", list)
	}
	if r := h.tryRoundTrip(&protocol.Message{Name: protocol.NameListInstalled, Enclosure: "root.m"}); r.Name != protocol.NameReject {
		t.Fatal("merged enclosure should be gone")
	}
}

func TestMergeRootRejected(t *testing.T) {
	h := newHarness(t)
	if reply := h.tryRoundTrip(&protocol.Message{Name: protocol.NameMerge, Enclosure: "root"}); reply.Name != protocol.NameReject {
		t.Fatal("merging the root should be rejected")
	}
}

func TestSubEnclosuresDepth(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"root.a", "root.a.b", "root.a.b.c", "root.d"} {
		h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: path})
	}

	reply := h.roundTrip(&protocol.Message{Name: protocol.NameGetSubEnclosures, Enclosure: "root", Depth: 1})
	if got := decodeList(t, reply.Payload); len(got) != 2 || got[0] != "root.a" || got[1] != "root.d" {
		t.Fatalf("depth 1 = %v", got)
	}

	reply = h.roundTrip(&protocol.Message{Name: protocol.NameGetSubEnclosures, Enclosure: "root"})
	if got := decodeList(t, reply.Payload); len(got) != 4 {
		t.Fatalf("unlimited depth = %v", got)
	}
}

func TestListRootEnclosures(t *testing.T) {
	h := newHarness(t)
	h.roundTrip(&protocol.Message{Name: protocol.NameCreate, Enclosure: "extra"})
	reply := h.roundTrip(&protocol.Message{Name: protocol.NameListRootEnclosures})
	if got := decodeList(t, reply.Payload); len(got) != 2 || got[0] != "extra" || got[1] != "root" {
		t.Fatalf("roots = %v", got)
	}
}

func TestUnknownFrameRejected(t *testing.T) {
	h := newHarness(t)
	if reply := h.tryRoundTrip(&protocol.Message{Name: "bogus"}); reply.Name != protocol.NameReject {
		t.Fatalf("unknown frame should be rejected, got %+v", reply)
	}
}
