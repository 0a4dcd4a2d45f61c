package agent

import (
	"testing"

	"github.com/oriys/nomad/internal/worker"
)

// newTree builds an agent with a root enclosure and no running
// dispatcher, for exercising the tree operations directly.
func newTree(t *testing.T) *Agent {
	t.Helper()
	_, guest := worker.NewPipe()
	a := New("treetest", "root", guest)
	if _, err := a.createEnclosure("root"); err != nil {
		t.Fatalf("createEnclosure(root): %v", err)
	}
	return a
}

func (a *Agent) mustCreate(t *testing.T, path string) *enclosure {
	t.Helper()
	node, err := a.createEnclosure(path)
	if err != nil {
		t.Fatalf("createEnclosure(%q): %v", path, err)
	}
	return node
}

func TestPathInvariant(t *testing.T) {
	a := newTree(t)
	a.mustCreate(t, "root.a")
	node := a.mustCreate(t, "root.a.b")
	if node.path() != "root.a.b" {
		t.Fatalf("path = %q", node.path())
	}
	if node.parent.path()+"."+node.name != node.path() {
		t.Fatal("path must equal parent path plus name")
	}
}

func TestLinkEdgesStayConsistent(t *testing.T) {
	a := newTree(t)
	src := a.mustCreate(t, "root.src")
	dst := a.mustCreate(t, "root.dst")

	if !a.linkEdge(src, dst) {
		t.Fatal("first link should report a new edge")
	}
	if a.linkEdge(src, dst) {
		t.Fatal("second link should report an existing edge")
	}
	if _, ok := src.linksTo["root.dst"]; !ok {
		t.Fatal("linksTo missing")
	}
	if _, ok := dst.linkedFrom["root.src"]; !ok {
		t.Fatal("linkedFrom missing")
	}

	if !a.unlinkEdge(src, "root.dst") {
		t.Fatal("unlink should report a removal")
	}
	if a.unlinkEdge(src, "root.dst") {
		t.Fatal("second unlink should report nothing removed")
	}
	if len(src.linksTo) != 0 || len(dst.linkedFrom) != 0 {
		t.Fatal("edge sets must be consistent after unlink")
	}
}

func TestSelfLinkAllowed(t *testing.T) {
	a := newTree(t)
	node := a.mustCreate(t, "root.loop")
	if !a.linkEdge(node, node) {
		t.Fatal("self-link should be added")
	}
	if _, ok := node.linksTo["root.loop"]; !ok {
		t.Fatal("self edge missing")
	}
	if _, ok := node.linkedFrom["root.loop"]; !ok {
		t.Fatal("self inverse edge missing")
	}
}

func TestPropagationGuardsCycles(t *testing.T) {
	a := newTree(t)
	x := a.mustCreate(t, "root.x")
	y := a.mustCreate(t, "root.y")
	a.linkEdge(x, y)
	a.linkEdge(y, x)

	var visited []string
	a.propagate(x, func(n *enclosure) { visited = append(visited, n.path()) })
	if len(visited) != 2 || visited[0] != "root.x" || visited[1] != "root.y" {
		t.Fatalf("visited = %v", visited)
	}
}

func TestPropagationSkipsMuted(t *testing.T) {
	a := newTree(t)
	x := a.mustCreate(t, "root.x")
	y := a.mustCreate(t, "root.y")
	z := a.mustCreate(t, "root.z")
	a.linkEdge(x, y)
	a.linkEdge(y, z)
	y.muted = true

	var visited []string
	a.propagate(x, func(n *enclosure) { visited = append(visited, n.path()) })
	// A muted enclosure neither receives nor forwards.
	if len(visited) != 1 || visited[0] != "root.x" {
		t.Fatalf("visited = %v", visited)
	}
}

func TestDeleteCleansLinkEdges(t *testing.T) {
	a := newTree(t)
	keep := a.mustCreate(t, "root.keep")
	doomed := a.mustCreate(t, "root.doomed")
	a.linkEdge(keep, doomed)
	a.linkEdge(doomed, keep)

	deleted, err := a.deleteEnclosure("root.doomed")
	if err != nil {
		t.Fatalf("deleteEnclosure: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "root.doomed" {
		t.Fatalf("deleted = %v", deleted)
	}
	if len(keep.linksTo) != 0 {
		t.Fatalf("stale linksTo: %v", keep.linksTo)
	}
	if len(keep.linkedFrom) != 0 {
		t.Fatalf("stale linkedFrom: %v", keep.linkedFrom)
	}
}

func TestMergeRewritesLinks(t *testing.T) {
	a := newTree(t)
	parent := a.mustCreate(t, "root.parent")
	child := a.mustCreate(t, "root.parent.child")
	other := a.mustCreate(t, "root.other")
	a.linkEdge(child, other)
	a.linkEdge(other, child)

	if err := a.mergeEnclosure("root.parent.child"); err != nil {
		t.Fatalf("mergeEnclosure: %v", err)
	}
	if _, ok := parent.linksTo["root.other"]; !ok {
		t.Fatalf("outbound link not rewritten: %v", parent.linksTo)
	}
	if _, ok := other.linksTo["root.parent"]; !ok {
		t.Fatalf("inbound link not rewritten: %v", other.linksTo)
	}
	if _, ok := other.linkedFrom["root.parent"]; !ok {
		t.Fatalf("inverse index not rewritten: %v", other.linkedFrom)
	}
	if _, ok := parent.children["child"]; ok {
		t.Fatal("merged child still attached")
	}
}

func TestMergeCollisionRejected(t *testing.T) {
	a := newTree(t)
	parent := a.mustCreate(t, "root.p")
	child := a.mustCreate(t, "root.p.c")
	parent.predefined["shared"] = 1
	child.predefined["shared"] = 2

	if err := a.mergeEnclosure("root.p.c"); err == nil {
		t.Fatal("colliding predefined name should reject the merge")
	}
	// The failed merge must not have moved anything.
	if parent.predefined["shared"] != 1 {
		t.Fatal("parent entry clobbered by failed merge")
	}
	if _, ok := parent.children["c"]; !ok {
		t.Fatal("child detached by failed merge")
	}
}

func TestMergeWithChildrenRejected(t *testing.T) {
	a := newTree(t)
	a.mustCreate(t, "root.p")
	a.mustCreate(t, "root.p.c")
	if err := a.mergeEnclosure("root.p"); err == nil {
		t.Fatal("merging an enclosure with sub enclosures should fail")
	}
}

func TestListInstalledDeduplicates(t *testing.T) {
	a := newTree(t)
	root, _ := a.lookup("root")
	sub := a.mustCreate(t, "root.sub")
	root.installed["dup"] = nil
	sub.installed["dup"] = nil
	sub.installed["own"] = nil
	root.predefined["host"] = 0

	names := sub.listInstalled()
	want := []string{"dup", "host", "own"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}
