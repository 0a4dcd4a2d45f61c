package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/oriys/nomad/internal/eventbus"
)

// enclosure is one node of the worker-side enclosure tree. The tree
// owns its nodes; link edges are represented as path sets on the two
// endpoints and kept consistent through linkEdge/unlinkEdge only.
type enclosure struct {
	name       string
	parent     *enclosure
	children   map[string]*enclosure
	installed  map[string]goja.Value
	predefined map[string]int
	muted      bool
	linksTo    map[string]struct{}
	linkedFrom map[string]struct{}
	listeners  []*listener
	api        *goja.Object
}

type listener struct {
	filter  string
	matcher func(string) bool
	fn      goja.Callable
	raw     goja.Value
	once    bool
}

func newEnclosure(name string, parent *enclosure) *enclosure {
	return &enclosure{
		name:       name,
		parent:     parent,
		children:   make(map[string]*enclosure),
		installed:  make(map[string]goja.Value),
		predefined: make(map[string]int),
		linksTo:    make(map[string]struct{}),
		linkedFrom: make(map[string]struct{}),
	}
}

func (e *enclosure) path() string {
	if e.parent == nil {
		return e.name
	}
	return e.parent.path() + "." + e.name
}

// lookup resolves a dotted path against the forest of root enclosures.
func (a *Agent) lookup(path string) (*enclosure, error) {
	segs := strings.Split(path, ".")
	node, ok := a.roots[segs[0]]
	if !ok {
		return nil, fmt.Errorf("unknown enclosure %q", path)
	}
	for _, seg := range segs[1:] {
		node, ok = node.children[seg]
		if !ok {
			return nil, fmt.Errorf("unknown enclosure %q", path)
		}
	}
	return node, nil
}

// createEnclosure allocates the node at path. Every prefix must already
// exist except the final segment, which must not.
func (a *Agent) createEnclosure(path string) (*enclosure, error) {
	segs := strings.Split(path, ".")
	last := segs[len(segs)-1]
	if len(segs) == 1 {
		if _, ok := a.roots[last]; ok {
			return nil, fmt.Errorf("enclosure %q already exists", path)
		}
		node := newEnclosure(last, nil)
		a.roots[last] = node
		return node, nil
	}
	parent, err := a.lookup(strings.Join(segs[:len(segs)-1], "."))
	if err != nil {
		return nil, err
	}
	if _, ok := parent.children[last]; ok {
		return nil, fmt.Errorf("enclosure %q already exists", path)
	}
	node := newEnclosure(last, parent)
	parent.children[last] = node
	return node, nil
}

// deleteEnclosure removes the subtree rooted at path and returns the
// deleted paths, parents before children.
func (a *Agent) deleteEnclosure(path string) ([]string, error) {
	node, err := a.lookup(path)
	if err != nil {
		return nil, err
	}
	var deleted []string
	var walk func(n *enclosure)
	walk = func(n *enclosure) {
		deleted = append(deleted, n.path())
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			walk(n.children[name])
		}
	}
	walk(node)

	// Drop every link edge touching a deleted node before detaching.
	for _, p := range deleted {
		n, err := a.lookup(p)
		if err != nil {
			continue
		}
		for dst := range n.linksTo {
			a.unlinkEdge(n, dst)
		}
		for src := range n.linkedFrom {
			if source, err := a.lookup(src); err == nil {
				a.unlinkEdge(source, p)
			}
		}
	}

	if node.parent == nil {
		delete(a.roots, node.name)
	} else {
		delete(node.parent.children, node.name)
		node.parent = nil
	}
	return deleted, nil
}

// mergeEnclosure moves the node's installed and predefined maps into
// its parent and removes the node, rewriting its link edges onto the
// parent.
func (a *Agent) mergeEnclosure(path string) error {
	node, err := a.lookup(path)
	if err != nil {
		return err
	}
	if node.parent == nil {
		return fmt.Errorf("enclosure %q has no parent to merge into", path)
	}
	if len(node.children) > 0 {
		return fmt.Errorf("enclosure %q has sub enclosures", path)
	}
	parent := node.parent
	for name := range node.installed {
		if _, ok := parent.installed[name]; ok {
			return fmt.Errorf("dependency %q already installed in %q", name, parent.path())
		}
	}
	for name := range node.predefined {
		if _, ok := parent.predefined[name]; ok {
			return fmt.Errorf("predefined %q already exists in %q", name, parent.path())
		}
	}
	for name, artifact := range node.installed {
		parent.installed[name] = artifact
	}
	for name, idx := range node.predefined {
		parent.predefined[name] = idx
	}

	for dst := range node.linksTo {
		a.unlinkEdge(node, dst)
		if dst == path {
			// A self-link collapses onto the parent.
			a.linkEdge(parent, parent)
			continue
		}
		if target, err := a.lookup(dst); err == nil {
			a.linkEdge(parent, target)
		}
	}
	for src := range node.linkedFrom {
		if src == path {
			continue
		}
		if source, err := a.lookup(src); err == nil {
			a.unlinkEdge(source, path)
			a.linkEdge(source, parent)
		}
	}

	delete(parent.children, node.name)
	node.parent = nil
	return nil
}

// linkEdge adds src -> dst and its inverse index entry. Reports whether
// a new edge was added.
func (a *Agent) linkEdge(src, dst *enclosure) bool {
	dstPath := dst.path()
	if _, ok := src.linksTo[dstPath]; ok {
		return false
	}
	src.linksTo[dstPath] = struct{}{}
	dst.linkedFrom[src.path()] = struct{}{}
	return true
}

// unlinkEdge removes src -> dstPath and its inverse entry. Reports
// whether an edge was removed.
func (a *Agent) unlinkEdge(src *enclosure, dstPath string) bool {
	if _, ok := src.linksTo[dstPath]; !ok {
		return false
	}
	delete(src.linksTo, dstPath)
	if dst, err := a.lookup(dstPath); err == nil {
		delete(dst.linkedFrom, src.path())
	}
	return true
}

// listInstalled returns the names visible at node: its own installed
// and predefined entries plus every strict ancestor's, deduplicated.
func (e *enclosure) listInstalled() []string {
	seen := make(map[string]struct{})
	for n := e; n != nil; n = n.parent {
		for name := range n.installed {
			seen[name] = struct{}{}
		}
		for name := range n.predefined {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveArtifact finds the nearest installed artifact or predefined
// binding under name, walking the ancestor chain.
func (e *enclosure) resolveArtifact(name string) (goja.Value, int, bool) {
	for n := e; n != nil; n = n.parent {
		if v, ok := n.installed[name]; ok {
			return v, -1, true
		}
		if idx, ok := n.predefined[name]; ok {
			return nil, idx, true
		}
	}
	return nil, -1, false
}

// predefinedInScope reports whether name is predefined at node or any
// ancestor.
func (e *enclosure) predefinedInScope(name string) bool {
	for n := e; n != nil; n = n.parent {
		if _, ok := n.predefined[name]; ok {
			return true
		}
	}
	return false
}

// subEnclosures returns descendant paths up to depth levels below the
// node; depth 0 means unlimited.
func (e *enclosure) subEnclosures(depth int) []string {
	var paths []string
	var walk func(n *enclosure, level int)
	walk = func(n *enclosure, level int) {
		if depth > 0 && level > depth {
			return
		}
		if n != e {
			paths = append(paths, n.path())
		}
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			walk(n.children[name], level+1)
		}
	}
	walk(e, 0)
	return paths
}

func sortedPaths(set map[string]struct{}) []string {
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// propagate walks the link graph breadth-first from start, skipping
// muted and already-visited enclosures, and invokes fire on each node
// reached.
func (a *Agent) propagate(start *enclosure, fire func(n *enclosure)) {
	visited := make(map[*enclosure]struct{})
	queue := []*enclosure{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, ok := visited[n]; ok {
			continue
		}
		visited[n] = struct{}{}
		if n.muted {
			continue
		}
		fire(n)
		for _, dst := range sortedPaths(n.linksTo) {
			if target, err := a.lookup(dst); err == nil {
				queue = append(queue, target)
			}
		}
	}
}

// compileListenerFilter reuses the host bus filter syntax for
// worker-side listeners.
func compileListenerFilter(filter string) (func(string) bool, error) {
	re, err := eventbus.CompileFilter(filter)
	if err != nil {
		return nil, err
	}
	return re.MatchString, nil
}
