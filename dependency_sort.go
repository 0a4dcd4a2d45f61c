package nomad

import (
	"sort"
	"strings"
)

// SortDependencies orders deps so that every binding of every emitted
// dependency resolves to a name in installed or to a dependency emitted
// earlier. Dependencies becoming ready in the same pass keep their
// input order. When no linear order exists, the remaining names (the
// members of a cycle plus anything bound to an unknown name) are
// reported together as unresolved.
func SortDependencies(deps []*Dependency, installed map[string]struct{}) ([]*Dependency, error) {
	satisfied := make(map[string]struct{}, len(installed)+len(deps))
	for name := range installed {
		satisfied[name] = struct{}{}
	}

	remaining := make([]*Dependency, len(deps))
	copy(remaining, deps)
	sorted := make([]*Dependency, 0, len(deps))

	for len(remaining) > 0 {
		var next []*Dependency
		var ready []*Dependency
		for _, dep := range remaining {
			if bindingsSatisfied(dep, satisfied) {
				ready = append(ready, dep)
			} else {
				next = append(next, dep)
			}
		}
		if len(ready) == 0 {
			names := make([]string, 0, len(next))
			for _, dep := range next {
				names = append(names, dep.name)
			}
			sort.Strings(names)
			return nil, newError(KindOperation, "unresolved dependencies: %s", strings.Join(names, ", "))
		}
		for _, dep := range ready {
			sorted = append(sorted, dep)
			satisfied[dep.name] = struct{}{}
		}
		remaining = next
	}
	return sorted, nil
}

func bindingsSatisfied(dep *Dependency, satisfied map[string]struct{}) bool {
	for _, upstream := range dep.bindings {
		if _, ok := satisfied[upstream]; !ok {
			return false
		}
	}
	return true
}
