package nomad

import (
	"github.com/oriys/nomad/internal/protocol"
	"github.com/oriys/nomad/internal/validation"
)

// Dependency is an immutable unit of installable user code: a name, a
// function body, and a mapping from the body's parameter names to the
// upstream dependency names they bind to. Construct one with
// NewDependency or From; instances are freely shared and never mutated.
type Dependency struct {
	name     string
	body     string
	bindings map[string]string
}

// NewDependency validates each field and returns an immutable
// Dependency.
func NewDependency(name, body string, bindings map[string]string) (*Dependency, error) {
	if err := validation.Identifier(name); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if err := validation.FunctionCode(body); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if err := validation.DependencyMap(bindings); err != nil {
		return nil, wrapError(KindValidation, err)
	}
	copied := make(map[string]string, len(bindings))
	for param, upstream := range bindings {
		copied[param] = upstream
	}
	return &Dependency{name: name, body: body, bindings: copied}, nil
}

// From synthesizes a Dependency from a textual function representation.
// Every parameter must carry a default whose expression is the upstream
// dependency name; the dependency name is taken from name, or from the
// function's intrinsic name when name is empty.
func From(source, name string) (*Dependency, error) {
	fn, err := parseFunction(source)
	if err != nil {
		return nil, wrapError(KindValidation, err)
	}
	if name == "" {
		name = fn.name
	}
	if name == "" {
		return nil, newError(KindValidation, "dependency name is missing and the function is anonymous")
	}
	bindings := make(map[string]string, len(fn.params))
	for _, p := range fn.params {
		if p.def == "" {
			return nil, newError(KindValidation, "parameter %q has no default binding", p.name)
		}
		if err := validation.Identifier(p.def); err != nil {
			return nil, newError(KindValidation, "parameter %q default is not an identifier", p.name)
		}
		bindings[p.name] = p.def
	}
	return NewDependency(name, fn.body, bindings)
}

// Name returns the dependency name.
func (d *Dependency) Name() string { return d.name }

// Body returns the function body.
func (d *Dependency) Body() string { return d.body }

// Bindings returns a copy of the parameter-to-upstream mapping.
func (d *Dependency) Bindings() map[string]string {
	copied := make(map[string]string, len(d.bindings))
	for param, upstream := range d.bindings {
		copied[param] = upstream
	}
	return copied
}

func (d *Dependency) wire() *protocol.Dependency {
	return &protocol.Dependency{
		Name:         d.name,
		Code:         d.body,
		Dependencies: d.Bindings(),
	}
}
