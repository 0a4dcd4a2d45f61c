package nomad

import "context"

// Enclosure is a host-side handle binding a VM to one enclosure path.
// It owns nothing and is cheap to construct and copy; every method
// forwards to the corresponding VM method with the path pre-supplied.
// Two handles are equal when they reference the same VM and path.
type Enclosure struct {
	vm   *VM
	path string
}

// NewEnclosure builds a handle without touching the worker; the path
// is not checked for existence.
func NewEnclosure(vm *VM, path string) *Enclosure {
	return &Enclosure{vm: vm, path: path}
}

// VM returns the supervised VM.
func (e *Enclosure) VM() *VM { return e.vm }

// Path returns the enclosure path.
func (e *Enclosure) Path() string { return e.path }

// Equal reports structural equality on (vm identity, path).
func (e *Enclosure) Equal(other *Enclosure) bool {
	return other != nil && e.vm == other.vm && e.path == other.path
}

// Sub returns a handle for the child enclosure under name.
func (e *Enclosure) Sub(name string) *Enclosure {
	return &Enclosure{vm: e.vm, path: e.path + "." + name}
}

// CreateSub creates a child enclosure under name and returns its
// handle.
func (e *Enclosure) CreateSub(ctx context.Context, name string) (*Enclosure, error) {
	return e.vm.CreateEnclosure(ctx, e.path+"."+name)
}

// Delete removes this enclosure's subtree and returns the deleted
// paths.
func (e *Enclosure) Delete(ctx context.Context) ([]string, error) {
	return e.vm.DeleteEnclosure(ctx, e.path)
}

// Merge merges this enclosure into its parent.
func (e *Enclosure) Merge(ctx context.Context) error {
	return e.vm.MergeEnclosure(ctx, e.path)
}

// Link adds a link edge from this enclosure to dst.
func (e *Enclosure) Link(ctx context.Context, dst string) (bool, error) {
	return e.vm.Link(ctx, e.path, dst)
}

// Unlink removes the link edge from this enclosure to dst.
func (e *Enclosure) Unlink(ctx context.Context, dst string) (bool, error) {
	return e.vm.Unlink(ctx, e.path, dst)
}

// Mute suppresses event propagation for this enclosure.
func (e *Enclosure) Mute(ctx context.Context) (bool, error) {
	return e.vm.Mute(ctx, e.path)
}

// Unmute re-enables event propagation for this enclosure.
func (e *Enclosure) Unmute(ctx context.Context) (bool, error) {
	return e.vm.Unmute(ctx, e.path)
}

// IsMuted reports this enclosure's mute flag.
func (e *Enclosure) IsMuted(ctx context.Context) (bool, error) {
	return e.vm.IsMuted(ctx, e.path)
}

// ListInstalled returns the dependency names visible here, including
// inherited ones.
func (e *Enclosure) ListInstalled(ctx context.Context) ([]string, error) {
	return e.vm.ListInstalled(ctx, e.path)
}

// ListLinksTo returns the paths this enclosure links to.
func (e *Enclosure) ListLinksTo(ctx context.Context) ([]string, error) {
	return e.vm.ListLinksTo(ctx, e.path)
}

// ListLinkedFrom returns the paths linking to this enclosure.
func (e *Enclosure) ListLinkedFrom(ctx context.Context) ([]string, error) {
	return e.vm.ListLinkedFrom(ctx, e.path)
}

// GetSubEnclosures returns descendant paths up to depth levels deep;
// depth 0 means unlimited.
func (e *Enclosure) GetSubEnclosures(ctx context.Context, depth int) ([]string, error) {
	return e.vm.GetSubEnclosures(ctx, e.path, depth)
}

// Predefine registers fn under name in this enclosure.
func (e *Enclosure) Predefine(ctx context.Context, name string, fn PredefinedFunc) (int, error) {
	return e.vm.Predefine(ctx, e.path, name, fn)
}

// Install installs dep into this enclosure.
func (e *Enclosure) Install(ctx context.Context, dep *Dependency) error {
	return e.vm.Install(ctx, e.path, dep)
}

// InstallAll installs deps into this enclosure atomically.
func (e *Enclosure) InstallAll(ctx context.Context, deps []*Dependency) error {
	return e.vm.InstallAll(ctx, e.path, deps)
}

// Execute invokes dep here with args mapped by name.
func (e *Enclosure) Execute(ctx context.Context, dep *Dependency, args map[string]any) (any, error) {
	return e.vm.Execute(ctx, e.path, dep, args)
}

// EmitEvent fires event into this enclosure inside the worker.
func (e *Enclosure) EmitEvent(event string, args ...any) error {
	return e.vm.EmitEvent(e.path, event, args...)
}
