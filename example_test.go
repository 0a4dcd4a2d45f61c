package nomad_test

import (
	"context"
	"fmt"
	"time"

	nomad "github.com/oriys/nomad"
)

// Boot an in-process sandbox, install a dependency graph, and execute
// user code against it.
func Example() {
	ctx := context.Background()

	vm, err := nomad.New("example", nomad.WithPingInterval(0))
	if err != nil {
		panic(err)
	}
	defer vm.Stop(ctx)

	root, _, err := vm.Start(ctx, nil, time.Second, "root")
	if err != nil {
		panic(err)
	}

	base, err := nomad.NewDependency("base", "return 40;", nil)
	if err != nil {
		panic(err)
	}
	adder, err := nomad.From("function adder(b = base) { return b + 2; }", "")
	if err != nil {
		panic(err)
	}
	if err := root.InstallAll(ctx, []*nomad.Dependency{adder, base}); err != nil {
		panic(err)
	}

	result, err := root.Execute(ctx, adder, nil)
	if err != nil {
		panic(err)
	}
	fmt.Println(result)
	// Output: 42
}
