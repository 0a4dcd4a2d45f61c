package nomad

import "testing"

func TestRemoveCommentsContexts(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a // gone\nb", "a \nb"},
		{"a /* gone */ b", "a   b"},
		{`"a // kept"`, `"a // kept"`},
		{`'a /* kept */'`, `'a /* kept */'`},
		{"`a // kept`", "`a // kept`"},
		{`x = /a\/b/; // gone`, `x = /a\/b/; `},
		{`x = /[/]/;`, `x = /[/]/;`},
		{"a / b // gone", "a / b "},
		{`"\" // kept"`, `"\" // kept"`},
	}
	for _, c := range cases {
		if got := removeComments(c.in); got != c.want {
			t.Errorf("removeComments(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseFunctionPrimitive(t *testing.T) {
	fn, err := parseFunction("function mix(a, b = up) { return a + b; }")
	if err != nil {
		t.Fatalf("parseFunction: %v", err)
	}
	if fn.name != "mix" {
		t.Fatalf("name = %q", fn.name)
	}
	if len(fn.params) != 2 {
		t.Fatalf("params = %v", fn.params)
	}
	// The primitive layer accepts defaultless parameters with empty
	// binding strings; the from layer rejects them.
	if fn.params[0].name != "a" || fn.params[0].def != "" {
		t.Fatalf("params[0] = %+v", fn.params[0])
	}
	if fn.params[1].name != "b" || fn.params[1].def != "up" {
		t.Fatalf("params[1] = %+v", fn.params[1])
	}
	if fn.body != "return a + b;" {
		t.Fatalf("body = %q", fn.body)
	}
}

func TestParseFunctionAsync(t *testing.T) {
	fn, err := parseFunction("async function later(x = dep) { return x; }")
	if err != nil {
		t.Fatalf("parseFunction: %v", err)
	}
	if fn.name != "later" || fn.params[0].def != "dep" {
		t.Fatalf("parsed = %+v", fn)
	}
}

func TestParseFunctionNestedBraces(t *testing.T) {
	fn, err := parseFunction("function outer() { if (true) { return { a: 1 }; } return null; }")
	if err != nil {
		t.Fatalf("parseFunction: %v", err)
	}
	if fn.body != "if (true) { return { a: 1 }; } return null;" {
		t.Fatalf("body = %q", fn.body)
	}
}

func TestParseFunctionDefaultWithCommas(t *testing.T) {
	// A structured default must not split the parameter list.
	fn, err := parseFunction("function f(a = g(1, 2), b = up) { return b; }")
	if err != nil {
		t.Fatalf("parseFunction: %v", err)
	}
	if len(fn.params) != 2 {
		t.Fatalf("params = %v", fn.params)
	}
	if fn.params[0].def != "g(1, 2)" {
		t.Fatalf("params[0].def = %q", fn.params[0].def)
	}
}

func TestParseFunctionErrors(t *testing.T) {
	for _, src := range []string{"", "nonsense", "function f(", "function f() "} {
		if _, err := parseFunction(src); err == nil {
			t.Errorf("parseFunction(%q) should fail", src)
		}
	}
}
