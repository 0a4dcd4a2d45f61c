// Package validation holds the pure predicates every public entry point
// runs before any state is touched or any frame hits the wire.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
)

const (
	// MaxTimeDelta bounds every user-supplied duration in milliseconds.
	MaxTimeDelta = 1 << 30

	// maxSafeInteger mirrors the largest integer the wire format can
	// round-trip without loss.
	maxSafeInteger = 1<<53 - 1
)

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	eventNameRe  = regexp.MustCompile(`^[A-Za-z0-9_/.-]+(?::[A-Za-z0-9_/.-]+)*$`)
	eventSegRe   = regexp.MustCompile(`^[A-Za-z0-9_/.-]+$`)
)

// reservedWords are the sandbox language keywords plus the well-known
// global object names the sandbox exposes; none may name a dependency,
// a binding, or an enclosure segment.
var reservedWords = map[string]struct{}{}

func init() {
	words := []string{
		// keywords, including strict-mode and future reservations
		"arguments", "await", "break", "case", "catch", "class", "const",
		"continue", "debugger", "default", "delete", "do", "else", "enum",
		"eval", "export", "extends", "false", "finally", "for", "function",
		"if", "implements", "import", "in", "instanceof", "interface",
		"let", "new", "null", "package", "private", "protected", "public",
		"return", "static", "super", "switch", "this", "throw", "true",
		"try", "typeof", "var", "void", "while", "with", "yield",
		// globals the sandbox exposes
		"globalThis", "Infinity", "NaN", "undefined", "Object", "Function",
		"Boolean", "Symbol", "Error", "EvalError", "RangeError",
		"ReferenceError", "SyntaxError", "TypeError", "URIError", "Number",
		"BigInt", "Math", "Date", "String", "RegExp", "Array",
		"ArrayBuffer", "DataView", "Int8Array", "Uint8Array",
		"Uint8ClampedArray", "Int16Array", "Uint16Array", "Int32Array",
		"Uint32Array", "Float32Array", "Float64Array", "BigInt64Array",
		"BigUint64Array", "Map", "Set", "WeakMap", "WeakSet", "Promise",
		"Proxy", "Reflect", "JSON", "parseFloat", "parseInt", "isNaN",
		"isFinite", "decodeURI", "decodeURIComponent", "encodeURI",
		"encodeURIComponent", "escape", "unescape",
	}
	for _, w := range words {
		reservedWords[w] = struct{}{}
	}
}

// Identifier validates a dependency, binding, argument, or enclosure
// segment name.
func Identifier(name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("identifier %q fails to adhere to [A-Za-z][A-Za-z0-9_]*", name)
	}
	if _, ok := reservedWords[name]; ok {
		return fmt.Errorf("identifier %q is a reserved word", name)
	}
	return nil
}

// Enclosure validates a dotted enclosure path: identifier(.identifier)*.
func Enclosure(path string) error {
	if path == "" {
		return fmt.Errorf("enclosure path is empty")
	}
	for _, seg := range strings.Split(path, ".") {
		if err := Identifier(seg); err != nil {
			return fmt.Errorf("enclosure path %q: %w", path, err)
		}
	}
	return nil
}

// EventName validates a colon-separated event name.
func EventName(name string) error {
	if !eventNameRe.MatchString(name) {
		return fmt.Errorf("event name %q fails to adhere to [A-Za-z0-9_/.-]+(:[A-Za-z0-9_/.-]+)*", name)
	}
	return nil
}

// EventFilter validates an event filter: event-name segments where a
// segment may additionally be "*" (exactly one segment) or "**" (zero or
// more segments), with no two consecutive "**".
func EventFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("event filter is empty")
	}
	segs := strings.Split(filter, ":")
	prevDouble := false
	for _, seg := range segs {
		switch seg {
		case "*":
			prevDouble = false
		case "**":
			if prevDouble {
				return fmt.Errorf("event filter %q contains consecutive **", filter)
			}
			prevDouble = true
		default:
			if !eventSegRe.MatchString(seg) {
				return fmt.Errorf("event filter %q has invalid segment %q", filter, seg)
			}
			prevDouble = false
		}
	}
	return nil
}

// FunctionCode validates a dependency body: printable ASCII plus
// TAB/LF/FF/CR, and compilable as a strict-mode function body.
func FunctionCode(code string) error {
	for _, r := range code {
		if r >= 0x20 && r <= 0x7e {
			continue
		}
		switch r {
		case '\t', '\n', '\f', '\r':
			continue
		}
		return fmt.Errorf("function code contains disallowed character %q", r)
	}
	if _, err := goja.Compile("", "\"use strict\"; (function() {\n"+code+"\n});", true); err != nil {
		return fmt.Errorf("function code does not parse: %v", err)
	}
	return nil
}

// DependencyMap validates a bindings map: every key and value passes the
// identifier rule.
func DependencyMap(bindings map[string]string) error {
	for param, upstream := range bindings {
		if err := Identifier(param); err != nil {
			return fmt.Errorf("binding parameter: %w", err)
		}
		if err := Identifier(upstream); err != nil {
			return fmt.Errorf("binding %q: %w", param, err)
		}
	}
	return nil
}

// ArgumentsMap validates execute arguments: every key passes the
// identifier rule.
func ArgumentsMap(args map[string]any) error {
	for name := range args {
		if err := Identifier(name); err != nil {
			return fmt.Errorf("argument: %w", err)
		}
	}
	return nil
}

// NonNegativeInteger validates a safe non-negative integer.
func NonNegativeInteger(n int64) error {
	if n < 0 {
		return fmt.Errorf("integer %d is negative", n)
	}
	if n > maxSafeInteger {
		return fmt.Errorf("integer %d exceeds the safe range", n)
	}
	return nil
}

// TimeDelta validates a duration in milliseconds: non-negative and at
// most MaxTimeDelta.
func TimeDelta(ms int64) error {
	if err := NonNegativeInteger(ms); err != nil {
		return err
	}
	if ms > MaxTimeDelta {
		return fmt.Errorf("time delta %d exceeds %d", ms, int64(MaxTimeDelta))
	}
	return nil
}
