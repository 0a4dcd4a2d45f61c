package nomad

import (
	"fmt"
	"strings"
)

// parsedFunction is the primitive extraction result: intrinsic name,
// parameters with raw default expressions (empty when absent), and the
// function body.
type parsedFunction struct {
	name   string
	params []parsedParam
	body   string
}

type parsedParam struct {
	name string
	def  string
}

// removeComments strips // and /* */ comments from a textual function
// representation, honoring string, template, and regex literal
// contexts so their contents are never mistaken for comments.
func removeComments(src string) string {
	var sb strings.Builder
	sb.Grow(len(src))
	i := 0
	// prev tracks the last significant character, to tell a regex
	// literal from a division operator.
	prev := byte(0)
	for i < len(src) {
		c := src[i]
		switch c {
		case '\'', '"', '`':
			quote := c
			sb.WriteByte(c)
			i++
			for i < len(src) {
				sb.WriteByte(src[i])
				if src[i] == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == quote {
					i++
					break
				}
				i++
			}
			prev = quote
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				for i < len(src) && src[i] != '\n' {
					i++
				}
				continue
			}
			if i+1 < len(src) && src[i+1] == '*' {
				i += 2
				for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
					i++
				}
				i += 2
				sb.WriteByte(' ')
				continue
			}
			if regexCanFollow(prev) {
				// Regex literal: copy through the closing slash,
				// honoring escapes and character classes.
				sb.WriteByte(c)
				i++
				inClass := false
				for i < len(src) {
					sb.WriteByte(src[i])
					if src[i] == '\\' && i+1 < len(src) {
						sb.WriteByte(src[i+1])
						i += 2
						continue
					}
					if src[i] == '[' {
						inClass = true
					} else if src[i] == ']' {
						inClass = false
					} else if src[i] == '/' && !inClass {
						i++
						break
					}
					i++
				}
				prev = '/'
				continue
			}
			sb.WriteByte(c)
			prev = c
			i++
		default:
			sb.WriteByte(c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' && c != '\f' {
				prev = c
			}
			i++
		}
	}
	return sb.String()
}

// regexCanFollow reports whether a slash after prev starts a regex
// literal rather than a division.
func regexCanFollow(prev byte) bool {
	switch prev {
	case 0, '(', ',', '=', ':', '[', '!', '&', '|', '?', '{', ';', '\n', '<', '>', '+', '-', '*', '%', '^', '~':
		return true
	}
	return false
}

// parseFunction extracts the name, parameter list, and body from a
// textual function representation: function declarations/expressions,
// arrow functions, and their async variants.
func parseFunction(source string) (*parsedFunction, error) {
	src := strings.TrimSpace(removeComments(source))
	name := ""

	rest := src
	if cut, ok := strings.CutPrefix(rest, "async"); ok && startsWithBoundary(cut) {
		rest = strings.TrimSpace(cut)
	}
	if cut, ok := strings.CutPrefix(rest, "function"); ok && (cut == "" || startsWithBoundary(cut) || cut[0] == '*') {
		rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cut), "*"))
		if idx := strings.IndexByte(rest, '('); idx > 0 {
			name = strings.TrimSpace(rest[:idx])
		}
	}

	open := strings.IndexByte(rest, '(')
	if open < 0 {
		return nil, fmt.Errorf("function has no parameter list")
	}
	closing, err := matchParen(rest, open)
	if err != nil {
		return nil, err
	}
	params, err := splitParams(rest[open+1 : closing])
	if err != nil {
		return nil, err
	}

	tail := strings.TrimSpace(rest[closing+1:])
	if arrow, ok := strings.CutPrefix(tail, "=>"); ok {
		tail = strings.TrimSpace(arrow)
		if strings.HasPrefix(tail, "{") {
			body, err := braceBody(tail)
			if err != nil {
				return nil, err
			}
			return &parsedFunction{name: name, params: params, body: body}, nil
		}
		return &parsedFunction{name: name, params: params, body: "return " + strings.TrimSuffix(tail, ";") + ";"}, nil
	}
	if !strings.HasPrefix(tail, "{") {
		return nil, fmt.Errorf("function has no body")
	}
	body, err := braceBody(tail)
	if err != nil {
		return nil, err
	}
	return &parsedFunction{name: name, params: params, body: body}, nil
}

func startsWithBoundary(s string) bool {
	return s != "" && (s[0] == ' ' || s[0] == '\t' || s[0] == '\n' || s[0] == '\r' || s[0] == '(')
}

// matchParen returns the index of the parenthesis closing the one at
// open, skipping string literals.
func matchParen(src string, open int) (int, error) {
	depth := 0
	for i := open; i < len(src); i++ {
		switch src[i] {
		case '\'', '"', '`':
			i = skipString(src, i)
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced parameter list")
}

// braceBody returns the contents of the outermost brace pair at the
// start of src.
func braceBody(src string) (string, error) {
	depth := 0
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '\'', '"', '`':
			i = skipString(src, i)
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(src[1:i]), nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced function body")
}

func skipString(src string, start int) int {
	quote := src[start]
	for i := start + 1; i < len(src); i++ {
		if src[i] == '\\' {
			i++
			continue
		}
		if src[i] == quote {
			return i
		}
	}
	return len(src) - 1
}

// splitParams splits a parameter list at top-level commas and separates
// each parameter into its name and raw default expression.
func splitParams(src string) ([]parsedParam, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '\'', '"', '`':
			i = skipString(src, i)
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, src[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, src[start:])

	params := make([]parsedParam, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty parameter")
		}
		name, def, found := cutTopLevel(part, '=')
		p := parsedParam{name: strings.TrimSpace(name)}
		if found {
			p.def = strings.TrimSpace(def)
		}
		params = append(params, p)
	}
	return params, nil
}

// cutTopLevel splits s at the first top-level occurrence of sep that
// is not part of a two-character operator.
func cutTopLevel(s string, sep byte) (string, string, bool) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"', '`':
			i = skipString(s, i)
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 && (i+1 >= len(s) || s[i+1] != '=') && (i == 0 || (s[i-1] != '=' && s[i-1] != '!' && s[i-1] != '<' && s[i-1] != '>')) {
				return s[:i], s[i+1:], true
			}
		}
	}
	return s, "", false
}
