// Package cmdline splits command lines into tokens.
//
// Tokens are separated by whitespace. A double-quoted section is kept as a
// single token with the quotes removed; an unterminated quote takes the rest
// of the line. Empty tokens are dropped.
package cmdline

import (
	"strings"
	"unicode"
)

// Split tokenizes line.
func Split(line string) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
	)

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range line {
		switch {
		case r == '"':
			flush()
			quoted = !quoted
		case quoted:
			current.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return tokens
}

// Parse splits line into a command and its arguments. The command is empty
// when line holds no tokens.
func Parse(line string) (string, []string) {
	tokens := Split(line)
	if len(tokens) == 0 {
		return "", nil
	}
	return tokens[0], tokens[1:]
}

// Join renders tokens back into a line, quoting those that contain
// whitespace.
func Join(tokens ...string) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		if strings.IndexFunc(tok, unicode.IsSpace) >= 0 {
			parts[i] = `"` + tok + `"`
		} else {
			parts[i] = tok
		}
	}
	return strings.Join(parts, " ")
}
