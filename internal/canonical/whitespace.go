package canonical

import "strings"

// CollapseWhitespace normalizes the whitespace of one prose text node.
//
// Each maximal run of whitespace becomes a single character:
//
//   - a run holding two or more newlines (a blank-line boundary) becomes "\n"
//   - a bare single newline is kept as "\n"
//   - any other run, including a soft wrap where a newline touches spaces or
//     tabs, becomes one space
//
// Leading and trailing runs follow the same rules, so inline space next to
// sibling markup survives as one space. Every output run is already in its
// collapsed form, which makes the function idempotent.
func CollapseWhitespace(s string) string {
	if !strings.ContainsAny(s, " \t\n\r\f") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		if !isSpace(s[i]) {
			b.WriteByte(s[i])
			i++
			continue
		}

		start := i
		newlines := 0
		for i < len(s) && isSpace(s[i]) {
			if s[i] == '\n' {
				newlines++
			}
			i++
		}

		switch {
		case newlines >= 2:
			b.WriteByte('\n')
		case newlines == 1 && i-start == 1:
			b.WriteByte('\n')
		default:
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}
