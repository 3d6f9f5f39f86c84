package cookiebridge

import "strings"

// SplitSetCookie separates Set-Cookie values that an intermediary folded into
// one header line. Expires dates contain commas, so a comma only ends a
// cookie when the text after it starts a new name=value pair.
func SplitSetCookie(raw string) []string {
	var out []string
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] != ',' || !startsCookie(raw[i+1:]) {
			continue
		}
		if part := strings.TrimSpace(raw[start:i]); part != "" {
			out = append(out, part)
		}
		start = i + 1
	}
	if part := strings.TrimSpace(raw[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

// startsCookie reports whether s, after leading whitespace, matches
// [A-Za-z_][A-Za-z0-9_.-]*=.
func startsCookie(s string) bool {
	s = strings.TrimLeft(s, " \t")
	if s == "" || !isNameStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		switch c := s[i]; {
		case c == '=':
			return true
		case isNameStart(c), c >= '0' && c <= '9', c == '.', c == '-':
		default:
			return false
		}
	}
	return false
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
