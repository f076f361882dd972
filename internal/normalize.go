package internal

import (
	"strings"
)

// NormalizeURL returns the comparable form of raw: scheme and host are
// lowercased, the path is percent-decoded until no escape remains and then
// lowercased. Query and fragment are kept verbatim. Invalid escapes such as
// a lone '%' are left as they are, so the function never fails and
// NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(raw string) string {
	var prefix string
	rest := raw
	if scheme, after, ok := strings.Cut(raw, "://"); ok && scheme != "" && !strings.ContainsAny(scheme, "/?#") {
		end := strings.IndexAny(after, "/?#")
		if end < 0 {
			end = len(after)
		}
		prefix = asciiLower(scheme) + "://" + asciiLower(after[:end])
		rest = after[end:]
	}

	path, suffix := rest, ""
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		path, suffix = rest[:i], rest[i:]
	}
	return prefix + asciiLower(decodeFully(path)) + suffix
}

func decodeFully(s string) string {
	for {
		next := decodeOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func decodeOnce(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			sb.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
