package format

import (
	"strings"
	"unicode/utf8"
)

// Sanitize removes markup characters and characters that are not allowed in
// XML text. Line breaks and tabs become spaces so a rendered record stays on
// one line.
func Sanitize(s string) string {
	if !needsSanitize(s) {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			sb.WriteByte(' ')
		case isStripped(r):
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func needsSanitize(s string) bool {
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || isStripped(r) {
			return true
		}
	}
	return false
}

func isStripped(r rune) bool {
	switch r {
	case '<', '>', '/', '\'', '"', '&', '\\':
		return true
	}
	if r == utf8.RuneError {
		return true
	}
	return !isXMLChar(r)
}

// XML 1.0 Char production minus the line breaks handled above
func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}
