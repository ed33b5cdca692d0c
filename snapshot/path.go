// Package snapshot implements the Local snapshot and Remote snapshot types
// of spec.md §3, the signed metadata format of spec.md §6, and the
// relative-path mangling rules referenced throughout.
package snapshot

import (
	"strings"

	"github.com/LeastAuthority/magic-folder/internal/errkind"
)

const mangleHexDigits = "0123456789ABCDEF"

// ValidatePath checks a relative path against spec.md §3: UTF-8,
// forward-slash separated, no leading slash, no empty components, and no
// "." or ".." components (which would let a path escape the folder root).
func ValidatePath(p string) error {
	if p == "" {
		return errkind.New(errkind.Validation, "path must not be empty")
	}

	if strings.HasPrefix(p, "/") {
		return errkind.New(errkind.Validation, "path must not have a leading slash: "+p)
	}

	for _, part := range strings.Split(p, "/") {
		switch part {
		case "":
			return errkind.New(errkind.Validation, "path has an empty component: "+p)
		case ".", "..":
			return errkind.New(errkind.Validation, "path has a \".\" or \"..\" component: "+p)
		}
	}

	return nil
}

// MangleName maps a relative path to a single filesystem-safe personal-
// directory entry name via percent-style escaping of "/" and any
// character outside a conservative printable-ASCII set (spec.md §6 "Path
// mangling"). Escaping operates byte-by-byte (a multi-byte UTF-8 path
// yields consecutive "%XX" bytes), so the mapping is bijective:
// UnmangleName reverses it exactly, including "+" and raw non-ASCII bytes
// that net/url's query escaping would otherwise reinterpret.
func MangleName(path string) string {
	var b strings.Builder

	for i := 0; i < len(path); i++ {
		c := path[i]
		if isMangleSafe(c) {
			b.WriteByte(c)
			continue
		}

		b.WriteByte('%')
		b.WriteByte(mangleHexDigits[c>>4])
		b.WriteByte(mangleHexDigits[c&0x0f])
	}

	return b.String()
}

// UnmangleName reverses MangleName, decoding each "%XX" escape back to its
// raw byte and copying every other byte verbatim.
func UnmangleName(name string) (string, error) {
	var b strings.Builder

	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}

		if i+2 >= len(name) {
			return "", errkind.New(errkind.Validation, "malformed mangled path name: truncated escape")
		}

		hi, ok1 := unhexDigit(name[i+1])
		lo, ok2 := unhexDigit(name[i+2])

		if !ok1 || !ok2 {
			return "", errkind.New(errkind.Validation, "malformed mangled path name: invalid escape")
		}

		b.WriteByte(hi<<4 | lo)
		i += 2
	}

	return b.String(), nil
}

// unhexDigit decodes one ASCII hex digit.
func unhexDigit(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// isMangleSafe reports whether c may appear unescaped in a mangled name:
// printable ASCII, excluding "/" (the path separator we must escape to
// collapse into one component) and "%" (the escape character itself).
func isMangleSafe(c byte) bool {
	if c < 0x20 || c > 0x7e {
		return false
	}

	switch c {
	case '/', '%':
		return false
	default:
		return true
	}
}
