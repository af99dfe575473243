// Package fspath normalizes archive member paths.
//
// Every name that crosses an archive boundary in either direction goes
// through [Normalize]: duplicate separators collapse, "." components drop,
// ".." components resolve against their predecessor without ever escaping
// the path, and in Simple mode the result is a bare relative path safe to
// join under an extraction root.
package fspath

import "strings"

// Flags control [Normalize].
type Flags uint

const (
	// Backslashes treats '\' as a separator in addition to '/'.
	Backslashes Flags = 1 << iota

	// DiskLetter recognizes a leading "X:" component.
	DiskLetter

	// Simple produces a plain relative path: a leading slash, dot or disk
	// letter is stripped and unresolvable ".." components are dropped.
	Simple
)

func isSep(c byte, f Flags) bool {
	return c == '/' || (f&Backslashes != 0 && c == '\\')
}

// Normalize returns the normalized form of p. Normalize is idempotent.
func Normalize(p string, f Flags) string {
	if p == "" {
		return ""
	}
	var parts []string
	lead := "" // "/" or "X:/" prefix kept verbatim
	simplify := f&Simple != 0
	skipDisk := f&(DiskLetter|Simple) == DiskLetter|Simple

	first := true
	for i := 0; i <= len(p); {
		j := i
		for j < len(p) && !isSep(p[j], f) {
			j++
		}
		part := p[i:j]
		i = j + 1
		atFirst := first
		first = false

		switch {
		case simplify && part == "":
			continue
		case simplify && part == ".":
			continue
		case simplify && skipDisk && atFirst && strings.HasSuffix(part, ":"):
			skipDisk = false
			continue
		case !simplify:
			// Keep a leading slash, dot or disk letter, then simplify the
			// rest.
			simplify = true
			if part == "" {
				lead = "/"
				continue
			}
			if part == "." {
				parts = append(parts, ".")
				continue
			}
			if f&DiskLetter != 0 && strings.HasSuffix(part, ":") {
				lead = part + "/"
				continue
			}
		}

		if part == ".." {
			switch {
			case len(parts) != 0 && parts[len(parts)-1] == "..":
				// stack another
			case len(parts) != 0 && parts[len(parts)-1] == ".":
				parts[len(parts)-1] = ".."
				continue
			case len(parts) != 0:
				parts = parts[:len(parts)-1]
				continue
			case lead != "":
				continue
			case f&Simple != 0:
				continue
			}
		}
		parts = append(parts, part)
		if j == len(p) {
			break
		}
	}
	return lead + strings.Join(parts, "/")
}
