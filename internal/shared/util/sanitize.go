package util

import (
	"path/filepath"
	"strings"
	"unicode"
)

const maxNameLength = 128

// SafeName maps a client-supplied name to one that is safe on every common
// filesystem and inside zip archives. It never returns an empty string.
func SafeName(name string) string {
	name = strings.TrimSpace(name)
	// Browsers on Windows may send the full client path.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		ok := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_'
		if !ok {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = r == '_'
	}

	out := strings.Trim(b.String(), "._ ")
	if out == "" {
		return "file"
	}
	if len(out) > maxNameLength {
		ext := filepath.Ext(out)
		if len(ext) > 10 {
			ext = ""
		}
		out = truncateRunes(out[:len(out)-len(ext)], maxNameLength-len(ext)) + ext
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}
