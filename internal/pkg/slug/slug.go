// Package slug turns arbitrary identifiers into filesystem- and key-safe names.
package slug

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxRunes bounds the readable part of a slug
const DefaultMaxRunes = 60

// Fallback is used when nothing readable survives slugification
const Fallback = "item"

// Make returns a lowercase [a-z0-9-] slug of s.
// Accents are folded (é -> e); other characters become single hyphens.
func Make(s string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}

	folded, _, err := transform.String(
		transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		s,
	)
	if err != nil {
		folded = norm.NFKC.String(s)
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	hyphen := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}

	out := strings.Trim(b.String(), "-")
	if r := []rune(out); len(r) > maxRunes {
		out = strings.TrimRight(string(r[:maxRunes]), "-")
	}
	if out == "" {
		return Fallback
	}
	if isWindowsReserved(out) {
		out += "-x"
	}
	return out
}

// Unique appends a short hash of s to its slug, so distinct inputs that
// slugify alike ("a b", "a-b") still map to distinct names.
func Unique(s string) string {
	sum := sha256.Sum256([]byte(s))
	return Make(s, DefaultMaxRunes) + "-" + hex.EncodeToString(sum[:4])
}

func isWindowsReserved(name string) bool {
	switch name {
	case "con", "prn", "aux", "nul",
		"com1", "com2", "com3", "com4", "com5", "com6", "com7", "com8", "com9",
		"lpt1", "lpt2", "lpt3", "lpt4", "lpt5", "lpt6", "lpt7", "lpt8", "lpt9":
		return true
	}
	return false
}
