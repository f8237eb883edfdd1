package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// shortName turns a free-form short name into an identifier usable as a
// dataset name: accents are folded, whitespace runs become a single
// underscore and anything outside [A-Za-z0-9_] is dropped.
func shortName(raw string, key Key) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), raw)
	if err != nil {
		folded = raw
	}

	var sb strings.Builder
	pendingSpace := false
	for _, r := range strings.TrimSpace(folded) {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
			continue
		case r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))):
		default:
			continue
		}
		if pendingSpace && sb.Len() > 0 {
			sb.WriteByte('_')
		}
		pendingSpace = false
		sb.WriteRune(r)
	}

	if sb.Len() == 0 {
		return "pid_" + key.String()
	}
	return sb.String()
}
