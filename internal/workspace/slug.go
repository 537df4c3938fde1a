package workspace

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

const slugMaxRunes = 60

// slugify reduces an identifier to a filesystem-safe name: NFKC
// normalization, lowercase, [a-z0-9-] only, bounded length.
func slugify(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))

	var b strings.Builder
	lastHyphen := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if b.Len() > 0 && !lastHyphen {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if runes := []rune(slug); len(runes) > slugMaxRunes {
		slug = strings.TrimRight(string(runes[:slugMaxRunes]), "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}
