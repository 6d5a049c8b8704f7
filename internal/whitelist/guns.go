package whitelist

import (
	"sort"
	"strings"
)

// Catalog is the fixed set of issuable weapons. Whitelist entries may only
// reference guns from this list.
var Catalog = []string{
	".38 SERVICE",
	".38 SNUBNOSE",
	"COLT MONITOR",
	"M1 CARBINE",
	"M1897 SHOTGUN",
	"M1911",
	"M1921/28 POLICE",
	"M1928 TOMMY GUN",
	"M3 GREASE",
	"M3 GREASE SHORT",
	"RUGER SPEED-SIX",
}

// ParseGuns extracts catalog guns from free-form command input.
// First pass scans the whole input for catalog names as substrings, which
// handles names that themselves contain commas or spaces. If nothing matches,
// the input is split on commas/semicolons and each token is matched
// individually, exact first, then by containment either way.
func ParseGuns(input string) []string {
	upper := strings.ToUpper(input)

	var matched []string
	for _, gun := range Catalog {
		if strings.Contains(upper, gun) {
			matched = append(matched, gun)
		}
	}
	if len(matched) > 0 {
		sort.Strings(matched)
		return matched
	}

	seen := make(map[string]bool)
	tokens := strings.FieldsFunc(upper, func(r rune) bool {
		return r == ',' || r == ';'
	})
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		for _, gun := range Catalog {
			if tok == gun || strings.Contains(gun, tok) || strings.Contains(tok, gun) {
				seen[gun] = true
			}
		}
	}
	for gun := range seen {
		matched = append(matched, gun)
	}
	sort.Strings(matched)
	return matched
}

// ValidGun reports whether name is an exact catalog entry.
func ValidGun(name string) bool {
	for _, gun := range Catalog {
		if gun == name {
			return true
		}
	}
	return false
}
