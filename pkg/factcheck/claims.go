package factcheck

import (
	"regexp"
	"sort"
	"strings"
)

// Claim is a (category, value) pair asserted by a piece of text.
type Claim struct {
	Category Category `json:"category"`
	Value    string   `json:"value"`
	Text     string   `json:"text"`
	Offset   int      `json:"offset"`
}

var claimPatterns = map[Category]*regexp.Regexp{
	CategoryName:            regexp.MustCompile(`(?i)\b(?:project|package|crate|repository|repo)\s+(?:name\s*(?:is\s+|[:=]\s*)?|(?:is\s+)?(?:called|named)\s+)["'` + "`" + `]?([A-Za-z][A-Za-z0-9_.\-/]*)`),
	CategoryVersion:         regexp.MustCompile(`(?i)\bversion\b\s*(?:is\s+|[:=]\s*)?v?(\d+\.\d+\.\d+(?:-[0-9A-Za-z.]+)?)`),
	CategoryDependencyCount: regexp.MustCompile(`(?i)\b(\d+)\s+(?:external\s+|direct\s+|third[- ]party\s+)?dependencies\b`),
	CategoryModuleCount:     regexp.MustCompile(`(?i)\b(\d+)\s+(?:\w+\s+)?(?:modules|packages)\b`),
	CategoryFileCount:       regexp.MustCompile(`(?i)\b(\d+)\s+(?:total\s+|source\s+)?files\b`),
	CategoryComplexity:      regexp.MustCompile(`(?i)\b(?:this is|it's|it is|the project is)\s+(?:a|an)?\s*(minimal|simple|basic|small|enterprise|complex|large)\b`),
	CategoryLanguage:        regexp.MustCompile(`(?i)\b(?:written|implemented|built)\s+in\s+(Go|Golang|Rust|Python|TypeScript|JavaScript|Java|Kotlin|Swift|Ruby)\b`),
}

// nameStopwords are words the name pattern can capture that are not names.
var nameStopwords = map[string]bool{
	"is": true, "a": true, "an": true, "the": true, "that": true, "which": true,
}

// ExtractClaims returns the claims in text for the given categories, ordered
// by position. Repeated (category, value) pairs are reported once.
func ExtractClaims(text string, categories []Category) []Claim {
	var claims []Claim
	seen := make(map[string]bool)
	for _, cat := range categories {
		re, ok := claimPatterns[cat]
		if !ok {
			continue
		}
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			value := strings.TrimRight(text[m[2]:m[3]], ".-/")
			if value == "" || (cat == CategoryName && nameStopwords[strings.ToLower(value)]) {
				continue
			}
			key := string(cat) + "\x00" + normalize(cat, value)
			if seen[key] {
				continue
			}
			seen[key] = true
			claims = append(claims, Claim{
				Category: cat,
				Value:    value,
				Text:     text[m[0]:m[1]],
				Offset:   m[0],
			})
		}
	}
	sort.SliceStable(claims, func(i, j int) bool {
		if claims[i].Offset == claims[j].Offset {
			return claims[i].Category < claims[j].Category
		}
		return claims[i].Offset < claims[j].Offset
	})
	return claims
}

// normalize reduces a value to the form used for equality checks.
func normalize(cat Category, value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch cat {
	case CategoryVersion:
		v = strings.TrimPrefix(v, "v")
	case CategoryLanguage:
		if v == "golang" {
			v = "go"
		}
	case CategoryComplexity:
		if isEnterprise(v) {
			return "enterprise"
		}
		return "simple"
	}
	return v
}

func isEnterprise(v string) bool {
	switch strings.ToLower(v) {
	case "enterprise", "complex", "large":
		return true
	}
	return false
}
