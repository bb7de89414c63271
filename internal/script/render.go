package script

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([a-z][a-z0-9_]*)\}`)

// Placeholders returns the placeholder names used in text, in order of
// first appearance.
func Placeholders(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Render substitutes every {name} in text with its value from facts. It
// returns ok=false and the first missing name when any placeholder has no
// non-empty value; text is not partially rendered in that case.
func Render(text string, facts Facts) (rendered string, missing string, ok bool) {
	for _, name := range Placeholders(text) {
		if strings.TrimSpace(facts[name]) == "" {
			return "", name, false
		}
	}
	rendered = placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		return facts[m[1:len(m)-1]]
	})
	return rendered, "", true
}
