package recipe

import "regexp"

// Property references use ${name} notation with an optional default
// value after a colon, ${name:default}. Names need at least two
// characters and may contain dots, as in ${python.path}.
var propertyRe = regexp.MustCompile(`\$\{(\w[\w.]*?\w)(?::(.+))?\}`)

// Interpolate replaces property references in text with values from
// props. A reference to an unset property falls back to its default
// value, or stays verbatim when it has none.
func Interpolate(text string, props map[string]string) string {
	return propertyRe.ReplaceAllStringFunc(text, func(match string) string {
		m := propertyRe.FindStringSubmatch(match)
		if value, ok := props[m[1]]; ok {
			return value
		}
		if m[2] != "" {
			return m[2]
		}
		return match
	})
}
