package config

import (
	"os"
	"regexp"
	"strings"
)

// envRef matches "$$" and ${NAME} or ${NAME:-default} references.
var envRef = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes environment references in the raw text of a
// filedriver.yaml before it is parsed, so any value (root, instance_id,
// file_mode, supervisor.backoff) can come from the deployment environment.
//
// ${NAME} becomes the variable's value, or nothing when unset.
// ${NAME:-default} falls back to default when the variable is unset or empty.
// $$ is a literal dollar sign, for roots that contain "${".
//
// Unset references are not errors; the resulting empty value is checked by
// Settings like any other.
func ExpandEnv(input string) string {
	return expand(input, os.LookupEnv)
}

func expand(input string, lookup func(string) (string, bool)) string {
	matches := envRef.FindAllStringSubmatchIndex(input, -1)
	if len(matches) == 0 {
		return input
	}

	var b strings.Builder
	b.Grow(len(input))
	last := 0
	for _, m := range matches {
		b.WriteString(input[last:m[0]])
		last = m[1]

		if m[2] < 0 {
			b.WriteByte('$')
			continue
		}
		if value, ok := lookup(input[m[2]:m[3]]); ok && value != "" {
			b.WriteString(value)
		} else if m[4] >= 0 {
			b.WriteString(input[m[4]:m[5]])
		}
	}
	b.WriteString(input[last:])
	return b.String()
}
