package config

import (
	"os"
	"regexp"
)

// Environment variable reference patterns, checked in order:
// ${VAR:-default}, ${VAR}, $VAR.
var (
	envWithDefaultPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)
	envBracedPattern      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	envBarePattern        = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// ExpandEnv replaces environment variable references in s. Unset variables
// without a default expand to the empty string.
func ExpandEnv(s string) string {
	s = envWithDefaultPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefaultPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(parts[1]); ok {
			return v
		}
		return parts[2]
	})

	s = envBracedPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBracedPattern.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})

	s = envBarePattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBarePattern.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})

	return s
}

// expandTree walks a decoded YAML/JSON tree and expands env references in
// every string value, including map keys' values inside nested slices.
func expandTree(v any) any {
	switch t := v.(type) {
	case string:
		return ExpandEnv(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = expandTree(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = expandTree(val)
		}
		return out
	default:
		return v
	}
}
