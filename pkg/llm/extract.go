package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model output rarely arrives as clean JSON. ExtractDecision tries a
// sequence of increasingly forgiving strategies and always produces a
// decision object, so downstream planning never deals with a parse error
// directly:
//
//  1. parse the whole text as a JSON object
//  2. parse fenced code blocks (```json, plain ```) and inline `{...}`
//  3. scan for the first balanced {...} region
//  4. parse the text as a YAML mapping
//  5. scrape "key: value" / "key = value" lines
//
// If everything fails, the text is wrapped as a direct_response decision.
func ExtractDecision(text string) map[string]any {
	trimmed := strings.TrimSpace(text)

	if m := tryJSONObject(trimmed); m != nil {
		return NormalizeDecision(m)
	}
	if m := tryCodeBlocks(trimmed); m != nil {
		return NormalizeDecision(m)
	}
	if m := tryBalancedBraces(trimmed); m != nil {
		return NormalizeDecision(m)
	}
	if m := tryYAML(trimmed); m != nil {
		return NormalizeDecision(m)
	}
	if m := tryKeyValueLines(trimmed); m != nil {
		return NormalizeDecision(m)
	}

	return map[string]any{
		"approach":  "direct_response",
		"reasoning": "Could not parse as structured data",
		"response":  text,
	}
}

func tryJSONObject(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

var (
	fencedJSONPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	inlineBracePattern = regexp.MustCompile("`(\\{[^`]*\\})`")
)

func tryCodeBlocks(s string) map[string]any {
	for _, match := range fencedJSONPattern.FindAllStringSubmatch(s, -1) {
		if m := tryJSONObject(strings.TrimSpace(match[1])); m != nil {
			return m
		}
	}
	for _, match := range inlineBracePattern.FindAllStringSubmatch(s, -1) {
		if m := tryJSONObject(match[1]); m != nil {
			return m
		}
	}
	return nil
}

// tryBalancedBraces scans for the first balanced top-level {...} region,
// ignoring braces inside string literals.
func tryBalancedBraces(s string) map[string]any {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			ch := s[i]
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				if inString {
					escaped = true
				}
			case '"':
				inString = !inString
			case '{':
				if !inString {
					depth++
				}
			case '}':
				if !inString {
					depth--
					if depth == 0 {
						if m := tryJSONObject(s[start : i+1]); m != nil {
							return m
						}
						i = len(s)
					}
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			return nil
		}
		start += 1 + next
	}
	return nil
}

func tryYAML(s string) map[string]any {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

var keyValuePattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_ ]*?)\s*[:=]\s*(.+?)\s*$`)

func tryKeyValueLines(s string) map[string]any {
	m := map[string]any{}
	for _, line := range strings.Split(s, "\n") {
		if match := keyValuePattern.FindStringSubmatch(line); match != nil {
			key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(match[1])), " ", "_")
			m[key] = match[2]
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

var validApproaches = map[string]bool{
	"agent_coordination": true,
	"direct_response":    true,
	"mcp_tools":          true,
}

// NormalizeDecision guarantees the decision object has a valid approach and
// a reasoning field. A missing approach is inferred from the keys present;
// an unknown approach is clamped to direct_response.
func NormalizeDecision(m map[string]any) map[string]any {
	if m == nil {
		m = map[string]any{}
	}

	approach, _ := m["approach"].(string)
	if approach == "" {
		approach = inferApproach(m)
	}
	if !validApproaches[approach] {
		approach = "direct_response"
	}
	m["approach"] = approach

	if _, ok := m["reasoning"]; !ok {
		m["reasoning"] = "No reasoning provided"
	}
	return m
}

func inferApproach(m map[string]any) string {
	for _, key := range []string{"steps", "agents", "tasks", "workflow", "execution_plan"} {
		if _, ok := m[key]; ok {
			return "agent_coordination"
		}
	}
	for _, key := range []string{"tools", "mcp", "mcp_tools", "required_tools"} {
		if _, ok := m[key]; ok {
			return "mcp_tools"
		}
	}
	return "direct_response"
}
