// Package agents contains the concrete agent implementations: input parsing,
// code generation, auditing, deployment, and persistence. Each is a plain
// two-method type behind the agent.Agent contract; the orchestrator drives
// them through the harness without knowing concrete types.
package agents

import (
	"encoding/json"
	"strings"
)

// Agent names as registered with the orchestrator and referenced by recipes.
const (
	NameInput      = "input"
	NameCodegen    = "codegen"
	NameAudit      = "audit"
	NameDeployment = "deployment"
	NameMemory     = "memory"
)

// extractJSON pulls the first JSON object out of a model completion,
// tolerating markdown fences and prose around it.
func extractJSON(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				var parsed map[string]any
				if err := json.Unmarshal([]byte(text[start:i+1]), &parsed); err != nil {
					return nil, false
				}
				return parsed, true
			}
		}
	}
	return nil, false
}

// extractCodeBlock pulls the first fenced code block out of a completion.
// When no fence is present the whole trimmed text is returned, since models
// sometimes answer with bare HTML.
func extractCodeBlock(text string) string {
	fenceStart := strings.Index(text, "```")
	if fenceStart < 0 {
		return strings.TrimSpace(text)
	}
	rest := text[fenceStart+3:]
	// Skip the language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	fenceEnd := strings.Index(rest, "```")
	if fenceEnd < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:fenceEnd])
}

// stringField reads a string out of a loosely typed input map.
func stringField(input map[string]any, key string) (string, bool) {
	value, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok && s != ""
}
