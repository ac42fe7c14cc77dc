package metrics

import (
	"fmt"
	"strings"
	"unicode"
)

var friendlyAliases = map[string]string{
	"*agora.APIError":                "API error response",
	"agora.APIError":                 "API error response",
	"*url.Error":                     "Request URL error",
	"url.Error":                      "Request URL error",
	"*net.OpError":                   "Network error",
	"net.OpError":                    "Network error",
	"*context.deadlineExceededError": "Context deadline exceeded",
	"context.deadlineExceededError":  "Context deadline exceeded",
	"*poller.TimeoutError":           "Convergence timeout",
	"poller.TimeoutError":            "Convergence timeout",
}

// FriendlyErrorName turns a Go error type name into a readable report label.
func FriendlyErrorName(typeName string) string {
	name := strings.TrimSpace(typeName)
	if name == "" {
		return "Unknown error"
	}
	if alias, ok := friendlyAliases[name]; ok {
		return alias
	}
	name = strings.TrimPrefix(name, "*")
	if alias, ok := friendlyAliases[name]; ok {
		return alias
	}
	if idx := strings.LastIndex(name, "/"); idx != -1 {
		name = name[idx+1:]
	}

	pkg := ""
	if idx := strings.Index(name, "."); idx != -1 {
		pkg, name = name[:idx], name[idx+1:]
	}

	pretty := splitCamel(name)
	if pretty == "" {
		pretty = name
	}
	if pkg != "" && pkg != "main" {
		return fmt.Sprintf("%s (%s)", pretty, pkg)
	}
	return pretty
}

// splitCamel breaks CamelCase into lowercase words, keeping acronym runs
// together ("APIError" becomes "api error").
func splitCamel(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				b.WriteRune(' ')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	out := b.String()
	if out == "" {
		return out
	}
	return strings.ToUpper(out[:1]) + out[1:]
}
