package prompt

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render substitutes {{name}} placeholders in the template's user prompt with
// the supplied variables. A placeholder without a matching variable stays
// literal in the output; incomplete variable sets log a warning instead of
// failing the call.
func (engine *Engine) Render(template Template, variables map[string]string) string {
	return engine.renderString(template.UserPromptTemplate, variables)
}

// RenderSystemPrompt substitutes variables in the template's system prompt.
func (engine *Engine) RenderSystemPrompt(template Template, variables map[string]string) string {
	return engine.renderString(template.SystemPrompt, variables)
}

func (engine *Engine) renderString(raw string, variables map[string]string) string {
	missing := []string{}
	rendered := placeholderPattern.ReplaceAllStringFunc(raw, func(placeholder string) string {
		name := placeholderPattern.FindStringSubmatch(placeholder)[1]
		value, ok := variables[name]
		if !ok {
			missing = append(missing, name)
			return placeholder
		}
		return value
	})
	if len(missing) > 0 {
		engine.logger.Warn("template rendered with missing variables",
			zap.Strings("variables", missing))
	}
	return rendered
}

// Placeholders lists the distinct variable names a template string references.
func Placeholders(raw string) []string {
	seen := map[string]bool{}
	names := []string{}
	for _, match := range placeholderPattern.FindAllStringSubmatch(raw, -1) {
		name := strings.TrimSpace(match[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
