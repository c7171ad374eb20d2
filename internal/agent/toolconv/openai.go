// Package toolconv converts registered tools into engine tool definitions.
package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/atlas/internal/agent"
)

// ToAssistantTools converts tools to Assistants function tools, optionally
// followed by the built-in file_search tool.
func ToAssistantTools(tools []agent.Tool, fileSearch bool) []openai.AssistantTool {
	result := make([]openai.AssistantTool, 0, len(tools)+1)
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil || schemaMap == nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result = append(result, openai.AssistantTool{
			Type: openai.AssistantToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		})
	}
	if fileSearch {
		result = append(result, openai.AssistantTool{Type: openai.AssistantToolTypeFileSearch})
	}
	return result
}
