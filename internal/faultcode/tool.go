package faultcode

import (
	"context"
	"fmt"

	"github.com/inspexhq/inspex/internal/tools"
	"github.com/inspexhq/inspex/pkg/upstream"
)

// Tool wraps the catalog as a voice tool so the model can resolve a code the
// inspector mentions mid-conversation.
func Tool(c *Catalog) tools.Tool {
	return tools.Tool{
		Declaration: upstream.ToolDeclaration{
			Name: "match_fault_code",
			Description: "Look up a diagnostic fault code the inspector mentioned. " +
				"Works with the code itself (like E361) or a description of the fault.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The code or fault description as the inspector said it",
					},
				},
				"required": []string{"query"},
			},
		},
		Handler: func(_ context.Context, args map[string]any, _ *tools.Context) (any, error) {
			query, _ := args["query"].(string)
			m, ok := c.Resolve(query)
			if !ok {
				return map[string]any{
					"error": fmt.Sprintf("No fault code matches %q.", query),
				}, nil
			}
			return map[string]any{
				"code":       m.Code.ID,
				"title":      m.Code.Title,
				"severity":   m.Code.Severity,
				"components": m.Code.Components,
				"confidence": m.Confidence,
			}, nil
		},
	}
}
