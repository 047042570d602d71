package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// guarded-call walks an agent through validating both sides of one model call.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("guarded-call",
			mcplib.WithPromptDescription("Validate a prompt before a model call and the response after it"),
			mcplib.WithArgument("task_id",
				mcplib.ArgumentDescription("Task whose guardrail rules apply"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleGuardedCallPrompt,
	)
}

func (s *Server) handleGuardedCallPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	taskID := request.Params.Arguments["task_id"]
	if taskID == "" {
		return nil, fmt.Errorf("task_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Guard a model call for task " + taskID,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`For every model call in this task, follow these steps:

1. CALL mamori_validate_prompt with task_id="%s" and the exact prompt text.
   If result is Fail, do not send the prompt. Report which rules failed.

2. SEND the prompt to the model.

3. CALL mamori_validate_response with task_id="%s", the inference_id from
   step 1, and the model's answer. Include the retrieved documents as context
   when the answer should be grounded in them.

4. If result is Fail, do not use the answer. Unavailable results mean a rule
   could not be checked; treat the answer with caution.`, taskID, taskID),
				},
			},
		},
	}, nil
}
