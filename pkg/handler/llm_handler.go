package handler

import (
	"context"
	"fmt"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// LLMHandler dispatches a task as a single chat completion call, using the
// pack's own openai-go client so the llm task type exercises a real SDK
// rather than a hand-rolled HTTP call.
type LLMHandler struct {
	client openai.Client
}

// NewLLMHandler builds a client against apiKey.
func NewLLMHandler(apiKey string) *LLMHandler {
	return &LLMHandler{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

func (h *LLMHandler) Execute(ctx context.Context, task model.Task, params map[string]any) Result {
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return Permanent(fmt.Errorf("llm handler: missing params.prompt"))
	}
	modelName, _ := task.Config["model"].(string)
	if modelName == "" {
		modelName = openai.ChatModelGPT4oMini
	}

	resp, err := h.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: modelName,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return Transient(fmt.Errorf("llm handler: completion failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Transient(fmt.Errorf("llm handler: empty completion"))
	}
	return Ok(resp.Choices[0].Message.Content)
}

func (h *LLMHandler) Compensate(ctx context.Context, task model.Task, params map[string]any) Result {
	// LLM calls have no external side effect to undo.
	return Ok(nil)
}
