package protocol

import (
	"encoding/json"
	"time"

	"github.com/nulpointcorp/aperture-gateway/internal/providers"
)

// finishReasonTo maps the provider-normalized finish reason (itself already
// normalized to the openai vocabulary by the vendor provider packages) onto
// the vocabulary a given outbound style expects, per §4.7's finish-reason
// table.
func finishReasonTo(style string, reason string) string {
	if reason == "" {
		reason = "stop"
	}
	switch style {
	case "claude":
		switch reason {
		case "length":
			return "max_tokens"
		case "tool_calls":
			return "tool_use"
		default:
			return "end_turn"
		}
	case "responses":
		switch reason {
		case "length":
			return "incomplete"
		default:
			return "completed"
		}
	default: // openai
		return reason
	}
}

// RenderUnary builds the wire body for a completed, non-streaming response in
// the given outbound style.
func RenderUnary(style string, resp *providers.ProxyResponse, finishReason string) ([]byte, error) {
	created := time.Now().Unix()
	switch style {
	case "claude":
		return json.Marshal(claudeUnary{
			ID:    resp.ID,
			Type:  "message",
			Role:  "assistant",
			Model: resp.Model,
			Content: []claudeContentBlock{
				{Type: "text", Text: resp.Content},
			},
			StopReason: finishReasonTo("claude", finishReason),
			Usage: claudeUsage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			},
		})
	case "responses":
		return json.Marshal(responsesUnary{
			ID:        resp.ID,
			Object:    "response",
			CreatedAt: created,
			Model:     resp.Model,
			Status:    finishReasonTo("responses", finishReason),
			Output: []responsesOutputItem{
				{
					Type: "message",
					Role: "assistant",
					Content: []responsesContentBlock{
						{Type: "output_text", Text: resp.Content},
					},
				},
			},
			Usage: responsesUsage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			},
		})
	default: // openai
		return json.Marshal(openAIUnary{
			ID:      resp.ID,
			Object:  "chat.completion",
			Created: created,
			Model:   resp.Model,
			Choices: []openAIChoice{
				{
					Index:        0,
					Message:      openAIRespMessage{Role: "assistant", Content: resp.Content},
					FinishReason: finishReasonTo("openai", finishReason),
				},
			},
			Usage: openAIUsage{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		})
	}
}

type openAIUnary struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Index        int               `json:"index"`
	Message      openAIRespMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openAIRespMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type claudeUnary struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Role       string               `json:"role"`
	Model      string               `json:"model"`
	Content    []claudeContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      claudeUsage          `json:"usage"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responsesUnary struct {
	ID        string                `json:"id"`
	Object    string                `json:"object"`
	CreatedAt int64                 `json:"created_at"`
	Model     string                `json:"model"`
	Status    string                `json:"status"`
	Output    []responsesOutputItem `json:"output"`
	Usage     responsesUsage        `json:"usage"`
}

type responsesOutputItem struct {
	Type    string                  `json:"type"`
	Role    string                  `json:"role"`
	Content []responsesContentBlock `json:"content"`
}

type responsesContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
