package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// sseEvent is one parsed upstream SSE event: an optional `event:` name and
// the concatenation of all its `data:` lines.
type sseEvent struct {
	Name string
	Data string
}

// sseScanner buffers raw bytes across chunk boundaries and yields complete
// events, split on the blank-line event terminator, per §4.7.
type sseScanner struct {
	buf bytes.Buffer
}

// Feed appends raw bytes and returns every complete event now available.
// Partial trailing data stays buffered for the next call.
func (s *sseScanner) Feed(b []byte) []sseEvent {
	s.buf.Write(b)
	var events []sseEvent
	for {
		raw := s.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			break
		}
		block := string(raw[:idx])
		s.buf.Next(idx + 2)
		events = append(events, parseSSEBlock(block))
	}
	return events
}

func parseSSEBlock(block string) sseEvent {
	var ev sseEvent
	var data []string
	for _, line := range strings.Split(block, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	ev.Data = strings.Join(data, "\n")
	return ev
}

// ClaudeToOpenAI is a stateful translator from Anthropic Messages SSE events
// to OpenAI chat.completion.chunk SSE frames, per §4.7. Feed raw upstream
// bytes as they arrive; each call returns the outbound frames now producible.
// Satisfies invariants (a)-(c): always terminates with [DONE], drops
// malformed JSON without erroring, and never panics on partial/garbled
// input.
type ClaudeToOpenAI struct {
	scanner   sseScanner
	id        string
	model     string
	toolIndex map[string]int // content block index -> tool_calls index
	nextTool  int
	done      bool
}

// NewClaudeToOpenAI builds a translator for one response.
func NewClaudeToOpenAI(id, model string) *ClaudeToOpenAI {
	return &ClaudeToOpenAI{id: id, model: model, toolIndex: map[string]int{}}
}

// Feed consumes raw upstream bytes and returns the OpenAI-style frames now
// ready to forward.
func (t *ClaudeToOpenAI) Feed(raw []byte) []Frame {
	if t.done {
		return nil
	}
	var frames []Frame
	for _, ev := range t.scanner.Feed(raw) {
		frames = append(frames, t.translate(ev)...)
		if t.done {
			break
		}
	}
	return frames
}

func (t *ClaudeToOpenAI) translate(ev sseEvent) []Frame {
	switch ev.Name {
	case "content_block_start":
		var payload struct {
			Index int `json:"index"`
			Block struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return nil // invariant (b)/(c): drop malformed frame
		}
		if payload.Block.Type != "tool_use" {
			return nil
		}
		idx := t.nextTool
		t.nextTool++
		t.toolIndex[fmt.Sprint(payload.Index)] = idx
		return []Frame{sseFrame("", map[string]any{
			"id": t.id, "object": "chat.completion.chunk", "model": t.model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]any{
					"tool_calls": []map[string]any{{
						"index": idx,
						"id":    payload.Block.ID,
						"type":  "function",
						"function": map[string]string{"name": payload.Block.Name, "arguments": ""},
					}},
				},
			}},
		})}

	case "content_block_delta":
		var payload struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return nil
		}
		switch payload.Delta.Type {
		case "text_delta":
			if payload.Delta.Text == "" {
				return nil
			}
			return []Frame{sseFrame("", map[string]any{
				"id": t.id, "object": "chat.completion.chunk", "model": t.model,
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": payload.Delta.Text}}},
			})}
		case "input_json_delta":
			idx, ok := t.toolIndex[fmt.Sprint(payload.Index)]
			if !ok {
				return nil
			}
			return []Frame{sseFrame("", map[string]any{
				"id": t.id, "object": "chat.completion.chunk", "model": t.model,
				"choices": []map[string]any{{
					"index": 0,
					"delta": map[string]any{
						"tool_calls": []map[string]any{{"index": idx, "function": map[string]string{"arguments": payload.Delta.PartialJSON}}},
					},
				}},
			})}
		}
		return nil

	case "message_delta", "message_stop":
		t.done = true
		reason := "stop"
		if ev.Name == "message_delta" {
			var payload struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &payload); err == nil && payload.Delta.StopReason != "" {
				reason = openAIFinishFromClaude(payload.Delta.StopReason)
			}
		}
		return []Frame{
			sseFrame("", map[string]any{
				"id": t.id, "object": "chat.completion.chunk", "model": t.model,
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": reason}},
			}),
			doneFrame,
		}

	case "error":
		t.done = true
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal([]byte(ev.Data), &payload)
		return []Frame{
			sseFrame("", map[string]any{
				"id": t.id, "object": "chat.completion.chunk", "model": t.model,
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": "error"}},
				"error":   map[string]string{"message": payload.Error.Message},
			}),
			doneFrame,
		}
	}
	return nil
}

func openAIFinishFromClaude(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// OpenAIToClaude is the inverse stateful translator: OpenAI
// chat.completion.chunk SSE frames to Anthropic Messages SSE events.
type OpenAIToClaude struct {
	scanner sseScanner
	id      string
	model   string
	started bool
	done    bool
}

// NewOpenAIToClaude builds a translator for one response.
func NewOpenAIToClaude(id, model string) *OpenAIToClaude {
	return &OpenAIToClaude{id: id, model: model}
}

// Feed consumes raw upstream bytes (OpenAI SSE) and returns the Claude-style
// frames now ready to forward.
func (t *OpenAIToClaude) Feed(raw []byte) []Frame {
	if t.done {
		return nil
	}
	var frames []Frame
	for _, ev := range t.scanner.Feed(raw) {
		frames = append(frames, t.translate(ev)...)
		if t.done {
			break
		}
	}
	return frames
}

func (t *OpenAIToClaude) translate(ev sseEvent) []Frame {
	if strings.TrimSpace(ev.Data) == "[DONE]" {
		return nil
	}

	var payload struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return nil // invariant (b)/(c)
	}
	if len(payload.Choices) == 0 {
		return nil
	}
	choice := payload.Choices[0]

	var frames []Frame
	if !t.started {
		t.started = true
		frames = append(frames, sseFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": t.id, "type": "message", "role": "assistant", "model": t.model,
				"content": []any{}, "usage": map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}))
		frames = append(frames, sseFrame("content_block_start", map[string]any{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]string{"type": "text", "text": ""},
		}))
	}
	if choice.Delta.Content != "" {
		frames = append(frames, sseFrame("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]string{"type": "text_delta", "text": choice.Delta.Content},
		}))
	}
	if choice.FinishReason != "" {
		t.done = true
		frames = append(frames, sseFrame("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}))
		frames = append(frames, sseFrame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]string{"stop_reason": finishReasonTo("claude", choice.FinishReason)},
		}))
		frames = append(frames, sseFrame("message_stop", map[string]any{"type": "message_stop"}))
	}
	return frames
}
