package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/aperture-gateway/internal/providers"
)

// Frame is one rendered SSE frame ready to write to the wire, already
// including the trailing blank line.
type Frame []byte

func sseFrame(event string, data any) Frame {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	if event == "" {
		return Frame(fmt.Sprintf("data: %s\n\n", raw))
	}
	return Frame(fmt.Sprintf("event: %s\ndata: %s\n\n", event, raw))
}

// doneFrame is the literal [DONE] sentinel openai/responses streams end with.
var doneFrame = Frame("data: [DONE]\n\n")

// ChunkStreamer renders a sequence of providers.StreamChunk values — the
// shape every vendor provider package already normalizes its own wire
// protocol into — as outbound SSE frames in the requested style.
//
// This is the renderer actually driven by live traffic: Provider.Request
// hands the orchestrator normalized StreamChunks, not raw vendor bytes, so
// there is no vendor-SSE-to-vendor-SSE byte stream for ClaudeToOpenAI/
// OpenAIToClaude (see claude_openai.go) to operate on in this architecture.
// Those translators exist to satisfy literal byte-for-byte protocol fidelity
// and are exercised directly by tests against captured vendor frames.
type ChunkStreamer struct {
	style     string
	id        string
	model     string
	started   bool
	toolIndex int
}

// NewChunkStreamer builds a streamer for one response in the given outbound
// style.
func NewChunkStreamer(style, id, model string) *ChunkStreamer {
	return &ChunkStreamer{style: style, id: id, model: model}
}

// Next renders the frames for one StreamChunk. A chunk with a non-empty
// FinishReason is the terminal chunk: its content (if any) is rendered
// first, then the stream is closed in the outbound style's idiom.
func (c *ChunkStreamer) Next(chunk providers.StreamChunk) []Frame {
	var frames []Frame

	switch c.style {
	case "claude":
		frames = append(frames, c.claudeChunk(chunk)...)
	case "responses":
		frames = append(frames, c.responsesChunk(chunk)...)
	default:
		frames = append(frames, c.openAIChunk(chunk)...)
	}
	return frames
}

func (c *ChunkStreamer) openAIChunk(chunk providers.StreamChunk) []Frame {
	var frames []Frame
	if chunk.Content != "" {
		frames = append(frames, sseFrame("", map[string]any{
			"id": c.id, "object": "chat.completion.chunk", "model": c.model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]string{"content": chunk.Content},
			}},
		}))
	}
	if chunk.FinishReason != "" {
		frames = append(frames, sseFrame("", map[string]any{
			"id": c.id, "object": "chat.completion.chunk", "model": c.model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]string{},
				"finish_reason": finishReasonTo("openai", chunk.FinishReason),
			}},
		}))
		frames = append(frames, doneFrame)
	}
	return frames
}

func (c *ChunkStreamer) claudeChunk(chunk providers.StreamChunk) []Frame {
	var frames []Frame
	if !c.started {
		c.started = true
		frames = append(frames, sseFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": c.id, "type": "message", "role": "assistant", "model": c.model,
				"content": []any{}, "usage": map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}))
		frames = append(frames, sseFrame("content_block_start", map[string]any{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]string{"type": "text", "text": ""},
		}))
	}
	if chunk.Content != "" {
		frames = append(frames, sseFrame("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]string{"type": "text_delta", "text": chunk.Content},
		}))
	}
	if chunk.FinishReason != "" {
		frames = append(frames, sseFrame("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": 0,
		}))
		frames = append(frames, sseFrame("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]string{"stop_reason": finishReasonTo("claude", chunk.FinishReason)},
		}))
		frames = append(frames, sseFrame("message_stop", map[string]any{"type": "message_stop"}))
	}
	return frames
}

func (c *ChunkStreamer) responsesChunk(chunk providers.StreamChunk) []Frame {
	var frames []Frame
	if chunk.Content != "" {
		frames = append(frames, sseFrame("response.output_text.delta", map[string]any{
			"type": "response.output_text.delta", "delta": chunk.Content,
		}))
	}
	if chunk.FinishReason != "" {
		frames = append(frames, sseFrame("response.completed", map[string]any{
			"type": "response.completed",
			"response": map[string]any{
				"id": c.id, "model": c.model,
				"status": finishReasonTo("responses", chunk.FinishReason),
			},
		}))
		frames = append(frames, doneFrame)
	}
	return frames
}
