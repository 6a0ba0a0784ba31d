// Package protocol implements the Protocol Adapters (C7): translation
// between the three wire dialects the gateway fronts — openai (chat
// completions), claude (Anthropic Messages), and responses (OpenAI
// Responses) — for both unary and streaming (SSE) traffic.
//
// The adapter matrix is small by design: three inbound shapes, three
// outbound shapes, unary or stream. Rather than polymorphism over a style
// interface, each direction is a concrete function keyed by the
// domain.ApiStyle tag, per the reference implementation's own
// adapter-pair-per-direction layout (app/routing/adapters/*.py).
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
	"github.com/nulpointcorp/aperture-gateway/internal/providers"
)

// NormalizedRequest is the common shape every inbound style is parsed into,
// and the shape every candidate upstream is invoked with (translated again
// to the upstream's native wire format by the vendor provider package).
type NormalizedRequest struct {
	Model          string
	Messages       []providers.Message
	Stream         bool
	Temperature    float64
	MaxTokens      int
	ConversationID string
}

// DetectStyleFromBody inspects a raw inbound body for style-signaling
// fields, per §4.7: `max_tokens_to_sample`/`anthropic_version` signal
// claude; `instructions` or `input` signals responses; anything else,
// including `max_completion_tokens`, is openai. Used when a caller posts to a style-agnostic entry
// point rather than a style-specific route.
func DetectStyleFromBody(body []byte) domain.ApiStyle {
	var probe struct {
		MaxTokensToSample    json.Number `json:"max_tokens_to_sample"`
		AnthropicVersion     string      `json:"anthropic_version"`
		Instructions         json.RawMessage `json:"instructions"`
		Input                json.RawMessage `json:"input"`
		MaxCompletionTokens  json.Number `json:"max_completion_tokens"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return domain.StyleOpenAI
	}
	if probe.MaxTokensToSample != "" || probe.AnthropicVersion != "" {
		return domain.StyleClaude
	}
	if len(probe.Instructions) > 0 || len(probe.Input) > 0 {
		return domain.StyleResponses
	}
	return domain.StyleOpenAI
}

// ParseInbound parses a raw request body of the given style into the common
// NormalizedRequest shape.
func ParseInbound(style domain.ApiStyle, body []byte) (*NormalizedRequest, error) {
	switch style {
	case domain.StyleClaude:
		return parseClaude(body)
	case domain.StyleResponses:
		return parseResponses(body)
	default:
		return parseOpenAI(body)
	}
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAIInbound struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Input          json.RawMessage `json:"input"`
	Stream         bool            `json:"stream"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ConversationID string          `json:"conversation_id"`
}

func parseOpenAI(body []byte) (*NormalizedRequest, error) {
	var in openAIInbound
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("protocol: invalid openai request: %w", err)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("protocol: field 'model' is required")
	}

	var msgs []providers.Message
	for _, m := range in.Messages {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: flattenContent(m.Content)})
	}

	// Gemini-style input:[...] payload posted against a gemini* model,
	// absent the messages array: flatten into OpenAI messages (§4.7).
	if len(msgs) == 0 && len(in.Input) > 0 && strings.HasPrefix(in.Model, "gemini") {
		flattened, err := flattenResponsesInput(in.Input)
		if err != nil {
			return nil, err
		}
		msgs = flattened
	}

	if len(msgs) == 0 {
		return nil, fmt.Errorf("protocol: field 'messages' is required")
	}

	return &NormalizedRequest{
		Model:          in.Model,
		Messages:       msgs,
		Stream:         in.Stream,
		Temperature:    in.Temperature,
		MaxTokens:      in.MaxTokens,
		ConversationID: in.ConversationID,
	}, nil
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeInbound struct {
	Model         string          `json:"model"`
	System        string          `json:"system"`
	Messages      []claudeMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream"`
	Temperature   float64         `json:"temperature"`
	Metadata      struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

func parseClaude(body []byte) (*NormalizedRequest, error) {
	var in claudeInbound
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("protocol: invalid claude request: %w", err)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("protocol: field 'model' is required")
	}

	var msgs []providers.Message
	if in.System != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: flattenContent(m.Content)})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("protocol: field 'messages' is required")
	}

	return &NormalizedRequest{
		Model:          in.Model,
		Messages:       msgs,
		Stream:         in.Stream,
		Temperature:    in.Temperature,
		MaxTokens:      in.MaxTokens,
		ConversationID: in.Metadata.UserID,
	}, nil
}

type responsesInbound struct {
	Model          string          `json:"model"`
	Instructions   string          `json:"instructions"`
	Input          json.RawMessage `json:"input"`
	Stream         bool            `json:"stream"`
	Temperature    float64         `json:"temperature"`
	MaxOutputTokens int            `json:"max_output_tokens"`
	ConversationID string          `json:"conversation_id"`
}

func parseResponses(body []byte) (*NormalizedRequest, error) {
	var in responsesInbound
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("protocol: invalid responses request: %w", err)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("protocol: field 'model' is required")
	}

	var msgs []providers.Message
	if in.Instructions != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: in.Instructions})
	}
	if len(in.Input) > 0 {
		flattened, err := flattenResponsesInput(in.Input)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, flattened...)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("protocol: field 'input' is required")
	}

	return &NormalizedRequest{
		Model:          in.Model,
		Messages:       msgs,
		Stream:         in.Stream,
		Temperature:    in.Temperature,
		MaxTokens:      in.MaxOutputTokens,
		ConversationID: in.ConversationID,
	}, nil
}

// flattenContent accepts either a bare JSON string or an array of content
// blocks ({"type":"text","text":...} or {"type":"input_text","text":...})
// and returns the concatenated text in order.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// flattenResponsesInput flattens a Responses-style `input:[...]` array — one
// entry per turn, each carrying a role and a content array of
// text/input_text segments — into ordered Messages, per §4.7.
func flattenResponsesInput(raw json.RawMessage) ([]providers.Message, error) {
	var entries []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("protocol: invalid input array: %w", err)
	}
	out := make([]providers.Message, 0, len(entries))
	for _, e := range entries {
		role := e.Role
		if role == "" {
			role = "user"
		}
		out = append(out, providers.Message{Role: role, Content: flattenContent(e.Content)})
	}
	return out, nil
}
