package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/model"
)

type openaiProvider struct {
	name   string
	client *openai.Client
}

// NewOpenAIProvider talks to the hosted OpenAI API, or to any endpoint that
// speaks the same protocol when baseURL is set.
func NewOpenAIProvider(name, apiKey, baseURL string) Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openaiProvider{name: name, client: openai.NewClientWithConfig(cfg)}
}

func (p *openaiProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{Model: req.Model}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Role: m.Role}
		images := imageParts(m.Files)
		if len(images) == 0 {
			msg.Content = m.Content
		} else {
			msg.MultiContent = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}, images...)
		}
		out.Messages = append(out.Messages, msg)
	}

	o := req.Options
	if o.Temperature != nil {
		out.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		out.TopP = *o.TopP
	}
	if o.Seed != nil {
		seed := *o.Seed
		out.Seed = &seed
	}
	if o.RepeatPenalty != nil {
		out.FrequencyPenalty = *o.RepeatPenalty
	}
	if o.MaxTokens != nil {
		out.MaxTokens = *o.MaxTokens
	}
	return out
}

func imageParts(files []File) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, f := range files {
		if !strings.HasPrefix(f.MimeType, "image/") {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: fmt.Sprintf("data:%s;base64,%s", f.MimeType, f.Data)},
		})
	}
	return parts
}

// Complete drains a stream so that reasoning_content, which the typed
// non-streaming response drops, still reaches Response.Thinking.
func (p *openaiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan Chunk, 16)
	errc := make(chan error, 1)
	go func() { errc <- p.Stream(ctx, req, ch) }()

	var content, thought strings.Builder
	var calls []model.FuncCall
	for c := range ch {
		content.WriteString(c.Content)
		thought.WriteString(c.Thinking)
		if c.Done {
			calls = c.FuncCalls
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return &Response{Content: content.String(), Thinking: thought.String(), FuncCalls: calls}, nil
}

// reasoningDelta picks up the reasoning_content field that compatible
// servers add to each delta. The client library has no field for it.
type reasoningDelta struct {
	Choices []struct {
		Delta struct {
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (p *openaiProvider) Stream(ctx context.Context, req *Request, ch chan<- Chunk) error {
	defer close(ch)

	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req))
	if err != nil {
		return p.wrapError(ctx, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Debug("Failed to close stream", "provider", p.name, "error", err)
		}
	}()

	merger := newToolCallMerger()
	for {
		raw, err := stream.RecvRaw()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p.wrapError(ctx, err)
		}

		var response openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(raw, &response); err != nil {
			return &app_errors.ProviderError{Provider: p.name, Message: fmt.Sprintf("malformed stream chunk: %v", err)}
		}
		if len(response.Choices) == 0 {
			continue
		}
		var extra reasoningDelta
		if err := json.Unmarshal(raw, &extra); err != nil {
			slog.Debug("Ignoring unreadable reasoning field", "provider", p.name, "error", err)
		}
		reasoning := ""
		if len(extra.Choices) > 0 {
			reasoning = extra.Choices[0].Delta.ReasoningContent
		}

		delta := response.Choices[0].Delta
		if len(delta.ToolCalls) > 0 {
			merger.add(delta.ToolCalls)
		}
		if delta.Content == "" && reasoning == "" {
			continue
		}
		select {
		case ch <- Chunk{Content: delta.Content, Thinking: reasoning}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Tool call arguments arrive in fragments; they are only meaningful once merged.
	final := Chunk{Done: true, FuncCalls: convertOpenAIToolCalls(merger.calls())}
	select {
	case ch <- final:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *openaiProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.wrapError(ctx, err)
	}
	models := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, ModelInfo{Name: m.ID})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

// wrapError keeps the vendor's message verbatim.
func (p *openaiProvider) wrapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &app_errors.ProviderError{Provider: p.name, Message: apiErr.Message}
	}
	return app_errors.NewProviderError(p.name, err)
}

// toolCallMerger joins streamed tool call fragments by index.
type toolCallMerger struct {
	byIndex map[int]openai.ToolCall
}

func newToolCallMerger() *toolCallMerger {
	return &toolCallMerger{byIndex: make(map[int]openai.ToolCall)}
}

func (m *toolCallMerger) add(calls []openai.ToolCall) {
	for _, call := range calls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		if existing, found := m.byIndex[index]; found {
			existing.Function.Name += call.Function.Name
			existing.Function.Arguments += call.Function.Arguments
			if existing.ID == "" {
				existing.ID = call.ID
			}
			m.byIndex[index] = existing
		} else {
			m.byIndex[index] = call
		}
	}
}

func (m *toolCallMerger) calls() []openai.ToolCall {
	indexes := make([]int, 0, len(m.byIndex))
	for i := range m.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]openai.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, m.byIndex[i])
	}
	return out
}

func convertOpenAIToolCalls(calls []openai.ToolCall) []model.FuncCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.FuncCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, model.FuncCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return out
}
