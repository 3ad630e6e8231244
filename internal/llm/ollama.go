package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/model"
)

type ollamaProvider struct {
	name   string
	client *http.Client
	url    string
}

func NewOllamaProvider(name, url string) Provider {
	return &ollamaProvider{
		name:   name,
		client: &http.Client{},
		url:    strings.TrimRight(url, "/"),
	}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Think    *bool           `json:"think,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (p *ollamaProvider) buildRequest(req *Request, stream bool) *ollamaChatRequest {
	out := &ollamaChatRequest{Model: req.Model, Stream: stream}
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, f := range m.Files {
			if strings.HasPrefix(f.MimeType, "image/") {
				om.Images = append(om.Images, f.Data)
			}
		}
		out.Messages = append(out.Messages, om)
	}

	opts := map[string]any{}
	if req.Options.Temperature != nil {
		opts["temperature"] = *req.Options.Temperature
	}
	if req.Options.TopP != nil {
		opts["top_p"] = *req.Options.TopP
	}
	if req.Options.Seed != nil {
		opts["seed"] = *req.Options.Seed
	}
	if req.Options.RepeatPenalty != nil {
		opts["repeat_penalty"] = *req.Options.RepeatPenalty
	}
	if req.Options.MaxTokens != nil {
		opts["num_predict"] = *req.Options.MaxTokens
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	if think, ok := req.Options.Flags["think"]; ok {
		out.Think = &think
	}
	return out
}

func (p *ollamaProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("could not create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, app_errors.NewProviderError(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}
	return resp, nil
}

// statusError reports a non-200 answer, preferring Ollama's own error text.
func (p *ollamaProvider) statusError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(bodyBytes, &e) == nil && e.Error != "" {
		return &app_errors.ProviderError{Provider: p.name, Message: e.Error}
	}
	return &app_errors.ProviderError{Provider: p.name, Message: fmt.Sprintf("api returned non-200 status %d: %s", resp.StatusCode, string(bodyBytes))}
}

func (p *ollamaProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.post(ctx, "/api/chat", p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, app_errors.NewProviderError(p.name, fmt.Errorf("could not decode response: %w", err))
	}
	if chatResp.Error != "" {
		return nil, &app_errors.ProviderError{Provider: p.name, Message: chatResp.Error}
	}
	return &Response{
		Content:   chatResp.Message.Content,
		Thinking:  chatResp.Message.Thinking,
		FuncCalls: convertOllamaToolCalls(chatResp.Message.ToolCalls),
	}, nil
}

func (p *ollamaProvider) Stream(ctx context.Context, req *Request, ch chan<- Chunk) error {
	defer close(ch)

	resp, err := p.post(ctx, "/api/chat", p.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return app_errors.NewProviderError(p.name, fmt.Errorf("failed to decode stream chunk: %w", err))
		}
		if chunk.Error != "" {
			return &app_errors.ProviderError{Provider: p.name, Message: chunk.Error}
		}

		out := Chunk{
			Content:   chunk.Message.Content,
			Thinking:  chunk.Message.Thinking,
			FuncCalls: convertOllamaToolCalls(chunk.Message.ToolCalls),
			Done:      chunk.Done,
		}
		select {
		case ch <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return app_errors.NewProviderError(p.name, err)
	}
	return nil
}

func (p *ollamaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("could not create http request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, app_errors.NewProviderError(p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var tags struct {
		Models []struct {
			Name       string `json:"name"`
			ModifiedAt string `json:"modified_at"`
			Size       int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, app_errors.NewProviderError(p.name, fmt.Errorf("could not decode model list: %w", err))
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{Name: m.Name, ModifiedAt: m.ModifiedAt, Size: m.Size})
	}
	return models, nil
}

func convertOllamaToolCalls(calls []ollamaToolCall) []model.FuncCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.FuncCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, model.FuncCall{Name: c.Function.Name, Arguments: string(c.Function.Arguments)})
	}
	return out
}
