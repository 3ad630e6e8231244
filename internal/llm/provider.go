package llm

import (
	"context"

	"branchflow/backend/internal/model"
)

// Provider kinds understood by NewProvider.
const (
	KindOllama           = "ollama"
	KindOpenAI           = "openai"
	KindOpenAICompatible = "openai-compatible"
	KindLocal            = "local"
)

// Message is one provider-agnostic chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Files   []File `json:"files,omitempty"`
}

// File is an attachment resolved from the file store.
type File struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	// Data is the base64 encoded content.
	Data string `json:"data"`
}

// Options holds the activated generation options. Nil means "backend default".
type Options struct {
	Temperature   *float32        `json:"temperature,omitempty"`
	TopP          *float32        `json:"top_p,omitempty"`
	Seed          *int            `json:"seed,omitempty"`
	RepeatPenalty *float32        `json:"repeat_penalty,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Flags         map[string]bool `json:"flags,omitempty"`
}

// OptionsFrom keeps only the activated values of an option set.
func OptionsFrom(set *model.OptionSet) Options {
	var o Options
	if set == nil {
		return o
	}
	if set.Temperature.Activated {
		v := set.Temperature.Value
		o.Temperature = &v
	}
	if set.TopP.Activated {
		v := set.TopP.Value
		o.TopP = &v
	}
	if set.Seed.Activated {
		v := set.Seed.Value
		o.Seed = &v
	}
	if set.RepeatPenalty.Activated {
		v := set.RepeatPenalty.Value
		o.RepeatPenalty = &v
	}
	if set.MaxTokens.Activated {
		v := set.MaxTokens.Value
		o.MaxTokens = &v
	}
	for k, on := range set.Flags {
		if on {
			if o.Flags == nil {
				o.Flags = make(map[string]bool)
			}
			o.Flags[k] = true
		}
	}
	return o
}

// Request is a normalized generation request.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Options  Options   `json:"options"`
}

// Chunk is one normalized piece of a stream.
type Chunk struct {
	Content   string
	Thinking  string
	FuncCalls []model.FuncCall
	Done      bool
}

// Response is a normalized non-streaming result.
type Response struct {
	Content   string
	Thinking  string
	FuncCalls []model.FuncCall
}

// ModelInfo describes one model offered by a provider.
type ModelInfo struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// Provider is the capability surface every backend implements. Stream must
// close ch before returning, on success and on error.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request, ch chan<- Chunk) error
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
