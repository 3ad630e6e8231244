package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/model"
)

// ContinuePrompt is sent as the final user turn when a conversation would
// otherwise end on a non-user message.
const ContinuePrompt = "Continue."

// Spec describes one registered backend.
type Spec struct {
	Name   string
	Kind   string
	URL    string
	APIKey string
}

// NewProvider builds the backend described by spec. Local backends are
// created by the caller because they own worker goroutines.
func NewProvider(spec Spec) (Provider, error) {
	switch spec.Kind {
	case KindOllama:
		return NewOllamaProvider(spec.Name, spec.URL), nil
	case KindOpenAI:
		return NewOpenAIProvider(spec.Name, spec.APIKey, ""), nil
	case KindOpenAICompatible:
		if spec.URL == "" {
			return nil, fmt.Errorf("%w: provider %s needs a url", app_errors.ErrValidation, spec.Name)
		}
		return NewOpenAIProvider(spec.Name, spec.APIKey, spec.URL), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q for %s", app_errors.ErrValidation, spec.Kind, spec.Name)
	}
}

// Dispatch routes normalized requests to registered providers by name.
type Dispatch struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewDispatch() *Dispatch {
	return &Dispatch{providers: make(map[string]Provider)}
}

func (d *Dispatch) Register(name string, p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[name] = p
}

func (d *Dispatch) Get(name string) (Provider, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", app_errors.ErrNotFound, name)
	}
	return p, nil
}

// Names lists the registered providers in alphabetical order.
func (d *Dispatch) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.providers))
	for name := range d.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stream starts a stream on the provider named by ref. ch is always closed.
func (d *Dispatch) Stream(ctx context.Context, ref model.ModelRef, req *Request, ch chan<- Chunk) error {
	p, err := d.Get(ref.Provider)
	if err != nil {
		close(ch)
		return err
	}
	prepared := *req
	prepared.Model = ref.Model
	prepared.Messages = PrepareMessages(req.Messages)
	return p.Stream(ctx, &prepared, ch)
}

func (d *Dispatch) Complete(ctx context.Context, ref model.ModelRef, req *Request) (*Response, error) {
	p, err := d.Get(ref.Provider)
	if err != nil {
		return nil, err
	}
	prepared := *req
	prepared.Model = ref.Model
	prepared.Messages = PrepareMessages(req.Messages)
	return p.Complete(ctx, &prepared)
}

// ListModels asks every provider for its models. A provider that cannot be
// reached is logged and reported with an empty list.
func (d *Dispatch) ListModels(ctx context.Context) map[string][]ModelInfo {
	out := make(map[string][]ModelInfo)
	for _, name := range d.Names() {
		p, err := d.Get(name)
		if err != nil {
			continue
		}
		models, err := p.ListModels(ctx)
		if err != nil {
			slog.Warn("Could not list models", "provider", name, "error", err)
			models = []ModelInfo{}
		}
		out[name] = models
	}
	return out
}

// PrepareMessages returns the list that is actually sent: when it does not
// end with a user turn, a synthetic continuation prompt is appended.
func PrepareMessages(messages []Message) []Message {
	if len(messages) > 0 && messages[len(messages)-1].Role == string(model.RoleUser) {
		return messages
	}
	out := make([]Message, len(messages), len(messages)+1)
	copy(out, messages)
	return append(out, Message{Role: string(model.RoleUser), Content: ContinuePrompt})
}
