package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	app_errors "branchflow/backend/internal/errors"
)

var errLocalClosed = errors.New("local provider is closed")

// Models offered by the local backend.
const (
	// LocalModelEcho repeats the last user message word by word.
	LocalModelEcho = "echo"
	// LocalModelThink does the same but wraps a short reasoning section in
	// inline <think> tags first.
	LocalModelThink = "think"
	// LocalModelFail emits part of the echo and then fails.
	LocalModelFail = "fail"
)

// LocalProvider is an in-process backend. Generation runs on a fixed pool of
// worker goroutines so that CPU-bound work never occupies the goroutines
// serving network streams.
type LocalProvider struct {
	name       string
	tokenDelay time.Duration
	jobs       chan localJob
	quit       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type localJob struct {
	ctx  context.Context
	req  *Request
	emit func(Chunk) bool
	done chan error
}

func NewLocalProvider(name string, workers int, tokenDelay time.Duration) *LocalProvider {
	if workers < 1 {
		workers = 1
	}
	p := &LocalProvider{
		name:       name,
		tokenDelay: tokenDelay,
		jobs:       make(chan localJob),
		quit:       make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Close stops the workers after the jobs in progress finish.
func (p *LocalProvider) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
	})
}

func (p *LocalProvider) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			job.done <- p.generate(job.ctx, job.req, job.emit)
		case <-p.quit:
			return
		}
	}
}

func (p *LocalProvider) submit(ctx context.Context, req *Request, emit func(Chunk) bool) error {
	job := localJob{ctx: ctx, req: req, emit: emit, done: make(chan error, 1)}
	select {
	case p.jobs <- job:
	case <-p.quit:
		return errLocalClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-job.done
}

func (p *LocalProvider) generate(ctx context.Context, req *Request, emit func(Chunk) bool) error {
	var tokens []string
	switch req.Model {
	case LocalModelEcho:
		tokens = tokenize(lastUserText(req.Messages))
	case LocalModelThink:
		tokens = append([]string{"<think>", "Echoing ", "the ", "prompt.", "</think>"}, tokenize(lastUserText(req.Messages))...)
	case LocalModelFail:
		tokens = tokenize(lastUserText(req.Messages))
		if len(tokens) > 1 {
			tokens = tokens[:len(tokens)/2]
		}
	default:
		return &app_errors.ProviderError{Provider: p.name, Message: "model '" + req.Model + "' not found"}
	}

	if req.Options.MaxTokens != nil && *req.Options.MaxTokens < len(tokens) {
		tokens = tokens[:max(*req.Options.MaxTokens, 0)]
	}

	for _, tok := range tokens {
		if p.tokenDelay > 0 {
			select {
			case <-time.After(p.tokenDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !emit(Chunk{Content: tok}) {
			return ctx.Err()
		}
	}

	if req.Model == LocalModelFail {
		return &app_errors.ProviderError{Provider: p.name, Message: "simulated failure"}
	}
	emit(Chunk{Done: true})
	return nil
}

func (p *LocalProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	var b strings.Builder
	err := p.submit(ctx, req, func(c Chunk) bool {
		b.WriteString(c.Content)
		return true
	})
	if err != nil {
		return nil, err
	}
	return &Response{Content: b.String()}, nil
}

func (p *LocalProvider) Stream(ctx context.Context, req *Request, ch chan<- Chunk) error {
	defer close(ch)
	return p.submit(ctx, req, func(c Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (p *LocalProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{Name: LocalModelEcho}, {Name: LocalModelFail}, {Name: LocalModelThink}}, nil
}

func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// tokenize splits text into words that keep their trailing whitespace, so
// the tokens concatenate back to the original text.
func tokenize(text string) []string {
	var tokens []string
	for text != "" {
		i := strings.IndexAny(text, " \n\t")
		if i < 0 {
			tokens = append(tokens, text)
			break
		}
		j := i
		for j < len(text) && strings.ContainsRune(" \n\t", rune(text[j])) {
			j++
		}
		tokens = append(tokens, text[:j])
		text = text[j:]
	}
	return tokens
}
