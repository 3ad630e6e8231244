// Package generation drives a single streaming completion and reports its
// progress as a small state machine: Idle, then any number of Generating
// deltas, then Generated or Err, then exactly one Finished.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/llm"
	"branchflow/backend/internal/metrics"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/thinking"
)

// Streamer starts a provider stream. It must close ch before returning.
// *llm.Dispatch satisfies it.
type Streamer interface {
	Stream(ctx context.Context, ref model.ModelRef, req *llm.Request, ch chan<- llm.Chunk) error
}

// EmitFunc receives progress events. Calls are sequential and happen on the
// goroutine that called Run.
type EmitFunc func(model.Progress)

type Engine struct {
	streamer Streamer
	// chunkBuffer is the capacity of the channel between provider and engine.
	chunkBuffer int
}

func NewEngine(streamer Streamer) *Engine {
	return &Engine{streamer: streamer, chunkBuffer: 32}
}

// accumulator collects the running response. Once a provider uses the
// dedicated thinking channel, inline tags are no longer interpreted.
type accumulator struct {
	splitter  *thinking.Splitter
	native    bool
	raw       strings.Builder
	content   strings.Builder
	thinking  strings.Builder
	funcCalls []model.FuncCall
}

func (a *accumulator) feed(chunk llm.Chunk) model.ChatResponse {
	delta := model.ChatResponse{Role: model.RoleAI, FuncCalls: chunk.FuncCalls}
	a.raw.WriteString(chunk.Content)
	if chunk.Thinking != "" {
		a.native = true
	}

	if a.native {
		delta.Content, delta.Thinking = chunk.Content, chunk.Thinking
	} else {
		delta.Content, delta.Thinking = a.splitter.Feed(chunk.Content)
	}

	a.content.WriteString(delta.Content)
	a.thinking.WriteString(delta.Thinking)
	a.funcCalls = append(a.funcCalls, chunk.FuncCalls...)
	return delta
}

func (a *accumulator) flush() model.ChatResponse {
	delta := model.ChatResponse{Role: model.RoleAI}
	if !a.native {
		delta.Content, delta.Thinking = a.splitter.Flush()
		a.content.WriteString(delta.Content)
		a.thinking.WriteString(delta.Thinking)
	}
	return delta
}

// final re-splits the whole raw text so tags that straddled a chunk boundary
// are handled the same way as tags inside one chunk.
func (a *accumulator) final() *model.ChatResponse {
	var r thinking.Result
	if a.native {
		r = thinking.Result{Content: a.content.String(), Thinking: a.thinking.String()}
	} else {
		r = thinking.Split(thinking.Result{Content: a.raw.String()})
	}
	return &model.ChatResponse{
		Role:      model.RoleAI,
		Content:   r.Content,
		Thinking:  r.Thinking,
		FuncCalls: a.funcCalls,
	}
}

// Run streams ref's answer to req. On success it returns the final response
// after emitting Generated. On failure it emits Err and returns an error that
// matches app_errors.ErrCancelled when ctx was cancelled. Finished is always
// the last event.
func (e *Engine) Run(ctx context.Context, ref model.ModelRef, req *llm.Request, emit EmitFunc) (*model.ChatResponse, error) {
	defer emit(model.Progress{Kind: model.ProgressFinished})
	emit(model.Progress{Kind: model.ProgressIdle})

	start := time.Now()
	metrics.ActiveGenerations.Inc()
	defer metrics.ActiveGenerations.Dec()

	ch := make(chan llm.Chunk, e.chunkBuffer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.streamer.Stream(ctx, ref, req, ch)
	}()

	acc := &accumulator{splitter: thinking.NewSplitter()}
	for chunk := range ch {
		metrics.StreamChunksTotal.WithLabelValues(ref.Provider).Inc()
		delta := acc.feed(chunk)
		if !delta.Empty() {
			emit(model.Progress{Kind: model.ProgressGenerating, Response: &delta})
		}
	}
	streamErr := <-errCh
	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}

	if tail := acc.flush(); !tail.Empty() {
		emit(model.Progress{Kind: model.ProgressGenerating, Response: &tail})
	}
	metrics.GenerationDuration.WithLabelValues(ref.Provider).Observe(time.Since(start).Seconds())

	if streamErr != nil {
		kind, err := classify(ctx, streamErr)
		outcome := metrics.OutcomeErrored
		if kind == model.FailureCancelled {
			outcome = metrics.OutcomeCancelled
		} else {
			slog.Warn("Generation failed", "model", ref.String(), "error", streamErr)
		}
		metrics.GenerationsTotal.WithLabelValues(ref.Provider, outcome).Inc()
		emit(model.Progress{Kind: model.ProgressErr, Error: Message(streamErr), ErrorKind: kind})
		return nil, err
	}

	final := acc.final()
	metrics.GenerationsTotal.WithLabelValues(ref.Provider, metrics.OutcomeGenerated).Inc()
	emit(model.Progress{Kind: model.ProgressGenerated, Response: final})
	return final, nil
}

// classify maps a stream error to the failure kind stored on the node and to
// the error returned to the caller.
func classify(ctx context.Context, err error) (model.FailureKind, error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, app_errors.ErrCancelled), ctx.Err() != nil:
		return model.FailureCancelled, fmt.Errorf("%w: %v", app_errors.ErrCancelled, err)
	case errors.Is(err, app_errors.ErrProvider):
		return model.FailureProvider, err
	case errors.Is(err, app_errors.ErrPersistence):
		return model.FailurePersistence, err
	default:
		return model.FailureInternal, err
	}
}

// Message is the human-readable text attached to a failed node. Provider
// failures keep the vendor's wording.
func Message(err error) string {
	var pe *app_errors.ProviderError
	if errors.As(err, &pe) {
		return pe.Message
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, app_errors.ErrCancelled) {
		return "generation was cancelled"
	}
	return err.Error()
}
