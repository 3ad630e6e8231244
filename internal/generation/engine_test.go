package generation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/generation"
	"branchflow/backend/internal/llm"
	"branchflow/backend/internal/llm/mocks"
	"branchflow/backend/internal/model"
)

// fakeStreamer replays chunks and then returns err. With block set it waits
// for cancellation after the chunks instead.
type fakeStreamer struct {
	chunks  []llm.Chunk
	err     error
	block   bool
	started chan struct{}
}

func (f *fakeStreamer) Stream(ctx context.Context, _ model.ModelRef, _ *llm.Request, ch chan<- llm.Chunk) error {
	defer close(ch)
	for _, c := range f.chunks {
		select {
		case ch <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.block {
		if f.started != nil {
			close(f.started)
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

type recorder struct {
	events []model.Progress
}

func (r *recorder) emit(p model.Progress) { r.events = append(r.events, p) }

func (r *recorder) kinds() []model.ProgressKind {
	out := make([]model.ProgressKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// applied folds Generating deltas the way a node owner does.
func (r *recorder) applied() (content, thinking string) {
	for _, e := range r.events {
		if e.Kind == model.ProgressGenerating {
			content += e.Response.Content
			thinking += e.Response.Thinking
		}
	}
	return content, thinking
}

var ref = model.ModelRef{Provider: "fake", Model: "m"}

func TestEngineRun(t *testing.T) {
	ctx := context.Background()
	req := &llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}}

	t.Run("Success - Inline thinking split across chunks", func(t *testing.T) {
		s := &fakeStreamer{chunks: []llm.Chunk{
			{Content: "<thi"}, {Content: "nk>plan</th"}, {Content: "ink>Hello"}, {Content: " world"}, {Done: true},
		}}
		rec := &recorder{}

		final, err := generation.NewEngine(s).Run(ctx, ref, req, rec.emit)
		require.NoError(t, err)

		assert.Equal(t, "Hello world", final.Content)
		assert.Equal(t, "plan", final.Thinking)
		assert.Equal(t, model.RoleAI, final.Role)

		kinds := rec.kinds()
		assert.Equal(t, model.ProgressIdle, kinds[0])
		assert.Equal(t, model.ProgressGenerated, kinds[len(kinds)-2])
		assert.Equal(t, model.ProgressFinished, kinds[len(kinds)-1])

		// Deltas applied in order add up to the final snapshot.
		content, thinking := rec.applied()
		assert.Equal(t, final.Content, content)
		assert.Equal(t, final.Thinking, thinking)
	})

	t.Run("Success - Native thinking disables tag parsing", func(t *testing.T) {
		s := &fakeStreamer{chunks: []llm.Chunk{
			{Thinking: "reasoning"}, {Content: "<think>x</think>y"},
		}}
		rec := &recorder{}

		final, err := generation.NewEngine(s).Run(ctx, ref, req, rec.emit)
		require.NoError(t, err)
		assert.Equal(t, "<think>x</think>y", final.Content)
		assert.Equal(t, "reasoning", final.Thinking)
	})

	t.Run("Success - Unclosed think tag stays thinking", func(t *testing.T) {
		s := &fakeStreamer{chunks: []llm.Chunk{{Content: "<think>still "}, {Content: "going"}}}
		rec := &recorder{}

		final, err := generation.NewEngine(s).Run(ctx, ref, req, rec.emit)
		require.NoError(t, err)
		assert.Empty(t, final.Content)
		assert.Equal(t, "still going", final.Thinking)
	})

	t.Run("Success - Function calls are collected", func(t *testing.T) {
		s := &fakeStreamer{chunks: []llm.Chunk{
			{Content: "calling"},
			{Done: true, FuncCalls: []model.FuncCall{{ID: "1", Name: "lookup", Arguments: "{}"}}},
		}}
		rec := &recorder{}

		final, err := generation.NewEngine(s).Run(ctx, ref, req, rec.emit)
		require.NoError(t, err)
		require.Len(t, final.FuncCalls, 1)
		assert.Equal(t, "lookup", final.FuncCalls[0].Name)
	})

	t.Run("Failure - Provider error after partial output", func(t *testing.T) {
		s := &fakeStreamer{
			chunks: []llm.Chunk{{Content: "par"}},
			err:    &app_errors.ProviderError{Provider: "fake", Message: "rate limited"},
		}
		rec := &recorder{}

		final, err := generation.NewEngine(s).Run(ctx, ref, req, rec.emit)
		assert.Nil(t, final)
		assert.ErrorIs(t, err, app_errors.ErrProvider)

		assert.Equal(t, []model.ProgressKind{
			model.ProgressIdle, model.ProgressGenerating, model.ProgressErr, model.ProgressFinished,
		}, rec.kinds())
		errEvent := rec.events[2]
		assert.Equal(t, "rate limited", errEvent.Error)
		assert.Equal(t, model.FailureProvider, errEvent.ErrorKind)
	})

	t.Run("Failure - Cancellation", func(t *testing.T) {
		started := make(chan struct{})
		s := &fakeStreamer{chunks: []llm.Chunk{{Content: "a"}}, block: true, started: started}
		rec := &recorder{}
		runCtx, cancel := context.WithCancel(ctx)

		done := make(chan error, 1)
		go func() {
			_, err := generation.NewEngine(s).Run(runCtx, ref, req, rec.emit)
			done <- err
		}()
		<-started
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, app_errors.ErrCancelled)
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not stop after cancellation")
		}

		kinds := rec.kinds()
		require.GreaterOrEqual(t, len(kinds), 3)
		assert.Equal(t, model.ProgressFinished, kinds[len(kinds)-1])
		errEvent := rec.events[len(rec.events)-2]
		assert.Equal(t, model.ProgressErr, errEvent.Kind)
		assert.Equal(t, model.FailureCancelled, errEvent.ErrorKind)
		assert.NotContains(t, kinds, model.ProgressGenerated)
	})
}

func TestEngineWithDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Mock provider", func(t *testing.T) {
		p := mocks.NewMockProvider(t)
		d := llm.NewDispatch()
		d.Register("fake", p)

		p.On("Stream", mock.Anything, mock.Anything, mock.Anything).
			Return(func(_ context.Context, r *llm.Request, ch chan<- llm.Chunk) error {
				assert.Equal(t, "m", r.Model)
				ch <- llm.Chunk{Content: "from mock"}
				close(ch)
				return nil
			}).Once()

		rec := &recorder{}
		final, err := generation.NewEngine(d).Run(ctx, ref, &llm.Request{}, rec.emit)
		require.NoError(t, err)
		assert.Equal(t, "from mock", final.Content)
	})

	t.Run("Failure - Unregistered provider", func(t *testing.T) {
		rec := &recorder{}
		_, err := generation.NewEngine(llm.NewDispatch()).Run(ctx, ref, &llm.Request{}, rec.emit)
		assert.ErrorIs(t, err, app_errors.ErrNotFound)
		assert.Equal(t, []model.ProgressKind{model.ProgressIdle, model.ProgressErr, model.ProgressFinished}, rec.kinds())
	})
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "quota exceeded", generation.Message(&app_errors.ProviderError{Provider: "p", Message: "quota exceeded"}))
	assert.Equal(t, "generation was cancelled", generation.Message(context.Canceled))
	assert.Equal(t, "boom", generation.Message(errors.New("boom")))
}
