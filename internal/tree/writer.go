package tree

import (
	"context"
	"sync"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/model"
)

// Writer is the exclusive right to mutate one node's body while it is being
// generated. Readers see the buffers grow through GetNode and GetPath.
type Writer struct {
	tree *Tree
	cs   *chatState
	e    *entry
	once sync.Once
}

func newWriter(t *Tree, cs *chatState, e *entry) *Writer {
	w := &Writer{tree: t, cs: cs, e: e}
	e.mu.Lock()
	e.writer = w
	e.released = make(chan struct{})
	e.mu.Unlock()
	return w
}

func (w *Writer) NodeID() string {
	return w.e.node.ID
}

// Snapshot returns a copy of the node as it is right now.
func (w *Writer) Snapshot() *model.Node {
	w.cs.mu.RLock()
	defer w.cs.mu.RUnlock()
	return w.cs.snapshot(w.e)
}

// Append adds a streamed delta to the node's buffers.
func (w *Writer) Append(delta model.ChatResponse) {
	w.e.mu.Lock()
	defer w.e.mu.Unlock()

	w.e.node.Content += delta.Content
	if delta.Thinking != "" {
		th := delta.Thinking
		if w.e.node.Thinking != nil {
			th = *w.e.node.Thinking + th
		}
		w.e.node.Thinking = &th
	}
	w.e.node.FuncCalls = append(w.e.node.FuncCalls, delta.FuncCalls...)
}

// Complete replaces the buffers with the final response, marks the node
// complete and stores it. When the store write fails the node keeps its
// final state in memory and can be retried with Tree.Persist.
func (w *Writer) Complete(ctx context.Context, final model.ChatResponse) error {
	w.e.mu.Lock()
	w.e.node.Content = final.Content
	w.e.node.Thinking = nil
	if final.Thinking != "" {
		th := final.Thinking
		w.e.node.Thinking = &th
	}
	w.e.node.FuncCalls = final.FuncCalls
	w.e.node.Status = model.StatusComplete
	w.e.node.Failure = nil
	w.e.mu.Unlock()

	return w.store(ctx, "complete")
}

// Fail marks the node errored, or cancelled for FailureCancelled, keeping
// whatever partial output it had.
func (w *Writer) Fail(ctx context.Context, kind model.FailureKind, message string) error {
	w.e.mu.Lock()
	if kind == model.FailureCancelled {
		w.e.node.Status = model.StatusCancelled
	} else {
		w.e.node.Status = model.StatusErrored
	}
	w.e.node.Failure = &model.Failure{Kind: kind, Message: message}
	w.e.mu.Unlock()

	return w.store(ctx, "fail")
}

func (w *Writer) store(ctx context.Context, op string) error {
	w.cs.mu.RLock()
	defer w.cs.mu.RUnlock()

	w.e.mu.Lock()
	node := w.e.node
	w.e.mu.Unlock()

	// The node's final state must reach the store even if the request
	// that drove the generation is gone.
	if err := w.tree.repo.UpdateNodeBody(context.WithoutCancel(ctx), &node); err != nil {
		w.e.mu.Lock()
		w.e.dirty = true
		w.e.mu.Unlock()
		return app_errors.Persistence(op, err)
	}

	w.e.mu.Lock()
	w.e.dirty = false
	w.e.mu.Unlock()
	return nil
}

// Release gives up the claim. It is safe to call more than once. A node
// that is released while still generating is marked cancelled.
func (w *Writer) Release() {
	w.once.Do(func() {
		w.e.mu.Lock()
		generating := w.e.node.Status == model.StatusGenerating
		w.e.mu.Unlock()

		if generating {
			_ = w.Fail(context.Background(), model.FailureCancelled, "generation was abandoned")
		}

		w.e.mu.Lock()
		w.e.writer = nil
		close(w.e.released)
		w.e.mu.Unlock()
	})
}
