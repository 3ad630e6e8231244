package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchflow/backend/internal/model"
)

func generating(id, content string) model.Progress {
	return model.Progress{Kind: model.ProgressGenerating, NodeID: id, Response: &model.ChatResponse{Content: content}}
}

func drain(ch <-chan model.Progress) []model.Progress {
	var out []model.Progress
	for p := range ch {
		out = append(out, p)
	}
	return out
}

func TestHub(t *testing.T) {
	t.Run("Success - Late subscriber gets a snapshot", func(t *testing.T) {
		h := NewHub()
		h.Open("n1")
		h.Publish(generating("n1", "Hel"))
		h.Publish(generating("n1", "lo"))

		events, _, ok := h.Subscribe("n1")
		require.True(t, ok)
		h.Publish(generating("n1", "!"))
		h.Publish(model.Progress{Kind: model.ProgressGenerated, NodeID: "n1", Response: &model.ChatResponse{Content: "Hello!"}})
		h.Publish(model.Progress{Kind: model.ProgressFinished, NodeID: "n1"})

		got := drain(events)
		require.Len(t, got, 4)
		assert.Equal(t, "Hello", got[0].Response.Content)
		assert.Equal(t, "!", got[1].Response.Content)
		assert.Equal(t, model.ProgressGenerated, got[2].Kind)
		assert.Equal(t, model.ProgressFinished, got[3].Kind)

		_, _, ok = h.Subscribe("n1")
		assert.False(t, ok)
	})

	t.Run("Success - Subscriber after Generated sees it", func(t *testing.T) {
		h := NewHub()
		h.Open("n1")
		h.Publish(model.Progress{Kind: model.ProgressGenerated, NodeID: "n1", Response: &model.ChatResponse{Content: "done"}})

		events, cancel, ok := h.Subscribe("n1")
		require.True(t, ok)
		first := <-events
		assert.Equal(t, model.ProgressGenerated, first.Kind)
		cancel()
		cancel()

		_, open := <-events
		assert.False(t, open)
	})

	t.Run("Success - Slow subscriber is dropped", func(t *testing.T) {
		h := NewHub()
		h.Open("n1")
		events, _, ok := h.Subscribe("n1")
		require.True(t, ok)

		for i := 0; i < subscriberBuffer+1; i++ {
			h.Publish(generating("n1", "x"))
		}
		got := drain(events)
		assert.Len(t, got, subscriberBuffer)
	})

	t.Run("Success - Events for unknown nodes are ignored", func(t *testing.T) {
		h := NewHub()
		h.Publish(generating("ghost", "x"))
		_, _, ok := h.Subscribe("ghost")
		assert.False(t, ok)
	})
}
