package service

import (
	"log/slog"
	"sync"

	"branchflow/backend/internal/metrics"
	"branchflow/backend/internal/model"
)

// subscriberBuffer is how many events a subscriber may fall behind before it
// is dropped.
const subscriberBuffer = 256

// Hub fans progress events of running generations out to subscribers.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*progressStream
}

type progressStream struct {
	// acc mirrors the node buffers so late subscribers can catch up.
	acc      model.ChatResponse
	terminal *model.Progress
	subs     map[chan model.Progress]struct{}
}

func NewHub() *Hub {
	return &Hub{streams: make(map[string]*progressStream)}
}

// Open starts accepting events for nodeID.
func (h *Hub) Open(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[nodeID] = &progressStream{
		acc:  model.ChatResponse{Role: model.RoleAI},
		subs: make(map[chan model.Progress]struct{}),
	}
}

// Publish delivers p to every subscriber of p.NodeID. Finished closes the
// stream.
func (h *Hub) Publish(p model.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.streams[p.NodeID]
	if st == nil {
		return
	}

	switch p.Kind {
	case model.ProgressGenerating:
		st.acc.Content += p.Response.Content
		st.acc.Thinking += p.Response.Thinking
		st.acc.FuncCalls = append(st.acc.FuncCalls, p.Response.FuncCalls...)
	case model.ProgressGenerated:
		st.acc = *p.Response
		st.terminal = &p
	case model.ProgressErr:
		st.terminal = &p
	}

	for sub := range st.subs {
		select {
		case sub <- p:
		default:
			slog.Warn("Dropping slow progress subscriber", "node_id", p.NodeID)
			h.drop(st, sub)
		}
	}

	if p.Kind == model.ProgressFinished {
		for sub := range st.subs {
			h.drop(st, sub)
		}
		delete(h.streams, p.NodeID)
	}
}

// Subscribe attaches to a running generation. The first event is a snapshot
// of everything generated so far. ok is false when nodeID is not running.
func (h *Hub) Subscribe(nodeID string) (events <-chan model.Progress, cancel func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.streams[nodeID]
	if st == nil {
		return nil, nil, false
	}

	ch := make(chan model.Progress, subscriberBuffer)
	if st.terminal != nil && st.terminal.Kind == model.ProgressGenerated {
		ch <- *st.terminal
	} else {
		snapshot := st.acc
		snapshot.FuncCalls = append([]model.FuncCall(nil), st.acc.FuncCalls...)
		ch <- model.Progress{Kind: model.ProgressGenerating, NodeID: nodeID, Response: &snapshot}
		if st.terminal != nil {
			ch <- *st.terminal
		}
	}
	st.subs[ch] = struct{}{}
	metrics.ProgressSubscribers.Inc()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, still := st.subs[ch]; still {
			h.drop(st, ch)
		}
	}, true
}

func (h *Hub) drop(st *progressStream, sub chan model.Progress) {
	delete(st.subs, sub)
	close(sub)
	metrics.ProgressSubscribers.Dec()
}
