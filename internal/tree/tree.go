// Package tree keeps every chat as an in-memory arena of message nodes backed
// by a repository. Structural changes (append, select, delete) are serialized
// per chat; node bodies are written only by the holder of the node's Writer.
package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/repository"
)

// maxOrdinal is the largest ordinal a child edge can carry.
const maxOrdinal = 255

// NewNode carries the caller-supplied part of a node.
type NewNode struct {
	Role      model.Role
	Content   string
	Thinking  *string
	Files     []model.FileRef
	Model     *model.ModelRef
	FuncCalls []model.FuncCall
}

type Tree struct {
	repo repository.Repository

	mu       sync.Mutex
	chats    map[string]*chatState
	nodeChat map[string]string

	// loads collapses concurrent first loads of the same chat. Repository
	// reads happen outside mu.
	loads singleflight.Group
}

type chatState struct {
	mu    sync.RWMutex
	chat  model.Chat
	nodes map[string]*entry
}

// entry wraps one node. Children, SelectedChild and NextOrdinal are guarded
// by the chat lock; everything else in node by mu.
type entry struct {
	mu       sync.Mutex
	node     model.Node
	writer   *Writer
	released chan struct{}
	dirty    bool
}

func New(repo repository.Repository) *Tree {
	return &Tree{
		repo:     repo,
		chats:    make(map[string]*chatState),
		nodeChat: make(map[string]string),
	}
}

// --- Chats ---

// CreateChat stores a new, rootless chat.
func (t *Tree) CreateChat(ctx context.Context, userID, title string, toolIDs []string) (*model.Chat, error) {
	now := time.Now().UTC()
	chat := &model.Chat{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          title,
		DefaultToolIDs: toolIDs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.repo.CreateChat(ctx, chat); err != nil {
		return nil, app_errors.Persistence("create chat", err)
	}

	t.mu.Lock()
	t.chats[chat.ID] = &chatState{chat: *chat, nodes: make(map[string]*entry)}
	t.mu.Unlock()

	return chat, nil
}

func (t *Tree) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	cs, err := t.load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	chat := cs.chat
	return &chat, nil
}

func (t *Tree) ListChats(ctx context.Context, userID string) ([]*model.Chat, error) {
	chats, err := t.repo.GetChats(ctx, userID)
	if err != nil {
		return nil, app_errors.Persistence("list chats", err)
	}
	return chats, nil
}

func (t *Tree) RenameChat(ctx context.Context, chatID, title string) error {
	cs, err := t.load(ctx, chatID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := t.repo.UpdateChatTitle(ctx, chatID, title); err != nil {
		return translate("rename chat", err)
	}
	cs.chat.Title = title
	cs.chat.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteChat removes a chat and all of its nodes. It fails with
// ErrNodeBusy while any node still has a writer.
func (t *Tree) DeleteChat(ctx context.Context, chatID string) error {
	cs, err := t.load(ctx, chatID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, e := range cs.nodes {
		if e.busy() {
			return fmt.Errorf("%w: %s", app_errors.ErrNodeBusy, e.node.ID)
		}
	}
	if err := t.repo.DeleteChat(ctx, chatID); err != nil {
		return app_errors.Persistence("delete chat", err)
	}

	t.mu.Lock()
	delete(t.chats, chatID)
	for id := range cs.nodes {
		delete(t.nodeChat, id)
	}
	t.mu.Unlock()
	return nil
}

// --- Structure ---

// CreateRoot adds the first node of a chat.
func (t *Tree) CreateRoot(ctx context.Context, chatID string, in NewNode) (*model.Node, error) {
	cs, err := t.load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, err := t.insertRoot(ctx, cs, in, model.StatusComplete)
	if err != nil {
		return nil, err
	}
	return cs.snapshot(e), nil
}

// AppendChild adds a finished node under parentID.
func (t *Tree) AppendChild(ctx context.Context, parentID string, in NewNode, reason *model.Reason) (*model.Node, error) {
	cs, err := t.chatForNode(ctx, parentID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, err := t.insertChild(ctx, cs, parentID, in, reason, model.StatusComplete)
	if err != nil {
		return nil, err
	}
	return cs.snapshot(e), nil
}

// AppendGenerating adds an empty placeholder under parentID and returns the
// writer that owns it. The caller must Release the writer.
func (t *Tree) AppendGenerating(ctx context.Context, parentID string, in NewNode, reason *model.Reason) (*Writer, error) {
	cs, err := t.chatForNode(ctx, parentID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, err := t.insertChild(ctx, cs, parentID, in, reason, model.StatusGenerating)
	if err != nil {
		return nil, err
	}
	return newWriter(t, cs, e), nil
}

func (t *Tree) insertRoot(ctx context.Context, cs *chatState, in NewNode, status model.NodeStatus) (*entry, error) {
	if cs.chat.Root != nil {
		return nil, app_errors.ErrAlreadyHasRoot
	}
	node := buildNode(cs.chat.ID, nil, in, status)
	if err := t.repo.SaveAppend(ctx, cs.chat.ID, repository.AppendOp{Node: &node}); err != nil {
		return nil, app_errors.Persistence("create root", err)
	}

	e := &entry{node: node}
	cs.nodes[node.ID] = e
	rootID := node.ID
	cs.chat.Root = &rootID
	cs.chat.UpdatedAt = node.CreatedAt
	t.indexNode(node.ID, cs.chat.ID)
	return e, nil
}

func (t *Tree) insertChild(ctx context.Context, cs *chatState, parentID string, in NewNode, reason *model.Reason, status model.NodeStatus) (*entry, error) {
	parent, ok := cs.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: parent %s", app_errors.ErrNotFound, parentID)
	}
	if parent.node.NextOrdinal > maxOrdinal {
		return nil, fmt.Errorf("%w: node %s has no free child ordinal", app_errors.ErrConflict, parentID)
	}

	ordinal := uint8(parent.node.NextOrdinal)
	node := buildNode(cs.chat.ID, &parentID, in, status)

	// A reply added next to existing replies is a branch: unlabelled
	// siblings of the same role become Sibling, and so does the new node.
	var relabeled []model.Edge
	if len(parent.node.Children) > 0 {
		for _, c := range parent.node.Children {
			if c.Reason == nil && cs.nodes[c.ChildID].node.Role == in.Role {
				relabeled = append(relabeled, model.Edge{
					ParentID:  parentID,
					ChildEdge: model.ChildEdge{ChildID: c.ChildID, Ordinal: c.Ordinal, Reason: model.SiblingReason()},
				})
			}
		}
		if reason == nil {
			reason = model.SiblingReason()
		}
	}

	edge := model.Edge{ParentID: parentID, ChildEdge: model.ChildEdge{ChildID: node.ID, Ordinal: ordinal, Reason: reason}}
	state := repository.ParentState{ID: parentID, SelectedChild: parent.node.SelectedChild, NextOrdinal: parent.node.NextOrdinal + 1}
	if state.SelectedChild == nil {
		state.SelectedChild = &ordinal
	}

	op := repository.AppendOp{Node: &node, Edge: &edge, Parent: &state, Relabeled: relabeled}
	if err := t.repo.SaveAppend(ctx, cs.chat.ID, op); err != nil {
		return nil, app_errors.Persistence("append child", err)
	}

	for _, r := range relabeled {
		for i := range parent.node.Children {
			if parent.node.Children[i].ChildID == r.ChildID {
				parent.node.Children[i].Reason = r.Reason
			}
		}
	}
	parent.node.Children = append(parent.node.Children, edge.ChildEdge)
	parent.node.SelectedChild = state.SelectedChild
	parent.node.NextOrdinal = state.NextOrdinal

	e := &entry{node: node}
	cs.nodes[node.ID] = e
	cs.chat.UpdatedAt = node.CreatedAt
	t.indexNode(node.ID, cs.chat.ID)
	return e, nil
}

// SelectSibling changes which child of parentID the default path follows.
// Descendant selections are left untouched.
func (t *Tree) SelectSibling(ctx context.Context, parentID string, ordinal uint8) error {
	cs, err := t.chatForNode(ctx, parentID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	parent := cs.nodes[parentID]
	if parent == nil {
		return fmt.Errorf("%w: %s", app_errors.ErrNotFound, parentID)
	}
	if parent.childByOrdinal(ordinal) == nil {
		return fmt.Errorf("%w: node %s has no child with ordinal %d", app_errors.ErrNoSuchSibling, parentID, ordinal)
	}
	if err := t.repo.SetSelectedChild(ctx, parentID, &ordinal); err != nil {
		return translate("select sibling", err)
	}
	parent.node.SelectedChild = &ordinal
	return nil
}

// SelectNode makes nodeID the selected child of its parent.
func (t *Tree) SelectNode(ctx context.Context, nodeID string) error {
	cs, err := t.chatForNode(ctx, nodeID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e := cs.nodes[nodeID]
	if e == nil {
		return fmt.Errorf("%w: %s", app_errors.ErrNotFound, nodeID)
	}
	if e.node.ParentID == nil {
		return nil
	}
	parent := cs.nodes[*e.node.ParentID]
	ordinal := parent.ordinalOf(nodeID)
	if err := t.repo.SetSelectedChild(ctx, parent.node.ID, &ordinal); err != nil {
		return translate("select node", err)
	}
	parent.node.SelectedChild = &ordinal
	return nil
}

func (t *Tree) CountChildren(ctx context.Context, nodeID string) (int, error) {
	cs, err := t.chatForNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	e := cs.nodes[nodeID]
	if e == nil {
		return 0, fmt.Errorf("%w: %s", app_errors.ErrNotFound, nodeID)
	}
	return len(e.node.Children), nil
}

// Delete removes the subtree rooted at nodeID. If the node was its parent's
// selected child the parent's selection is cleared.
func (t *Tree) Delete(ctx context.Context, nodeID string) error {
	cs, err := t.chatForNode(ctx, nodeID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	target := cs.nodes[nodeID]
	if target == nil {
		return fmt.Errorf("%w: %s", app_errors.ErrNotFound, nodeID)
	}

	ids := cs.subtree(nodeID)
	for _, id := range ids {
		if cs.nodes[id].busy() {
			return fmt.Errorf("%w: %s", app_errors.ErrNodeBusy, id)
		}
	}

	op := repository.DeleteOp{NodeIDs: ids}
	var parent *entry
	var ordinal uint8
	if target.node.ParentID != nil {
		parent = cs.nodes[*target.node.ParentID]
		ordinal = parent.ordinalOf(nodeID)
		state := repository.ParentState{ID: parent.node.ID, SelectedChild: parent.node.SelectedChild, NextOrdinal: parent.node.NextOrdinal}
		if state.SelectedChild != nil && *state.SelectedChild == ordinal {
			state.SelectedChild = nil
		}
		op.Parent = &state
	} else {
		op.ClearRoot = true
	}

	if err := t.repo.SaveDelete(ctx, cs.chat.ID, op); err != nil {
		return app_errors.Persistence("delete", err)
	}

	if parent != nil {
		parent.node.Children = slices.DeleteFunc(parent.node.Children, func(c model.ChildEdge) bool { return c.ChildID == nodeID })
		parent.node.SelectedChild = op.Parent.SelectedChild
	} else {
		cs.chat.Root = nil
	}

	t.mu.Lock()
	for _, id := range ids {
		delete(cs.nodes, id)
		delete(t.nodeChat, id)
	}
	t.mu.Unlock()
	return nil
}

// --- Nodes ---

func (t *Tree) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	cs, err := t.chatForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	e := cs.nodes[nodeID]
	if e == nil {
		return nil, fmt.Errorf("%w: %s", app_errors.ErrNotFound, nodeID)
	}
	return cs.snapshot(e), nil
}

// Lineage returns the nodes from the root down to nodeID inclusive.
func (t *Tree) Lineage(ctx context.Context, nodeID string) ([]*model.Node, error) {
	cs, err := t.chatForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	var chain []*model.Node
	for id := &nodeID; id != nil; {
		e := cs.nodes[*id]
		if e == nil {
			return nil, fmt.Errorf("%w: %s", app_errors.ErrNotFound, *id)
		}
		chain = append(chain, cs.snapshot(e))
		id = e.node.ParentID
	}
	slices.Reverse(chain)
	return chain, nil
}

// Edit replaces the content of a node that is not being generated.
func (t *Tree) Edit(ctx context.Context, nodeID, content string) (*model.Node, error) {
	cs, err := t.chatForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	e := cs.nodes[nodeID]
	if e == nil {
		return nil, fmt.Errorf("%w: %s", app_errors.ErrNotFound, nodeID)
	}

	e.mu.Lock()
	if e.writer != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", app_errors.ErrNodeBusy, nodeID)
	}
	updated := e.node
	updated.Content = content
	if err := t.repo.UpdateNodeBody(ctx, &updated); err != nil {
		e.mu.Unlock()
		return nil, translate("edit", err)
	}
	e.node.Content = content
	e.mu.Unlock()

	return cs.snapshot(e), nil
}

// Persist retries the store write of a node whose finalization could not be
// persisted. It is a no-op for nodes that are already stored.
func (t *Tree) Persist(ctx context.Context, nodeID string) error {
	cs, err := t.chatForNode(ctx, nodeID)
	if err != nil {
		return err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	e := cs.nodes[nodeID]
	if e == nil {
		return fmt.Errorf("%w: %s", app_errors.ErrNotFound, nodeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writer != nil {
		return fmt.Errorf("%w: %s", app_errors.ErrNodeBusy, nodeID)
	}
	if !e.dirty {
		return nil
	}
	if err := t.repo.UpdateNodeBody(ctx, &e.node); err != nil {
		return app_errors.Persistence("persist", err)
	}
	e.dirty = false
	return nil
}

// Released returns a channel that is closed once nodeID has no writer.
func (t *Tree) Released(ctx context.Context, nodeID string) (<-chan struct{}, error) {
	cs, err := t.chatForNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	e := cs.nodes[nodeID]
	if e == nil {
		return nil, fmt.Errorf("%w: %s", app_errors.ErrNotFound, nodeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writer == nil {
		done := make(chan struct{})
		close(done)
		return done, nil
	}
	return e.released, nil
}

// --- Loading ---

func (t *Tree) load(ctx context.Context, chatID string) (*chatState, error) {
	if cs := t.cached(chatID); cs != nil {
		return cs, nil
	}

	// The load outlives any one caller, so a cancelled request does not fail
	// the others waiting on it.
	v, err, _ := t.loads.Do(chatID, func() (any, error) {
		if cs := t.cached(chatID); cs != nil {
			return cs, nil
		}
		cs, err := t.read(context.WithoutCancel(ctx), chatID)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		t.chats[chatID] = cs
		for id := range cs.nodes {
			t.nodeChat[id] = chatID
		}
		return cs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chatState), nil
}

func (t *Tree) cached(chatID string) *chatState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chats[chatID]
}

// read builds a chat's state from the repository. The result is not shared
// yet, so no locks are taken.
func (t *Tree) read(ctx context.Context, chatID string) (*chatState, error) {
	chat, err := t.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, translate("load chat", err)
	}
	nodes, edges, err := t.repo.LoadTree(ctx, chatID)
	if err != nil {
		return nil, app_errors.Persistence("load tree", err)
	}

	cs := &chatState{chat: *chat, nodes: make(map[string]*entry, len(nodes))}
	for _, n := range nodes {
		n.Children = nil
		cs.nodes[n.ID] = &entry{node: *n}
	}
	for _, edge := range edges {
		if parent, ok := cs.nodes[edge.ParentID]; ok {
			parent.node.Children = append(parent.node.Children, edge.ChildEdge)
		}
	}
	for _, e := range cs.nodes {
		slices.SortFunc(e.node.Children, func(a, b model.ChildEdge) int { return int(a.Ordinal) - int(b.Ordinal) })
		if e.node.SelectedChild != nil && e.childByOrdinal(*e.node.SelectedChild) == nil {
			e.node.SelectedChild = nil
		}
		if e.node.Status == model.StatusGenerating {
			t.markAbandoned(ctx, e)
		}
	}
	return cs, nil
}

// markAbandoned closes out a node that was generating when the process
// stopped. Nothing can own it any more.
func (t *Tree) markAbandoned(ctx context.Context, e *entry) {
	e.node.Status = model.StatusCancelled
	e.node.Failure = &model.Failure{Kind: model.FailureCancelled, Message: "generation was abandoned"}
	if err := t.repo.UpdateNodeBody(ctx, &e.node); err != nil {
		e.dirty = true
		slog.Warn("Could not mark abandoned generation as cancelled", "node_id", e.node.ID, "error", err)
	}
}

func (t *Tree) chatForNode(ctx context.Context, nodeID string) (*chatState, error) {
	t.mu.Lock()
	chatID, ok := t.nodeChat[nodeID]
	t.mu.Unlock()

	if !ok {
		var err error
		chatID, err = t.repo.GetNodeChatID(ctx, nodeID)
		if err != nil {
			return nil, translate("find node", err)
		}
	}
	return t.load(ctx, chatID)
}

func (t *Tree) indexNode(nodeID, chatID string) {
	t.mu.Lock()
	t.nodeChat[nodeID] = chatID
	t.mu.Unlock()
}

// --- Helpers ---

func buildNode(chatID string, parentID *string, in NewNode, status model.NodeStatus) model.Node {
	return model.Node{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		ParentID:  parentID,
		Role:      in.Role,
		Content:   in.Content,
		Thinking:  in.Thinking,
		Files:     in.Files,
		Model:     in.Model,
		FuncCalls: in.FuncCalls,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

// snapshot copies a node. The caller holds cs.mu.
func (cs *chatState) snapshot(e *entry) *model.Node {
	e.mu.Lock()
	n := e.node
	n.Files = slices.Clone(e.node.Files)
	n.FuncCalls = slices.Clone(e.node.FuncCalls)
	if e.node.Thinking != nil {
		th := *e.node.Thinking
		n.Thinking = &th
	}
	e.mu.Unlock()

	n.Children = slices.Clone(e.node.Children)
	if n.Children == nil {
		n.Children = []model.ChildEdge{}
	}
	if e.node.SelectedChild != nil {
		sel := *e.node.SelectedChild
		n.SelectedChild = &sel
	}
	return &n
}

// subtree lists nodeID and all of its descendants, parents first.
func (cs *chatState) subtree(nodeID string) []string {
	ids := []string{nodeID}
	for i := 0; i < len(ids); i++ {
		for _, c := range cs.nodes[ids[i]].node.Children {
			ids = append(ids, c.ChildID)
		}
	}
	return ids
}

func (e *entry) busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writer != nil
}

func (e *entry) childByOrdinal(ordinal uint8) *model.ChildEdge {
	for i := range e.node.Children {
		if e.node.Children[i].Ordinal == ordinal {
			return &e.node.Children[i]
		}
	}
	return nil
}

func (e *entry) ordinalOf(childID string) uint8 {
	for _, c := range e.node.Children {
		if c.ChildID == childID {
			return c.Ordinal
		}
	}
	return 0
}

// translate maps repository errors onto the application taxonomy.
func translate(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", app_errors.ErrNotFound, op)
	}
	return app_errors.Persistence(op, err)
}
