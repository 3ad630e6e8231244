package tree

import (
	"context"
	"fmt"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/model"
)

// GetPath walks from the chat's root, choosing one child per offset, and
// then keeps following selected children until it reaches a leaf. A path
// that runs out of children is truncated, not rejected.
func (t *Tree) GetPath(ctx context.Context, chatID string, offsets []int) ([]*model.Node, error) {
	cs, err := t.load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	path := []*model.Node{}
	err = cs.walk(offsets, func(e *entry) {
		path = append(path, cs.snapshot(e))
	})
	if err != nil {
		return nil, err
	}
	return path, nil
}

// GetDefaultPath is GetPath without explicit offsets.
func (t *Tree) GetDefaultPath(ctx context.Context, chatID string) ([]*model.Node, error) {
	return t.GetPath(ctx, chatID, nil)
}

// GetCanChangePath visits the same nodes as GetPath and reports for each
// one whether it has a sibling.
func (t *Tree) GetCanChangePath(ctx context.Context, chatID string, offsets []int) ([]bool, error) {
	cs, err := t.load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	flags := []bool{}
	err = cs.walk(offsets, func(e *entry) {
		flags = append(flags, cs.canChange(e))
	})
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// GetCanChange reports whether the node's parent has more than one child.
func (t *Tree) GetCanChange(ctx context.Context, nodeID string) (bool, error) {
	cs, err := t.chatForNode(ctx, nodeID)
	if err != nil {
		return false, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	e := cs.nodes[nodeID]
	if e == nil {
		return false, fmt.Errorf("%w: %s", app_errors.ErrNotFound, nodeID)
	}
	return cs.canChange(e), nil
}

// walk is the traversal shared by every path query. The caller holds cs.mu.
func (cs *chatState) walk(offsets []int, visit func(*entry)) error {
	if cs.chat.Root == nil {
		if len(offsets) > 0 {
			return fmt.Errorf("%w: chat %s has no messages", app_errors.ErrInvalidPath, cs.chat.ID)
		}
		return nil
	}

	cur := cs.nodes[*cs.chat.Root]
	if cur == nil {
		return fmt.Errorf("%w: root of chat %s", app_errors.ErrNotFound, cs.chat.ID)
	}
	visit(cur)

	for _, offset := range offsets {
		children := cur.node.Children
		n := len(children)
		if n == 0 {
			return nil
		}
		idx := normalizeOffset(offset, n)
		if idx >= n {
			return nil
		}
		next := cs.nodes[children[idx].ChildID]
		if next == nil {
			return nil
		}
		cur = next
		visit(cur)
	}

	for cur.node.SelectedChild != nil {
		edge := cur.childByOrdinal(*cur.node.SelectedChild)
		if edge == nil {
			break
		}
		next := cs.nodes[edge.ChildID]
		if next == nil {
			break
		}
		cur = next
		visit(cur)
	}
	return nil
}

// normalizeOffset wraps offset into range as if adding n while negative and
// subtracting n while greater than n. An offset equal to n is left as is,
// which makes it address no child. n must be positive.
func normalizeOffset(offset, n int) int {
	switch {
	case offset < 0:
		offset %= n
		if offset < 0 {
			offset += n
		}
	case offset > n:
		offset = (offset-1)%n + 1
	}
	return offset
}

func (cs *chatState) canChange(e *entry) bool {
	if e.node.ParentID == nil {
		return false
	}
	parent := cs.nodes[*e.node.ParentID]
	return parent != nil && len(parent.node.Children) > 1
}
