package tree

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchflow/backend/internal/database"
	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/repository"
)

func newTestRepo(t *testing.T) repository.Repository {
	db, err := database.InitDB(filepath.Join(t.TempDir(), "tree.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return repository.NewSQLiteRepository(db)
}

func newTestTree(t *testing.T) (*Tree, *model.Chat) {
	tr := New(newTestRepo(t))
	chat, err := tr.CreateChat(context.Background(), "user-1", "test", nil)
	require.NoError(t, err)
	return tr, chat
}

func user(text string) NewNode { return NewNode{Role: model.RoleUser, Content: text} }
func ai(text string) NewNode   { return NewNode{Role: model.RoleAI, Content: text} }

func contents(path []*model.Node) []string {
	out := make([]string, len(path))
	for i, n := range path {
		out[i] = n.Content
	}
	return out
}

func ids(path []*model.Node) []string {
	out := make([]string, len(path))
	for i, n := range path {
		out[i] = n.ID
	}
	return out
}

func childReason(t *testing.T, tr *Tree, parentID, childID string) *model.Reason {
	parent, err := tr.GetNode(context.Background(), parentID)
	require.NoError(t, err)
	for _, c := range parent.Children {
		if c.ChildID == childID {
			return c.Reason
		}
	}
	t.Fatalf("%s is not a child of %s", childID, parentID)
	return nil
}

// buildBranchyTree creates:
//
//	Hi ─┬─ A0 ── U1 ─┬─ B0
//	    │            └─ B1
//	    └─ A1 ── U2
func buildBranchyTree(t *testing.T, tr *Tree, chatID string) map[string]string {
	ctx := context.Background()
	names := map[string]string{}
	add := func(name, parent string, in NewNode) {
		var n *model.Node
		var err error
		if parent == "" {
			n, err = tr.CreateRoot(ctx, chatID, in)
		} else {
			n, err = tr.AppendChild(ctx, names[parent], in, nil)
		}
		require.NoError(t, err)
		names[name] = n.ID
	}
	add("Hi", "", user("Hi"))
	add("A0", "Hi", ai("A0"))
	add("A1", "Hi", ai("A1"))
	add("U1", "A0", user("U1"))
	add("U2", "A1", user("U2"))
	add("B0", "U1", ai("B0"))
	add("B1", "U1", ai("B1"))
	return names
}

func TestGetPath_DefaultMatchesEmptyOffsets(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)

	// Empty chat.
	def, err := tr.GetDefaultPath(ctx, chat.ID)
	require.NoError(t, err)
	explicit, err := tr.GetPath(ctx, chat.ID, []int{})
	require.NoError(t, err)
	assert.Equal(t, ids(def), ids(explicit))

	names := buildBranchyTree(t, tr, chat.ID)
	for _, sel := range []struct {
		parent  string
		ordinal uint8
	}{{"Hi", 0}, {"U1", 1}, {"Hi", 1}} {
		require.NoError(t, tr.SelectSibling(ctx, names[sel.parent], sel.ordinal))

		def, err := tr.GetDefaultPath(ctx, chat.ID)
		require.NoError(t, err)
		explicit, err := tr.GetPath(ctx, chat.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, ids(def), ids(explicit))
	}
}

func TestGetPath_FollowsSelectionAfterOffsets(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	names := buildBranchyTree(t, tr, chat.ID)

	path, err := tr.GetDefaultPath(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "A0", "U1", "B0"}, contents(path))

	path, err = tr.GetPath(ctx, chat.ID, []int{0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "A0", "U1", "B1"}, contents(path))

	path, err = tr.GetPath(ctx, chat.ID, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "A1", "U2"}, contents(path))

	// Switching the top branch keeps the selection made further down.
	require.NoError(t, tr.SelectSibling(ctx, names["U1"], 1))
	require.NoError(t, tr.SelectSibling(ctx, names["Hi"], 1))
	require.NoError(t, tr.SelectSibling(ctx, names["Hi"], 0))
	path, err = tr.GetDefaultPath(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "A0", "U1", "B1"}, contents(path))
}

func TestGetPath_Truncates(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	buildBranchyTree(t, tr, chat.ID)

	// Offsets past a leaf stop the walk without an error.
	path, err := tr.GetPath(ctx, chat.ID, []int{1, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "A1", "U2"}, contents(path))

	// An offset equal to the child count addresses no child and stops the
	// walk, including the default continuation.
	path, err = tr.GetPath(ctx, chat.ID, []int{2})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi"}, contents(path))
}

func TestGetPath_Wraparound(t *testing.T) {
	testCases := []struct {
		offset   int
		n        int
		expected int
	}{
		{offset: -1, n: 3, expected: 2},
		{offset: -4, n: 3, expected: 2},
		{offset: 4, n: 3, expected: 1},
		{offset: 3, n: 3, expected: 3},
		{offset: 7, n: 3, expected: 1},
		{offset: 0, n: 1, expected: 0},
		{offset: -1, n: 1, expected: 0},
		{offset: 6, n: 3, expected: 3},
		{offset: -3, n: 3, expected: 0},
		{offset: -(1 << 40), n: 3, expected: 2},
		{offset: math.MinInt, n: 3, expected: 1},
		{offset: math.MaxInt, n: 3, expected: 1},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, normalizeOffset(tc.offset, tc.n), "offset %d n %d", tc.offset, tc.n)
	}
}

func TestGetPath_NegativeOffsetWithOrdinalGaps(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	root, err := tr.CreateRoot(ctx, chat.ID, user("q"))
	require.NoError(t, err)

	var children []string
	for i := 0; i < 6; i++ {
		n, err := tr.AppendChild(ctx, root.ID, ai(string(rune('a'+i))), nil)
		require.NoError(t, err)
		children = append(children, n.ID)
	}
	for _, i := range []int{1, 3, 4} {
		require.NoError(t, tr.Delete(ctx, children[i]))
	}
	count, err := tr.CountChildren(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	path, err := tr.GetPath(ctx, chat.ID, []int{-1})
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, children[5], path[1].ID)
	assert.Equal(t, "f", path[1].Content)
}

func TestGetCanChangePath_VisitsSameNodes(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	buildBranchyTree(t, tr, chat.ID)

	for _, offsets := range [][]int{nil, {0}, {1}, {0, 0, 1}, {-1, 0}, {2}, {0, 0, 0, 0, 0, 0}, {5, -3, 9}} {
		path, err := tr.GetPath(ctx, chat.ID, offsets)
		require.NoError(t, err)
		flags, err := tr.GetCanChangePath(ctx, chat.ID, offsets)
		require.NoError(t, err)
		require.Len(t, flags, len(path), "offsets %v", offsets)

		for i, n := range path {
			single, err := tr.GetCanChange(ctx, n.ID)
			require.NoError(t, err)
			assert.Equal(t, single, flags[i], "offsets %v position %d", offsets, i)
		}
	}

	flags, err := tr.GetCanChangePath(ctx, chat.ID, []int{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true}, flags)
}

func TestGetPath_RootlessChat(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)

	path, err := tr.GetPath(ctx, chat.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, path)

	_, err = tr.GetPath(ctx, chat.ID, []int{0})
	assert.ErrorIs(t, err, app_errors.ErrInvalidPath)

	_, err = tr.GetPath(ctx, "missing", nil)
	assert.ErrorIs(t, err, app_errors.ErrNotFound)
}

func TestCreateRoot_AlreadyHasRoot(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)

	_, err := tr.CreateRoot(ctx, chat.ID, user("first"))
	require.NoError(t, err)
	_, err = tr.CreateRoot(ctx, chat.ID, user("second"))
	assert.ErrorIs(t, err, app_errors.ErrAlreadyHasRoot)
	assert.ErrorIs(t, err, app_errors.ErrConflict)
}

func TestAppendChild_SecondReplyRelabelsFirst(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	root, err := tr.CreateRoot(ctx, chat.ID, user("Hi"))
	require.NoError(t, err)

	first, err := tr.AppendChild(ctx, root.ID, ai("one"), nil)
	require.NoError(t, err)
	assert.Nil(t, childReason(t, tr, root.ID, first.ID))

	parent, err := tr.GetNode(ctx, root.ID)
	require.NoError(t, err)
	require.NotNil(t, parent.SelectedChild)
	assert.Equal(t, uint8(0), *parent.SelectedChild)

	second, err := tr.AppendChild(ctx, root.ID, ai("two"), nil)
	require.NoError(t, err)

	assert.Equal(t, model.SiblingReason(), childReason(t, tr, root.ID, first.ID))
	assert.Equal(t, model.SiblingReason(), childReason(t, tr, root.ID, second.ID))

	// The first reply stays selected.
	parent, err = tr.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), *parent.SelectedChild)
	assert.Equal(t, uint8(1), parent.Children[1].Ordinal)
}

func TestRegenerationExample(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	root, err := tr.CreateRoot(ctx, chat.ID, user("Hi"))
	require.NoError(t, err)
	hello, err := tr.AppendChild(ctx, root.ID, ai("Hello"), nil)
	require.NoError(t, err)

	regen, err := tr.AppendChild(ctx, root.ID, ai("Hey there"), model.RegenerationReason())
	require.NoError(t, err)

	parent, err := tr.GetNode(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, parent.Children, 2)
	assert.Equal(t, uint8(1), parent.Children[1].Ordinal)
	assert.Equal(t, regen.ID, parent.Children[1].ChildID)
	assert.Equal(t, model.RegenerationReason(), parent.Children[1].Reason)
	assert.Equal(t, model.SiblingReason(), childReason(t, tr, root.ID, hello.ID))

	require.NoError(t, tr.SelectSibling(ctx, root.ID, 1))
	path, err := tr.GetDefaultPath(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "Hey there"}, contents(path))
}

func TestSelectSibling_NoSuchSibling(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	root, err := tr.CreateRoot(ctx, chat.ID, user("Hi"))
	require.NoError(t, err)
	_, err = tr.AppendChild(ctx, root.ID, ai("Hello"), nil)
	require.NoError(t, err)

	err = tr.SelectSibling(ctx, root.ID, 3)
	assert.ErrorIs(t, err, app_errors.ErrNoSuchSibling)
	assert.ErrorIs(t, err, app_errors.ErrNotFound)

	err = tr.SelectSibling(ctx, "missing", 0)
	assert.ErrorIs(t, err, app_errors.ErrNotFound)
}

func TestSelectNode(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	names := buildBranchyTree(t, tr, chat.ID)

	require.NoError(t, tr.SelectNode(ctx, names["B1"]))
	require.NoError(t, tr.SelectNode(ctx, names["A0"]))
	path, err := tr.GetDefaultPath(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "A0", "U1", "B1"}, contents(path))

	// Selecting the root changes nothing.
	require.NoError(t, tr.SelectNode(ctx, names["Hi"]))

	// The selection survives a reload from the store.
	reloaded := New(tr.repo)
	path, err = reloaded.GetDefaultPath(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "A0", "U1", "B1"}, contents(path))

	assert.ErrorIs(t, tr.SelectNode(ctx, "missing"), app_errors.ErrNotFound)
}

func TestDelete_SelectedChildClearsSelection(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	names := buildBranchyTree(t, tr, chat.ID)

	require.NoError(t, tr.Delete(ctx, names["A0"]))

	parent, err := tr.GetNode(ctx, names["Hi"])
	require.NoError(t, err)
	assert.Nil(t, parent.SelectedChild)
	require.Len(t, parent.Children, 1)
	assert.Equal(t, uint8(1), parent.Children[0].Ordinal)

	for _, gone := range []string{"A0", "U1", "B0", "B1"} {
		_, err := tr.GetNode(ctx, names[gone])
		assert.ErrorIs(t, err, app_errors.ErrNotFound, gone)
	}

	path, err := tr.GetDefaultPath(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi"}, contents(path))

	// The same state must come back from the store.
	reloaded := New(tr.repo)
	parent, err = reloaded.GetNode(ctx, names["Hi"])
	require.NoError(t, err)
	assert.Nil(t, parent.SelectedChild)
	assert.Len(t, parent.Children, 1)
}

func TestDelete_UnselectedChildKeepsSelection(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	names := buildBranchyTree(t, tr, chat.ID)

	require.NoError(t, tr.Delete(ctx, names["A1"]))
	parent, err := tr.GetNode(ctx, names["Hi"])
	require.NoError(t, err)
	require.NotNil(t, parent.SelectedChild)
	assert.Equal(t, uint8(0), *parent.SelectedChild)

	// Ordinals are never reused.
	n, err := tr.AppendChild(ctx, names["Hi"], ai("A2"), nil)
	require.NoError(t, err)
	parent, err = tr.GetNode(ctx, names["Hi"])
	require.NoError(t, err)
	assert.Equal(t, n.ID, parent.Children[1].ChildID)
	assert.Equal(t, uint8(2), parent.Children[1].Ordinal)
}

func TestDelete_Root(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	names := buildBranchyTree(t, tr, chat.ID)

	require.NoError(t, tr.Delete(ctx, names["Hi"]))
	got, err := tr.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Root)

	_, err = tr.CreateRoot(ctx, chat.ID, user("again"))
	assert.NoError(t, err)
}

func TestAppendChild_OrdinalExhaustion(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	root, err := tr.CreateRoot(ctx, chat.ID, user("q"))
	require.NoError(t, err)

	for i := 0; i <= maxOrdinal; i++ {
		_, err := tr.AppendChild(ctx, root.ID, ai("r"), nil)
		require.NoError(t, err)
	}
	_, err = tr.AppendChild(ctx, root.ID, ai("one too many"), nil)
	assert.ErrorIs(t, err, app_errors.ErrConflict)
}

func TestWriter_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	root, err := tr.CreateRoot(ctx, chat.ID, user("q"))
	require.NoError(t, err)

	w, err := tr.AppendGenerating(ctx, root.ID, NewNode{Role: model.RoleAI, Model: &model.ModelRef{Provider: "local", Model: "echo"}}, nil)
	require.NoError(t, err)

	w.Append(model.ChatResponse{Content: "Hel", Thinking: "hm"})
	w.Append(model.ChatResponse{Content: "lo"})

	n, err := tr.GetNode(ctx, w.NodeID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusGenerating, n.Status)
	assert.Equal(t, "Hello", n.Content)
	assert.Equal(t, "hm", *n.Thinking)

	// A node with a writer cannot be edited or deleted.
	_, err = tr.Edit(ctx, w.NodeID(), "x")
	assert.ErrorIs(t, err, app_errors.ErrNodeBusy)
	assert.ErrorIs(t, tr.Delete(ctx, root.ID), app_errors.ErrNodeBusy)

	released, err := tr.Released(ctx, w.NodeID())
	require.NoError(t, err)

	require.NoError(t, w.Complete(ctx, model.ChatResponse{Content: "Hello!", Thinking: "hm"}))
	w.Release()
	<-released

	reloaded := New(tr.repo)
	n, err = reloaded.GetNode(ctx, w.NodeID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, n.Status)
	assert.Equal(t, "Hello!", n.Content)
	assert.Equal(t, "local", n.Model.Provider)

	edited, err := tr.Edit(ctx, w.NodeID(), "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", edited.Content)
}

func TestWriter_ReleaseWhileGeneratingCancels(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	root, err := tr.CreateRoot(ctx, chat.ID, user("q"))
	require.NoError(t, err)

	w, err := tr.AppendGenerating(ctx, root.ID, NewNode{Role: model.RoleAI}, nil)
	require.NoError(t, err)
	w.Append(model.ChatResponse{Content: "partial"})
	w.Release()
	w.Release()

	n, err := tr.GetNode(ctx, w.NodeID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, n.Status)
	assert.Equal(t, model.FailureCancelled, n.Failure.Kind)
	assert.Equal(t, "partial", n.Content)
}

func TestLoad_AbandonedGenerationIsCancelled(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	root, err := tr.CreateRoot(ctx, chat.ID, user("q"))
	require.NoError(t, err)
	w, err := tr.AppendGenerating(ctx, root.ID, NewNode{Role: model.RoleAI}, nil)
	require.NoError(t, err)

	// A fresh tree on the same store simulates a restart while generating.
	restarted := New(tr.repo)
	n, err := restarted.GetNode(ctx, w.NodeID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, n.Status)
	w.Release()
}

type flakyRepo struct {
	repository.Repository
	failures atomic.Int32
}

func (f *flakyRepo) UpdateNodeBody(ctx context.Context, node *model.Node) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.Repository.UpdateNodeBody(ctx, node)
}

func TestWriter_PersistenceFailureKeepsNode(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: newTestRepo(t)}
	tr := New(repo)
	chat, err := tr.CreateChat(ctx, "user-1", "test", nil)
	require.NoError(t, err)
	root, err := tr.CreateRoot(ctx, chat.ID, user("q"))
	require.NoError(t, err)
	w, err := tr.AppendGenerating(ctx, root.ID, NewNode{Role: model.RoleAI}, nil)
	require.NoError(t, err)

	repo.failures.Store(1)
	err = w.Complete(ctx, model.ChatResponse{Content: "final answer"})
	assert.ErrorIs(t, err, app_errors.ErrPersistence)
	w.Release()

	n, err := tr.GetNode(ctx, w.NodeID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, n.Status)
	assert.Equal(t, "final answer", n.Content)

	require.NoError(t, tr.Persist(ctx, w.NodeID()))

	reloaded := New(repo.Repository)
	n, err = reloaded.GetNode(ctx, w.NodeID())
	require.NoError(t, err)
	assert.Equal(t, "final answer", n.Content)
	assert.Equal(t, model.StatusComplete, n.Status)
}

func TestLineage(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	names := buildBranchyTree(t, tr, chat.ID)

	chain, err := tr.Lineage(ctx, names["B1"])
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", "A0", "U1", "B1"}, contents(chain))
}

func TestDeleteChat(t *testing.T) {
	ctx := context.Background()
	tr, chat := newTestTree(t)
	names := buildBranchyTree(t, tr, chat.ID)

	require.NoError(t, tr.DeleteChat(ctx, chat.ID))
	_, err := tr.GetChat(ctx, chat.ID)
	assert.ErrorIs(t, err, app_errors.ErrNotFound)
	_, err = tr.GetNode(ctx, names["Hi"])
	assert.ErrorIs(t, err, app_errors.ErrNotFound)
}

// gatedRepo holds LoadTree for one chat until gate is closed.
type gatedRepo struct {
	repository.Repository
	chatID  string
	gate    chan struct{}
	entered chan struct{}
	loads   atomic.Int32
}

func (g *gatedRepo) LoadTree(ctx context.Context, chatID string) ([]*model.Node, []model.Edge, error) {
	if chatID == g.chatID {
		if g.loads.Add(1) == 1 {
			close(g.entered)
		}
		<-g.gate
	}
	return g.Repository.LoadTree(ctx, chatID)
}

func TestLoad_SlowChatDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	tr, slow := newTestTree(t)
	slowRoot, err := tr.CreateRoot(ctx, slow.ID, user("slow"))
	require.NoError(t, err)
	fast, err := tr.CreateChat(ctx, "user-1", "fast", nil)
	require.NoError(t, err)
	fastRoot, err := tr.CreateRoot(ctx, fast.ID, user("fast"))
	require.NoError(t, err)

	repo := &gatedRepo{Repository: tr.repo, chatID: slow.ID, gate: make(chan struct{}), entered: make(chan struct{})}
	restarted := New(repo)

	const waiters = 3
	errs := make(chan error, waiters)
	for range waiters {
		go func() {
			_, err := restarted.GetNode(ctx, slowRoot.ID)
			errs <- err
		}()
	}
	<-repo.entered

	done := make(chan error, 1)
	go func() {
		_, err := restarted.GetNode(ctx, fastRoot.ID)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loading one chat blocked another")
	}

	close(repo.gate)
	for range waiters {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), repo.loads.Load())
}
