package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/files"
	"branchflow/backend/internal/generation"
	"branchflow/backend/internal/llm"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/repository"
	"branchflow/backend/internal/tree"
)

// FileStore resolves attachment references.
type FileStore interface {
	Get(ctx context.Context, id string) (*files.File, error)
}

// OptionSetStore looks up the option set of a (provider, model) pair.
type OptionSetStore interface {
	GetOptionSet(ctx context.Context, provider, modelName string) (*model.OptionSet, error)
}

// Settings are the static knobs of the chat service.
type Settings struct {
	SystemPrompt string
	// TitleModel names the model used for automatic titles. When nil the
	// model that produced the first reply is used.
	TitleModel *model.ModelRef
}

// TurnRequest is one user turn fanned out to one or more models.
type TurnRequest struct {
	ChatID string `json:"-"`
	// ParentID attaches the turn below a specific node. Empty means the leaf
	// of the chat's default path.
	ParentID string           `json:"parent_id,omitempty"`
	Content  string           `json:"content"`
	Files    []model.FileRef  `json:"files,omitempty"`
	Targets  []model.ModelRef `json:"targets" validate:"required,min=1,dive"`
}

// TurnResult holds the user node and one placeholder per target, in target order.
type TurnResult struct {
	User    *model.Node   `json:"user"`
	Replies []*model.Node `json:"replies"`
}

// RegenerateRequest optionally overrides the model used for a regeneration.
type RegenerateRequest struct {
	Model *model.ModelRef `json:"model,omitempty"`
}

// ChatView is a chat with its current default path.
type ChatView struct {
	Chat *model.Chat   `json:"chat"`
	Path []*model.Node `json:"path"`
}

type run struct {
	chatID string
	cancel context.CancelFunc
}

// job is one generation to start: the writer that owns the placeholder, the
// model to ask and the request to send.
type job struct {
	writer *tree.Writer
	ref    model.ModelRef
	req    *llm.Request
}

// ChatService coordinates the message tree with generations. Every
// generation runs on the service's own context, so it survives the HTTP
// request that started it and ends through Cancel, a delete or Close.
type ChatService struct {
	tree       *tree.Tree
	dispatch   *llm.Dispatch
	engine     *generation.Engine
	optionSets OptionSetStore
	files      FileStore
	settings   Settings
	hub        *Hub

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

func NewChatService(t *tree.Tree, dispatch *llm.Dispatch, optionSets OptionSetStore, fileStore FileStore, settings Settings) *ChatService {
	ctx, stop := context.WithCancel(context.Background())
	return &ChatService{
		tree:       t,
		dispatch:   dispatch,
		engine:     generation.NewEngine(dispatch),
		optionSets: optionSets,
		files:      fileStore,
		settings:   settings,
		hub:        NewHub(),
		baseCtx:    ctx,
		stop:       stop,
		runs:       make(map[string]*run),
	}
}

// Wait blocks until every running generation and title job has finished.
func (s *ChatService) Wait() {
	s.wg.Wait()
}

// Close cancels all running generations and waits for them.
func (s *ChatService) Close() {
	s.stop()
	s.wg.Wait()
}

// --- Chats ---

func (s *ChatService) CreateChat(ctx context.Context, userID, title string, toolIDs []string) (*model.Chat, error) {
	return s.tree.CreateChat(ctx, userID, title, toolIDs)
}

func (s *ChatService) ListChats(ctx context.Context, userID string) ([]*model.Chat, error) {
	return s.tree.ListChats(ctx, userID)
}

// GetChat returns the chat with its default path.
func (s *ChatService) GetChat(ctx context.Context, chatID string) (*ChatView, error) {
	chat, err := s.tree.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	path, err := s.tree.GetDefaultPath(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &ChatView{Chat: chat, Path: path}, nil
}

func (s *ChatService) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title cannot be empty", app_errors.ErrValidation)
	}
	slog.Info("Renaming chat", "chat_id", chatID, "title", title)
	return s.tree.RenameChat(ctx, chatID, title)
}

// DeleteChat cancels the chat's running generations and then removes it.
func (s *ChatService) DeleteChat(ctx context.Context, chatID string) error {
	if err := s.cancelWhere(ctx, func(nodeID string, r *run) bool { return r.chatID == chatID }); err != nil {
		return err
	}
	slog.Info("Deleting chat", "chat_id", chatID)
	return s.tree.DeleteChat(ctx, chatID)
}

// --- Paths ---

func (s *ChatService) GetPath(ctx context.Context, chatID string, offsets []int) ([]*model.Node, error) {
	if len(offsets) == 0 {
		return s.tree.GetDefaultPath(ctx, chatID)
	}
	return s.tree.GetPath(ctx, chatID, offsets)
}

func (s *ChatService) GetCanChangePath(ctx context.Context, chatID string, offsets []int) ([]bool, error) {
	return s.tree.GetCanChangePath(ctx, chatID, offsets)
}

func (s *ChatService) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	return s.tree.GetNode(ctx, nodeID)
}

func (s *ChatService) SelectSibling(ctx context.Context, parentID string, ordinal uint8) error {
	return s.tree.SelectSibling(ctx, parentID, ordinal)
}

// --- Messages ---

func (s *ChatService) EditMessage(ctx context.Context, nodeID, content string) (*model.Node, error) {
	return s.tree.Edit(ctx, nodeID, content)
}

// DeleteMessage removes the subtree below nodeID, cancelling generations
// running inside it first.
func (s *ChatService) DeleteMessage(ctx context.Context, nodeID string) error {
	err := s.cancelWhere(ctx, func(runID string, _ *run) bool {
		lineage, err := s.tree.Lineage(ctx, runID)
		if err != nil {
			return false
		}
		for _, n := range lineage {
			if n.ID == nodeID {
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}
	return s.tree.Delete(ctx, nodeID)
}

// PersistMessage retries the store write of a node whose final state could
// not be saved.
func (s *ChatService) PersistMessage(ctx context.Context, nodeID string) (*model.Node, error) {
	if err := s.tree.Persist(ctx, nodeID); err != nil {
		return nil, err
	}
	return s.tree.GetNode(ctx, nodeID)
}

// --- Generation ---

// SubmitTurn stores the user's message and starts one generation per
// target. It returns as soon as the placeholders exist.
func (s *ChatService) SubmitTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: message is empty", app_errors.ErrValidation)
	}
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("%w: at least one target model is required", app_errors.ErrValidation)
	}
	for _, ref := range req.Targets {
		if _, err := s.dispatch.Get(ref.Provider); err != nil {
			return nil, err
		}
	}
	fileRefs, err := s.checkFiles(ctx, req.Files)
	if err != nil {
		return nil, err
	}

	user, err := s.appendUserNode(ctx, req, fileRefs)
	if err != nil {
		return nil, err
	}
	lineage, err := s.tree.Lineage(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	var reasonFor func(model.ModelRef) *model.Reason
	if len(req.Targets) > 1 {
		reasonFor = func(ref model.ModelRef) *model.Reason { return model.ModelReason(ref.String()) }
	} else {
		reasonFor = func(model.ModelRef) *model.Reason { return nil }
	}

	jobs := make([]job, 0, len(req.Targets))
	for _, ref := range req.Targets {
		llmReq, err := s.buildRequest(ctx, lineage, ref)
		if err != nil {
			releaseAll(jobs)
			return nil, err
		}
		target := ref
		w, err := s.tree.AppendGenerating(ctx, user.ID, tree.NewNode{Role: model.RoleAI, Model: &target}, reasonFor(ref))
		if err != nil {
			releaseAll(jobs)
			return nil, err
		}
		jobs = append(jobs, job{writer: w, ref: ref, req: llmReq})
	}

	result := &TurnResult{User: user}
	for _, j := range jobs {
		result.Replies = append(result.Replies, j.writer.Snapshot())
	}
	s.fanout(req.ChatID, user, jobs)

	slog.Info("Turn submitted", "chat_id", req.ChatID, "node_id", user.ID, "targets", len(jobs))
	return result, nil
}

func (s *ChatService) appendUserNode(ctx context.Context, req *TurnRequest, fileRefs []model.FileRef) (*model.Node, error) {
	in := tree.NewNode{Role: model.RoleUser, Content: req.Content, Files: fileRefs}

	parentID := req.ParentID
	if parentID == "" {
		path, err := s.tree.GetDefaultPath(ctx, req.ChatID)
		if err != nil {
			return nil, err
		}
		if len(path) == 0 {
			return s.tree.CreateRoot(ctx, req.ChatID, in)
		}
		parentID = path[len(path)-1].ID
	} else {
		parent, err := s.tree.GetNode(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.ChatID != req.ChatID {
			return nil, fmt.Errorf("%w: message %s is not part of chat %s", app_errors.ErrValidation, parentID, req.ChatID)
		}
	}
	return s.tree.AppendChild(ctx, parentID, in, nil)
}

// Regenerate adds a new reply next to nodeID, or below it when nodeID is
// not an AI message, and makes it the selected one. An AI message that
// follows another AI message is regenerated as a sibling of the earlier one.
func (s *ChatService) Regenerate(ctx context.Context, nodeID string, req *RegenerateRequest) (*model.Node, error) {
	node, err := s.tree.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	parentID := node.ID
	if node.Role == model.RoleAI {
		if node.ParentID == nil {
			return nil, fmt.Errorf("%w: message %s has nothing to reply to", app_errors.ErrValidation, nodeID)
		}
		parentID = *node.ParentID
		above, err := s.tree.GetNode(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if above.Role == model.RoleAI && above.ParentID != nil {
			parentID = *above.ParentID
		}
	}

	ref, err := s.regenerationModel(ctx, node, req)
	if err != nil {
		return nil, err
	}
	if _, err := s.dispatch.Get(ref.Provider); err != nil {
		return nil, err
	}

	lineage, err := s.tree.Lineage(ctx, parentID)
	if err != nil {
		return nil, err
	}
	llmReq, err := s.buildRequest(ctx, lineage, ref)
	if err != nil {
		return nil, err
	}

	w, err := s.tree.AppendGenerating(ctx, parentID, tree.NewNode{Role: model.RoleAI, Model: &ref}, model.RegenerationReason())
	if err != nil {
		return nil, err
	}
	placeholder := w.Snapshot()
	if err := s.tree.SelectNode(ctx, placeholder.ID); err != nil {
		w.Release()
		return nil, err
	}

	s.fanout(node.ChatID, nil, []job{{writer: w, ref: ref, req: llmReq}})
	slog.Info("Regeneration started", "chat_id", node.ChatID, "node_id", placeholder.ID, "model", ref.String())
	return placeholder, nil
}

// regenerationModel picks the model for a regeneration: the override, the
// model of the regenerated reply, or the model of the selected reply.
func (s *ChatService) regenerationModel(ctx context.Context, node *model.Node, req *RegenerateRequest) (model.ModelRef, error) {
	if req != nil && req.Model != nil {
		return *req.Model, nil
	}
	if node.Role == model.RoleAI && node.Model != nil {
		return *node.Model, nil
	}
	if node.SelectedChild != nil {
		for _, edge := range node.Children {
			if edge.Ordinal != *node.SelectedChild {
				continue
			}
			child, err := s.tree.GetNode(ctx, edge.ChildID)
			if err == nil && child.Model != nil {
				return *child.Model, nil
			}
		}
	}
	return model.ModelRef{}, fmt.Errorf("%w: no model to regenerate with", app_errors.ErrValidation)
}

// Cancel stops the generation writing nodeID and returns once the node has
// been released. Cancelling a node that is not generating is a no-op.
func (s *ChatService) Cancel(ctx context.Context, nodeID string) (*model.Node, error) {
	if err := s.cancelWhere(ctx, func(runID string, _ *run) bool { return runID == nodeID }); err != nil {
		return nil, err
	}
	return s.tree.GetNode(ctx, nodeID)
}

// cancelWhere cancels every run matching pred and waits for their writers
// to be released.
func (s *ChatService) cancelWhere(ctx context.Context, pred func(nodeID string, r *run) bool) error {
	s.mu.Lock()
	matched := make(map[string]*run)
	for id, r := range s.runs {
		matched[id] = r
	}
	s.mu.Unlock()

	var waits []<-chan struct{}
	for id, r := range matched {
		if !pred(id, r) {
			continue
		}
		released, err := s.tree.Released(ctx, id)
		if err != nil {
			if errors.Is(err, app_errors.ErrNotFound) {
				continue
			}
			return err
		}
		r.cancel()
		waits = append(waits, released)
	}

	for _, released := range waits {
		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe streams the progress of nodeID. A node that is not running
// replays its terminal state followed by Finished.
func (s *ChatService) Subscribe(ctx context.Context, nodeID string) (<-chan model.Progress, func(), error) {
	if events, cancel, ok := s.hub.Subscribe(nodeID); ok {
		return events, cancel, nil
	}

	node, err := s.tree.GetNode(ctx, nodeID)
	if err != nil {
		return nil, nil, err
	}
	if node.Status == model.StatusGenerating {
		// The run is being set up; its final state is what remains to report.
		released, err := s.tree.Released(ctx, nodeID)
		if err != nil {
			return nil, nil, err
		}
		select {
		case <-released:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		if node, err = s.tree.GetNode(ctx, nodeID); err != nil {
			return nil, nil, err
		}
	}

	ch := make(chan model.Progress, 2)
	ch <- terminalEvent(node)
	ch <- model.Progress{Kind: model.ProgressFinished, NodeID: node.ID}
	close(ch)
	return ch, func() {}, nil
}

func terminalEvent(node *model.Node) model.Progress {
	if node.Failure != nil {
		return model.Progress{Kind: model.ProgressErr, NodeID: node.ID, Error: node.Failure.Message, ErrorKind: node.Failure.Kind}
	}
	resp := model.ChatResponse{Role: node.Role, Content: node.Content, FuncCalls: node.FuncCalls}
	if node.Thinking != nil {
		resp.Thinking = *node.Thinking
	}
	return model.Progress{Kind: model.ProgressGenerated, NodeID: node.ID, Response: &resp}
}

// fanout starts every job concurrently. Failures of one job never cancel the
// others. When user is set and at least one reply succeeded, the chat gets
// a title if it has none.
func (s *ChatService) fanout(chatID string, user *model.Node, jobs []job) {
	var g errgroup.Group
	results := make([]*model.ChatResponse, len(jobs))

	for i, j := range jobs {
		ctx, cancel := context.WithCancel(s.baseCtx)
		id := j.writer.NodeID()

		s.mu.Lock()
		s.runs[id] = &run{chatID: chatID, cancel: cancel}
		s.mu.Unlock()
		s.hub.Open(id)

		g.Go(func() error {
			defer cancel()
			final, err := s.generate(ctx, j)
			results[i] = final
			return err
		})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := g.Wait(); err != nil {
			slog.Debug("Not every generation succeeded", "chat_id", chatID, "error", err)
		}
		if user == nil {
			return
		}
		for i, final := range results {
			if final != nil {
				s.maybeTitle(chatID, jobs[i].ref, user.Content, final.Content)
				return
			}
		}
	}()
}

// generate runs one job and applies its events to the node it owns. The
// writer is released before Finished is published, so a subscriber that
// sees Finished can act on the node right away.
func (s *ChatService) generate(ctx context.Context, j job) (*model.ChatResponse, error) {
	id := j.writer.NodeID()
	defer func() {
		j.writer.Release()
		s.mu.Lock()
		delete(s.runs, id)
		s.mu.Unlock()
	}()

	final, err := s.engine.Run(ctx, j.ref, j.req, func(p model.Progress) {
		p.NodeID = id
		switch p.Kind {
		case model.ProgressGenerating:
			j.writer.Append(*p.Response)
		case model.ProgressGenerated:
			if err := j.writer.Complete(ctx, *p.Response); err != nil {
				slog.Error("Could not store generated message", "node_id", id, "error", err)
				s.hub.Publish(p)
				p = model.Progress{Kind: model.ProgressErr, NodeID: id, Error: err.Error(), ErrorKind: model.FailurePersistence}
			}
		case model.ProgressErr:
			if err := j.writer.Fail(ctx, p.ErrorKind, p.Error); err != nil {
				slog.Error("Could not store failed message", "node_id", id, "error", err)
			}
		case model.ProgressFinished:
			j.writer.Release()
			s.mu.Lock()
			delete(s.runs, id)
			s.mu.Unlock()
		}
		s.hub.Publish(p)
	})
	return final, err
}

// checkFiles makes sure every attachment exists and fills in its filename.
func (s *ChatService) checkFiles(ctx context.Context, refs []model.FileRef) ([]model.FileRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if s.files == nil {
		return nil, fmt.Errorf("%w: attachments are not enabled", app_errors.ErrValidation)
	}
	out := make([]model.FileRef, 0, len(refs))
	for _, ref := range refs {
		f, err := s.files.Get(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.FileRef{ID: f.ID, Filename: f.Filename})
	}
	return out, nil
}

// buildRequest turns a lineage into the request for ref. Failed replies
// without any text are left out.
func (s *ChatService) buildRequest(ctx context.Context, lineage []*model.Node, ref model.ModelRef) (*llm.Request, error) {
	req := &llm.Request{Model: ref.Model}
	if s.settings.SystemPrompt != "" {
		req.Messages = append(req.Messages, llm.Message{Role: string(model.RoleSystem), Content: s.settings.SystemPrompt})
	}

	for _, n := range lineage {
		if n.Failure != nil && n.Content == "" {
			continue
		}
		msg := llm.Message{Role: string(n.Role), Content: n.Content}
		for _, ref := range n.Files {
			if s.files == nil {
				break
			}
			f, err := s.files.Get(ctx, ref.ID)
			if err != nil {
				slog.Warn("Skipping missing attachment", "node_id", n.ID, "file_id", ref.ID, "error", err)
				continue
			}
			msg.Files = append(msg.Files, llm.File{Filename: f.Filename, MimeType: f.MimeType, Data: f.Base64()})
		}
		req.Messages = append(req.Messages, msg)
	}

	if s.optionSets != nil {
		set, err := s.optionSets.GetOptionSet(ctx, ref.Provider, ref.Model)
		switch {
		case err == nil:
			req.Options = llm.OptionsFrom(set)
		case errors.Is(err, repository.ErrNotFound), errors.Is(err, app_errors.ErrNotFound):
		default:
			return nil, app_errors.Persistence("load option set", err)
		}
	}
	return req, nil
}

func releaseAll(jobs []job) {
	for _, j := range jobs {
		j.writer.Release()
	}
}
