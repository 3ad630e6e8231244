package repository

import (
	"context"

	"branchflow/backend/internal/model"
)

// ParentState is the bookkeeping of a parent node that changes when its
// children change.
type ParentState struct {
	ID            string
	SelectedChild *uint8
	NextOrdinal   uint16
}

// AppendOp describes the insertion of one node. A root insertion has a nil
// Edge and Parent and sets the chat's root.
type AppendOp struct {
	Node      *model.Node
	Edge      *model.Edge
	Parent    *ParentState
	Relabeled []model.Edge
}

// DeleteOp describes the removal of a subtree.
type DeleteOp struct {
	NodeIDs   []string
	Parent    *ParentState
	ClearRoot bool
}

// Repository defines the storage operations the message tree and the
// services need. Implementations must apply each AppendOp and DeleteOp
// atomically.
type Repository interface {
	CreateChat(ctx context.Context, chat *model.Chat) error
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	GetChats(ctx context.Context, userID string) ([]*model.Chat, error)
	UpdateChatTitle(ctx context.Context, chatID, newTitle string) error
	DeleteChat(ctx context.Context, chatID string) error

	SaveAppend(ctx context.Context, chatID string, op AppendOp) error
	SaveDelete(ctx context.Context, chatID string, op DeleteOp) error
	UpdateNodeBody(ctx context.Context, node *model.Node) error
	SetSelectedChild(ctx context.Context, parentID string, ordinal *uint8) error
	GetNodeChatID(ctx context.Context, nodeID string) (string, error)
	LoadTree(ctx context.Context, chatID string) ([]*model.Node, []model.Edge, error)

	SaveOptionSet(ctx context.Context, set *model.OptionSet) error
	GetOptionSet(ctx context.Context, provider, modelName string) (*model.OptionSet, error)
	ListOptionSets(ctx context.Context) ([]*model.OptionSet, error)
}
