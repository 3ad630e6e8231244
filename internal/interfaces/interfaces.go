package interfaces

import (
	"context"
	"io"

	"branchflow/backend/internal/llm"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/service"
)

// This file defines the interfaces for our core services.
// Depending on these interfaces, instead of concrete implementations, allows for
// decoupling (e.g., API layer from Service layer) and easier testing via mocking.

// ChatService defines the contract for the chat tree and its generations.
type ChatService interface {
	CreateChat(ctx context.Context, userID, title string, toolIDs []string) (*model.Chat, error)
	ListChats(ctx context.Context, userID string) ([]*model.Chat, error)
	GetChat(ctx context.Context, chatID string) (*service.ChatView, error)
	UpdateChatTitle(ctx context.Context, chatID, title string) error
	DeleteChat(ctx context.Context, chatID string) error

	GetPath(ctx context.Context, chatID string, offsets []int) ([]*model.Node, error)
	GetCanChangePath(ctx context.Context, chatID string, offsets []int) ([]bool, error)
	GetNode(ctx context.Context, nodeID string) (*model.Node, error)
	SelectSibling(ctx context.Context, parentID string, ordinal uint8) error
	EditMessage(ctx context.Context, nodeID, content string) (*model.Node, error)
	DeleteMessage(ctx context.Context, nodeID string) error
	PersistMessage(ctx context.Context, nodeID string) (*model.Node, error)

	SubmitTurn(ctx context.Context, req *service.TurnRequest) (*service.TurnResult, error)
	Regenerate(ctx context.Context, nodeID string, req *service.RegenerateRequest) (*model.Node, error)
	Cancel(ctx context.Context, nodeID string) (*model.Node, error)
	Subscribe(ctx context.Context, nodeID string) (<-chan model.Progress, func(), error)
}

// ModelService defines the contract for model discovery.
type ModelService interface {
	List(ctx context.Context) map[string][]llm.ModelInfo
	ListProvider(ctx context.Context, provider string) ([]llm.ModelInfo, error)
	Providers() []string
}

// OptionSetService defines the contract for managing generation options.
type OptionSetService interface {
	List(ctx context.Context) ([]*model.OptionSet, error)
	Get(ctx context.Context, provider, modelName string) (*model.OptionSet, error)
	Save(ctx context.Context, set *model.OptionSet) error
}

// FileService defines the contract for storing attachments.
type FileService interface {
	Save(ctx context.Context, filename string, r io.Reader) (*model.FileRef, error)
}
