package model

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser     Role = "user"
	RoleAI       Role = "assistant"
	RoleSystem   Role = "system"
	RoleFunction Role = "function"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAI, RoleSystem, RoleFunction:
		return true
	}
	return false
}

// Chat stores metadata about a conversation. Root is set lazily when the
// first message is added.
type Chat struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	Root           *string   `json:"root,omitempty"`
	DefaultToolIDs []string  `json:"default_tool_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ModelRef names a model on a registered provider.
type ModelRef struct {
	Provider string `json:"provider" validate:"required"`
	Model    string `json:"model" validate:"required"`
}

func (m ModelRef) String() string {
	return m.Provider + "/" + m.Model
}

// FileRef points at an attachment in the file store.
type FileRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
}

// FuncCall is a tool invocation requested by a model.
type FuncCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NodeStatus is the lifecycle state of a message.
type NodeStatus string

const (
	// StatusComplete is used for user-authored messages and finished replies.
	StatusComplete   NodeStatus = "complete"
	StatusGenerating NodeStatus = "generating"
	StatusErrored    NodeStatus = "errored"
	StatusCancelled  NodeStatus = "cancelled"
)

// FailureKind tells clients whether a retry makes sense.
type FailureKind string

const (
	FailureProvider    FailureKind = "provider"
	FailurePersistence FailureKind = "persistence"
	FailureCancelled   FailureKind = "cancelled"
	FailureInternal    FailureKind = "internal"
)

// Failure is the terminal error attached to a message.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Node is a single message in a chat's tree.
type Node struct {
	ID            string      `json:"id"`
	ChatID        string      `json:"chat_id"`
	ParentID      *string     `json:"parent_id,omitempty"`
	Role          Role        `json:"role"`
	Content       string      `json:"content"`
	Thinking      *string     `json:"thinking,omitempty"`
	Files         []FileRef   `json:"files,omitempty"`
	Model         *ModelRef   `json:"attributed_model,omitempty"`
	FuncCalls     []FuncCall  `json:"func_calls,omitempty"`
	Status        NodeStatus  `json:"status"`
	Failure       *Failure    `json:"failure,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	Children      []ChildEdge `json:"children"`
	SelectedChild *uint8      `json:"selected_child_ordinal,omitempty"`

	// NextOrdinal is the ordinal the next child of this node will receive.
	NextOrdinal uint16 `json:"-"`
}

// Edge links a parent to one of its children.
type Edge struct {
	ParentID string `json:"parent_id"`
	ChildEdge
}
