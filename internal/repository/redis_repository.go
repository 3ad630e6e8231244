package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"branchflow/backend/internal/model"
)

type redisRepository struct {
	rdb *redis.Client
}

func NewRedisRepository(rdb *redis.Client) Repository {
	return &redisRepository{rdb: rdb}
}

// Key Generation Helpers
func (r *redisRepository) chatKey(chatID string) string { return fmt.Sprintf("chat:%s", chatID) }
func (r *redisRepository) messagesKey(chatID string) string { return fmt.Sprintf("chat:%s:messages", chatID) }
func (r *redisRepository) edgesKey(chatID string) string { return fmt.Sprintf("chat:%s:edges", chatID) }
func (r *redisRepository) messageKey(messageID string) string { return fmt.Sprintf("message:%s", messageID) }
func (r *redisRepository) userChatsKey(userID string) string { return fmt.Sprintf("user:%s:chats", userID) }

const optionSetsKey = "option_sets"

// Message hashes keep the body apart from the parent bookkeeping so that
// both can be changed without a read-modify-write.
const (
	fieldChatID        = "chat_id"
	fieldBody          = "body"
	fieldSelectedChild = "selected_child"
	fieldNextOrdinal   = "next_ordinal"
	fieldRoot          = "root"
	fieldUpdatedAt     = "updated_at"
)

// --- Chat Operations ---

func (r *redisRepository) CreateChat(ctx context.Context, chat *model.Chat) error {
	chatMap, err := chatToMap(chat)
	if err != nil {
		return fmt.Errorf("could not convert chat to map: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.chatKey(chat.ID), chatMap)
	pipe.ZAdd(ctx, r.userChatsKey(chat.UserID), redis.Z{Score: float64(-chat.UpdatedAt.UnixNano()), Member: chat.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisRepository) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	chatMap, err := r.rdb.HGetAll(ctx, r.chatKey(chatID)).Result()
	if err != nil {
		return nil, err
	}
	if len(chatMap) == 0 {
		return nil, ErrNotFound
	}
	return mapToChat(chatMap)
}

func (r *redisRepository) GetChats(ctx context.Context, userID string) ([]*model.Chat, error) {
	chatIDs, err := r.rdb.ZRange(ctx, r.userChatsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	chats := make([]*model.Chat, 0, len(chatIDs))
	for _, id := range chatIDs {
		chat, err := r.GetChat(ctx, id)
		if err == nil && chat != nil {
			chats = append(chats, chat)
		}
	}
	return chats, nil
}

func (r *redisRepository) UpdateChatTitle(ctx context.Context, chatID, newTitle string) error {
	key := r.chatKey(chatID)
	userID, err := r.rdb.HGet(ctx, key, "user_id").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}

	now := time.Now().UTC()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, "title", newTitle, fieldUpdatedAt, now.Format(time.RFC3339Nano))
	pipe.ZAdd(ctx, r.userChatsKey(userID), redis.Z{Score: float64(-now.UnixNano()), Member: chatID})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisRepository) DeleteChat(ctx context.Context, chatID string) error {
	chat, err := r.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("could not get chat for deletion: %w", err)
	}

	msgIDs, err := r.rdb.ZRange(ctx, r.messagesKey(chatID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("could not get message IDs for deletion: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	if len(msgIDs) > 0 {
		messageKeys := make([]string, len(msgIDs))
		for i, id := range msgIDs {
			messageKeys[i] = r.messageKey(id)
		}
		pipe.Del(ctx, messageKeys...)
	}
	pipe.Del(ctx, r.chatKey(chatID), r.messagesKey(chatID), r.edgesKey(chatID))
	pipe.ZRem(ctx, r.userChatsKey(chat.UserID), chatID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute chat deletion pipeline: %w", err)
	}
	return nil
}

// --- Message Operations ---

func (r *redisRepository) SaveAppend(ctx context.Context, chatID string, op AppendOp) error {
	body, err := nodeBody(op.Node)
	if err != nil {
		return fmt.Errorf("could not encode message: %w", err)
	}
	userID, err := r.chatOwner(ctx, chatID)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	key := r.messageKey(op.Node.ID)
	pipe.HSet(ctx, key, fieldChatID, chatID, fieldBody, body, fieldNextOrdinal, op.Node.NextOrdinal)
	if op.Node.SelectedChild != nil {
		pipe.HSet(ctx, key, fieldSelectedChild, *op.Node.SelectedChild)
	}
	pipe.ZAdd(ctx, r.messagesKey(chatID), redis.Z{Score: float64(op.Node.CreatedAt.UnixNano()), Member: op.Node.ID})

	if op.Edge != nil {
		if err := r.queueEdge(ctx, pipe, chatID, *op.Edge); err != nil {
			return err
		}
	}
	for _, e := range op.Relabeled {
		if err := r.queueEdge(ctx, pipe, chatID, e); err != nil {
			return err
		}
	}
	if op.Parent != nil {
		r.queueParent(ctx, pipe, op.Parent)
	}

	if op.Edge == nil {
		pipe.HSet(ctx, r.chatKey(chatID), fieldRoot, op.Node.ID)
	}
	r.queueTouch(ctx, pipe, chatID, userID)

	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisRepository) SaveDelete(ctx context.Context, chatID string, op DeleteOp) error {
	userID, err := r.chatOwner(ctx, chatID)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	for _, id := range op.NodeIDs {
		pipe.Del(ctx, r.messageKey(id))
		pipe.ZRem(ctx, r.messagesKey(chatID), id)
		pipe.HDel(ctx, r.edgesKey(chatID), id)
	}
	if op.Parent != nil {
		r.queueParent(ctx, pipe, op.Parent)
	}
	r.queueTouch(ctx, pipe, chatID, userID)
	if op.ClearRoot {
		pipe.HDel(ctx, r.chatKey(chatID), fieldRoot)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// chatOwner returns the user a chat belongs to, or "" when the chat hash is gone.
func (r *redisRepository) chatOwner(ctx context.Context, chatID string) (string, error) {
	userID, err := r.rdb.HGet(ctx, r.chatKey(chatID), "user_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return userID, nil
}

// queueTouch bumps updated_at and moves the chat to the front of its owner's list.
func (r *redisRepository) queueTouch(ctx context.Context, pipe redis.Pipeliner, chatID, userID string) {
	now := time.Now().UTC()
	pipe.HSet(ctx, r.chatKey(chatID), fieldUpdatedAt, now.Format(time.RFC3339Nano))
	if userID != "" {
		pipe.ZAdd(ctx, r.userChatsKey(userID), redis.Z{Score: float64(-now.UnixNano()), Member: chatID})
	}
}

func (r *redisRepository) UpdateNodeBody(ctx context.Context, node *model.Node) error {
	key := r.messageKey(node.ID)
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	body, err := nodeBody(node)
	if err != nil {
		return fmt.Errorf("could not encode message: %w", err)
	}
	return r.rdb.HSet(ctx, key, fieldBody, body).Err()
}

func (r *redisRepository) SetSelectedChild(ctx context.Context, parentID string, ordinal *uint8) error {
	key := r.messageKey(parentID)
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	if ordinal == nil {
		return r.rdb.HDel(ctx, key, fieldSelectedChild).Err()
	}
	return r.rdb.HSet(ctx, key, fieldSelectedChild, *ordinal).Err()
}

func (r *redisRepository) GetNodeChatID(ctx context.Context, nodeID string) (string, error) {
	chatID, err := r.rdb.HGet(ctx, r.messageKey(nodeID), fieldChatID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return chatID, nil
}

func (r *redisRepository) LoadTree(ctx context.Context, chatID string) ([]*model.Node, []model.Edge, error) {
	msgIDs, err := r.rdb.ZRange(ctx, r.messagesKey(chatID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	nodes := make([]*model.Node, 0, len(msgIDs))
	for _, id := range msgIDs {
		fields, err := r.rdb.HGetAll(ctx, r.messageKey(id)).Result()
		if err != nil {
			return nil, nil, err
		}
		if len(fields) == 0 {
			continue
		}
		node, err := mapToNode(fields)
		if err != nil {
			return nil, nil, fmt.Errorf("could not decode message %s: %w", id, err)
		}
		nodes = append(nodes, node)
	}

	rawEdges, err := r.rdb.HGetAll(ctx, r.edgesKey(chatID)).Result()
	if err != nil {
		return nil, nil, err
	}
	edges := make([]model.Edge, 0, len(rawEdges))
	for _, raw := range rawEdges {
		var e model.Edge
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, nil, fmt.Errorf("could not decode edge: %w", err)
		}
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].ParentID != edges[j].ParentID {
			return edges[i].ParentID < edges[j].ParentID
		}
		return edges[i].Ordinal < edges[j].Ordinal
	})
	return nodes, edges, nil
}

// --- Option Set Operations ---

func optionSetField(provider, modelName string) string {
	return provider + "/" + modelName
}

func (r *redisRepository) SaveOptionSet(ctx context.Context, set *model.OptionSet) error {
	val, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal option set: %w", err)
	}
	return r.rdb.HSet(ctx, optionSetsKey, optionSetField(set.Provider, set.Model), val).Err()
}

func (r *redisRepository) GetOptionSet(ctx context.Context, provider, modelName string) (*model.OptionSet, error) {
	val, err := r.rdb.HGet(ctx, optionSetsKey, optionSetField(provider, modelName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var set model.OptionSet
	if err := json.Unmarshal([]byte(val), &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal option set: %w", err)
	}
	return &set, nil
}

func (r *redisRepository) ListOptionSets(ctx context.Context) ([]*model.OptionSet, error) {
	all, err := r.rdb.HGetAll(ctx, optionSetsKey).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]*model.OptionSet, 0, len(keys))
	for _, k := range keys {
		var set model.OptionSet
		if err := json.Unmarshal([]byte(all[k]), &set); err != nil {
			return nil, fmt.Errorf("failed to unmarshal option set %s: %w", k, err)
		}
		sets = append(sets, &set)
	}
	return sets, nil
}

// --- Helper Functions ---

func (r *redisRepository) queueEdge(ctx context.Context, pipe redis.Pipeliner, chatID string, e model.Edge) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not encode edge: %w", err)
	}
	pipe.HSet(ctx, r.edgesKey(chatID), e.ChildID, val)
	return nil
}

func (r *redisRepository) queueParent(ctx context.Context, pipe redis.Pipeliner, p *ParentState) {
	key := r.messageKey(p.ID)
	pipe.HSet(ctx, key, fieldNextOrdinal, p.NextOrdinal)
	if p.SelectedChild == nil {
		pipe.HDel(ctx, key, fieldSelectedChild)
	} else {
		pipe.HSet(ctx, key, fieldSelectedChild, *p.SelectedChild)
	}
}

// nodeBody encodes everything about a node except its child bookkeeping.
func nodeBody(n *model.Node) (string, error) {
	body := *n
	body.Children = nil
	body.SelectedChild = nil
	data, err := json.Marshal(body)
	return string(data), err
}

func mapToNode(fields map[string]string) (*model.Node, error) {
	var n model.Node
	if err := json.Unmarshal([]byte(fields[fieldBody]), &n); err != nil {
		return nil, err
	}
	if raw, ok := fields[fieldNextOrdinal]; ok {
		v, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return nil, err
		}
		n.NextOrdinal = uint16(v)
	}
	if raw, ok := fields[fieldSelectedChild]; ok {
		v, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return nil, err
		}
		ord := uint8(v)
		n.SelectedChild = &ord
	}
	return &n, nil
}

func chatToMap(chat *model.Chat) (map[string]any, error) {
	m := map[string]any{
		"id":         chat.ID,
		"user_id":    chat.UserID,
		"title":      chat.Title,
		"created_at": chat.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	m[fieldUpdatedAt] = chat.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if chat.Root != nil {
		m[fieldRoot] = *chat.Root
	}
	if len(chat.DefaultToolIDs) > 0 {
		data, err := json.Marshal(chat.DefaultToolIDs)
		if err != nil {
			return nil, err
		}
		m["default_tool_ids"] = string(data)
	}
	return m, nil
}

func mapToChat(m map[string]string) (*model.Chat, error) {
	chat := &model.Chat{ID: m["id"], UserID: m["user_id"], Title: m["title"]}
	var err error
	if chat.CreatedAt, err = time.Parse(time.RFC3339Nano, m["created_at"]); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if chat.UpdatedAt, err = time.Parse(time.RFC3339Nano, m[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}
	if root, ok := m[fieldRoot]; ok && root != "" {
		chat.Root = &root
	}
	if raw, ok := m["default_tool_ids"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &chat.DefaultToolIDs); err != nil {
			return nil, err
		}
	}
	return chat, nil
}
