package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"branchflow/backend/internal/model"
)

type sqliteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) Repository {
	return &sqliteRepository{db: db}
}

// --- Chat Operations ---

func (r *sqliteRepository) CreateChat(ctx context.Context, chat *model.Chat) error {
	toolIDs, err := marshalNullable(chat.DefaultToolIDs)
	if err != nil {
		return err
	}
	query := "INSERT INTO chats (id, user_id, title, root_id, default_tool_ids, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)"
	_, err = r.db.ExecContext(ctx, query, chat.ID, chat.UserID, chat.Title, chat.Root, toolIDs, chat.CreatedAt, chat.UpdatedAt)
	return err
}

func (r *sqliteRepository) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	query := "SELECT id, user_id, title, root_id, default_tool_ids, created_at, updated_at FROM chats WHERE id = ?"
	chat, err := scanChat(r.db.QueryRowContext(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return chat, nil
}

func (r *sqliteRepository) GetChats(ctx context.Context, userID string) ([]*model.Chat, error) {
	query := "SELECT id, user_id, title, root_id, default_tool_ids, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC"
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := []*model.Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (r *sqliteRepository) UpdateChatTitle(ctx context.Context, chatID, newTitle string) error {
	query := "UPDATE chats SET title = ?, updated_at = ? WHERE id = ?"
	res, err := r.db.ExecContext(ctx, query, newTitle, time.Now().UTC(), chatID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *sqliteRepository) DeleteChat(ctx context.Context, chatID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM message_edges WHERE child_id IN (SELECT id FROM messages WHERE chat_id = ?)", chatID); err != nil {
		return fmt.Errorf("could not delete edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("could not delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", chatID); err != nil {
		return fmt.Errorf("could not delete chat: %w", err)
	}
	return tx.Commit()
}

// --- Message Operations ---

func (r *sqliteRepository) SaveAppend(ctx context.Context, chatID string, op AppendOp) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertNode(ctx, tx, op.Node); err != nil {
		return fmt.Errorf("could not insert message: %w", err)
	}

	if op.Edge != nil {
		kind, reasonModel := reasonColumns(op.Edge.Reason)
		_, err = tx.ExecContext(ctx,
			"INSERT INTO message_edges (parent_id, ordinal, child_id, reason_kind, reason_model) VALUES (?, ?, ?, ?, ?)",
			op.Edge.ParentID, op.Edge.Ordinal, op.Edge.ChildID, kind, reasonModel)
		if err != nil {
			return fmt.Errorf("could not insert edge: %w", err)
		}
	}

	if op.Parent != nil {
		if err := updateParent(ctx, tx, op.Parent); err != nil {
			return err
		}
	}

	for _, e := range op.Relabeled {
		kind, reasonModel := reasonColumns(e.Reason)
		_, err = tx.ExecContext(ctx, "UPDATE message_edges SET reason_kind = ?, reason_model = ? WHERE child_id = ?", kind, reasonModel, e.ChildID)
		if err != nil {
			return fmt.Errorf("could not relabel edge: %w", err)
		}
	}

	if op.Edge == nil {
		_, err = tx.ExecContext(ctx, "UPDATE chats SET root_id = ?, updated_at = ? WHERE id = ?", op.Node.ID, time.Now().UTC(), chatID)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", time.Now().UTC(), chatID)
	}
	if err != nil {
		return fmt.Errorf("could not update chat: %w", err)
	}

	return tx.Commit()
}

func (r *sqliteRepository) SaveDelete(ctx context.Context, chatID string, op DeleteOp) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range op.NodeIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM message_edges WHERE child_id = ? OR parent_id = ?", id, id); err != nil {
			return fmt.Errorf("could not delete edges of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("could not delete message %s: %w", id, err)
		}
	}

	if op.Parent != nil {
		if err := updateParent(ctx, tx, op.Parent); err != nil {
			return err
		}
	}

	if op.ClearRoot {
		_, err = tx.ExecContext(ctx, "UPDATE chats SET root_id = NULL, updated_at = ? WHERE id = ?", time.Now().UTC(), chatID)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", time.Now().UTC(), chatID)
	}
	if err != nil {
		return fmt.Errorf("could not update chat: %w", err)
	}

	return tx.Commit()
}

func (r *sqliteRepository) UpdateNodeBody(ctx context.Context, node *model.Node) error {
	files, err := marshalNullable(node.Files)
	if err != nil {
		return err
	}
	calls, err := marshalNullable(node.FuncCalls)
	if err != nil {
		return err
	}
	provider, modelName := modelColumns(node.Model)
	failureKind, failureMessage := failureColumns(node.Failure)

	query := `
		UPDATE messages
		SET content = ?, thinking = ?, files = ?, provider = ?, model = ?, func_calls = ?,
			status = ?, failure_kind = ?, failure_message = ?
		WHERE id = ?
	`
	res, err := r.db.ExecContext(ctx, query,
		node.Content, node.Thinking, files, provider, modelName, calls,
		node.Status, failureKind, failureMessage, node.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *sqliteRepository) SetSelectedChild(ctx context.Context, parentID string, ordinal *uint8) error {
	res, err := r.db.ExecContext(ctx, "UPDATE messages SET selected_child = ? WHERE id = ?", ordinalColumn(ordinal), parentID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *sqliteRepository) GetNodeChatID(ctx context.Context, nodeID string) (string, error) {
	var chatID string
	err := r.db.QueryRowContext(ctx, "SELECT chat_id FROM messages WHERE id = ?", nodeID).Scan(&chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return chatID, nil
}

func (r *sqliteRepository) LoadTree(ctx context.Context, chatID string) ([]*model.Node, []model.Edge, error) {
	query := `
		SELECT id, chat_id, parent_id, role, content, thinking, files, provider, model, func_calls,
			status, failure_kind, failure_message, selected_child, next_ordinal, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, nil, err
	}

	var nodes []*model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		nodes = append(nodes, node)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	edgeQuery := `
		SELECT e.parent_id, e.ordinal, e.child_id, e.reason_kind, e.reason_model
		FROM message_edges e
		JOIN messages m ON m.id = e.child_id
		WHERE m.chat_id = ?
		ORDER BY e.parent_id, e.ordinal
	`
	edgeRows, err := r.db.QueryContext(ctx, edgeQuery, chatID)
	if err != nil {
		return nil, nil, err
	}
	defer edgeRows.Close()

	var edges []model.Edge
	for edgeRows.Next() {
		var e model.Edge
		var kind, reasonModel sql.NullString
		if err := edgeRows.Scan(&e.ParentID, &e.Ordinal, &e.ChildID, &kind, &reasonModel); err != nil {
			return nil, nil, err
		}
		if kind.Valid {
			e.Reason = &model.Reason{Kind: model.ReasonKind(kind.String), Model: reasonModel.String}
		}
		edges = append(edges, e)
	}
	return nodes, edges, edgeRows.Err()
}

// --- Option Set Operations ---

func (r *sqliteRepository) SaveOptionSet(ctx context.Context, set *model.OptionSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal option set: %w", err)
	}
	query := `
		INSERT INTO option_sets (provider, model, name, options, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider, model) DO UPDATE SET name = excluded.name, options = excluded.options, updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, query, set.Provider, set.Model, set.Name, string(data), set.UpdatedAt)
	return err
}

func (r *sqliteRepository) GetOptionSet(ctx context.Context, provider, modelName string) (*model.OptionSet, error) {
	var data string
	err := r.db.QueryRowContext(ctx, "SELECT options FROM option_sets WHERE provider = ? AND model = ?", provider, modelName).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var set model.OptionSet
	if err := json.Unmarshal([]byte(data), &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal option set: %w", err)
	}
	return &set, nil
}

func (r *sqliteRepository) ListOptionSets(ctx context.Context) ([]*model.OptionSet, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT options FROM option_sets ORDER BY provider, model")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sets := []*model.OptionSet{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var set model.OptionSet
		if err := json.Unmarshal([]byte(data), &set); err != nil {
			return nil, fmt.Errorf("failed to unmarshal option set: %w", err)
		}
		sets = append(sets, &set)
	}
	return sets, rows.Err()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*model.Chat, error) {
	var chat model.Chat
	var root, toolIDs sql.NullString
	if err := row.Scan(&chat.ID, &chat.UserID, &chat.Title, &root, &toolIDs, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
		return nil, err
	}
	if root.Valid {
		chat.Root = &root.String
	}
	if toolIDs.Valid {
		if err := json.Unmarshal([]byte(toolIDs.String), &chat.DefaultToolIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal default tool ids: %w", err)
		}
	}
	return &chat, nil
}

func scanNode(row rowScanner) (*model.Node, error) {
	var n model.Node
	var parentID, thinking, files, provider, modelName, calls, failureKind, failureMessage sql.NullString
	var selected sql.NullInt64

	err := row.Scan(&n.ID, &n.ChatID, &parentID, &n.Role, &n.Content, &thinking, &files, &provider, &modelName, &calls,
		&n.Status, &failureKind, &failureMessage, &selected, &n.NextOrdinal, &n.CreatedAt)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		n.ParentID = &parentID.String
	}
	if thinking.Valid {
		n.Thinking = &thinking.String
	}
	if provider.Valid && modelName.Valid {
		n.Model = &model.ModelRef{Provider: provider.String, Model: modelName.String}
	}
	if failureKind.Valid {
		n.Failure = &model.Failure{Kind: model.FailureKind(failureKind.String), Message: failureMessage.String}
	}
	if selected.Valid {
		ord := uint8(selected.Int64)
		n.SelectedChild = &ord
	}
	if files.Valid {
		if err := json.Unmarshal([]byte(files.String), &n.Files); err != nil {
			return nil, fmt.Errorf("failed to unmarshal files of %s: %w", n.ID, err)
		}
	}
	if calls.Valid {
		if err := json.Unmarshal([]byte(calls.String), &n.FuncCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal func calls of %s: %w", n.ID, err)
		}
	}
	return &n, nil
}

func insertNode(ctx context.Context, tx *sql.Tx, n *model.Node) error {
	files, err := marshalNullable(n.Files)
	if err != nil {
		return err
	}
	calls, err := marshalNullable(n.FuncCalls)
	if err != nil {
		return err
	}
	provider, modelName := modelColumns(n.Model)
	failureKind, failureMessage := failureColumns(n.Failure)

	query := `
		INSERT INTO messages (id, chat_id, parent_id, role, content, thinking, files, provider, model, func_calls,
			status, failure_kind, failure_message, selected_child, next_ordinal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		n.ID, n.ChatID, n.ParentID, n.Role, n.Content, n.Thinking, files, provider, modelName, calls,
		n.Status, failureKind, failureMessage, ordinalColumn(n.SelectedChild), n.NextOrdinal, n.CreatedAt)
	return err
}

func updateParent(ctx context.Context, tx *sql.Tx, p *ParentState) error {
	_, err := tx.ExecContext(ctx, "UPDATE messages SET selected_child = ?, next_ordinal = ? WHERE id = ?",
		ordinalColumn(p.SelectedChild), p.NextOrdinal, p.ID)
	if err != nil {
		return fmt.Errorf("could not update parent %s: %w", p.ID, err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalNullable[T any](items []T) (sql.NullString, error) {
	if len(items) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func ordinalColumn(ord *uint8) sql.NullInt64 {
	if ord == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ord), Valid: true}
}

func modelColumns(m *model.ModelRef) (sql.NullString, sql.NullString) {
	if m == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: m.Provider, Valid: true}, sql.NullString{String: m.Model, Valid: true}
}

func failureColumns(f *model.Failure) (sql.NullString, sql.NullString) {
	if f == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(f.Kind), Valid: true}, sql.NullString{String: f.Message, Valid: true}
}

func reasonColumns(r *model.Reason) (sql.NullString, sql.NullString) {
	if r == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(r.Kind), Valid: true}, sql.NullString{String: r.Model, Valid: r.Model != ""}
}
