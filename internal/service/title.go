package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"branchflow/backend/internal/llm"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/thinking"
)

const titleTimeout = 60 * time.Second

// maybeTitle names an untitled chat after its first successful reply.
func (s *ChatService) maybeTitle(chatID string, replyModel model.ModelRef, userQuery, reply string) {
	ctx, cancel := context.WithTimeout(s.baseCtx, titleTimeout)
	defer cancel()

	chat, err := s.tree.GetChat(ctx, chatID)
	if err != nil || chat.Title != "" {
		return
	}

	ref := replyModel
	if s.settings.TitleModel != nil {
		ref = *s.settings.TitleModel
	}
	s.generateTitle(ctx, chatID, ref, userQuery, reply)
}

// generateTitle creates a title for a chat based on its first exchange.
func (s *ChatService) generateTitle(ctx context.Context, chatID string, ref model.ModelRef, userQuery, assistantResponse string) {
	slog.Debug("Generating title", "chat_id", chatID, "model", ref.String())

	messages := []llm.Message{
		{
			Role:    "system",
			Content: "You are an expert at creating short, concise titles for conversations. Respond with only the title, and nothing else.",
		},
		{
			Role: "user",
			Content: fmt.Sprintf("Based on the following conversation, what would be a good title?\n\n---\nUser: %s\n\nAssistant: %s\n---",
				truncate(userQuery, 150),
				truncate(assistantResponse, 200),
			),
		},
	}
	resp, err := s.dispatch.Complete(ctx, ref, &llm.Request{Messages: messages})
	if err != nil {
		slog.Warn("Failed to generate title", "chat_id", chatID, "error", err)
		return
	}

	newTitle := cleanTitle(resp.Content)
	if newTitle == "" {
		slog.Debug("Generated title was empty after cleaning", "chat_id", chatID)
		return
	}
	if err := s.tree.RenameChat(ctx, chatID, newTitle); err != nil {
		slog.Warn("Failed to update chat title", "chat_id", chatID, "error", err)
		return
	}
	slog.Info("Chat titled", "chat_id", chatID, "title", newTitle)
}

// cleanTitle drops inline reasoning, surrounding quotes and anything past the
// first line.
func cleanTitle(raw string) string {
	title := thinking.Split(thinking.Result{Content: raw}).Content
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(strings.TrimSpace(title), `"'*`)
	return truncate(strings.TrimSpace(title), 80)
}

// truncate shortens a string to a specified number of runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
