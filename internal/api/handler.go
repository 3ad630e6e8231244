package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/interfaces"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/service"
)

// defaultUserID is used when a request carries no X-User-ID header.
const defaultUserID = "default-user"

// ChatHandler handles HTTP requests for chats, messages and generations.
type ChatHandler struct {
	service interfaces.ChatService
}

func NewChatHandler(svc interfaces.ChatService) *ChatHandler {
	return &ChatHandler{service: svc}
}

func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return defaultUserID
}

// parseOffsets reads the comma separated "offsets" query parameter.
func parseOffsets(r *http.Request) ([]int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("offsets"))
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	offsets := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w: offset %q is not an integer", app_errors.ErrValidation, p)
		}
		offsets = append(offsets, n)
	}
	return offsets, nil
}

// decodeBody decodes and validates a JSON request body into payload.
func decodeBody(r *http.Request, payload interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		return fmt.Errorf("%w: invalid request payload", app_errors.ErrValidation)
	}
	return validateRequest(payload)
}

// GetChats godoc
// @Summary      List chats
// @Description  Lists the chats of the calling user, most recently updated first.
// @Tags         Chats
// @Produce      json
// @Param        X-User-ID  header  string  false  "User ID"
// @Success      200  {array}   model.Chat
// @Failure      500  {object}  ErrorResponse
// @Router       /v1/chats [get]
func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.service.ListChats(r.Context(), userID(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, chats)
}

// CreateChat godoc
// @Summary      Create a chat
// @Tags         Chats
// @Accept       json
// @Produce      json
// @Param        X-User-ID  header  string             false  "User ID"
// @Param        chat       body    CreateChatRequest  true   "Chat"
// @Success      201  {object}  model.Chat
// @Failure      400  {object}  ErrorResponse
// @Router       /v1/chats [post]
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	chat, err := h.service.CreateChat(r.Context(), userID(r), req.Title, req.DefaultToolIDs)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, chat)
}

// GetChat godoc
// @Summary      Get a chat
// @Description  Returns the chat together with its default path.
// @Tags         Chats
// @Produce      json
// @Param        chatID  path  string  true  "Chat ID"
// @Success      200  {object}  service.ChatView
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/chats/{chatID} [get]
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetChat(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

// UpdateChatTitle godoc
// @Summary      Rename a chat
// @Tags         Chats
// @Accept       json
// @Produce      json
// @Param        chatID  path  string              true  "Chat ID"
// @Param        title   body  UpdateTitleRequest  true  "New title"
// @Success      200  {object}  StatusResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/chats/{chatID}/title [put]
func (h *ChatHandler) UpdateChatTitle(w http.ResponseWriter, r *http.Request) {
	var req UpdateTitleRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.service.UpdateChatTitle(r.Context(), chi.URLParam(r, "chatID"), req.Title); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// HandleDeleteChat godoc
// @Summary      Delete a chat
// @Description  Cancels the chat's running generations and deletes it.
// @Tags         Chats
// @Produce      json
// @Param        chatID  path  string  true  "Chat ID"
// @Success      200  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/chats/{chatID} [delete]
func (h *ChatHandler) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteChat(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// GetPath godoc
// @Summary      Resolve a path
// @Description  Walks the tree following the sibling offsets. Without offsets the default path is returned.
// @Tags         Paths
// @Produce      json
// @Param        chatID   path   string  true   "Chat ID"
// @Param        offsets  query  string  false  "Comma separated sibling offsets"
// @Success      200  {array}   model.Node
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/chats/{chatID}/path [get]
func (h *ChatHandler) GetPath(w http.ResponseWriter, r *http.Request) {
	offsets, err := parseOffsets(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	path, err := h.service.GetPath(r.Context(), chi.URLParam(r, "chatID"), offsets)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, path)
}

// GetCanChangePath godoc
// @Summary      Sibling availability along a path
// @Tags         Paths
// @Produce      json
// @Param        chatID   path   string  true   "Chat ID"
// @Param        offsets  query  string  false  "Comma separated sibling offsets"
// @Success      200  {array}   bool
// @Failure      400  {object}  ErrorResponse
// @Router       /v1/chats/{chatID}/can-change [get]
func (h *ChatHandler) GetCanChangePath(w http.ResponseWriter, r *http.Request) {
	offsets, err := parseOffsets(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	flags, err := h.service.GetCanChangePath(r.Context(), chi.URLParam(r, "chatID"), offsets)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, flags)
}

// SubmitTurn godoc
// @Summary      Submit a user turn
// @Description  Stores the user message and starts one generation per target model. Progress is read from the progress stream of each reply.
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        chatID  path  string               true  "Chat ID"
// @Param        turn    body  service.TurnRequest  true  "Turn"
// @Success      202  {object}  service.TurnResult
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/chats/{chatID}/turns [post]
func (h *ChatHandler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req service.TurnRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	req.ChatID = chi.URLParam(r, "chatID")

	result, err := h.service.SubmitTurn(r.Context(), &req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, result)
}

// GetMessage godoc
// @Summary      Get a message
// @Tags         Messages
// @Produce      json
// @Param        messageID  path  string  true  "Message ID"
// @Success      200  {object}  model.Node
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/messages/{messageID} [get]
func (h *ChatHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	node, err := h.service.GetNode(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, node)
}

// EditMessage godoc
// @Summary      Edit a message
// @Description  Replaces the content of a finished message.
// @Tags         Messages
// @Accept       json
// @Produce      json
// @Param        messageID  path  string              true  "Message ID"
// @Param        message    body  EditMessageRequest  true  "New content"
// @Success      200  {object}  model.Node
// @Failure      404  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Router       /v1/messages/{messageID} [put]
func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	node, err := h.service.EditMessage(r.Context(), chi.URLParam(r, "messageID"), req.Content)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, node)
}

// DeleteMessage godoc
// @Summary      Delete a message subtree
// @Tags         Messages
// @Produce      json
// @Param        messageID  path  string  true  "Message ID"
// @Success      200  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/messages/{messageID} [delete]
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteMessage(r.Context(), chi.URLParam(r, "messageID")); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// SelectSibling godoc
// @Summary      Select a child
// @Description  Makes the child with the given ordinal the selected child of the message.
// @Tags         Messages
// @Accept       json
// @Produce      json
// @Param        messageID  path  string                 true  "Parent message ID"
// @Param        selection  body  SelectSiblingRequest  true  "Ordinal"
// @Success      200  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/messages/{messageID}/select [post]
func (h *ChatHandler) SelectSibling(w http.ResponseWriter, r *http.Request) {
	var req SelectSiblingRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.service.SelectSibling(r.Context(), chi.URLParam(r, "messageID"), *req.Ordinal); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// HandleRegenerateMessage godoc
// @Summary      Regenerate a reply
// @Description  Adds a new sibling reply generated by the same or an overriding model.
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        messageID  path  string                     true   "Message ID"
// @Param        request    body  service.RegenerateRequest  false  "Model override"
// @Success      202  {object}  model.Node
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/messages/{messageID}/regenerate [post]
func (h *ChatHandler) HandleRegenerateMessage(w http.ResponseWriter, r *http.Request) {
	// The body is optional; an empty one keeps the original model.
	var req service.RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, fmt.Errorf("%w: invalid request payload", app_errors.ErrValidation))
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}
	node, err := h.service.Regenerate(r.Context(), chi.URLParam(r, "messageID"), &req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, node)
}

// CancelMessage godoc
// @Summary      Cancel a generation
// @Description  Returns once the generation has stopped. Cancelling a finished message is a no-op.
// @Tags         Generation
// @Produce      json
// @Param        messageID  path  string  true  "Message ID"
// @Success      200  {object}  model.Node
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/messages/{messageID}/cancel [post]
func (h *ChatHandler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	node, err := h.service.Cancel(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, node)
}

// PersistMessage godoc
// @Summary      Retry saving a message
// @Tags         Messages
// @Produce      json
// @Param        messageID  path  string  true  "Message ID"
// @Success      200  {object}  model.Node
// @Failure      503  {object}  ErrorResponse
// @Router       /v1/messages/{messageID}/persist [post]
func (h *ChatHandler) PersistMessage(w http.ResponseWriter, r *http.Request) {
	node, err := h.service.PersistMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, node)
}

// StreamProgress godoc
// @Summary      Follow a generation
// @Description  Streams progress events as newline delimited JSON until Finished. Finished messages replay their final state.
// @Tags         Generation
// @Produce      application/x-ndjson
// @Param        messageID  path  string  true  "Message ID"
// @Success      200  {object}  model.Progress  "Stream of progress events"
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/messages/{messageID}/progress [get]
func (h *ChatHandler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "messageID")
	events, cancel, err := h.service.Subscribe(r.Context(), nodeID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Client disconnected from progress stream", "node_id", nodeID)
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeStreamEvent(w, event); err != nil {
				slog.Warn("Could not write to progress stream, client likely disconnected", "node_id", nodeID, "error", err)
				return
			}
			if event.Kind == model.ProgressFinished {
				return
			}
		}
	}
}
