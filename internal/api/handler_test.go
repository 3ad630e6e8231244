package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"branchflow/backend/internal/api"
	app_errors "branchflow/backend/internal/errors"
	"branchflow/backend/internal/interfaces/mocks"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/service"
)

func setupChatHandler(t *testing.T) (*api.ChatHandler, *mocks.MockChatService) {
	mockChatSvc := mocks.NewMockChatService(t)
	return api.NewChatHandler(mockChatSvc), mockChatSvc
}

// addChiURLParams injects URL parameters the way the chi router does, so
// chi.URLParam works when a handler is called directly.
func addChiURLParams(req *http.Request, params map[string]string) *http.Request {
	chiCtx := chi.NewRouteContext()
	for key, value := range params {
		chiCtx.URLParams.Add(key, value)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, chiCtx))
}

func TestChatHandler_GetChats(t *testing.T) {
	t.Run("Success - User from header", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		expectedChats := []*model.Chat{{ID: "chat1", Title: "Test Chat"}}
		mockChatSvc.On("ListChats", mock.Anything, "alice").Return(expectedChats, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
		req.Header.Set("X-User-ID", "alice")
		rr := httptest.NewRecorder()
		handler.GetChats(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		var returnedChats []*model.Chat
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &returnedChats))
		assert.Equal(t, "chat1", returnedChats[0].ID)
	})

	t.Run("Success - Default user", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("ListChats", mock.Anything, "default-user").Return([]*model.Chat{}, nil).Once()

		rr := httptest.NewRecorder()
		handler.GetChats(rr, httptest.NewRequest(http.MethodGet, "/v1/chats", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Failure - Service returns error", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("ListChats", mock.Anything, mock.Anything).Return(nil, errors.New("internal error")).Once()

		rr := httptest.NewRecorder()
		handler.GetChats(rr, httptest.NewRequest(http.MethodGet, "/v1/chats", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Contains(t, rr.Body.String(), "internal server error")
		assert.NotContains(t, rr.Body.String(), "internal error\"")
	})
}

func TestChatHandler_CreateChat(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("CreateChat", mock.Anything, "default-user", "Trip", []string{"search"}).
			Return(&model.Chat{ID: "c1", Title: "Trip"}, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/v1/chats", strings.NewReader(`{"title":"Trip","default_tool_ids":["search"]}`))
		rr := httptest.NewRecorder()
		handler.CreateChat(rr, req)

		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("Failure - Title too long", func(t *testing.T) {
		handler, _ := setupChatHandler(t)
		body := fmt.Sprintf(`{"title":%q}`, strings.Repeat("x", 101))

		rr := httptest.NewRecorder()
		handler.CreateChat(rr, httptest.NewRequest(http.MethodPost, "/v1/chats", strings.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "Field 'title' failed on the 'max' tag")
	})
}

func TestChatHandler_GetChat(t *testing.T) {
	chatID := "test-chat-id"

	t.Run("Success", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		view := &service.ChatView{Chat: &model.Chat{ID: chatID}, Path: []*model.Node{{ID: "n1"}}}
		mockChatSvc.On("GetChat", mock.Anything, chatID).Return(view, nil).Once()

		req := addChiURLParams(httptest.NewRequest(http.MethodGet, "/v1/chats/"+chatID, nil), map[string]string{"chatID": chatID})
		rr := httptest.NewRecorder()
		handler.GetChat(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		var got service.ChatView
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, "n1", got.Path[0].ID)
	})

	t.Run("Failure - Not Found", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("GetChat", mock.Anything, chatID).Return(nil, app_errors.ErrNotFound).Once()

		req := addChiURLParams(httptest.NewRequest(http.MethodGet, "/v1/chats/"+chatID, nil), map[string]string{"chatID": chatID})
		rr := httptest.NewRecorder()
		handler.GetChat(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestChatHandler_UpdateChatTitle(t *testing.T) {
	chatID := "test-chat-id"
	params := map[string]string{"chatID": chatID}

	t.Run("Success", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("UpdateChatTitle", mock.Anything, chatID, "A valid title").Return(nil).Once()

		req := addChiURLParams(httptest.NewRequest(http.MethodPut, "/v1/chats/"+chatID+"/title", strings.NewReader(`{"title": "A valid title"}`)), params)
		rr := httptest.NewRecorder()
		handler.UpdateChatTitle(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Failure - Validation Error (empty title)", func(t *testing.T) {
		handler, _ := setupChatHandler(t)
		req := addChiURLParams(httptest.NewRequest(http.MethodPut, "/v1/chats/"+chatID+"/title", strings.NewReader(`{"title": ""}`)), params)
		rr := httptest.NewRecorder()
		handler.UpdateChatTitle(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "Field 'title' failed on the 'required' tag")
	})

	t.Run("Failure - Bad JSON", func(t *testing.T) {
		handler, _ := setupChatHandler(t)
		req := addChiURLParams(httptest.NewRequest(http.MethodPut, "/v1/chats/"+chatID+"/title", strings.NewReader(`{"title":`)), params)
		rr := httptest.NewRecorder()
		handler.UpdateChatTitle(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestChatHandler_HandleDeleteChat(t *testing.T) {
	chatID := "test-chat-id"
	params := map[string]string{"chatID": chatID}

	t.Run("Success", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("DeleteChat", mock.Anything, chatID).Return(nil).Once()

		rr := httptest.NewRecorder()
		handler.HandleDeleteChat(rr, addChiURLParams(httptest.NewRequest(http.MethodDelete, "/v1/chats/"+chatID, nil), params))

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Failure - Storage unavailable", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("DeleteChat", mock.Anything, chatID).Return(app_errors.Persistence("delete chat", errors.New("disk full"))).Once()

		rr := httptest.NewRecorder()
		handler.HandleDeleteChat(rr, addChiURLParams(httptest.NewRequest(http.MethodDelete, "/v1/chats/"+chatID, nil), params))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestChatHandler_GetPath(t *testing.T) {
	chatID := "c1"
	params := map[string]string{"chatID": chatID}

	tests := []struct {
		name     string
		query    string
		offsets  []int
		svcErr   error
		wantCode int
	}{
		{name: "Success - Default path", query: "", offsets: nil, wantCode: http.StatusOK},
		{name: "Success - Offsets", query: "?offsets=0,-1,2", offsets: []int{0, -1, 2}, wantCode: http.StatusOK},
		{name: "Failure - Invalid path", query: "?offsets=1", offsets: []int{1}, svcErr: fmt.Errorf("%w: chat has no root", app_errors.ErrInvalidPath), wantCode: http.StatusBadRequest},
		{name: "Failure - Malformed offsets", query: "?offsets=0,x", wantCode: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler, mockChatSvc := setupChatHandler(t)
			if tc.wantCode == http.StatusOK || tc.svcErr != nil {
				var path []*model.Node
				if tc.svcErr == nil {
					path = []*model.Node{{ID: "n1"}}
				}
				mockChatSvc.On("GetPath", mock.Anything, chatID, tc.offsets).Return(path, tc.svcErr).Once()
			}

			rr := httptest.NewRecorder()
			handler.GetPath(rr, addChiURLParams(httptest.NewRequest(http.MethodGet, "/v1/chats/c1/path"+tc.query, nil), params))

			assert.Equal(t, tc.wantCode, rr.Code)
		})
	}
}

func TestChatHandler_GetCanChangePath(t *testing.T) {
	handler, mockChatSvc := setupChatHandler(t)
	mockChatSvc.On("GetCanChangePath", mock.Anything, "c1", []int{0, 1}).Return([]bool{false, true}, nil).Once()

	rr := httptest.NewRecorder()
	handler.GetCanChangePath(rr, addChiURLParams(httptest.NewRequest(http.MethodGet, "/v1/chats/c1/can-change?offsets=0,1", nil), map[string]string{"chatID": "c1"}))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[false,true]`, rr.Body.String())
}

func TestChatHandler_SubmitTurn(t *testing.T) {
	params := map[string]string{"chatID": "c1"}

	t.Run("Success", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		result := &service.TurnResult{
			User:    &model.Node{ID: "u1"},
			Replies: []*model.Node{{ID: "r1", Status: model.StatusGenerating}},
		}
		mockChatSvc.On("SubmitTurn", mock.Anything, mock.MatchedBy(func(r *service.TurnRequest) bool {
			return r.ChatID == "c1" && r.Content == "hello" && len(r.Targets) == 1 && r.Targets[0].Model == "llama3"
		})).Return(result, nil).Once()

		body := `{"content":"hello","targets":[{"provider":"ollama","model":"llama3"}]}`
		rr := httptest.NewRecorder()
		handler.SubmitTurn(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/chats/c1/turns", strings.NewReader(body)), params))

		assert.Equal(t, http.StatusAccepted, rr.Code)
		var got service.TurnResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, "r1", got.Replies[0].ID)
	})

	t.Run("Failure - No targets", func(t *testing.T) {
		handler, _ := setupChatHandler(t)
		rr := httptest.NewRecorder()
		handler.SubmitTurn(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/chats/c1/turns", strings.NewReader(`{"content":"hello","targets":[]}`)), params))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "Field 'targets' failed on the 'min' tag")
	})

	t.Run("Failure - Target without model", func(t *testing.T) {
		handler, _ := setupChatHandler(t)
		rr := httptest.NewRecorder()
		handler.SubmitTurn(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/chats/c1/turns", strings.NewReader(`{"content":"hello","targets":[{"provider":"ollama"}]}`)), params))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "Field 'targets[0].model' failed on the 'required' tag")
	})

	t.Run("Failure - Provider error keeps vendor message", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("SubmitTurn", mock.Anything, mock.Anything).
			Return(nil, &app_errors.ProviderError{Provider: "openai", Message: "You exceeded your current quota"}).Once()

		body := `{"content":"hello","targets":[{"provider":"openai","model":"gpt-4o"}]}`
		rr := httptest.NewRecorder()
		handler.SubmitTurn(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/chats/c1/turns", strings.NewReader(body)), params))

		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.JSONEq(t, `{"error":"You exceeded your current quota"}`, rr.Body.String())
	})
}

func TestChatHandler_Messages(t *testing.T) {
	params := map[string]string{"messageID": "m1"}

	t.Run("Success - Get", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("GetNode", mock.Anything, "m1").Return(&model.Node{ID: "m1", Content: "hi"}, nil).Once()

		rr := httptest.NewRecorder()
		handler.GetMessage(rr, addChiURLParams(httptest.NewRequest(http.MethodGet, "/v1/messages/m1", nil), params))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"content":"hi"`)
	})

	t.Run("Failure - Edit while generating", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("EditMessage", mock.Anything, "m1", "new").Return(nil, app_errors.ErrNodeBusy).Once()

		rr := httptest.NewRecorder()
		handler.EditMessage(rr, addChiURLParams(httptest.NewRequest(http.MethodPut, "/v1/messages/m1", strings.NewReader(`{"content":"new"}`)), params))

		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("Success - Delete", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("DeleteMessage", mock.Anything, "m1").Return(nil).Once()

		rr := httptest.NewRecorder()
		handler.DeleteMessage(rr, addChiURLParams(httptest.NewRequest(http.MethodDelete, "/v1/messages/m1", nil), params))

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Success - Select ordinal zero", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("SelectSibling", mock.Anything, "m1", uint8(0)).Return(nil).Once()

		rr := httptest.NewRecorder()
		handler.SelectSibling(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/messages/m1/select", strings.NewReader(`{"ordinal":0}`)), params))

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Failure - Select without ordinal", func(t *testing.T) {
		handler, _ := setupChatHandler(t)

		rr := httptest.NewRecorder()
		handler.SelectSibling(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/messages/m1/select", strings.NewReader(`{}`)), params))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Failure - Select missing sibling", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("SelectSibling", mock.Anything, "m1", uint8(7)).Return(app_errors.ErrNoSuchSibling).Once()

		rr := httptest.NewRecorder()
		handler.SelectSibling(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/messages/m1/select", strings.NewReader(`{"ordinal":7}`)), params))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Success - Regenerate without body", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("Regenerate", mock.Anything, "m1", &service.RegenerateRequest{}).
			Return(&model.Node{ID: "m2", Status: model.StatusGenerating}, nil).Once()

		rr := httptest.NewRecorder()
		handler.HandleRegenerateMessage(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/messages/m1/regenerate", nil), params))

		assert.Equal(t, http.StatusAccepted, rr.Code)
	})

	t.Run("Success - Regenerate with model override", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("Regenerate", mock.Anything, "m1", mock.MatchedBy(func(r *service.RegenerateRequest) bool {
			return r.Model != nil && r.Model.Provider == "local" && r.Model.Model == "think"
		})).Return(&model.Node{ID: "m2"}, nil).Once()

		rr := httptest.NewRecorder()
		body := `{"model":{"provider":"local","model":"think"}}`
		handler.HandleRegenerateMessage(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/messages/m1/regenerate", strings.NewReader(body)), params))

		assert.Equal(t, http.StatusAccepted, rr.Code)
	})

	t.Run("Success - Cancel", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("Cancel", mock.Anything, "m1").Return(&model.Node{ID: "m1", Status: model.StatusCancelled}, nil).Once()

		rr := httptest.NewRecorder()
		handler.CancelMessage(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/messages/m1/cancel", nil), params))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"status":"cancelled"`)
	})

	t.Run("Failure - Persist still failing", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("PersistMessage", mock.Anything, "m1").Return(nil, app_errors.Persistence("update node", errors.New("locked"))).Once()

		rr := httptest.NewRecorder()
		handler.PersistMessage(rr, addChiURLParams(httptest.NewRequest(http.MethodPost, "/v1/messages/m1/persist", nil), params))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestChatHandler_StreamProgress(t *testing.T) {
	params := map[string]string{"messageID": "r1"}

	t.Run("Success - Streams until finished", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		events := make(chan model.Progress, 4)
		events <- model.Progress{Kind: model.ProgressGenerating, NodeID: "r1", Response: &model.ChatResponse{Content: "Hel"}}
		events <- model.Progress{Kind: model.ProgressGenerated, NodeID: "r1", Response: &model.ChatResponse{Content: "Hello"}}
		events <- model.Progress{Kind: model.ProgressFinished, NodeID: "r1"}

		cancelled := false
		mockChatSvc.On("Subscribe", mock.Anything, "r1").
			Return((<-chan model.Progress)(events), func() { cancelled = true }, nil).Once()

		rr := httptest.NewRecorder()
		handler.StreamProgress(rr, addChiURLParams(httptest.NewRequest(http.MethodGet, "/v1/messages/r1/progress", nil), params))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))
		assert.True(t, cancelled)

		lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
		require.Len(t, lines, 3)
		var last model.Progress
		require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
		assert.Equal(t, model.ProgressFinished, last.Kind)
	})

	t.Run("Success - Client disconnect", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		events := make(chan model.Progress)
		mockChatSvc.On("Subscribe", mock.Anything, "r1").
			Return((<-chan model.Progress)(events), func() {}, nil).Once()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := addChiURLParams(httptest.NewRequest(http.MethodGet, "/v1/messages/r1/progress", nil).WithContext(ctx), params)
		rr := httptest.NewRecorder()
		handler.StreamProgress(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Body.String())
	})

	t.Run("Failure - Unknown message", func(t *testing.T) {
		handler, mockChatSvc := setupChatHandler(t)
		mockChatSvc.On("Subscribe", mock.Anything, "r1").Return(nil, nil, app_errors.ErrNotFound).Once()

		rr := httptest.NewRecorder()
		handler.StreamProgress(rr, addChiURLParams(httptest.NewRequest(http.MethodGet, "/v1/messages/r1/progress", nil), params))

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	})
}
