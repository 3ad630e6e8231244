package app

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchflow/backend/internal/config"
	"branchflow/backend/internal/model"
	"branchflow/backend/internal/service"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		AppPort:       0,
		DatabasePath:  filepath.Join(dir, "test.db"),
		StorageDriver: config.StorageSQLite,
		FilesDir:      filepath.Join(dir, "files"),
		SystemPrompt:  "You are a helpful assistant.",
		LocalWorkers:  2,
		LogLevel:      "DEBUG",
	}
}

func TestNewApp(t *testing.T) {
	t.Run("Success - SQLite", func(t *testing.T) {
		app, err := NewApp(testConfig(t))
		require.NoError(t, err)
		defer app.Close()

		assert.NotNil(t, app.DB)
		assert.Nil(t, app.Redis)
		assert.NotNil(t, app.Server)
	})

	t.Run("Success - Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.StorageDriver = config.StorageRedis
		cfg.RedisAddr = mr.Addr()

		app, err := NewApp(cfg)
		require.NoError(t, err)
		defer app.Close()

		assert.Nil(t, app.DB)
		assert.NotNil(t, app.Redis)
	})

	t.Run("Failure - Redis unreachable", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.StorageDriver = config.StorageRedis
		cfg.RedisAddr = "127.0.0.1:1"

		_, err := NewApp(cfg)
		assert.Error(t, err)
	})

	t.Run("Failure - Bad providers file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.ProvidersFile = filepath.Join(t.TempDir(), "missing.yaml")

		_, err := NewApp(cfg)
		assert.Error(t, err)
	})
}

func TestWaitForOllama(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Ready", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		assert.True(t, waitForOllama(ctx, srv.URL, 3, time.Millisecond))
	})

	t.Run("Failure - Never ready", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		assert.False(t, waitForOllama(ctx, srv.URL, 2, time.Millisecond))
		assert.Equal(t, 2, calls)
	})
}

// TestEndToEnd drives a full turn over HTTP against the in-process backend.
func TestEndToEnd(t *testing.T) {
	app, err := NewApp(testConfig(t))
	require.NoError(t, err)
	defer app.Close()

	srv := httptest.NewServer(app.Server.Handler)
	defer srv.Close()

	do := func(method, path, body string, out interface{}) int {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "alice")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		if out != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp.StatusCode
	}

	var chat model.Chat
	require.Equal(t, http.StatusCreated, do(http.MethodPost, "/api/v1/chats", `{}`, &chat))
	assert.Equal(t, "alice", chat.UserID)

	var turn service.TurnResult
	body := `{"content":"hello there","targets":[{"provider":"local","model":"echo"},{"provider":"local","model":"think"}]}`
	require.Equal(t, http.StatusAccepted, do(http.MethodPost, "/api/v1/chats/"+chat.ID+"/turns", body, &turn))
	require.Len(t, turn.Replies, 2)

	// Follow each reply until it finishes.
	for _, reply := range turn.Replies {
		resp, err := http.Get(srv.URL + "/api/v1/messages/" + reply.ID + "/progress")
		require.NoError(t, err)
		assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

		var events []model.Progress
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var p model.Progress
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
			events = append(events, p)
		}
		resp.Body.Close()

		require.GreaterOrEqual(t, len(events), 2)
		assert.Equal(t, model.ProgressFinished, events[len(events)-1].Kind)
		generated := events[len(events)-2]
		require.Equal(t, model.ProgressGenerated, generated.Kind)
		assert.Equal(t, "hello there", generated.Response.Content)
	}
	app.Chats.Wait()

	var thinkReply model.Node
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/messages/"+turn.Replies[1].ID, "", &thinkReply))
	require.NotNil(t, thinkReply.Thinking)
	assert.Equal(t, "Echoing the prompt.", *thinkReply.Thinking)
	assert.Equal(t, model.StatusComplete, thinkReply.Status)

	var path []*model.Node
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/chats/"+chat.ID+"/path?offsets=1", "", &path))
	require.Len(t, path, 2)
	assert.Equal(t, turn.User.ID, path[0].ID)
	assert.Equal(t, turn.Replies[1].ID, path[1].ID)

	var canChange []bool
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/chats/"+chat.ID+"/can-change", "", &canChange))
	assert.Equal(t, []bool{false, true}, canChange)

	var view service.ChatView
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/chats/"+chat.ID, "", &view))
	assert.NotEmpty(t, view.Chat.Title)

	var chats []*model.Chat
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/chats", "", &chats))
	assert.Len(t, chats, 1)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/api/v1/chats/"+chat.ID+"/path?offsets=a", "", nil))
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/api/v1/messages/missing", "", nil))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz", "", nil))

	require.Equal(t, http.StatusOK, do(http.MethodDelete, "/api/v1/chats/"+chat.ID, "", nil))
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/api/v1/chats/"+chat.ID, "", nil))
}
