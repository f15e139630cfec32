package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/duo-chat/internal/archive"
	"github.com/weiawesome/duo-chat/internal/config"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/internal/messagelog"
	"github.com/weiawesome/duo-chat/internal/presence"
	"github.com/weiawesome/duo-chat/internal/repository"
	"github.com/weiawesome/duo-chat/internal/service"
	"github.com/weiawesome/duo-chat/internal/typing"
	"github.com/weiawesome/duo-chat/pkg/jwt"
	"github.com/weiawesome/duo-chat/pkg/middleware"
	"github.com/weiawesome/duo-chat/pkg/storage"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	router *gin.Engine
	jwt    *jwt.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := jwt.NewManager("0123456789abcdef0123456789abcdef", "", time.Hour)
	require.NoError(t, err)

	h := hub.NewHub(config.HubConfig{QueueSize: 16})
	t.Cleanup(h.Close)
	msgLog := messagelog.New(repository.NewMemoryMessageRepository(), h, nil, messagelog.Config{MaxLength: 10})
	chat := service.NewChatService(
		h,
		msgLog,
		presence.NewRegistry(h, presence.Config{LivenessWindow: time.Minute}),
		typing.NewCoordinator(h),
		m,
		service.Config{},
	)
	todos := service.NewTodoService(repository.NewMemoryTodoRepository())

	store, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	archiver := archive.New(msgLog, store, archive.Config{DownloadBase: "/api/v1/exports"})

	r := gin.New()
	NewHandler(chat, todos, archiver, nil, middleware.NewAuthMiddleware(m)).RegisterRoutes(r)
	return &testServer{router: r, jwt: m}
}

func (s *testServer) token(t *testing.T, userID, name string) string {
	t.Helper()
	tok, err := s.jwt.Generate(userID, "", map[string]any{"name": name})
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func TestMessagesRequireAuth(t *testing.T) {
	s := newTestServer(t)
	code, resp := s.do(t, http.MethodGet, "/api/v1/messages", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Success)
}

func TestSendAndListMessages(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "Alice")

	code, resp := s.do(t, http.MethodPost, "/api/v1/messages", alice, map[string]string{"text": "hi"})
	require.Equal(t, http.StatusCreated, code)
	var created struct {
		ID         int64  `json:"id"`
		SenderName string `json:"sender_name"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Positive(t, created.ID)

	code, _ = s.do(t, http.MethodPost, "/api/v1/messages", alice, map[string]string{"text": "there"})
	require.Equal(t, http.StatusCreated, code)

	code, resp = s.do(t, http.MethodGet, "/api/v1/messages", alice, nil)
	require.Equal(t, http.StatusOK, code)
	var list []struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "hi", list[0].Text)
	assert.Equal(t, "there", list[1].Text)
}

func TestSendMessageValidation(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "Alice")

	tests := []struct {
		name string
		text string
		code string
	}{
		{"empty", "   ", "EMPTY_MESSAGE"},
		{"too long", "abcdefghijk", "MESSAGE_TOO_LONG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := s.do(t, http.MethodPost, "/api/v1/messages", alice, map[string]string{"text": tt.text})
			assert.Equal(t, http.StatusBadRequest, status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestDeleteMessagePermissions(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "Alice")
	bob := s.token(t, "bob", "Bob")

	_, resp := s.do(t, http.MethodPost, "/api/v1/messages", alice, map[string]string{"text": "hi"})
	var m struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &m))
	path := "/api/v1/messages/" + jsonInt(m.ID)

	code, _ := s.do(t, http.MethodDelete, path, bob, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = s.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMarkRead(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "Alice")
	bob := s.token(t, "bob", "Bob")

	_, resp := s.do(t, http.MethodPost, "/api/v1/messages", alice, map[string]string{"text": "hi"})
	var m struct {
		ID     int64      `json:"id"`
		ReadAt *time.Time `json:"read_at"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &m))
	path := "/api/v1/messages/" + jsonInt(m.ID) + "/read"

	code, resp := s.do(t, http.MethodPatch, path, alice, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &m))
	assert.Nil(t, m.ReadAt)

	code, resp = s.do(t, http.MethodPatch, path, bob, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &m))
	assert.NotNil(t, m.ReadAt)

	code, _ = s.do(t, http.MethodPatch, "/api/v1/messages/abc/read", bob, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTodos(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "Alice")

	code, resp := s.do(t, http.MethodPost, "/api/v1/todos", alice, map[string]string{"task": " buy milk "})
	require.Equal(t, http.StatusCreated, code)
	var todo struct {
		ID        int64  `json:"id"`
		Task      string `json:"task"`
		Completed bool   `json:"completed"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &todo))
	assert.Equal(t, "buy milk", todo.Task)

	path := "/api/v1/todos/" + jsonInt(todo.ID)
	code, resp = s.do(t, http.MethodPatch, path, alice, map[string]bool{"completed": true})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &todo))
	assert.True(t, todo.Completed)

	code, _ = s.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = s.do(t, http.MethodPatch, path, alice, map[string]bool{"completed": false})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetMe(t *testing.T) {
	s := newTestServer(t)
	code, resp := s.do(t, http.MethodGet, "/api/v1/me", s.token(t, "alice", "Alice"), nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"user_id":"alice","display_name":"Alice"}`, string(resp.Data))
}

func TestExports(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "Alice")

	code, _ := s.do(t, http.MethodPost, "/api/v1/messages", alice, map[string]string{"text": "hi"})
	require.Equal(t, http.StatusCreated, code)

	code, resp := s.do(t, http.MethodPost, "/api/v1/exports", alice, nil)
	require.Equal(t, http.StatusCreated, code)
	var exp archive.Export
	require.NoError(t, json.Unmarshal(resp.Data, &exp))
	assert.Equal(t, 1, exp.Messages)
	assert.Equal(t, "/api/v1/exports/"+exp.Key, exp.URL)

	code, resp = s.do(t, http.MethodGet, "/api/v1/exports", alice, nil)
	require.Equal(t, http.StatusOK, code)
	var list []archive.Export
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)

	req := httptest.NewRequest(http.MethodGet, exp.URL, nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var tr archive.Transcript
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tr))
	require.Len(t, tr.Messages, 1)
	assert.Equal(t, "hi", tr.Messages[0].Text)

	code, _ = s.do(t, http.MethodGet, "/api/v1/exports/other/secret.json", alice, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodDelete, exp.URL, alice, nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
