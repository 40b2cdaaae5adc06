package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"unllamabot/internal/bot"
	"unllamabot/internal/chat"
	"unllamabot/internal/config"
	"unllamabot/internal/llama"
	"unllamabot/internal/models"
	"unllamabot/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUsername = "admin"
	testPassword = "hunter2"
	testSecret   = "test-jwt-secret"
)

func newTestAPI(t *testing.T) (*gin.Engine, *bot.Bot) {
	t.Helper()

	llamaServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/props":
			json.NewEncoder(w).Encode(map[string]any{
				"model_path":                  "/models/test-model.gguf",
				"default_generation_settings": map[string]any{"n_ctx": 2048},
			})
		}
	}))
	t.Cleanup(llamaServer.Close)

	cfg := config.Default()
	store, err := storage.Open(filepath.Join(t.TempDir(), "chats.db"), cfg.Bot.DefaultSystemPrompt)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	formatter, err := chat.NewFormatter("chatml")
	require.NoError(t, err)
	client := llama.NewClient(llamaServer.URL, 5*time.Second, zap.NewNop())
	b := bot.New(cfg, store, client, formatter, zap.NewNop())

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	api := NewAPI(b, config.AdminAPIConfig{
		Enabled:           true,
		Username:          testUsername,
		PasswordHash:      string(hash),
		JWTSecret:         testSecret,
		RequestsPerSecond: 100,
	}, zap.NewNop())
	return api.Router(), b
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	response := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	}
	return rec, response
}

func login(t *testing.T, router *gin.Engine) string {
	t.Helper()
	rec, response := doJSON(t, router, http.MethodPost, "/login", "",
		`{"username": "`+testUsername+`", "password": "`+testPassword+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	token, ok := response["token"].(string)
	require.True(t, ok)
	return token
}

func TestLogin(t *testing.T) {
	router, _ := newTestAPI(t)
	assert.NotEmpty(t, login(t, router))
}

func TestLoginBadCredentials(t *testing.T) {
	router, _ := newTestAPI(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/login", "",
		`{"username": "admin", "password": "wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/login", "", `{"username": "admin"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	router, _ := newTestAPI(t)

	rec, _ := doJSON(t, router, http.MethodGet, "/api/users", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/users", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthRoute(t *testing.T) {
	router, _ := newTestAPI(t)
	token := login(t, router)

	rec, response := doJSON(t, router, http.MethodGet, "/api/health", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", response["status"])
}

func TestModelRoute(t *testing.T) {
	router, _ := newTestAPI(t)
	token := login(t, router)

	rec, response := doJSON(t, router, http.MethodGet, "/api/model", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test-model", response["model"])
	assert.Equal(t, float64(2048), response["n_ctx"])
	assert.Equal(t, "chatml", response["template"])
}

func TestUserRoutes(t *testing.T) {
	router, b := newTestAPI(t)
	token := login(t, router)

	store := b.Store()
	require.NoError(t, store.AddMessage(42, models.RoleSystem, "sys", time.Time{}, true))
	require.NoError(t, store.AddMessage(42, models.RoleUser, "hello", time.Time{}, false))

	rec, response := doJSON(t, router, http.MethodGet, "/api/users", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{float64(42)}, response["users"])

	rec, response = doJSON(t, router, http.MethodGet, "/api/users/42/history", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	history, ok := response["history"].([]any)
	require.True(t, ok)
	assert.Len(t, history, 2)

	rec, _ = doJSON(t, router, http.MethodGet, "/api/users/nope/history", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, router, http.MethodDelete, "/api/users/42/history", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	has, err := store.UserHasMessages(42)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSystemPromptRoute(t *testing.T) {
	router, b := newTestAPI(t)
	token := login(t, router)

	require.NoError(t, b.Store().AddUser(1, ""))

	rec, response := doJSON(t, router, http.MethodPut, "/api/system-prompt", token,
		`{"prompt": "You are a pirate."}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), response["migrated_users"])

	user, err := b.Store().GetUser(1)
	require.NoError(t, err)
	assert.Equal(t, "You are a pirate.", user.SystemPrompt)

	rec, _ = doJSON(t, router, http.MethodPut, "/api/system-prompt", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
