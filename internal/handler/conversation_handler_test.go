package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chat-relay-go/internal/middleware"
	"chat-relay-go/internal/model"
	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/token"

	"github.com/gin-gonic/gin"
)

type stubConversationService struct {
	service.ConversationService
	renamed string
}

func (s *stubConversationService) RenameChat(_ context.Context, userID, chatID, title string) error {
	if chatID != "c1" || userID != "u1" {
		return service.ErrChatNotFound
	}
	if strings.TrimSpace(title) == "" {
		return service.ErrInvalidInput
	}
	s.renamed = title
	return nil
}

func (s *stubConversationService) GetMessages(_ context.Context, userID, chatID string) ([]model.Message, error) {
	if chatID != "c1" || userID != "u1" {
		return nil, service.ErrChatNotFound
	}
	return []model.Message{{Role: model.RoleUser, Content: "Hello"}}, nil
}

func TestConversationHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtManager := token.NewJWTManager("test-secret", 1, 1)
	users := &stubUserService{revoked: map[string]bool{}}
	convs := &stubConversationService{}
	h := NewConversationHandler(convs, nil)

	r := gin.New()
	chats := r.Group("/api/v1/chats", middleware.AuthMiddleware(jwtManager, users))
	chats.PUT("/:id/title", h.RenameChat)
	chats.GET("/:id/messages", h.GetMessages)

	tk, _ := jwtManager.GenerateToken("u1", "alice")

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{name: "rename", method: http.MethodPut, path: "/api/v1/chats/c1/title", body: `{"new_title":"Trip"}`, wantStatus: http.StatusOK},
		{name: "rename empty", method: http.MethodPut, path: "/api/v1/chats/c1/title", body: `{"new_title":" "}`, wantStatus: http.StatusBadRequest},
		{name: "rename missing", method: http.MethodPut, path: "/api/v1/chats/zz/title", body: `{"new_title":"x"}`, wantStatus: http.StatusNotFound},
		{name: "messages", method: http.MethodGet, path: "/api/v1/chats/c1/messages", wantStatus: http.StatusOK},
		{name: "messages missing", method: http.MethodGet, path: "/api/v1/chats/zz/messages", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+tk)
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if code, _ := decodeEnvelope(t, rec); code != tt.wantStatus {
				t.Fatalf("envelope code = %d", code)
			}
		})
	}
	if convs.renamed != "Trip" {
		t.Fatalf("renamed = %q", convs.renamed)
	}
}
