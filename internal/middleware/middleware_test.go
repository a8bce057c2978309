package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/token"

	"github.com/gin-gonic/gin"
)

type stubUsers struct {
	service.UserService
	revoked map[string]bool
	err     error
}

func (s *stubUsers) IsTokenRevoked(_ context.Context, tok string) (bool, error) {
	return s.revoked[tok], s.err
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtManager := token.NewJWTManager("test-secret", 1, 1)
	valid, _ := jwtManager.GenerateToken("u1", "alice")
	revoked, _ := jwtManager.GenerateToken("u2", "bob")
	otherKey, _ := token.NewJWTManager("other-secret", 1, 1).GenerateToken("u1", "alice")

	tests := []struct {
		name       string
		header     string
		lookupErr  error
		wantStatus int
	}{
		{name: "valid", header: "Bearer " + valid, wantStatus: http.StatusOK},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Token " + valid, wantStatus: http.StatusUnauthorized},
		{name: "bad signature", header: "Bearer " + otherKey, wantStatus: http.StatusUnauthorized},
		{name: "revoked", header: "Bearer " + revoked, wantStatus: http.StatusUnauthorized},
		{name: "blacklist unavailable", header: "Bearer " + valid, lookupErr: errors.New("redis down"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &stubUsers{revoked: map[string]bool{revoked: true}, err: tt.lookupErr}
			r := gin.New()
			r.GET("/me", AuthMiddleware(jwtManager, users), func(c *gin.Context) {
				claims, ok := CurrentClaims(c)
				if !ok {
					c.Status(http.StatusTeapot)
					return
				}
				c.String(http.StatusOK, claims.UserID+"|"+c.GetString(TokenKey))
			})

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && rec.Body.String() != "u1|"+valid {
				t.Fatalf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestRequestLogger_PassesBodiesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.POST("/echo", func(c *gin.Context) {
		var body struct {
			Message string `json:"message"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.String(http.StatusOK, body.Message)
	})
	r.GET("/stream", func(c *gin.Context) {
		c.Header("Content-Type", "application/x-ndjson")
		c.Status(http.StatusOK)
		for i := 0; i < 3; i++ {
			_, _ = c.Writer.Write([]byte(`{"type":"content","data":"x"}` + "\n"))
			c.Writer.Flush()
		}
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"message":"hello"}`)))
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("echo = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if strings.Count(rec.Body.String(), "\n") != 3 || !rec.Flushed {
		t.Fatalf("stream body = %q flushed = %v", rec.Body.String(), rec.Flushed)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", maxLoggedBody+10)
	if got := truncate([]byte(long)); !strings.HasSuffix(got, "...(truncated)") || len(got) != maxLoggedBody+len("...(truncated)") {
		t.Fatalf("truncate() length = %d", len(got))
	}
	if got := truncate([]byte("short")); got != "short" {
		t.Fatalf("truncate() = %q", got)
	}
}
