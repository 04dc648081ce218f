package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMiddleware(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-key")
	token, err := jwtManager.GenerateToken("alice", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	expired, err := jwtManager.GenerateToken("alice", -time.Second)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	var seen string
	handler := Middleware(jwtManager, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"missing header", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"bad token", "Bearer nope", http.StatusUnauthorized, "invalid token"},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized, "token has expired"},
		{"valid token", "Bearer " + token, http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/secure/matrix", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %s", tt.wantBody, rec.Body.String())
			}
			if tt.wantStatus == http.StatusNoContent && seen != "alice" {
				t.Errorf("Expected actor alice in context, got %q", seen)
			}
		})
	}
}

func TestActorFromContextOutsideMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := ActorFromContext(req.Context()); got != "" {
		t.Errorf("Expected no actor, got %q", got)
	}
}
