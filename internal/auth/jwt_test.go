package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateToken(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-key")

	token, err := jwtManager.GenerateToken("alice", 1*time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	// Token should have 3 parts separated by dots
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Errorf("Expected token to have 3 parts, got %d", len(parts))
	}

	if _, err := jwtManager.GenerateToken("", time.Hour); err == nil {
		t.Error("Expected an empty actor to be rejected")
	}
}

func TestAuthenticate(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-key")

	token, err := jwtManager.GenerateToken("alice", 1*time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	claims, err := jwtManager.Authenticate(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("Expected Subject alice, got %s", claims.Subject)
	}
	if claims.ID == "" {
		t.Error("Expected a token id")
	}
	if claims.ExpiresAt-claims.IssuedAt != 3600 {
		t.Errorf("Expected a one hour lifetime, got %ds", claims.ExpiresAt-claims.IssuedAt)
	}
}

func TestAuthenticate_Invalid(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-key")

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"invalid format", "not.a.valid.token"},
		{"tampered token", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiJ0YW1wZXJlZCJ9.invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := jwtManager.Authenticate(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	jwtManager1 := NewJWTManager("secret-1")
	jwtManager2 := NewJWTManager("secret-2")

	token, err := jwtManager1.GenerateToken("alice", 1*time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	_, err = jwtManager2.Authenticate(token)
	if err == nil {
		t.Error("Expected validation to fail with wrong secret, but it succeeded")
	}
}

func TestAuthenticate_Expired(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-key")

	token, err := jwtManager.GenerateToken("alice", -1*time.Second)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	_, err = jwtManager.Authenticate(token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got: %v", err)
	}
}
