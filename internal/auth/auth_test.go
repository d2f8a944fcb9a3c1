package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/finsight-ai/finsight/pkg/models"
)

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)

	token, err := svc.Generate(&models.User{ID: "user-1", Email: "a@b.c", Name: "A"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	user, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if user.ID != "user-1" || user.Email != "a@b.c" || user.Name != "A" {
		t.Errorf("user = %+v", user)
	}
}

func TestJWTValidateRejects(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)
	other := NewJWTService("other-secret", time.Hour)
	expired := NewJWTService("test-secret", -time.Hour)

	good, _ := svc.Generate(&models.User{ID: "u"})
	wrongKey, _ := other.Generate(&models.User{ID: "u"})

	// Expiry of exactly zero disables the claim; negative means already expired.
	expired.expiry = time.Nanosecond
	staleToken, _ := expired.Generate(&models.User{ID: "u"})
	time.Sleep(2 * time.Millisecond)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"wrong key", wrongKey},
		{"expired", staleToken},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Validate(tt.token); err != ErrInvalidToken {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}

	if _, err := svc.Validate(good); err != nil {
		t.Errorf("good token rejected: %v", err)
	}
}

func TestResolverModes(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)
	token, _ := svc.Generate(&models.User{ID: "user-1"})

	tests := []struct {
		name     string
		mode     Mode
		header   string
		wantUser string
		wantErr  error
	}{
		{"anonymous no token", ModeAnonymous, "", "", nil},
		{"anonymous valid token", ModeAnonymous, "Bearer " + token, "user-1", nil},
		{"anonymous bad token ignored", ModeAnonymous, "Bearer junk", "", nil},
		{"jwt no token", ModeJWT, "", "", ErrAuthRequired},
		{"jwt valid token", ModeJWT, "Bearer " + token, "user-1", nil},
		{"jwt bad token", ModeJWT, "Bearer junk", "", ErrAuthRequired},
		{"jwt malformed header", ModeJWT, "Basic dXNlcg==", "", ErrAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := NewResolver(tt.mode, svc)
			req := httptest.NewRequest("POST", "/api/chat", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			user, err := resolver.Resolve(req)
			if err != tt.wantErr {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantUser == "" && user != nil {
				t.Errorf("unexpected user %+v", user)
			}
			if tt.wantUser != "" && (user == nil || user.ID != tt.wantUser) {
				t.Errorf("user = %+v, want id %q", user, tt.wantUser)
			}
		})
	}
}

func TestUserContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	ctx := req.Context()

	if _, ok := UserFromContext(ctx); ok {
		t.Error("user present on empty context")
	}

	ctx = WithUser(ctx, &models.User{ID: "u1"})
	user, ok := UserFromContext(ctx)
	if !ok || user.ID != "u1" {
		t.Errorf("got %+v, %v", user, ok)
	}
}
