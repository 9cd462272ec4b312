package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiontune/visiontune-api/internal/service/auth"
)

type fakeJWTService struct {
	userID uuid.UUID
	err    error
}

func (f *fakeJWTService) GenerateToken(ctx context.Context, userID uuid.UUID) (string, error) {
	return "fake-token", nil
}

func (f *fakeJWTService) ValidateToken(ctx context.Context, tokenString string) (*auth.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Claims{UserID: f.userID}, nil
}

func runAuthenticated(t *testing.T, svc auth.JWTService, header string) (*httptest.ResponseRecorder, uuid.UUID, bool) {
	t.Helper()

	var gotID uuid.UUID
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, called = GetUserID(r)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	NewAuthMiddleware(svc).Authenticate(next).ServeHTTP(w, req)
	return w, gotID, called
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	t.Run("valid token reaches the handler with the user ID", func(t *testing.T) {
		t.Parallel()

		userID := uuid.New()
		w, gotID, called := runAuthenticated(t, &fakeJWTService{userID: userID}, "Bearer good-token")

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, called)
		assert.Equal(t, userID, gotID)
	})

	t.Run("missing header", func(t *testing.T) {
		t.Parallel()

		w, _, called := runAuthenticated(t, &fakeJWTService{}, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, called)
	})

	t.Run("malformed header", func(t *testing.T) {
		t.Parallel()

		w, _, called := runAuthenticated(t, &fakeJWTService{}, "Basic dXNlcjpwYXNz")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, called)
	})

	t.Run("expired token", func(t *testing.T) {
		t.Parallel()

		w, _, called := runAuthenticated(t,
			&fakeJWTService{err: auth.ErrExpiredToken}, "Bearer stale-token")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, called)
		assert.Contains(t, w.Body.String(), "Token expired")
	})

	t.Run("invalid token", func(t *testing.T) {
		t.Parallel()

		w, _, called := runAuthenticated(t,
			&fakeJWTService{err: auth.ErrInvalidToken}, "Bearer bad-token")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, called)
	})
}
