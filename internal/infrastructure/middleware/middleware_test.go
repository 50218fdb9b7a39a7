package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/services"
	apperrors "flashlive/pkg/errors"
	"flashlive/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func issue(t *testing.T, svc services.CredentialService, identity string, role domain.Role) string {
	t.Helper()
	token, err := svc.IssueCredential(context.Background(), domain.CredentialRequest{
		Identity: identity,
		Room:     "demo",
		Role:     role,
	})
	require.NoError(t, err)
	return token
}

func claimsRouter(svc services.CredentialService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/rtc", CredentialMiddleware(svc), func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"identity": claims.Identity(), "role": claims.Role()})
	})
	return router
}

func TestCredentialMiddleware_AcceptsHeaderAndQuery(t *testing.T) {
	svc := services.NewCredentialService("secret", "flashlive", time.Hour)
	router := claimsRouter(svc)
	token := issue(t, svc, "A", domain.RoleHost)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rtc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"identity":"A","role":"host"}`, w.Body.String())

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/rtc?access_token="+token, nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCredentialMiddleware_Rejects(t *testing.T) {
	svc := services.NewCredentialService("secret", "flashlive", time.Hour)
	other := services.NewCredentialService("other", "flashlive", time.Hour)
	router := claimsRouter(svc)

	tests := []struct {
		name   string
		header string
		query  string
	}{
		{"missing", "", ""},
		{"malformed header", "Token abc", ""},
		{"wrong key", "Bearer " + issue(t, other, "A", domain.RoleHost), ""},
		{"garbage query", "", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/rtc"
			if tt.query != "" {
				target += "?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			var body apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(apperrors.ErrCodeUnauthorized), body.Code)
		})
	}
}

func TestErrorHandlerMiddleware_MapsErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"app error", apperrors.NewInvalidInputError("bad"), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"invalid request", fmt.Errorf("%w: identity is required", services.ErrInvalidRequest), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"invalid role", fmt.Errorf("%w: owner", domain.ErrInvalidRole), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"room not found", domain.ErrRoomNotFound, http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
			router.GET("/x", func(c *gin.Context) { c.Error(tt.err) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

			assert.Equal(t, tt.status, w.Code)
			var body apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tt.code), body.Code)
		})
	}
}

func TestRecoveryMiddleware_ReturnsInternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequestLoggerMiddleware_TagsRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(RequestLoggerMiddleware(logger.NewContextLogger(zap.New(core))))

	var seen string
	router.GET("/x", func(c *gin.Context) {
		seen = logger.RequestIDFrom(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "http_request", entry.Message)
	assert.Equal(t, "req-42", entry.ContextMap()["request_id"])
	assert.EqualValues(t, http.StatusNoContent, entry.ContextMap()["status_code"])
}
