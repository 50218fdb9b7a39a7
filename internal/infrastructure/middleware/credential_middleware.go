package middleware

import (
	"errors"
	"net/http"
	"strings"

	"flashlive/internal/core/services"
	apperrors "flashlive/pkg/errors"
	"flashlive/pkg/logger"

	"github.com/gin-gonic/gin"
)

const claimsKey = "credential_claims"

// CredentialValidator is the part of the credential service the middleware
// needs.
type CredentialValidator interface {
	ValidateCredential(token string) (*services.Claims, error)
}

// CredentialMiddleware authenticates a request by its room credential. The
// token is read from a Bearer Authorization header or, for WebSocket
// upgrades that cannot set headers, the access_token query parameter.
func CredentialMiddleware(validator CredentialValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := credentialFromRequest(c)
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		claims, err := validator.ValidateCredential(token)
		if err != nil {
			abortWith(c, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			return
		}

		c.Set(claimsKey, claims)
		c.Request = c.Request.WithContext(logger.WithParticipant(c.Request.Context(), claims.Identity(), claims.Video.Room))
		c.Next()
	}
}

func ClaimsFromContext(c *gin.Context) (*services.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.Claims)
	return claims, ok && claims != nil
}

func credentialFromRequest(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if token := c.Query("access_token"); token != "" {
		return token, nil
	}
	return "", errors.New("credential required")
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
}
