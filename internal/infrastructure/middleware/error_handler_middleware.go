package middleware

import (
	"errors"
	"net/http"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/services"
	apperrors "flashlive/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached to the context as
// an ErrorResponse.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := toAppError(err)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			logger.Infow("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		}

		c.JSON(appErr.HTTPStatus, appErr.Response())
	}
}

// toAppError classifies domain errors that reach the HTTP layer unwrapped.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidRole):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrRoomNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "room not found", http.StatusNotFound)
	case errors.Is(err, services.ErrInvalidCredential), errors.Is(err, services.ErrExpiredCredential):
		return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, domain.ErrPermissionDenied):
		return apperrors.WrapError(err, apperrors.ErrCodeForbidden, err.Error(), http.StatusForbidden)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError,
					apperrors.NewInternalError("Internal server error").Response())
			}
		}()

		c.Next()
	}
}
