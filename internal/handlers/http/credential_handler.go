package http

import (
	"net/http"
	"strings"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/services"
	"flashlive/internal/infrastructure/monitoring"
	"flashlive/pkg/errors"

	"github.com/gin-gonic/gin"
)

type CredentialHandler struct {
	credentials services.CredentialService
	endpointURL string
	metrics     *monitoring.PrometheusCollector
}

func NewCredentialHandler(credentials services.CredentialService, endpointURL string, metrics *monitoring.PrometheusCollector) *CredentialHandler {
	return &CredentialHandler{
		credentials: credentials,
		endpointURL: endpointURL,
		metrics:     metrics,
	}
}

func (h *CredentialHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/create-token", h.CreateToken)
}

type CreateTokenRequest struct {
	Identity    string `json:"identity" binding:"max=64"`
	RoomName    string `json:"roomName" binding:"max=64"`
	DisplayName string `json:"displayName" binding:"max=256"`
	Role        string `json:"role" binding:"max=16"`
	Metadata    struct {
		Name string `json:"name" binding:"max=256"`
		Role string `json:"role" binding:"max=16"`
	} `json:"metadata"`
}

type CreateTokenResponse struct {
	Token     string `json:"token"`
	Identity  string `json:"identity"`
	Room      string `json:"room"`
	Role      string `json:"role"`
	ExpiresIn int64  `json:"expiresIn"`
	URL       string `json:"url"`
}

// CreateToken issues a room credential. The role comes from the top-level
// field, then metadata.role, and defaults to viewer.
func (h *CredentialHandler) CreateToken(c *gin.Context) {
	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	rawRole := req.Role
	if rawRole == "" {
		rawRole = req.Metadata.Role
	}
	role, err := domain.ParseRole(rawRole)
	if err != nil {
		c.Error(err)
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = strings.TrimSpace(req.Metadata.Name)
	}

	creq := domain.CredentialRequest{
		Identity:    strings.TrimSpace(req.Identity),
		Room:        strings.TrimSpace(req.RoomName),
		DisplayName: displayName,
		Role:        role,
	}
	token, err := h.credentials.IssueCredential(c.Request.Context(), creq)
	if err != nil {
		c.Error(err)
		return
	}
	h.metrics.RecordCredentialIssued(role.String())

	c.JSON(http.StatusOK, CreateTokenResponse{
		Token:     token,
		Identity:  creq.Identity,
		Room:      creq.Room,
		Role:      role.String(),
		ExpiresIn: int64(h.credentials.TTL().Seconds()),
		URL:       h.endpointURL,
	})
}
