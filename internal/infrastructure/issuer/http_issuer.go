package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/pkg/circuitbreaker"
	apperrors "flashlive/pkg/errors"

	"go.uber.org/zap"
)

const createTokenPath = "/api/create-token"

// CreateTokenRequest is the body of POST /api/create-token.
type CreateTokenRequest struct {
	Identity    string               `json:"identity"`
	RoomName    string               `json:"roomName"`
	DisplayName string               `json:"displayName,omitempty"`
	Role        string               `json:"role,omitempty"`
	Metadata    *CreateTokenMetadata `json:"metadata,omitempty"`
}

type CreateTokenMetadata struct {
	Name string `json:"name,omitempty"`
}

type CreateTokenResponse struct {
	Token     string `json:"token"`
	Identity  string `json:"identity"`
	Room      string `json:"room"`
	Role      string `json:"role"`
	ExpiresIn int64  `json:"expiresIn"`
	URL       string `json:"url,omitempty"`
}

// HTTPIssuer fetches credentials from a flashlive server. Server errors and
// transport failures trip a circuit breaker; request rejections do not.
type HTTPIssuer struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

func NewHTTPIssuer(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPIssuer {
	cfg := circuitbreaker.DefaultConfig()
	cfg.IsFailure = func(err error) bool {
		appErr := apperrors.GetAppError(err)
		return appErr == nil || appErr.HTTPStatus >= http.StatusInternalServerError
	}
	breaker := circuitbreaker.New(cfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("credential issuer circuit changed", "from", from, "to", to)
	})

	return &HTTPIssuer{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

func (i *HTTPIssuer) IssueCredential(ctx context.Context, req domain.CredentialRequest) (string, error) {
	body := CreateTokenRequest{
		Identity:    req.Identity,
		RoomName:    req.Room,
		DisplayName: req.DisplayName,
		Role:        req.Role.String(),
	}
	if req.DisplayName != "" {
		body.Metadata = &CreateTokenMetadata{Name: req.DisplayName}
	}

	resp, err := circuitbreaker.Call(i.breaker, func() (CreateTokenResponse, error) {
		return i.createToken(ctx, body)
	})
	if err != nil {
		return "", err
	}
	i.logger.Debugw("credential issued", "identity", resp.Identity, "room", resp.Room, "role", resp.Role, "expires_in", resp.ExpiresIn)
	return resp.Token, nil
}

func (i *HTTPIssuer) createToken(ctx context.Context, body CreateTokenRequest) (CreateTokenResponse, error) {
	var out CreateTokenResponse

	data, err := json.Marshal(body)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+createTokenPath, bytes.NewReader(data))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return out, fmt.Errorf("failed to read credential response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, apperrors.FromResponse(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode credential response: %w", err)
	}
	if out.Token == "" {
		return out, fmt.Errorf("credential response carries no token")
	}
	return out, nil
}
