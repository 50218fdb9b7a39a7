package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flashlive/internal/core/domain"
	"flashlive/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential expired")
	ErrInvalidRequest    = errors.New("invalid credential request")
)

// VideoGrant lists what the bearer may do inside one room.
type VideoGrant struct {
	Room           string `json:"room"`
	RoomJoin       bool   `json:"roomJoin"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
}

type Claims struct {
	Name     string     `json:"name,omitempty"`
	Metadata string     `json:"metadata,omitempty"`
	Video    VideoGrant `json:"video"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() string {
	return c.Subject
}

// Role is derived from the embedded metadata, never from the grant.
func (c *Claims) Role() domain.Role {
	role, _ := domain.RoleFromMetadata(c.Metadata)
	return role
}

type CredentialService interface {
	IssueCredential(ctx context.Context, req domain.CredentialRequest) (string, error)
	ValidateCredential(token string) (*Claims, error)
	TTL() time.Duration
}

type credentialService struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewCredentialService(signingKey, issuer string, ttl time.Duration) CredentialService {
	return &credentialService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (s *credentialService) TTL() time.Duration {
	return s.ttl
}

func (s *credentialService) IssueCredential(ctx context.Context, req domain.CredentialRequest) (string, error) {
	if err := validation.ValidateIdentity(req.Identity); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validation.ValidateRoomName(req.Room); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Role.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidRole, req.Role)
	}

	metadata, err := domain.ParticipantMetadata{Role: req.Role, Name: req.DisplayName}.Encode()
	if err != nil {
		return "", err
	}

	now := s.now()
	claims := &Claims{
		Name:     req.DisplayName,
		Metadata: metadata,
		Video: VideoGrant{
			Room:           req.Room,
			RoomJoin:       true,
			CanPublish:     req.Role == domain.RoleHost,
			CanSubscribe:   true,
			CanPublishData: true,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   req.Identity,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return signed, nil
}

func (s *credentialService) ValidateCredential(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return s.signingKey, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, ErrInvalidCredential
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredential
	}
	if claims.Subject == "" || claims.Video.Room == "" {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}
