package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crashgame/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
)

// Identity is the participant behind a session.
type Identity struct {
	ParticipantID string
	DisplayName   string
}

// Verifier turns a join token into an identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

type claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// JWT verifies HS256 tokens whose subject is the participant id.
type JWT struct {
	secret []byte
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

// Issue signs a token for id. Used by tests and local tooling.
func (j *JWT) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.ParticipantID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Name: id.DisplayName,
	})
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (j *JWT) Verify(raw string) (Identity, error) {
	token, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return j.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Identity{}, ErrInvalidSignature
		}
		return Identity{}, ErrInvalidToken
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return Identity{ParticipantID: c.Subject, DisplayName: name}, nil
}

// Dev trusts the token as the participant id. Local runs only.
type Dev struct{}

func (Dev) Verify(raw string) (Identity, error) {
	id := strings.TrimSpace(raw)
	if id == "" || strings.HasPrefix(id, "bot:") {
		return Identity{}, ErrInvalidToken
	}
	return Identity{ParticipantID: id, DisplayName: id}, nil
}

func New(cfg config.AuthConfig) Verifier {
	if cfg.Mode == "dev" {
		return Dev{}
	}
	return NewJWT(cfg.JWTSecret)
}
