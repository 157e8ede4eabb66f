// Package auth issues and validates the HS256 room tokens gating the relay's
// websocket upgrade. Identity verification against an external provider is
// the surrounding platform's concern; the relay only needs to trust that a
// token binds a user id, display name and room.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 12 * time.Hour

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingRoomClaim     = errors.New("room claim must be provided")
)

// RoomClaims identifies one user's access to one room.
type RoomClaims struct {
	UserID      string
	DisplayName string
	Room        string
}

type roomTokenClaims struct {
	jwt.RegisteredClaims
	Room        string `json:"room"`
	DisplayName string `json:"name,omitempty"`
}

// TokenIssuerConfig configures the relay token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates room tokens.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueRoomToken produces a signed JWT granting the subject access to the room.
func (i *TokenIssuer) IssueRoomToken(claims RoomClaims) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if claims.UserID == "" {
		return "", 0, errMissingSubjectClaim
	}
	if claims.Room == "" {
		return "", 0, errMissingRoomClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, roomTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Room:        claims.Room,
		DisplayName: claims.DisplayName,
	})
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateRoomToken ensures the token is well formed and returns its claims.
func (i *TokenIssuer) ValidateRoomToken(tokenString string) (RoomClaims, error) {
	if len(i.config.SigningSecret) == 0 {
		return RoomClaims{}, errMissingSigningSecret
	}

	claims := &roomTokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return RoomClaims{}, err
	}
	if claims.Subject == "" {
		return RoomClaims{}, errMissingSubjectClaim
	}
	if claims.Room == "" {
		return RoomClaims{}, errMissingRoomClaim
	}
	return RoomClaims{
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
		Room:        claims.Room,
	}, nil
}
