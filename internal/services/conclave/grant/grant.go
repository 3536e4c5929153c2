// Package grant issues and verifies join grants: short-lived EdDSA JWTs that
// authenticate a participant for one session and carry their display profile.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/conclave/internal/platform/config"
	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/platform/id"
)

const envPrefix = "CONCLAVE_JOIN_GRANT_"

const (
	EnvIssuer     = "CONCLAVE_JOIN_GRANT_ISSUER"
	EnvAudience   = "CONCLAVE_JOIN_GRANT_AUDIENCE"
	EnvPublicKey  = "CONCLAVE_JOIN_GRANT_PUBLIC_KEY"
	EnvPrivateKey = "CONCLAVE_JOIN_GRANT_PRIVATE_KEY"

	// DefaultTTL bounds grants issued without an explicit lifetime.
	DefaultTTL = 10 * time.Minute
)

type grantEnv struct {
	Issuer     string `env:"ISSUER"`
	Audience   string `env:"AUDIENCE"`
	PublicKey  string `env:"PUBLIC_KEY"`
	PrivateKey string `env:"PRIVATE_KEY"`
}

// Config defines how join grants are verified and, when PrivateKey is set,
// issued.
type Config struct {
	Issuer     string
	Audience   string
	Key        ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	TTL        time.Duration
	Now        func() time.Time
}

// Claims captures validated join grant claims.
type Claims struct {
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	JWTID     string
	SessionID string
	UserID    string
	Name      string
	AvatarURL string
	Admin     bool
}

type tokenClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
}

// LoadConfigFromEnv reads join grant configuration. The private key is
// optional; without it the config only verifies.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw grantEnv
	if err := config.ParseEnvPrefixed(&raw, envPrefix); err != nil {
		return Config{}, fmt.Errorf("parse join grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("%s is required", EnvIssuer)
	}
	if audience == "" {
		return Config{}, fmt.Errorf("%s is required", EnvAudience)
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("%s is required", EnvPublicKey)
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode join grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("join grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	cfg := Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}
	if privateKey := strings.TrimSpace(raw.PrivateKey); privateKey != "" {
		privateBytes, err := decodeBase64(privateKey)
		if err != nil {
			return Config{}, fmt.Errorf("decode join grant private key: %w", err)
		}
		if len(privateBytes) != ed25519.PrivateKeySize {
			return Config{}, fmt.Errorf("join grant private key must be %d bytes", ed25519.PrivateKeySize)
		}
		cfg.PrivateKey = ed25519.PrivateKey(privateBytes)
	}
	return cfg, nil
}

func (c Config) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

// Input describes the participant a grant admits.
type Input struct {
	SessionID string
	UserID    string
	Name      string
	AvatarURL string
	Admin     bool
}

// Issue signs a join grant for input.
func Issue(input Input, cfg Config) (string, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return "", errors.New("join grant signer is not configured")
	}
	if strings.TrimSpace(input.SessionID) == "" || strings.TrimSpace(input.UserID) == "" {
		return "", errors.New("session id and user id are required")
	}
	jti, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate join grant id: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Name:      input.Name,
		AvatarURL: input.AvatarURL,
		Admin:     input.Admin,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign join grant: %w", err)
	}
	return signed, nil
}

// Verify checks a join grant's signature and registered claims and that it
// admits sessionID.
func Verify(token, sessionID string, cfg Config) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("join grant verifier is not configured")
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, mismatch("issuer")
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, mismatch("audience")
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant exp is required")
	}
	now := cfg.now()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeJoinGrantExpired, "join grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return Claims{}, apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant not active yet")
	}
	if strings.TrimSpace(parsed.UserID) == "" {
		return Claims{}, apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant user_id is required")
	}
	if strings.TrimSpace(parsed.SessionID) == "" || parsed.SessionID != sessionID {
		return Claims{}, mismatch("session_id")
	}

	claims := Claims{
		Issuer:    parsed.Issuer,
		Audience:  []string(parsed.Audience),
		ExpiresAt: exp,
		JWTID:     parsed.ID,
		SessionID: parsed.SessionID,
		UserID:    parsed.UserID,
		Name:      parsed.Name,
		AvatarURL: parsed.AvatarURL,
		Admin:     parsed.Admin,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

func mismatch(field string) error {
	return apperrors.WithMetadata(
		apperrors.CodeJoinGrantMismatch,
		"join grant "+field+" mismatch",
		map[string]string{"Field": field},
	)
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeJoinGrantInvalid, "join grant is invalid")
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
