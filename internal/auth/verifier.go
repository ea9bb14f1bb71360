package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey = errors.New("verifier: signing key required")
	ErrMissingIssuer     = errors.New("verifier: issuer required")
	ErrMissingCredential = errors.New("verifier: credential required")
	ErrInvalidCredential = errors.New("verifier: invalid credential")
	ErrExpiredCredential = errors.New("verifier: credential expired")
	ErrMissingSubject    = errors.New("verifier: subject required")
)

// Claims is the payload of a devcircle credential.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// VerifierConfig describes how to validate signed credentials.
type VerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// Verifier validates HS256 credentials and yields the stable user identifier.
type Verifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewVerifier constructs a verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// Verify checks signature, issuer and expiry and returns the user id.
func (v *Verifier) Verify(_ context.Context, credential string) (string, error) {
	claims, err := v.ValidateToken(credential)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *Verifier) ValidateToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingCredential
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidCredential, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredCredential
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidCredential
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return Claims{}, ErrMissingSubject
	}
	if claims.Subject != claims.UserID {
		return Claims{}, fmt.Errorf("%w: subject and user id disagree", ErrInvalidCredential)
	}
	return *claims, nil
}

// ExtractBearer strips a case-insensitive "Bearer" prefix and surrounding
// quotes from a raw credential value. Values without a prefix are returned
// trimmed so that handshake payloads may carry the bare token.
func ExtractBearer(raw string) string {
	value := trimQuotes(strings.TrimSpace(raw))
	if len(value) >= len("bearer") && strings.EqualFold(value[:len("bearer")], "bearer") {
		rest := value[len("bearer"):]
		if rest == "" || rest[0] == ' ' || rest[0] == '\t' {
			value = strings.TrimSpace(rest)
		}
	}
	return trimQuotes(value)
}

func trimQuotes(value string) string {
	for len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			value = strings.TrimSpace(value[1 : len(value)-1])
			continue
		}
		break
	}
	return value
}
