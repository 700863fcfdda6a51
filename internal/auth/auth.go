// Package auth resolves bearer tokens to user identifiers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"
)

var (
	ErrMissingToken       = errors.New("missing bearer token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token has expired")
	ErrInvalidAuthConfig  = errors.New("invalid auth config")
	errNoVerifierAccepted = errors.New("no verifier accepted the token")
)

// Verifier validates a raw token and returns the authenticated user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// HMACVerifier validates HS256 session tokens whose subject is the user id.
type HMACVerifier struct {
	signingKey []byte
	issuer     string
	leeway     time.Duration
}

// NewHMACVerifier requires a non-empty signing key. An empty issuer disables
// the issuer check.
func NewHMACVerifier(signingKey string, issuer string) (*HMACVerifier, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, fmt.Errorf("%w: signing key is empty", ErrInvalidAuthConfig)
	}
	return &HMACVerifier{signingKey: []byte(signingKey), issuer: strings.TrimSpace(issuer), leeway: 30 * time.Second}, nil
}

func (verifier *HMACVerifier) Verify(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(verifier.leeway),
	}
	if verifier.issuer != "" {
		options = append(options, jwt.WithIssuer(verifier.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return verifier.signingKey, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// IssueToken signs a session token for userID. It backs local tooling and
// tests that need a valid bearer token.
func (verifier *HMACVerifier) IssueToken(userID string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    verifier.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(verifier.signingKey)
}

// GoogleVerifier validates Google ID tokens issued for audience.
type GoogleVerifier struct {
	validator *idtoken.Validator
	audience  string
}

// NewGoogleVerifier builds a verifier for the given OAuth client id.
func NewGoogleVerifier(ctx context.Context, audience string) (*GoogleVerifier, error) {
	if strings.TrimSpace(audience) == "" {
		return nil, fmt.Errorf("%w: google client id is empty", ErrInvalidAuthConfig)
	}
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAuthConfig, err)
	}
	return &GoogleVerifier{validator: validator, audience: strings.TrimSpace(audience)}, nil
}

func (verifier *GoogleVerifier) Verify(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	payload, err := verifier.validator.Validate(ctx, token, verifier.audience)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return "", fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return payload.Subject, nil
}

// ChainVerifier accepts a token when any of its verifiers does.
type ChainVerifier struct {
	verifiers []Verifier
}

// NewChainVerifier skips nil entries and requires at least one verifier.
func NewChainVerifier(verifiers ...Verifier) (*ChainVerifier, error) {
	chain := &ChainVerifier{}
	for _, verifier := range verifiers {
		if verifier != nil {
			chain.verifiers = append(chain.verifiers, verifier)
		}
	}
	if len(chain.verifiers) == 0 {
		return nil, fmt.Errorf("%w: no verifiers configured", ErrInvalidAuthConfig)
	}
	return chain, nil
}

func (chain *ChainVerifier) Verify(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	joined := errNoVerifierAccepted
	for _, verifier := range chain.verifiers {
		userID, err := verifier.Verify(ctx, token)
		if err == nil {
			return userID, nil
		}
		if errors.Is(err, ErrTokenExpired) {
			return "", err
		}
		joined = errors.Join(joined, err)
	}
	return "", fmt.Errorf("%w: %w", ErrInvalidToken, joined)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMissingToken
	}
	return parts[1], nil
}
