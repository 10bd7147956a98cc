package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

var (
	// ErrMissingToken indicates the request carries no session token.
	ErrMissingToken = errors.New("missing session token")
	// ErrInvalidToken indicates the session token failed verification.
	ErrInvalidToken = errors.New("invalid session token")
)

// TokenVerifierConfig describes how session tokens are signed and transported.
type TokenVerifierConfig struct {
	SigningKey []byte
	Issuer     string
	CookieName string
}

// TokenVerifier checks HS256 session tokens issued by the authentication service. The token
// is the remote authentication signal consumed by the Gate.
type TokenVerifier struct {
	signingKey []byte
	issuer     string
	cookieName string
}

// NewTokenVerifier validates cfg.
func NewTokenVerifier(cfg TokenVerifierConfig) (*TokenVerifier, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidGateConfig)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidGateConfig)
	}
	if strings.TrimSpace(cfg.CookieName) == "" {
		return nil, fmt.Errorf("%w: cookie name is required", ErrInvalidGateConfig)
	}
	return &TokenVerifier{
		signingKey: append([]byte{}, cfg.SigningKey...),
		issuer:     cfg.Issuer,
		cookieName: cfg.CookieName,
	}, nil
}

// CookieName returns the session cookie name.
func (verifier *TokenVerifier) CookieName() string {
	return verifier.cookieName
}

// Verify parses and validates a signed token.
func (verifier *TokenVerifier) Verify(token string) (*sessionvalidator.Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	claims := &sessionvalidator.Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return verifier.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(verifier.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.GetUserID()) == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

// FromRequest verifies the session cookie, or a bearer token when no cookie is present.
func (verifier *TokenVerifier) FromRequest(request *http.Request) (*sessionvalidator.Claims, error) {
	if cookie, err := request.Cookie(verifier.cookieName); err == nil && cookie.Value != "" {
		return verifier.Verify(cookie.Value)
	}
	header := request.Header.Get("Authorization")
	if token, found := strings.CutPrefix(header, "Bearer "); found {
		return verifier.Verify(strings.TrimSpace(token))
	}
	return nil, ErrMissingToken
}
