package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken indicates the request carried no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken indicates the token failed verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoKey indicates neither a shared secret nor a public key was configured.
	ErrNoKey = errors.New("no token verification key configured")
)

// Claims are the identity-provider claims the service relies on.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified caller of a request.
type Identity struct {
	UserID string
	Admin  bool
}

// Options configure a Verifier. PublicKeyPEM takes precedence over Secret.
type Options struct {
	Secret       string
	PublicKeyPEM string
	Issuer       string
}

// Verifier checks identity-provider tokens and extracts the caller identity.
type Verifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// NewVerifier constructs a Verifier for HS256 secrets or RS256 public keys.
func NewVerifier(opts Options) (*Verifier, error) {
	v := &Verifier{}
	parserOpts := []jwt.ParserOption{jwt.WithExpirationRequired()}

	switch {
	case strings.TrimSpace(opts.PublicKeyPEM) != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(opts.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		v.publicKey = key
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	case opts.Secret != "":
		v.secret = []byte(opts.Secret)
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	default:
		return nil, ErrNoKey
	}

	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	v.parser = jwt.NewParser(parserOpts...)
	return v, nil
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(raw, &claims, v.key)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}
	return Identity{UserID: subject, Admin: claims.Admin}, nil
}

// VerifyHeader verifies an Authorization header value of the form "Bearer <token>".
func (v *Verifier) VerifyHeader(header string) (Identity, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return Identity{}, ErrMissingToken
	}
	return v.Verify(token)
}

func (v *Verifier) key(*jwt.Token) (any, error) {
	if v.publicKey != nil {
		return v.publicKey, nil
	}
	return v.secret, nil
}
