package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// ErrInvalidToken wraps every token rejection.
var ErrInvalidToken = errors.New("invalid token")

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// KeySource resolves RSA verification keys by key id.
type KeySource interface {
	GetKey(ctx context.Context, kid string) (any, error)
}

// Config configures Validator. Exactly one of Secret or Keys is required.
type Config struct {
	// Secret verifies HS256 tokens.
	Secret []byte
	// Keys verifies RS256 tokens by kid.
	Keys     KeySource
	Issuer   string
	Audience string
	Leeway   time.Duration
	// OrganizationClaim names the claim carrying the organization id.
	OrganizationClaim string
}

// Validator checks signature, expiry, issuer and audience.
type Validator struct {
	cfg    Config
	parser *jwt.Parser
	log    logger.Logger
}

// NewValidator creates a validator for cfg.
func NewValidator(cfg Config, log logger.Logger) (*Validator, error) {
	if len(cfg.Secret) == 0 && cfg.Keys == nil {
		return nil, errors.New("auth requires a signing secret or a JWKS source")
	}
	if len(cfg.Secret) > 0 && cfg.Keys != nil {
		return nil, errors.New("auth signing secret and JWKS source are mutually exclusive")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.OrganizationClaim == "" {
		cfg.OrganizationClaim = "org_id"
	}

	methods := []string{jwt.SigningMethodHS256.Alg()}
	if cfg.Keys != nil {
		methods = []string{jwt.SigningMethodRS256.Alg()}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Validator{cfg: cfg, parser: jwt.NewParser(opts...), log: log.With("component", "auth")}, nil
}

// Validate implements TokenValidator.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, mapClaims, func(token *jwt.Token) (any, error) {
		if v.cfg.Keys == nil {
			return v.cfg.Secret, nil
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing kid in token header")
		}
		return v.cfg.Keys.GetKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims := v.extractClaims(mapClaims)
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	v.log.Debug("token validated", "subject", claims.Subject, "issuer", claims.Issuer)
	return claims, nil
}

func (v *Validator) extractClaims(mapClaims jwt.MapClaims) *Claims {
	claims := &Claims{}
	claims.Subject, _ = mapClaims.GetSubject()
	claims.Issuer, _ = mapClaims.GetIssuer()
	claims.Audience, _ = mapClaims.GetAudience()
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if org, ok := mapClaims[v.cfg.OrganizationClaim].(string); ok {
		claims.OrganizationID = strings.TrimSpace(org)
	}
	switch scope := mapClaims["scope"].(type) {
	case string:
		claims.Scopes = strings.Fields(scope)
	case []any:
		for _, item := range scope {
			if s, ok := item.(string); ok && s != "" {
				claims.Scopes = append(claims.Scopes, s)
			}
		}
	}
	return claims
}
