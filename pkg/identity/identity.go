package identity

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/docvault-api/pkg/config"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

// Role represents the access roles known to the document service.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleBroker  Role = "BROKER"
	RoleInsurer Role = "INSURER"
)

// Principal is the authenticated actor on whose behalf an operation runs.
type Principal struct {
	UserID      string   `json:"userId"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanAccess reports whether the principal may operate on a resource owned by
// ownerID. Owners and admins only; finer-grained sharing is not modelled.
func (p Principal) CanAccess(ownerID string) bool {
	return p.IsAdmin() || (p.UserID != "" && p.UserID == ownerID)
}

// Claims is the JWT payload accepted from the identity service.
type Claims struct {
	UserID      string   `json:"uid"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Provider validates bearer tokens into principals.
type Provider interface {
	Validate(token string) (*Principal, error)
}

// JWTProvider verifies HS256 tokens minted by the external identity service.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider builds a provider from auth configuration.
func NewJWTProvider(cfg config.AuthConfig) *JWTProvider {
	return &JWTProvider{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}
}

// Validate parses and verifies a bearer token, returning the principal.
func (p *JWTProvider) Validate(tokenString string) (*Principal, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "missing token")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	if p.issuer != "" {
		if iss, err := claims.GetIssuer(); err != nil || iss != p.issuer {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "unexpected token issuer")
		}
	}

	if claims.UserID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "token missing subject")
	}

	return &Principal{
		UserID:      claims.UserID,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}
