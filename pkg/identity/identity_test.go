package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/docvault-api/pkg/config"
	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

func mintToken(t *testing.T, secret string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() Claims {
	return Claims{
		UserID:      "user-1",
		Role:        RoleBroker,
		Permissions: []string{"documents:read"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "identity-service",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestJWTProviderValidate(t *testing.T) {
	provider := NewJWTProvider(config.AuthConfig{JWTSecret: "secret", Issuer: "identity-service"})
	token := mintToken(t, "secret", jwt.SigningMethodHS256, validClaims())

	principal, err := provider.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", principal.UserID)
	require.Equal(t, RoleBroker, principal.Role)
	require.Equal(t, []string{"documents:read"}, principal.Permissions)
}

func TestJWTProviderValidateRejections(t *testing.T) {
	provider := NewJWTProvider(config.AuthConfig{JWTSecret: "secret", Issuer: "identity-service"})

	_, err := provider.Validate("")
	require.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	_, err = provider.Validate("not-a-token")
	require.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	_, err = provider.Validate(mintToken(t, "other-secret", jwt.SigningMethodHS256, validClaims()))
	require.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	_, err = provider.Validate(mintToken(t, "secret", jwt.SigningMethodHS512, validClaims()))
	require.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = provider.Validate(mintToken(t, "secret", jwt.SigningMethodHS256, expired))
	require.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"
	_, err = provider.Validate(mintToken(t, "secret", jwt.SigningMethodHS256, wrongIssuer))
	require.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	anonymous := validClaims()
	anonymous.UserID = ""
	_, err = provider.Validate(mintToken(t, "secret", jwt.SigningMethodHS256, anonymous))
	require.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestJWTProviderValidateWithoutIssuerCheck(t *testing.T) {
	provider := NewJWTProvider(config.AuthConfig{JWTSecret: "secret"})

	claims := validClaims()
	claims.Issuer = "anything"
	principal, err := provider.Validate(mintToken(t, "secret", jwt.SigningMethodHS256, claims))
	require.NoError(t, err)
	require.Equal(t, "user-1", principal.UserID)
}

func TestPrincipalCanAccess(t *testing.T) {
	owner := Principal{UserID: "user-1", Role: RoleBroker}
	require.True(t, owner.CanAccess("user-1"))
	require.False(t, owner.CanAccess("user-2"))

	admin := Principal{UserID: "admin-1", Role: RoleAdmin}
	require.True(t, admin.IsAdmin())
	require.True(t, admin.CanAccess("user-2"))

	require.False(t, Principal{}.CanAccess(""))
}
