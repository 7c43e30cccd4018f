package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mahaj/messaging-core/pkg/errs"
)

func TestIssuer_RoundTrip(t *testing.T) {
	req := require.New(t)
	iss, err := NewIssuer("test-secret", time.Hour)
	req.NoError(err)

	token, err := iss.IssueToken("u1", "u1@example.com", "alice")
	req.NoError(err)

	id, err := iss.VerifyToken(token)
	req.NoError(err)
	req.Equal(Identity{UserID: "u1", Email: "u1@example.com", Username: "alice"}, id)
}

func TestIssuer_Rejects(t *testing.T) {
	iss, err := NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	other, err := NewIssuer("other-secret", time.Hour)
	require.NoError(t, err)

	foreign, err := other.IssueToken("u1", "", "")
	require.NoError(t, err)

	expired, err := NewIssuer("test-secret", time.Minute)
	require.NoError(t, err)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, err := expired.IssueToken("u1", "", "")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":          "",
		"garbage":        "not.a.token",
		"wrong secret":   foreign,
		"expired":        stale,
		"none algorithm": unsigned,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := iss.VerifyToken(token)
			require.ErrorIs(t, err, errs.ErrUnauthorized)
		})
	}
}

func TestNewIssuer_Requires_Secret(t *testing.T) {
	_, err := NewIssuer("", 0)
	require.Error(t, err)

	iss, err := NewIssuer("s", 0)
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, iss.ttl)
}

func TestIdentity_Context(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "u1"})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "u1", id.UserID)
}

func TestPassword(t *testing.T) {
	req := require.New(t)
	hash, err := HashPassword("correct horse", bcrypt.MinCost)
	req.NoError(err)
	req.NotEqual("correct horse", hash)

	req.NoError(ComparePassword(hash, "correct horse"))
	req.ErrorIs(ComparePassword(hash, "battery staple"), errs.ErrUnauthorized)
}
