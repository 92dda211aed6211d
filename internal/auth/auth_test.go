package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/model"
)

func testOperator() model.Operator {
	return model.Operator{
		ID:    uuid.New(),
		OrgID: uuid.New(),
		Name:  "alice",
		Role:  model.RoleOperator,
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	op := testOperator()
	token, exp, err := mgr.IssueToken(op)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, op.ID.String(), claims.Subject)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, op.OrgID, claims.OrgID)
	assert.Equal(t, model.RoleOperator, claims.Role)
}

func TestValidateTokenWrongKey(t *testing.T) {
	mgr1, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	mgr2, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr1.IssueToken(testOperator())
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	mgr, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(testOperator())
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenGarbage(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestValidateTokenRejectsHMAC(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	// A token signed with a symmetric method must be rejected even if the
	// claims look right.
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "shiki",
			Audience:  jwt.ClaimStrings{"shiki"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Operator: "mallory",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = mgr.ValidateToken(signed)
	assert.Error(t, err)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("super-secret-key")
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-key", hash)

	ok, err := VerifyAPIKey("super-secret-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashAPIKeyUniqueSalts(t *testing.T) {
	h1, err := HashAPIKey("same-key")
	require.NoError(t, err)
	h2, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	ok, err := VerifyAPIKey("same-key", h2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyAPIKeyMalformedHash(t *testing.T) {
	_, err := VerifyAPIKey("key", "not-a-valid-hash")
	assert.Error(t, err)
	_, err = VerifyAPIKey("key", "")
	assert.Error(t, err)
}
