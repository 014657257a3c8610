package authorization

import (
	"testing"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityFromClaims_JSONNumbersDecodeToUserID(t *testing.T) {
	t.Parallel()

	identity := identityFromClaims(jwt.MapClaims{"user_id": float64(42), "username": "maya"})

	require.NotNil(t, identity)
	assert.Equal(t, uint64(42), identity.UserID)
	assert.Equal(t, "maya", identity.Username)
}

func TestIdentityFromClaims_MissingOrZeroIDIsAnonymous(t *testing.T) {
	t.Parallel()

	assert.Nil(t, identityFromClaims(nil))
	assert.Nil(t, identityFromClaims(jwt.MapClaims{}))
	assert.Nil(t, identityFromClaims(jwt.MapClaims{"user_id": float64(0)}))
	assert.Nil(t, identityFromClaims(jwt.MapClaims{"username": "ghost"}))
}

func TestIdentityFromClaims_NegativeIDIsRejected(t *testing.T) {
	t.Parallel()

	assert.Nil(t, identityFromClaims(jwt.MapClaims{"user_id": float64(-7)}))
}
