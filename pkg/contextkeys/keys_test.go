package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetters(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetUserID(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithUserID(ctx, "subject-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "subject-1", GetUserID(ctx))
}

func TestKeysDoNotCollide(t *testing.T) {
	ctx := WithIdentity(context.Background(), "who")
	ctx = WithAuthorization(ctx, "what")
	ctx = WithLogger(ctx, "log")

	assert.Equal(t, "who", ctx.Value(IdentityKey))
	assert.Equal(t, "what", ctx.Value(AuthorizationKey))
	assert.Equal(t, "log", ctx.Value(LoggerKey))
	// A plain string key never matches a Key
	assert.Nil(t, ctx.Value("identity"))
}
