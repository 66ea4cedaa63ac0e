package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/pkg/types"
)

func TestAdmin_GrantHashesToken(t *testing.T) {
	rec := &recorder{}
	hasher := NewCredentialHasher("pepper")
	a := NewAdmin(testConfig(), hasher, rec, WithClock(clock))

	rows := int64(500)
	budget := 60.0
	expires := now.Add(24 * time.Hour)
	c, err := a.Grant(context.Background(), PermissionChange{
		Principal:      "alice",
		Token:          "raw-secret",
		AllowedActions: []string{"query"},
		MaxRows:        &rows,
		TTLSeconds:     3600,
		ExpiresAt:      &expires,
		BudgetSeconds:  &budget,
	})
	require.NoError(t, err)
	assert.Equal(t, AdminLane, c.SourceLane)
	assert.NotContains(t, string(c.Payload), "raw-secret")

	env := rec.envelopes(t)[0]
	assert.Equal(t, ActionGranted, env.Action)
	assert.Equal(t, SystemSource, env.Source)
	assert.Equal(t, "admin", env.ActorID)
	assert.Equal(t, now.Format(time.RFC3339Nano), env.OccurredAt)
	assert.Equal(t, &types.ObjectRef{Type: "principal", ID: "alice"}, env.Object)
	assert.Equal(t, hasher.Hash("raw-secret"), env.Attributes["token_hash"])
	assert.Equal(t, []interface{}{"query"}, env.Attributes["allowed_tools"])
	assert.Equal(t, 500.0, env.Attributes["max_rows"])
	assert.Equal(t, 3600.0, env.Attributes["ttl_seconds"])
	assert.Equal(t, 60.0, env.Attributes["budget_seconds"])
	assert.Equal(t, expires.Format(time.RFC3339Nano), env.Attributes["expires_at"])
}

func TestAdmin_StatesAndBackdating(t *testing.T) {
	rec := &recorder{}
	a := NewAdmin(testConfig(), NewCredentialHasher("p"), rec, WithClock(clock))
	ctx := context.Background()
	past := now.Add(-time.Hour)

	_, err := a.Revoke(ctx, PermissionChange{TokenHash: "t1"})
	require.NoError(t, err)
	_, err = a.Deny(ctx, PermissionChange{Principal: "bob", Reason: "abuse", OccurredAt: &past})
	require.NoError(t, err)
	_, err = a.Inherit(ctx, PermissionChange{Principal: "carol", Actor: "ops"})
	require.NoError(t, err)

	envs := rec.envelopes(t)
	require.Len(t, envs, 3)
	assert.Equal(t, ActionRevoked, envs[0].Action)
	assert.Equal(t, &types.ObjectRef{Type: "credential", ID: "t1"}, envs[0].Object)
	assert.Nil(t, envs[0].Attributes["principal"])
	assert.Equal(t, ActionDenied, envs[1].Action)
	assert.Equal(t, past.Format(time.RFC3339Nano), envs[1].OccurredAt)
	assert.Equal(t, "abuse", envs[1].Attributes["reason"])
	assert.Equal(t, ActionInherited, envs[2].Action)
	assert.Equal(t, "ops", envs[2].ActorID)
}

func TestAdmin_Rejects(t *testing.T) {
	a := NewAdmin(testConfig(), NewCredentialHasher("p"), &recorder{})

	_, err := a.Grant(context.Background(), PermissionChange{})
	assert.Equal(t, ferrors.ErrCategoryValidation, ferrors.GetCategory(err))

	_, err = a.Apply(context.Background(), State("suspended"), PermissionChange{Principal: "alice"})
	assert.Equal(t, ferrors.ErrCategoryValidation, ferrors.GetCategory(err))
}
