package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func budgetTracker(view *fakeView, rec *recorder) *BudgetTracker {
	cfg := testConfig()
	perms := NewPermissionResolver(cfg, view, nil, WithClock(clock))
	return NewBudgetTracker(cfg, view, perms, NewEmitter(rec, nil), WithClock(clock))
}

func TestCheckBudget_ExceededAt61Of60(t *testing.T) {
	view := &fakeView{}
	view.add(
		permEvent(StateGranted, now.Add(-48*time.Hour), alice(map[string]interface{}{"budget_seconds": 60.0})),
		usageEvent("alice", now.Add(-23*time.Hour), 30),
		usageEvent("alice", now.Add(-time.Hour), 31),
		usageEvent("alice", now.Add(-25*time.Hour), 500), // outside the window
		usageEvent("bob", now.Add(-time.Hour), 500),
	)
	rec := &recorder{}

	status, err := budgetTracker(view, rec).CheckBudget(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 61.0, status.UsedSeconds)
	assert.Equal(t, 60.0, status.QuotaSeconds)
	assert.Zero(t, status.RemainingSeconds)
	assert.True(t, status.Limited)
	assert.True(t, status.Exceeded)
	assert.Equal(t, 2, status.Events)
	assert.Equal(t, 24*time.Hour, status.Window)
	assert.Equal(t, []string{ActionBudgetExceeded}, rec.actions(t))
}

func TestCheckBudget_ExactlyAtQuotaIsNotExceeded(t *testing.T) {
	view := &fakeView{}
	view.add(
		permEvent(StateGranted, now.Add(-48*time.Hour), alice(map[string]interface{}{"budget_seconds": 60.0})),
		usageEvent("alice", now.Add(-time.Hour), 45),
		usageEvent("alice", now, 15),
	)
	rec := &recorder{}

	status, err := budgetTracker(view, rec).CheckBudget(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 60.0, status.UsedSeconds)
	assert.False(t, status.Exceeded)
	assert.Empty(t, rec.actions(t))
}

func TestCheckBudget_Remaining(t *testing.T) {
	view := &fakeView{}
	view.add(
		permEvent(StateGranted, now.Add(-time.Hour), alice(map[string]interface{}{"budget_seconds": 100.0})),
		usageEvent("alice", now.Add(-time.Minute), 12.5),
	)
	status, err := budgetTracker(view, &recorder{}).CheckBudget(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 87.5, status.RemainingSeconds)
	assert.False(t, status.Exceeded)
}

func TestCheckBudget_NoPermissionIsExceeded(t *testing.T) {
	view := &fakeView{}
	view.add(usageEvent("alice", now.Add(-time.Hour), 1))

	status, err := budgetTracker(view, &recorder{}).CheckBudget(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, status.QuotaSeconds)
	assert.True(t, status.Exceeded)
}

func TestCheckBudget_NoQuotaIsUnlimited(t *testing.T) {
	view := &fakeView{}
	view.add(
		permEvent(StateGranted, now.Add(-time.Hour), alice(nil)),
		usageEvent("alice", now.Add(-time.Minute), 1e6),
	)
	status, err := budgetTracker(view, &recorder{}).CheckBudget(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, status.Limited)
	assert.False(t, status.Exceeded)
	assert.Equal(t, 1e6, status.UsedSeconds)
}
