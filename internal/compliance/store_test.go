package compliance

import (
	"context"
	"testing"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerRuleStore(t *testing.T) {
	store, err := NewBadgerRuleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	account := model.MakeAccount(3, "trader")
	group := model.MakeDirectory(4, "desk")

	first, err := store.NextID(ctx)
	require.NoError(t, err)
	second, err := store.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	entry := Entry{ID: first, DirectoryEntry: account, State: StateActive, Schema: maxQuantitySchema(10)}
	require.NoError(t, store.Store(ctx, entry))
	require.NoError(t, store.Store(ctx, Entry{ID: second, DirectoryEntry: group, State: StatePassive,
		Schema: Schema{Name: RejectSubmissionsSchema}}))

	loaded, err := store.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, entry.Schema.Name, loaded.Schema.Name)
	v, ok := loaded.Schema.Parameter("quantity")
	require.True(t, ok)
	assert.True(t, v.Decimal.Equal(decimal.NewFromInt(10)))

	entries, err := store.Load(ctx, account)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, first))
	_, err = store.Get(ctx, first)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, store.Delete(ctx, first), ErrRuleNotFound)
}

func TestServiceRequiresAdministrator(t *testing.T) {
	f := newComplianceFixture(t)
	ctx := context.Background()
	trader := session.New(f.trader)
	_, err := f.service.AddComplianceRuleEntry(ctx, trader, f.trader, StateActive, maxQuantitySchema(1))
	assert.ErrorIs(t, err, ErrInsufficientPermissions)

	id := f.addRule(t, f.trader, StateActive, maxQuantitySchema(1))
	assert.ErrorIs(t, f.service.DeleteComplianceRuleEntry(ctx, trader, id), ErrInsufficientPermissions)
}

func TestServiceMonitorsEntries(t *testing.T) {
	f := newComplianceFixture(t)
	ctx := context.Background()
	var updates []Entry
	initial, err := f.service.MonitorComplianceRuleEntries(ctx, f.trader, func(e Entry) { updates = append(updates, e) })
	require.NoError(t, err)
	assert.Empty(t, initial)

	id := f.addRule(t, f.trader, StateActive, maxQuantitySchema(1))
	f.addRule(t, f.group, StateActive, maxQuantitySchema(1))
	require.NoError(t, f.service.DeleteComplianceRuleEntry(ctx, f.admin, id))
	require.Len(t, updates, 2)
	assert.Equal(t, StateActive, updates[0].State)
	assert.Equal(t, StateDeleted, updates[1].State)

	require.NoError(t, f.service.Seed(ctx, f.group, StateActive, maxQuantitySchema(5)))
	entries, err := f.service.LoadComplianceRuleEntries(ctx, f.group)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
