package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLedgerDefaults(t *testing.T) {
	l := New(0)

	assert.Equal(t, 0, l.Len())
	assert.Equal(t, uint64(0), l.DroppedUpdates())
}

func TestLedgerApplyDelta(t *testing.T) {
	l := New(16)

	err := l.ApplyDelta(10, 5, 1500)
	require.NoError(t, err)

	e, ok := l.Usage(10, 5)
	require.True(t, ok)
	assert.Equal(t, int64(1500), e.Total)
	assert.Equal(t, QuotaUnset, e.Quota)

	// Growth and shrink accumulate on the same row
	require.NoError(t, l.ApplyDelta(10, 5, 1000))
	require.NoError(t, l.ApplyDelta(10, 5, -500))

	e, _ = l.Usage(10, 5)
	assert.Equal(t, int64(2000), e.Total)
}

func TestLedgerApplyDeltaClampsNegative(t *testing.T) {
	l := New(16)

	require.NoError(t, l.ApplyDelta(10, 5, 100))
	require.NoError(t, l.SetQuota(10, 5, 1000))
	require.NoError(t, l.ApplyDelta(10, 5, -500))

	e, ok := l.Usage(10, 5)
	require.True(t, ok)
	assert.Equal(t, int64(0), e.Total)
}

func TestLedgerDropsEmptyRows(t *testing.T) {
	l := New(16)

	require.NoError(t, l.ApplyDelta(10, 5, 100))
	require.NoError(t, l.ApplyDelta(10, 5, -100))

	// Zero total with no quota carries no information
	_, ok := l.Usage(10, 5)
	assert.False(t, ok)
	assert.Equal(t, 0, l.Len())
}

func TestLedgerKeepsQuotaOnlyRows(t *testing.T) {
	l := New(16)

	require.NoError(t, l.SetQuota(10, 5, 1000))
	require.NoError(t, l.ApplyDelta(10, 5, 100))
	require.NoError(t, l.ApplyDelta(10, 5, -100))

	// The configured quota must survive the total reaching zero
	e, ok := l.Usage(10, 5)
	require.True(t, ok)
	assert.Equal(t, int64(0), e.Total)
	assert.Equal(t, int64(1000), e.Quota)
}

func TestLedgerCapacityBound(t *testing.T) {
	l := New(2)

	require.NoError(t, l.ApplyDelta(1, 1, 100))
	require.NoError(t, l.ApplyDelta(2, 1, 200))

	// Third key does not fit; the update is dropped, not evicted
	err := l.ApplyDelta(3, 1, 300)
	assert.ErrorIs(t, err, ErrLedgerFull)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, uint64(1), l.DroppedUpdates())

	_, ok := l.Usage(3, 1)
	assert.False(t, ok)

	// Existing keys keep updating at capacity
	require.NoError(t, l.ApplyDelta(1, 1, 50))
	e, _ := l.Usage(1, 1)
	assert.Equal(t, int64(150), e.Total)
}

func TestLedgerSetQuotaCapacityBound(t *testing.T) {
	l := New(1)

	require.NoError(t, l.SetQuota(1, 1, 100))

	err := l.SetQuota(2, 1, 200)
	assert.ErrorIs(t, err, ErrLedgerFull)
	assert.Equal(t, uint64(1), l.DroppedUpdates())
}

func TestLedgerClearQuota(t *testing.T) {
	l := New(16)

	require.NoError(t, l.SetQuota(10, 5, 1000))
	require.NoError(t, l.SetQuota(10, 5, QuotaUnset))

	// Clearing the quota on an otherwise empty row removes it
	_, ok := l.Usage(10, 5)
	assert.False(t, ok)
}

func TestLedgerIsWithinQuota(t *testing.T) {
	l := New(16)

	// Missing row fails open
	assert.True(t, l.IsWithinQuota(10, 5))

	// Unset quota fails open regardless of total
	require.NoError(t, l.ApplyDelta(10, 5, 1500))
	assert.True(t, l.IsWithinQuota(10, 5))

	// Configured quota below the total rejects
	require.NoError(t, l.SetQuota(10, 5, 1000))
	assert.False(t, l.IsWithinQuota(10, 5))

	// Total exactly at the quota is still within
	require.NoError(t, l.ApplyDelta(10, 5, -500))
	assert.True(t, l.IsWithinQuota(10, 5))
}

func TestLedgerClearTenant(t *testing.T) {
	l := New(16)

	require.NoError(t, l.ApplyDelta(10, 5, 100))
	require.NoError(t, l.ApplyDelta(11, 5, 200))
	require.NoError(t, l.ApplyDelta(10, 7, 300))

	n := l.ClearTenant(5)
	assert.Equal(t, 2, n)

	_, ok := l.Usage(10, 5)
	assert.False(t, ok)
	_, ok = l.Usage(11, 5)
	assert.False(t, ok)

	// Other tenants untouched
	e, ok := l.Usage(10, 7)
	require.True(t, ok)
	assert.Equal(t, int64(300), e.Total)
}

func TestLedgerSnapshot(t *testing.T) {
	l := New(16)

	require.NoError(t, l.ApplyDelta(10, 5, 100))
	require.NoError(t, l.SetQuota(11, 5, 1000))

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(100), snap[Key{Principal: 10, Tenant: 5}].Total)
	assert.Equal(t, int64(1000), snap[Key{Principal: 11, Tenant: 5}].Quota)

	// Snapshot is a copy, mutating the ledger does not change it
	require.NoError(t, l.ApplyDelta(10, 5, 900))
	assert.Equal(t, int64(100), snap[Key{Principal: 10, Tenant: 5}].Total)
}

func TestGateAdmit(t *testing.T) {
	l := New(16)
	g := NewGate(l)

	// Unknown principals are admitted
	assert.NoError(t, g.Admit(10, 5))

	require.NoError(t, l.ApplyDelta(10, 5, 1500))
	require.NoError(t, l.SetQuota(10, 5, 1000))

	err := g.Admit(10, 5)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Deleting the usage re-admits
	require.NoError(t, l.ApplyDelta(10, 5, -1500))
	assert.NoError(t, g.Admit(10, 5))
}
