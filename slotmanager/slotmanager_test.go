package slotmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinwifi/gateway/db"
	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dbPath := t.TempDir() + "/gateway.db"
	conn, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s := store.New(conn, nil)
	require.NoError(t, s.EnsureSlot(context.Background(), 1))
	return New(s, 0), s
}

func TestClaimFreeSlotSucceeds(t *testing.T) {
	m, _ := newTestManager(t)
	ident := Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}

	view, err := m.Claim(context.Background(), 1, ident)
	require.NoError(t, err)
	assert.True(t, view.HeldByMe)
	assert.True(t, view.Held)
}

func TestClaimHeldSlotConflicts(t *testing.T) {
	m, _ := newTestManager(t)
	a := Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}
	b := Identity{IP: "10.0.0.6", MAC: "AA:BB:CC:11:22:44", Token: "tok-b"}

	_, err := m.Claim(context.Background(), 1, a)
	require.NoError(t, err)

	_, err = m.Claim(context.Background(), 1, b)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestClaimIsIdempotentForSameHolder(t *testing.T) {
	m, _ := newTestManager(t)
	a := Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}

	_, err := m.Claim(context.Background(), 1, a)
	require.NoError(t, err)
	view, err := m.Claim(context.Background(), 1, a)
	require.NoError(t, err)
	assert.True(t, view.HeldByMe)
}

func TestAddCoinRequiresHolder(t *testing.T) {
	m, _ := newTestManager(t)
	a := Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}
	b := Identity{IP: "10.0.0.6", MAC: "AA:BB:CC:11:22:44", Token: "tok-b"}

	_, err := m.Claim(context.Background(), 1, a)
	require.NoError(t, err)

	err = m.AddCoin(context.Background(), 1, b, 5, 1)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindForbidden))
}

func TestAddCoinAbuseProtectionReturnsRateLimited(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.ConfigureAbuseProtection(true, 2, time.Minute, time.Minute)
	a := Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}

	_, err := m.Claim(ctx, 1, a)
	require.NoError(t, err)

	require.NoError(t, m.AddCoin(ctx, 1, a, 1, 1))
	require.NoError(t, m.AddCoin(ctx, 1, a, 1, 1))

	err = m.AddCoin(ctx, 1, a, 1, 1)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindRateLimited))
	kind, ok := errors.GetKind(err)
	require.True(t, ok)
	assert.Equal(t, 429, kind.HTTPStatus())
}

func TestReleaseWithPreserveThenReclaimKeepsQueueTotal(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	a := Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}

	_, err := m.Claim(ctx, 1, a)
	require.NoError(t, err)
	require.NoError(t, m.AddCoin(ctx, 1, a, 5, 2))

	require.NoError(t, m.Release(ctx, 1, a, true))

	view, err := m.Claim(ctx, 1, a)
	require.NoError(t, err)
	assert.Equal(t, 10.0, view.QueuedTotal)

	rate, err := s.CreateRate(ctx, &store.Rate{Name: "30 mins", Price: 10, Duration: 1800, IsActive: true})
	require.NoError(t, err)

	result, err := m.Redeem(ctx, 1, a, rate)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.ChangeValue)
	assert.Equal(t, 10.0, result.SpentValue)
}

func TestRedeemInsufficientFundsRejected(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	a := Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}

	_, err := m.Claim(ctx, 1, a)
	require.NoError(t, err)
	require.NoError(t, m.AddCoin(ctx, 1, a, 5, 1))

	rate, err := s.CreateRate(ctx, &store.Rate{Name: "1 hour", Price: 20, Duration: 3600, IsActive: true})
	require.NoError(t, err)

	_, err = m.Redeem(ctx, 1, a, rate)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInsufficientFunds))
}

func TestRedeemReturnsChange(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	a := Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}

	_, err := m.Claim(ctx, 1, a)
	require.NoError(t, err)
	require.NoError(t, m.AddCoin(ctx, 1, a, 5, 3))

	rate, err := s.CreateRate(ctx, &store.Rate{Name: "30 mins", Price: 10, Duration: 1800, IsActive: true})
	require.NoError(t, err)

	result, err := m.Redeem(ctx, 1, a, rate)
	require.NoError(t, err)
	assert.Equal(t, 5.0, result.ChangeValue)

	view, err := m.Claim(ctx, 1, a)
	require.NoError(t, err)
	assert.Equal(t, 5.0, view.QueuedTotal)
}

func TestReleaseExpiredReclaimsLapsedSlot(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	m.claimLease = -time.Second // force immediate expiry for the test
	a := Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}

	_, err := m.Claim(ctx, 1, a)
	require.NoError(t, err)

	n, err := m.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b := Identity{IP: "10.0.0.9", MAC: "AA:BB:CC:99:99:99", Token: "tok-b"}
	view, err := m.Claim(ctx, 1, b)
	require.NoError(t, err)
	assert.True(t, view.HeldByMe)
}
