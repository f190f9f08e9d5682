package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinwifi/gateway/db"
	"github.com/coinwifi/gateway/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gateway_test.db")
	conn, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn, nil)
}

func TestCreateAndGetClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateClient(ctx, "AA:BB:CC:11:22:33", "tok-1")
	require.NoError(t, err)
	require.Equal(t, ClientDisconnected, c.Status)
	require.Equal(t, int64(0), c.TimeRemaining)

	byID, err := s.GetClientByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.MACAddress, byID.MACAddress)

	byMAC, err := s.GetClientByMAC(ctx, "AA:BB:CC:11:22:33")
	require.NoError(t, err)
	require.Equal(t, c.ID, byMAC.ID)

	byToken, err := s.GetClientByToken(ctx, "tok-1")
	require.NoError(t, err)
	require.Equal(t, c.ID, byToken.ID)
}

func TestCreateClientDuplicateMACConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateClient(ctx, "AA:BB:CC:11:22:33", "tok-1")
	require.NoError(t, err)

	_, err = s.CreateClient(ctx, "AA:BB:CC:11:22:33", "tok-2")
	require.Error(t, err)
	require.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestUnknownMACClientsCoexist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateClient(ctx, UnknownMAC, "tok-a")
	require.NoError(t, err)
	_, err = s.CreateClient(ctx, UnknownMAC, "tok-b")
	require.NoError(t, err, "multiple clients may share MAC=Unknown")
}

func TestCreditTimeAndTickDecrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateClient(ctx, "AA:BB:CC:11:22:33", "tok-1")
	require.NoError(t, err)

	require.NoError(t, s.CreditTime(ctx, c.ID, 900, 5.0))

	got, err := s.GetClientByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(900), got.TimeRemaining)
	require.Equal(t, ClientConnected, got.Status)
	require.Equal(t, 5.0, got.TotalAmountPaid)

	require.NoError(t, s.TickDecrement(ctx))
	got, err = s.GetClientByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(899), got.TimeRemaining)
}

func TestTickDecrementNeverGoesNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateClient(ctx, "AA:BB:CC:11:22:33", "tok-1")
	require.NoError(t, err)
	require.NoError(t, s.CreditTime(ctx, c.ID, 1, 1.0))

	require.NoError(t, s.TickDecrement(ctx))
	require.NoError(t, s.TickDecrement(ctx))

	got, err := s.GetClientByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.TimeRemaining, "CHECK(time_remaining >= 0) must hold")
}

func TestStartSessionEnforcesOneActivePerClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateClient(ctx, "AA:BB:CC:11:22:33", "tok-1")
	require.NoError(t, err)

	_, err = s.StartSession(ctx, c.ID, c.MACAddress, "10.0.0.5", "tok-1", 900)
	require.NoError(t, err)

	_, err = s.StartSession(ctx, c.ID, c.MACAddress, "10.0.0.5", "tok-1", 900)
	require.Error(t, err, "partial unique index should reject a second ACTIVE session")
	require.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestSlotClaimReleaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureSlot(ctx, 1))

	err := withTx(t, s, func(tx *sql.Tx) error {
		slot, err := GetSlotForUpdate(ctx, tx, 1)
		if err != nil {
			return err
		}
		require.Equal(t, SlotAvailable, slot.Status)
		return ClaimSlotTx(ctx, tx, 1, "10.0.0.5", "AA:BB:CC:11:22:33", "tok-1", time.Now().Add(time.Minute))
	})
	require.NoError(t, err)

	err = withTx(t, s, func(tx *sql.Tx) error {
		slot, err := GetSlotForUpdate(ctx, tx, 1)
		if err != nil {
			return err
		}
		require.Equal(t, SlotClaimed, slot.Status)
		require.Equal(t, "tok-1", slot.ClaimedBySessionToken)
		return nil
	})
	require.NoError(t, err)
}

func TestQueueTotalAcrossPreserveAndReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureSlot(ctx, 1))

	err := withTx(t, s, func(tx *sql.Tx) error {
		if err := ClaimSlotTx(ctx, tx, 1, "10.0.0.5", "AA:BB:CC:11:22:33", "tok-1", time.Now().Add(time.Minute)); err != nil {
			return err
		}
		return AppendQueueEntryTx(ctx, tx, 1, "10.0.0.5", "AA:BB:CC:11:22:33", "tok-1", 5.0, 1)
	})
	require.NoError(t, err)

	err = withTx(t, s, func(tx *sql.Tx) error {
		if err := PreserveQueueEntriesTx(ctx, tx, 1, "10.0.0.5", "AA:BB:CC:11:22:33", "tok-1"); err != nil {
			return err
		}
		return ReleaseSlotTx(ctx, tx, 1)
	})
	require.NoError(t, err)

	err = withTx(t, s, func(tx *sql.Tx) error {
		if err := ClaimSlotTx(ctx, tx, 1, "10.0.0.5", "AA:BB:CC:11:22:33", "tok-1", time.Now().Add(time.Minute)); err != nil {
			return err
		}
		if err := ReassignQueueEntriesToSlotTx(ctx, tx, 1, "10.0.0.5", "AA:BB:CC:11:22:33", "tok-1"); err != nil {
			return err
		}
		return AppendQueueEntryTx(ctx, tx, 1, "10.0.0.5", "AA:BB:CC:11:22:33", "tok-1", 5.0, 1)
	})
	require.NoError(t, err)

	err = withTx(t, s, func(tx *sql.Tx) error {
		entries, err := QueueEntriesForIdentityTx(ctx, tx, "10.0.0.5", "AA:BB:CC:11:22:33", "tok-1")
		if err != nil {
			return err
		}
		var total float64
		for _, e := range entries {
			total += e.TotalValue
		}
		require.Equal(t, 10.0, total)
		return nil
	})
	require.NoError(t, err)
}

func TestTTLViolationCreatedOnceThenIncremented(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	isNew, err := s.UpsertTTLViolation(ctx, "DE:AD:BE:EF:00:01", "low")
	require.NoError(t, err)
	require.True(t, isNew)

	isNew, err = s.UpsertTTLViolation(ctx, "DE:AD:BE:EF:00:01", "medium")
	require.NoError(t, err)
	require.False(t, isNew)

	v, err := s.GetTTLViolation(ctx, "DE:AD:BE:EF:00:01")
	require.NoError(t, err)
	require.Equal(t, int64(2), v.ViolationCount)
	require.Equal(t, "medium", v.Severity)
}

func TestWhitelistedClientExcludedFromTickDecrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateClient(ctx, "AA:BB:CC:11:22:33", "tok-1")
	require.NoError(t, err)
	require.NoError(t, s.CreditTime(ctx, c.ID, 1, 1.0))

	err = withTx(t, s, func(tx *sql.Tx) error {
		return SetClientWhitelistedTx(ctx, tx, c.ID, true)
	})
	require.NoError(t, err)

	require.NoError(t, s.TickDecrement(ctx))
	require.NoError(t, s.TickDecrement(ctx))

	got, err := s.GetClientByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TimeRemaining, "whitelisted clients must not be decremented")
	assert.True(t, got.IsWhitelisted)
}

func TestWhitelistedClientExcludedFromExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.CreateClient(ctx, "AA:BB:CC:11:22:33", "tok-1")
	require.NoError(t, err)

	err = withTx(t, s, func(tx *sql.Tx) error {
		if err := SetClientStatusTx(ctx, tx, c.ID, ClientConnected); err != nil {
			return err
		}
		return SetClientWhitelistedTx(ctx, tx, c.ID, true)
	})
	require.NoError(t, err)

	err = withTx(t, s, func(tx *sql.Tx) error {
		expired, err := ListExpiredTx(ctx, tx)
		if err != nil {
			return err
		}
		assert.Empty(t, expired, "a whitelisted client at time_remaining=0 must not appear in the expiry set")
		return nil
	})
	require.NoError(t, err)
}

func withTx(t *testing.T, s *Store, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := s.DB().Begin()
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
