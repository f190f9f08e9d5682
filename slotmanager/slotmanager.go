// Package slotmanager arbitrates the physical coin acceptor(s) across
// concurrently-connected portal clients. Exactly one client may hold a
// slot at a time; every other client's coins queue behind it until the
// slot is released, either by redemption or by lease expiry.
package slotmanager

import (
	"context"
	"database/sql"
	"time"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/internal/util"
	"github.com/coinwifi/gateway/logger"
	"github.com/coinwifi/gateway/store"
)

// changeEpsilon is the smallest change amount worth issuing a queue
// entry for; amounts below it are floating-point rounding noise from
// summing coin denominations rather than real change owed.
const changeEpsilon = 0.001

// DefaultClaimLease bounds how long a client may hold a slot without
// inserting a coin before it is reclaimed for the next visitor.
const DefaultClaimLease = 2 * time.Minute

// Identity is the (ip, mac, token) triple the caller resolved for the
// requesting client, matching identity.Identity's shape without this
// package importing net/http.
type Identity struct {
	IP    string
	MAC   string
	Token string
}

// Manager serializes slot claim/release/redeem operations on top of
// the store's SQLite connection, relying on the single-writer
// transaction to linearize concurrent claims from different clients.
type Manager struct {
	db              *sql.DB
	store           *store.Store
	claimLease      time.Duration
	attemptLimit    int64
	attemptWindow   time.Duration
	blockDuration   time.Duration
	abuseProtection bool
}

// New builds a Manager backed by s. claimLease <= 0 uses DefaultClaimLease.
func New(s *store.Store, claimLease time.Duration) *Manager {
	if claimLease <= 0 {
		claimLease = DefaultClaimLease
	}
	return &Manager{
		db:         s.DB(),
		store:      s,
		claimLease: claimLease,
	}
}

// ConfigureAbuseProtection wires the slot manager's attempt-rate limit
// from portal settings. Called once at boot and whenever an admin
// updates the portal configuration.
func (m *Manager) ConfigureAbuseProtection(enabled bool, limit int64, window, blockDuration time.Duration) {
	m.abuseProtection = enabled
	m.attemptLimit = limit
	m.attemptWindow = window
	m.blockDuration = blockDuration
}

// SlotView is the slot state returned to the portal, with the queue
// total the requesting client currently owns (claimed or preserved).
type SlotView struct {
	SlotNumber  int64
	Held        bool
	HeldByMe    bool
	ExpiresAt   *time.Time
	QueuedTotal float64
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Claim attempts to take slotNumber for ident. Succeeds immediately if
// the slot is free or already held by ident; fails with KindConflict
// if another client holds it. Any queue entries ident preserved from a
// prior release are reassigned onto the newly claimed slot.
func (m *Manager) Claim(ctx context.Context, slotNumber int64, ident Identity) (*SlotView, error) {
	var view *SlotView
	err := withTx(ctx, m.db, func(tx *sql.Tx) error {
		slot, err := store.GetSlotForUpdate(ctx, tx, slotNumber)
		if err != nil {
			return err
		}

		mine := slotHeldBy(slot, ident)
		if slot.Status == store.SlotClaimed && !mine {
			return errors.WithKind(errors.Newf("slot %d already claimed", slotNumber), errors.KindConflict)
		}

		if !mine {
			expiresAt := time.Now().Add(m.claimLease)
			if err := store.ClaimSlotTx(ctx, tx, slotNumber, ident.IP, ident.MAC, ident.Token, expiresAt); err != nil {
				return err
			}
			if err := store.ReassignQueueEntriesToSlotTx(ctx, tx, slotNumber, ident.IP, ident.MAC, ident.Token); err != nil {
				return err
			}
			slot, err = store.GetSlotForUpdate(ctx, tx, slotNumber)
			if err != nil {
				return err
			}
		}

		total, err := queuedTotalTx(ctx, tx, ident)
		if err != nil {
			return err
		}
		view = slotToView(slot, ident, total)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.CoinInfow("slot claimed", "slot_number", slotNumber, "ip_address", ident.IP, "mac_address", ident.MAC)
	return view, nil
}

// Release frees slotNumber, held by ident. When preserveQueue is true,
// any queued (unredeemed) coins are kept associated with ident's
// identity rather than discarded, so a returning client or the next
// claim can reclaim them; this is the normal "walked to the router"
// case, as opposed to an abandoned slot reclaimed by TTL expiry.
func (m *Manager) Release(ctx context.Context, slotNumber int64, ident Identity, preserveQueue bool) error {
	return withTx(ctx, m.db, func(tx *sql.Tx) error {
		slot, err := store.GetSlotForUpdate(ctx, tx, slotNumber)
		if err != nil {
			return err
		}
		if slot.Status != store.SlotClaimed {
			return nil
		}
		if !slotHeldBy(slot, ident) {
			return errors.WithKind(errors.Newf("slot %d is not held by this client", slotNumber), errors.KindForbidden)
		}

		if preserveQueue {
			if err := store.PreserveQueueEntriesTx(ctx, tx, slotNumber, ident.IP, ident.MAC, ident.Token); err != nil {
				return err
			}
		}
		return store.ReleaseSlotTx(ctx, tx, slotNumber)
	})
}

// AddCoin records a validated coin pulse against the slot ident
// currently holds. The coin's value accrues to the queue, not to the
// client's balance directly; redeem is the only path that converts a
// queued total into connected time.
func (m *Manager) AddCoin(ctx context.Context, slotNumber int64, ident Identity, coinValue float64, pulseCount int64) error {
	if m.abuseProtection {
		if err := m.checkAbuse(ctx, ident); err != nil {
			return err
		}
	}
	err := withTx(ctx, m.db, func(tx *sql.Tx) error {
		slot, err := store.GetSlotForUpdate(ctx, tx, slotNumber)
		if err != nil {
			return err
		}
		if slot.Status != store.SlotClaimed || !slotHeldBy(slot, ident) {
			return errors.WithKind(errors.Newf("slot %d is not held by this client", slotNumber), errors.KindForbidden)
		}
		return store.AppendQueueEntryTx(ctx, tx, slotNumber, ident.IP, ident.MAC, ident.Token, coinValue, pulseCount)
	})
	if err != nil {
		return err
	}
	logger.CoinInfow("coin queued", "slot_number", slotNumber, "value", coinValue, "pulses", pulseCount)
	return nil
}

func (m *Manager) checkAbuse(ctx context.Context, ident Identity) error {
	count, err := m.store.CountRecentAttempts(ctx, ident.IP, ident.MAC, m.attemptWindow)
	if err != nil {
		return err
	}
	if err := m.store.RecordCoinAttempt(ctx, ident.IP, ident.MAC); err != nil {
		return err
	}
	if count >= m.attemptLimit {
		return errors.WithKind(errors.Newf("coin attempt rate exceeded, retry after %s", m.blockDuration), errors.KindRateLimited)
	}
	return nil
}

// MySlot returns the slot view for whichever slot (if any) ident
// currently holds or has preserved queue entries against.
func (m *Manager) MySlot(ctx context.Context, slotNumber int64, ident Identity) (*SlotView, error) {
	var view *SlotView
	err := withTx(ctx, m.db, func(tx *sql.Tx) error {
		slot, err := store.GetSlotForUpdate(ctx, tx, slotNumber)
		if err != nil {
			return err
		}
		total, err := queuedTotalTx(ctx, tx, ident)
		if err != nil {
			return err
		}
		view = slotToView(slot, ident, total)
		return nil
	})
	return view, err
}

// RedeemResult reports the outcome of converting a queued coin total
// into a rate purchase.
type RedeemResult struct {
	SpentValue   float64
	ChangeValue  float64
	RateApplied  *store.Rate
}

// Redeem converts ident's queued coin total against rate, releasing
// the slot and carrying any leftover value forward as a preserved
// change entry the client can apply to a future purchase.
func (m *Manager) Redeem(ctx context.Context, slotNumber int64, ident Identity, rate *store.Rate) (*RedeemResult, error) {
	var result *RedeemResult
	err := withTx(ctx, m.db, func(tx *sql.Tx) error {
		slot, err := store.GetSlotForUpdate(ctx, tx, slotNumber)
		if err != nil {
			return err
		}
		if slot.Status != store.SlotClaimed || !slotHeldBy(slot, ident) {
			return errors.WithKind(errors.Newf("slot %d is not held by this client", slotNumber), errors.KindForbidden)
		}

		entries, err := store.QueueEntriesForIdentityTx(ctx, tx, ident.IP, ident.MAC, ident.Token)
		if err != nil {
			return err
		}
		var total float64
		ids := make([]int64, 0, len(entries))
		for _, e := range entries {
			total += e.TotalValue
			ids = append(ids, e.ID)
		}
		if total < rate.Price {
			return errors.WithKind(errors.Newf("insufficient coin total %.2f for rate %.2f", total, rate.Price), errors.KindInsufficientFunds)
		}

		if err := store.RedeemQueueEntriesTx(ctx, tx, ids); err != nil {
			return err
		}
		change := total - rate.Price
		if util.AbsFloat64(change) > changeEpsilon {
			if err := store.AppendChangeEntryTx(ctx, tx, ident.IP, ident.MAC, ident.Token, change); err != nil {
				return err
			}
		}
		if err := store.ReleaseSlotTx(ctx, tx, slotNumber); err != nil {
			return err
		}
		result = &RedeemResult{SpentValue: rate.Price, ChangeValue: change, RateApplied: rate}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.CoinInfow("coins redeemed", "slot_number", slotNumber, "rate", rate.Name, "change", result.ChangeValue)
	return result, nil
}

// ReleaseExpired reclaims every slot whose claim lease has elapsed
// without a redeem, preserving the abandoned queue so the original
// client can still reclaim it by re-claiming a slot.
func (m *Manager) ReleaseExpired(ctx context.Context) (int, error) {
	slots, err := m.store.ListExpiredSlots(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, slot := range slots {
		err := withTx(ctx, m.db, func(tx *sql.Tx) error {
			if err := store.PreserveQueueEntriesTx(ctx, tx, slot.SlotNumber, slot.ClaimedByIP, slot.ClaimedByMAC, slot.ClaimedBySessionToken); err != nil {
				return err
			}
			return store.ReleaseSlotTx(ctx, tx, slot.SlotNumber)
		})
		if err != nil {
			return 0, err
		}
		logger.CoinInfow("slot lease expired, reclaimed", "slot_number", slot.SlotNumber)
	}
	return len(slots), nil
}

// CleanupStaleQueues expires queued coin entries that have sat
// unclaimed past maxAge, the only path by which a paid coin loses
// value outright.
func (m *Manager) CleanupStaleQueues(ctx context.Context, maxAge time.Duration) (int64, error) {
	return m.store.ExpireStaleQueueEntries(ctx, maxAge)
}

func slotHeldBy(slot *store.CoinSlot, ident Identity) bool {
	if slot.Status != store.SlotClaimed {
		return false
	}
	return slot.ClaimedBySessionToken == ident.Token ||
		(ident.MAC != "" && ident.MAC != store.UnknownMAC && slot.ClaimedByMAC == ident.MAC) ||
		slot.ClaimedByIP == ident.IP
}

func queuedTotalTx(ctx context.Context, tx *sql.Tx, ident Identity) (float64, error) {
	entries, err := store.QueueEntriesForIdentityTx(ctx, tx, ident.IP, ident.MAC, ident.Token)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, e := range entries {
		total += e.TotalValue
	}
	return total, nil
}

func slotToView(slot *store.CoinSlot, ident Identity, queuedTotal float64) *SlotView {
	return &SlotView{
		SlotNumber:  slot.SlotNumber,
		Held:        slot.Status == store.SlotClaimed,
		HeldByMe:    slotHeldBy(slot, ident),
		ExpiresAt:   slot.ExpiresAt,
		QueuedTotal: queuedTotal,
	}
}
