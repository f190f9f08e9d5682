package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/coinwifi/gateway/errors"
)

const slotColumns = `slot_number, status, claimed_by_ip, claimed_by_mac,
	claimed_by_session_token, claimed_at, expires_at`

func scanSlot(row interface {
	Scan(...interface{}) error
}) (*CoinSlot, error) {
	sl := &CoinSlot{}
	var ip, mac, token sql.NullString
	var claimedAt, expiresAt sql.NullTime

	err := row.Scan(&sl.SlotNumber, &sl.Status, &ip, &mac, &token, &claimedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	sl.ClaimedByIP = ip.String
	sl.ClaimedByMAC = mac.String
	sl.ClaimedBySessionToken = token.String
	if claimedAt.Valid {
		sl.ClaimedAt = &claimedAt.Time
	}
	if expiresAt.Valid {
		sl.ExpiresAt = &expiresAt.Time
	}
	return sl, nil
}

// EnsureSlot seeds a coin slot row as available if it doesn't exist
// yet. Gateways typically have one physical acceptor (slot_number=1).
func (s *Store) EnsureSlot(ctx context.Context, slotNumber int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coin_slots (slot_number, status) VALUES (?, ?)
		 ON CONFLICT(slot_number) DO NOTHING`,
		slotNumber, SlotAvailable,
	)
	if err != nil {
		return errors.Wrap(err, "failed to ensure coin slot")
	}
	return nil
}

// GetSlot reads a slot's current claim state outside of a transaction,
// used by read-only callers (the coin ingress bridge's slot resolver)
// that only need a point-in-time snapshot.
func (s *Store) GetSlot(ctx context.Context, slotNumber int64) (*CoinSlot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+slotColumns+" FROM coin_slots WHERE slot_number = ?", slotNumber)
	sl, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.Newf("slot %d not found", slotNumber), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read slot")
	}
	return sl, nil
}

// GetSlotForUpdate locks a slot row within an already-open transaction,
// relying on SQLite's single-writer lock to linearize claim attempts.
func GetSlotForUpdate(ctx context.Context, tx *sql.Tx, slotNumber int64) (*CoinSlot, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+slotColumns+" FROM coin_slots WHERE slot_number = ?", slotNumber)
	sl, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.Newf("slot %d not found", slotNumber), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read slot")
	}
	return sl, nil
}

// ClaimSlotTx marks a slot claimed within tx. Caller must have already
// verified the slot is available.
func ClaimSlotTx(ctx context.Context, tx *sql.Tx, slotNumber int64, ip, mac, token string, expiresAt time.Time) error {
	now := time.Now()
	_, err := tx.ExecContext(ctx,
		`UPDATE coin_slots SET status = ?, claimed_by_ip = ?, claimed_by_mac = ?,
		 claimed_by_session_token = ?, claimed_at = ?, expires_at = ? WHERE slot_number = ?`,
		SlotClaimed, ip, mac, token, now, expiresAt, slotNumber,
	)
	if err != nil {
		return errors.Wrap(err, "failed to claim slot")
	}
	return nil
}

// ReleaseSlotTx marks a slot available within tx.
func ReleaseSlotTx(ctx context.Context, tx *sql.Tx, slotNumber int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE coin_slots SET status = ?, claimed_by_ip = NULL, claimed_by_mac = NULL,
		 claimed_by_session_token = NULL, claimed_at = NULL, expires_at = NULL WHERE slot_number = ?`,
		SlotAvailable, slotNumber,
	)
	if err != nil {
		return errors.Wrap(err, "failed to release slot")
	}
	return nil
}

// ListExpiredSlots returns claimed slots whose lease has elapsed.
func (s *Store) ListExpiredSlots(ctx context.Context, now time.Time) ([]*CoinSlot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+slotColumns+" FROM coin_slots WHERE status = ? AND expires_at < ?",
		SlotClaimed, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired slots")
	}
	defer rows.Close()

	var out []*CoinSlot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan slot row")
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

const queueColumns = `id, slot_id, client_ip, client_mac, session_token,
	coin_value, coin_count, total_value, status, created_at`

func scanQueueEntry(row interface {
	Scan(...interface{}) error
}) (*CoinQueueEntry, error) {
	e := &CoinQueueEntry{}
	var slotID sql.NullInt64
	var ip, mac sql.NullString

	err := row.Scan(&e.ID, &slotID, &ip, &mac, &e.SessionToken,
		&e.CoinValue, &e.CoinCount, &e.TotalValue, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if slotID.Valid {
		e.SlotID = &slotID.Int64
	}
	e.ClientIP = ip.String
	e.ClientMAC = mac.String
	return e, nil
}

// AppendQueueEntryTx appends a coin queue entry within tx.
func AppendQueueEntryTx(ctx context.Context, tx *sql.Tx, slotNumber int64, ip, mac, token string, coinValue float64, coinCount int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO coin_queues (slot_id, client_ip, client_mac, session_token, coin_value, coin_count, total_value, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slotNumber, ip, mac, token, coinValue, coinCount, coinValue*float64(coinCount), QueueQueued, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to append coin queue entry")
	}
	return nil
}

// AppendChangeEntryTx appends a slot-less queue entry representing
// change returned from a redeem, so it can be reclaimed by the next
// purchase.
func AppendChangeEntryTx(ctx context.Context, tx *sql.Tx, ip, mac, token string, amount float64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO coin_queues (slot_id, client_ip, client_mac, session_token, coin_value, coin_count, total_value, status, created_at)
		 VALUES (NULL, ?, ?, ?, ?, 1, ?, ?, ?)`,
		ip, mac, token, amount, amount, QueueQueued, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to append change entry")
	}
	return nil
}

// QueueEntriesForIdentityTx returns queued entries matching any of
// ip/mac/token within tx, for use in claim/redeem logic that needs a
// consistent read before mutating.
func QueueEntriesForIdentityTx(ctx context.Context, tx *sql.Tx, ip, mac, token string) ([]*CoinQueueEntry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM coin_queues
		 WHERE status = ? AND (client_ip = ? OR client_mac = ? OR session_token = ?)
		 ORDER BY created_at ASC`,
		QueueQueued, ip, mac, token,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read queue entries")
	}
	defer rows.Close()

	var out []*CoinQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan queue entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReassignQueueEntriesToSlotTx re-associates a client's preserved
// (slot_id IS NULL) queue entries to a freshly claimed slot.
func ReassignQueueEntriesToSlotTx(ctx context.Context, tx *sql.Tx, slotNumber int64, ip, mac, token string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE coin_queues SET slot_id = ? WHERE slot_id IS NULL AND status = ?
		 AND (client_ip = ? OR client_mac = ? OR session_token = ?)`,
		slotNumber, QueueQueued, ip, mac, token,
	)
	if err != nil {
		return errors.Wrap(err, "failed to reassign queue entries")
	}
	return nil
}

// PreserveQueueEntriesTx nulls out slot_id for a client's queued
// entries on slot release, and stamps the client identifiers so the
// entries remain findable without a slot.
func PreserveQueueEntriesTx(ctx context.Context, tx *sql.Tx, slotNumber int64, ip, mac, token string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE coin_queues SET slot_id = NULL, client_ip = ?, client_mac = ?, session_token = ?
		 WHERE slot_id = ? AND status = ?`,
		ip, mac, token, slotNumber, QueueQueued,
	)
	if err != nil {
		return errors.Wrap(err, "failed to preserve queue entries")
	}
	return nil
}

// RedeemQueueEntriesTx marks a set of queue entries redeemed by ID.
func RedeemQueueEntriesTx(ctx context.Context, tx *sql.Tx, ids []int64) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "UPDATE coin_queues SET status = ? WHERE id = ?", QueueRedeemed, id); err != nil {
			return errors.Wrap(err, "failed to redeem queue entry")
		}
	}
	return nil
}

// ExpireStaleQueueEntries moves queued entries older than maxAge to
// expired. This is the only path by which a paid coin loses value.
func (s *Store) ExpireStaleQueueEntries(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		"UPDATE coin_queues SET status = ? WHERE status = ? AND created_at < ?",
		QueueExpired, QueueQueued, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to expire stale queue entries")
	}
	return res.RowsAffected()
}

// RecordCoinAttempt logs an abuse-protection attempt for (ip, mac).
func (s *Store) RecordCoinAttempt(ctx context.Context, ip, mac string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO coin_attempts (ip_address, mac_address, attempted_at) VALUES (?, ?, ?)",
		ip, mac, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to record coin attempt")
	}
	return nil
}

// CountRecentAttempts counts attempts for (ip, mac) within the window.
func (s *Store) CountRecentAttempts(ctx context.Context, ip, mac string, window time.Duration) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM coin_attempts WHERE ip_address = ? AND mac_address = ? AND attempted_at > ?",
		ip, mac, time.Now().Add(-window),
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count coin attempts")
	}
	return count, nil
}
