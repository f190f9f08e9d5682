package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/coinwifi/gateway/errors"
)

func scanClient(row interface {
	Scan(...interface{}) error
}) (*Client, error) {
	c := &Client{}
	var lastIP, fos, fbrowser, fua sql.NullString
	var pausedUntil sql.NullTime

	err := row.Scan(
		&c.ID, &c.MACAddress, &lastIP, &c.SessionToken,
		&fos, &fbrowser, &fua,
		&c.Status, &c.TimeRemaining, &c.TotalAmountPaid,
		&c.UploadLimit, &c.DownloadLimit,
		&c.CreatedAt, &c.LastSeen, &pausedUntil, &c.IsWhitelisted,
	)
	if err != nil {
		return nil, err
	}
	c.LastIP = lastIP.String
	c.FingerprintOS = fos.String
	c.FingerprintBrowser = fbrowser.String
	c.FingerprintUserAgent = fua.String
	if pausedUntil.Valid {
		c.PausedUntil = &pausedUntil.Time
	}
	return c, nil
}

const clientColumns = `id, mac_address, last_ip, session_token,
	fingerprint_os, fingerprint_browser, fingerprint_user_agent,
	status, time_remaining, total_amount_paid,
	upload_limit, download_limit, created_at, last_seen, paused_until,
	is_whitelisted`

// CreateClient inserts a new client, minted with MAC = "Unknown" when
// the hardware address could not be resolved.
func (s *Store) CreateClient(ctx context.Context, mac, sessionToken string) (*Client, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (mac_address, session_token, status, time_remaining, created_at, last_seen)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		mac, sessionToken, ClientDisconnected, now, now,
	)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "failed to create client"), errors.KindConflict)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read new client id")
	}
	return s.GetClientByID(ctx, id)
}

// GetClientByID returns a client by primary key, or a NotFound error.
func (s *Store) GetClientByID(ctx context.Context, id int64) (*Client, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+clientColumns+" FROM clients WHERE id = ?", id)
	c, err := scanClient(row)
	if isNoRows(err) {
		return nil, errors.WithKind(errors.Newf("client %d not found", id), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get client")
	}
	return c, nil
}

// GetClientByMAC returns a client by MAC address. MAC = "Unknown" is
// never a valid lookup key since many clients share it; callers must
// use GetClientByToken instead for those.
func (s *Store) GetClientByMAC(ctx context.Context, mac string) (*Client, error) {
	if mac == "" || mac == UnknownMAC {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+clientColumns+" FROM clients WHERE mac_address = ?", mac)
	c, err := scanClient(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get client by mac")
	}
	return c, nil
}

// GetClientByToken returns a client by its stable session token.
func (s *Store) GetClientByToken(ctx context.Context, token string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+clientColumns+" FROM clients WHERE session_token = ?", token)
	c, err := scanClient(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get client by token")
	}
	return c, nil
}

// ListClients returns every client, most recently seen first.
func (s *Store) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+clientColumns+" FROM clients ORDER BY last_seen DESC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list clients")
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan client row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateClientIdentity records the latest observed IP/fingerprint for
// a client, called on every identity-resolved request.
func (s *Store) UpdateClientIdentity(ctx context.Context, id int64, ip, fos, fbrowser, fua string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clients SET last_ip = ?, fingerprint_os = ?, fingerprint_browser = ?,
		 fingerprint_user_agent = ?, last_seen = ? WHERE id = ?`,
		ip, fos, fbrowser, fua, time.Now(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update client identity")
	}
	return nil
}

// SetClientStatus transitions status without touching time_remaining.
func (s *Store) SetClientStatus(ctx context.Context, id int64, status ClientStatus) error {
	_, err := s.db.ExecContext(ctx, "UPDATE clients SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return errors.Wrap(err, "failed to set client status")
	}
	return nil
}

// GetClientByIDTx is GetClientByID scoped to an in-flight transaction,
// for the session engine's multi-step state transitions.
func GetClientByIDTx(ctx context.Context, tx *sql.Tx, id int64) (*Client, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+clientColumns+" FROM clients WHERE id = ?", id)
	c, err := scanClient(row)
	if isNoRows(err) {
		return nil, errors.WithKind(errors.Newf("client %d not found", id), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get client")
	}
	return c, nil
}

// SetClientStatusTx is SetClientStatus scoped to an in-flight transaction.
func SetClientStatusTx(ctx context.Context, tx *sql.Tx, id int64, status ClientStatus) error {
	_, err := tx.ExecContext(ctx, "UPDATE clients SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return errors.Wrap(err, "failed to set client status")
	}
	return nil
}

// SetClientTimeRemainingTx overwrites time_remaining directly, used by
// disconnect paths that zero a client's balance rather than credit it.
func SetClientTimeRemainingTx(ctx context.Context, tx *sql.Tx, id int64, remaining int64) error {
	_, err := tx.ExecContext(ctx, "UPDATE clients SET time_remaining = ? WHERE id = ?", remaining, id)
	if err != nil {
		return errors.Wrap(err, "failed to set client time remaining")
	}
	return nil
}

// SetClientPausedTx moves a client to PAUSED and records when it
// should auto-resume (nil means no auto-resume is scheduled).
func SetClientPausedTx(ctx context.Context, tx *sql.Tx, id int64, resumeAt *time.Time) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE clients SET status = ?, paused_until = ? WHERE id = ?",
		ClientPaused, resumeAt, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to pause client")
	}
	return nil
}

// SetClientWhitelistedTx sets or clears a client's whitelisted flag.
// Whitelisting also forces status to CONNECTED; clearing it leaves
// status untouched, since the caller (Disconnect/Block) is
// responsible for the status transition that follows.
func SetClientWhitelistedTx(ctx context.Context, tx *sql.Tx, id int64, whitelisted bool) error {
	if whitelisted {
		_, err := tx.ExecContext(ctx,
			"UPDATE clients SET is_whitelisted = 1, status = ? WHERE id = ?",
			ClientConnected, id,
		)
		if err != nil {
			return errors.Wrap(err, "failed to whitelist client")
		}
		return nil
	}
	_, err := tx.ExecContext(ctx, "UPDATE clients SET is_whitelisted = 0 WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "failed to clear client whitelist flag")
	}
	return nil
}

// CreditTimeTx is CreditTime scoped to an in-flight transaction.
func CreditTimeTx(ctx context.Context, tx *sql.Tx, id int64, delta int64, paidAmount float64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE clients SET time_remaining = time_remaining + ?, status = ?,
		 total_amount_paid = total_amount_paid + ?, last_seen = ? WHERE id = ?`,
		delta, ClientConnected, paidAmount, time.Now(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to credit client time")
	}
	return nil
}

// CreditTime adds delta seconds to time_remaining and sets status to
// CONNECTED. delta may be negative; the schema
// CHECK(time_remaining >= 0) prevents a miscounted caller from driving
// it negative.
func (s *Store) CreditTime(ctx context.Context, id int64, delta int64, paidAmount float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clients SET time_remaining = time_remaining + ?, status = ?,
		 total_amount_paid = total_amount_paid + ?, last_seen = ? WHERE id = ?`,
		delta, ClientConnected, paidAmount, time.Now(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to credit client time")
	}
	return nil
}

// TickDecrement decrements time_remaining by one second for every
// currently CONNECTED, non-whitelisted client.
func (s *Store) TickDecrement(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clients SET time_remaining = time_remaining - 1, last_seen = ?
		 WHERE status = ? AND time_remaining > 0 AND is_whitelisted = 0`,
		time.Now(), ClientConnected,
	)
	if err != nil {
		return errors.Wrap(err, "failed to decrement client time")
	}
	return nil
}

// TickDecrementTx is TickDecrement scoped to an in-flight transaction.
func TickDecrementTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE clients SET time_remaining = time_remaining - 1, last_seen = ?
		 WHERE status = ? AND time_remaining > 0 AND is_whitelisted = 0`,
		time.Now(), ClientConnected,
	)
	if err != nil {
		return errors.Wrap(err, "failed to decrement client time")
	}
	return nil
}

func scanClientRows(rows *sql.Rows) ([]*Client, error) {
	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan client row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListExpiredTx returns CONNECTED, non-whitelisted clients whose time
// has run out, for the tick's disconnect pass.
func ListExpiredTx(ctx context.Context, tx *sql.Tx) ([]*Client, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE status = ? AND time_remaining <= 0 AND is_whitelisted = 0",
		ClientConnected,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired clients")
	}
	defer rows.Close()
	return scanClientRows(rows)
}

// ListDueForAutoPauseTx returns CONNECTED, non-whitelisted clients
// idle past the given cutoff, for the auto-pause sweep.
func ListDueForAutoPauseTx(ctx context.Context, tx *sql.Tx, cutoff time.Time) ([]*Client, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE status = ? AND time_remaining > 0 AND last_seen < ? AND is_whitelisted = 0",
		ClientConnected, cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list auto-pause candidates")
	}
	defer rows.Close()
	return scanClientRows(rows)
}

// ListDueForAutoResumeTx returns PAUSED clients whose paused_until has
// elapsed. Whitelisted clients are never PAUSED by the tick, so no
// exclusion is needed here, but SetClientWhitelistedTx never pauses
// one either way.
func ListDueForAutoResumeTx(ctx context.Context, tx *sql.Tx, now time.Time) ([]*Client, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE status = ? AND paused_until IS NOT NULL AND paused_until <= ?",
		ClientPaused, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list auto-resume candidates")
	}
	defer rows.Close()
	return scanClientRows(rows)
}

// ListStaleDisconnected returns disconnected, zero-balance clients
// eligible for the periodic cleanup pass.
func (s *Store) ListStaleDisconnected(ctx context.Context, olderThan time.Time) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM clients WHERE status = ? AND time_remaining = 0 AND last_seen < ?",
		ClientDisconnected, olderThan,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale clients")
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan client row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteClient removes a client and cascades to its sessions and
// transactions.
func (s *Store) DeleteClient(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM clients WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "failed to delete client")
	}
	return nil
}

// SetBandwidthLimits updates a client's per-client shaping limits.
func (s *Store) SetBandwidthLimits(ctx context.Context, id int64, uploadKbps, downloadKbps int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE clients SET upload_limit = ?, download_limit = ? WHERE id = ?",
		uploadKbps, downloadKbps, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to set bandwidth limits")
	}
	return nil
}
