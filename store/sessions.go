package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/coinwifi/gateway/errors"
)

const sessionColumns = `id, client_id, mac_address, ip_address, session_token,
	granted_duration, status, started_at, ended_at`

func scanSession(row interface {
	Scan(...interface{}) error
}) (*Session, error) {
	sess := &Session{}
	var ip sql.NullString
	var ended sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.ClientID, &sess.MACAddress, &ip, &sess.SessionToken,
		&sess.GrantedDuration, &sess.Status, &sess.StartedAt, &ended,
	)
	if err != nil {
		return nil, err
	}
	sess.IPAddress = ip.String
	if ended.Valid {
		sess.EndedAt = &ended.Time
	}
	return sess, nil
}

// StartSession opens a new ACTIVE session for a client. The partial
// unique index on sessions(client_id) WHERE status='ACTIVE' enforces
// at most one concurrently; a second call for the same client while
// one is active returns a Conflict.
func (s *Store) StartSession(ctx context.Context, clientID int64, mac, ip, token string, grantedDuration int64) (*Session, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (client_id, mac_address, ip_address, session_token, granted_duration, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clientID, mac, ip, token, grantedDuration, SessionActive, time.Now(),
	)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "failed to start session"), errors.KindConflict)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read new session id")
	}
	return s.GetSessionByID(ctx, id)
}

// GetSessionByID returns a session by primary key.
func (s *Store) GetSessionByID(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if isNoRows(err) {
		return nil, errors.WithKind(errors.Newf("session %d not found", id), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session")
	}
	return sess, nil
}

// GetActiveSession returns the ACTIVE session for a client, or
// (nil, nil) if none exists.
func (s *Store) GetActiveSession(ctx context.Context, clientID int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE client_id = ? AND status = ?",
		clientID, SessionActive,
	)
	sess, err := scanSession(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active session")
	}
	return sess, nil
}

// ExtendActiveSession adds duration to an already-active session's
// granted_duration, used when a connected client buys more time
// without an intervening disconnect.
func (s *Store) ExtendActiveSession(ctx context.Context, id int64, extraDuration int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET granted_duration = granted_duration + ? WHERE id = ?",
		extraDuration, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to extend session")
	}
	return nil
}

// EndSession closes an ACTIVE session.
func (s *Store) EndSession(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?",
		SessionEnded, time.Now(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to end session")
	}
	return nil
}

// StartSessionTx is StartSession scoped to an in-flight transaction.
func StartSessionTx(ctx context.Context, tx *sql.Tx, clientID int64, mac, ip, token string, grantedDuration int64) (*Session, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (client_id, mac_address, ip_address, session_token, granted_duration, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clientID, mac, ip, token, grantedDuration, SessionActive, time.Now(),
	)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "failed to start session"), errors.KindConflict)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read new session id")
	}
	row := tx.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	return scanSession(row)
}

// GetActiveSessionTx is GetActiveSession scoped to an in-flight transaction.
func GetActiveSessionTx(ctx context.Context, tx *sql.Tx, clientID int64) (*Session, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE client_id = ? AND status = ?",
		clientID, SessionActive,
	)
	sess, err := scanSession(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active session")
	}
	return sess, nil
}

// ExtendActiveSessionTx is ExtendActiveSession scoped to an in-flight transaction.
func ExtendActiveSessionTx(ctx context.Context, tx *sql.Tx, id int64, extraDuration int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE sessions SET granted_duration = granted_duration + ? WHERE id = ?",
		extraDuration, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to extend session")
	}
	return nil
}

// EndSessionTx is EndSession scoped to an in-flight transaction.
func EndSessionTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?",
		SessionEnded, time.Now(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to end session")
	}
	return nil
}

// ListSessionsByClient returns a client's session history, most
// recent first.
func (s *Store) ListSessionsByClient(ctx context.Context, clientID int64) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE client_id = ? ORDER BY started_at DESC",
		clientID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan session row")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
