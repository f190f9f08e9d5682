package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/coinwifi/gateway/errors"
)

// GetTTLBaseline returns the baseline for a MAC, or (nil, nil) if none
// has been established yet.
func (s *Store) GetTTLBaseline(ctx context.Context, mac string) (*TTLBaseline, error) {
	b := &TTLBaseline{}
	err := s.db.QueryRowContext(ctx,
		"SELECT client_mac, baseline_ttl, established_at, last_verified, confidence FROM ttl_baselines WHERE client_mac = ?",
		mac,
	).Scan(&b.ClientMAC, &b.BaselineTTL, &b.EstablishedAt, &b.LastVerified, &b.Confidence)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get ttl baseline")
	}
	return b, nil
}

// EstablishTTLBaseline inserts a fresh baseline for a MAC. Called once
// per MAC (first observed packet) or once per reconnect (baseline
// reset on new session).
func (s *Store) EstablishTTLBaseline(ctx context.Context, mac string, ttl int64) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ttl_baselines (client_mac, baseline_ttl, established_at, last_verified, confidence)
		 VALUES (?, ?, ?, ?, 0.8)
		 ON CONFLICT(client_mac) DO UPDATE SET baseline_ttl = excluded.baseline_ttl,
		   established_at = excluded.established_at, last_verified = excluded.last_verified, confidence = 0.8`,
		mac, ttl, now, now,
	)
	if err != nil {
		return errors.Wrap(err, "failed to establish ttl baseline")
	}
	return nil
}

// ClearTTLBaseline removes any stored baseline for a MAC. Called when
// a client starts a new session so a stale baseline from before a
// reconnect (e.g. one that predates an OS upgrade) does not get
// compared against; the next observed packet re-establishes a fresh
// baseline via EstablishTTLBaseline.
func (s *Store) ClearTTLBaseline(ctx context.Context, mac string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM ttl_baselines WHERE client_mac = ?", mac)
	if err != nil {
		return errors.Wrap(err, "failed to clear ttl baseline")
	}
	return nil
}

// TouchTTLBaseline updates last_verified without changing the
// baseline value itself.
func (s *Store) TouchTTLBaseline(ctx context.Context, mac string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE ttl_baselines SET last_verified = ? WHERE client_mac = ?", time.Now(), mac)
	if err != nil {
		return errors.Wrap(err, "failed to touch ttl baseline")
	}
	return nil
}

// AppendTTLAnomaly records an anomaly event.
func (s *Store) AppendTTLAnomaly(ctx context.Context, mac string, kind AnomalyType, details string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO ttl_anomalies (client_mac, anomaly_type, details, created_at) VALUES (?, ?, ?, ?)",
		mac, kind, details, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to append ttl anomaly")
	}
	return nil
}

// CountRecentAnomalies counts anomalies for a MAC within the given
// window, backing the rolling-window threshold check.
func (s *Store) CountRecentAnomalies(ctx context.Context, mac string, window time.Duration) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ttl_anomalies WHERE client_mac = ? AND created_at > ?",
		mac, time.Now().Add(-window),
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count ttl anomalies")
	}
	return count, nil
}

// UpsertTTLViolation creates or increments a violation record for a
// MAC, returning whether this call transitioned it from non-existent
// to pending (the edge on which a drop rule should be installed).
func (s *Store) UpsertTTLViolation(ctx context.Context, mac, severity string) (becameNew bool, err error) {
	existing, err := s.GetTTLViolation(ctx, mac)
	if err != nil {
		return false, err
	}
	now := time.Now()
	if existing == nil {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO ttl_violations (client_mac, status, violation_count, severity, created_at, updated_at)
			 VALUES (?, ?, 1, ?, ?, ?)`,
			mac, ViolationPending, severity, now, now,
		)
		if err != nil {
			return false, errors.Wrap(err, "failed to create ttl violation")
		}
		return true, nil
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE ttl_violations SET violation_count = violation_count + 1, severity = ?, updated_at = ? WHERE client_mac = ?",
		severity, now, mac,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to increment ttl violation")
	}
	return false, nil
}

// GetTTLViolation returns the violation record for a MAC, or (nil, nil).
func (s *Store) GetTTLViolation(ctx context.Context, mac string) (*TTLViolation, error) {
	v := &TTLViolation{}
	err := s.db.QueryRowContext(ctx,
		"SELECT client_mac, status, violation_count, severity, created_at, updated_at FROM ttl_violations WHERE client_mac = ?",
		mac,
	).Scan(&v.ClientMAC, &v.Status, &v.ViolationCount, &v.Severity, &v.CreatedAt, &v.UpdatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get ttl violation")
	}
	return v, nil
}

// ListPendingViolations returns all unresolved violations for the
// admin TTL view.
func (s *Store) ListPendingViolations(ctx context.Context) ([]*TTLViolation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT client_mac, status, violation_count, severity, created_at, updated_at FROM ttl_violations WHERE status = ? ORDER BY updated_at DESC",
		ViolationPending,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending violations")
	}
	defer rows.Close()

	var out []*TTLViolation
	for rows.Next() {
		v := &TTLViolation{}
		if err := rows.Scan(&v.ClientMAC, &v.Status, &v.ViolationCount, &v.Severity, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan violation row")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ResolveViolation marks a violation resolved, e.g. after an operator
// clears a false positive.
func (s *Store) ResolveViolation(ctx context.Context, mac string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE ttl_violations SET status = ?, updated_at = ? WHERE client_mac = ?",
		ViolationResolved, time.Now(), mac,
	)
	if err != nil {
		return errors.Wrap(err, "failed to resolve violation")
	}
	return nil
}

// GetTTLSettings returns the singleton TTL detector tuning row.
func (s *Store) GetTTLSettings(ctx context.Context) (*TTLSettings, error) {
	t := &TTLSettings{}
	err := s.db.QueryRowContext(ctx,
		"SELECT sensitivity, auto_block, alert_threshold FROM ttl_settings WHERE id = 1",
	).Scan(&t.Sensitivity, &t.AutoBlock, &t.AlertThreshold)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("ttl settings not initialized"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get ttl settings")
	}
	return t, nil
}
