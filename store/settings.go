package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/coinwifi/gateway/errors"
)

// GetPortalSettings returns the singleton portal settings row.
func (s *Store) GetPortalSettings(ctx context.Context) (*PortalSettings, error) {
	p := &PortalSettings{}
	err := s.db.QueryRowContext(ctx,
		`SELECT coin_timeout, auto_pause_on_disconnect, auto_resume_on_pause, pause_resume_minutes,
		 coin_abuse_protection, coin_attempt_limit, coin_attempt_window, coin_block_duration
		 FROM portal_settings WHERE id = 1`,
	).Scan(&p.CoinTimeout, &p.AutoPauseOnDisconnect, &p.AutoResumeOnPause, &p.PauseResumeMinutes,
		&p.CoinAbuseProtection, &p.CoinAttemptLimit, &p.CoinAttemptWindow, &p.CoinBlockDuration)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("portal settings not initialized"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get portal settings")
	}
	return p, nil
}

// SeedPortalSettings inserts the singleton row on first boot from
// resolved configuration. No-op if already present.
func (s *Store) SeedPortalSettings(ctx context.Context, p *PortalSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO portal_settings (id, coin_timeout, auto_pause_on_disconnect, auto_resume_on_pause,
		 pause_resume_minutes, coin_abuse_protection, coin_attempt_limit, coin_attempt_window, coin_block_duration)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		p.CoinTimeout, p.AutoPauseOnDisconnect, p.AutoResumeOnPause, p.PauseResumeMinutes,
		p.CoinAbuseProtection, p.CoinAttemptLimit, p.CoinAttemptWindow, p.CoinBlockDuration,
	)
	if err != nil {
		return errors.Wrap(err, "failed to seed portal settings")
	}
	return nil
}

// UpdatePortalSettings replaces the singleton row.
func (s *Store) UpdatePortalSettings(ctx context.Context, p *PortalSettings) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE portal_settings SET coin_timeout = ?, auto_pause_on_disconnect = ?, auto_resume_on_pause = ?,
		 pause_resume_minutes = ?, coin_abuse_protection = ?, coin_attempt_limit = ?,
		 coin_attempt_window = ?, coin_block_duration = ? WHERE id = 1`,
		p.CoinTimeout, p.AutoPauseOnDisconnect, p.AutoResumeOnPause, p.PauseResumeMinutes,
		p.CoinAbuseProtection, p.CoinAttemptLimit, p.CoinAttemptWindow, p.CoinBlockDuration,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update portal settings")
	}
	return nil
}

// GetNetworkConfig returns the singleton network configuration row.
func (s *Store) GetNetworkConfig(ctx context.Context) (*NetworkConfig, error) {
	n := &NetworkConfig{}
	var dhcpRange, gatewayIP, wanParams sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT lan_interface, dhcp_range, gateway_ip, wan_mode, wan_params, bandwidth_enabled,
		 bandwidth_download_limit, bandwidth_upload_limit, per_client_bandwidth_enabled,
		 per_client_download_limit, per_client_upload_limit FROM network_config WHERE id = 1`,
	).Scan(&n.LANInterface, &dhcpRange, &gatewayIP, &n.WANMode, &wanParams, &n.BandwidthEnabled,
		&n.BandwidthDownloadLimit, &n.BandwidthUploadLimit, &n.PerClientBandwidthEnabled,
		&n.PerClientDownloadLimit, &n.PerClientUploadLimit)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("network config not initialized"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get network config")
	}
	n.DHCPRange = dhcpRange.String
	n.GatewayIP = gatewayIP.String
	n.WANParams = wanParams.String
	return n, nil
}

// SeedNetworkConfig inserts the singleton row on first boot. No-op if
// already present.
func (s *Store) SeedNetworkConfig(ctx context.Context, n *NetworkConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO network_config (id, lan_interface, wan_mode, bandwidth_enabled,
		 bandwidth_download_limit, bandwidth_upload_limit, per_client_bandwidth_enabled,
		 per_client_download_limit, per_client_upload_limit)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		n.LANInterface, n.WANMode, n.BandwidthEnabled, n.BandwidthDownloadLimit, n.BandwidthUploadLimit,
		n.PerClientBandwidthEnabled, n.PerClientDownloadLimit, n.PerClientUploadLimit,
	)
	if err != nil {
		return errors.Wrap(err, "failed to seed network config")
	}
	return nil
}

// UpdateNetworkConfig replaces the singleton row's bandwidth fields,
// the subset the Admin API's bandwidth settings endpoint mutates.
func (s *Store) UpdateNetworkConfig(ctx context.Context, n *NetworkConfig) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE network_config SET bandwidth_enabled = ?, bandwidth_download_limit = ?,
		 bandwidth_upload_limit = ?, per_client_bandwidth_enabled = ?, per_client_download_limit = ?,
		 per_client_upload_limit = ? WHERE id = 1`,
		n.BandwidthEnabled, n.BandwidthDownloadLimit, n.BandwidthUploadLimit,
		n.PerClientBandwidthEnabled, n.PerClientDownloadLimit, n.PerClientUploadLimit,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update network config")
	}
	return nil
}

// RecordNetworkSettingsSnapshot appends an audit row capturing what
// PISOWIFI_INTERFACE/ENABLE_DNS_INTERCEPTOR resolved to at this boot.
func (s *Store) RecordNetworkSettingsSnapshot(ctx context.Context, lanInterface string, dnsInterceptor bool) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO network_settings (lan_interface, enable_dns_interceptor, recorded_at) VALUES (?, ?, ?)",
		lanInterface, dnsInterceptor, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to record network settings snapshot")
	}
	return nil
}

// AppendSystemLog appends an audit row. Used by the Admin API for
// every mutating action and by the Session Engine for state
// transitions, so an operator can reconstruct who disconnected whom.
func (s *Store) AppendSystemLog(ctx context.Context, level, actor, message, details string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO system_logs (level, actor, message, details, created_at) VALUES (?, ?, ?, ?, ?)",
		level, actor, message, details, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to append system log")
	}
	return nil
}

// ListSystemLogs returns the most recent audit rows, newest first,
// bounded by limit.
func (s *Store) ListSystemLogs(ctx context.Context, limit int) ([]*SystemLog, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, level, actor, message, details, created_at FROM system_logs ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list system logs")
	}
	defer rows.Close()

	var out []*SystemLog
	for rows.Next() {
		l := &SystemLog{}
		var actor, details sql.NullString
		if err := rows.Scan(&l.ID, &l.Level, &actor, &l.Message, &details, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan system log row")
		}
		l.Actor = actor.String
		l.Details = details.String
		out = append(out, l)
	}
	return out, rows.Err()
}
