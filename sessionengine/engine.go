// Package sessionengine owns the per-client lifecycle state machine:
// authenticate, disconnect, pause, resume, block, whitelist, plus the
// 1 Hz tick that advances time_remaining and reconciles expired
// clients. It is the only component that mutates Client.status,
// Client.time_remaining, Client.paused_until, and Session rows.
//
// Firewall and shaper side effects are always dispatched after the
// owning database transaction commits: the database is truth, and a
// kernel call that fails is reconciled on a later tick rather than
// rolled back into the client's paid-for balance.
package sessionengine

import (
	"context"
	"database/sql"
	"time"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/eventbus"
	"github.com/coinwifi/gateway/firewall"
	"github.com/coinwifi/gateway/logger"
	"github.com/coinwifi/gateway/shaper"
	"github.com/coinwifi/gateway/store"
	"github.com/coinwifi/gateway/ttldetector"
)

const (
	autoPauseIdleAfter  = 30 * time.Second
	staleCleanupEvery   = 30 * time.Second
	staleCleanupMinIdle = 5 * time.Minute
)

// NeighborTable reports whether a MAC is currently present on the LAN,
// used by the stale-client cleanup pass to avoid deleting a device
// that is merely between sessions.
type NeighborTable interface {
	Present(mac string) bool
}

// Engine drives client state transitions and the 1 Hz tick.
type Engine struct {
	db       *sql.DB
	store    *store.Store
	firewall *firewall.Driver
	shaper   *shaper.Driver
	bus      *eventbus.Hub
	neighbors NeighborTable
	ttl      *ttldetector.Detector

	perClientBandwidth bool
}

// New builds an Engine. bus and neighbors may be nil; a nil bus
// disables event publication (used by tests exercising state
// transitions in isolation) and a nil neighbor table treats every MAC
// as absent, which only affects the stale-cleanup pass.
func New(db *sql.DB, s *store.Store, fw *firewall.Driver, sh *shaper.Driver, bus *eventbus.Hub, neighbors NeighborTable) *Engine {
	return &Engine{db: db, store: s, firewall: fw, shaper: sh, bus: bus, neighbors: neighbors}
}

// SetTTLDetector wires the TTL sharing detector so every new session
// resets any stale baseline left over from a prior connection.
func (e *Engine) SetTTLDetector(d *ttldetector.Detector) {
	e.ttl = d
}

// ConfigurePerClientBandwidth toggles whether authenticate/resume push
// per-client shaping limits, mirroring NetworkConfig.PerClientBandwidthEnabled.
func (e *Engine) ConfigurePerClientBandwidth(enabled bool) {
	e.perClientBandwidth = enabled
}

func (e *Engine) publish(evType eventbus.EventType, payload interface{}) {
	if e.bus != nil {
		e.bus.Publish(evType, payload)
	}
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
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func (e *Engine) grant(mac string) {
	if e.firewall == nil {
		return
	}
	if err := e.firewall.Grant(mac); err != nil {
		logger.FirewallErrorw("failed to grant forwarding after state transition", "mac_address", mac, "error", err.Error())
	}
}

func (e *Engine) revoke(mac string) {
	if e.firewall == nil {
		return
	}
	if err := e.firewall.Revoke(mac); err != nil {
		logger.FirewallErrorw("failed to revoke forwarding after state transition", "mac_address", mac, "error", err.Error())
	}
}

func (e *Engine) setClientShaping(ctx context.Context, ip string, downloadKbps, uploadKbps int64) {
	if e.shaper == nil || !e.perClientBandwidth {
		return
	}
	if err := e.shaper.SetClient(ctx, ip, downloadKbps, uploadKbps); err != nil {
		logger.Warnw("failed to set per-client shaping after state transition", "ip_address", ip, "error", err.Error())
	}
}

func (e *Engine) clearClientShaping(ctx context.Context, ip string) {
	if e.shaper == nil {
		return
	}
	if err := e.shaper.ClearClient(ctx, ip); err != nil {
		logger.Warnw("failed to clear per-client shaping after state transition", "ip_address", ip, "error", err.Error())
	}
}

// Authenticate grants a client duration seconds of connectivity,
// starting or extending its ACTIVE session, and records the purchase
// as a Transaction. Valid from UNAUTH (no prior client row is not this
// function's concern, callers create the Client row first), DISCONNECTED,
// or PAUSED.
func (e *Engine) Authenticate(ctx context.Context, clientID int64, duration int64, amountPaid float64, coinsUsed int64, rateID *int64, paymentMethod store.PaymentMethod) (*store.Client, error) {
	var client *store.Client
	newSession := false
	err := withTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		client, err = store.GetClientByIDTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		if client.Status == store.ClientBlocked {
			return errors.WithKind(errors.Newf("client %d is blocked", clientID), errors.KindForbidden)
		}

		if err := store.CreditTimeTx(ctx, tx, clientID, duration, amountPaid); err != nil {
			return err
		}

		active, err := store.GetActiveSessionTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		var sessionID int64
		if active != nil {
			if err := store.ExtendActiveSessionTx(ctx, tx, active.ID, duration); err != nil {
				return err
			}
			sessionID = active.ID
		} else {
			sess, err := store.StartSessionTx(ctx, tx, clientID, client.MACAddress, client.LastIP, client.SessionToken, duration)
			if err != nil {
				return err
			}
			sessionID = sess.ID
			newSession = true
		}

		return store.RecordTransactionTx(ctx, tx, clientID, &sessionID, rateID, amountPaid, coinsUsed, paymentMethod)
	})
	if err != nil {
		return nil, err
	}

	if newSession && e.ttl != nil {
		if err := e.ttl.ResetBaseline(ctx, client.MACAddress); err != nil {
			logger.TTLWarnw("failed to reset ttl baseline on new session", "mac_address", client.MACAddress, "error", err.Error())
		}
	}

	e.grant(client.MACAddress)
	e.setClientShaping(ctx, client.LastIP, client.DownloadLimit, client.UploadLimit)
	e.publish(eventbus.EventClientConnected, map[string]interface{}{
		"client_id": clientID, "mac_address": client.MACAddress, "duration": duration,
	})

	return e.store.GetClientByID(ctx, clientID)
}

// Disconnect ends a client's session immediately, zeroing its
// remaining time. Used by admin-initiated disconnects; the tick
// expires clients separately in tickExpire.
func (e *Engine) Disconnect(ctx context.Context, clientID int64, reason string) error {
	var client *store.Client
	err := withTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		client, err = store.GetClientByIDTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		if err := store.SetClientTimeRemainingTx(ctx, tx, clientID, 0); err != nil {
			return err
		}
		if err := store.SetClientStatusTx(ctx, tx, clientID, store.ClientDisconnected); err != nil {
			return err
		}
		if client.IsWhitelisted {
			if err := store.SetClientWhitelistedTx(ctx, tx, clientID, false); err != nil {
				return err
			}
		}
		active, err := store.GetActiveSessionTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		if active != nil {
			if err := store.EndSessionTx(ctx, tx, active.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.revoke(client.MACAddress)
	e.clearClientShaping(ctx, client.LastIP)
	e.publish(eventbus.EventClientDisconnected, map[string]interface{}{
		"client_id": clientID, "mac_address": client.MACAddress, "reason": reason,
	})
	return nil
}

// Pause moves a CONNECTED client to PAUSED without spending its
// remaining time. resumeAt is nil unless an auto-resume window applies.
func (e *Engine) Pause(ctx context.Context, clientID int64, resumeAt *time.Time) error {
	var client *store.Client
	err := withTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		client, err = store.GetClientByIDTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		return store.SetClientPausedTx(ctx, tx, clientID, resumeAt)
	})
	if err != nil {
		return err
	}

	e.revoke(client.MACAddress)
	e.publish(eventbus.EventClientPaused, map[string]interface{}{"client_id": clientID, "mac_address": client.MACAddress})
	return nil
}

// Resume moves a PAUSED client back to CONNECTED.
func (e *Engine) Resume(ctx context.Context, clientID int64) error {
	var client *store.Client
	err := withTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		client, err = store.GetClientByIDTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		return store.SetClientStatusTx(ctx, tx, clientID, store.ClientConnected)
	})
	if err != nil {
		return err
	}

	e.grant(client.MACAddress)
	e.setClientShaping(ctx, client.LastIP, client.DownloadLimit, client.UploadLimit)
	e.publish(eventbus.EventClientResumed, map[string]interface{}{"client_id": clientID, "mac_address": client.MACAddress})
	return nil
}

// Block permanently revokes a client and prevents further authenticate
// calls from succeeding.
func (e *Engine) Block(ctx context.Context, clientID int64) error {
	var client *store.Client
	err := withTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		client, err = store.GetClientByIDTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		active, err := store.GetActiveSessionTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		if active != nil {
			if err := store.EndSessionTx(ctx, tx, active.ID); err != nil {
				return err
			}
		}
		if client.IsWhitelisted {
			if err := store.SetClientWhitelistedTx(ctx, tx, clientID, false); err != nil {
				return err
			}
		}
		return store.SetClientStatusTx(ctx, tx, clientID, store.ClientBlocked)
	})
	if err != nil {
		return err
	}

	e.revoke(client.MACAddress)
	e.clearClientShaping(ctx, client.LastIP)
	e.publish(eventbus.EventClientBlocked, map[string]interface{}{"client_id": clientID, "mac_address": client.MACAddress})
	return nil
}

// Whitelist grants a client indefinite connectivity with no Session
// row and no time decrement; used for operator-trusted devices. The
// tick's decrement, auto-pause, and expiry passes all exclude
// whitelisted clients, so this status never self-reverts.
func (e *Engine) Whitelist(ctx context.Context, clientID int64) error {
	var client *store.Client
	err := withTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		client, err = store.GetClientByIDTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		return store.SetClientWhitelistedTx(ctx, tx, clientID, true)
	})
	if err != nil {
		return err
	}

	e.grant(client.MACAddress)
	e.publish(eventbus.EventClientConnected, map[string]interface{}{"client_id": clientID, "mac_address": client.MACAddress, "whitelisted": true})
	return nil
}
