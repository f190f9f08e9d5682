package sessionengine

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/eventbus"
	"github.com/coinwifi/gateway/internal/util"
	"github.com/coinwifi/gateway/logger"
	"github.com/coinwifi/gateway/store"
)

// tickResult carries the side effects a Tick pass must dispatch after
// its transaction commits, keeping the DB read/write window free of
// firewall and shaper calls.
type tickResult struct {
	pausedRevoke  []*store.Client
	expiredRevoke []*store.Client
	resumedGrant  []*store.Client
}

// Ticker drives Engine.Tick once a second, skipping an overlapping
// invocation rather than letting ticks pile up under load.
type Ticker struct {
	engine   *Engine
	interval time.Duration
	running  int32

	lastStaleCleanup time.Time
}

// NewTicker wraps an Engine with the 1 Hz scheduling loop. interval
// defaults to one second if zero; tests may substitute a shorter
// interval.
func NewTicker(e *Engine, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Ticker{engine: e, interval: interval}
}

// Run blocks, driving ticks until ctx is canceled.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&t.running, 0, 1) {
				logger.Debugw("session engine tick skipped, previous tick still running")
				continue
			}
			if err := t.engine.Tick(ctx, t); err != nil {
				logger.SessionWarnw("session engine tick failed", "error", err.Error())
			}
			atomic.StoreInt32(&t.running, 0)
		}
	}
}

// Tick runs one pass of the five ordered steps described in the
// session engine's tick contract: auto-pause, auto-resume, decrement,
// expire, and (every 30s) stale-client cleanup. All reads happen
// inside one transaction; firewall/shaper side effects are dispatched
// only after that transaction commits.
func (e *Engine) Tick(ctx context.Context, scheduler *Ticker) error {
	settings, err := e.store.GetPortalSettings(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load portal settings for tick")
	}

	var res tickResult
	now := time.Now()

	err = withTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := e.tickAutoPause(ctx, tx, settings, now, &res); err != nil {
			return err
		}
		if err := e.tickAutoResume(ctx, tx, settings, now, &res); err != nil {
			return err
		}
		if err := store.TickDecrementTx(ctx, tx); err != nil {
			return err
		}
		if err := e.tickExpire(ctx, tx, now, &res); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range res.pausedRevoke {
		e.revoke(c.MACAddress)
		e.publish(eventbus.EventClientPaused, map[string]interface{}{
			"client_id": c.ID, "mac_address": c.MACAddress, "reason": "idle_auto_pause",
		})
	}
	for _, c := range res.expiredRevoke {
		e.revoke(c.MACAddress)
		e.clearClientShaping(ctx, c.LastIP)
		e.publish(eventbus.EventClientDisconnected, map[string]interface{}{
			"client_id": c.ID, "mac_address": c.MACAddress, "reason": "time_expired",
		})
	}
	for _, c := range res.resumedGrant {
		e.grant(c.MACAddress)
		e.setClientShaping(ctx, c.LastIP, c.DownloadLimit, c.UploadLimit)
		e.publish(eventbus.EventClientResumed, map[string]interface{}{
			"client_id": c.ID, "mac_address": c.MACAddress,
		})
	}

	runCleanup := scheduler == nil || scheduler.lastStaleCleanup.IsZero() || now.Sub(scheduler.lastStaleCleanup) >= staleCleanupEvery
	if runCleanup {
		if scheduler != nil {
			scheduler.lastStaleCleanup = now
		}
		if err := e.cleanupStaleClients(ctx, now); err != nil {
			logger.SessionWarnw("stale client cleanup failed", "error", err.Error())
		}
	}

	return nil
}

func (e *Engine) tickAutoPause(ctx context.Context, tx *sql.Tx, settings *store.PortalSettings, now time.Time, res *tickResult) error {
	if !settings.AutoPauseOnDisconnect {
		return nil
	}
	cutoff := now.Add(-autoPauseIdleAfter)
	due, err := store.ListDueForAutoPauseTx(ctx, tx, cutoff)
	if err != nil {
		return err
	}
	for _, c := range due {
		var resumeAt *time.Time
		if settings.AutoResumeOnPause && settings.PauseResumeMinutes > 0 {
			resumeAt = util.Ptr(now.Add(time.Duration(settings.PauseResumeMinutes) * time.Minute))
		}
		if err := store.SetClientPausedTx(ctx, tx, c.ID, resumeAt); err != nil {
			return err
		}
		res.pausedRevoke = append(res.pausedRevoke, c)
	}
	return nil
}

func (e *Engine) tickAutoResume(ctx context.Context, tx *sql.Tx, settings *store.PortalSettings, now time.Time, res *tickResult) error {
	if !settings.AutoResumeOnPause {
		return nil
	}
	due, err := store.ListDueForAutoResumeTx(ctx, tx, now)
	if err != nil {
		return err
	}
	for _, c := range due {
		if err := store.SetClientStatusTx(ctx, tx, c.ID, store.ClientConnected); err != nil {
			return err
		}
		res.resumedGrant = append(res.resumedGrant, c)
	}
	return nil
}

func (e *Engine) tickExpire(ctx context.Context, tx *sql.Tx, now time.Time, res *tickResult) error {
	expired, err := store.ListExpiredTx(ctx, tx)
	if err != nil {
		return err
	}
	for _, c := range expired {
		if err := store.SetClientStatusTx(ctx, tx, c.ID, store.ClientDisconnected); err != nil {
			return err
		}
		active, err := store.GetActiveSessionTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if active != nil {
			if err := store.EndSessionTx(ctx, tx, active.ID); err != nil {
				return err
			}
		}
		res.expiredRevoke = append(res.expiredRevoke, c)
	}
	return nil
}

func (e *Engine) cleanupStaleClients(ctx context.Context, now time.Time) error {
	stale, err := e.store.ListStaleDisconnected(ctx, now.Add(-staleCleanupMinIdle))
	if err != nil {
		return err
	}
	for _, c := range stale {
		if e.neighbors != nil && e.neighbors.Present(c.MACAddress) {
			continue
		}
		if err := e.store.DeleteClient(ctx, c.ID); err != nil {
			logger.SessionWarnw("failed to delete stale client", "client_id", c.ID, "error", err.Error())
			continue
		}
		e.publish(eventbus.EventClientRemoved, map[string]interface{}{
			"client_id": c.ID, "mac_address": c.MACAddress,
		})
	}
	return nil
}
