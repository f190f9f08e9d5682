package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinwifi/gateway/adminapi"
	"github.com/coinwifi/gateway/auth"
	"github.com/coinwifi/gateway/coiningress"
	"github.com/coinwifi/gateway/config"
	"github.com/coinwifi/gateway/db"
	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/eventbus"
	"github.com/coinwifi/gateway/firewall"
	"github.com/coinwifi/gateway/identity"
	"github.com/coinwifi/gateway/logger"
	"github.com/coinwifi/gateway/portalapi"
	"github.com/coinwifi/gateway/sessionengine"
	"github.com/coinwifi/gateway/shaper"
	"github.com/coinwifi/gateway/slotmanager"
	"github.com/coinwifi/gateway/store"
	"github.com/coinwifi/gateway/ttldetector"
)

// ServeCmd starts the gateway's runtime: the session engine tick, the
// coin ingress bridge, the event bus and the HTTP API. The TTL
// detector is built without a packet source and its Run loop is not
// started; it is only handed to the session engine.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the gateway daemon",
	RunE:    runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := config.RequireProductionInvariants(cfg); err != nil {
		return err
	}

	conn, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer conn.Close()

	s := store.New(conn, logger.Logger)
	if err := seedSettings(s, cfg); err != nil {
		return err
	}
	if err := s.EnsureSlot(context.Background(), 1); err != nil {
		return errors.Wrap(err, "failed to seed coin slot")
	}

	neighbors := identity.NewARPTable(5 * time.Second)

	fw, err := firewall.New(firewall.Config{
		LANInterface:       cfg.Network.LANInterface,
		WANInterface:       "",
		PortalPort:         uint16(cfg.Server.Port),
		MaxNetlinkRetries:  3,
		RetryBackoff:       100 * time.Millisecond,
		FilterForwardPrio:  0,
		NATPreroutingPrio:  -100,
		NATPostroutingPrio: 100,
		MangleForwardPrio:  -150,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize firewall driver")
	}
	defer fw.Close()
	if err := fw.InstallPortalRedirect(); err != nil {
		logger.FirewallErrorw("failed to install portal redirect on boot", "error", err.Error())
	}

	var sh *shaper.Driver
	if cfg.Network.BandwidthEnabled {
		shaperCfg := shaper.DefaultConfig(cfg.Network.LANInterface)
		sh = shaper.New(shaperCfg, nil)
		if err := sh.SetGlobal(context.Background(), int64(cfg.Network.BandwidthDownloadKbps), int64(cfg.Network.BandwidthUploadKbps)); err != nil {
			logger.Warnw("failed to apply global bandwidth limits on boot", "error", err.Error())
		}
	}

	bus := eventbus.New(nil)
	stop := make(chan struct{})
	go bus.Run(stop)
	defer close(stop)

	engine := sessionengine.New(conn, s, fw, sh, bus, neighbors)
	engine.ConfigurePerClientBandwidth(cfg.Network.PerClientEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := sessionengine.NewTicker(engine, time.Second)
	go ticker.Run(ctx)

	var detector *ttldetector.Detector
	if ttlIface := cfg.ResolvedTTLInterface(); ttlIface != "" {
		ttlSettings, err := s.GetTTLSettings(context.Background())
		if err != nil {
			return errors.Wrap(err, "failed to load ttl settings")
		}
		detector = ttldetector.New(s, fw, nil, ttlSettings)
		logger.TTLInfow("ttl sharing detection configured without a packet source; wire a RawSocketSource in production", "interface", ttlIface)
	}
	if detector != nil {
		engine.SetTTLDetector(detector)
	}

	slots := slotmanager.New(s, slotmanager.DefaultClaimLease)
	slots.ConfigureAbuseProtection(
		cfg.Portal.CoinAbuseProtection,
		int64(cfg.Portal.CoinAttemptLimit),
		time.Duration(cfg.Portal.CoinAttemptWindowSecs)*time.Second,
		time.Duration(cfg.Portal.CoinBlockDurationSecs)*time.Second,
	)

	resolver := coiningress.NewStoreResolver(s)
	ingress := coiningress.New(coiningress.NewUnixDialer("/run/pisowifi/coin-bridge.sock"), slots, resolver, 1)
	go ingress.Run(ctx)

	authService, err := auth.NewService(conn, &cfg.Auth, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to initialize auth service")
	}
	authStore := auth.NewStore(conn)
	authHandlers := auth.NewHandlers(authService, authStore, logger.Logger)
	authMiddleware := auth.NewMiddleware(authService, authStore, logger.Logger)

	portal := portalapi.New(s, slots, engine, bus, neighbors)
	admin := adminapi.New(s, engine, detector, sh)

	mux := http.NewServeMux()
	portal.Register(mux)
	admin.Register(mux, authMiddleware.RequireAuth)
	mux.HandleFunc("/auth/login", authHandlers.HandleLogin)
	mux.HandleFunc("/auth/logout", authMiddleware.RequireAuth(authHandlers.HandleLogout))
	mux.HandleFunc("/auth/me", authMiddleware.RequireAuth(authHandlers.HandleMe))
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if err := bus.ServeWS(w, r); err != nil {
			logger.Warnw("event bus websocket closed", "error", err.Error())
		}
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: corsMiddleware(mux),
	}

	go func() {
		logger.Infow("gateway listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("http server failed", "error", err.Error())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infow("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func seedSettings(s *store.Store, cfg *config.Config) error {
	ctx := context.Background()
	if err := s.SeedPortalSettings(ctx, &store.PortalSettings{
		CoinTimeout:           int64(cfg.Portal.CoinTimeoutSeconds),
		AutoPauseOnDisconnect: cfg.Portal.AutoPauseOnDisconnect,
		AutoResumeOnPause:     cfg.Portal.AutoResumeOnPause,
		PauseResumeMinutes:    int64(cfg.Portal.PauseResumeMinutes),
		CoinAbuseProtection:   cfg.Portal.CoinAbuseProtection,
		CoinAttemptLimit:      int64(cfg.Portal.CoinAttemptLimit),
		CoinAttemptWindow:     int64(cfg.Portal.CoinAttemptWindowSecs),
		CoinBlockDuration:     int64(cfg.Portal.CoinBlockDurationSecs),
	}); err != nil {
		return errors.Wrap(err, "failed to seed portal settings")
	}
	if err := s.SeedNetworkConfig(ctx, &store.NetworkConfig{
		LANInterface:              cfg.Network.LANInterface,
		WANMode:                   cfg.Network.WANMode,
		BandwidthEnabled:          cfg.Network.BandwidthEnabled,
		BandwidthDownloadLimit:    int64(cfg.Network.BandwidthDownloadKbps),
		BandwidthUploadLimit:      int64(cfg.Network.BandwidthUploadKbps),
		PerClientBandwidthEnabled: cfg.Network.PerClientEnabled,
		PerClientDownloadLimit:    int64(cfg.Network.PerClientDownloadKbps),
		PerClientUploadLimit:      int64(cfg.Network.PerClientUploadKbps),
	}); err != nil {
		return errors.Wrap(err, "failed to seed network config")
	}
	return nil
}

// corsMiddleware allows the dashboard (served from a different origin
// during development) to call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
