package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/gatekeeper/internal/a2a"
	"github.com/example/gatekeeper/internal/admin"
	"github.com/example/gatekeeper/internal/apikey"
	"github.com/example/gatekeeper/internal/config"
	"github.com/example/gatekeeper/internal/gateway"
	"github.com/example/gatekeeper/internal/logging"
	"github.com/example/gatekeeper/internal/policy"
	"github.com/example/gatekeeper/internal/store"
	"github.com/example/gatekeeper/internal/tokenvault"
	"github.com/example/gatekeeper/internal/users"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

var (
	_ apikey.Store = (store.DB)(nil)
	_ admin.Store  = (store.DB)(nil)
	_ a2a.Store    = (store.DB)(nil)
	_ users.Store  = (store.DB)(nil)
)

type App struct {
	DB      store.DB
	Keys    *apikey.Authority
	Admins  *admin.Authority
	A2A     *a2a.Engine
	Users   *users.Directory
	Gateway *gateway.Gateway
	Logger  *slog.Logger

	authLimiter *RateLimiter
	proxies     proxyTrust
}

// NewApp wires the authorities over db.
func NewApp(db store.DB, vault *tokenvault.Vault, jwtSecret []byte, p policy.Policy, authPerMinute int, logger *slog.Logger) *App {
	a := &App{DB: db, Logger: logger}
	a.Users = users.New(db, vault, jwtSecret, logger)
	a.Keys = apikey.New(db, p, logger)
	a.Admins = admin.New(db, a.Keys, a.Users, p, logger)
	a.A2A = a2a.New(db, p, logger)
	a.Gateway = gateway.New(a.Keys, a.Admins, a.A2A, a.Users)
	a.authLimiter = NewRateLimiter(authPerMinute, a.clientIP)
	return a
}

// TrustProxies makes the client address come from X-Forwarded-For when
// the peer is inside one of prefixes.
func (a *App) TrustProxies(prefixes []netip.Prefix) {
	a.proxies = prefixes
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	slog.SetDefault(logger)

	p := policy.Default()
	if cfg.TierPolicyFile != "" {
		if p, err = policy.Load(cfg.TierPolicyFile); err != nil {
			return err
		}
	}
	p = p.WithAdminTokenExpiry(cfg.AdminTokenExpiry())

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return err
	}
	vault, err := tokenvault.New(key)
	if err != nil {
		return err
	}

	db, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	app := NewApp(db, vault, []byte(cfg.JWTSecret), p, cfg.AuthRatePerMinute, logger)
	app.TrustProxies(proxies)
	srv := &http.Server{
		Handler:      app.Router(),
		Addr:         ":" + cfg.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "port", cfg.Port, "db_adapter", cfg.DBAdapter)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		app.sweepExpiredKeys(gctx, cfg.ExpirySweepInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited properly")
	return nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.DB, error) {
	switch cfg.DBAdapter {
	case "sqlite":
		return store.NewSQLiteDB(cfg.SQLiteFile)
	case "bolt":
		return store.NewBoltDB(cfg.BoltFile)
	case "postgres":
		logger.Info("applying database migrations")
		if err := store.ApplyMigrations(cfg.PostgresDSN, cfg.MigrationsDir, logger); err != nil {
			return nil, err
		}
		return store.NewPostgresDB(cfg.PostgresDSN)
	case "memory":
		logger.Warn("using in-memory database (not recommended for production)")
		return store.NewMemoryDB(), nil
	}
	return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", cfg.DBAdapter)
}

// sweepExpiredKeys deactivates expired API keys every interval until ctx
// is done.
func (a *App) sweepExpiredKeys(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := a.Keys.ExpireSweep(ctx, now); err != nil {
				a.Logger.Warn("expiry sweep failed", "error", err)
			}
		}
	}
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(CORS)

	// Router middleware only runs on a matched route, so preflights need
	// one of their own. CORS answers them.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	auth := v1.PathPrefix("/auth").Subrouter()
	auth.Use(a.authLimiter.Middleware)
	auth.HandleFunc("/signup", a.HandleSignup).Methods(http.MethodPost)
	auth.HandleFunc("/login", a.HandleLogin).Methods(http.MethodPost)

	me := v1.PathPrefix("/me").Subrouter()
	me.Use(a.Authenticate(gateway.KindUserSession))
	me.Use(a.MeterUser)
	me.HandleFunc("", a.HandleMe).Methods(http.MethodGet)
	me.HandleFunc("/usage", a.HandleMyUsage).Methods(http.MethodGet)
	me.HandleFunc("/keys", a.HandleCreateKey).Methods(http.MethodPost)
	me.HandleFunc("/keys", a.HandleListKeys).Methods(http.MethodGet)
	me.HandleFunc("/keys/{id}", a.HandleRevokeKey).Methods(http.MethodDelete)
	me.HandleFunc("/keys/{id}/usage", a.HandleKeyUsage).Methods(http.MethodGet)
	me.HandleFunc("/providers/{provider}", a.HandleConnectProvider).Methods(http.MethodPut)
	me.HandleFunc("/providers/{provider}", a.HandleGetProvider).Methods(http.MethodGet)
	me.HandleFunc("/providers/{provider}", a.HandleDisconnectProvider).Methods(http.MethodDelete)
	me.HandleFunc("/a2a/clients", a.HandleRegisterClient).Methods(http.MethodPost)
	me.HandleFunc("/a2a/clients", a.HandleListClients).Methods(http.MethodGet)
	me.HandleFunc("/a2a/clients/{id}", a.HandleRevokeClient).Methods(http.MethodDelete)
	me.HandleFunc("/a2a/clients/{id}/usage", a.HandleClientUsage).Methods(http.MethodGet)
	me.HandleFunc("/a2a/clients/{id}/history", a.HandleClientHistory).Methods(http.MethodGet)

	metered := v1.PathPrefix("/gateway").Subrouter()
	metered.Use(a.Authenticate(gateway.KindAPIKey))
	metered.Use(a.MeterAPIKey)
	metered.HandleFunc("/authorize", a.HandleAuthorize).Methods(http.MethodPost)

	adm := v1.PathPrefix("/admin").Subrouter()
	adm.Use(a.Authenticate(gateway.KindAdminToken))
	adm.HandleFunc("/keys", a.HandleProvisionKey).Methods(http.MethodPost)
	adm.HandleFunc("/keys", a.HandleAdminListKeys).Methods(http.MethodGet)
	adm.HandleFunc("/keys/expired", a.HandleListExpiredKeys).Methods(http.MethodGet)
	adm.HandleFunc("/keys/{id}", a.HandleAdminRevokeKey).Methods(http.MethodDelete)
	adm.HandleFunc("/keys/{id}/limits", a.HandleUpdateKeyLimits).Methods(http.MethodPut)
	adm.HandleFunc("/keys/{id}/usage", a.HandleAdminKeyUsage).Methods(http.MethodGet)
	adm.HandleFunc("/provisioned", a.HandleListProvisioned).Methods(http.MethodGet)
	adm.HandleFunc("/tokens", a.HandleIssueAdminToken).Methods(http.MethodPost)
	adm.HandleFunc("/tokens", a.HandleListAdminTokens).Methods(http.MethodGet)
	adm.HandleFunc("/tokens/{id}", a.HandleRevokeAdminToken).Methods(http.MethodDelete)
	adm.HandleFunc("/tokens/{id}/audit", a.HandleAdminAudit).Methods(http.MethodGet)
	adm.HandleFunc("/tokens/{id}/revoke-keys", a.HandleBulkRevoke).Methods(http.MethodPost)
	adm.HandleFunc("/usage/logs", a.HandleRequestLogs).Methods(http.MethodGet)
	adm.HandleFunc("/stats", a.HandleSystemStats).Methods(http.MethodGet)
	adm.HandleFunc("/users/count", a.HandleCountUsers).Methods(http.MethodGet)
	adm.HandleFunc("/users/{id}/tier", a.HandleSetUserTier).Methods(http.MethodPut)
	adm.HandleFunc("/introspect", a.HandleIntrospect).Methods(http.MethodPost)

	// Client credentials are checked in the handler.
	v1.Handle("/a2a/sessions", a.authLimiter.Middleware(http.HandlerFunc(a.HandleGrantSession))).Methods(http.MethodPost)

	agent := v1.PathPrefix("/a2a").Subrouter()
	agent.Use(a.Authenticate(gateway.KindA2ASession))
	agent.Use(a.MeterA2A)
	agent.HandleFunc("/sessions/current", a.HandleCurrentSession).Methods(http.MethodGet)
	agent.HandleFunc("/sessions/current", a.HandleRevokeCurrentSession).Methods(http.MethodDelete)
	agent.HandleFunc("/tasks", a.HandleSubmitTask).Methods(http.MethodPost)
	agent.HandleFunc("/tasks", a.HandleListTasks).Methods(http.MethodGet)
	agent.HandleFunc("/tasks/{id}", a.HandleGetTask).Methods(http.MethodGet)
	agent.HandleFunc("/tasks/{id}/start", a.HandleStartTask).Methods(http.MethodPost)
	agent.HandleFunc("/tasks/{id}/complete", a.HandleCompleteTask).Methods(http.MethodPost)
	agent.HandleFunc("/tasks/{id}/fail", a.HandleFailTask).Methods(http.MethodPost)

	return r
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.DB.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
