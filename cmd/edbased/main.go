package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"edbase/audit"
	"edbase/auth"
	"edbase/breaker"
	"edbase/config"
	"edbase/crypto"
	"edbase/gateway"
	"edbase/idempotency"
	"edbase/observability/logging"
	"edbase/payments"
	"edbase/ratelimit"
	"edbase/session"
	"edbase/storage"
	"edbase/team"
	"edbase/webhook"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.Setup("edbased", cfg.Environment, logging.FileConfig{
		Path:       cfg.LogFile.Path,
		MaxSizeMB:  cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAgeDays: cfg.LogFile.MaxAgeDays,
	})

	// Development runs may omit secrets; substitute ephemeral values so the
	// binary still comes up. Production validation already required them.
	for name, secret := range map[string]*string{
		"auth.jwt_secret":   &cfg.Auth.JWTSecret,
		"audit.hmac_secret": &cfg.Audit.HMACSecret,
		"cursor_secret":     &cfg.CursorSecret,
	} {
		if *secret == "" {
			generated, err := crypto.NewOpaqueToken()
			if err != nil {
				log.Error("generate ephemeral secret failed", "error", err)
				os.Exit(1)
			}
			*secret = generated
			log.Warn("using ephemeral secret, sessions will not survive a restart", "secret", name)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.New(ctx, storage.PoolConfig{
		DSN:              cfg.Database.DSN,
		MinConns:         cfg.Database.MinConns,
		MaxConns:         cfg.Database.MaxConns,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		ConnectTimeout:   cfg.Database.ConnectTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, log)
	if err != nil {
		log.Error("connect database failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close()

	recorder := audit.NewRecorder(cfg.Audit.HMACSecret, log)
	hub := breaker.NewHub(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenMax:      cfg.Breaker.HalfOpenMax,
	}, log)

	sessions := session.NewEngine(session.PGStore{}, db.Pool(), recorder, log)
	teams := team.NewAuthorizer(team.PGStore{}, db.Pool(), db, sessions, recorder, log)
	payEngine := payments.NewEngine(payments.PGStore{}, db.Pool(), db, recorder, cfg.CursorSecret, log)
	idem := idempotency.NewEngine(idempotency.PGStore{}, db.Pool(), db, log)
	limiter := ratelimit.New(rdb, log)

	processor := webhook.NewProcessor(cfg.Payments.WebhookSecrets, cfg.Payments.SignatureTolerance,
		webhook.PGStore{}, db, recorder, log)
	webhook.RegisterPaymentHandlers(processor, payEngine)

	identity := auth.NewIdentityClient(cfg.Auth.IdentityURL, cfg.Auth.IdentityAPIKey,
		hub.Get("identity"), 50, log)
	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.ClockSkew)
	authSvc := auth.NewService(identity, issuer, sessions, auth.PGLockoutStore{},
		db.Pool(), db, recorder, auth.Policy{
			LockoutMaxAttempts: cfg.Auth.LockoutMaxAttempts,
			LockoutDuration:    cfg.Auth.LockoutDuration,
			RefreshTokenTTL:    cfg.Auth.RefreshTokenTTL,
		}, log)

	server := gateway.NewServer(gateway.Deps{
		Auth:     authSvc,
		Sessions: sessions,
		Teams:    teams,
		Payments: payEngine,
		Idem:     idem,
		Limiter:  limiter,
		Webhooks: processor,
		Recorder: recorder,
		DB:       db.Pool(),
		DBHealth: db,
		Breakers: hub,
		Log:      log,
	}, cfg)

	go janitor(ctx, log, time.Hour, "expired sessions", func(ctx context.Context) (int64, error) {
		return sessions.CleanupExpired(ctx, 30*24*time.Hour)
	})
	go janitor(ctx, log, time.Hour, "expired idempotency keys", func(ctx context.Context) (int64, error) {
		return idem.Cleanup(ctx)
	})

	log.Info("edbased starting",
		"env", cfg.Environment, "listen", cfg.Server.ListenAddress)
	if err := server.Run(ctx, cfg.Server); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("edbased stopped")
}

// janitor runs a cleanup on a fixed interval until ctx is canceled.
func janitor(ctx context.Context, log *slog.Logger, interval time.Duration, what string, fn func(ctx context.Context) (int64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := fn(ctx)
			if err != nil {
				log.Error("cleanup failed", "task", what, "error", err)
				continue
			}
			if n > 0 {
				log.Info("cleanup removed rows", "task", what, "count", n)
			}
		}
	}
}
