package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tessera-tickets/tessera/internal/accounts"
	"github.com/tessera-tickets/tessera/internal/httpapi"
	"github.com/tessera-tickets/tessera/internal/keyring"
	"github.com/tessera-tickets/tessera/internal/obs"
	"github.com/tessera-tickets/tessera/internal/payment"
	"github.com/tessera-tickets/tessera/internal/registration"
	"github.com/tessera-tickets/tessera/internal/store/pg"
)

var version = "0.3.0"

const sweepInterval = time.Minute

func main() {
	obs.Init()

	envSecret := []byte(os.Getenv("TESSERA_ENV_SECRET"))
	if len(envSecret) == 0 {
		log.Fatal("TESSERA_ENV_SECRET is required")
	}
	returnSecret := []byte(os.Getenv("TESSERA_RETURN_SECRET"))
	if len(returnSecret) == 0 {
		log.Fatal("TESSERA_RETURN_SECRET is required")
	}

	// Stores: Postgres when a DSN is set, in-memory otherwise (dev only).
	var (
		db        *sql.DB
		acctStore accounts.Store
		regStore  registration.Store
	)
	if dsn := os.Getenv("TESSERA_PG_DSN"); dsn != "" {
		pgReg, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = pgReg.DB()
		regStore = pgReg
		acctStore = accounts.NewPGStore(db)
	} else {
		log.Printf("TESSERA_PG_DSN not set; using in-memory stores")
		acctStore = accounts.NewMemStore()
		regStore = registration.NewMemStore()
	}

	resolver := keyring.NewResolver(envSecret)
	acctSvc := accounts.NewService(acctStore, envSecret, resolver)

	ctx := context.Background()

	// First-run bootstrap: create the key hierarchy and the initial owner.
	if user, pass := os.Getenv("TESSERA_BOOTSTRAP_USER"), os.Getenv("TESSERA_BOOTSTRAP_PASSWORD"); user != "" && pass != "" {
		switch err := acctSvc.Bootstrap(ctx, user, pass); {
		case err == nil:
			log.Printf("bootstrapped key hierarchy and owner %q", user)
		case errors.Is(err, accounts.ErrBootstrapped):
			// Already done on a previous start.
		default:
			log.Fatalf("bootstrap: %v", err)
		}
	}

	ks, err := acctSvc.KeyState(ctx)
	if err != nil {
		log.Fatalf("load key state: %v (set TESSERA_BOOTSTRAP_USER/TESSERA_BOOTSTRAP_PASSWORD on first run)", err)
	}

	providerKind := payment.Kind(os.Getenv("TESSERA_PAYMENT_PROVIDER"))
	if providerKind == "" {
		providerKind = payment.KindFake
	}
	provider, err := payment.New(providerKind, payment.Config{
		APIKey:        os.Getenv("TESSERA_STRIPE_API_KEY"),
		WebhookSecret: os.Getenv("TESSERA_STRIPE_WEBHOOK_SECRET"),
	})
	if err != nil {
		log.Fatalf("payment provider: %v", err)
	}

	engine := registration.NewEngine(regStore, provider,
		keyring.KeyContext{PublicKey: ks.PublicKey, Version: ks.Version},
		returnSecret)

	api := httpapi.New(httpapi.Config{
		Accounts:   acctSvc,
		Engine:     engine,
		Provider:   provider,
		ReadyProbe: httpapi.ReadyProbe{DB: db},
		Version:    version,
	})

	handler := httpapi.SecurityHeaders(
		httpapi.CORS(
			httpapi.MaxBodyBytes(
				httpapi.RateLimit(api.Handler(), 20, 10),
				1<<20)))

	addr := os.Getenv("TESSERA_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tessera-api %s on %s", version, srv.Addr)

	// Background sweepers: stale payment ledger rows and expired sessions.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := engine.SweepStalePayments(sweepCtx); err != nil {
					log.Printf("sweep stale payments: %v", err)
				} else if n > 0 {
					log.Printf("swept %d stale payment records", n)
				}
				if _, err := acctSvc.SweepExpiredSessions(sweepCtx); err != nil {
					log.Printf("sweep sessions: %v", err)
				}
			}
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
