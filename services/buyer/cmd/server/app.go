package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/prithviraju1369/ontheline.in/pkg/db"
	"github.com/prithviraju1369/ontheline.in/pkg/httpx"
	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
	pkgwebhooks "github.com/prithviraju1369/ontheline.in/pkg/webhooks"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/api"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/callbacks"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/config"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/dispatch"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/idempotency"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/metrics"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/orders"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/payment"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/reconcile"
)

// app is the fully wired service.
type app struct {
	router http.Handler
	queue  *reconcile.Queue
	pool   *pgxpool.Pool
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

type appOptions struct {
	// HTTPClient overrides the outbound client; tests point it at httptest servers.
	HTTPClient *http.Client
	Migrate    bool
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger, opts appOptions) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.InitMetrics(reg)

	a := &app{}
	var (
		store    orders.Store
		receipts callbacks.ReceiptStore
		idem     idempotency.Store
	)
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.Database.URL, db.Options{MaxConns: cfg.Database.MaxConns})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		pgOrders, pgReceipts, pgIdem := orders.NewPGStore(pool), callbacks.NewPGReceiptStore(pool), idempotency.NewPGStore(pool)
		if opts.Migrate {
			if err := migrate(ctx, pgOrders, pgReceipts, pgIdem); err != nil {
				pool.Close()
				return nil, err
			}
		}
		store, receipts, idem = pgOrders, pgReceipts, pgIdem
	default:
		log.Warn("using in-memory order store; state is lost on restart")
		store, receipts, idem = orders.NewMemoryStore(), callbacks.NewMemoryReceiptStore(), idempotency.NewMemoryStore()
	}

	builder := ondc.NewBuilder(cfg.Identity(), cfg.ONDC.TTL)
	dispatcher := dispatch.New(builder, cfg.Signer, store, dispatch.Options{
		GatewayURL:    cfg.ONDC.GatewayURL,
		Timeout:       cfg.Dispatch.Timeout,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		Burst:         cfg.Dispatch.Burst,
		HTTPClient:    opts.HTTPClient,
		Logger:        log,
		Metrics:       m,
	})

	reconciler := reconcile.New(store, reconcile.Options{Logger: log, Metrics: m})
	a.queue = reconcile.NewQueue(reconciler, cfg.Callbacks.QueueSize, cfg.Callbacks.Workers)

	policy, err := callbacks.NewPolicy(cfg.Callbacks.Policy)
	if err != nil {
		a.Close()
		return nil, err
	}
	var verifier pkgwebhooks.Verifier
	if cfg.Callbacks.VerifySignatures {
		verifier = pkgwebhooks.NewSignatureVerifier(cfg.CounterpartyKeys)
	}
	receiver := callbacks.NewReceiver(receipts, a.queue, callbacks.Options{
		Verifier:     verifier,
		Policy:       policy,
		AckDeadline:  cfg.Callbacks.AckDeadline,
		MaxBodyBytes: cfg.Callbacks.MaxBodyBytes,
		Logger:       log,
		Metrics:      m,
	})

	gateway := payment.NewGateway(cfg.Payment.KeyID, cfg.Payment.KeySecret, cfg.Payment.Currency, log)
	server := api.New(dispatcher, store, reconciler, gateway, log).WithIdempotency(idem)

	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Route("/webhooks", receiver.Routes)
	r.Route("/ondc/webhooks", receiver.Routes)
	server.Routes(r)
	a.router = r
	return a, nil
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func migrate(ctx context.Context, ms ...migrator) error {
	for _, m := range ms {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
