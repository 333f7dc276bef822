// Package daemon assembles the stores, the gateway clients and the
// socket server and runs them until a shutdown is requested by signal
// or by the SHUTDOWN command.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/account"
	"github.com/payproc/payprocd/internal/circuitbreaker"
	"github.com/payproc/payprocd/internal/config"
	"github.com/payproc/payprocd/internal/currency"
	"github.com/payproc/payprocd/internal/encrypt"
	"github.com/payproc/payprocd/internal/journal"
	"github.com/payproc/payprocd/internal/lifecycle"
	"github.com/payproc/payprocd/internal/logger"
	"github.com/payproc/payprocd/internal/paypal"
	"github.com/payproc/payprocd/internal/preorder"
	"github.com/payproc/payprocd/internal/server"
	"github.com/payproc/payprocd/internal/session"
	"github.com/payproc/payprocd/internal/stripe"
)

// Version is stamped by the build; the fallback marks developer builds.
var Version = "0.0.0-dev"

// Daemon is the assembled process.
type Daemon struct {
	cfg       *config.Config
	log       zerolog.Logger
	resources *lifecycle.Manager

	sessions *session.Store
	journal  *journal.Writer
	rates    *currency.Rates
	srv      *server.Server

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds the daemon from its configuration.  All stores are opened
// here so a misconfiguration is caught before the socket goes up.
func New(cfg *config.Config) (*Daemon, error) {
	log := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "payprocd",
		Live:    cfg.Daemon.Live,
	})

	d := &Daemon{
		cfg:        cfg,
		log:        log,
		resources:  lifecycle.NewManager(log),
		shutdownCh: make(chan struct{}),
	}

	d.rates = currency.NewRates(cfg.Daemon.Euroxref, log)
	if err := d.rates.Reload(); err != nil {
		// Not fatal: the daemon can run without Euro conversion until
		// the cron job delivers a rate file.
		log.Warn().Err(err).Msg("no exchange rates loaded")
	}

	d.journal = journal.New(cfg.Daemon.Journal, d.rates, log)
	d.resources.Register("journal", d.journal)

	var keys *encrypt.Keyring
	if cfg.Keys.DatabaseKey != "" {
		var err error
		keys, err = encrypt.LoadKeys(cfg.Keys.DatabaseKey, cfg.Keys.BackofficeKey, log)
		if err != nil {
			return nil, fmt.Errorf("load encryption keys: %w", err)
		}
	}

	preorders, err := preorder.Open(cfg.Database.PreorderPath, log)
	if err != nil {
		return nil, fmt.Errorf("open preorder database: %w", err)
	}
	d.resources.Register("preorder-db", preorders)

	accounts, err := account.Open(cfg.Database.AccountPath, keys, log)
	if err != nil {
		return nil, fmt.Errorf("open account database: %w", err)
	}
	d.resources.Register("account-db", accounts)

	d.sessions = session.NewStore(log)

	cb := circuitbreaker.NewManager(cfg.BreakerConfig())

	var stripeClient *stripe.Client
	if cfg.Stripe.SecretKey != "" {
		stripeClient = stripe.New(cfg.Stripe.SecretKey, cb, log)
	} else {
		log.Warn().Msg("no Stripe key configured; card commands will fail")
	}
	var paypalClient *paypal.Client
	if cfg.Paypal.SecretKey != "" {
		paypalClient = paypal.New(cfg.Paypal.SecretKey, cfg.Daemon.Live,
			cfg.Paypal.ReceiverEmail, cb, log)
	} else {
		log.Warn().Msg("no PayPal key configured; PayPal commands will fail")
	}

	d.srv = server.New(server.Options{
		SocketPath:  cfg.Daemon.Socket,
		Live:        cfg.Daemon.Live,
		AllowedUIDs: cfg.Daemon.AllowedUIDs,
		AdminUIDs:   cfg.Daemon.AdminUIDs,
		Version:     Version,
	}, server.Params{
		Log:       log,
		Sessions:  d.sessions,
		Journal:   d.journal,
		Preorders: preorders,
		Accounts:  accounts,
		Rates:     d.rates,
		Stripe:    stripeClient,
		Paypal:    paypalClient,
		Shutdown:  d.RequestShutdown,
	})
	return d, nil
}

// RequestShutdown asks the run loop to terminate.  Safe to call more
// than once and from any goroutine.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

func (d *Daemon) mode() string {
	if d.cfg.Daemon.Live {
		return "live"
	}
	return "test"
}

// startMetrics serves /metrics when an address is configured.
func (d *Daemon) startMetrics() {
	addr := d.cfg.Metrics.Address
	if addr == "" {
		return
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	hs := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	d.resources.RegisterFunc("metrics-listener", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(ctx)
	})
	d.log.Info().Str("addr", addr).Msg("metrics listener started")
}

// Run binds the socket and blocks until shutdown.  The housekeeping
// ticker drives session expiry every fourth tick and an exchange rate
// reload about once an hour.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.srv.Listen(); err != nil {
		d.resources.Close()
		return err
	}
	d.journal.StoreSysRecord(fmt.Sprintf("payprocd %s started in %s mode", Version, d.mode()))
	d.startMetrics()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.srv.Serve(serveCtx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE, syscall.SIGUSR1, syscall.SIGUSR2)

	tick := time.NewTicker(d.cfg.Daemon.TickInterval.Duration)
	defer tick.Stop()
	nticks := 0
	lastRates := time.Now()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-d.shutdownCh:
			d.log.Info().Msg("shutdown requested by command")
			return d.shutdown()
		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				// Draining may hang on a stuck gateway call; two more
				// SIGTERMs force the exit.
				go forceOnRepeatedTerm(sigCh, d.log)
			}
			d.log.Info().Str("signal", sig.String()).Msg("shutdown requested by signal")
			return d.shutdown()
		case <-tick.C:
			nticks++
			if nticks%4 == 0 {
				d.sessions.Housekeeping()
			}
			if time.Since(lastRates) >= time.Hour {
				lastRates = time.Now()
				if err := d.rates.Reload(); err != nil {
					d.log.Warn().Err(err).Msg("exchange rate reload failed")
				}
			}
		}
	}
}

func forceOnRepeatedTerm(sigCh <-chan os.Signal, log zerolog.Logger) {
	n := 1
	for sig := range sigCh {
		if sig != syscall.SIGTERM {
			continue
		}
		n++
		if n >= 3 {
			log.Error().Msg("repeated SIGTERM, forcing exit")
			os.Exit(2)
		}
	}
}

// shutdown drains the server, writes the final journal record and
// releases the resources in reverse order.
func (d *Daemon) shutdown() error {
	d.srv.Close()
	d.journal.StoreSysRecord(fmt.Sprintf("payprocd %s stopped", Version))
	err := d.resources.Close()
	d.log.Info().Msg("payprocd stopped")
	return err
}
