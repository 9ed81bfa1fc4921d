// Command subpayd runs the subscription payment backend.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/subpay/subpay/chain"
	"github.com/subpay/subpay/config"
	"github.com/subpay/subpay/eip712"
	"github.com/subpay/subpay/header"
	"github.com/subpay/subpay/httpapi"
	"github.com/subpay/subpay/storage"
	"github.com/subpay/subpay/subscription"
	"github.com/subpay/subpay/urlcipher"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var store storage.Store
	if cfg.DatabaseDSN != "" {
		g, err := storage.Open(cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		store = g
		log.Info("using postgres store")
	} else {
		store = storage.NewMemory()
		log.Warn("no DATABASE_DSN set, state will not survive restarts")
	}

	cipher, err := urlcipher.New(cfg.URLSealingKey)
	if err != nil {
		return err
	}

	domain, err := eip712.NewDomain(cfg.DomainName, cfg.DomainVersion, cfg.ChainID, cfg.ContractAddress)
	if err != nil {
		return err
	}

	opts := []subscription.Option{subscription.WithLogger(log)}
	if cfg.RPCURL != "" {
		rpc, err := chain.Dial(ctx, cfg.RPCURL, cfg.ContractAddress, cfg.ChainID)
		if err != nil {
			return err
		}
		defer rpc.Close()
		opts = append(opts, subscription.WithChainClient(rpc))
		log.Info("chain client connected", "rpc", cfg.RPCURL, "contract", cfg.ContractAddress)
	} else {
		log.Warn("no RPC_URL set, running store-only")
	}

	svc := subscription.NewService(store, cipher, opts...)
	verifier := header.NewVerifier(store.Nonces())
	api := httpapi.NewServer(svc, verifier, domain,
		httpapi.WithServerLogger(log),
		httpapi.WithCORSOrigins(cfg.CORSOrigins))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
