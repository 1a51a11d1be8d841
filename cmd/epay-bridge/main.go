// Command epay-bridge runs the payment callback bridge: it receives gateway
// notifications, reconciles them against stored order mappings, and reports
// settled transactions back to each tenant's Saleor instance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	bridge "github.com/OpenAegis/epay-bridge"
	"github.com/OpenAegis/epay-bridge/config"
	"github.com/OpenAegis/epay-bridge/reconcile"
	"github.com/OpenAegis/epay-bridge/store"
	transport "github.com/OpenAegis/epay-bridge/transport/gin"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("bridge exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	resolver := store.NewResolver(func(ctx context.Context) (store.Backend, error) {
		return store.OpenBolt(cfg.DatabasePath)
	})
	defer resolver.Close()

	engine := reconcile.NewEngine(
		resolver.Orders(),
		resolver.Credentials(),
		&loggingUpdater{log: log},
		bridge.NewRedirectResolver(bridge.StaticReturnURLs(cfg.ReturnURLs)),
		reconcile.StaticSecret(cfg.MerchantKey),
		reconcile.WithLogger(log),
		reconcile.WithStorageTimeout(cfg.StorageTimeout),
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	transport.NewHandler(engine, resolver, transport.WithLogger(log)).Register(router)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// loggingUpdater records settled transactions instead of calling back into
// Saleor.
// TODO: wire the Saleor GraphQL transactionEventReport mutation here.
type loggingUpdater struct {
	log *zap.Logger
}

func (u *loggingUpdater) MarkTransactionPaid(_ context.Context, saleorAPIURL, transactionID, gatewayTradeNo string) error {
	u.log.Info("transaction settled",
		zap.String("saleor_api_url", saleorAPIURL),
		zap.String("transaction_id", transactionID),
		zap.String("gateway_trade_no", gatewayTradeNo))
	return nil
}
