// Polysniper - automated trading engine for Polymarket's recurring
// 5-minute BTC up/down markets.
//
// Pipeline:
// 1. Track BTC/USD from the Chainlink live-data WebSocket
// 2. Build 5-minute candles, ATR and a volatility regime on the fly
// 3. Scan every 100ms through a layered filter cascade
// 4. Price the signal with a calibrated win estimate and Kelly sizing
// 5. Fire a signed fill-or-kill order when edge clears the adaptive gap
// 6. Reconcile settlements, redeem winning positions, repeat
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polysniper/internal/api"
	"github.com/web3guy0/polysniper/internal/balance"
	"github.com/web3guy0/polysniper/internal/clob"
	"github.com/web3guy0/polysniper/internal/config"
	"github.com/web3guy0/polysniper/internal/database"
	"github.com/web3guy0/polysniper/internal/feed"
	"github.com/web3guy0/polysniper/internal/odds"
	"github.com/web3guy0/polysniper/internal/reconciler"
	"github.com/web3guy0/polysniper/internal/redeem"
	"github.com/web3guy0/polysniper/internal/scanner"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.Sniper.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("dry_run", cfg.Sniper.DryRun).
		Float64("min_bet", cfg.Sniper.MinBet).
		Float64("max_bet", cfg.Sniper.MaxBet).
		Msg("🎯 Polysniper starting...")

	db, err := database.New(cfg.Sniper.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	httpTimeout := time.Duration(cfg.Sniper.HTTPTimeoutMs) * time.Millisecond

	// Price feed: Chainlink BTC/USD over WebSocket.
	priceFeed := feed.New(cfg.Polymarket.WSURL)
	priceFeed.Start()
	log.Info().Msg("📈 Price feed started")

	// Odds prefetch for the active 5-minute window.
	oddsFeed := odds.New(
		cfg.Polymarket.GammaBaseURL,
		cfg.Polymarket.CLOBBaseURL,
		time.Duration(cfg.Sniper.OddsPrefetchIntervalMs)*time.Millisecond,
		httpTimeout,
	)
	oddsFeed.Start()

	// Order client: signs EIP-712 FOK orders, reads collateral balance.
	clobClient := clob.NewClient(
		cfg.Polymarket.CLOBBaseURL,
		cfg.Polymarket.PrivateKey,
		cfg.Polymarket.APIKey,
		cfg.Polymarket.APISecret,
		cfg.Polymarket.Passphrase,
		cfg.Polymarket.Funder,
		httpTimeout,
		cfg.Sniper.DryRun,
	)

	bank := balance.New(cfg.Sniper.DryRun, cfg.Sniper.InitialBalance, clobClient, db)
	bank.Start()

	redeemWorker := redeem.NewWorker(redeem.NewScriptRedeemer(
		cfg.Sniper.RedeemScript,
		redeem.Credentials{
			PrivateKey:        cfg.Polymarket.PrivateKey,
			APIKey:            cfg.Polymarket.APIKey,
			APISecret:         cfg.Polymarket.APISecret,
			Passphrase:        cfg.Polymarket.Passphrase,
			ProxyAddress:      cfg.Polymarket.Funder,
			BuilderAPIKey:     cfg.Polymarket.Builder.APIKey,
			BuilderSecret:     cfg.Polymarket.Builder.Secret,
			BuilderPassphrase: cfg.Polymarket.Builder.Passphrase,
		},
		cfg.Sniper.DryRun,
	))
	redeemWorker.Start()

	engine := scanner.New(
		scanner.Config{
			Interval: time.Duration(cfg.Sniper.ScanIntervalMs) * time.Millisecond,
			MinBet:   cfg.Sniper.MinBet,
			MaxBet:   cfg.Sniper.MaxBet,
		},
		priceFeed, oddsFeed, clobClient, bank, db,
	)
	engine.SetEnabled(cfg.Sniper.Enabled)
	engine.Start()

	settler := reconciler.New(db, bank, priceFeed, redeemWorker, cfg.Polymarket.GammaBaseURL)
	settler.Start()

	dashboard := api.NewServer(cfg.Sniper.DashboardPort, engine, priceFeed, oddsFeed, bank, db)
	dashboard.Start()

	log.Info().Msg("✅ All systems online")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	dashboard.Stop()
	settler.Stop()
	engine.Stop()
	redeemWorker.Stop()
	bank.Stop()
	oddsFeed.Stop()
	priceFeed.Stop()

	log.Info().Msg("👋 Goodbye!")
}
