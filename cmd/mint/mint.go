// Command mint boots the mint core: it loads configuration, derives the
// signatory's master key, connects storage, and wires a Lightning
// backend before running the recovery pass and handing control to a
// transport (out of scope here; this binary exists to prove the wiring
// compiles and runs startup recovery before anything else touches
// storage).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"

	"github.com/nutvault/mint/amount"
	"github.com/nutvault/mint/mint"
	"github.com/nutvault/mint/mint/config"
	"github.com/nutvault/mint/mint/lightning"
	"github.com/nutvault/mint/mint/lightning/fake"
	"github.com/nutvault/mint/mint/recovery"
	"github.com/nutvault/mint/mint/signatory"
	"github.com/nutvault/mint/mint/storage"
	"github.com/nutvault/mint/mint/storage/postgres"
)

// recoverySweepInterval is how often a background task retries any melt
// sagas startup recovery left unresolved, per §9's suggestion to "add a
// periodic background sweep".
const recoverySweepInterval = time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	configPath := os.Getenv("MINT_CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	seed, err := config.Seed(cfg, logger)
	if err != nil {
		logger.Fatal("resolving seed", zap.Error(err))
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		logger.Fatal("deriving master key", zap.Error(err))
	}

	store, err := postgres.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("connecting to storage", zap.Error(err))
	}

	sig, err := signatory.NewInProcess(master, []amount.Unit{amount.Sat}, cfg.InputFeePpk)
	if err != nil {
		logger.Fatal("initializing signatory", zap.Error(err))
	}

	backend := fake.New()

	m, err := mint.New(ctx, cfg, store, sig, backend, logger)
	if err != nil {
		logger.Fatal("initializing mint", zap.Error(err))
	}

	unresolved, err := recovery.Run(ctx, store, sig, backend, logger)
	if err != nil {
		logger.Fatal("startup recovery", zap.Error(err))
	}
	if len(unresolved) > 0 {
		logger.Warn("startup recovery left melt sagas unresolved; refusing new melts until they clear", zap.Int("count", len(unresolved)))
		m.SetMeltsSuspended(true)
	}

	go runRecoverySweep(ctx, m, store, sig, backend, logger)

	<-ctx.Done()
	logger.Info("shutting down")
}

// runRecoverySweep periodically retries recovery so a melt saga stuck
// on a Pending/Unknown backend answer eventually clears the
// melts-suspended gate without an operator restarting the process. It
// has no join handle; cancellation is via ctx, per §5's detached-task
// model.
func runRecoverySweep(ctx context.Context, m *mint.Mint, store storage.Store, sig signatory.Signatory, backend lightning.Backend, logger *zap.Logger) {
	ticker := time.NewTicker(recoverySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unresolved, err := recovery.Run(ctx, store, sig, backend, logger)
			if err != nil {
				logger.Error("periodic recovery sweep failed", zap.Error(err))
				continue
			}
			m.SetMeltsSuspended(len(unresolved) > 0)
		}
	}
}
