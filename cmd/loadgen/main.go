package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/orbit-rollup/orbitx/pkg/db/postgres"
	"github.com/orbit-rollup/orbitx/pkg/db/state"
	"github.com/orbit-rollup/orbitx/pkg/engine"
	"github.com/orbit-rollup/orbitx/pkg/loadgen"
	"github.com/orbit-rollup/orbitx/pkg/logging"
	"github.com/orbit-rollup/orbitx/pkg/notify"
	"github.com/orbit-rollup/orbitx/pkg/utils"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbName := utils.Env("STATE_DB_NAME", "rollup_state")
	idOffset := utils.EnvUint64("ACCOUNT_ID_OFFSET", 0)

	stateDB, err := state.New(ctx, logger, dbName, idOffset,
		postgres.GetPoolConfigForComponent("loadgen"))
	if err != nil {
		logger.Fatal("failed to open state database", zap.Error(err))
	}
	defer stateDB.Close()

	var opts []engine.Option
	if utils.Env("REDIS_EVENTS", "false") == "true" {
		notifier, err := notify.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("failed to connect watermark notifier", zap.Error(err))
		}
		defer notifier.Close()
		opts = append(opts, engine.WithNotifier(notifier))
	}

	eng := engine.New(stateDB, logger, opts...)

	runner := loadgen.New(eng, logger, loadgen.ConfigFromEnv())
	stats, err := runner.Run(ctx)
	if err != nil {
		logger.Error("load generation failed", zap.Error(err))
		os.Exit(1)
	}

	if stats.Mismatches > 0 {
		logger.Error("load generation found state mismatches",
			zap.Uint64("mismatches", stats.Mismatches))
		os.Exit(1)
	}
}
