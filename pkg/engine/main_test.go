package engine

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/orbit-rollup/orbitx/pkg/db/postgres"
	"github.com/orbit-rollup/orbitx/pkg/db/state"
)

var (
	pgContainer *tcpostgres.PostgresContainer
	testLogger  *zap.Logger
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	testLogger, err = zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test logger: %v\n", err)
		os.Exit(1)
	}
	defer testLogger.Sync()

	pgContainer, err = tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("postgres"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		testLogger.Error("Failed to start PostgreSQL container", zap.Error(err))
		os.Exit(1)
	}

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		testLogger.Error("Failed to resolve container DSN", zap.Error(err))
		os.Exit(1)
	}
	os.Setenv("POSTGRES_URL", dsn)

	code := m.Run()

	if err := pgContainer.Terminate(ctx); err != nil {
		testLogger.Error("Failed to terminate PostgreSQL container", zap.Error(err))
	}

	os.Exit(code)
}

// createEngine builds an engine over an isolated state database.
func createEngine(t *testing.T, name string) *Engine {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := state.New(ctx, testLogger, name, 0, postgres.GetPoolConfigForComponent("query"))
	if err != nil {
		t.Fatalf("failed to create state database %s: %v", name, err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	return New(db, testLogger)
}
