package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/casc/internal/clock"
	"github.com/smallbiznis/casc/internal/config"
	"github.com/smallbiznis/casc/internal/migration"
	"github.com/smallbiznis/casc/internal/observability"
	"github.com/smallbiznis/casc/internal/server"
	"github.com/smallbiznis/casc/internal/worker"
	"github.com/smallbiznis/casc/pkg/db"
	"go.uber.org/fx"
)

const (
	exitStartup           = 1
	exitMigrationRequired = 2
	startTimeout          = 30 * time.Second
	stopTimeout           = 30 * time.Second
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		server.Module,
		migration.Module,
		worker.Module,
	)
	if err := app.Err(); err != nil {
		exit(err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	err := app.Start(startCtx)
	cancel()
	if err != nil {
		exit(err)
	}

	sig := <-app.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
	cancelStop()
	os.Exit(sig.ExitCode)
}

func exit(err error) {
	fmt.Fprintln(os.Stderr, "casc:", err)
	if errors.Is(err, migration.ErrMigrationRequired) {
		os.Exit(exitMigrationRequired)
	}
	os.Exit(exitStartup)
}

// RegisterSnowflake builds the id generator for this replica. Replicas
// sharing a node id can mint the same id in the same millisecond.
func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.Worker.NodeID)
}
