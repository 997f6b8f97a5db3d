package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketpay/internal/clock"
	"github.com/smallbiznis/ticketpay/internal/config"
	"github.com/smallbiznis/ticketpay/internal/migration"
	"github.com/smallbiznis/ticketpay/internal/observability"
	"github.com/smallbiznis/ticketpay/internal/scheduler"
	"github.com/smallbiznis/ticketpay/internal/server"
	"github.com/smallbiznis/ticketpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP server pulls in credential, ledger, provider and payment modules.
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
