package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketpay/internal/clock"
	"github.com/smallbiznis/ticketpay/internal/config"
	"github.com/smallbiznis/ticketpay/internal/credential"
	"github.com/smallbiznis/ticketpay/internal/ledger"
	"github.com/smallbiznis/ticketpay/internal/observability"
	"github.com/smallbiznis/ticketpay/internal/payment"
	"github.com/smallbiznis/ticketpay/internal/paymentprovider"
	"github.com/smallbiznis/ticketpay/internal/scheduler"
	"github.com/smallbiznis/ticketpay/pkg/db"
	"go.uber.org/fx"
)

// Standalone expiry worker for deployments that keep the HTTP replicas
// free of background jobs (run those with SCHEDULER_ENABLED=false).
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the scheduler
		credential.Module,
		ledger.Module,
		paymentprovider.Module,
		payment.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
