package payment

import (
	"github.com/smallbiznis/ticketpay/internal/clock"
	"github.com/smallbiznis/ticketpay/internal/config"
	"github.com/smallbiznis/ticketpay/internal/payment/adapters"
	"github.com/smallbiznis/ticketpay/internal/payment/adapters/ecpay"
	"github.com/smallbiznis/ticketpay/internal/payment/adapters/stripe"
	"github.com/smallbiznis/ticketpay/internal/payment/events"
	"github.com/smallbiznis/ticketpay/internal/payment/lock"
	"github.com/smallbiznis/ticketpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/ticketpay/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	lock.Module,
	events.Module,
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
)

// NewRegistry registers every adapter this build ships with.
func NewRegistry(gateway *config.GatewayConfigHolder, clk clock.Clock) *adapters.Registry {
	return adapters.NewRegistry(
		ecpay.New(gateway, clk),
		stripe.New(gateway),
	)
}
