package events

import (
	"context"

	"github.com/smallbiznis/ticketpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.events",
	fx.Provide(New),
)

// New returns a KafkaPublisher when brokers are configured.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		log.Info("payment events disabled; no kafka brokers configured")
		return NopPublisher{}
	}

	publisher := NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaPaymentTopic)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	log.Info("payment events publishing to kafka",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.KafkaPaymentTopic),
	)
	return publisher
}
