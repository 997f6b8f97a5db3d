package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	ECPayStageEndpoint      = "https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5"
	ECPayProductionEndpoint = "https://payment.ecpay.com.tw/Cashier/AioCheckOut/V5"
)

// GatewayConfig holds provider-facing settings that operators tune without a
// redeploy. It is read from gateway.yml and hot reloaded.
type GatewayConfig struct {
	AdapterTimeout time.Duration `mapstructure:"adapterTimeout"`
	PendingExpiry  time.Duration `mapstructure:"pendingExpiry"`
	ECPay          ECPayConfig   `mapstructure:"ecpay"`
	Stripe         StripeConfig  `mapstructure:"stripe"`
}

type ECPayConfig struct {
	StageEndpoint      string `mapstructure:"stageEndpoint"`
	ProductionEndpoint string `mapstructure:"productionEndpoint"`
}

type StripeConfig struct {
	WebhookTolerance time.Duration `mapstructure:"webhookTolerance"`
	APIURL           string        `mapstructure:"apiURL"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AdapterTimeout: 15 * time.Second,
		PendingExpiry:  30 * time.Minute,
		ECPay: ECPayConfig{
			StageEndpoint:      ECPayStageEndpoint,
			ProductionEndpoint: ECPayProductionEndpoint,
		},
		Stripe: StripeConfig{
			WebhookTolerance: 5 * time.Minute,
		},
	}
}

type GatewayConfigHolder struct {
	current atomic.Value // holds GatewayConfig
}

// NewStaticGatewayConfigHolder returns a holder that never reloads.
func NewStaticGatewayConfigHolder(cfg GatewayConfig) *GatewayConfigHolder {
	holder := &GatewayConfigHolder{}
	holder.current.Store(withDefaults(cfg))
	return holder
}

func NewGatewayConfigHolder(appCfg Config) (*GatewayConfigHolder, error) {
	v := viper.New()

	if appCfg.GatewayConfigPath != "" {
		v.SetConfigFile(appCfg.GatewayConfigPath)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/ticketpay")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TICKETPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultGatewayConfig()
	if appCfg.AdapterTimeout > 0 {
		defaults.AdapterTimeout = appCfg.AdapterTimeout
	}
	v.SetDefault("gateway.adapterTimeout", defaults.AdapterTimeout)
	v.SetDefault("gateway.pendingExpiry", defaults.PendingExpiry)
	v.SetDefault("gateway.ecpay.stageEndpoint", defaults.ECPay.StageEndpoint)
	v.SetDefault("gateway.ecpay.productionEndpoint", defaults.ECPay.ProductionEndpoint)
	v.SetDefault("gateway.stripe.webhookTolerance", defaults.Stripe.WebhookTolerance)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg GatewayConfig
	if err := v.UnmarshalKey("gateway", &cfg); err != nil {
		return nil, err
	}
	if err := validateGatewayConfig(cfg); err != nil {
		return nil, err
	}

	holder := &GatewayConfigHolder{}
	holder.current.Store(withDefaults(cfg))

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated GatewayConfig
			if err := v.UnmarshalKey("gateway", &updated); err != nil {
				log.Printf("[gateway-config] reload failed: %v", err)
				return
			}
			if err := validateGatewayConfig(updated); err != nil {
				log.Printf("[gateway-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(withDefaults(updated))
			log.Printf("[gateway-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *GatewayConfigHolder) Get() GatewayConfig {
	if h == nil {
		return DefaultGatewayConfig()
	}
	cfg, ok := h.current.Load().(GatewayConfig)
	if !ok {
		return DefaultGatewayConfig()
	}
	return cfg
}

func validateGatewayConfig(cfg GatewayConfig) error {
	if cfg.AdapterTimeout < 0 {
		return errors.New("gateway.adapterTimeout cannot be negative")
	}
	if cfg.PendingExpiry < 0 {
		return errors.New("gateway.pendingExpiry cannot be negative")
	}
	if cfg.Stripe.WebhookTolerance < 0 {
		return errors.New("gateway.stripe.webhookTolerance cannot be negative")
	}
	return nil
}

func withDefaults(cfg GatewayConfig) GatewayConfig {
	defaults := DefaultGatewayConfig()
	if cfg.AdapterTimeout == 0 {
		cfg.AdapterTimeout = defaults.AdapterTimeout
	}
	if cfg.PendingExpiry == 0 {
		cfg.PendingExpiry = defaults.PendingExpiry
	}
	if strings.TrimSpace(cfg.ECPay.StageEndpoint) == "" {
		cfg.ECPay.StageEndpoint = defaults.ECPay.StageEndpoint
	}
	if strings.TrimSpace(cfg.ECPay.ProductionEndpoint) == "" {
		cfg.ECPay.ProductionEndpoint = defaults.ECPay.ProductionEndpoint
	}
	if cfg.Stripe.WebhookTolerance == 0 {
		cfg.Stripe.WebhookTolerance = defaults.Stripe.WebhookTolerance
	}
	return cfg
}
