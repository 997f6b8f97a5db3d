package observability

import (
	"strings"

	"github.com/smallbiznis/ticketpay/internal/config"
)

// Config is the normalized logging and tracing setup shared by the API and
// the scheduler worker.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability

	ratio := obs.OtelSamplingRatio
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}

	return Config{
		ServiceName:          firstNonEmpty(cfg.AppName, "ticketpay"),
		Environment:          firstNonEmpty(obs.DeploymentEnv, cfg.Environment),
		Version:              firstNonEmpty(obs.ServiceVersion, cfg.AppVersion),
		LogLevel:             strings.ToLower(firstNonEmpty(obs.LogLevel, "info")),
		LogFormat:            strings.ToLower(strings.TrimSpace(obs.LogFormat)),
		OtelEnabled:          obs.OtelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(obs.OtelEndpoint),
		OtelExporterProtocol: strings.ToLower(firstNonEmpty(obs.OtelProtocol, "grpc")),
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on gin debug mode, stack traces and console-friendly output.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
