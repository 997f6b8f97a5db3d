package migration

import (
	"github.com/smallbiznis/ticketpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(autoMigrate),
)

func autoMigrate(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	log = log.Named("migration")
	if !cfg.DBAutoMigrate {
		return nil
	}
	if !Supported(cfg.DBType) {
		log.Warn("auto migration skipped, schema must be provisioned externally", zap.String("type", cfg.DBType))
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	_, err = Run(sqlDB, log)
	return err
}

// Supported reports whether the embedded scripts target the dialect.
func Supported(dbType string) bool {
	switch dbType {
	case "postgres", "postgresql", "pgx":
		return true
	default:
		return false
	}
}
