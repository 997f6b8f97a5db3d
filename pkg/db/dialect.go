package db

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/ticketpay/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var ErrUnsupportedDialect = errors.New("unsupported_database_type")

// Dialect picks the gorm driver for DATABASE_TYPE. Postgres is the production
// store; mysql and sqlite exist for local runs and tests.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch normalizeType(cfg.DBType) {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// DSN renders the connection string. Timestamps are always read and written in
// UTC so payment expiry comparisons do not depend on the database session zone.
func DSN(cfg config.Config) (string, error) {
	switch normalizeType(cfg.DBType) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			defaultString(cfg.DBPort, "3306"),
			cfg.DBName,
		), nil
	case "postgres":
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC application_name=%s",
			cfg.DBHost,
			cfg.DBUser,
			quotePostgres(cfg.DBPassword),
			cfg.DBName,
			defaultString(cfg.DBPort, "5432"),
			defaultString(cfg.DBSSLMode, "disable"),
			defaultString(cfg.AppName, "ticketpay"),
		), nil
	case "sqlite":
		name := defaultString(cfg.DBName, "ticketpay.db")
		if name == ":memory:" {
			return "file::memory:?cache=shared&_foreign_keys=1", nil
		}
		q := url.Values{}
		q.Set("_foreign_keys", "1")
		q.Set("_busy_timeout", "5000")
		return name + "?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.DBType)
	}
}

func normalizeType(raw string) string {
	switch t := strings.ToLower(strings.TrimSpace(raw)); t {
	case "postgresql", "pgx":
		return "postgres"
	default:
		return t
	}
}

// quotePostgres wraps values that would otherwise break the key=value DSN.
func quotePostgres(value string) string {
	if value == "" {
		return "''"
	}
	if !strings.ContainsAny(value, ` '\`) {
		return value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return "'" + escaped + "'"
}

func defaultString(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}
