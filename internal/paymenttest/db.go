// Package paymenttest holds shared fixtures for payment gateway tests.
package paymenttest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE payment_providers (
		id INTEGER PRIMARY KEY,
		organizer_id INTEGER NOT NULL,
		provider_id TEXT NOT NULL,
		provider_name TEXT NOT NULL,
		credentials TEXT NOT NULL,
		configuration TEXT NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT 1,
		is_default BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (organizer_id, provider_id)
	)`,
	`CREATE UNIQUE INDEX ux_payment_providers_default ON payment_providers (organizer_id) WHERE is_default`,
	`CREATE TABLE payments (
		id INTEGER PRIMARY KEY,
		organizer_id INTEGER NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		provider_transaction_id TEXT,
		merchant_trade_no TEXT NOT NULL UNIQUE,
		amount INTEGER NOT NULL,
		discount_amount INTEGER NOT NULL DEFAULT 0,
		final_amount INTEGER NOT NULL CHECK (final_amount >= 0),
		currency TEXT NOT NULL,
		payment_method TEXT,
		status TEXT NOT NULL,
		provider_response TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX idx_payments_provider_reference ON payments (provider_id, provider_transaction_id)`,
	`CREATE TABLE payment_transactions (
		id INTEGER PRIMARY KEY,
		payment_id INTEGER NOT NULL REFERENCES payments (id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		provider_transaction_id TEXT NOT NULL,
		provider_response TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (payment_id, provider_transaction_id, type)
	)`,
}

// NewDB opens an isolated in-memory SQLite database with the payment schema.
// Connections are capped at one so goroutines share the same memory database.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}
