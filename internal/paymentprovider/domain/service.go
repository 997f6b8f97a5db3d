package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	ListCatalog(ctx context.Context) ([]CatalogProviderResponse, error)
	List(ctx context.Context) ([]ProviderSummary, error)
	Onboard(ctx context.Context, req UpsertRequest) (*ProviderSummary, error)
	SetActive(ctx context.Context, provider string, isActive bool) (*ProviderSummary, error)
	SetDefault(ctx context.Context, provider string) (*ProviderSummary, error)

	// ResolveForPayment picks the provider for a new payment: the preferred
	// one when given, else the organizer default, else the only active one.
	ResolveForPayment(ctx context.Context, organizerID snowflake.ID, preferred string) (*ResolvedProvider, error)
	// CredentialsFor decrypts credentials regardless of the active flag so
	// in-flight payments can still be verified after deactivation.
	CredentialsFor(ctx context.Context, organizerID snowflake.ID, providerID string) (map[string]any, error)
}

type CatalogProviderResponse struct {
	Provider        string `json:"provider"`
	DisplayName     string `json:"display_name"`
	SupportsWebhook bool   `json:"supports_webhook"`
	SupportsRefund  bool   `json:"supports_refund"`
}

type ProviderSummary struct {
	Provider      string         `json:"provider"`
	ProviderName  string         `json:"provider_name"`
	IsActive      bool           `json:"is_active"`
	IsDefault     bool           `json:"is_default"`
	Configured    bool           `json:"configured"`
	Configuration map[string]any `json:"configuration,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type UpsertRequest struct {
	Provider      string         `json:"provider"`
	ProviderName  string         `json:"provider_name"`
	Credentials   map[string]any `json:"credentials"`
	Configuration map[string]any `json:"configuration"`
	IsDefault     bool           `json:"is_default"`
}

type ResolvedProvider struct {
	ProviderID    string
	ProviderName  string
	Configuration map[string]any
	Credentials   map[string]any
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidProvider      = errors.New("invalid_provider")
	ErrInvalidConfig        = errors.New("invalid_config")
	ErrInvalidCredentials   = errors.New("invalid_credentials")
	ErrInactiveProvider     = errors.New("inactive_provider")
	ErrNotFound             = errors.New("not_found")
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
)
