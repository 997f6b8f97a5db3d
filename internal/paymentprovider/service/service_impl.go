package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketpay/internal/clock"
	"github.com/smallbiznis/ticketpay/internal/credential"
	"github.com/smallbiznis/ticketpay/internal/orgcontext"
	"github.com/smallbiznis/ticketpay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	"github.com/smallbiznis/ticketpay/internal/paymentprovider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Store    *credential.Store
	Registry *adapters.Registry
	Clock    clock.Clock `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	genID    *snowflake.Node
	store    *credential.Store
	registry *adapters.Registry
	clock    clock.Clock
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("paymentprovider.service"),
		repo:     p.Repo,
		genID:    p.GenID,
		store:    p.Store,
		registry: p.Registry,
		clock:    clk,
	}
}

func (s *Service) ListCatalog(ctx context.Context) ([]domain.CatalogProviderResponse, error) {
	providers := s.registry.Providers()
	resp := make([]domain.CatalogProviderResponse, 0, len(providers))
	for _, provider := range providers {
		_, refunds := provider.(paymentdomain.Refunder)
		resp = append(resp, domain.CatalogProviderResponse{
			Provider:        provider.ID(),
			DisplayName:     provider.DisplayName(),
			SupportsWebhook: true,
			SupportsRefund:  refunds,
		})
	}
	return resp, nil
}

func (s *Service) List(ctx context.Context) ([]domain.ProviderSummary, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}

	items, err := s.repo.List(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	resp := make([]domain.ProviderSummary, 0, len(items))
	for _, item := range items {
		resp = append(resp, summarize(item))
	}
	return resp, nil
}

// Onboard creates or rotates an organizer's provider configuration. The
// first active provider of an organizer becomes its default.
func (s *Service) Onboard(ctx context.Context, req domain.UpsertRequest) (*domain.ProviderSummary, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}

	providerID := normalizeProvider(req.Provider)
	adapter, err := s.registry.Resolve(providerID)
	if err != nil {
		return nil, domain.ErrInvalidProvider
	}

	creds := credential.Normalize(req.Credentials)
	if len(creds) == 0 {
		return nil, domain.ErrInvalidCredentials
	}
	if !adapter.ValidateCredentials(ctx, paymentdomain.Credentials(creds)) {
		return nil, domain.ErrInvalidCredentials
	}

	encrypted, err := s.store.Encrypt(creds)
	if err != nil {
		if errors.Is(err, credential.ErrKeyMissing) {
			return nil, domain.ErrEncryptionKeyMissing
		}
		return nil, err
	}

	name := strings.TrimSpace(req.ProviderName)
	if name == "" {
		name = adapter.DisplayName()
	}
	configuration := credential.Normalize(req.Configuration)
	if configuration == nil {
		configuration = map[string]any{}
	}

	var saved domain.PaymentProvider
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.Find(ctx, tx, orgID, providerID)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		item := domain.PaymentProvider{
			ID:            s.genID.Generate(),
			OrganizerID:   orgID,
			ProviderID:    providerID,
			ProviderName:  name,
			Credentials:   encrypted,
			Configuration: datatypes.JSONMap(configuration),
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if existing != nil {
			item.ID = existing.ID
			item.IsActive = existing.IsActive
			item.IsDefault = existing.IsDefault
			item.CreatedAt = existing.CreatedAt
		}

		makeDefault := req.IsDefault && item.IsActive
		if !makeDefault && !item.IsDefault && item.IsActive {
			current, err := s.repo.FindDefault(ctx, tx, orgID)
			if err != nil {
				return err
			}
			makeDefault = current == nil
		}
		if makeDefault && !item.IsDefault {
			if err := s.repo.ClearDefault(ctx, tx, orgID, now); err != nil {
				return err
			}
			item.IsDefault = true
		}

		if err := s.repo.Upsert(ctx, tx, &item); err != nil {
			return err
		}
		saved = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment provider onboarded",
		zap.String("organizer_id", orgID.String()),
		zap.String("provider", providerID),
		zap.Bool("is_default", saved.IsDefault),
		zap.Any("credentials", credential.MaskJSON(creds)),
	)

	resp := summarize(saved)
	return &resp, nil
}

func (s *Service) SetActive(ctx context.Context, provider string, isActive bool) (*domain.ProviderSummary, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}
	providerID := normalizeProvider(provider)
	if !s.registry.Exists(providerID) {
		return nil, domain.ErrInvalidProvider
	}

	updated, err := s.repo.UpdateActive(ctx, s.db, orgID, providerID, isActive, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrNotFound
	}

	item, err := s.repo.Find(ctx, s.db, orgID, providerID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}

	s.log.Info("payment provider status changed",
		zap.String("organizer_id", orgID.String()),
		zap.String("provider", providerID),
		zap.Bool("is_active", isActive),
	)

	resp := summarize(*item)
	return &resp, nil
}

func (s *Service) SetDefault(ctx context.Context, provider string) (*domain.ProviderSummary, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}
	providerID := normalizeProvider(provider)
	if !s.registry.Exists(providerID) {
		return nil, domain.ErrInvalidProvider
	}

	var item *domain.PaymentProvider
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.Find(ctx, tx, orgID, providerID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrNotFound
		}
		if !existing.IsActive {
			return domain.ErrInactiveProvider
		}

		now := s.clock.Now().UTC()
		if err := s.repo.ClearDefault(ctx, tx, orgID, now); err != nil {
			return err
		}
		marked, err := s.repo.MarkDefault(ctx, tx, orgID, providerID, now)
		if err != nil {
			return err
		}
		if !marked {
			return domain.ErrInactiveProvider
		}

		existing.IsDefault = true
		existing.UpdatedAt = now
		item = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := summarize(*item)
	return &resp, nil
}

func (s *Service) ResolveForPayment(ctx context.Context, organizerID snowflake.ID, preferred string) (*domain.ResolvedProvider, error) {
	if organizerID == 0 {
		return nil, paymentdomain.ErrInvalidOrganization
	}

	item, err := s.selectProvider(ctx, organizerID, normalizeProvider(preferred))
	if err != nil {
		return nil, err
	}

	creds, err := s.decrypt(item)
	if err != nil {
		return nil, err
	}

	configuration := map[string]any{}
	for key, value := range item.Configuration {
		configuration[key] = value
	}

	return &domain.ResolvedProvider{
		ProviderID:    item.ProviderID,
		ProviderName:  item.ProviderName,
		Configuration: configuration,
		Credentials:   creds,
	}, nil
}

func (s *Service) CredentialsFor(ctx context.Context, organizerID snowflake.ID, providerID string) (map[string]any, error) {
	item, err := s.repo.Find(ctx, s.db, organizerID, normalizeProvider(providerID))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, paymentdomain.ErrProviderNotConfigured
	}
	return s.decrypt(item)
}

func (s *Service) selectProvider(ctx context.Context, organizerID snowflake.ID, preferred string) (*domain.PaymentProvider, error) {
	if preferred != "" {
		item, err := s.repo.Find(ctx, s.db, organizerID, preferred)
		if err != nil {
			return nil, err
		}
		if item == nil || !item.IsActive {
			return nil, paymentdomain.ErrProviderNotConfigured
		}
		return item, nil
	}

	item, err := s.repo.FindDefault(ctx, s.db, organizerID)
	if err != nil {
		return nil, err
	}
	if item != nil {
		return item, nil
	}

	active, err := s.repo.ListActive(ctx, s.db, organizerID)
	if err != nil {
		return nil, err
	}
	if len(active) == 1 {
		return &active[0], nil
	}
	return nil, paymentdomain.ErrProviderNotConfigured
}

func (s *Service) decrypt(item *domain.PaymentProvider) (map[string]any, error) {
	creds, err := s.store.Decrypt(item.Credentials)
	if err != nil {
		s.log.Error("provider credentials unavailable",
			zap.String("organizer_id", item.OrganizerID.String()),
			zap.String("provider", item.ProviderID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", paymentdomain.ErrCredential, err)
	}
	return creds, nil
}

func summarize(item domain.PaymentProvider) domain.ProviderSummary {
	return domain.ProviderSummary{
		Provider:      item.ProviderID,
		ProviderName:  item.ProviderName,
		IsActive:      item.IsActive,
		IsDefault:     item.IsDefault,
		Configured:    item.Credentials != "",
		Configuration: map[string]any(item.Configuration),
		UpdatedAt:     item.UpdatedAt,
	}
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

var _ domain.Service = (*Service)(nil)
