package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketpay/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	"github.com/smallbiznis/ticketpay/pkg/db/pagination"
)

const (
	defaultListPageSize = 50
	maxListPageSize     = 250
)

// ListPayments pages through the organizer's payments, newest first.
func (s *Service) ListPayments(ctx context.Context, req paymentdomain.ListPaymentsRequest) (*paymentdomain.ListPaymentsResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, paymentdomain.ErrInvalidOrganization
	}

	filter := paymentdomain.ListFilter{
		OrganizerID:  orgID,
		ResourceType: strings.TrimSpace(req.ResourceType),
		ResourceID:   strings.TrimSpace(req.ResourceID),
		Status:       paymentdomain.Status(strings.ToLower(strings.TrimSpace(string(req.Status)))),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, paymentdomain.ValidationErrors{{Field: "status", Code: "invalid"}}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultListPageSize
	}
	if pageSize > maxListPageSize {
		pageSize = maxListPageSize
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, paymentdomain.ValidationErrors{{Field: "page_token", Code: "invalid"}}
		}
		before, err := snowflake.ParseString(cursor.ID)
		if err != nil || before <= 0 {
			return nil, paymentdomain.ValidationErrors{{Field: "page_token", Code: "invalid"}}
		}
		filter.BeforeID = before
	}

	items, err := s.repo.List(ctx, s.db, filter, pageSize+1)
	if err != nil {
		return nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(p *paymentdomain.Payment) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        p.ID.String(),
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	resp := &paymentdomain.ListPaymentsResponse{
		Payments: make([]paymentdomain.PaymentSummary, 0, len(items)),
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
		if !pageInfo.HasMore {
			resp.NextPageToken = ""
		}
	}
	for _, item := range items {
		if item == nil {
			continue
		}
		resp.Payments = append(resp.Payments, paymentdomain.PaymentSummary{
			PaymentID:       item.ID.String(),
			ResourceType:    item.ResourceType,
			ResourceID:      item.ResourceID,
			ProviderID:      item.ProviderID,
			MerchantTradeNo: item.MerchantTradeNo,
			FinalAmount:     item.FinalAmount,
			Currency:        item.Currency,
			Status:          item.Status,
			CreatedAt:       item.CreatedAt,
			UpdatedAt:       item.UpdatedAt,
		})
	}
	return resp, nil
}
