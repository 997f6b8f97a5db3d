// Package events announces committed payment status changes to downstream
// consumers such as the registration subsystem.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
)

const TypeStatusChanged = "payment.status_changed"

type StatusChanged struct {
	// EventID is a ULID ordered by OccurredAt. Consumers dedupe redeliveries on it.
	EventID         string               `json:"event_id"`
	Type            string               `json:"type"`
	PaymentID       snowflake.ID         `json:"payment_id"`
	OrganizerID     snowflake.ID         `json:"organizer_id"`
	ResourceType    string               `json:"resource_type"`
	ResourceID      string               `json:"resource_id"`
	ProviderID      string               `json:"provider_id"`
	MerchantTradeNo string               `json:"merchant_trade_no"`
	From            paymentdomain.Status `json:"from"`
	To              paymentdomain.Status `json:"to"`
	FinalAmount     int64                `json:"final_amount"`
	Currency        string               `json:"currency"`
	Reason          string               `json:"reason,omitempty"`
	OccurredAt      time.Time            `json:"occurred_at"`
}

// stamp fills the envelope fields a publisher owns.
func (e StatusChanged) stamp() StatusChanged {
	if e.Type == "" {
		e.Type = TypeStatusChanged
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.EventID == "" {
		e.EventID = ulid.MustNew(ulid.Timestamp(e.OccurredAt), ulid.DefaultEntropy()).String()
	}
	return e
}

// Publisher delivers events after the owning transaction committed. Delivery
// is best effort; callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, event StatusChanged) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, StatusChanged) error { return nil }

// MemoryPublisher records events in order.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []StatusChanged
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, event StatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.stamp())
	return nil
}

func (p *MemoryPublisher) Events() []StatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StatusChanged, len(p.events))
	copy(out, p.events)
	return out
}
