package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/ticketpay/internal/config"
	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/refund"
	"github.com/stripe/stripe-go/v80/webhook"
)

const (
	ProviderID = "stripe"

	credSecretKey     = "secret_key"
	credWebhookSecret = "webhook_secret"

	metadataMerchantTradeNo = "merchant_trade_no"
	metadataPaymentID       = "payment_id"

	signatureHeader = "Stripe-Signature"
)

// Currencies Stripe charges without a minor unit.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// Currencies the platform stores in whole units while Stripe expects cents.
var wholeUnit = map[string]bool{
	"TWD": true,
}

type Adapter struct {
	cfg *config.GatewayConfigHolder
}

func New(cfg *config.GatewayConfigHolder) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) ID() string { return ProviderID }

func (a *Adapter) DisplayName() string { return "Stripe" }

func (a *Adapter) ValidateCredentials(ctx context.Context, creds paymentdomain.Credentials) bool {
	_, ok := parseCredentials(creds)
	return ok
}

func (a *Adapter) CreatePayment(ctx context.Context, req paymentdomain.ProviderPaymentRequest, creds paymentdomain.Credentials) (*paymentdomain.ProviderPayment, error) {
	c, ok := parseCredentials(creds)
	if !ok {
		return nil, paymentdomain.ErrInvalidCredentials
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, paymentdomain.ErrUnsupportedCurrency
	}
	if req.Amount <= 0 || strings.TrimSpace(req.MerchantTradeNo) == "" {
		return nil, paymentdomain.ErrInvalidRequest
	}

	params := &stripego.PaymentIntentParams{
		Amount:   stripego.Int64(toStripeAmount(req.Amount, currency)),
		Currency: stripego.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripego.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripego.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.MerchantTradeNo)
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripego.String(desc)
	}
	params.AddMetadata(metadataMerchantTradeNo, req.MerchantTradeNo)
	if req.PaymentID != 0 {
		params.AddMetadata(metadataPaymentID, req.PaymentID.String())
	}

	client := paymentintent.Client{B: a.backend(), Key: c.secretKey}
	intent, err := client.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrProviderRequest, err)
	}

	status := paymentdomain.StatusPending
	if intent.Status == stripego.PaymentIntentStatusProcessing {
		status = paymentdomain.StatusProcessing
	}

	return &paymentdomain.ProviderPayment{
		ProviderTransactionID: intent.ID,
		Status:                status,
		ClientSecret:          intent.ClientSecret,
		Raw: map[string]any{
			"payment_intent": intent.ID,
			"status":         string(intent.Status),
		},
	}, nil
}

func (a *Adapter) CorrelationKey(cb paymentdomain.CallbackData) (string, error) {
	event, err := decodeEvent(cb.Body)
	if err != nil {
		return "", err
	}

	var metadata map[string]string
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed",
		"payment_intent.processing", "payment_intent.canceled":
		var intent stripego.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return "", paymentdomain.ErrInvalidPayload
		}
		metadata = intent.Metadata
	case "charge.refunded":
		var charge stripego.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return "", paymentdomain.ErrInvalidPayload
		}
		metadata = charge.Metadata
	case "refund.created", "refund.updated", "charge.refund.updated":
		var refund stripego.Refund
		if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
			return "", paymentdomain.ErrInvalidPayload
		}
		metadata = refund.Metadata
	default:
		return "", paymentdomain.ErrEventIgnored
	}

	tradeNo := strings.TrimSpace(metadata[metadataMerchantTradeNo])
	if tradeNo == "" {
		return "", paymentdomain.ErrInvalidPayload
	}
	return tradeNo, nil
}

// CorrelationReference returns the PaymentIntent id. Refunds issued from the
// dashboard carry none of the metadata set by this adapter.
func (a *Adapter) CorrelationReference(cb paymentdomain.CallbackData) (string, error) {
	event, err := decodeEvent(cb.Body)
	if err != nil {
		return "", err
	}

	var intent *stripego.PaymentIntent
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed",
		"payment_intent.processing", "payment_intent.canceled":
		var pi stripego.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return "", paymentdomain.ErrInvalidPayload
		}
		intent = &pi
	case "charge.refunded":
		var charge stripego.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return "", paymentdomain.ErrInvalidPayload
		}
		intent = charge.PaymentIntent
	case "refund.created", "refund.updated", "charge.refund.updated":
		var refund stripego.Refund
		if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
			return "", paymentdomain.ErrInvalidPayload
		}
		intent = refund.PaymentIntent
	default:
		return "", paymentdomain.ErrEventIgnored
	}

	if intent == nil || strings.TrimSpace(intent.ID) == "" {
		return "", paymentdomain.ErrInvalidPayload
	}
	return intent.ID, nil
}

func (a *Adapter) ValidateCallback(ctx context.Context, cb paymentdomain.CallbackData, creds paymentdomain.Credentials) bool {
	c, ok := parseCredentials(creds)
	if !ok || len(cb.Body) == 0 {
		return false
	}
	header := strings.TrimSpace(cb.Headers.Get(signatureHeader))
	if header == "" {
		return false
	}
	tolerance := a.cfg.Get().Stripe.WebhookTolerance
	return webhook.ValidatePayloadWithTolerance(cb.Body, header, c.webhookSecret, tolerance) == nil
}

func (a *Adapter) ProcessCallback(ctx context.Context, cb paymentdomain.CallbackData, payment paymentdomain.Payment) (*paymentdomain.PaymentUpdate, error) {
	event, err := decodeEvent(cb.Body)
	if err != nil {
		return nil, err
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed",
		"payment_intent.processing", "payment_intent.canceled":
		return processIntent(event)
	case "charge.refunded":
		return processChargeRefunded(event)
	case "refund.created", "refund.updated", "charge.refund.updated":
		return processRefund(event)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) Refund(ctx context.Context, req paymentdomain.RefundInstruction, creds paymentdomain.Credentials) (*paymentdomain.RefundResult, error) {
	c, ok := parseCredentials(creds)
	if !ok {
		return nil, paymentdomain.ErrInvalidCredentials
	}
	intentID := strings.TrimSpace(req.ProviderTransactionID)
	if intentID == "" || req.Amount <= 0 {
		return nil, paymentdomain.ErrInvalidRequest
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Payment.Currency))

	params := &stripego.RefundParams{
		PaymentIntent: stripego.String(intentID),
		Amount:        stripego.Int64(toStripeAmount(req.Amount, currency)),
	}
	params.Context = ctx
	params.AddMetadata(metadataMerchantTradeNo, req.Payment.MerchantTradeNo)
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		params.AddMetadata("reason", reason)
	}

	client := refund.Client{B: a.backend(), Key: c.secretKey}
	result, err := client.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrProviderRequest, err)
	}

	// A pending refund is already committed at Stripe; only failure or
	// cancellation releases the amount.
	status := ledgerdomain.TransactionStatusCompleted
	switch result.Status {
	case stripego.RefundStatusFailed, stripego.RefundStatusCanceled:
		status = ledgerdomain.TransactionStatusFailed
	}

	return &paymentdomain.RefundResult{
		ProviderRefundID: result.ID,
		Status:           status,
		Raw: map[string]any{
			"refund": result.ID,
			"status": string(result.Status),
		},
	}, nil
}

func (a *Adapter) Acknowledge(success bool) paymentdomain.Ack {
	status := http.StatusOK
	body := `{"received":true}`
	if !success {
		status = http.StatusBadRequest
		body = `{"received":false}`
	}
	return paymentdomain.Ack{
		StatusCode:  status,
		ContentType: "application/json; charset=utf-8",
		Body:        []byte(body),
	}
}

func (a *Adapter) backend() stripego.Backend {
	apiURL := strings.TrimSpace(a.cfg.Get().Stripe.APIURL)
	if apiURL == "" {
		return stripego.GetBackend(stripego.APIBackend)
	}
	return stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
		URL:               stripego.String(apiURL),
		MaxNetworkRetries: stripego.Int64(0),
	})
}

func processIntent(event *stripego.Event) (*paymentdomain.PaymentUpdate, error) {
	var intent stripego.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}
	currency := strings.ToUpper(string(intent.Currency))

	update := &paymentdomain.PaymentUpdate{
		ProviderTransactionID: intent.ID,
		Amount:                fromStripeAmount(intent.Amount, currency),
		RawResponse:           eventSummary(event, intent.ID),
	}
	if len(intent.PaymentMethodTypes) > 0 {
		update.PaymentMethod = intent.PaymentMethodTypes[0]
	}

	switch event.Type {
	case "payment_intent.succeeded":
		received := intent.AmountReceived
		if received <= 0 {
			received = intent.Amount
		}
		update.Amount = fromStripeAmount(received, currency)
		update.Status = paymentdomain.StatusCompleted
		update.TransactionType = ledgerdomain.TransactionTypeCharge
		update.TransactionStatus = ledgerdomain.TransactionStatusCompleted
	case "payment_intent.payment_failed":
		update.Status = paymentdomain.StatusFailed
		update.TransactionType = ledgerdomain.TransactionTypeCharge
		update.TransactionStatus = ledgerdomain.TransactionStatusFailed
		if intent.LastPaymentError != nil {
			update.RawResponse["failure_code"] = string(intent.LastPaymentError.Code)
		}
	case "payment_intent.processing":
		update.Status = paymentdomain.StatusProcessing
	case "payment_intent.canceled":
		update.Status = paymentdomain.StatusCancelled
	}
	return update, nil
}

// processChargeRefunded maps the newest refund listed on the charge. Charges
// only expand their refund list on older API versions; without it the event
// carries only a cumulative total, and the refund events book the refund.
func processChargeRefunded(event *stripego.Event) (*paymentdomain.PaymentUpdate, error) {
	var charge stripego.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if charge.Refunds == nil || len(charge.Refunds.Data) == 0 || charge.Refunds.Data[0] == nil {
		return nil, paymentdomain.ErrEventIgnored
	}
	latest := charge.Refunds.Data[0]
	if latest.Currency == "" {
		latest.Currency = charge.Currency
	}
	return refundUpdate(event, latest)
}

func processRefund(event *stripego.Event) (*paymentdomain.PaymentUpdate, error) {
	var refund stripego.Refund
	if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return refundUpdate(event, &refund)
}

// refundUpdate books one refund under its own id and amount. Status is left
// empty so the ledger decides between a partial and a full refund.
func refundUpdate(event *stripego.Event, refund *stripego.Refund) (*paymentdomain.PaymentUpdate, error) {
	if strings.TrimSpace(refund.ID) == "" || refund.Amount <= 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	status := ledgerdomain.TransactionStatusCompleted
	switch refund.Status {
	case stripego.RefundStatusFailed, stripego.RefundStatusCanceled:
		status = ledgerdomain.TransactionStatusFailed
	case "requires_action":
		return nil, paymentdomain.ErrEventIgnored
	}

	return &paymentdomain.PaymentUpdate{
		TransactionType:       ledgerdomain.TransactionTypePartialRefund,
		TransactionStatus:     status,
		ProviderTransactionID: refund.ID,
		Amount:                fromStripeAmount(refund.Amount, strings.ToUpper(string(refund.Currency))),
		RawResponse:           eventSummary(event, refund.ID),
	}, nil
}

func decodeEvent(body []byte) (*stripego.Event, error) {
	if len(body) == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}
	var event stripego.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return &event, nil
}

// eventSummary keeps identifiers only; intents carry a client secret.
func eventSummary(event *stripego.Event, objectID string) map[string]any {
	return map[string]any{
		"event_id":   event.ID,
		"event_type": string(event.Type),
		"object_id":  objectID,
		"livemode":   event.Livemode,
	}
}

func toStripeAmount(amount int64, currency string) int64 {
	if wholeUnit[currency] && !zeroDecimal[currency] {
		return amount * 100
	}
	return amount
}

func fromStripeAmount(amount int64, currency string) int64 {
	if wholeUnit[currency] && !zeroDecimal[currency] {
		return amount / 100
	}
	return amount
}

type credentials struct {
	secretKey     string
	webhookSecret string
}

func parseCredentials(creds paymentdomain.Credentials) (credentials, bool) {
	c := credentials{
		secretKey:     creds.String(credSecretKey),
		webhookSecret: creds.String(credWebhookSecret),
	}
	if !strings.HasPrefix(c.secretKey, "sk_") && !strings.HasPrefix(c.secretKey, "rk_") {
		return credentials{}, false
	}
	if !strings.HasPrefix(c.webhookSecret, "whsec_") {
		return credentials{}, false
	}
	return c, true
}

var (
	_ paymentdomain.Provider            = (*Adapter)(nil)
	_ paymentdomain.Refunder            = (*Adapter)(nil)
	_ paymentdomain.ReferenceCorrelator = (*Adapter)(nil)
)
