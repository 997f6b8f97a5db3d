package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
)

const fakeProviderID = "fakepay"

// fakeCallback is the JSON body the fake provider accepts as a callback.
type fakeCallback struct {
	TradeNo   string `json:"trade_no"`
	Status    string `json:"status"`
	TxType    string `json:"tx_type"`
	TxStatus  string `json:"tx_status"`
	TxID      string `json:"tx_id"`
	Amount    int64  `json:"amount"`
	Signature string `json:"signature"`
	Ignore    bool   `json:"ignore"`
}

// fakeProvider signs callbacks with the "secret" credential and records the
// requests it receives.
type fakeProvider struct {
	mu         sync.Mutex
	createErr  error
	status     paymentdomain.Status
	refundErr  error
	refundStat ledgerdomain.TransactionStatus
	refundSeq  int
	requests   []paymentdomain.ProviderPaymentRequest
	refunds    []paymentdomain.RefundInstruction
}

func (f *fakeProvider) ID() string          { return fakeProviderID }
func (f *fakeProvider) DisplayName() string { return "Fake Pay" }

func (f *fakeProvider) ValidateCredentials(ctx context.Context, creds paymentdomain.Credentials) bool {
	return creds.String("secret") != ""
}

func (f *fakeProvider) CreatePayment(ctx context.Context, req paymentdomain.ProviderPaymentRequest, creds paymentdomain.Credentials) (*paymentdomain.ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	status := f.status
	if status == "" {
		status = paymentdomain.StatusPending
	}
	return &paymentdomain.ProviderPayment{
		ProviderTransactionID: "fp_" + req.MerchantTradeNo,
		Status:                status,
		RedirectURL:           "https://fake.example.com/pay/" + req.MerchantTradeNo,
	}, nil
}

func (f *fakeProvider) CorrelationKey(cb paymentdomain.CallbackData) (string, error) {
	var body fakeCallback
	if err := json.Unmarshal(cb.Body, &body); err != nil {
		return "", paymentdomain.ErrInvalidPayload
	}
	if body.Ignore {
		return "", paymentdomain.ErrEventIgnored
	}
	return body.TradeNo, nil
}

func (f *fakeProvider) ValidateCallback(ctx context.Context, cb paymentdomain.CallbackData, creds paymentdomain.Credentials) bool {
	var body fakeCallback
	if err := json.Unmarshal(cb.Body, &body); err != nil {
		return false
	}
	return body.Signature != "" && body.Signature == creds.String("secret")
}

func (f *fakeProvider) ProcessCallback(ctx context.Context, cb paymentdomain.CallbackData, payment paymentdomain.Payment) (*paymentdomain.PaymentUpdate, error) {
	var body fakeCallback
	if err := json.Unmarshal(cb.Body, &body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return &paymentdomain.PaymentUpdate{
		Status:                paymentdomain.Status(body.Status),
		TransactionType:       ledgerdomain.TransactionType(body.TxType),
		TransactionStatus:     ledgerdomain.TransactionStatus(body.TxStatus),
		ProviderTransactionID: body.TxID,
		Amount:                body.Amount,
		PaymentMethod:         "card",
		RawResponse:           map[string]any{"tx_id": body.TxID},
	}, nil
}

func (f *fakeProvider) Acknowledge(success bool) paymentdomain.Ack {
	if success {
		return paymentdomain.Ack{StatusCode: http.StatusOK, ContentType: "text/plain", Body: []byte("OK")}
	}
	return paymentdomain.Ack{StatusCode: http.StatusBadRequest, ContentType: "text/plain", Body: []byte("ERR")}
}

func (f *fakeProvider) Refund(ctx context.Context, req paymentdomain.RefundInstruction, creds paymentdomain.Credentials) (*paymentdomain.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	f.refundSeq++
	status := f.refundStat
	if status == "" {
		status = ledgerdomain.TransactionStatusCompleted
	}
	return &paymentdomain.RefundResult{
		ProviderRefundID: "rf_" + strconv.Itoa(f.refundSeq),
		Status:           status,
	}, nil
}

func (f *fakeProvider) lastRequest() paymentdomain.ProviderPaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

var (
	_ paymentdomain.Provider = (*fakeProvider)(nil)
	_ paymentdomain.Refunder = (*fakeProvider)(nil)
)
