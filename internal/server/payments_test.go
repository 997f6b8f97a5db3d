package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/ticketpay/internal/clock"
	"github.com/smallbiznis/ticketpay/internal/config"
	"github.com/smallbiznis/ticketpay/internal/credential"
	"github.com/smallbiznis/ticketpay/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	paymentproviderdomain "github.com/smallbiznis/ticketpay/internal/paymentprovider/domain"
	"github.com/smallbiznis/ticketpay/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePaymentService struct {
	createReq  paymentdomain.PaymentRequest
	createOrg  snowflake.ID
	createErr  error
	getErr     error
	refundReq  paymentdomain.RefundRequest
	refundErr  error
	cancelWhy  string
	callbackID string
	callbackCB paymentdomain.CallbackData
	callback   *paymentdomain.CallbackResult
	callbackEr error
	listReq    paymentdomain.ListPaymentsRequest
}

func (f *fakePaymentService) CreatePayment(ctx context.Context, req paymentdomain.PaymentRequest) (*paymentdomain.PaymentResponse, error) {
	f.createReq = req
	f.createOrg, _ = orgcontext.OrgIDFromContext(ctx)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &paymentdomain.PaymentResponse{
		PaymentID:       "1",
		MerchantTradeNo: "TPABC",
		ProviderID:      "ecpay",
		Status:          paymentdomain.StatusPending,
		Amount:          req.FinalAmount(),
		Currency:        req.Currency,
	}, nil
}

func (f *fakePaymentService) HandleCallback(ctx context.Context, providerID string, cb paymentdomain.CallbackData) (*paymentdomain.CallbackResult, error) {
	f.callbackID = providerID
	f.callbackCB = cb
	return f.callback, f.callbackEr
}

func (f *fakePaymentService) GetPayment(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.PaymentStatusResponse, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &paymentdomain.PaymentStatusResponse{PaymentID: paymentID.String(), Status: paymentdomain.StatusCompleted}, nil
}

func (f *fakePaymentService) CancelPayment(ctx context.Context, paymentID snowflake.ID, reason string) (*paymentdomain.PaymentStatusResponse, error) {
	f.cancelWhy = reason
	return &paymentdomain.PaymentStatusResponse{PaymentID: paymentID.String(), Status: paymentdomain.StatusCancelled}, nil
}

func (f *fakePaymentService) ExpirePayment(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.PaymentStatusResponse, error) {
	return &paymentdomain.PaymentStatusResponse{PaymentID: paymentID.String(), Status: paymentdomain.StatusFailed}, nil
}

func (f *fakePaymentService) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (f *fakePaymentService) RefundPayment(ctx context.Context, paymentID snowflake.ID, req paymentdomain.RefundRequest) (*paymentdomain.PaymentStatusResponse, error) {
	f.refundReq = req
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &paymentdomain.PaymentStatusResponse{PaymentID: paymentID.String(), Status: paymentdomain.StatusRefunded}, nil
}

func (f *fakePaymentService) ListPayments(ctx context.Context, req paymentdomain.ListPaymentsRequest) (*paymentdomain.ListPaymentsResponse, error) {
	f.listReq = req
	resp := &paymentdomain.ListPaymentsResponse{
		Payments: []paymentdomain.PaymentSummary{{PaymentID: "9", Status: paymentdomain.StatusPending}},
	}
	resp.HasMore = true
	resp.NextPageToken = "next"
	return resp, nil
}

type fakeProviderService struct {
	paymentproviderdomain.Service
	activeCalls int
	lastOrg     snowflake.ID
}

func (f *fakeProviderService) List(ctx context.Context) ([]paymentproviderdomain.ProviderSummary, error) {
	f.lastOrg, _ = orgcontext.OrgIDFromContext(ctx)
	return []paymentproviderdomain.ProviderSummary{{Provider: "ecpay", IsActive: true, IsDefault: true, Configured: true}}, nil
}

func (f *fakeProviderService) SetActive(ctx context.Context, provider string, isActive bool) (*paymentproviderdomain.ProviderSummary, error) {
	f.activeCalls++
	return &paymentproviderdomain.ProviderSummary{Provider: provider, IsActive: isActive}, nil
}

func (f *fakeProviderService) Onboard(ctx context.Context, req paymentproviderdomain.UpsertRequest) (*paymentproviderdomain.ProviderSummary, error) {
	if req.Provider == "paypal" {
		return nil, paymentproviderdomain.ErrInvalidProvider
	}
	return &paymentproviderdomain.ProviderSummary{Provider: req.Provider, Configured: true}, nil
}

func newTestRouter(t *testing.T, payments *fakePaymentService, providers *fakeProviderService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:                router,
		Cfg:                config.Config{Environment: "test"},
		Log:                zap.NewNop(),
		Clock:              clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		PaymentSvc:         payments,
		PaymentProviderSvc: providers,
	})
	return router
}

func doRequest(router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out.Error
}

func TestCreatePaymentUsesOrganizerHeader(t *testing.T) {
	payments := &fakePaymentService{}
	router := newTestRouter(t, payments, &fakeProviderService{})

	resp := doRequest(router, http.MethodPost, "/payments",
		`{"organizer_id":"999","resource_type":"registration","resource_id":"r-1","amount":1200,"discount_amount":200,"currency":"TWD","callback_url":"https://tickets.example.com/done"}`,
		map[string]string{HeaderOrg: "42"},
	)

	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	assert.Equal(t, snowflake.ID(42), payments.createOrg)
	assert.Equal(t, snowflake.ID(0), payments.createReq.OrganizerID)
	assert.Contains(t, resp.Body.String(), `"merchant_trade_no":"TPABC"`)
	assert.Contains(t, resp.Body.String(), `"amount":1000`)
}

func TestCreatePaymentRejectsMalformedOrganizerHeader(t *testing.T) {
	payments := &fakePaymentService{}
	router := newTestRouter(t, payments, &fakeProviderService{})

	resp := doRequest(router, http.MethodPost, "/payments", `{}`, map[string]string{HeaderOrg: "acme"})

	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "organization_id", payload.Errors[0].Field)
	assert.Empty(t, payments.createReq.ResourceID)
}

func TestCreatePaymentErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{
			name: "field validation",
			err: paymentdomain.ValidationErrors{
				{Field: "amount", Code: "must_be_positive"},
				{Field: "callback_url", Code: "invalid"},
			},
			status: http.StatusBadRequest,
			typ:    "validation_error",
		},
		{name: "no provider", err: paymentdomain.ErrProviderNotConfigured, status: http.StatusUnprocessableEntity, typ: "provider_not_configured"},
		{name: "creation failed", err: paymentdomain.ErrPaymentCreation, status: http.StatusBadGateway, typ: "provider_unavailable"},
		{name: "credential", err: paymentdomain.ErrCredential, status: http.StatusInternalServerError, typ: "internal_error"},
		{
			name:   "credential key missing",
			err:    fmt.Errorf("%w: %w", paymentdomain.ErrCredential, credential.ErrKeyMissing),
			status: http.StatusServiceUnavailable,
			typ:    "service_unavailable",
		},
		{name: "no organizer", err: paymentdomain.ErrInvalidOrganization, status: http.StatusUnauthorized, typ: "unauthorized"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t, &fakePaymentService{createErr: tc.err}, &fakeProviderService{})

			resp := doRequest(router, http.MethodPost, "/payments", `{"resource_type":"registration"}`, map[string]string{HeaderOrg: "42"})

			require.Equal(t, tc.status, resp.Code)
			assert.Equal(t, tc.typ, decodeError(t, resp).Type)
		})
	}
}

func TestCreatePaymentValidationListsFields(t *testing.T) {
	router := newTestRouter(t, &fakePaymentService{createErr: paymentdomain.ValidationErrors{
		{Field: "amount", Code: "must_be_positive"},
		{Field: "resource_id", Code: "required"},
	}}, &fakeProviderService{})

	resp := doRequest(router, http.MethodPost, "/payments", `{}`, map[string]string{HeaderOrg: "42"})

	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 2)
	assert.Equal(t, "amount", payload.Errors[0].Field)
	assert.Equal(t, "required", payload.Errors[1].Code)
	assert.Equal(t, "field is required", payload.Errors[1].Message)
}

type emptyBucket struct{}

func (emptyBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*ratelimit.RateLimitResult, error) {
	return &ratelimit.RateLimitResult{Allowed: false, Limit: burst, RetryAfter: 1500 * time.Millisecond}, nil
}

func TestCreatePaymentRateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	payments := &fakePaymentService{}
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:                router,
		Log:                zap.NewNop(),
		PaymentSvc:         payments,
		PaymentProviderSvc: &fakeProviderService{},
		PaymentLimiter:     ratelimit.NewPaymentLimiter(emptyBucket{}, 1, 1, zap.NewNop()),
	})

	resp := doRequest(router, http.MethodPost, "/payments", `{"resource_type":"registration"}`, map[string]string{HeaderOrg: "42"})

	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "2", resp.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, resp).Type)
	assert.Empty(t, payments.createReq.ResourceType)
}

func TestGetPayment(t *testing.T) {
	router := newTestRouter(t, &fakePaymentService{}, &fakeProviderService{})

	resp := doRequest(router, http.MethodGet, "/payments/123", "", map[string]string{HeaderOrg: "42"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"completed"`)

	resp = doRequest(router, http.MethodGet, "/payments/not-a-number", "", map[string]string{HeaderOrg: "42"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	missing := newTestRouter(t, &fakePaymentService{getErr: paymentdomain.ErrPaymentNotFound}, &fakeProviderService{})
	resp = doRequest(missing, http.MethodGet, "/payments/123", "", map[string]string{HeaderOrg: "42"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestListPayments(t *testing.T) {
	payments := &fakePaymentService{}
	router := newTestRouter(t, payments, &fakeProviderService{})

	resp := doRequest(router, http.MethodGet, "/payments?resource_type=registration&resource_id=reg-1&status=completed&page_size=5&page_token=abc", "", map[string]string{HeaderOrg: "42"})

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "reg-1", payments.listReq.ResourceID)
	assert.Equal(t, paymentdomain.StatusCompleted, payments.listReq.Status)
	assert.Equal(t, 5, payments.listReq.PageSize)
	assert.Equal(t, "abc", payments.listReq.PageToken)
	assert.Contains(t, resp.Body.String(), `"next_page_token":"next"`)
	assert.Contains(t, resp.Body.String(), `"has_more":true`)
	assert.Contains(t, resp.Body.String(), `"payment_id":"9"`)
}

func TestCancelAndRefund(t *testing.T) {
	payments := &fakePaymentService{}
	router := newTestRouter(t, payments, &fakeProviderService{})

	resp := doRequest(router, http.MethodPost, "/payments/123/cancel", `{"reason":"buyer left"}`, map[string]string{HeaderOrg: "42"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "buyer left", payments.cancelWhy)

	resp = doRequest(router, http.MethodPost, "/payments/123/refund", "", map[string]string{HeaderOrg: "42"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int64(0), payments.refundReq.Amount)

	resp = doRequest(router, http.MethodPost, "/payments/123/refund", `{"amount":300,"reason":" partial "}`, map[string]string{HeaderOrg: "42"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int64(300), payments.refundReq.Amount)
	assert.Equal(t, "partial", payments.refundReq.Reason)

	resp = doRequest(router, http.MethodPost, "/payments/123/expire", "", map[string]string{HeaderOrg: "42"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"failed"`)
}

func TestRefundErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: paymentdomain.ErrRefundExceedsCaptured, status: http.StatusUnprocessableEntity},
		{err: paymentdomain.ErrRefundNotSupported, status: http.StatusUnprocessableEntity},
		{err: paymentdomain.ErrInvalidTransition, status: http.StatusConflict},
		{err: paymentdomain.ErrProviderRequest, status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		router := newTestRouter(t, &fakePaymentService{refundErr: tc.err}, &fakeProviderService{})
		resp := doRequest(router, http.MethodPost, "/payments/123/refund", `{"amount":10}`, map[string]string{HeaderOrg: "42"})
		assert.Equal(t, tc.status, resp.Code, tc.err.Error())
	}
}

func TestCallbackWritesAdapterAck(t *testing.T) {
	payments := &fakePaymentService{
		callback: &paymentdomain.CallbackResult{
			Ack: paymentdomain.Ack{StatusCode: http.StatusOK, ContentType: "text/plain", Body: []byte("1|OK")},
		},
	}
	router := newTestRouter(t, payments, &fakeProviderService{})

	req := httptest.NewRequest(http.MethodPost, "/payments/callback/ECPay", bytes.NewBufferString("MerchantTradeNo=TPABC&RtnCode=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "1|OK", resp.Body.String())
	assert.Equal(t, "ecpay", payments.callbackID)
	assert.Equal(t, "TPABC", payments.callbackCB.Form.Get("MerchantTradeNo"))
	assert.Equal(t, "MerchantTradeNo=TPABC&RtnCode=1", string(payments.callbackCB.Body))
	assert.False(t, payments.callbackCB.ReceivedAt.IsZero())
}

func TestCallbackFailureAckHidesDetail(t *testing.T) {
	payments := &fakePaymentService{
		callback: &paymentdomain.CallbackResult{
			Ack: paymentdomain.Ack{StatusCode: http.StatusBadRequest, ContentType: "text/plain", Body: []byte("0|Error")},
		},
		callbackEr: paymentdomain.ErrCallbackVerification,
	}
	router := newTestRouter(t, payments, &fakeProviderService{})

	resp := doRequest(router, http.MethodPost, "/payments/callback/ecpay", `{"id":"evt_1"}`, nil)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "0|Error", resp.Body.String())
	assert.Nil(t, payments.callbackCB.Form)
}

func TestCallbackUnknownProvider(t *testing.T) {
	payments := &fakePaymentService{callbackEr: paymentdomain.ErrUnknownProvider}
	router := newTestRouter(t, payments, &fakeProviderService{})

	resp := doRequest(router, http.MethodPost, "/payments/callback/paypal", `{}`, nil)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPaymentProviderAdmin(t *testing.T) {
	providers := &fakeProviderService{}
	router := newTestRouter(t, &fakePaymentService{}, providers)

	resp := doRequest(router, http.MethodGet, "/payment-providers", "", map[string]string{HeaderOrg: "42"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, snowflake.ID(42), providers.lastOrg)
	assert.Contains(t, resp.Body.String(), `"provider":"ecpay"`)
	assert.NotContains(t, resp.Body.String(), "credentials")

	resp = doRequest(router, http.MethodPatch, "/payment-providers/ecpay/status", `{}`, map[string]string{HeaderOrg: "42"})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, 0, providers.activeCalls)

	resp = doRequest(router, http.MethodPatch, "/payment-providers/ecpay/status", `{"is_active":false}`, map[string]string{HeaderOrg: "42"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, providers.activeCalls)

	resp = doRequest(router, http.MethodPut, "/payment-providers", `{"provider":"paypal","credentials":{"key":"x"}}`, map[string]string{HeaderOrg: "42"})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "provider", payload.Errors[0].Field)
}
