package ecpay

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/smallbiznis/ticketpay/internal/clock"
	"github.com/smallbiznis/ticketpay/internal/config"
	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
)

const (
	ProviderID = "ecpay"

	credMerchantID = "merchant_id"
	credHashKey    = "hash_key"
	credHashIV     = "hash_iv"

	confEnvironment   = "environment"
	confChoosePayment = "choose_payment"

	environmentProduction = "production"

	tradeDateLayout = "2006/01/02 15:04:05"

	maxMerchantTradeNo = 20
	maxTradeDesc       = 200
	maxItemName        = 400

	rtnCodeSuccess       = "1"
	rtnCodeATMIssued     = "2"
	rtnCodeCVSCodeIssued = "10100073"

	simulatePaidField = "SimulatePaid"
)

// Taiwan observes no daylight saving, so a fixed zone avoids a tzdata dependency.
var taipei = time.FixedZone("Asia/Taipei", 8*60*60)

var (
	merchantIDPattern = regexp.MustCompile(`^[0-9]{1,10}$`)
	tradeNoPattern    = regexp.MustCompile(`^[A-Za-z0-9]{1,20}$`)
)

var requiredCallbackFields = []string{
	"MerchantID",
	"MerchantTradeNo",
	"RtnCode",
	"TradeNo",
	"TradeAmt",
	checkMacField,
}

// Adapter speaks ECPay's AioCheckOut V5 protocol: a signed form POST to the
// cashier and a signed server-to-server notification on ReturnURL.
type Adapter struct {
	cfg   *config.GatewayConfigHolder
	clock clock.Clock
}

func New(cfg *config.GatewayConfigHolder, clk clock.Clock) *Adapter {
	if clk == nil {
		clk = clock.New()
	}
	return &Adapter{cfg: cfg, clock: clk}
}

func (a *Adapter) ID() string { return ProviderID }

func (a *Adapter) DisplayName() string { return "ECPay" }

func (a *Adapter) ValidateCredentials(ctx context.Context, creds paymentdomain.Credentials) bool {
	_, ok := parseCredentials(creds)
	return ok
}

func (a *Adapter) CreatePayment(ctx context.Context, req paymentdomain.ProviderPaymentRequest, creds paymentdomain.Credentials) (*paymentdomain.ProviderPayment, error) {
	c, ok := parseCredentials(creds)
	if !ok {
		return nil, paymentdomain.ErrInvalidCredentials
	}
	if !strings.EqualFold(strings.TrimSpace(req.Currency), "TWD") {
		return nil, paymentdomain.ErrUnsupportedCurrency
	}
	if req.Amount <= 0 {
		return nil, paymentdomain.ErrInvalidRequest
	}
	if !tradeNoPattern.MatchString(req.MerchantTradeNo) || len(req.MerchantTradeNo) > maxMerchantTradeNo {
		return nil, paymentdomain.ErrInvalidRequest
	}
	if strings.TrimSpace(req.NotifyURL) == "" {
		return nil, paymentdomain.ErrInvalidRequest
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = a.clock.Now()
	}

	tradeDesc := truncate(firstNonEmpty(req.Description, "ticketpay"), maxTradeDesc)
	itemName := truncate(firstNonEmpty(req.ItemName, req.Description, "ticket"), maxItemName)

	fields := map[string]string{
		"MerchantID":        c.merchantID,
		"MerchantTradeNo":   req.MerchantTradeNo,
		"MerchantTradeDate": createdAt.In(taipei).Format(tradeDateLayout),
		"PaymentType":       "aio",
		"TotalAmount":       strconv.FormatInt(req.Amount, 10),
		"TradeDesc":         tradeDesc,
		"ItemName":          itemName,
		"ReturnURL":         req.NotifyURL,
		"ChoosePayment":     choosePayment(req.Configuration),
		"EncryptType":       "1",
	}
	if returnURL := strings.TrimSpace(req.ReturnURL); returnURL != "" {
		fields["ClientBackURL"] = returnURL
	}
	if req.PaymentID != 0 {
		fields["CustomField1"] = req.PaymentID.String()
	}
	fields[checkMacField] = CheckMacValue(fields, c.hashKey, c.hashIV)

	endpoint := a.endpoint(req.Configuration)
	values := url.Values{}
	for key, value := range fields {
		values.Set(key, value)
	}

	return &paymentdomain.ProviderPayment{
		Status:      paymentdomain.StatusPending,
		RedirectURL: endpoint + "?" + values.Encode(),
		FormAction:  endpoint,
		FormFields:  fields,
	}, nil
}

func (a *Adapter) CorrelationKey(cb paymentdomain.CallbackData) (string, error) {
	fields, err := callbackFields(cb)
	if err != nil {
		return "", err
	}
	tradeNo := fields["MerchantTradeNo"]
	if !tradeNoPattern.MatchString(tradeNo) {
		return "", paymentdomain.ErrInvalidPayload
	}
	return tradeNo, nil
}

func (a *Adapter) ValidateCallback(ctx context.Context, cb paymentdomain.CallbackData, creds paymentdomain.Credentials) bool {
	c, ok := parseCredentials(creds)
	if !ok {
		return false
	}
	fields, err := callbackFields(cb)
	if err != nil {
		return false
	}
	for _, key := range requiredCallbackFields {
		if strings.TrimSpace(fields[key]) == "" {
			return false
		}
	}
	if fields["MerchantID"] != c.merchantID {
		return false
	}

	expected := CheckMacValue(fields, c.hashKey, c.hashIV)
	return macEqual(expected, fields[checkMacField])
}

func (a *Adapter) ProcessCallback(ctx context.Context, cb paymentdomain.CallbackData, payment paymentdomain.Payment) (*paymentdomain.PaymentUpdate, error) {
	fields, err := callbackFields(cb)
	if err != nil {
		return nil, err
	}
	// Simulated payments from the merchant back office are signed like real
	// ones but move no money.
	if strings.TrimSpace(fields[simulatePaidField]) == "1" {
		return nil, paymentdomain.ErrEventIgnored
	}

	tradeNo := strings.TrimSpace(fields["TradeNo"])
	if tradeNo == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(fields["TradeAmt"]), 10, 64)
	if err != nil || amount < 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	raw := make(map[string]any, len(fields))
	for key, value := range fields {
		if key == checkMacField {
			continue
		}
		raw[key] = value
	}

	update := &paymentdomain.PaymentUpdate{
		ProviderTransactionID: tradeNo,
		Amount:                amount,
		PaymentMethod:         strings.TrimSpace(fields["PaymentType"]),
		RawResponse:           raw,
	}

	switch strings.TrimSpace(fields["RtnCode"]) {
	case rtnCodeSuccess:
		update.Status = paymentdomain.StatusCompleted
		update.TransactionType = ledgerdomain.TransactionTypeCharge
		update.TransactionStatus = ledgerdomain.TransactionStatusCompleted
	case rtnCodeATMIssued, rtnCodeCVSCodeIssued:
		// Offline payment codes were issued; the buyer has not paid yet.
		update.Status = paymentdomain.StatusProcessing
	default:
		update.Status = paymentdomain.StatusFailed
		update.TransactionType = ledgerdomain.TransactionTypeCharge
		update.TransactionStatus = ledgerdomain.TransactionStatusFailed
	}
	return update, nil
}

func (a *Adapter) Acknowledge(success bool) paymentdomain.Ack {
	if success {
		return paymentdomain.Ack{
			StatusCode:  http.StatusOK,
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte("1|OK"),
		}
	}
	return paymentdomain.Ack{
		StatusCode:  http.StatusBadRequest,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte("0|Error"),
	}
}

func (a *Adapter) endpoint(configuration map[string]any) string {
	gateway := a.cfg.Get()
	if env, _ := configuration[confEnvironment].(string); strings.EqualFold(strings.TrimSpace(env), environmentProduction) {
		return gateway.ECPay.ProductionEndpoint
	}
	return gateway.ECPay.StageEndpoint
}

type credentials struct {
	merchantID string
	hashKey    string
	hashIV     string
}

func parseCredentials(creds paymentdomain.Credentials) (credentials, bool) {
	c := credentials{
		merchantID: creds.String(credMerchantID),
		hashKey:    creds.String(credHashKey),
		hashIV:     creds.String(credHashIV),
	}
	if !merchantIDPattern.MatchString(c.merchantID) {
		return credentials{}, false
	}
	if len(c.hashKey) != 16 || len(c.hashIV) != 16 {
		return credentials{}, false
	}
	return c, true
}

// callbackFields flattens the urlencoded callback. Repeated keys are
// rejected since ECPay never sends them and they make the MAC ambiguous.
func callbackFields(cb paymentdomain.CallbackData) (map[string]string, error) {
	form := cb.Form
	if len(form) == 0 {
		parsed, err := url.ParseQuery(string(cb.Body))
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		form = parsed
	}
	if len(form) == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	fields := make(map[string]string, len(form))
	for key, values := range form {
		if len(values) != 1 {
			return nil, paymentdomain.ErrInvalidPayload
		}
		fields[key] = values[0]
	}
	return fields, nil
}

func choosePayment(configuration map[string]any) string {
	if value, ok := configuration[confChoosePayment].(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return "ALL"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}

var _ paymentdomain.Provider = (*Adapter)(nil)
