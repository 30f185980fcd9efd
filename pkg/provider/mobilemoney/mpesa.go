package mobilemoney

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/provider/refstore"

	"golang.org/x/sync/singleflight"
)

// MPesaConfig configures the M-Pesa gateway.
type MPesaConfig struct {
	Name               string `mapstructure:"name"`
	BaseURL            string `mapstructure:"base_url"`
	ConsumerKey        string `mapstructure:"consumer_key"`
	ConsumerSecret     string `mapstructure:"consumer_secret"`
	ShortCode          string `mapstructure:"short_code"`
	Passkey            string `mapstructure:"passkey"`
	CallbackURL        string `mapstructure:"callback_url"`
	ResultURL          string `mapstructure:"result_url"`
	TimeoutURL         string `mapstructure:"timeout_url"`
	InitiatorName      string `mapstructure:"initiator_name"`
	SecurityCredential string `mapstructure:"security_credential"`

	// TokenTTL is how long an access token is reused (default: 3400s)
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// Timeout bounds each HTTP round trip (default: 30s)
	Timeout time.Duration `mapstructure:"timeout"`
	// PromptTimeout is how long an STK push the gateway has no checkout id
	// for may still be answered by the customer (default: 3m)
	PromptTimeout time.Duration `mapstructure:"prompt_timeout"`

	// Submissions records what was sent under each reference. Without a
	// durable store a restart loses them (default: in memory)
	Submissions refstore.Store `mapstructure:"-"`
}

// DefaultMPesaConfig returns the sandbox endpoint with no credentials.
func DefaultMPesaConfig() MPesaConfig {
	return MPesaConfig{
		Name:          "mpesa",
		BaseURL:       "https://sandbox.safaricom.co.ke",
		InitiatorName: "testapi",
		TokenTTL:      3400 * time.Second,
		Timeout:       30 * time.Second,
		PromptTimeout: 3 * time.Minute,
	}
}

// Validate checks the credentials needed to obtain tokens.
func (c MPesaConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("mpesa: base url is required")
	}
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return fmt.Errorf("mpesa: consumer key and secret are required")
	}
	if c.ShortCode == "" {
		return fmt.Errorf("mpesa: short code is required")
	}
	return nil
}

// mpesaStillProcessing is the error code the STK query returns while the
// customer has not answered the prompt.
const mpesaStillProcessing = "500.001.1001"

// Submission kinds recorded in the store.
const (
	kindSTK = "stk"
	kindB2C = "b2c"
)

// MPesa collects deposits with STK push and pays withdrawals with B2C.
//
// Access tokens are cached and refreshed through a singleflight group so
// concurrent workers never request more than one token at a time.
// M-Pesa identifies STK pushes by its own checkout id, so the gateway
// records every submission in config.Submissions before and after the call.
// B2C payouts carry the reference as OriginatorConversationID and can be
// looked up with the transaction status API when the answer was lost.
type MPesa struct {
	config MPesaConfig
	client *http.Client
	subs   refstore.Store
	now    func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	token   string
	expires time.Time
}

// NewMPesa creates an M-Pesa gateway.
func NewMPesa(config MPesaConfig) *MPesa {
	if config.Name == "" {
		config.Name = "mpesa"
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 3400 * time.Second
	}
	if config.PromptTimeout <= 0 {
		config.PromptTimeout = 3 * time.Minute
	}
	subs := config.Submissions
	if subs == nil {
		subs = refstore.NewMemory()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &MPesa{
		config: config,
		client: provider.NewHTTPClient(config.Timeout),
		subs:   subs,
		now:    time.Now,
	}
}

// Name implements provider.Gateway.
func (m *MPesa) Name() string {
	return m.config.Name
}

type mpesaToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Token returns a cached access token, fetching a new one when it expired.
func (m *MPesa) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	token, expires := m.token, m.expires
	m.mu.RUnlock()
	if token != "" && m.now().Before(expires) {
		return token, nil
	}

	v, err, _ := m.group.Do("token", func() (interface{}, error) {
		return m.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *MPesa) fetchToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token, expires := m.token, m.expires
	m.mu.RUnlock()
	if token != "" && m.now().Before(expires) {
		return token, nil
	}

	req, err := provider.NewJSONRequest(ctx, http.MethodGet, m.config.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(m.config.ConsumerKey, m.config.ConsumerSecret)

	var resp mpesaToken
	if err := provider.Do(m.client, req, &resp); err != nil {
		return "", fmt.Errorf("mpesa token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("mpesa token: empty access token")
	}

	m.mu.Lock()
	m.token = resp.AccessToken
	m.expires = m.now().Add(m.config.TokenTTL)
	m.mu.Unlock()
	return resp.AccessToken, nil
}

// password returns the STK password and the timestamp it was built from.
func (m *MPesa) password() (string, string) {
	ts := m.now().Format("20060102150405")
	raw := m.config.ShortCode + m.config.Passkey + ts
	return base64.StdEncoding.EncodeToString([]byte(raw)), ts
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type b2cRequest struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	InitiatorName            string `json:"InitiatorName"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   string `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Occasion                 string `json:"Occasion"`
}

type b2cResponse struct {
	ConversationID      string `json:"ConversationID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

type transactionStatusRequest struct {
	Initiator                string `json:"Initiator"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	TransactionID            string `json:"TransactionID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	PartyA                   string `json:"PartyA"`
	IdentifierType           string `json:"IdentifierType"`
	ResultURL                string `json:"ResultURL"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	Remarks                  string `json:"Remarks"`
	Occasion                 string `json:"Occasion"`
}

// record stores a submission. Failing to record one before the call means
// a later status probe could not find it, so the call is not made.
func (m *MPesa) record(ctx context.Context, ref, kind, id string) error {
	err := m.subs.Put(ctx, ref, refstore.Entry{Kind: kind, ID: id, At: m.now()})
	if err != nil {
		return fmt.Errorf("mpesa: record %s: %w", ref, err)
	}
	return nil
}

// SettleDeposit sends an STK push prompt to the customer's phone. The
// customer answers asynchronously, so an accepted push is pending.
func (m *MPesa) SettleDeposit(ctx context.Context, req provider.Request) (provider.Result, error) {
	if req.Destination == "" {
		return provider.Result{}, provider.Permanent(provider.ErrMissingDestination)
	}
	password, ts := m.password()
	payload := stkPushRequest{
		BusinessShortCode: m.config.ShortCode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.String(),
		PartyA:            req.Destination,
		PartyB:            m.config.ShortCode,
		PhoneNumber:       req.Destination,
		CallBackURL:       m.config.CallbackURL,
		AccountReference:  req.Reference(),
		TransactionDesc:   "Wallet Deposit",
	}

	if err := m.record(ctx, req.Reference(), kindSTK, ""); err != nil {
		return provider.Result{}, err
	}
	var resp stkPushResponse
	if err := m.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return provider.Result{}, err
	}
	if resp.ResponseCode != "0" {
		return provider.Result{Status: provider.StatusFailed, Reason: resp.ResponseDescription}, nil
	}
	// Without the checkout id the probe times the prompt out instead
	m.record(ctx, req.Reference(), kindSTK, resp.CheckoutRequestID)
	return provider.Result{Status: provider.StatusPending, ExternalRef: resp.CheckoutRequestID}, nil
}

// SettleWithdraw submits a B2C payment. An accepted payment is final on
// M-Pesa's side; its result callback only reports delivery.
func (m *MPesa) SettleWithdraw(ctx context.Context, req provider.Request) (provider.Result, error) {
	if req.Destination == "" {
		return provider.Result{}, provider.Permanent(provider.ErrMissingDestination)
	}
	payload := b2cRequest{
		OriginatorConversationID: req.Reference(),
		InitiatorName:            m.config.InitiatorName,
		SecurityCredential:       m.config.SecurityCredential,
		CommandID:                "BusinessPayment",
		Amount:                   req.Amount.String(),
		PartyA:                   m.config.ShortCode,
		PartyB:                   req.Destination,
		Remarks:                  "Wallet Withdrawal",
		QueueTimeOutURL:          m.config.TimeoutURL,
		ResultURL:                m.config.ResultURL,
		Occasion:                 req.Reference(),
	}

	if err := m.record(ctx, req.Reference(), kindB2C, ""); err != nil {
		return provider.Result{}, err
	}
	var resp b2cResponse
	if err := m.post(ctx, "/mpesa/b2c/v1/paymentrequest", payload, &resp); err != nil {
		return provider.Result{}, err
	}
	if resp.ResponseCode != "0" {
		return provider.Result{Status: provider.StatusFailed, Reason: resp.ResponseDescription}, nil
	}
	// Without the conversation id the probe falls back to the status query
	m.record(ctx, req.Reference(), kindB2C, resp.ConversationID)
	return provider.Result{Status: provider.StatusSucceeded, ExternalRef: resp.ConversationID}, nil
}

// Status reports on an earlier submission for req.Reference(), including
// one made by a process that has since stopped.
func (m *MPesa) Status(ctx context.Context, req provider.Request) (provider.Result, error) {
	sub, ok, err := m.subs.Get(ctx, req.Reference())
	if err != nil {
		return provider.Result{}, err
	}
	if !ok {
		return provider.Result{Status: provider.StatusNotFound}, nil
	}

	switch {
	case sub.Kind == kindB2C && sub.ID != "":
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: sub.ID}, nil
	case sub.Kind == kindB2C:
		return m.queryPayout(ctx, req)
	case sub.ID == "":
		// The push may have reached the customer; it cannot be queried
		// without its checkout id, so wait out the prompt.
		if m.now().Sub(sub.At) < m.config.PromptTimeout {
			return provider.Result{Status: provider.StatusPending}, nil
		}
		return provider.Result{Status: provider.StatusFailed, Reason: "stk_push_unconfirmed"}, nil
	}
	return m.queryPush(ctx, sub.ID)
}

func (m *MPesa) queryPush(ctx context.Context, checkoutID string) (provider.Result, error) {
	password, ts := m.password()
	payload := stkQueryRequest{
		BusinessShortCode: m.config.ShortCode,
		Password:          password,
		Timestamp:         ts,
		CheckoutRequestID: checkoutID,
	}

	var resp stkQueryResponse
	err := m.post(ctx, "/mpesa/stkpushquery/v1/query", payload, &resp)
	var httpErr *provider.HTTPError
	switch {
	case err == nil:
	case errors.As(err, &httpErr) && strings.Contains(httpErr.Body, mpesaStillProcessing):
		return provider.Result{Status: provider.StatusPending, ExternalRef: checkoutID}, nil
	default:
		return provider.Result{}, err
	}

	if resp.ResultCode == "0" {
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: checkoutID}, nil
	}
	return provider.Result{Status: provider.StatusFailed, ExternalRef: checkoutID, Reason: resp.ResultDesc}, nil
}

// queryPayout asks M-Pesa about a B2C payment whose answer never arrived.
// The query is answered on ResultURL, so an accepted query means the
// payment is known and still pending here; it is never sent twice.
func (m *MPesa) queryPayout(ctx context.Context, req provider.Request) (provider.Result, error) {
	payload := transactionStatusRequest{
		Initiator:                m.config.InitiatorName,
		SecurityCredential:       m.config.SecurityCredential,
		CommandID:                "TransactionStatusQuery",
		OriginatorConversationID: req.Reference(),
		PartyA:                   m.config.ShortCode,
		IdentifierType:           "4",
		ResultURL:                m.config.ResultURL,
		QueueTimeOutURL:          m.config.TimeoutURL,
		Remarks:                  "Wallet Withdrawal Status",
		Occasion:                 req.Reference(),
	}

	var resp b2cResponse
	if err := m.post(ctx, "/mpesa/transactionstatus/v1/query", payload, &resp); err != nil {
		// %v drops Permanent: a rejected query must not read as not_found
		return provider.Result{}, fmt.Errorf("mpesa: transaction status for %s: %v", req.Reference(), err)
	}
	if resp.ResponseCode != "0" {
		return provider.Result{}, fmt.Errorf("mpesa: transaction status for %s: %s", req.Reference(), resp.ResponseDescription)
	}
	return provider.Result{Status: provider.StatusPending, ExternalRef: resp.ConversationID}, nil
}

func (m *MPesa) post(ctx context.Context, path string, payload any, out any) error {
	token, err := m.Token(ctx)
	if err != nil {
		return err
	}
	body, err := provider.EncodeJSON(payload)
	if err != nil {
		return provider.Permanent(err)
	}
	req, err := provider.NewJSONRequest(ctx, http.MethodPost, m.config.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return provider.Do(m.client, req, out)
}

var _ provider.Gateway = (*MPesa)(nil)
