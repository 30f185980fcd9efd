// Package mobilemoney implements mobile wallet gateways: a Telebirr-style
// signed JSON API and an M-Pesa-style OAuth API.
package mobilemoney

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wallet-settlement/pkg/provider"
)

// TelebirrConfig configures the Telebirr gateway.
type TelebirrConfig struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	AppID     string `mapstructure:"app_id"`
	AppKey    string `mapstructure:"app_key"`
	ShortCode string `mapstructure:"short_code"`
	NotifyURL string `mapstructure:"notify_url"`
	Subject   string `mapstructure:"subject"`

	// Timeout bounds each HTTP round trip (default: 30s)
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultTelebirrConfig returns the production endpoint with no credentials.
func DefaultTelebirrConfig() TelebirrConfig {
	return TelebirrConfig{
		Name:    "telebirr",
		BaseURL: "https://app.telebirr.com",
		Subject: "Wallet Topup",
		Timeout: 30 * time.Second,
	}
}

// Validate checks the credentials needed to sign requests.
func (c TelebirrConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("telebirr: base url is required")
	}
	if c.AppID == "" || c.AppKey == "" {
		return fmt.Errorf("telebirr: app id and app key are required")
	}
	return nil
}

// Telebirr collects deposits through Telebirr. Telebirr has no payout
// API, so withdrawals are rejected permanently.
type Telebirr struct {
	config TelebirrConfig
	client *http.Client
	now    func() time.Time
}

// NewTelebirr creates a Telebirr gateway.
func NewTelebirr(config TelebirrConfig) *Telebirr {
	if config.Name == "" {
		config.Name = "telebirr"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Telebirr{
		config: config,
		client: provider.NewHTTPClient(config.Timeout),
		now:    time.Now,
	}
}

// Field order is the signing order.
type telebirrInit struct {
	AppID       string `json:"appId"`
	ShortCode   string `json:"shortCode"`
	Subject     string `json:"subject"`
	OutTradeNo  string `json:"outTradeNo"`
	Amount      string `json:"amount"`
	NotifyURL   string `json:"notifyUrl"`
	ReceiveName string `json:"receiveName"`
	Timestamp   string `json:"timestamp"`
	Signature   string `json:"signature,omitempty"`
}

type telebirrQuery struct {
	AppID      string `json:"appId"`
	OutTradeNo string `json:"outTradeNo"`
	Timestamp  string `json:"timestamp"`
	Signature  string `json:"signature,omitempty"`
}

type telebirrResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		ToPayURL      string `json:"toPayUrl"`
		TradeStatus   string `json:"tradeStatus"`
		TransactionNo string `json:"transactionNo"`
	} `json:"data"`
}

// Telebirr answers this code for references it never saw.
const telebirrTradeNotExist = "TRADE_NOT_EXIST"

// Name implements provider.Gateway.
func (t *Telebirr) Name() string {
	return t.config.Name
}

// Sign returns the hex SHA-256 of the compact JSON payload followed by the
// app key. The payload must have an empty signature field.
func (t *Telebirr) Sign(payload any) (string, error) {
	body, err := provider.EncodeJSON(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	sum := sha256.Sum256(append(body, t.config.AppKey...))
	return hex.EncodeToString(sum[:]), nil
}

// VerifySignature checks a signature Telebirr attached to payload.
func (t *Telebirr) VerifySignature(payload any, signature string) bool {
	expected, err := t.Sign(payload)
	return err == nil && expected == signature
}

func (t *Telebirr) timestamp() string {
	return strconv.FormatInt(t.now().UnixMilli(), 10)
}

// SettleDeposit opens a payment order for the customer to approve. The
// order settles asynchronously, so success is reported as pending.
func (t *Telebirr) SettleDeposit(ctx context.Context, req provider.Request) (provider.Result, error) {
	payload := telebirrInit{
		AppID:       t.config.AppID,
		ShortCode:   t.config.ShortCode,
		Subject:     t.config.Subject,
		OutTradeNo:  req.Reference(),
		Amount:      req.Amount.String(),
		NotifyURL:   t.config.NotifyURL,
		ReceiveName: req.Destination,
		Timestamp:   t.timestamp(),
	}
	sig, err := t.Sign(payload)
	if err != nil {
		return provider.Result{}, provider.Permanent(err)
	}
	payload.Signature = sig

	var resp telebirrResponse
	if err := t.post(ctx, "/api/v1/init", payload, &resp); err != nil {
		return provider.Result{}, err
	}
	if resp.Code != "0" {
		return provider.Result{Status: provider.StatusFailed, Reason: telebirrReason(resp)}, nil
	}
	return provider.Result{Status: provider.StatusPending, ExternalRef: req.Reference()}, nil
}

// SettleWithdraw implements provider.Gateway.
func (t *Telebirr) SettleWithdraw(ctx context.Context, req provider.Request) (provider.Result, error) {
	return provider.Result{}, provider.Permanent(fmt.Errorf("%w: telebirr payouts", provider.ErrUnsupported))
}

// Status queries the order opened for req.
func (t *Telebirr) Status(ctx context.Context, req provider.Request) (provider.Result, error) {
	payload := telebirrQuery{
		AppID:      t.config.AppID,
		OutTradeNo: req.Reference(),
		Timestamp:  t.timestamp(),
	}
	sig, err := t.Sign(payload)
	if err != nil {
		return provider.Result{}, provider.Permanent(err)
	}
	payload.Signature = sig

	var resp telebirrResponse
	if err := t.post(ctx, "/api/v1/query", payload, &resp); err != nil {
		if provider.IsNotFound(err) {
			return provider.Result{Status: provider.StatusNotFound}, nil
		}
		return provider.Result{}, err
	}

	switch {
	case resp.Code == telebirrTradeNotExist:
		return provider.Result{Status: provider.StatusNotFound}, nil
	case resp.Code != "0":
		return provider.Result{}, fmt.Errorf("telebirr query: %s", telebirrReason(resp))
	}

	switch strings.ToLower(resp.Data.TradeStatus) {
	case "completed", "success", "paid":
		ref := resp.Data.TransactionNo
		if ref == "" {
			ref = req.Reference()
		}
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: ref}, nil
	case "failed", "expired", "closed", "canceled", "cancelled":
		return provider.Result{Status: provider.StatusFailed, Reason: "telebirr_" + strings.ToLower(resp.Data.TradeStatus)}, nil
	default:
		return provider.Result{Status: provider.StatusPending, ExternalRef: req.Reference()}, nil
	}
}

func (t *Telebirr) post(ctx context.Context, path string, payload any, out any) error {
	body, err := provider.EncodeJSON(payload)
	if err != nil {
		return provider.Permanent(err)
	}
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodPost, t.config.BaseURL+path, body)
	if err != nil {
		return err
	}
	return provider.Do(t.client, httpReq, out)
}

func telebirrReason(resp telebirrResponse) string {
	if resp.Msg != "" {
		return resp.Msg
	}
	return "telebirr code " + resp.Code
}

var _ provider.Gateway = (*Telebirr)(nil)
