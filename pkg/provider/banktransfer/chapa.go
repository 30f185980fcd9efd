// Package banktransfer implements a Chapa-style bank gateway: hosted
// checkout for deposits and bank transfers for withdrawals, both verified
// by reference.
package banktransfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wallet-settlement/pkg/ledger"
	"wallet-settlement/pkg/provider"
)

// Config configures the Chapa gateway.
type Config struct {
	Name        string `mapstructure:"name"`
	BaseURL     string `mapstructure:"base_url"`
	SecretKey   string `mapstructure:"secret_key"`
	CallbackURL string `mapstructure:"callback_url"`
	ReturnURL   string `mapstructure:"return_url"`
	Title       string `mapstructure:"title"`

	// Timeout bounds each HTTP round trip (default: 30s)
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the production endpoint with no credentials.
func DefaultConfig() Config {
	return Config{
		Name:    "chapa",
		BaseURL: "https://api.chapa.co/v1",
		Title:   "Wallet",
		Timeout: 30 * time.Second,
	}
}

// Validate checks the credentials.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("chapa: base url is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("chapa: secret key is required")
	}
	return nil
}

// Gateway talks to Chapa with bearer authentication.
type Gateway struct {
	config Config
	client *http.Client
}

// New creates a Chapa gateway.
func New(config Config) *Gateway {
	if config.Name == "" {
		config.Name = "chapa"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Gateway{
		config: config,
		client: provider.NewHTTPClient(config.Timeout),
	}
}

type customization struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type initializeRequest struct {
	Amount        string        `json:"amount"`
	Currency      string        `json:"currency"`
	TxRef         string        `json:"tx_ref"`
	CallbackURL   string        `json:"callback_url,omitempty"`
	ReturnURL     string        `json:"return_url,omitempty"`
	Email         string        `json:"email,omitempty"`
	PhoneNumber   string        `json:"phone_number,omitempty"`
	Customization customization `json:"customization"`
}

type transferRequest struct {
	AccountName   string `json:"account_name,omitempty"`
	AccountNumber string `json:"account_number"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference"`
	BankCode      string `json:"bank_code"`
}

// envelope is the shape of every Chapa response.
type envelope struct {
	Message any    `json:"message"`
	Status  string `json:"status"`
}

func (e envelope) message() string {
	switch m := e.Message.(type) {
	case string:
		return m
	case nil:
		return ""
	default:
		return fmt.Sprint(m)
	}
}

type verifyResponse struct {
	envelope
	Data struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		TxRef     string `json:"tx_ref"`
	} `json:"data"`
}

// Bank is one entry of Chapa's supported bank list.
type Bank struct {
	ID   any    `json:"id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// Name implements provider.Gateway.
func (g *Gateway) Name() string {
	return g.config.Name
}

// SettleDeposit opens a hosted checkout with tx_ref set to the request
// reference. The customer pays asynchronously, so the result is pending.
func (g *Gateway) SettleDeposit(ctx context.Context, req provider.Request) (provider.Result, error) {
	payload := initializeRequest{
		Amount:      req.Amount.String(),
		Currency:    req.Currency,
		TxRef:       req.Reference(),
		CallbackURL: g.config.CallbackURL,
		ReturnURL:   g.config.ReturnURL,
		Email:       req.Meta("email"),
		PhoneNumber: req.Meta("phone"),
		Customization: customization{
			Title:       g.config.Title,
			Description: "Wallet Top-up",
		},
	}

	var resp envelope
	if err := g.send(ctx, http.MethodPost, "/transaction/initialize", payload, &resp); err != nil {
		return provider.Result{}, err
	}
	if resp.Status != "success" {
		return provider.Result{Status: provider.StatusFailed, Reason: resp.message()}, nil
	}
	return provider.Result{Status: provider.StatusPending, ExternalRef: req.Reference()}, nil
}

// SettleWithdraw queues a bank transfer. The destination is the account
// number and the bank code comes from metadata.
func (g *Gateway) SettleWithdraw(ctx context.Context, req provider.Request) (provider.Result, error) {
	if req.Destination == "" || req.Meta(provider.MetaBankCode) == "" {
		return provider.Result{}, provider.Permanent(fmt.Errorf("%w: account number and bank code", provider.ErrMissingDestination))
	}
	payload := transferRequest{
		AccountName:   req.Meta(provider.MetaAccountName),
		AccountNumber: req.Destination,
		Amount:        req.Amount.String(),
		Currency:      req.Currency,
		Reference:     req.Reference(),
		BankCode:      req.Meta(provider.MetaBankCode),
	}

	var resp envelope
	if err := g.send(ctx, http.MethodPost, "/transfers", payload, &resp); err != nil {
		return provider.Result{}, err
	}
	if resp.Status != "success" {
		return provider.Result{Status: provider.StatusFailed, Reason: resp.message()}, nil
	}
	return provider.Result{Status: provider.StatusPending, ExternalRef: req.Reference()}, nil
}

// Status verifies a checkout or transfer by reference.
func (g *Gateway) Status(ctx context.Context, req provider.Request) (provider.Result, error) {
	path := "/transaction/verify/"
	if req.Kind == ledger.KindWithdraw {
		path = "/transfers/verify/"
	}

	var resp verifyResponse
	err := g.send(ctx, http.MethodGet, path+url.PathEscape(req.Reference()), nil, &resp)
	if err != nil {
		if provider.IsNotFound(err) || isUnknownReference(err) {
			return provider.Result{Status: provider.StatusNotFound}, nil
		}
		return provider.Result{}, err
	}

	ref := resp.Data.Reference
	if ref == "" {
		ref = req.Reference()
	}
	switch strings.ToLower(resp.Data.Status) {
	case "success", "successful", "completed":
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: ref}, nil
	case "failed", "failed/cancelled", "cancelled", "reversed":
		return provider.Result{Status: provider.StatusFailed, ExternalRef: ref, Reason: "chapa_" + strings.ToLower(resp.Data.Status)}, nil
	default:
		return provider.Result{Status: provider.StatusPending, ExternalRef: ref}, nil
	}
}

// Banks lists the banks transfers can be sent to.
func (g *Gateway) Banks(ctx context.Context) ([]Bank, error) {
	var resp struct {
		envelope
		Data []Bank `json:"data"`
	}
	if err := g.send(ctx, http.MethodGet, "/banks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (g *Gateway) send(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = provider.EncodeJSON(payload); err != nil {
			return provider.Permanent(err)
		}
	}
	req, err := provider.NewJSONRequest(ctx, method, g.config.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.config.SecretKey)
	return provider.Do(g.client, req, out)
}

// Chapa answers 400 rather than 404 for references it never saw.
func isUnknownReference(err error) bool {
	var httpErr *provider.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(httpErr.Body)
	return strings.Contains(body, "not found") || strings.Contains(body, "invalid transaction")
}

var _ provider.Gateway = (*Gateway)(nil)
