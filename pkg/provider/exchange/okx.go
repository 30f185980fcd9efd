// Package exchange implements an OKX-style crypto exchange gateway with
// HMAC-SHA256 signed requests. Withdrawals are on-chain payouts; deposits
// are confirmed against the exchange's deposit history.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wallet-settlement/pkg/ledger"
	"wallet-settlement/pkg/provider"
)

// ErrMissingTxHash is returned when a deposit names no on-chain transaction.
var ErrMissingTxHash = errors.New("exchange: deposit has no tx_hash")

// Config configures the OKX gateway.
type Config struct {
	Name       string `mapstructure:"name"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Passphrase string `mapstructure:"passphrase"`
	// Chain is used when a transaction's metadata names none (default: TRC20)
	Chain string `mapstructure:"chain"`
	// Fee is the on-chain withdrawal fee to offer (default: 1)
	Fee string `mapstructure:"fee"`

	// Timeout bounds each HTTP round trip (default: 30s)
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the production endpoint with no credentials.
func DefaultConfig() Config {
	return Config{
		Name:    "okx",
		BaseURL: "https://www.okx.com",
		Chain:   "TRC20",
		Fee:     "1",
		Timeout: 30 * time.Second,
	}
}

// Validate checks the credentials.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("okx: base url is required")
	}
	if c.APIKey == "" || c.SecretKey == "" || c.Passphrase == "" {
		return fmt.Errorf("okx: api key, secret key and passphrase are required")
	}
	return nil
}

// OKX response codes that mean "try again later".
var transientCodes = map[string]bool{
	"50001": true, // service temporarily unavailable
	"50004": true, // endpoint request timeout
	"50011": true, // rate limit reached
	"50013": true, // system busy
}

// Gateway talks to the OKX v5 REST API.
type Gateway struct {
	config Config
	client *http.Client
	now    func() time.Time
}

// New creates an OKX gateway.
func New(config Config) *Gateway {
	if config.Name == "" {
		config.Name = "okx"
	}
	if config.Chain == "" {
		config.Chain = "TRC20"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Gateway{
		config: config,
		client: provider.NewHTTPClient(config.Timeout),
		now:    time.Now,
	}
}

type withdrawalRequest struct {
	Ccy      string `json:"ccy"`
	Amt      string `json:"amt"`
	Dest     string `json:"dest"`
	ToAddr   string `json:"toAddr"`
	Chain    string `json:"chain"`
	Fee      string `json:"fee,omitempty"`
	ClientID string `json:"clientId"`
}

type response[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type withdrawalAck struct {
	WdID     string `json:"wdId"`
	ClientID string `json:"clientId"`
}

type historyEntry struct {
	State    string `json:"state"`
	TxID     string `json:"txId"`
	WdID     string `json:"wdId"`
	DepID    string `json:"depId"`
	ClientID string `json:"clientId"`
}

// Name implements provider.Gateway.
func (g *Gateway) Name() string {
	return g.config.Name
}

// Sign returns base64(HMAC-SHA256(secret, timestamp+METHOD+path+body)).
// path includes the query string.
func (g *Gateway) Sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(g.config.SecretKey))
	mac.Write([]byte(timestamp + strings.ToUpper(method) + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ClientID derives the exchange-side idempotency id from the reference.
// OKX only accepts letters and digits.
func ClientID(req provider.Request) string {
	return strings.ReplaceAll(req.Reference(), "-", "")
}

// SettleDeposit confirms an inbound on-chain deposit named by the tx_hash
// metadata entry.
func (g *Gateway) SettleDeposit(ctx context.Context, req provider.Request) (provider.Result, error) {
	if req.Meta(provider.MetaTxHash) == "" {
		return provider.Result{}, provider.Permanent(ErrMissingTxHash)
	}
	res, err := g.depositStatus(ctx, req)
	if err != nil {
		return provider.Result{}, err
	}
	if res.Status == provider.StatusNotFound {
		return provider.Result{Status: provider.StatusFailed, Reason: "okx_deposit_not_found"}, nil
	}
	return res, nil
}

// SettleWithdraw submits an on-chain withdrawal. The exchange processes it
// asynchronously, so an accepted withdrawal is pending.
func (g *Gateway) SettleWithdraw(ctx context.Context, req provider.Request) (provider.Result, error) {
	if req.Destination == "" {
		return provider.Result{}, provider.Permanent(provider.ErrMissingDestination)
	}
	payload := withdrawalRequest{
		Ccy:      req.Currency,
		Amt:      req.Amount.String(),
		Dest:     "4", // on-chain
		ToAddr:   req.Destination,
		Chain:    g.chain(req),
		Fee:      g.config.Fee,
		ClientID: ClientID(req),
	}
	body, err := provider.EncodeJSON(payload)
	if err != nil {
		return provider.Result{}, provider.Permanent(err)
	}

	var resp response[withdrawalAck]
	if err := g.send(ctx, http.MethodPost, "/api/v5/asset/withdrawal", body, &resp); err != nil {
		return provider.Result{}, err
	}
	if resp.Code != "0" {
		return g.rejected(resp.Code, resp.Msg)
	}
	ref := ""
	if len(resp.Data) > 0 {
		ref = resp.Data[0].WdID
	}
	return provider.Result{Status: provider.StatusPending, ExternalRef: ref}, nil
}

// Status looks the request up in the deposit or withdrawal history.
func (g *Gateway) Status(ctx context.Context, req provider.Request) (provider.Result, error) {
	if req.Kind == ledger.KindDeposit {
		if req.Meta(provider.MetaTxHash) == "" {
			return provider.Result{Status: provider.StatusNotFound}, nil
		}
		return g.depositStatus(ctx, req)
	}

	q := url.Values{"clientId": {ClientID(req)}}
	var resp response[historyEntry]
	if err := g.send(ctx, http.MethodGet, "/api/v5/asset/withdrawal-history?"+q.Encode(), nil, &resp); err != nil {
		return provider.Result{}, err
	}
	if resp.Code != "0" {
		return g.queryFailed(resp.Code, resp.Msg)
	}
	if len(resp.Data) == 0 {
		return provider.Result{Status: provider.StatusNotFound}, nil
	}

	e := resp.Data[0]
	ref := e.TxID
	if ref == "" {
		ref = e.WdID
	}
	switch e.State {
	case "2":
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: ref}, nil
	case "-1", "-2", "-3":
		return provider.Result{Status: provider.StatusFailed, ExternalRef: ref, Reason: "okx_withdrawal_state_" + e.State}, nil
	default:
		return provider.Result{Status: provider.StatusPending, ExternalRef: ref}, nil
	}
}

func (g *Gateway) depositStatus(ctx context.Context, req provider.Request) (provider.Result, error) {
	q := url.Values{"ccy": {req.Currency}, "txId": {req.Meta(provider.MetaTxHash)}}
	var resp response[historyEntry]
	if err := g.send(ctx, http.MethodGet, "/api/v5/asset/deposit-history?"+q.Encode(), nil, &resp); err != nil {
		return provider.Result{}, err
	}
	if resp.Code != "0" {
		return g.queryFailed(resp.Code, resp.Msg)
	}
	if len(resp.Data) == 0 {
		return provider.Result{Status: provider.StatusNotFound}, nil
	}

	e := resp.Data[0]
	switch e.State {
	case "2":
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: e.TxID}, nil
	case "0", "1", "8", "11", "12", "13", "14":
		return provider.Result{Status: provider.StatusPending, ExternalRef: e.TxID}, nil
	default:
		return provider.Result{Status: provider.StatusFailed, ExternalRef: e.TxID, Reason: "okx_deposit_state_" + e.State}, nil
	}
}

func (g *Gateway) chain(req provider.Request) string {
	chain := req.Meta(provider.MetaChain)
	if chain == "" {
		chain = g.config.Chain
	}
	if strings.Contains(chain, "-") {
		return chain
	}
	return req.Currency + "-" + chain
}

func (g *Gateway) rejected(code, msg string) (provider.Result, error) {
	if transientCodes[code] {
		return provider.Result{}, fmt.Errorf("okx %s: %s", code, msg)
	}
	return provider.Result{Status: provider.StatusFailed, Reason: fmt.Sprintf("okx_%s: %s", code, msg)}, nil
}

func (g *Gateway) queryFailed(code, msg string) (provider.Result, error) {
	err := fmt.Errorf("okx %s: %s", code, msg)
	if transientCodes[code] {
		return provider.Result{}, err
	}
	return provider.Result{}, provider.Permanent(err)
}

func (g *Gateway) send(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := provider.NewJSONRequest(ctx, method, g.config.BaseURL+path, body)
	if err != nil {
		return err
	}
	ts := g.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("OK-ACCESS-KEY", g.config.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", g.Sign(ts, method, path, string(body)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", g.config.Passphrase)
	return provider.Do(g.client, req, out)
}

var _ provider.Gateway = (*Gateway)(nil)
