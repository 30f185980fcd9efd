package provider_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"wallet-settlement/pkg/ledger"
	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/provider/mock"

	"github.com/shopspring/decimal"
)

func TestRequestFrom(t *testing.T) {
	tx := ledger.Transaction{
		ID:        42,
		AccountID: 7,
		Kind:      ledger.KindWithdraw,
		Amount:    decimal.RequireFromString("80"),
		Currency:  "ETB",
		Provider:  "telebirr",
		Metadata:  map[string]string{provider.MetaDestination: "251911000000"},
	}

	req := provider.RequestFrom(tx)
	if req.Reference() != "MAH-42" {
		t.Errorf("Expected reference MAH-42, got %s", req.Reference())
	}
	if req.Destination != "251911000000" {
		t.Errorf("Expected destination from metadata, got %q", req.Destination)
	}

	// The request owns a copy of the metadata
	req.Metadata["x"] = "y"
	if _, ok := tx.Metadata["x"]; ok {
		t.Error("RequestFrom shared the transaction's metadata map")
	}

	if got := (provider.Request{}).Meta("missing"); got != "" {
		t.Errorf("Expected empty meta value, got %q", got)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("rejected")

	if provider.IsPermanent(base) {
		t.Error("Plain errors must not be permanent")
	}
	if provider.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	err := provider.Permanent(base)
	if !provider.IsPermanent(err) {
		t.Error("Expected permanent error")
	}
	if !errors.Is(err, base) {
		t.Error("Permanent must keep the wrapped error")
	}

	wrapped := errors.Join(errors.New("context"), err)
	if !provider.IsPermanent(wrapped) {
		t.Error("Permanence must survive further wrapping")
	}
	if provider.Permanent(err) != err {
		t.Error("Permanent should not double wrap")
	}
}

func TestRegistry(t *testing.T) {
	r := provider.NewRegistry(mock.NewGateway("chapa"), mock.NewGateway("okx"))
	r.Register(mock.NewGateway("mpesa"))

	names := r.Names()
	want := []string{"chapa", "mpesa", "okx"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, names)
		}
	}

	if !r.Has("okx") || r.Has("paypal") {
		t.Error("Has reported the wrong membership")
	}

	if _, err := r.Get("paypal"); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}

	g, err := r.Get("chapa")
	if err != nil || g.Name() != "chapa" {
		t.Fatalf("Get(chapa) = %v, %v", g, err)
	}

	wrapped := 0
	r.Wrap(func(g provider.Gateway) provider.Gateway {
		wrapped++
		return g
	})
	if wrapped != 3 {
		t.Errorf("Expected 3 gateways wrapped, got %d", wrapped)
	}
}

func TestSettleDispatch(t *testing.T) {
	g := mock.NewGateway("mock")
	ctx := context.Background()

	if _, err := provider.Settle(ctx, g, provider.Request{TransactionID: 1, Kind: ledger.KindDeposit}); err != nil {
		t.Fatalf("Settle deposit failed: %v", err)
	}
	if _, err := provider.Settle(ctx, g, provider.Request{TransactionID: 2, Kind: ledger.KindWithdraw}); err != nil {
		t.Fatalf("Settle withdraw failed: %v", err)
	}
	if g.DepositCalls() != 1 || g.WithdrawCalls() != 1 {
		t.Errorf("Expected one call each, got %d/%d", g.DepositCalls(), g.WithdrawCalls())
	}

	_, err := provider.Settle(ctx, g, provider.Request{TransactionID: 3, Kind: "refund"})
	if !provider.IsPermanent(err) || !errors.Is(err, provider.ErrUnsupported) {
		t.Errorf("Expected permanent ErrUnsupported, got %v", err)
	}
}

func TestDoClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		notFound  bool
		permanent bool
		wantErr   bool
	}{
		{name: "ok", status: 200, body: `{"status":"success"}`},
		{name: "not found", status: 404, body: `{}`, notFound: true, permanent: false, wantErr: true},
		{name: "bad request", status: 400, body: `{"message":"invalid account"}`, permanent: true, wantErr: true},
		{name: "rate limited", status: 429, body: `slow down`, wantErr: true},
		{name: "server error", status: 503, body: `down`, wantErr: true},
		{name: "garbage", status: 200, body: `<html>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			req, err := provider.NewJSONRequest(context.Background(), http.MethodGet, srv.URL+"/x", nil)
			if err != nil {
				t.Fatalf("NewJSONRequest failed: %v", err)
			}

			var out struct {
				Status string `json:"status"`
			}
			err = provider.Do(srv.Client(), req, &out)

			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if errors.Is(err, provider.ErrNotFound) != tt.notFound {
				t.Errorf("Expected notFound=%v, got %v", tt.notFound, err)
			}
			if provider.IsPermanent(err) != tt.permanent {
				t.Errorf("Expected permanent=%v, got %v", tt.permanent, err)
			}
			if !tt.wantErr && out.Status != "success" {
				t.Errorf("Expected decoded body, got %+v", out)
			}
		})
	}
}

func TestDoTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	req, _ := provider.NewJSONRequest(context.Background(), http.MethodGet, url, nil)
	err := provider.Do(http.DefaultClient, req, nil)
	if err == nil || provider.IsPermanent(err) {
		t.Errorf("Expected transient transport error, got %v", err)
	}
}

func TestEncodeJSONKeepsCharacters(t *testing.T) {
	b, err := provider.EncodeJSON(map[string]string{"subject": "a&b <c>"})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if string(b) != `{"subject":"a&b <c>"}` {
		t.Errorf("Unexpected encoding %s", b)
	}
}
