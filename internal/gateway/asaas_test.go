package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

func newTestAsaas(t *testing.T, handler http.HandlerFunc) *Asaas {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAsaas(config.Gateway{BaseURL: srv.URL, APIKey: "test-key"}, srv.Client())
}

func TestEnsureCustomerReusesExisting(t *testing.T) {
	var posts int32
	a := newTestAsaas(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("access_token") != "test-key" {
			t.Errorf("missing access token header")
		}
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("cpfCnpj") != "12345678909" {
				t.Errorf("expected digits-only document, got %q", r.URL.Query().Get("cpfCnpj"))
			}
			_, _ = w.Write([]byte(`{"data":[{"id":"cus_1","name":"Ana","cpfCnpj":"12345678909"}]}`))
		default:
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	id, err := a.EnsureCustomer(context.Background(), Customer{Name: "Ana", CPFCNPJ: "123.456.789-09"})
	if err != nil {
		t.Fatalf("ensure customer: %v", err)
	}
	if id != "cus_1" || atomic.LoadInt32(&posts) != 0 {
		t.Fatalf("expected existing customer, got %q (posts=%d)", id, posts)
	}
}

func TestCreatePixChargeFetchesQRCode(t *testing.T) {
	a := newTestAsaas(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/payments":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if body["billingType"] != "PIX" || body["value"] != 50.0 || body["dueDate"] != "2025-03-02" {
				t.Errorf("unexpected charge body: %v", body)
			}
			_, _ = w.Write([]byte(`{"id":"pay_1","status":"PENDING","billingType":"PIX","value":50.00,"invoiceUrl":"https://pay/1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/payments/pay_1/pixQrCode":
			_, _ = w.Write([]byte(`{"encodedImage":"aW1n","payload":"000201"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	p, err := a.CreateCharge(context.Background(), ChargeRequest{
		CustomerID:  "cus_1",
		BillingType: BillingPix,
		Value:       decimal.RequireFromString("50"),
		Description: "Order #1",
		DueDate:     time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	if p.ID != "pay_1" || p.PixCopyPaste != "000201" || !p.Value.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected payment: %+v", p)
	}
}

func TestGetPaymentRetriesServerErrors(t *testing.T) {
	var calls int32
	a := newTestAsaas(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"pay_9","status":"RECEIVED","value":12.5}`))
	})

	p, err := a.GetPayment(context.Background(), "pay_9")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.Status != "RECEIVED" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected retry then success, got %+v after %d calls", p, calls)
	}
}

func TestGatewayErrorsMapToAppErrors(t *testing.T) {
	a := newTestAsaas(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"invalid_value","description":"value must be positive"}]}`))
	})

	_, err := a.CreateCharge(context.Background(), ChargeRequest{CustomerID: "c", BillingType: BillingBoleto})
	appErr := errorbank.From(err)
	if appErr.Kind() != errorbank.KindUnprocessableEntity || appErr.Message() != "value must be positive" {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := (Disabled{}).GetPayment(context.Background(), "x"); !errorbank.HasCode(err, errorbank.CodeGatewayUnavailable) {
		t.Fatalf("disabled gateway should report unavailable, got %v", err)
	}
}
