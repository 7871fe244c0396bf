package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

const (
	readRetries   = 2
	retryBaseWait = 200 * time.Millisecond
)

// Asaas implements Client against the Asaas v3 REST API.
type Asaas struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAsaas builds a client; cfg.BaseURL is already resolved from the environment.
func NewAsaas(cfg config.Gateway, client *http.Client) *Asaas {
	if client == nil {
		client = http.DefaultClient
	}
	return &Asaas{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
	}
}

type asaasCustomer struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	CPFCNPJ string `json:"cpfCnpj"`
	Phone   string `json:"phone,omitempty"`
}

type asaasList struct {
	Data []asaasCustomer `json:"data"`
}

type asaasCard struct {
	HolderName  string `json:"holderName"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CCV         string `json:"ccv"`
}

type asaasHolder struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	CPFCNPJ       string `json:"cpfCnpj"`
	Phone         string `json:"phone"`
	PostalCode    string `json:"postalCode"`
	AddressNumber string `json:"addressNumber"`
}

type asaasChargeRequest struct {
	Customer    string       `json:"customer"`
	BillingType string       `json:"billingType"`
	Value       json.Number  `json:"value"`
	Description string       `json:"description"`
	DueDate     string       `json:"dueDate"`
	CreditCard  *asaasCard   `json:"creditCard,omitempty"`
	Holder      *asaasHolder `json:"creditCardHolderInfo,omitempty"`
}

type asaasPayment struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	BillingType string          `json:"billingType"`
	Value       decimal.Decimal `json:"value"`
	InvoiceURL  string          `json:"invoiceUrl"`
	BankSlipURL string          `json:"bankSlipUrl"`
}

type asaasPixQRCode struct {
	EncodedImage string `json:"encodedImage"`
	Payload      string `json:"payload"`
}

type asaasErrors struct {
	Errors []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}

// EnsureCustomer returns the id of the customer with the given CPF/CNPJ, creating it when missing.
func (a *Asaas) EnsureCustomer(ctx context.Context, customer Customer) (string, error) {
	doc := digitsOnly(customer.CPFCNPJ)
	if doc == "" {
		return "", errorbank.BadRequest("customer cpfCnpj is required")
	}

	var found asaasList
	if err := a.read(ctx, "/customers?cpfCnpj="+url.QueryEscape(doc), &found); err != nil {
		return "", err
	}
	if len(found.Data) > 0 && found.Data[0].ID != "" {
		return found.Data[0].ID, nil
	}

	var created asaasCustomer
	err := a.do(ctx, http.MethodPost, "/customers", asaasCustomer{
		Name:    customer.Name,
		Email:   customer.Email,
		CPFCNPJ: doc,
		Phone:   digitsOnly(customer.Phone),
	}, &created)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errorbank.Internal("gateway returned a customer without id")
	}
	return created.ID, nil
}

// CreateCharge creates the charge and, for PIX, fetches its QR code.
func (a *Asaas) CreateCharge(ctx context.Context, req ChargeRequest) (*Payment, error) {
	body := asaasChargeRequest{
		Customer:    req.CustomerID,
		BillingType: string(req.BillingType),
		Value:       json.Number(req.Value.StringFixed(2)),
		Description: req.Description,
		DueDate:     req.DueDate.Format("2006-01-02"),
	}
	if req.BillingType == BillingCreditCard {
		if req.Card == nil || req.Holder == nil {
			return nil, errorbank.BadRequest("credit card and holder info are required")
		}
		body.CreditCard = &asaasCard{
			HolderName:  req.Card.HolderName,
			Number:      strings.ReplaceAll(req.Card.Number, " ", ""),
			ExpiryMonth: req.Card.ExpiryMonth,
			ExpiryYear:  req.Card.ExpiryYear,
			CCV:         req.Card.CCV,
		}
		body.Holder = &asaasHolder{
			Name:          req.Holder.Name,
			Email:         req.Holder.Email,
			CPFCNPJ:       digitsOnly(req.Holder.CPFCNPJ),
			Phone:         digitsOnly(req.Holder.Phone),
			PostalCode:    digitsOnly(req.Holder.PostalCode),
			AddressNumber: req.Holder.AddressNumber,
		}
	}

	var created asaasPayment
	if err := a.do(ctx, http.MethodPost, "/payments", body, &created); err != nil {
		return nil, err
	}
	payment := toPayment(created)

	if req.BillingType == BillingPix {
		var qr asaasPixQRCode
		// A missing QR code leaves the charge usable through its invoice URL.
		if err := a.read(ctx, "/payments/"+url.PathEscape(created.ID)+"/pixQrCode", &qr); err == nil {
			payment.PixQRCode = qr.EncodedImage
			payment.PixCopyPaste = qr.Payload
		}
	}
	return payment, nil
}

// GetPayment fetches the current gateway state of a charge.
func (a *Asaas) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, errorbank.BadRequest("payment id is required")
	}
	var p asaasPayment
	if err := a.read(ctx, "/payments/"+url.PathEscape(paymentID), &p); err != nil {
		return nil, err
	}
	return toPayment(p), nil
}

func toPayment(p asaasPayment) *Payment {
	return &Payment{
		ID:          p.ID,
		Status:      p.Status,
		BillingType: p.BillingType,
		Value:       p.Value,
		InvoiceURL:  p.InvoiceURL,
		BankSlipURL: p.BankSlipURL,
	}
}

// read issues an idempotent GET, retrying transport failures and 5xx responses.
func (a *Asaas) read(ctx context.Context, path string, out any) error {
	backoff := retry.WithMaxRetries(readRetries, retry.NewExponential(retryBaseWait))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := a.do(ctx, http.MethodGet, path, nil, out)
		var transient *transientError
		if errors.As(err, &transient) {
			return retry.RetryableError(err)
		}
		return err
	})
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (a *Asaas) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode gateway request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("access_token", a.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &transientError{err: errorbank.Internal("payment gateway unreachable",
			errorbank.WithCode(errorbank.CodeGatewayUnavailable), errorbank.WithCause(err))}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return &transientError{err: errorbank.Internal("payment gateway failed",
			errorbank.WithCode(errorbank.CodeGatewayUnavailable),
			errorbank.WithDetail("status", resp.StatusCode))}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr asaasErrors
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		message := "payment gateway rejected the request"
		if len(apiErr.Errors) > 0 && apiErr.Errors[0].Description != "" {
			message = apiErr.Errors[0].Description
		}
		if resp.StatusCode == http.StatusNotFound {
			return errorbank.NotFound(message)
		}
		return errorbank.Unprocessable(message, errorbank.WithDetail("status", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
