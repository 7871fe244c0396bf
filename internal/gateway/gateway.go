// Package gateway talks to the Asaas payment gateway.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/config"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

// BillingType is the gateway's name for a payment method.
type BillingType string

const (
	BillingPix        BillingType = "PIX"
	BillingBoleto     BillingType = "BOLETO"
	BillingCreditCard BillingType = "CREDIT_CARD"
)

// Customer identifies the payer; CPFCNPJ is the lookup key.
type Customer struct {
	Name    string
	Email   string
	CPFCNPJ string
	Phone   string
}

// CreditCard carries raw card data for CREDIT_CARD charges. It is never persisted.
type CreditCard struct {
	HolderName  string
	Number      string
	ExpiryMonth string
	ExpiryYear  string
	CCV         string
}

// CardHolder is the billing identity attached to a card charge.
type CardHolder struct {
	Name          string
	Email         string
	CPFCNPJ       string
	Phone         string
	PostalCode    string
	AddressNumber string
}

// ChargeRequest describes one charge to create.
type ChargeRequest struct {
	CustomerID  string
	BillingType BillingType
	Value       decimal.Decimal
	Description string
	DueDate     time.Time
	Card        *CreditCard
	Holder      *CardHolder
}

// Payment is the gateway's view of a charge.
type Payment struct {
	ID           string
	Status       string
	BillingType  string
	Value        decimal.Decimal
	InvoiceURL   string
	BankSlipURL  string
	PixQRCode    string
	PixCopyPaste string
}

// Client is the subset of the gateway API the payment service needs.
type Client interface {
	EnsureCustomer(ctx context.Context, customer Customer) (string, error)
	CreateCharge(ctx context.Context, req ChargeRequest) (*Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}

// Module provides the configured gateway Client.
var Module = fx.Provide(New)

// New returns an Asaas client, or a disabled client when no gateway is configured.
func New(cfg config.Config, logger *zap.Logger) Client {
	if !cfg.Gateway.Enabled {
		logger.Info("payment gateway disabled; only cash orders can be settled")
		return Disabled{}
	}
	logger.Info("payment gateway configured", zap.String("environment", cfg.Gateway.Environment))
	return NewAsaas(cfg.Gateway, &http.Client{Timeout: cfg.Gateway.Timeout})
}

// Disabled rejects every call with CodeGatewayUnavailable.
type Disabled struct{}

func unavailable() error {
	return errorbank.Unprocessable("payment gateway is not configured", errorbank.WithCode(errorbank.CodeGatewayUnavailable))
}

func (Disabled) EnsureCustomer(context.Context, Customer) (string, error) {
	return "", unavailable()
}

func (Disabled) CreateCharge(context.Context, ChargeRequest) (*Payment, error) {
	return nil, unavailable()
}

func (Disabled) GetPayment(context.Context, string) (*Payment, error) {
	return nil, unavailable()
}
