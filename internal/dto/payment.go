package dto

import "github.com/Additional-Code/remedio/internal/gateway"

// ChargeRequest asks the gateway to charge an order.
type ChargeRequest struct {
	OrderID       int64              `json:"order_id"`
	PaymentMethod string             `json:"payment_method"`
	Customer      CustomerRequest    `json:"customer"`
	CreditCard    *CreditCardRequest `json:"credit_card,omitempty"`
	Holder        *CardHolderRequest `json:"credit_card_holder,omitempty"`
}

type CustomerRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	CPFCNPJ string `json:"cpf_cnpj"`
	Phone   string `json:"phone"`
}

type CreditCardRequest struct {
	HolderName  string `json:"holder_name"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
	CCV         string `json:"ccv"`
}

type CardHolderRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	CPFCNPJ       string `json:"cpf_cnpj"`
	PostalCode    string `json:"postal_code"`
	AddressNumber string `json:"address_number"`
	Phone         string `json:"phone"`
}

// PaymentResponse is the client-facing view of a gateway charge.
type PaymentResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status,omitempty"`
	BillingType   string `json:"billing_type"`
	Value         string `json:"value"`
	InvoiceURL    string `json:"invoice_url,omitempty"`
	BankSlipURL   string `json:"bank_slip_url,omitempty"`
	PixQRCode     string `json:"pix_qr_code,omitempty"`
	PixCopyPaste  string `json:"pix_copy_paste,omitempty"`
}

// ChargeResponse is returned after a charge is recorded.
type ChargeResponse struct {
	OrderID int64            `json:"order_id"`
	Method  string           `json:"payment_method"`
	Payment *PaymentResponse `json:"payment,omitempty"`
}

func NewPaymentResponse(p *gateway.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	return &PaymentResponse{
		ID:           p.ID,
		Status:       p.Status,
		BillingType:  p.BillingType,
		Value:        p.Value.StringFixed(2),
		InvoiceURL:   p.InvoiceURL,
		BankSlipURL:  p.BankSlipURL,
		PixQRCode:    p.PixQRCode,
		PixCopyPaste: p.PixCopyPaste,
	}
}

// WebhookRequest is the gateway notification body.
type WebhookRequest struct {
	Event   string `json:"event"`
	Payment *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"payment"`
}
