package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// DefaultInvoiceTTL bounds how long an open invoice is reconciled before it
// expires, in seconds.
const DefaultInvoiceTTL = 300

// UserRef is the identity slice of a principal embedded in persisted records.
type UserRef struct {
	ID       int64  `json:"userid"`
	Username string `json:"username"`
}

// Invoice is a monetary claim identified by its payment hash, redeemable
// once. The payment hash is assigned by the gateway and never reused after
// the record is deleted.
type Invoice struct {
	PaymentHash    string   `json:"payment_hash" validate:"required"`
	PaymentRequest string   `json:"payment_request"`
	Amount         int64    `json:"amount_to_pay" validate:"gt=0"`
	Recipient      UserRef  `json:"recipient"`
	Payer          UserRef  `json:"payer"`
	TrackURIs      []string `json:"track_uris"`
	Title          string   `json:"title"`
	ChatID         int64    `json:"chat_id"`
	MessageID      int64    `json:"message_id"`
	TTL            int      `json:"ttl"`
}

// NewInvoice creates an invoice shell from a gateway hash/request pair.
func NewInvoice(paymentHash, paymentRequest string) *Invoice {
	return &Invoice{
		PaymentHash:    paymentHash,
		PaymentRequest: paymentRequest,
		TTL:            DefaultInvoiceTTL,
	}
}

// Key returns the store key for this invoice.
func (i *Invoice) Key() string {
	return InvoiceKey(i.PaymentHash)
}

// InvoiceKey builds the store key for a payment hash.
func InvoiceKey(paymentHash string) string {
	return fmt.Sprintf("invoice:%s", paymentHash)
}

func (i *Invoice) Validate() error {
	v := validator.New()

	return v.Struct(i)
}

// ToJSON serializes the full record for persistence.
func (i *Invoice) ToJSON() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("failed to marshal invoice %s: %w", i.PaymentHash, err)
	}
	return string(data), nil
}

// InvoiceFromJSON restores a persisted record. The stored payment hash must
// match the key it was loaded under.
func InvoiceFromJSON(paymentHash, data string) (*Invoice, error) {
	var inv Invoice
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice %s: %w", paymentHash, err)
	}
	if inv.PaymentHash != paymentHash {
		return nil, fmt.Errorf("invoice record %s carries foreign payment hash %s", paymentHash, inv.PaymentHash)
	}
	return &inv, nil
}
