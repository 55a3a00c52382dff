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

	"github.com/wholestack/jukebox/internal/pkg/env"
)

const (
	defaultRequestTimeout = 15 * time.Second

	paymentsPath    = "/api/v1/payments"
	walletPath      = "/api/v1/wallet"
	usersPath       = "/usermanager/api/v1/users"
	walletsPath     = "/usermanager/api/v1/wallets"
	extensionsPath  = "/usermanager/api/v1/extensions"
	payLinksPath    = "/lnurlp/api/v1/links"
	apiKeyHeader    = "X-Api-Key"
	contentTypeJSON = "application/json"
)

// Error reports a rejecting or unreachable gateway. Callers surface it as
// "payment unavailable" and must not persist partial state.
type Error struct {
	Op     string
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway: %s failed with status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("gateway: %s failed: %s", e.Op, e.Detail)
}

// InvoiceRef is the hash/request pair minted for a new invoice.
type InvoiceRef struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
}

// PaymentResult is the outcome of an immediate balance-funded payment.
type PaymentResult struct {
	Success bool
	Detail  string
}

// Wallet holds the gateway-side wallet credentials of a principal.
type Wallet struct {
	ID         string `json:"id"`
	InvoiceKey string `json:"inkey"`
	AdminKey   string `json:"adminkey"`
}

// Account is a gateway-side user account owning wallets.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PayLink is a reusable funding link created for a principal.
type PayLink struct {
	ID       string `json:"id"`
	LNURL    string `json:"lnurl"`
	Username string `json:"username"`
}

// PayLinkRequest describes the funding link to create.
type PayLinkRequest struct {
	Amount       int64  `json:"amount"`
	Min          int64  `json:"min"`
	Max          int64  `json:"max"`
	CommentChars int    `json:"comment_chars"`
	Description  string `json:"description"`
	Username     string `json:"username,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
}

// Client talks to an LNbits-compatible payment gateway. The gateway is the
// settlement truth; this client only creates, pays and checks invoices and
// provisions per-principal wallets.
type Client struct {
	BaseURL  string
	AdminKey string

	HTTPClient *http.Client
}

// NewClientFromEnv builds a client from LNBITS_* settings.
func NewClientFromEnv() *Client {
	protocol := env.GetEnv("LNBITS_PROTOCOL", "https")
	host := strings.TrimSpace(env.GetEnv("LNBITS_HOST", ""))

	return &Client{
		BaseURL:  fmt.Sprintf("%s://%s", protocol, host),
		AdminKey: strings.TrimSpace(env.GetEnv("LNBITS_ADMINKEY", "")),
		HTTPClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
	}
}

// CreateInvoice mints an invoice of amount sats payable to the wallet behind
// invoiceKey.
func (c *Client) CreateInvoice(ctx context.Context, invoiceKey string, amount int64, memo string) (*InvoiceRef, error) {
	if amount <= 0 {
		return nil, &Error{Op: "create invoice", Detail: fmt.Sprintf("non-positive amount %d", amount)}
	}

	payload := map[string]any{
		"out":    false,
		"amount": amount,
		"memo":   memo,
		"unit":   "sat",
	}

	var ref InvoiceRef
	if err := c.doJSON(ctx, http.MethodPost, paymentsPath, invoiceKey, payload, &ref); err != nil {
		return nil, err
	}
	if ref.PaymentHash == "" || ref.PaymentRequest == "" {
		return nil, &Error{Op: "create invoice", Detail: "gateway returned empty hash/request pair"}
	}
	return &ref, nil
}

// PayInvoice attempts an immediate balance-funded payment of the given
// payment request from the wallet behind adminKey. A rejection is reported
// in the result, not as an error.
func (c *Client) PayInvoice(ctx context.Context, paymentRequest, adminKey string) (*PaymentResult, error) {
	payload := map[string]any{
		"out":    true,
		"bolt11": paymentRequest,
	}

	var resp struct {
		PaymentHash string `json:"payment_hash"`
		Detail      string `json:"detail"`
	}
	err := c.doJSON(ctx, http.MethodPost, paymentsPath, adminKey, payload, &resp)
	if err != nil {
		var gwErr *Error
		// A rejecting gateway with a detail body is a payment failure
		// (insufficient balance etc.), not an unavailable gateway.
		if errors.As(err, &gwErr) && gwErr.Status != 0 && gwErr.Detail != "" {
			return &PaymentResult{Success: false, Detail: gwErr.Detail}, nil
		}
		return nil, err
	}
	if resp.PaymentHash == "" {
		return &PaymentResult{Success: false, Detail: resp.Detail}, nil
	}
	return &PaymentResult{Success: true, Detail: "payment success"}, nil
}

// CheckPaid reports whether the invoice behind paymentHash has settled.
func (c *Client) CheckPaid(ctx context.Context, invoiceKey, paymentHash string) (bool, error) {
	var resp struct {
		Paid bool `json:"paid"`
	}
	if err := c.doJSON(ctx, http.MethodGet, paymentsPath+"/"+url.PathEscape(paymentHash), invoiceKey, nil, &resp); err != nil {
		return false, err
	}
	return resp.Paid, nil
}

// Balance returns the wallet balance behind invoiceKey in sats.
func (c *Client) Balance(ctx context.Context, invoiceKey string) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := c.doJSON(ctx, http.MethodGet, walletPath, invoiceKey, nil, &resp); err != nil {
		return 0, err
	}
	// The gateway reports millisats.
	return resp.Balance / 1000, nil
}

// Accounts lists gateway user accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := c.doJSON(ctx, http.MethodGet, usersPath, c.AdminKey, nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// CreateAccount creates a gateway user account under the given name.
func (c *Client) CreateAccount(ctx context.Context, name string) (*Account, error) {
	payload := map[string]any{"user_name": name, "wallet_name": name}

	var account Account
	if err := c.doJSON(ctx, http.MethodPost, usersPath, c.AdminKey, payload, &account); err != nil {
		return nil, err
	}
	if account.ID == "" {
		return nil, &Error{Op: "create account", Detail: "gateway returned empty account id"}
	}
	return &account, nil
}

// WalletFor returns the first wallet of a gateway account, or nil when the
// account has none yet.
func (c *Client) WalletFor(ctx context.Context, accountID string) (*Wallet, error) {
	var wallets []Wallet
	path := walletsPath + "?user_id=" + url.QueryEscape(accountID)
	if err := c.doJSON(ctx, http.MethodGet, path, c.AdminKey, nil, &wallets); err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, nil
	}
	return &wallets[0], nil
}

// CreateWallet creates a wallet for a gateway account.
func (c *Client) CreateWallet(ctx context.Context, accountID, name string) (*Wallet, error) {
	payload := map[string]any{"user_id": accountID, "wallet_name": name}

	var wallet Wallet
	if err := c.doJSON(ctx, http.MethodPost, walletsPath, c.AdminKey, payload, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// EnableExtension activates a gateway extension for an account.
func (c *Client) EnableExtension(ctx context.Context, extension, accountID string) error {
	path := fmt.Sprintf("%s?extension=%s&userid=%s&active=true",
		extensionsPath, url.QueryEscape(extension), url.QueryEscape(accountID))
	return c.doJSON(ctx, http.MethodPost, path, c.AdminKey, nil, nil)
}

// CreatePayLink creates a reusable funding link on the wallet behind adminKey.
func (c *Client) CreatePayLink(ctx context.Context, adminKey string, req PayLinkRequest) (*PayLink, error) {
	var link PayLink
	if err := c.doJSON(ctx, http.MethodPost, payLinksPath, adminKey, req, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// PayLinkByID fetches a funding link.
func (c *Client) PayLinkByID(ctx context.Context, invoiceKey, id string) (*PayLink, error) {
	var link PayLink
	if err := c.doJSON(ctx, http.MethodGet, payLinksPath+"/"+url.PathEscape(id), invoiceKey, nil, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// doJSON performs a request with the given API key and decodes a JSON reply
// into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path, apiKey string, payload, out any) error {
	op := strings.ToLower(method) + " " + path

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &Error{Op: op, Detail: err.Error()}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &Error{Op: op, Detail: err.Error()}
	}
	req.Header.Set(apiKeyHeader, apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &Error{Op: op, Detail: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Detail: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, Status: resp.StatusCode, Detail: errorDetail(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Detail: fmt.Sprintf("invalid response body: %v", err)}
	}
	return nil
}

// errorDetail extracts the "detail" field LNbits puts on error replies,
// falling back to the raw body.
func errorDetail(data []byte) string {
	var resp struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &resp); err == nil && resp.Detail != "" {
		return resp.Detail
	}
	detail := strings.TrimSpace(string(data))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return detail
}
