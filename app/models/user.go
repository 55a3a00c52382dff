package models

import (
	"encoding/json"
	"fmt"
)

// User is a principal with payment-gateway credentials. Users are persisted
// as JSON under the "userdata" field of the user:<id> hash; mutable fields
// merge last-write-wins.
type User struct {
	ID            int64  `json:"userid"`
	Username      string `json:"username"`
	GatewayUserID string `json:"gateway_userid"`
	WalletID      string `json:"walletid"`
	InvoiceKey    string `json:"invoicekey"`
	AdminKey      string `json:"adminkey"`
	LNURLPay      string `json:"lnurlp,omitempty"`
	LNDHub        string `json:"lndhub,omitempty"`
	LNAddress     string `json:"lnaddress,omitempty"`
}

// NewUser creates a principal shell not yet provisioned at the gateway.
func NewUser(id int64, username string) *User {
	return &User{ID: id, Username: username}
}

// Key returns the store key for this user.
func (u *User) Key() string {
	return UserKey(u.ID)
}

// UserKey builds the store key for a principal id.
func UserKey(id int64) string {
	return fmt.Sprintf("user:%d", id)
}

// Ref returns the identity slice embedded in invoices.
func (u *User) Ref() UserRef {
	return UserRef{ID: u.ID, Username: u.Username}
}

// ToJSON serializes the full record for persistence.
func (u *User) ToJSON() (string, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user %d: %w", u.ID, err)
	}
	return string(data), nil
}

// UserFromJSON restores a persisted record. A username passed by the caller
// wins over the stored one (the chat platform is the source of truth for
// display names).
func UserFromJSON(id int64, username, data string) (*User, error) {
	var u User
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user %d: %w", id, err)
	}
	if u.ID != id {
		return nil, fmt.Errorf("user record %d carries foreign id %d", id, u.ID)
	}
	if username != "" {
		u.Username = username
	}
	return &u, nil
}
