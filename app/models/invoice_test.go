package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoiceRoundTrip(t *testing.T) {
	invoice := NewInvoice("abc123", "lnbc210n1...")
	invoice.Amount = 21
	invoice.Recipient = UserRef{ID: 7, Username: "owner"}
	invoice.Payer = UserRef{ID: 42, Username: "listener"}
	invoice.TrackURIs = []string{"track:1", "track:2"}
	invoice.Title = "Artist - Track"
	invoice.ChatID = -100123
	invoice.MessageID = 555

	data, err := invoice.ToJSON()
	require.NoError(t, err)

	restored, err := InvoiceFromJSON("abc123", data)
	require.NoError(t, err)

	assert.Equal(t, invoice, restored)
	assert.Equal(t, UserRef{ID: 7, Username: "owner"}, restored.Recipient)
	assert.Equal(t, UserRef{ID: 42, Username: "listener"}, restored.Payer)
	assert.Equal(t, DefaultInvoiceTTL, restored.TTL)
}

func TestInvoiceFromJSONRejectsForeignHash(t *testing.T) {
	invoice := NewInvoice("abc123", "lnbc...")
	invoice.Amount = 21
	data, err := invoice.ToJSON()
	require.NoError(t, err)

	_, err = InvoiceFromJSON("other", data)
	assert.Error(t, err)
}

func TestInvoiceValidate(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		amount  int64
		wantErr bool
	}{
		{"valid", "abc", 21, false},
		{"zero amount", "abc", 0, true},
		{"negative amount", "abc", -1, true},
		{"missing hash", "", 21, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoice := NewInvoice(tt.hash, "lnbc...")
			invoice.Amount = tt.amount
			err := invoice.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUserRoundTrip(t *testing.T) {
	user := NewUser(42, "listener")
	user.GatewayUserID = "gw-1"
	user.WalletID = "w-1"
	user.InvoiceKey = "inkey"
	user.AdminKey = "adminkey"
	user.LNAddress = "listener@example.org"

	data, err := user.ToJSON()
	require.NoError(t, err)

	restored, err := UserFromJSON(42, "", data)
	require.NoError(t, err)
	assert.Equal(t, user, restored)
}

func TestUserFromJSONUsernameWins(t *testing.T) {
	user := NewUser(42, "old-name")
	data, err := user.ToJSON()
	require.NoError(t, err)

	restored, err := UserFromJSON(42, "new-name", data)
	require.NoError(t, err)
	assert.Equal(t, "new-name", restored.Username)
}
