package jukebox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wholestack/jukebox/app/models"
	"github.com/wholestack/jukebox/internal/pkg/cache"
	"github.com/wholestack/jukebox/internal/pkg/commandtoken"
	"github.com/wholestack/jukebox/internal/pkg/debounce"
	"github.com/wholestack/jukebox/internal/pkg/gateway"
	"github.com/wholestack/jukebox/internal/pkg/groups"
	"github.com/wholestack/jukebox/internal/pkg/invoicing"
	"github.com/wholestack/jukebox/internal/pkg/reconcile"
	"github.com/wholestack/jukebox/internal/pkg/users"
)

// fakeKV is an in-memory stand-in for the shared key-value store.
type fakeKV struct {
	mu     sync.Mutex
	values map[string]string
	hashes map[string]map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		values: make(map[string]string),
		hashes: make(map[string]map[string]string),
	}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if val, ok := f.values[key]; ok {
		return val, nil
	}
	return "", cache.ErrNotFound
}

func (f *fakeKV) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeKV) Delete(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.values[key]
	delete(f.values, key)
	return existed, nil
}

func (f *fakeKV) HGet(_ context.Context, key, field string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if val, ok := f.hashes[key][field]; ok {
		return val, nil
	}
	return "", cache.ErrNotFound
}

func (f *fakeKV) HSet(_ context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = value
	return nil
}

func (f *fakeKV) HDelete(_ context.Context, key, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes[key], field)
	return nil
}

// fakeLNBits covers both the invoice lifecycle and the principal
// provisioning slices of the gateway.
type fakeLNBits struct {
	mu        sync.Mutex
	seq       int
	payResult gateway.PaymentResult
	accounts  []gateway.Account
	wallets   map[string]*gateway.Wallet
	created   []int64
}

func newFakeLNBits() *fakeLNBits {
	return &fakeLNBits{wallets: make(map[string]*gateway.Wallet)}
}

func (f *fakeLNBits) CreateInvoice(_ context.Context, _ string, amount int64, _ string) (*gateway.InvoiceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.created = append(f.created, amount)
	return &gateway.InvoiceRef{
		PaymentHash:    fmt.Sprintf("hash-%d", f.seq),
		PaymentRequest: fmt.Sprintf("lnbc-%d", f.seq),
	}, nil
}

func (f *fakeLNBits) PayInvoice(context.Context, string, string) (*gateway.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := f.payResult
	return &result, nil
}

func (f *fakeLNBits) CheckPaid(context.Context, string, string) (bool, error) {
	return false, nil
}

func (f *fakeLNBits) Accounts(context.Context) ([]gateway.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts, nil
}

func (f *fakeLNBits) CreateAccount(_ context.Context, name string) (*gateway.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account := gateway.Account{ID: "acct-" + name, Name: name}
	f.accounts = append(f.accounts, account)
	return &account, nil
}

func (f *fakeLNBits) WalletFor(_ context.Context, accountID string) (*gateway.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallets[accountID], nil
}

func (f *fakeLNBits) CreateWallet(_ context.Context, accountID, name string) (*gateway.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wallet := &gateway.Wallet{ID: "wallet-" + name, InvoiceKey: "ik-" + name, AdminKey: "ak-" + name}
	f.wallets[accountID] = wallet
	return wallet, nil
}

func (f *fakeLNBits) EnableExtension(context.Context, string, string) error { return nil }

func (f *fakeLNBits) CreatePayLink(_ context.Context, _ string, req gateway.PayLinkRequest) (*gateway.PayLink, error) {
	return &gateway.PayLink{ID: "link-1", Username: req.Username}, nil
}

func (f *fakeLNBits) PayLinkByID(_ context.Context, _, id string) (*gateway.PayLink, error) {
	return &gateway.PayLink{ID: id, LNURL: "LNURL1"}, nil
}

func (f *fakeLNBits) Balance(context.Context, string) (int64, error) { return 0, nil }

// fakeSink records every outbound chat side effect and plays executor.
type fakeSink struct {
	mu       sync.Mutex
	executed [][]string
	notices  []string
	topics   []string
	removed  []int64
}

func (f *fakeSink) Execute(_ context.Context, _ int64, trackURIs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, trackURIs)
}

func (f *fakeSink) Notify(_ context.Context, _ int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, message)
	return nil
}

func (f *fakeSink) Publish(_ context.Context, topic, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeSink) RemoveMessage(_ context.Context, _, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, messageID)
	return nil
}

type fakePlayer struct {
	available bool
	random    string
	titles    map[string]string
}

func (f *fakePlayer) Available(context.Context, int64) bool { return f.available }

func (f *fakePlayer) RandomTrack(context.Context, int64, string) (string, error) {
	return f.random, nil
}

func (f *fakePlayer) TrackTitle(_ context.Context, _ int64, uri string) (string, error) {
	if title, ok := f.titles[uri]; ok {
		return title, nil
	}
	return "", fmt.Errorf("unknown track %s", uri)
}

type fakePrompter struct {
	mu        sync.Mutex
	messageID int64
	prompts   int
}

func (f *fakePrompter) PromptPayment(context.Context, int64, models.UserRef, *models.Invoice, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts++
	return f.messageID, nil
}

type harness struct {
	kv       *fakeKV
	gw       *fakeLNBits
	sink     *fakeSink
	player   *fakePlayer
	prompter *fakePrompter
	tokens   *commandtoken.Registry
	invoices *invoicing.Service
	groups   *groups.Service
	svc      *Service
}

// newHarness wires the whole settlement stack against in-memory fakes. The
// scheduler uses an hour-long delay so no poll fires during a test.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		kv:       newFakeKV(),
		gw:       newFakeLNBits(),
		sink:     &fakeSink{},
		player:   &fakePlayer{available: true, titles: map[string]string{"spotify:track:abc": "Some Song"}},
		prompter: &fakePrompter{messageID: 9},
		tokens:   commandtoken.NewRegistry(),
	}

	groupSvc := groups.NewService(h.kv)
	userSvc := users.NewService(h.kv, h.gw)
	h.groups = groupSvc
	h.invoices = invoicing.NewService(h.kv, h.gw, h.sink, h.sink, h.sink, h.sink, groupSvc, userSvc)
	scheduler := reconcile.NewScheduler(h.invoices, h.sink, time.Hour, 15)
	t.Cleanup(scheduler.Stop)

	h.svc = NewService(h.invoices, scheduler, h.tokens, debounce.NewGuard(), userSvc, groupSvc,
		h.player, h.prompter, h.sink, h.sink, h.sink)
	return h
}

func (h *harness) storedInvoice(t *testing.T) *models.Invoice {
	t.Helper()
	h.kv.mu.Lock()
	defer h.kv.mu.Unlock()
	for key, data := range h.kv.values {
		var hash string
		if _, err := fmt.Sscanf(key, "invoice:%s", &hash); err != nil {
			continue
		}
		invoice, err := models.InvoiceFromJSON(hash, data)
		require.NoError(t, err)
		return invoice
	}
	return nil
}

func TestAcceptUpdate(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.svc.AcceptUpdate(1, 10))
	assert.False(t, h.svc.AcceptUpdate(1, 10))
	assert.True(t, h.svc.AcceptUpdate(1, 11))
}

func TestRedeemUnknownKeyIsSilent(t *testing.T) {
	h := newHarness(t)

	err := h.svc.RedeemToken(context.Background(), "nosuchkey", models.UserRef{ID: 42}, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, h.sink.removed)
	assert.Empty(t, h.sink.executed)
}

func TestRedeemUnauthorizedMutatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	invoice := models.NewInvoice("hash-x", "lnbc-x")
	invoice.Amount = 21
	invoice.Recipient = models.UserRef{ID: 7}
	require.NoError(t, h.invoices.Save(ctx, invoice))

	key, err := h.svc.IssueToken(42, commandtoken.ActionCancelInvoice, "", invoice)
	require.NoError(t, err)

	// A different principal pokes the element: nothing happens, no error.
	err = h.svc.RedeemToken(ctx, key, models.UserRef{ID: 43}, 1, 5)
	require.NoError(t, err)

	_, err = h.invoices.Get(ctx, "hash-x")
	assert.NoError(t, err, "invoice must survive an unauthorized redemption")
	_, ok := h.tokens.Resolve(key)
	assert.True(t, ok, "token must survive an unauthorized redemption")
	assert.Empty(t, h.sink.removed)
}

func TestRedeemCancelInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	invoice := models.NewInvoice("hash-x", "lnbc-x")
	invoice.Amount = 21
	invoice.Recipient = models.UserRef{ID: 7}
	require.NoError(t, h.invoices.Save(ctx, invoice))

	key, err := h.svc.IssueToken(42, commandtoken.ActionCancelInvoice, "", invoice)
	require.NoError(t, err)

	err = h.svc.RedeemToken(ctx, key, models.UserRef{ID: 42}, 1, 5)
	require.NoError(t, err)

	_, err = h.invoices.Get(ctx, "hash-x")
	assert.ErrorIs(t, err, invoicing.ErrNotFound)
	_, ok := h.tokens.Resolve(key)
	assert.False(t, ok, "terminal action consumes the token")
	assert.Equal(t, []int64{5}, h.sink.removed)
	assert.Empty(t, h.sink.executed, "cancellation never performs the action")
}

func TestRedeemCancelDropsElementOnly(t *testing.T) {
	h := newHarness(t)

	key, err := h.svc.IssueToken(0, commandtoken.ActionCancel, "", nil)
	require.NoError(t, err)

	err = h.svc.RedeemToken(context.Background(), key, models.UserRef{ID: 42}, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, h.sink.removed)
	assert.Empty(t, h.sink.executed)
}

func TestRedeemAddTrackPlayerUnavailable(t *testing.T) {
	h := newHarness(t)
	h.player.available = false

	key, err := h.svc.IssueToken(42, commandtoken.ActionAddTrack, "spotify:track:abc", nil)
	require.NoError(t, err)

	err = h.svc.RedeemToken(context.Background(), key, models.UserRef{ID: 42, Username: "alice"}, 1, 5)
	require.NoError(t, err)

	require.Len(t, h.sink.notices, 1)
	assert.Contains(t, h.sink.notices[0], "not active")
	assert.Empty(t, h.sink.executed)
	assert.Nil(t, h.storedInvoice(t), "no invoice for an aborted flow")
}

func TestRedeemAddTrackFreeGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.groups.SetPrice(ctx, 1, 0))

	key, err := h.svc.IssueToken(42, commandtoken.ActionAddTrack, "spotify:track:abc", nil)
	require.NoError(t, err)

	err = h.svc.RedeemToken(ctx, key, models.UserRef{ID: 42, Username: "alice"}, 1, 5)
	require.NoError(t, err)

	require.Len(t, h.sink.executed, 1)
	assert.Equal(t, []string{"spotify:track:abc"}, h.sink.executed[0])
	assert.Nil(t, h.storedInvoice(t), "free groups skip the payment machinery")
}

func TestCreateAndTrackRequiresOwner(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateAndTrack(context.Background(), CreateRequest{
		Payer:  models.UserRef{ID: 42, Username: "alice"},
		Amount: 21,
		Memo:   "Some Song",
		ChatID: 1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no owner")
}

func TestCreateAndTrackSlowPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.groups.SetOwner(ctx, 1, 7))

	invoice, err := h.svc.CreateAndTrack(ctx, CreateRequest{
		Payer:     models.UserRef{ID: 42, Username: "alice"},
		Amount:    21,
		Memo:      "Some Song",
		TrackURIs: []string{"spotify:track:abc"},
		ChatID:    1,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, h.prompter.prompts)
	assert.Equal(t, int64(9), invoice.MessageID, "prompt id travels with the invoice")
	assert.Equal(t, int64(42), invoice.Payer.ID)
	assert.Equal(t, int64(7), invoice.Recipient.ID)

	stored := h.storedInvoice(t)
	require.NotNil(t, stored, "the open invoice must be persisted")
	assert.Equal(t, invoice.PaymentHash, stored.PaymentHash)
	assert.Equal(t, int64(9), stored.MessageID)
	assert.GreaterOrEqual(t, h.tokens.Len(), 1, "a cancel token backs the prompt")
	assert.Empty(t, h.sink.executed, "nothing executes before payment")
}

func TestCreateAndTrackFastPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.groups.SetOwner(ctx, 1, 7))
	require.NoError(t, h.groups.SetDonationFee(ctx, 1, 0))
	h.gw.payResult = gateway.PaymentResult{Success: true}

	_, err := h.svc.CreateAndTrack(ctx, CreateRequest{
		Payer:     models.UserRef{ID: 42, Username: "alice"},
		Amount:    21,
		Memo:      "Some Song",
		TrackURIs: []string{"spotify:track:abc"},
		ChatID:    1,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, h.prompter.prompts, "balance payment needs no prompt")
	require.Len(t, h.sink.executed, 1)
	assert.Equal(t, []string{"spotify:track:abc"}, h.sink.executed[0])
	assert.Nil(t, h.storedInvoice(t), "settlement consumes the record")
	assert.Contains(t, h.sink.topics, "1/added_to_queue")
}

func TestOnPaymentNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.groups.SetOwner(ctx, 1, 7))
	require.NoError(t, h.groups.SetDonationFee(ctx, 1, 0))

	invoice, err := h.svc.CreateAndTrack(ctx, CreateRequest{
		Payer:     models.UserRef{ID: 42, Username: "alice"},
		Amount:    21,
		Memo:      "Some Song",
		TrackURIs: []string{"spotify:track:abc"},
		ChatID:    1,
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.OnPaymentNotification(ctx, invoice.PaymentHash))
	require.Len(t, h.sink.executed, 1)
	assert.Nil(t, h.storedInvoice(t))

	// Replay of the notification is a clean no-op.
	require.NoError(t, h.svc.OnPaymentNotification(ctx, invoice.PaymentHash))
	assert.Len(t, h.sink.executed, 1)
}

func TestOnPaymentNotificationUnknownHash(t *testing.T) {
	h := newHarness(t)

	err := h.svc.OnPaymentNotification(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, h.sink.executed)
}

func TestCleanupAgesTokensOut(t *testing.T) {
	h := newHarness(t)

	key, err := h.svc.IssueToken(42, commandtoken.ActionAddTrack, "spotify:track:abc", nil)
	require.NoError(t, err)

	h.svc.Cleanup()
	_, ok := h.tokens.Resolve(key)
	assert.True(t, ok, "one sweep leaves a grace generation")

	h.svc.Cleanup()
	_, ok = h.tokens.Resolve(key)
	assert.False(t, ok)
}
