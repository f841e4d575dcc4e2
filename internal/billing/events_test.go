package billing

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type mockAdmin struct {
	mu      sync.Mutex
	added   []common.Address
	removed []common.Address
	err     error
}

func (m *mockAdmin) AddUser(_ context.Context, a common.Address) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.added = append(m.added, a)
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}, nil
}

func (m *mockAdmin) RemoveUser(_ context.Context, a common.Address) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.removed = append(m.removed, a)
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}, nil
}

type mockSubs struct {
	mu     sync.Mutex
	tagged map[string]string // subscription → client reference
	err    error
}

func (m *mockSubs) TagSubscription(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.tagged == nil {
		m.tagged = map[string]string{}
	}
	m.tagged[id] = ref
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

const testRef = "0xABCDEF1234567890ABCDEF1234567890ABCDEF12"

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, mr
}

func newTestHandler(t *testing.T) (*EventHandler, *mockAdmin, *mockSubs, *redis.Client) {
	t.Helper()
	rdb, _ := newTestRedis(t)
	ma := &mockAdmin{}
	ms := &mockSubs{}
	return NewEventHandler(rdb, ma, ms, zap.NewNop()), ma, ms, rdb
}

func makeEvent(t *testing.T, id string, typ stripe.EventType, object any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal event object: %v", err)
	}
	return stripe.Event{ID: id, Type: typ, Data: &stripe.EventData{Raw: raw}}
}

func checkoutCompleted(t *testing.T, id, ref string) stripe.Event {
	return makeEvent(t, id, stripe.EventTypeCheckoutSessionCompleted, map[string]any{
		"id":                  "cs_test_1",
		"object":              "checkout.session",
		"client_reference_id": ref,
		"subscription":        "sub_123",
	})
}

func subscriptionDeleted(t *testing.T, id, ref string) stripe.Event {
	return makeEvent(t, id, stripe.EventTypeCustomerSubscriptionDeleted, map[string]any{
		"id":       "sub_123",
		"object":   "subscription",
		"metadata": map[string]string{ClientReferenceKey: ref},
	})
}

// ── checkout.session.completed ────────────────────────────────────────────────

func TestHandle_CheckoutCompleted_AddsUserOnce(t *testing.T) {
	h, ma, ms, _ := newTestHandler(t)
	ctx := context.Background()

	if err := h.Handle(ctx, checkoutCompleted(t, "evt_1", testRef)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(ma.added) != 1 || ma.added[0] != common.HexToAddress(testRef) {
		t.Fatalf("AddUser calls: got %v want [%s]", ma.added, testRef)
	}
	if ms.tagged["sub_123"] != testRef {
		t.Errorf("subscription metadata: got %q want %q", ms.tagged["sub_123"], testRef)
	}
}

func TestHandle_RedeliveredEventIsIgnored(t *testing.T) {
	h, ma, _, _ := newTestHandler(t)
	ctx := context.Background()
	ev := checkoutCompleted(t, "evt_dup", testRef)

	for i := 0; i < 3; i++ {
		if err := h.Handle(ctx, ev); err != nil {
			t.Fatalf("Handle #%d: %v", i, err)
		}
	}
	if len(ma.added) != 1 {
		t.Errorf("AddUser calls: got %d want 1", len(ma.added))
	}
}

func TestHandle_FailureAllowsRetry(t *testing.T) {
	h, ma, _, rdb := newTestHandler(t)
	ctx := context.Background()
	ev := checkoutCompleted(t, "evt_retry", testRef)

	ma.err = errors.New("admin_op_failed")
	if err := h.Handle(ctx, ev); err == nil {
		t.Fatal("expected error when AddUser fails")
	}
	if n := rdb.Exists(ctx, eventKeyPrefix+"evt_retry").Val(); n != 0 {
		t.Error("dedupe key must be removed after a failure")
	}

	ma.err = nil
	if err := h.Handle(ctx, ev); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(ma.added) != 1 {
		t.Errorf("AddUser calls after retry: got %d want 1", len(ma.added))
	}
}

func TestHandle_TagFailureSkipsAddUser(t *testing.T) {
	h, ma, ms, _ := newTestHandler(t)
	ms.err = errors.New("stripe down")

	if err := h.Handle(context.Background(), checkoutCompleted(t, "evt_tag", testRef)); err == nil {
		t.Fatal("expected error when tagging fails")
	}
	if len(ma.added) != 0 {
		t.Errorf("AddUser must not run when tagging fails, got %d calls", len(ma.added))
	}
}

func TestHandle_BadClientReferenceAcknowledged(t *testing.T) {
	h, ma, ms, _ := newTestHandler(t)

	if err := h.Handle(context.Background(), checkoutCompleted(t, "evt_bad", "not-an-address")); err != nil {
		t.Fatalf("malformed reference must be acknowledged, got %v", err)
	}
	if len(ma.added) != 0 || len(ms.tagged) != 0 {
		t.Error("no side effects expected for a malformed reference")
	}
}

// ── customer.subscription.deleted ─────────────────────────────────────────────

func TestHandle_SubscriptionDeleted_RemovesUser(t *testing.T) {
	h, ma, _, _ := newTestHandler(t)

	if err := h.Handle(context.Background(), subscriptionDeleted(t, "evt_del", testRef)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(ma.removed) != 1 || ma.removed[0] != common.HexToAddress(testRef) {
		t.Errorf("RemoveUser calls: got %v want [%s]", ma.removed, testRef)
	}
	if len(ma.added) != 0 {
		t.Error("AddUser must not be called for a deletion")
	}
}

// ── other events ──────────────────────────────────────────────────────────────

func TestHandle_UnhandledTypeIsAcknowledged(t *testing.T) {
	h, ma, _, _ := newTestHandler(t)

	ev := makeEvent(t, "evt_other", "invoice.paid", map[string]any{"id": "in_1"})
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(ma.added)+len(ma.removed) != 0 {
		t.Error("no admin calls expected for unhandled events")
	}
}

func TestHandle_MissingData(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	err := h.Handle(context.Background(), stripe.Event{ID: "evt_nodata", Type: stripe.EventTypeCheckoutSessionCompleted})
	if err == nil {
		t.Fatal("expected error for event without data")
	}
}
