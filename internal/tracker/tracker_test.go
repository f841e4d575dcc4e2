package tracker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Fluffy9/Gasless-Runner/internal/relay"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

// fakeReceipts returns preset receipts; unknown hashes are not mined.
type fakeReceipts struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	err      error
}

func (f *fakeReceipts) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeReceipts) mine(h common.Hash, status uint64, block int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[h] = &types.Receipt{TxHash: h, Status: status, BlockNumber: big.NewInt(block)}
}

var (
	testHash = common.HexToHash("0x5d1f4a0b0b1e3c5f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f7081")
	testFrom = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func newTestTracker(t *testing.T) (*Tracker, *redis.Client, *fakeReceipts) {
	t.Helper()
	rdb, _ := newTestRedis(t)
	fr := &fakeReceipts{receipts: map[common.Hash]*types.Receipt{}}
	tr := New(rdb, fr, zap.NewNop())
	tr.PollInterval = time.Millisecond
	tr.BlockTimeout = 50 * time.Millisecond
	return tr, rdb, fr
}

func track(t *testing.T, tr *Tracker) {
	t.Helper()
	err := tr.Track(context.Background(), relay.TransactionHandle{Hash: testHash, From: testFrom, Nonce: 3})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
}

// ── Track / Status ────────────────────────────────────────────────────────────

func TestTrack_StoresPendingAndQueues(t *testing.T) {
	tr, rdb, _ := newTestTracker(t)
	track(t, tr)

	rec, err := tr.Status(context.Background(), testHash)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("status: got %q want %q", rec.Status, StatusPending)
	}
	if rec.From != testFrom || rec.Nonce != 3 {
		t.Errorf("record: got from=%s nonce=%d", rec.From.Hex(), rec.Nonce)
	}

	queued, err := rdb.LRange(context.Background(), QueueKey, 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0] != testHash.Hex() {
		t.Errorf("queue: got %v want [%s]", queued, testHash.Hex())
	}

	ttl := rdb.TTL(context.Background(), recordKey(testHash)).Val()
	if ttl <= 0 {
		t.Errorf("record TTL must be set, got %v", ttl)
	}
}

func TestStatus_UnknownHash(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	if _, err := tr.Status(context.Background(), testHash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ── check ─────────────────────────────────────────────────────────────────────

func TestCheck_MinedSuccess(t *testing.T) {
	tr, rdb, fr := newTestTracker(t)
	track(t, tr)
	rdb.LPop(context.Background(), QueueKey) // as BLPOP would
	fr.mine(testHash, types.ReceiptStatusSuccessful, 42)

	if requeued := tr.check(context.Background(), testHash.Hex()); requeued {
		t.Error("mined tx must not be re-queued")
	}
	rec, _ := tr.Status(context.Background(), testHash)
	if rec.Status != StatusSuccess || rec.BlockNumber != 42 {
		t.Errorf("record: got status=%q block=%d want success/42", rec.Status, rec.BlockNumber)
	}
}

func TestCheck_MinedReverted(t *testing.T) {
	tr, rdb, fr := newTestTracker(t)
	track(t, tr)
	rdb.LPop(context.Background(), QueueKey)
	fr.mine(testHash, types.ReceiptStatusFailed, 43)

	tr.check(context.Background(), testHash.Hex())
	rec, _ := tr.Status(context.Background(), testHash)
	if rec.Status != StatusReverted {
		t.Errorf("status: got %q want %q", rec.Status, StatusReverted)
	}
}

func TestCheck_NotMinedIsRequeued(t *testing.T) {
	tr, rdb, _ := newTestTracker(t)
	track(t, tr)
	rdb.LPop(context.Background(), QueueKey)

	if requeued := tr.check(context.Background(), testHash.Hex()); !requeued {
		t.Fatal("unmined tx must be re-queued")
	}
	if n := rdb.LLen(context.Background(), QueueKey).Val(); n != 1 {
		t.Errorf("queue length: got %d want 1", n)
	}
	rec, _ := tr.Status(context.Background(), testHash)
	if rec.Status != StatusPending {
		t.Errorf("status: got %q want pending", rec.Status)
	}
}

func TestCheck_NotMinedPastMaxAgeIsUnknown(t *testing.T) {
	tr, rdb, _ := newTestTracker(t)
	track(t, tr)
	rdb.LPop(context.Background(), QueueKey)
	tr.now = func() time.Time { return time.Now().Add(tr.MaxAge + time.Minute) }

	if requeued := tr.check(context.Background(), testHash.Hex()); requeued {
		t.Error("expired tx must not be re-queued")
	}
	rec, _ := tr.Status(context.Background(), testHash)
	if rec.Status != StatusUnknown {
		t.Errorf("status: got %q want %q", rec.Status, StatusUnknown)
	}
}

func TestCheck_LookupErrorIsRequeued(t *testing.T) {
	tr, rdb, fr := newTestTracker(t)
	track(t, tr)
	rdb.LPop(context.Background(), QueueKey)
	fr.err = errors.New("connection refused")

	if requeued := tr.check(context.Background(), testHash.Hex()); !requeued {
		t.Fatal("lookup failure must re-queue")
	}
	if n := rdb.LLen(context.Background(), QueueKey).Val(); n != 1 {
		t.Errorf("queue length: got %d want 1", n)
	}
}

// ── Run ───────────────────────────────────────────────────────────────────────

func TestRun_FollowsUntilMinedThenStops(t *testing.T) {
	tr, _, fr := newTestTracker(t)
	track(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	fr.mine(testHash, types.ReceiptStatusSuccessful, 9)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := tr.Status(context.Background(), testHash)
		if err == nil && rec.Status == StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tx not marked success, last record %+v err=%v", rec, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
