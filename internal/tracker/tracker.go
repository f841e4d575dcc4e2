package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Fluffy9/Gasless-Runner/internal/relay"
)

const (
	QueueKey  = "relay:tx:queue"
	recordFmt = "relay:tx:%s"

	recordTTL = 7 * 24 * time.Hour
)

// Status of a relayed transaction as last observed.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusReverted Status = "reverted"
	StatusUnknown  Status = "unknown" // never mined within MaxAge
)

// ErrNotFound is returned by Status for hashes this service did not relay.
var ErrNotFound = errors.New("transaction not tracked")

// Record is the stored state of one relayed transaction.
type Record struct {
	Hash        common.Hash
	From        common.Address
	Nonce       uint64
	Status      Status
	BlockNumber uint64
	SubmittedAt time.Time
}

// ReceiptReader looks up transaction receipts. ethclient returns
// ethereum.NotFound for transactions that are not mined yet.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Tracker follows relayed transactions until they are mined.
type Tracker struct {
	rdb      *redis.Client
	receipts ReceiptReader
	log      *zap.Logger

	MaxAge       time.Duration // give up and mark unknown after this
	PollInterval time.Duration // pause after re-queueing an unmined hash
	BlockTimeout time.Duration // BLPOP timeout

	now func() time.Time
}

func New(rdb *redis.Client, receipts ReceiptReader, log *zap.Logger) *Tracker {
	return &Tracker{
		rdb:          rdb,
		receipts:     receipts,
		log:          log,
		MaxAge:       30 * time.Minute,
		PollInterval: 2 * time.Second,
		BlockTimeout: 5 * time.Second,
		now:          time.Now,
	}
}

func recordKey(hash common.Hash) string { return fmt.Sprintf(recordFmt, hash.Hex()) }

// Track stores h as pending and queues it for receipt lookup.
func (t *Tracker) Track(ctx context.Context, h relay.TransactionHandle) error {
	key := recordKey(h.Hash)
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"from", h.From.Hex(),
			"nonce", h.Nonce,
			"status", string(StatusPending),
			"block", 0,
			"submitted", t.now().Unix(),
		)
		pipe.Expire(ctx, key, recordTTL)
		pipe.RPush(ctx, QueueKey, h.Hash.Hex())
		return nil
	})
	if err != nil {
		return fmt.Errorf("track %s: %w", h.Hash.Hex(), err)
	}
	return nil
}

// Status returns the stored record for hash.
func (t *Tracker) Status(ctx context.Context, hash common.Hash) (Record, error) {
	vals, err := t.rdb.HGetAll(ctx, recordKey(hash)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", hash.Hex(), err)
	}
	if len(vals) == 0 {
		return Record{}, ErrNotFound
	}
	nonce, _ := strconv.ParseUint(vals["nonce"], 10, 64)
	block, _ := strconv.ParseUint(vals["block"], 10, 64)
	submitted, _ := strconv.ParseInt(vals["submitted"], 10, 64)
	return Record{
		Hash:        hash,
		From:        common.HexToAddress(vals["from"]),
		Nonce:       nonce,
		Status:      Status(vals["status"]),
		BlockNumber: block,
		SubmittedAt: time.Unix(submitted, 0),
	}, nil
}

// Run is the follow-up loop: BLPOP → receipt lookup → record status.
func (t *Tracker) Run(ctx context.Context) {
	t.log.Info("tracker started", zap.String("queue", QueueKey))

	for {
		if ctx.Err() != nil {
			t.log.Info("tracker stopped")
			return
		}

		results, err := t.rdb.BLPop(ctx, t.BlockTimeout, QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.log.Error("tracker: BLPOP error", zap.Error(err))
			t.sleep(ctx, time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		if requeued := t.check(ctx, results[1]); requeued {
			t.sleep(ctx, t.PollInterval)
		}
	}
}

// check looks up one hash. It returns true when the hash went back on the
// queue because it is not mined yet.
func (t *Tracker) check(ctx context.Context, raw string) bool {
	hash := common.HexToHash(raw)
	key := recordKey(hash)

	receipt, err := t.receipts.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		status := StatusSuccess
		if receipt.Status != types.ReceiptStatusSuccessful {
			status = StatusReverted
		}
		var block uint64
		if receipt.BlockNumber != nil {
			block = receipt.BlockNumber.Uint64()
		}
		if err := t.rdb.HSet(ctx, key, "status", string(status), "block", block).Err(); err != nil {
			t.log.Error("tracker: record status", zap.String("tx", raw), zap.Error(err))
			_ = t.rdb.RPush(ctx, QueueKey, raw)
			return true
		}
		t.log.Info("relayed tx mined",
			zap.String("tx", raw),
			zap.String("status", string(status)),
			zap.Uint64("block", block),
		)
		return false

	case errors.Is(err, ethereum.NotFound):
		if t.expired(ctx, key) {
			t.rdb.HSet(ctx, key, "status", string(StatusUnknown)) //nolint:errcheck
			t.log.Warn("relayed tx not mined in time", zap.String("tx", raw), zap.Duration("max_age", t.MaxAge))
			return false
		}

	default:
		if ctx.Err() != nil {
			// Shutting down; leave the hash for the next run.
			_ = t.rdb.RPush(context.WithoutCancel(ctx), QueueKey, raw)
			return false
		}
		t.log.Warn("tracker: receipt lookup", zap.String("tx", raw), zap.Error(err))
	}

	_ = t.rdb.RPush(ctx, QueueKey, raw)
	return true
}

func (t *Tracker) expired(ctx context.Context, key string) bool {
	submitted, err := t.rdb.HGet(ctx, key, "submitted").Int64()
	if err != nil {
		// Record gone (TTL) or unreadable; stop following it.
		return true
	}
	return t.now().Sub(time.Unix(submitted, 0)) > t.MaxAge
}

func (t *Tracker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
