package relay

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

// ── simulated chain ───────────────────────────────────────────────────────────

// simChainID is the chain ID used by ethclient/simulated.
var simChainID = big.NewInt(1337)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// newSimBackend starts an in-memory chain with the given allocation.
func newSimBackend(t *testing.T, alloc types.GenesisAlloc) *simulated.Backend {
	t.Helper()
	b := simulated.NewBackend(alloc, simulated.WithBlockGasLimit(30_000_000))
	t.Cleanup(func() { b.Close() })
	return b
}

// clientBalances reads balances one by one; good enough for tests.
type clientBalances struct{ c simulated.Client }

func (cb clientBalances) Balances(ctx context.Context, addrs []common.Address) ([]*big.Int, error) {
	out := make([]*big.Int, len(addrs))
	for i, a := range addrs {
		bal, err := cb.c.BalanceAt(ctx, a, nil)
		if err != nil {
			return nil, err
		}
		out[i] = bal
	}
	return out, nil
}

// sendCounter wraps a backend and records every broadcast.
type sendCounter struct {
	simulated.Client
	mu   sync.Mutex
	sent []*types.Transaction
}

func (s *sendCounter) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := s.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, tx)
	s.mu.Unlock()
	return nil
}

func (s *sendCounter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// autoCommit mines a block after every accepted transaction.
type autoCommit struct {
	simulated.Client
	backend *simulated.Backend
}

func (a autoCommit) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := a.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	a.backend.Commit()
	return nil
}

// revertCode returns runtime bytecode that always reverts with Error(reason).
func revertCode(t *testing.T, reason string) []byte {
	t.Helper()
	strTy, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: strTy}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack reason: %v", err)
	}
	data := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
	if len(data) > 0xff {
		t.Fatalf("revert reason too long for test bytecode")
	}

	var code []byte
	for off := 0; off < len(data); off += 32 {
		w := make([]byte, 32)
		copy(w, data[off:])
		code = append(code, 0x7f) // PUSH32
		code = append(code, w...)
		code = append(code, 0x60, byte(off), 0x52) // PUSH1 off, MSTORE
	}
	// PUSH1 len, PUSH1 0, REVERT
	return append(code, 0x60, byte(len(data)), 0x60, 0x00, 0xfd)
}

// fundedAlloc gives every key the same balance.
func fundedAlloc(balance *big.Int, keys ...*ecdsa.PrivateKey) types.GenesisAlloc {
	alloc := types.GenesisAlloc{}
	for _, k := range keys {
		alloc[addrOf(k)] = types.Account{Balance: new(big.Int).Set(balance)}
	}
	return alloc
}
