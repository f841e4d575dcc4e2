package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// BalanceReader returns the latest balances of addrs, in order, in one round trip.
type BalanceReader interface {
	Balances(ctx context.Context, addrs []common.Address) ([]*big.Int, error)
}

// Wallet is a relay signing identity. Its key is only reachable through a Lease.
type Wallet struct {
	addr     common.Address
	key      *ecdsa.PrivateKey
	priority uint64 // sequence number of the last lease; lower = used longer ago
	balance  *big.Int
	leased   bool
	nonce    nonceTracker // only touched under a lease
}

func (w *Wallet) Address() common.Address { return w.addr }

// String prints the address only.
func (w *Wallet) String() string { return w.addr.Hex() }

// WalletState is a point-in-time view of a pool member, safe to export.
type WalletState struct {
	Address  common.Address
	Balance  *big.Int
	Priority uint64
	Leased   bool
}

// Pool hands out relay wallets under exclusive leases. A leased wallet is not
// given to another caller until the lease is released, so one wallet never
// has two broadcasts in flight.
type Pool struct {
	reader BalanceReader
	log    *zap.Logger

	mu       sync.Mutex
	wallets  []*Wallet
	addrs    []common.Address
	seq      uint64
	released chan struct{} // closed and replaced on every release

	now func() time.Time
}

func NewPool(reader BalanceReader, keys []*ecdsa.PrivateKey, log *zap.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, errors.New("wallet pool: no keys")
	}
	p := &Pool{
		reader:   reader,
		log:      log,
		released: make(chan struct{}),
		now:      time.Now,
	}
	seen := make(map[common.Address]struct{}, len(keys))
	for i, k := range keys {
		if k == nil {
			return nil, fmt.Errorf("wallet pool: key %d is nil", i)
		}
		addr := crypto.PubkeyToAddress(k.PublicKey)
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("wallet pool: duplicate wallet %s", addr.Hex())
		}
		seen[addr] = struct{}{}
		p.wallets = append(p.wallets, &Wallet{addr: addr, key: k, balance: new(big.Int)})
		p.addrs = append(p.addrs, addr)
	}
	return p, nil
}

// Size returns the number of wallets in the pool.
func (p *Pool) Size() int { return len(p.wallets) }

// Addresses returns the pool addresses in configuration order.
func (p *Pool) Addresses() []common.Address {
	out := make([]common.Address, len(p.addrs))
	copy(out, p.addrs)
	return out
}

// Snapshot returns the state of every wallet as of the last refresh.
func (p *Pool) Snapshot() []WalletState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WalletState, len(p.wallets))
	for i, w := range p.wallets {
		out[i] = WalletState{
			Address:  w.addr,
			Balance:  new(big.Int).Set(w.balance),
			Priority: w.priority,
			Leased:   w.leased,
		}
	}
	return out
}

// Acquire refreshes all balances in one batch and leases the least recently
// used wallet whose balance is strictly greater than cost. If no wallet can
// cover cost it fails with KindInsufficientFunds. If every qualifying wallet
// is leased it waits for a release or ctx.
func (p *Pool) Acquire(ctx context.Context, cost *big.Int) (*Lease, error) {
	const op = "select"
	if cost == nil {
		cost = new(big.Int)
	}

	for {
		balances, err := p.reader.Balances(ctx, p.addrs)
		if err != nil {
			return nil, newError(KindRPC, op, "refresh balances", err)
		}
		if len(balances) != len(p.wallets) {
			return nil, newError(KindRPC, op,
				fmt.Sprintf("balance batch returned %d results for %d wallets", len(balances), len(p.wallets)), nil)
		}

		p.mu.Lock()
		candidates := make([]*Wallet, 0, len(p.wallets))
		for i, w := range p.wallets {
			w.balance = new(big.Int).Set(balances[i])
			if w.balance.Cmp(cost) > 0 {
				candidates = append(candidates, w)
			}
		}
		if len(candidates) == 0 {
			p.mu.Unlock()
			return nil, newError(KindInsufficientFunds, op,
				fmt.Sprintf("no relay wallet holds more than %s wei", cost), nil)
		}

		// Stable sort keeps configuration order among equal priorities.
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].priority < candidates[j].priority
		})
		for _, w := range candidates {
			if w.leased {
				continue
			}
			p.seq++
			w.priority = p.seq
			w.leased = true
			lease := &Lease{pool: p, wallet: w, balance: new(big.Int).Set(w.balance)}
			p.mu.Unlock()

			p.log.Debug("wallet leased",
				zap.String("wallet", w.addr.Hex()),
				zap.String("balance", lease.balance.String()),
				zap.String("cost", cost.String()),
			)
			return lease, nil
		}
		wait := p.released
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for free wallet: %w", ctx.Err())
		}
	}
}

func (p *Pool) release(w *Wallet) {
	p.mu.Lock()
	w.leased = false
	close(p.released)
	p.released = make(chan struct{})
	p.mu.Unlock()
}

// Lease is exclusive use of one wallet, from selection through broadcast.
type Lease struct {
	pool    *Pool
	wallet  *Wallet
	balance *big.Int
	once    sync.Once
}

func (l *Lease) Address() common.Address { return l.wallet.addr }

// Balance is the wallet balance read when the lease was granted.
func (l *Lease) Balance() *big.Int { return new(big.Int).Set(l.balance) }

// Release returns the wallet to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.wallet) })
}

// nonceFor returns the nonce for the next send given the node's pending
// nonce. A node may not count a just-accepted transaction yet, so the wallet's
// own record wins when it is ahead, but only within nonceTrustWindow.
func (l *Lease) nonceFor(pending uint64) uint64 {
	return l.wallet.nonce.resolve(pending, l.pool.now())
}

// sent records that nonce was accepted by the node.
func (l *Lease) sent(nonce uint64) { l.wallet.nonce.sent(nonce, l.pool.now()) }

// sendFailed forgets the local nonce record after a rejected send.
func (l *Lease) sendFailed() { l.wallet.nonce.reset() }

// sign signs tx with the leased wallet's key for chainID.
func (l *Lease) sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(l.wallet.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	return opts.Signer(l.wallet.addr, tx)
}
