package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/Fluffy9/Gasless-Runner/internal/chain"
)

// Backend is the node access needed to estimate and broadcast transactions.
// *ethclient.Client and the simulated backend client both satisfy it.
type Backend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Tracker receives every broadcast transaction for follow-up.
type Tracker interface {
	Track(ctx context.Context, h TransactionHandle) error
}

// RelayRequest is a user-signed payload to be wrapped in limiter.execute.
type RelayRequest struct {
	Subject   common.Address
	Payload   []byte
	Signature []byte
	Nonce     *big.Int
}

func (r RelayRequest) validate() error {
	switch {
	case r.Subject == (common.Address{}):
		return errors.New("address is required")
	case len(r.Payload) == 0:
		return errors.New("transaction.abi is required")
	case len(r.Signature) == 0:
		return errors.New("transaction.signature is required")
	case r.Nonce == nil:
		return errors.New("transaction.nonce is required")
	case r.Nonce.Sign() < 0:
		return errors.New("transaction.nonce must not be negative")
	case r.Nonce.BitLen() > 256:
		return errors.New("transaction.nonce exceeds uint256")
	}
	return nil
}

// TransactionHandle identifies a broadcast transaction. It says nothing about
// inclusion.
type TransactionHandle struct {
	Hash  common.Hash
	From  common.Address
	Nonce uint64
}

// Relayer builds limiter.execute calls and broadcasts them from pool wallets.
type Relayer struct {
	backend Backend
	pool    *Pool
	limiter *chain.Limiter
	chainID *big.Int
	tracker Tracker
	log     *zap.Logger
}

func NewRelayer(backend Backend, pool *Pool, limiter *chain.Limiter, chainID *big.Int, log *zap.Logger) *Relayer {
	return &Relayer{
		backend: backend,
		pool:    pool,
		limiter: limiter,
		chainID: new(big.Int).Set(chainID),
		log:     log,
	}
}

// WithTracker makes the relayer hand every broadcast hash to t.
func (r *Relayer) WithTracker(t Tracker) *Relayer {
	r.tracker = t
	return r
}

// Relay wraps req in limiter.execute, estimates it from the wallet that will
// send it, and broadcasts. It returns as soon as the node accepts the
// transaction. Nothing is retried.
func (r *Relayer) Relay(ctx context.Context, req RelayRequest) (TransactionHandle, error) {
	const op = "relay"

	if err := req.validate(); err != nil {
		return TransactionHandle{}, newError(KindValidation, op, err.Error(), nil)
	}
	data, err := r.limiter.PackExecute(req.Subject, req.Signature, req.Nonce, req.Payload)
	if err != nil {
		return TransactionHandle{}, newError(KindValidation, op, "pack execute", err)
	}

	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return TransactionHandle{}, newError(KindRPC, op, "suggest gas price", err)
	}

	lease, gas, err := r.leaseFor(ctx, data, gasPrice)
	if err != nil {
		return TransactionHandle{}, err
	}
	defer lease.Release()

	// Once sent the transaction cannot be recalled, so the caller going away
	// must not abort the send half way.
	h, err := r.broadcast(context.WithoutCancel(ctx), lease, data, gas, gasPrice)
	if err != nil {
		return TransactionHandle{}, err
	}
	lease.Release()

	r.log.Info("relayed",
		zap.String("subject", req.Subject.Hex()),
		zap.String("tx", h.Hash.Hex()),
		zap.String("wallet", h.From.Hex()),
		zap.Uint64("nonce", h.Nonce),
	)

	if r.tracker != nil {
		if err := r.tracker.Track(context.WithoutCancel(ctx), h); err != nil {
			r.log.Warn("track relayed tx", zap.String("tx", h.Hash.Hex()), zap.Error(err))
		}
	}
	return h, nil
}

// leaseFor leases a wallet and estimates the call from it. If the estimated
// fee exceeds the leased wallet's balance, the lease is dropped and the next
// attempt requires a balance above that fee.
func (r *Relayer) leaseFor(ctx context.Context, data []byte, gasPrice *big.Int) (*Lease, uint64, error) {
	const op = "relay"
	to := r.limiter.Address()
	minCost := new(big.Int)

	for attempt := 0; attempt < r.pool.Size(); attempt++ {
		lease, err := r.pool.Acquire(ctx, minCost)
		if err != nil {
			return nil, 0, err
		}

		gas, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: lease.Address(),
			To:   &to,
			Data: data,
		})
		if err != nil {
			lease.Release()
			if reason, ok := chain.RevertReason(err); ok {
				return nil, 0, newError(KindContractRevert, op, reason, err)
			}
			return nil, 0, newError(KindRPC, op, "estimate gas", err)
		}

		cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
		if lease.Balance().Cmp(cost) > 0 {
			return lease, gas, nil
		}

		r.log.Debug("leased wallet cannot cover fee",
			zap.String("wallet", lease.Address().Hex()),
			zap.String("balance", lease.Balance().String()),
			zap.String("fee", cost.String()),
		)
		lease.Release()
		minCost = cost
	}
	return nil, 0, newError(KindInsufficientFunds, op,
		fmt.Sprintf("no relay wallet holds more than %s wei", minCost), nil)
}

func (r *Relayer) broadcast(ctx context.Context, lease *Lease, data []byte, gas uint64, gasPrice *big.Int) (TransactionHandle, error) {
	const op = "relay"
	from := lease.Address()
	to := r.limiter.Address()

	pending, err := r.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return TransactionHandle{}, newError(KindRPC, op, "pending nonce", err)
	}
	nonce := lease.nonceFor(pending)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := lease.sign(tx, r.chainID)
	if err != nil {
		return TransactionHandle{}, newError(KindBroadcast, op, "sign", err)
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		lease.sendFailed()
		return TransactionHandle{}, newError(KindBroadcast, op, "send transaction", err)
	}
	lease.sent(nonce)
	return TransactionHandle{Hash: signed.Hash(), From: from, Nonce: nonce}, nil
}
