package relay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/Fluffy9/Gasless-Runner/internal/chain"
)

// AdminBackend adds receipt lookups to Backend so AdminOps can wait for
// inclusion.
type AdminBackend interface {
	Backend
	bind.DeployBackend
}

// DefaultConfirmTimeout bounds the wait for an admin transaction to be mined.
const DefaultConfirmTimeout = 2 * time.Minute

// AdminOps changes limiter membership with the owner key. The owner key is
// never part of the relay pool.
type AdminOps struct {
	// ConfirmTimeout bounds the confirmation wait. Once a transaction is
	// sent, the wait no longer follows the caller's context.
	ConfirmTimeout time.Duration

	backend AdminBackend
	limiter *chain.Limiter
	key     *ecdsa.PrivateKey
	owner   common.Address
	chainID *big.Int
	log     *zap.Logger

	mu    sync.Mutex   // one owner nonce stream
	nonce nonceTracker // guarded by mu
	now   func() time.Time
}

func NewAdminOps(backend AdminBackend, limiter *chain.Limiter, owner *ecdsa.PrivateKey, chainID *big.Int, log *zap.Logger) *AdminOps {
	return &AdminOps{
		ConfirmTimeout: DefaultConfirmTimeout,
		backend:        backend,
		limiter:        limiter,
		key:            owner,
		owner:          crypto.PubkeyToAddress(owner.PublicKey),
		chainID:        new(big.Int).Set(chainID),
		log:            log,
		now:            time.Now,
	}
}

// Owner returns the address that signs admin transactions.
func (a *AdminOps) Owner() common.Address { return a.owner }

// AddUser registers subject with the limiter and waits for one confirmation.
func (a *AdminOps) AddUser(ctx context.Context, subject common.Address) (*types.Receipt, error) {
	data, err := a.limiter.PackAddUser(subject)
	if err != nil {
		return nil, newError(KindValidation, "addUser", "pack", err)
	}
	return a.submit(ctx, "addUser", subject, data)
}

// RemoveUser removes subject from the limiter and waits for one confirmation.
func (a *AdminOps) RemoveUser(ctx context.Context, subject common.Address) (*types.Receipt, error) {
	data, err := a.limiter.PackRemoveUser(subject)
	if err != nil {
		return nil, newError(KindValidation, "removeUser", "pack", err)
	}
	return a.submit(ctx, "removeUser", subject, data)
}

func (a *AdminOps) submit(ctx context.Context, op string, subject common.Address, data []byte) (*types.Receipt, error) {
	if subject == (common.Address{}) {
		return nil, newError(KindValidation, op, "address is required", nil)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	to := a.limiter.Address()
	gas, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{From: a.owner, To: &to, Data: data})
	if err != nil {
		reason, _ := chain.RevertReason(err)
		return nil, newError(KindAdminOpFailed, op, reason, fmt.Errorf("estimate gas: %w", err))
	}
	if gas == 0 {
		return nil, newError(KindAdminOpFailed, op, "zero gas estimate", nil)
	}

	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, newError(KindRPC, op, "suggest gas price", err)
	}
	pending, err := a.backend.PendingNonceAt(ctx, a.owner)
	if err != nil {
		return nil, newError(KindRPC, op, "pending nonce", err)
	}
	nonce := a.nonce.resolve(pending, a.now())

	opts, err := bind.NewKeyedTransactorWithChainID(a.key, a.chainID)
	if err != nil {
		return nil, newError(KindAdminOpFailed, op, "transactor", err)
	}
	signed, err := opts.Signer(a.owner, types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	}))
	if err != nil {
		return nil, newError(KindAdminOpFailed, op, "sign", err)
	}
	// Past this point the transaction may be on the network; finish even if
	// the caller goes away so it is not reported failed while it mines.
	sendCtx := context.WithoutCancel(ctx)
	if err := a.backend.SendTransaction(sendCtx, signed); err != nil {
		a.nonce.reset()
		return nil, newError(KindBroadcast, op, "send transaction", err)
	}
	a.nonce.sent(nonce, a.now())

	a.log.Info("admin tx sent",
		zap.String("op", op),
		zap.String("subject", subject.Hex()),
		zap.String("tx", signed.Hash().Hex()),
	)

	waitCtx, cancel := context.WithTimeout(sendCtx, a.ConfirmTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, a.backend, signed)
	if err != nil {
		return nil, newError(KindAdminOpFailed, op, "wait for confirmation", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, newError(KindAdminOpFailed, op,
			fmt.Sprintf("tx %s reverted in block %s", signed.Hash().Hex(), receipt.BlockNumber), nil)
	}

	a.log.Info("admin tx confirmed",
		zap.String("op", op),
		zap.String("subject", subject.Hex()),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
	)
	return receipt, nil
}
