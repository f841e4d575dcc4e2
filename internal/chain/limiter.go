package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// GasLimiterABI is the subset of the limiter contract the relay consumes.
const GasLimiterABI = `[
{"type":"function","name":"quota","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"gas","type":"uint256"}]},
{"type":"function","name":"nextPeriod","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"profile","type":"address"},{"name":"signature","type":"bytes"},{"name":"nonce","type":"uint256"},{"name":"payload","type":"bytes"}],"outputs":[]},
{"type":"function","name":"addUser","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"}],"outputs":[]},
{"type":"function","name":"removeUser","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"}],"outputs":[]}
]`

// Limiter packs and unpacks calls to a deployed limiter contract.
type Limiter struct {
	addr common.Address
	abi  abi.ABI
}

func NewLimiter(addr common.Address) (*Limiter, error) {
	parsed, err := abi.JSON(strings.NewReader(GasLimiterABI))
	if err != nil {
		return nil, fmt.Errorf("parse limiter abi: %w", err)
	}
	return &Limiter{addr: addr, abi: parsed}, nil
}

// Address returns the limiter contract address.
func (l *Limiter) Address() common.Address { return l.addr }

func (l *Limiter) PackQuota(user common.Address) ([]byte, error) {
	return l.abi.Pack("quota", user)
}

func (l *Limiter) PackNextPeriod(user common.Address) ([]byte, error) {
	return l.abi.Pack("nextPeriod", user)
}

// PackExecute wraps a user-signed payload in a limiter execute call.
func (l *Limiter) PackExecute(profile common.Address, signature []byte, nonce *big.Int, payload []byte) ([]byte, error) {
	return l.abi.Pack("execute", profile, signature, nonce, payload)
}

func (l *Limiter) PackAddUser(user common.Address) ([]byte, error) {
	return l.abi.Pack("addUser", user)
}

func (l *Limiter) PackRemoveUser(user common.Address) ([]byte, error) {
	return l.abi.Pack("removeUser", user)
}

// UnpackUint decodes the single uint256 output of a view method.
func (l *Limiter) UnpackUint(method string, data []byte) (*big.Int, error) {
	out, err := l.abi.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, out[0])
	}
	return v, nil
}
