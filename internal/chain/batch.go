package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// CallRequest is a single eth_call inside a batch.
type CallRequest struct {
	To   common.Address
	Data []byte
}

// ElemError reports the failure of one element of a batch that otherwise
// reached the node. A revert of an eth_call surfaces here.
type ElemError struct {
	Index  int
	Method string
	Err    error
}

func (e *ElemError) Error() string {
	return fmt.Sprintf("batch element %d (%s): %v", e.Index, e.Method, e.Err)
}

func (e *ElemError) Unwrap() error { return e.Err }

// Batcher issues several read-only requests in a single JSON-RPC round trip.
type Batcher struct {
	rc *rpc.Client
}

func NewBatcher(rc *rpc.Client) *Batcher {
	return &Batcher{rc: rc}
}

// Call executes all calls against the latest block in one batch and returns
// the raw return data in request order.
func (b *Batcher) Call(ctx context.Context, reqs []CallRequest) ([][]byte, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	out := make([]hexutil.Bytes, len(reqs))
	elems := make([]rpc.BatchElem, len(reqs))
	for i, r := range reqs {
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []any{
				map[string]any{"to": r.To, "data": hexutil.Bytes(r.Data)},
				"latest",
			},
			Result: &out[i],
		}
	}
	if err := b.rc.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("batch eth_call: %w", err)
	}
	results := make([][]byte, len(reqs))
	for i, e := range elems {
		if e.Error != nil {
			return nil, &ElemError{Index: i, Method: e.Method, Err: e.Error}
		}
		results[i] = out[i]
	}
	return results, nil
}

// Balances returns the latest balance of every address in one batch.
func (b *Batcher) Balances(ctx context.Context, addrs []common.Address) ([]*big.Int, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	out := make([]hexutil.Big, len(addrs))
	elems := make([]rpc.BatchElem, len(addrs))
	for i, a := range addrs {
		elems[i] = rpc.BatchElem{
			Method: "eth_getBalance",
			Args:   []any{a, "latest"},
			Result: &out[i],
		}
	}
	if err := b.rc.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("batch eth_getBalance: %w", err)
	}
	balances := make([]*big.Int, len(addrs))
	for i, e := range elems {
		if e.Error != nil {
			return nil, &ElemError{Index: i, Method: e.Method, Err: e.Error}
		}
		balances[i] = out[i].ToInt()
	}
	return balances, nil
}
