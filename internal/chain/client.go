package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Fluffy9/Gasless-Runner/internal/config"
)

// Client wraps go-ethereum's ethclient together with the raw RPC client used
// for JSON-RPC batches.
type Client struct {
	*ethclient.Client
	*Batcher
	chainID *big.Int
}

func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	eth := ethclient.NewClient(rc)

	// Refuse to sign for a chain other than the configured one.
	remote, err := eth.ChainID(ctx)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if remote.Int64() != cfg.Chain.ChainID {
		rc.Close()
		return nil, fmt.Errorf("chain id mismatch: rpc reports %s, configured %d", remote, cfg.Chain.ChainID)
	}

	return &Client{
		Client:  eth,
		Batcher: NewBatcher(rc),
		chainID: big.NewInt(cfg.Chain.ChainID),
	}, nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }
