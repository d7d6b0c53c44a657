package etherscan

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCHead reads the chain tip from a JSON-RPC node. The node's chain ID is
// checked against the expected one on first use; a node on the wrong chain
// fails every call until it is fixed.
type RPCHead struct {
	client   *ethclient.Client
	chainID  int64
	verified atomic.Bool
}

// DialRPCHead connects to rpcURL. For HTTP endpoints no request is made
// until the first BlockNumber call.
func DialRPCHead(ctx context.Context, rpcURL string, chainID int64) (*RPCHead, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return &RPCHead{client: client, chainID: chainID}, nil
}

// BlockNumber returns the latest block height.
func (h *RPCHead) BlockNumber(ctx context.Context) (uint64, error) {
	if !h.verified.Load() {
		id, err := h.client.ChainID(ctx)
		if err != nil {
			return 0, fmt.Errorf("eth_chainId: %w", err)
		}
		if !id.IsInt64() || id.Int64() != h.chainID {
			return 0, fmt.Errorf("rpc node is on chain %s, want %d", id, h.chainID)
		}
		h.verified.Store(true)
	}
	return h.client.BlockNumber(ctx)
}

// Close releases the underlying connection.
func (h *RPCHead) Close() {
	h.client.Close()
}
