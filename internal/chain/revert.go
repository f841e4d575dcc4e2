package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertPrefix = "execution reverted"

// RevertReason extracts the revert reason from an eth_call / eth_estimateGas
// error. ok is false when err is not an EVM revert (transport failures,
// timeouts, malformed requests).
func RevertReason(err error) (reason string, ok bool) {
	if err == nil {
		return "", false
	}

	var de rpc.DataError
	if errors.As(err, &de) {
		if s, isStr := de.ErrorData().(string); isStr {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if r, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return r, true
				}
				// Custom error or empty revert: keep the selector for callers.
				if len(raw) > 0 {
					return trimReverted(de.Error(), s), true
				}
			}
		}
	}

	msg := err.Error()
	if i := strings.Index(msg, revertPrefix); i >= 0 {
		return trimReverted(msg[i:], ""), true
	}
	return "", false
}

func trimReverted(msg, fallback string) string {
	r := strings.TrimPrefix(msg, revertPrefix)
	r = strings.TrimPrefix(r, ":")
	r = strings.TrimSpace(r)
	if r == "" {
		return fallback
	}
	return r
}
