// cmd/checkbal prints the balance of each address in one batched RPC call,
// and with --limiter also the remaining gas quota and next reset of each.
//
// Usage:
//
//	go run ./cmd/checkbal/ --rpc https://rpc.l16.lukso.network [--limiter 0x<limiter>] 0x<addr> ...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Fluffy9/Gasless-Runner/internal/chain"
)

func main() {
	rpcURL := flag.String("rpc", "", "RPC endpoint")
	limiterHex := flag.String("limiter", "", "Limiter contract address (optional)")
	flag.Parse()

	var addrs []common.Address
	for _, arg := range flag.Args() {
		if !common.IsHexAddress(arg) {
			fatalf("not a hex address: %q", arg)
		}
		addrs = append(addrs, common.HexToAddress(arg))
	}
	if len(addrs) == 0 {
		fatalf("no addresses given")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc, err := rpc.DialContext(ctx, *rpcURL)
	if err != nil {
		fatalf("dial rpc: %v", err)
	}
	defer rc.Close()
	batch := chain.NewBatcher(rc)

	balances, err := batch.Balances(ctx, addrs)
	if err != nil {
		fatalf("balances: %v", err)
	}
	for i, a := range addrs {
		fmt.Printf("%s  balance: %s wei (%s ether)\n", a.Hex(), balances[i], toEther(balances[i]))
	}

	if *limiterHex == "" {
		return
	}
	if !common.IsHexAddress(*limiterHex) {
		fatalf("--limiter is not a hex address: %q", *limiterHex)
	}
	limiter, err := chain.NewLimiter(common.HexToAddress(*limiterHex))
	if err != nil {
		fatalf("limiter abi: %v", err)
	}

	fmt.Println()
	for _, a := range addrs {
		quotaData, err := limiter.PackQuota(a)
		if err != nil {
			fatalf("pack quota: %v", err)
		}
		periodData, err := limiter.PackNextPeriod(a)
		if err != nil {
			fatalf("pack nextPeriod: %v", err)
		}
		out, err := batch.Call(ctx, []chain.CallRequest{
			{To: limiter.Address(), Data: quotaData},
			{To: limiter.Address(), Data: periodData},
		})
		var elemErr *chain.ElemError
		if errors.As(err, &elemErr) {
			reason, _ := chain.RevertReason(elemErr.Err)
			fmt.Printf("%s  quota: unavailable (%s)\n", a.Hex(), reason)
			continue
		}
		if err != nil {
			fatalf("quota: %v", err)
		}
		used, err := limiter.UnpackUint("quota", out[0])
		if err != nil {
			fatalf("decode quota: %v", err)
		}
		next, err := limiter.UnpackUint("nextPeriod", out[1])
		if err != nil {
			fatalf("decode nextPeriod: %v", err)
		}
		fmt.Printf("%s  used: %s wei  resets: %s\n", a.Hex(), used, time.Unix(next.Int64(), 0).UTC().Format(time.RFC3339))
	}
}

func toEther(wei *big.Int) string {
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether))
	return f.Text('f', 6)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
