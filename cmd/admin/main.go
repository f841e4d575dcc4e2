// cmd/admin adds or removes a subscriber on the limiter contract by hand,
// signing with the owner key. It is the manual counterpart of the billing
// webhook and waits for one confirmation before exiting.
//
// Usage:
//
//	OWNER=0x<key> \
//	go run ./cmd/admin/ \
//	  --rpc      https://rpc.l16.lukso.network \
//	  --chain-id 2828 \
//	  --limiter  0x<limiter> \
//	  --add      0x<subscriber>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/Fluffy9/Gasless-Runner/internal/chain"
	"github.com/Fluffy9/Gasless-Runner/internal/config"
	"github.com/Fluffy9/Gasless-Runner/internal/relay"
)

func main() {
	rpcURL := flag.String("rpc", "", "RPC endpoint")
	chainID := flag.Int64("chain-id", 0, "Chain ID")
	limiterHex := flag.String("limiter", "", "Limiter contract address")
	add := flag.String("add", "", "Subscriber address to add")
	remove := flag.String("remove", "", "Subscriber address to remove")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall deadline")
	flag.Parse()

	if (*add == "") == (*remove == "") {
		fatalf("exactly one of --add or --remove is required")
	}
	if !common.IsHexAddress(*limiterHex) {
		fatalf("--limiter is not a hex address: %q", *limiterHex)
	}
	target := *add + *remove
	if !common.IsHexAddress(target) {
		fatalf("subscriber is not a hex address: %q", target)
	}

	keyHex := strings.TrimPrefix(strings.TrimSpace(os.Getenv("OWNER")), "0x")
	if keyHex == "" {
		fatalf("OWNER not set")
	}
	owner, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		fatalf("parse owner key: %v", err)
	}

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	onchain, err := chain.NewClient(ctx, &config.Config{
		Chain: config.ChainConfig{RPCURL: *rpcURL, ChainID: *chainID},
	})
	if err != nil {
		fatalf("chain client: %v", err)
	}
	defer onchain.Close()

	limiter, err := chain.NewLimiter(common.HexToAddress(*limiterHex))
	if err != nil {
		fatalf("limiter abi: %v", err)
	}
	admin := relay.NewAdminOps(onchain, limiter, owner, onchain.ChainID(), log)

	fmt.Printf("owner:    %s\n", admin.Owner().Hex())
	fmt.Printf("limiter:  %s\n", limiter.Address().Hex())

	subject := common.HexToAddress(target)
	var receipt *types.Receipt
	if *add != "" {
		fmt.Printf("\naddUser(%s)...\n", subject.Hex())
		receipt, err = admin.AddUser(ctx, subject)
	} else {
		fmt.Printf("\nremoveUser(%s)...\n", subject.Hex())
		receipt, err = admin.RemoveUser(ctx, subject)
	}
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("      tx:    %s\n", receipt.TxHash.Hex())
	fmt.Printf("      block: %s\n", receipt.BlockNumber)
	fmt.Println("      confirmed ✓")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
