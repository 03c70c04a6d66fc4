package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-voucher/internal/chain"
)

func main() {
	rpcURL := flag.String("rpc", "https://evmrpc-testnet.0g.ai", "EVM RPC endpoint")
	addrHex := flag.String("address", "", "account to wait for (required)")
	requireCode := flag.Bool("require-code", false, "wait for deployed contract code")
	interval := flag.Duration("interval", chain.DefaultPollInterval, "poll interval")
	flag.Parse()

	if !common.IsHexAddress(*addrHex) {
		fmt.Fprintln(os.Stderr, "-address must be a hex account address")
		os.Exit(2)
	}
	addr := common.HexToAddress(*addrHex)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eth, err := chain.Dial(ctx, *rpcURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer eth.Close()

	start := time.Now()
	info, err := chain.WaitUntilAccountExists(ctx, eth, addr, chain.WaitOptions{
		RequireCode: *requireCode,
		Interval:    *interval,
		OnMissing: func(attempt int, err error) {
			if err != nil {
				fmt.Printf("attempt %d: %s not found (%v)\n", attempt, addr.Hex(), err)
				return
			}
			fmt.Printf("attempt %d: %s does not exist yet\n", attempt, addr.Hex())
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("account:   %s\n", info.Address.Hex())
	fmt.Printf("balance:   %s neuron\n", info.Balance)
	fmt.Printf("nonce:     %d\n", info.Nonce)
	fmt.Printf("code:      %d bytes\n", len(info.Code))
	fmt.Printf("waited:    %s\n", time.Since(start).Round(time.Second))
}
