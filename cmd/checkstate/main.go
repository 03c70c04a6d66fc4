package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-voucher/internal/config"
	"github.com/0gfoundation/0g-voucher/internal/ledger"
)

func main() {
	key := flag.Int64("key", -1, "voucher key to fold (omit to skip)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatalf("config: %v", err)
	}
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()

	l, closeLedger, err := ledger.Open(cfg, rdb)
	if err != nil {
		fatalf("ledger: %v", err)
	}
	defer closeLedger()

	snap, err := l.Snapshot(ctx)
	if err != nil {
		fatalf("snapshot: %v", err)
	}
	n, err := l.Len(ctx)
	if err != nil {
		fatalf("log length: %v", err)
	}
	fmt.Printf("backend:      %s\n", cfg.Ledger.Backend)
	fmt.Printf("initialized:  %t\n", snap.Initialized)
	fmt.Printf("merchant:     %s\n", snap.Merchant.Hex())
	fmt.Printf("totalSupply:  %d\n", snap.TotalSupply)
	fmt.Printf("currentIdx:   %d\n", snap.CurrentIndex)
	fmt.Printf("version:      %d\n", snap.Version)
	fmt.Printf("log length:   %d\n", n)

	if *key < 0 {
		return
	}
	if *key > int64(^uint32(0)) {
		fatalf("key %d out of range", *key)
	}
	st, err := l.Fold(ctx, uint32(*key))
	if err != nil {
		fatalf("fold: %v", err)
	}
	if !st.IsSome {
		fmt.Printf("key %d:       <none>\n", *key)
		return
	}
	fmt.Printf("key %d:       %s\n", *key, st.Value.Hex())
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
