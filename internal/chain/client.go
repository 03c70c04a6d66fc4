// Package chain polls an EVM node for the accounts the registry depends on,
// so that a daemon can hold off serving until its merchant is live.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultPollInterval is the fixed backoff between account lookups.
const DefaultPollInterval = 5 * time.Second

// AccountReader is the subset of *ethclient.Client used here.
type AccountReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

var _ AccountReader = (*ethclient.Client)(nil)

// AccountInfo is the latest-block view of an account.
type AccountInfo struct {
	Address common.Address
	Balance *big.Int
	Nonce   uint64
	Code    []byte
}

// Exists reports whether the account has any on-chain footprint. With
// requireCode only a deployed contract counts.
func (a *AccountInfo) Exists(requireCode bool) bool {
	if requireCode {
		return len(a.Code) > 0
	}
	return a.Nonce > 0 || a.Balance.Sign() > 0 || len(a.Code) > 0
}

type WaitOptions struct {
	// RequireCode waits for contract code rather than any activity.
	RequireCode bool
	// Interval defaults to DefaultPollInterval.
	Interval time.Duration
	// OnMissing is called after every lookup that did not find the account.
	// err is the RPC error, if the lookup failed.
	OnMissing func(attempt int, err error)
}

// Dial connects to the node at rpcURL.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return eth, nil
}

// FetchAccount reads balance, nonce and code at the latest block.
func FetchAccount(ctx context.Context, r AccountReader, addr common.Address) (*AccountInfo, error) {
	balance, err := r.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", addr.Hex(), err)
	}
	nonce, err := r.NonceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("nonce of %s: %w", addr.Hex(), err)
	}
	code, err := r.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("code of %s: %w", addr.Hex(), err)
	}
	return &AccountInfo{Address: addr, Balance: balance, Nonce: nonce, Code: code}, nil
}

// WaitUntilAccountExists polls until addr exists, sleeping a fixed interval
// between attempts. RPC failures count as a miss. It returns only on success
// or when ctx is done.
func WaitUntilAccountExists(ctx context.Context, r AccountReader, addr common.Address, opts WaitOptions) (*AccountInfo, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		info, err := FetchAccount(ctx, r, addr)
		if err == nil && info.Exists(opts.RequireCode) {
			return info, nil
		}
		lastErr = err
		if opts.OnMissing != nil {
			opts.OnMissing(attempt, err)
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("waiting for %s: %w (last rpc error: %v)", addr.Hex(), ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("waiting for %s: %w", addr.Hex(), ctx.Err())
		case <-time.After(interval):
		}
	}
}
