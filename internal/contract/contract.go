// Package contract is the voucher registry state machine: pure transitions
// for initState, mint and use, plus the build/settle split that lets a
// transaction be constructed against a snapshot and accepted or rejected
// atomically by a ledger later on.
package contract

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/actionlog"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// ApplyFunc computes the effects of a transaction from live state. A ledger
// may call it more than once when an optimistic attempt loses a race.
type ApplyFunc func(live State, fold FoldFunc) (Effects, error)

// Ledger owns persistence of the registry record and the action log.
type Ledger interface {
	// Snapshot returns the current registry record.
	Snapshot(ctx context.Context) (State, error)
	// Fold replays the log for key.
	Fold(ctx context.Context, key uint32) (actionlog.FoldState, error)
	// Len returns the number of actions in the log.
	Len(ctx context.Context) (uint64, error)
	// Apply runs fn against live state and persists its effects atomically.
	// If fn returns an error nothing is written and that error is returned.
	Apply(ctx context.Context, fn ApplyFunc) error
}

// Contract composes a Ledger with the registry rules.
type Contract struct {
	ledger Ledger
	policy InitPolicy
	log    *zap.Logger
}

func New(l Ledger, policy InitPolicy, log *zap.Logger) *Contract {
	return &Contract{ledger: l, policy: policy, log: log}
}

// Ledger returns the underlying ledger.
func (c *Contract) Ledger() Ledger { return c.ledger }

// Policy returns the init policy in force.
func (c *Contract) Policy() InitPolicy { return c.policy }

// BuildInit builds an init transaction against the current snapshot.
func (c *Contract) BuildInit(ctx context.Context, caller, merchant common.Address, totalSupply uint32) (*Tx, error) {
	snap, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return BuildInit(snap, c.policy, caller, merchant, totalSupply)
}

// BuildMint builds a mint transaction against the current snapshot.
func (c *Contract) BuildMint(ctx context.Context, caller common.Address, v voucher.Voucher) (*Tx, error) {
	snap, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return BuildMint(snap, caller, v)
}

// BuildUse builds a use transaction against the current fold for key.
func (c *Contract) BuildUse(ctx context.Context, caller common.Address, key uint32, v voucher.Voucher, code voucher.Field, sig voucher.Signature) (*Tx, error) {
	current, err := c.ledger.Fold(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fold key %d: %w", key, err)
	}
	return BuildUse(current, caller, key, v, code, sig)
}

// Settle submits tx to the ledger.
func (c *Contract) Settle(ctx context.Context, tx *Tx) error {
	err := c.ledger.Apply(ctx, func(live State, fold FoldFunc) (Effects, error) {
		return Settle(tx, c.policy, live, fold)
	})
	if err != nil {
		c.log.Debug("transaction rejected",
			zap.String("tx", tx.ID),
			zap.String("kind", string(tx.Kind)),
			zap.String("status", StatusOf(err).String()),
			zap.Error(err),
		)
		return err
	}
	c.log.Info("transaction settled",
		zap.String("tx", tx.ID),
		zap.String("kind", string(tx.Kind)),
		zap.String("caller", tx.Caller.Hex()),
	)
	return nil
}

// InitState builds and settles an init transaction in one step.
func (c *Contract) InitState(ctx context.Context, caller, merchant common.Address, totalSupply uint32) error {
	tx, err := c.BuildInit(ctx, caller, merchant, totalSupply)
	if err != nil {
		return err
	}
	return c.Settle(ctx, tx)
}

// Mint builds and settles a mint transaction, returning the issued index.
func (c *Contract) Mint(ctx context.Context, caller common.Address, v voucher.Voucher) (uint32, error) {
	tx, err := c.BuildMint(ctx, caller, v)
	if err != nil {
		return 0, err
	}
	if err := c.Settle(ctx, tx); err != nil {
		return 0, err
	}
	return tx.Mint.SnapshotIndex, nil
}

// Use builds and settles a use transaction. It reports true on success.
func (c *Contract) Use(ctx context.Context, caller common.Address, key uint32, v voucher.Voucher, code voucher.Field, sig voucher.Signature) (bool, error) {
	tx, err := c.BuildUse(ctx, caller, key, v, code, sig)
	if err != nil {
		return false, err
	}
	if err := c.Settle(ctx, tx); err != nil {
		return false, err
	}
	return true, nil
}
