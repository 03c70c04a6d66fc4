// Package settler drains the transaction queue: each queued transaction is
// settled against the ledger and its outcome recorded in a receipt.
package settler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/config"
	"github.com/0gfoundation/0g-voucher/internal/contract"
)

// retryDelay is how long the loop backs off after a ledger failure.
var retryDelay = 5 * time.Second

// Run is the main settler loop: BLPOP → settle → record receipt.
// Transactions settle one at a time in queue order.
func Run(ctx context.Context, cfg *config.Config, rdb *redis.Client, c *contract.Contract, log *zap.Logger) {
	blpopTimeout := time.Duration(cfg.Settler.PollTimeoutSec) * time.Second

	log.Info("settler started", zap.String("queue", QueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("settler stopped")
			return
		}

		// BLPOP blocks until an item appears or timeout
		results, err := rdb.BLPop(ctx, blpopTimeout, QueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("settler: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		raw := results[1]
		if !process(ctx, rdb, c, raw, log) {
			requeue(context.WithoutCancel(ctx), rdb, raw, log)
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
		}
	}
}

// requeue puts raw back at the head of the queue so order is preserved. If
// that fails the entry is dead-lettered and its receipt marked LEDGER_ERROR,
// so the outcome is never left PENDING. It reports whether raw is queued again.
func requeue(ctx context.Context, rdb *redis.Client, raw string, log *zap.Logger) bool {
	err := rdb.LPush(ctx, QueueKey, raw).Err()
	if err == nil {
		return true
	}

	var tx contract.Tx
	_ = json.Unmarshal([]byte(raw), &tx)
	log.Error("settler: requeue failed, transaction dropped from queue",
		zap.String("tx", tx.ID),
		zap.String("raw", raw),
		zap.Error(err),
	)
	deadLetter(ctx, rdb, raw, err, log)
	if tx.ID != "" {
		if werr := writeReceipt(ctx, rdb, &tx, contract.StatusLedgerError, err); werr != nil {
			log.Error("settler: write receipt", zap.String("tx", tx.ID), zap.Error(werr))
		}
	}
	return false
}

// process settles one raw queue entry. It returns false when the entry should
// be retried later.
func process(ctx context.Context, rdb *redis.Client, c *contract.Contract, raw string, log *zap.Logger) bool {
	var tx contract.Tx
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		deadLetter(ctx, rdb, raw, err, log)
		return true
	}
	if err := tx.Validate(); err != nil {
		deadLetter(ctx, rdb, raw, err, log)
		if tx.ID != "" {
			HandleResult(ctx, rdb, &tx, err, log)
		}
		return true
	}

	err := c.Settle(ctx, &tx)
	if contract.StatusOf(err) == contract.StatusLedgerError {
		log.Error("settler: ledger error, will retry",
			zap.String("tx", tx.ID),
			zap.Error(err),
		)
		return false
	}
	HandleResult(ctx, rdb, &tx, err, log)
	return true
}
