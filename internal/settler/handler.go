package settler

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/contract"
)

// HandleResult records the settlement outcome of tx in its receipt.
// settleErr is the error returned by contract.Settle, nil on success.
func HandleResult(ctx context.Context, rdb *redis.Client, tx *contract.Tx, settleErr error, log *zap.Logger) {
	status := contract.StatusOf(settleErr)

	switch {
	case status == contract.StatusSuccess:
		fields := []zap.Field{
			zap.String("tx", tx.ID),
			zap.String("kind", string(tx.Kind)),
		}
		switch {
		case tx.Mint != nil:
			fields = append(fields, zap.Uint32("key", tx.Mint.SnapshotIndex))
		case tx.Use != nil:
			fields = append(fields, zap.Uint32("key", tx.Use.Key))
		}
		log.Info("transaction settled", fields...)

	case status == contract.StatusStaleSnapshot:
		log.Warn("transaction lost a race, rebuild and resubmit",
			zap.String("tx", tx.ID),
			zap.String("kind", string(tx.Kind)),
			zap.Error(settleErr),
		)

	case status == contract.StatusAuthorization, status == contract.StatusMalformed:
		log.Error("transaction rejected",
			zap.String("status", status.String()),
			zap.String("tx", tx.ID),
			zap.String("caller", tx.Caller.Hex()),
			zap.Error(settleErr),
		)

	default:
		log.Info("transaction rejected",
			zap.String("status", status.String()),
			zap.String("tx", tx.ID),
			zap.Error(settleErr),
		)
	}

	if err := writeReceipt(ctx, rdb, tx, status, settleErr); err != nil {
		log.Error("settler: write receipt", zap.String("tx", tx.ID), zap.Error(err))
	}
}

// deadLetter parks an entry that cannot be settled at all.
func deadLetter(ctx context.Context, rdb *redis.Client, raw string, cause error, log *zap.Logger) {
	if err := rdb.RPush(ctx, DLQKey, raw).Err(); err != nil {
		log.Error("settler: DLQ push", zap.Error(err))
	}
	log.Error("transaction dead-lettered",
		zap.String("raw", raw),
		zap.Error(cause),
	)
}
