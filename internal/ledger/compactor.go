package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/config"
)

// RunCompactor periodically folds the log prefix into the checkpoint so that
// reads replay only the tail.
func RunCompactor(ctx context.Context, cfg *config.Config, comp Compactor, log *zap.Logger) {
	interval := time.Duration(cfg.Ledger.CheckpointIntervalSec) * time.Second
	if interval <= 0 {
		log.Info("checkpoint compactor disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("checkpoint compactor started", zap.Duration("interval", interval))

	var last uint64
	for {
		select {
		case <-ctx.Done():
			log.Info("checkpoint compactor stopped")
			return
		case <-ticker.C:
			last = runCompaction(ctx, comp, last, log)
		}
	}
}

func runCompaction(ctx context.Context, comp Compactor, last uint64, log *zap.Logger) uint64 {
	height, err := comp.Compact(ctx)
	if err != nil {
		log.Error("compactor: compact", zap.Error(err))
		return last
	}
	if height != last {
		log.Debug("checkpoint advanced",
			zap.Uint64("from", last),
			zap.Uint64("to", height),
		)
	}
	return height
}
