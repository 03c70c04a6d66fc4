package ledger

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-voucher/internal/config"
	"github.com/0gfoundation/0g-voucher/internal/contract"
)

// Open builds the configured backend. The returned func releases it.
func Open(cfg *config.Config, rdb *redis.Client) (contract.Ledger, func(), error) {
	switch cfg.Ledger.Backend {
	case config.BackendRedis:
		return NewRedis(rdb, cfg.Ledger.MaxSettleRetries), func() {}, nil
	case config.BackendSQLite:
		l, err := OpenSQLite(cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { l.Close() }, nil
	case config.BackendMemory:
		return NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}
