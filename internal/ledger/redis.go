package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-voucher/internal/actionlog"
	"github.com/0gfoundation/0g-voucher/internal/contract"
)

const (
	RegistryKey   = "voucher:registry"
	LogKey        = "voucher:log"
	CheckpointKey = "voucher:checkpoint"

	defaultMaxRetries = 16
)

// reader is the read surface shared by *redis.Client and *redis.Tx.
type reader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// Redis keeps the registry in a hash and the log in a list. Settlement
// watches both keys and commits through MULTI/EXEC, retrying when another
// writer got there first.
type Redis struct {
	rdb        *redis.Client
	maxRetries int
}

func NewRedis(rdb *redis.Client, maxRetries int) *Redis {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Redis{rdb: rdb, maxRetries: maxRetries}
}

func (r *Redis) Snapshot(ctx context.Context) (contract.State, error) {
	return readState(ctx, r.rdb)
}

func (r *Redis) Fold(ctx context.Context, key uint32) (actionlog.FoldState, error) {
	return foldKey(ctx, r.rdb, key)
}

func (r *Redis) Len(ctx context.Context) (uint64, error) {
	n, err := r.rdb.LLen(ctx, LogKey).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", LogKey, err)
	}
	return uint64(n), nil
}

func (r *Redis) Apply(ctx context.Context, fn contract.ApplyFunc) error {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var rejected error
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			live, err := readState(ctx, tx)
			if err != nil {
				return err
			}
			eff, err := fn(live, func(key uint32) (actionlog.FoldState, error) {
				return foldKey(ctx, tx, key)
			})
			if err != nil {
				rejected = err
				return err
			}
			entries := make([]any, 0, len(eff.Actions))
			for _, a := range eff.Actions {
				raw, err := json.Marshal(a)
				if err != nil {
					return fmt.Errorf("marshal action: %w", err)
				}
				entries = append(entries, string(raw))
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, RegistryKey, stateFields(eff.State)...)
				if len(entries) > 0 {
					p.RPush(ctx, LogKey, entries...)
				}
				return nil
			})
			return err
		}, RegistryKey, LogKey)

		switch {
		case err == nil:
			return nil
		case rejected != nil:
			return rejected
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return fmt.Errorf("apply: %w", err)
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrContention, r.maxRetries)
}

// Compact folds the log from the stored checkpoint height to the current end
// into a new checkpoint.
func (r *Redis) Compact(ctx context.Context) (uint64, error) {
	var height uint64
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cp, err := readCheckpoint(ctx, tx)
		if err != nil {
			return err
		}
		tail, err := readLog(ctx, tx, cp.Height)
		if err != nil {
			return err
		}
		next := cp.Advance(tail)
		values, err := json.Marshal(next.Values)
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, CheckpointKey, "height", next.Height, "values", string(values))
			return nil
		})
		height = next.Height
		return err
	}, CheckpointKey)
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	return height, nil
}

// ── encoding ──────────────────────────────────────────────────────────────────

func stateFields(s contract.State) []any {
	initialized := "0"
	if s.Initialized {
		initialized = "1"
	}
	return []any{
		"total_supply", s.TotalSupply,
		"current_index", s.CurrentIndex,
		"merchant", s.Merchant.Hex(),
		"initialized", initialized,
		"version", s.Version,
	}
}

func readState(ctx context.Context, c reader) (contract.State, error) {
	vals, err := c.HGetAll(ctx, RegistryKey).Result()
	if err != nil {
		return contract.State{}, fmt.Errorf("read registry: %w", err)
	}
	if len(vals) == 0 {
		return contract.State{}, nil
	}
	return stateFromMap(vals)
}

func stateFromMap(m map[string]string) (contract.State, error) {
	supply, err := strconv.ParseUint(m["total_supply"], 10, 32)
	if err != nil {
		return contract.State{}, fmt.Errorf("registry total_supply: %w", err)
	}
	index, err := strconv.ParseUint(m["current_index"], 10, 32)
	if err != nil {
		return contract.State{}, fmt.Errorf("registry current_index: %w", err)
	}
	version, err := strconv.ParseUint(m["version"], 10, 64)
	if err != nil {
		return contract.State{}, fmt.Errorf("registry version: %w", err)
	}
	return contract.State{
		TotalSupply:  uint32(supply),
		CurrentIndex: uint32(index),
		Merchant:     common.HexToAddress(m["merchant"]),
		Initialized:  m["initialized"] == "1",
		Version:      version,
	}, nil
}

func readCheckpoint(ctx context.Context, c reader) (actionlog.Checkpoint, error) {
	vals, err := c.HMGet(ctx, CheckpointKey, "height", "values").Result()
	if err != nil {
		return actionlog.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp actionlog.Checkpoint
	if s, ok := vals[0].(string); ok {
		if cp.Height, err = strconv.ParseUint(s, 10, 64); err != nil {
			return actionlog.Checkpoint{}, fmt.Errorf("checkpoint height: %w", err)
		}
	}
	if s, ok := vals[1].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &cp.Values); err != nil {
			return actionlog.Checkpoint{}, fmt.Errorf("checkpoint values: %w", err)
		}
	}
	return cp, nil
}

func readLog(ctx context.Context, c reader, from uint64) ([]actionlog.Action, error) {
	raws, err := c.LRange(ctx, LogKey, int64(from), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	log := make([]actionlog.Action, 0, len(raws))
	for i, raw := range raws {
		var a actionlog.Action
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("log entry %d: %w", from+uint64(i), err)
		}
		log = append(log, a)
	}
	return log, nil
}

func foldKey(ctx context.Context, c reader, key uint32) (actionlog.FoldState, error) {
	cp, err := readCheckpoint(ctx, c)
	if err != nil {
		return actionlog.FoldState{}, err
	}
	tail, err := readLog(ctx, c, cp.Height)
	if err != nil {
		return actionlog.FoldState{}, err
	}
	return foldTail(cp, key, tail), nil
}

// Checkpoint returns the stored checkpoint.
func (r *Redis) Checkpoint(ctx context.Context) (actionlog.Checkpoint, error) {
	return readCheckpoint(ctx, r.rdb)
}

