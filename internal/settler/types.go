package settler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-voucher/internal/contract"
)

const (
	QueueKey         = "voucher:tx:queue"
	DLQKey           = "voucher:tx:dlq"
	receiptKeyPrefix = "voucher:tx:receipt:"

	// StatusPending marks a receipt whose transaction is still queued.
	StatusPending = "PENDING"

	receiptTTL = 7 * 24 * time.Hour
)

// Receipt is the settlement outcome of one transaction.
type Receipt struct {
	TxID      string `json:"tx_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"` // PENDING or a contract.Status name
	Error     string `json:"error,omitempty"`
	SettledAt int64  `json:"settled_at,omitempty"`
	// Key is the voucher key a successful mint or use wrote to.
	Key *uint32 `json:"key,omitempty"`
}

func receiptKey(txID string) string {
	return receiptKeyPrefix + txID
}

// Submit records a pending receipt for tx and appends it to the queue.
func Submit(ctx context.Context, rdb *redis.Client, tx *contract.Tx) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}
	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, receiptKey(tx.ID),
			"tx_id", tx.ID,
			"kind", string(tx.Kind),
			"status", StatusPending,
		)
		p.Expire(ctx, receiptKey(tx.ID), receiptTTL)
		p.RPush(ctx, QueueKey, string(raw))
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue tx %s: %w", tx.ID, err)
	}
	return nil
}

// GetReceipt returns the receipt for txID, or nil if none exists.
func GetReceipt(ctx context.Context, rdb *redis.Client, txID string) (*Receipt, error) {
	vals, err := rdb.HGetAll(ctx, receiptKey(txID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return receiptFromMap(vals), nil
}

func writeReceipt(ctx context.Context, rdb *redis.Client, tx *contract.Tx, status contract.Status, settleErr error) error {
	errText := ""
	if settleErr != nil {
		errText = settleErr.Error()
	}
	fields := []any{
		"tx_id", tx.ID,
		"kind", string(tx.Kind),
		"status", status.String(),
		"error", errText,
		"settled_at", time.Now().Unix(),
	}
	if status == contract.StatusSuccess {
		switch {
		case tx.Mint != nil:
			fields = append(fields, "key", tx.Mint.SnapshotIndex)
		case tx.Use != nil:
			fields = append(fields, "key", tx.Use.Key)
		}
	}
	key := receiptKey(tx.ID)
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields...)
		p.Expire(ctx, key, receiptTTL)
		return nil
	})
	return err
}

func receiptFromMap(m map[string]string) *Receipt {
	settledAt, _ := strconv.ParseInt(m["settled_at"], 10, 64)
	r := &Receipt{
		TxID:      m["tx_id"],
		Kind:      m["kind"],
		Status:    m["status"],
		Error:     m["error"],
		SettledAt: settledAt,
	}
	if k, err := strconv.ParseUint(m["key"], 10, 32); err == nil {
		key := uint32(k)
		r.Key = &key
	}
	return r
}
