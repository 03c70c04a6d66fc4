// Package ledger persists the registry record and the action log, and
// serializes settlement so that a transaction's pinned values are compared
// against state no other settlement can change underneath it.
package ledger

import (
	"context"
	"errors"
	"runtime"
	"slices"
	"sync"

	"github.com/0gfoundation/0g-voucher/internal/actionlog"
	"github.com/0gfoundation/0g-voucher/internal/contract"
)

// ErrContention is returned when optimistic settlement keeps losing races.
var ErrContention = errors.New("ledger contention: retries exhausted")

// Compactor is implemented by ledgers that can fold their log prefix into a
// checkpoint. Compact returns the new checkpoint height.
type Compactor interface {
	Compact(ctx context.Context) (uint64, error)
}

var (
	_ contract.Ledger = (*Memory)(nil)
	_ contract.Ledger = (*Redis)(nil)
	_ contract.Ledger = (*SQLite)(nil)

	_ Compactor = (*Memory)(nil)
	_ Compactor = (*Redis)(nil)
	_ Compactor = (*SQLite)(nil)
)

// foldSegments bounds the parallelism of tail replays.
var foldSegments = runtime.GOMAXPROCS(0)

// foldTail folds the actions past cp for key. Long tails are split across
// goroutines; short ones replay sequentially.
func foldTail(cp actionlog.Checkpoint, key uint32, tail []actionlog.Action) actionlog.FoldState {
	return actionlog.Merge(cp.Lookup(key), actionlog.FoldParallel(tail, key, foldSegments))
}

// Memory is a process-local ledger guarded by a mutex.
type Memory struct {
	mu    sync.Mutex
	state contract.State
	log   []actionlog.Action
	cp    actionlog.Checkpoint
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Snapshot(context.Context) (contract.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *Memory) Fold(_ context.Context, key uint32) (actionlog.FoldState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foldLocked(key), nil
}

func (m *Memory) foldLocked(key uint32) actionlog.FoldState {
	return foldTail(m.cp, key, m.log[m.cp.Height:])
}

func (m *Memory) Len(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.log)), nil
}

func (m *Memory) Apply(_ context.Context, fn contract.ApplyFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	eff, err := fn(m.state, func(key uint32) (actionlog.FoldState, error) {
		return m.foldLocked(key), nil
	})
	if err != nil {
		return err
	}
	m.state = eff.State
	m.log = append(m.log, eff.Actions...)
	return nil
}

func (m *Memory) Compact(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = m.cp.Advance(m.log[m.cp.Height:])
	return m.cp.Height, nil
}

// Actions returns a copy of the full log.
func (m *Memory) Actions() []actionlog.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.log)
}
