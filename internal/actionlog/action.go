// Package actionlog models the append-only (key, value) log and the fold that
// recovers the latest committed value for a key.
//
// Every reduction here is order-sensitive: the combine step is last-write-wins,
// so actions must be replayed in dispatch order. Parallel folding is only
// valid through Merge, which lets the later segment win when it touched the key.
package actionlog

import (
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// Action is one append to the log.
type Action struct {
	Key   uint32        `json:"key"`
	Value voucher.Field `json:"value"`
}

// FoldState is the fold accumulator for a single key.
type FoldState struct {
	IsSome bool          `json:"is_some"`
	Value  voucher.Field `json:"value"`
}

// Reduce replays log in order, threading the accumulator through step.
func Reduce[S any](log []Action, init S, step func(S, Action) S) S {
	acc := init
	for _, a := range log {
		acc = step(acc, a)
	}
	return acc
}

// Step is the per-action combine for key: a matching action replaces the state.
func Step(key uint32) func(FoldState, Action) FoldState {
	return func(s FoldState, a Action) FoldState {
		if a.Key == key {
			return FoldState{IsSome: true, Value: a.Value}
		}
		return s
	}
}

// Fold returns the last value written under key, or the empty state when no
// action in log touches key.
func Fold(log []Action, key uint32) FoldState {
	return Reduce(log, FoldState{}, Step(key))
}

// Merge combines the folds of two adjacent segments. later must cover the
// actions that come after earlier's segment.
func Merge(earlier, later FoldState) FoldState {
	if later.IsSome {
		return later
	}
	return earlier
}
