package actionlog

import (
	"maps"

	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// Checkpoint is the folded result of the log prefix [0, Height) for every key
// that prefix touched. Because the log is append-only, a checkpoint stays
// valid forever once computed; only its height can move forward.
type Checkpoint struct {
	Height uint64                   `json:"height"`
	Values map[uint32]voucher.Field `json:"values"`
}

// Advance folds tail, the actions starting at c.Height, into a new checkpoint.
// The receiver is not modified.
func (c Checkpoint) Advance(tail []Action) Checkpoint {
	next := Checkpoint{
		Height: c.Height + uint64(len(tail)),
		Values: make(map[uint32]voucher.Field, len(c.Values)+len(tail)),
	}
	maps.Copy(next.Values, c.Values)
	for _, a := range tail {
		next.Values[a.Key] = a.Value
	}
	return next
}

// Lookup returns the checkpointed state for key.
func (c Checkpoint) Lookup(key uint32) FoldState {
	v, ok := c.Values[key]
	if !ok {
		return FoldState{}
	}
	return FoldState{IsSome: true, Value: v}
}

// Fold returns the fold of the full log for key, where tail holds the actions
// from c.Height onward.
func (c Checkpoint) Fold(key uint32, tail []Action) FoldState {
	return Merge(c.Lookup(key), Fold(tail, key))
}
