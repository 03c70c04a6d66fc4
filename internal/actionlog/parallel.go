package actionlog

import (
	"golang.org/x/sync/errgroup"
)

// FoldParallel splits log into up to segments contiguous ranges, folds them
// concurrently and merges the partial results left to right. The result is
// always identical to Fold(log, key).
func FoldParallel(log []Action, key uint32, segments int) FoldState {
	if segments <= 1 || len(log) < 2*segments {
		return Fold(log, key)
	}

	size := (len(log) + segments - 1) / segments
	parts := make([]FoldState, 0, segments)
	bounds := make([][2]int, 0, segments)
	for lo := 0; lo < len(log); lo += size {
		bounds = append(bounds, [2]int{lo, min(lo+size, len(log))})
		parts = append(parts, FoldState{})
	}

	var g errgroup.Group
	for i, b := range bounds {
		g.Go(func() error {
			parts[i] = Fold(log[b[0]:b[1]], key)
			return nil
		})
	}
	_ = g.Wait() // segment folds never fail

	out := FoldState{}
	for _, p := range parts {
		out = Merge(out, p)
	}
	return out
}
