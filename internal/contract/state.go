package contract

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// State is the registry record. It is read from the ledger at the start of a
// transaction and written back, whole, when the transaction settles.
type State struct {
	TotalSupply  uint32         `json:"total_supply"`
	CurrentIndex uint32         `json:"current_index"`
	Merchant     common.Address `json:"merchant"`
	Initialized  bool           `json:"initialized"`
	// Version counts settled transactions.
	Version uint64 `json:"version"`
}

// InitPolicy controls whether initState may run more than once.
type InitPolicy uint8

const (
	// InitOnce rejects initialization of an already initialized registry.
	InitOnce InitPolicy = iota
	// InitUnguarded lets any caller re-assign merchant and supply at any time.
	InitUnguarded
)

func (p InitPolicy) String() string {
	switch p {
	case InitOnce:
		return "once"
	case InitUnguarded:
		return "unguarded"
	default:
		return "unknown"
	}
}

// ParseInitPolicy accepts "once" or "unguarded" (case-insensitive).
func ParseInitPolicy(s string) (InitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "once":
		return InitOnce, nil
	case "unguarded":
		return InitUnguarded, nil
	default:
		return 0, fmt.Errorf("unknown init policy %q", s)
	}
}
