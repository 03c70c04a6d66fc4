package contract

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/0gfoundation/0g-voucher/internal/actionlog"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// Kind names the registry operation a transaction carries.
type Kind string

const (
	KindInit Kind = "init"
	KindMint Kind = "mint"
	KindUse  Kind = "use"
)

// Tx is a transaction built against a snapshot and settled later. It is the
// unit queued for the settler, so every field round-trips through JSON.
type Tx struct {
	ID      string         `json:"id"`
	Kind    Kind           `json:"kind"`
	Caller  common.Address `json:"caller"`
	BuiltAt int64          `json:"built_at"`

	Init *InitArgs `json:"init,omitempty"`
	Mint *MintArgs `json:"mint,omitempty"`
	Use  *UseArgs  `json:"use,omitempty"`
}

type InitArgs struct {
	Merchant    common.Address `json:"merchant"`
	TotalSupply uint32         `json:"total_supply"`
}

// MintArgs pins the index the transaction was built against.
type MintArgs struct {
	Voucher       voucher.Voucher `json:"voucher"`
	SnapshotIndex uint32          `json:"snapshot_index"`
}

// UseArgs pins the fold result for Key the transaction was built against.
type UseArgs struct {
	Key       uint32              `json:"key"`
	Voucher   voucher.Voucher     `json:"voucher"`
	UseCode   voucher.Field       `json:"use_code"`
	Signature voucher.Signature   `json:"signature"`
	Snapshot  actionlog.FoldState `json:"snapshot"`
}

// FoldFunc reads the current fold for a key from the ledger being settled.
type FoldFunc func(key uint32) (actionlog.FoldState, error)

// Effects is what a settled transaction writes: the whole next registry
// record and the actions to append, in order.
type Effects struct {
	State   State
	Actions []actionlog.Action
}

func newTx(kind Kind, caller common.Address) *Tx {
	return &Tx{
		ID:      uuid.NewString(),
		Kind:    kind,
		Caller:  caller,
		BuiltAt: time.Now().Unix(),
	}
}

// BuildInit constructs an init transaction, failing early if it could not
// settle against snap.
func BuildInit(snap State, policy InitPolicy, caller, merchant common.Address, totalSupply uint32) (*Tx, error) {
	if _, err := InitState(snap, policy, merchant, totalSupply); err != nil {
		return nil, err
	}
	tx := newTx(KindInit, caller)
	tx.Init = &InitArgs{Merchant: merchant, TotalSupply: totalSupply}
	return tx, nil
}

// BuildMint constructs a mint transaction pinned to snap.CurrentIndex.
func BuildMint(snap State, caller common.Address, v voucher.Voucher) (*Tx, error) {
	if _, _, err := Mint(snap, caller, v); err != nil {
		return nil, err
	}
	tx := newTx(KindMint, caller)
	tx.Mint = &MintArgs{Voucher: v, SnapshotIndex: snap.CurrentIndex}
	return tx, nil
}

// BuildUse constructs a use transaction pinned to current, the fold for key
// at build time.
func BuildUse(current actionlog.FoldState, caller common.Address, key uint32, v voucher.Voucher, code voucher.Field, sig voucher.Signature) (*Tx, error) {
	if _, err := Use(current, key, v, code, sig); err != nil {
		return nil, err
	}
	tx := newTx(KindUse, caller)
	tx.Use = &UseArgs{Key: key, Voucher: v, UseCode: code, Signature: sig, Snapshot: current}
	return tx, nil
}

// Validate checks that the payload matching Kind is present.
func (tx *Tx) Validate() error {
	if tx.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedTx)
	}
	ok := false
	switch tx.Kind {
	case KindInit:
		ok = tx.Init != nil
	case KindMint:
		ok = tx.Mint != nil
	case KindUse:
		ok = tx.Use != nil
	}
	if !ok {
		return fmt.Errorf("%w: kind %q without payload", ErrMalformedTx, tx.Kind)
	}
	return nil
}

// Settle re-evaluates tx against live state. It is pure apart from fold,
// which reads the live log; ledgers call it inside their atomic section and
// persist the returned effects only when the error is nil.
func Settle(tx *Tx, policy InitPolicy, live State, fold FoldFunc) (Effects, error) {
	if err := tx.Validate(); err != nil {
		return Effects{}, err
	}

	var (
		next    State
		actions []actionlog.Action
	)
	switch tx.Kind {
	case KindInit:
		s, err := InitState(live, policy, tx.Init.Merchant, tx.Init.TotalSupply)
		if err != nil {
			return Effects{}, err
		}
		next = s

	case KindMint:
		if err := RequireMerchant(live, tx.Caller); err != nil {
			return Effects{}, err
		}
		if tx.Mint.SnapshotIndex != live.CurrentIndex {
			return Effects{}, fmt.Errorf("%w: built at index %d, live index %d",
				ErrStaleSnapshot, tx.Mint.SnapshotIndex, live.CurrentIndex)
		}
		s, a, err := Mint(live, tx.Caller, tx.Mint.Voucher)
		if err != nil {
			return Effects{}, err
		}
		next, actions = s, []actionlog.Action{a}

	case KindUse:
		u := tx.Use
		a, err := Use(u.Snapshot, u.Key, u.Voucher, u.UseCode, u.Signature)
		if err != nil {
			return Effects{}, err
		}
		// The fold result is pinned the same way mint pins currentIndex: of
		// two redemptions built against one snapshot, only the first settles.
		current, err := fold(u.Key)
		if err != nil {
			return Effects{}, fmt.Errorf("fold key %d: %w", u.Key, err)
		}
		if current != u.Snapshot {
			return Effects{}, fmt.Errorf("%w: log value for key %d changed since build", ErrStaleSnapshot, u.Key)
		}
		next, actions = live, []actionlog.Action{a}
	}

	next.Version = live.Version + 1
	return Effects{State: next, Actions: actions}, nil
}
