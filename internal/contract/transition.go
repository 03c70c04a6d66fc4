package contract

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-voucher/internal/actionlog"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// InitState sets merchant and supply bound. Under InitUnguarded it can be
// re-run at any time, re-assigning the merchant after vouchers exist.
func InitState(s State, policy InitPolicy, merchant common.Address, totalSupply uint32) (State, error) {
	if merchant == (common.Address{}) {
		return s, fmt.Errorf("%w: zero merchant address", ErrInvalidInit)
	}
	if s.Initialized && policy != InitUnguarded {
		return s, fmt.Errorf("%w: merchant %s", ErrAlreadyInitialized, s.Merchant.Hex())
	}
	next := s
	next.Merchant = merchant
	next.TotalSupply = totalSupply
	next.Initialized = true
	return next, nil
}

// Mint issues v at the current index.
//
// The bound check is totalSupply >= currentIndex, so totalSupply+1 vouchers
// can be issued in total. The index itself may not wrap.
func Mint(s State, caller common.Address, v voucher.Voucher) (State, actionlog.Action, error) {
	if err := RequireMerchant(s, caller); err != nil {
		return s, actionlog.Action{}, err
	}
	if s.TotalSupply < s.CurrentIndex || s.CurrentIndex == math.MaxUint32 {
		return s, actionlog.Action{}, fmt.Errorf("%w: index %d, total supply %d",
			ErrSupplyExceeded, s.CurrentIndex, s.TotalSupply)
	}
	if v.IsUsed() {
		return s, actionlog.Action{}, ErrInvalidMintInput
	}
	a := actionlog.Action{Key: s.CurrentIndex, Value: v.Commitment()}
	next := s
	next.CurrentIndex++
	return next, a, nil
}

// Use redeems the voucher stored at key. current is the fold of the log for
// key. The returned action records the used commitment under the same key.
//
// Single use falls out of the fold comparison: once redeemed, the latest value
// for key is the used commitment, which the unused voucher can never match.
func Use(current actionlog.FoldState, key uint32, v voucher.Voucher, code voucher.Field, sig voucher.Signature) (actionlog.Action, error) {
	if v.IsUsed() {
		return actionlog.Action{}, fmt.Errorf("%w: voucher carries a use marker", ErrAlreadyUsedOrUnknown)
	}
	if code.IsZero() {
		return actionlog.Action{}, ErrInvalidUseCode
	}
	if err := RequireOwner(v, sig); err != nil {
		return actionlog.Action{}, err
	}
	if !current.IsSome || current.Value != v.Commitment() {
		return actionlog.Action{}, fmt.Errorf("%w: key %d", ErrAlreadyUsedOrUnknown, key)
	}
	used := v.MarkUsed(code)
	return actionlog.Action{Key: key, Value: used.Commitment()}, nil
}
