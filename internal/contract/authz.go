package contract

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// RequireMerchant fails unless caller is the registered merchant. An
// uninitialized registry has the zero merchant, which no caller matches.
func RequireMerchant(s State, caller common.Address) error {
	if s.Merchant == (common.Address{}) || caller != s.Merchant {
		return fmt.Errorf("%w: caller %s is not the merchant", ErrAuthorization, caller.Hex())
	}
	return nil
}

// RequireOwner fails unless the voucher's witness is the hash of sig.
//
// This is a hash-equality binding only: it does not check that sig is a valid
// signature over anything tied to the current transaction. Anyone who learns
// sig can redeem.
func RequireOwner(v voucher.Voucher, sig voucher.Signature) error {
	if v.OwnerWitness != voucher.Witness(sig) {
		return fmt.Errorf("%w: signature does not match owner witness", ErrAuthorization)
	}
	return nil
}
