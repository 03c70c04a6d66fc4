package voucher

// Voucher is the off-chain record whose commitment is stored in the action log.
// Only Commitment() ever reaches the ledger; the fields themselves are
// resubmitted by the redeemer at use time.
type Voucher struct {
	OwnerWitness  Field `json:"owner_witness"`
	UseRandomCode Field `json:"use_random_code"`
	URI           Field `json:"uri"`
}

// New returns an unused voucher for uri bound to the given owner witness.
func New(uri, ownerWitness Field) Voucher {
	return Voucher{URI: uri, OwnerWitness: ownerWitness}
}

// Commitment is Hash(uri, ownerWitness, useRandomCode).
func (v Voucher) Commitment() Field {
	return Hash(v.URI, v.OwnerWitness, v.UseRandomCode)
}

// IsUsed reports whether the use marker differs from the unused sentinel 0.
func (v Voucher) IsUsed() bool { return !v.UseRandomCode.IsZero() }

// MarkUsed returns a copy of v carrying code as its use marker. The receiver
// is left untouched; callers are expected to pass a non-zero code.
func (v Voucher) MarkUsed(code Field) Voucher {
	return Voucher{
		URI:           v.URI,
		OwnerWitness:  v.OwnerWitness,
		UseRandomCode: code,
	}
}
