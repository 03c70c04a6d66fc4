package contract

import (
	"errors"
)

// Precondition failures. Any of these aborts the whole transaction; nothing
// is appended and the registry is left untouched.
var (
	ErrAuthorization        = errors.New("authorization failed")
	ErrSupplyExceeded       = errors.New("supply exceeded")
	ErrInvalidMintInput     = errors.New("voucher presented to mint is already marked used")
	ErrAlreadyUsedOrUnknown = errors.New("voucher already used or unknown")
	ErrStaleSnapshot        = errors.New("stale snapshot")
	ErrInvalidUseCode       = errors.New("use code must be non-zero")
	ErrAlreadyInitialized   = errors.New("registry already initialized")
	ErrInvalidInit          = errors.New("invalid registry initialization")
	ErrMalformedTx          = errors.New("malformed transaction")
)

// Status is the settlement outcome recorded in a receipt.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusAuthorization
	StatusSupplyExceeded
	StatusInvalidMintInput
	StatusAlreadyUsedOrUnknown
	StatusStaleSnapshot
	StatusInvalidUseCode
	StatusAlreadyInitialized
	StatusInvalidInit
	StatusMalformed
	StatusLedgerError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusAuthorization:
		return "AUTHORIZATION"
	case StatusSupplyExceeded:
		return "SUPPLY_EXCEEDED"
	case StatusInvalidMintInput:
		return "INVALID_MINT_INPUT"
	case StatusAlreadyUsedOrUnknown:
		return "ALREADY_USED_OR_UNKNOWN"
	case StatusStaleSnapshot:
		return "STALE_SNAPSHOT"
	case StatusInvalidUseCode:
		return "INVALID_USE_CODE"
	case StatusAlreadyInitialized:
		return "ALREADY_INITIALIZED"
	case StatusInvalidInit:
		return "INVALID_INIT"
	case StatusMalformed:
		return "MALFORMED"
	case StatusLedgerError:
		return "LEDGER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for st := StatusSuccess; st <= StatusLedgerError; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Rejected reports whether the status is a precondition failure, as opposed
// to success or an infrastructure problem worth retrying.
func (s Status) Rejected() bool {
	return s != StatusSuccess && s != StatusLedgerError
}

// StatusOf maps a settlement error onto its receipt status. Errors outside
// the precondition taxonomy are treated as ledger failures.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrAuthorization):
		return StatusAuthorization
	case errors.Is(err, ErrSupplyExceeded):
		return StatusSupplyExceeded
	case errors.Is(err, ErrInvalidMintInput):
		return StatusInvalidMintInput
	case errors.Is(err, ErrAlreadyUsedOrUnknown):
		return StatusAlreadyUsedOrUnknown
	case errors.Is(err, ErrStaleSnapshot):
		return StatusStaleSnapshot
	case errors.Is(err, ErrInvalidUseCode):
		return StatusInvalidUseCode
	case errors.Is(err, ErrAlreadyInitialized):
		return StatusAlreadyInitialized
	case errors.Is(err, ErrInvalidInit):
		return StatusInvalidInit
	case errors.Is(err, ErrMalformedTx):
		return StatusMalformed
	default:
		return StatusLedgerError
	}
}
