package voucher

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/iden3/go-iden3-crypto/constants"
)

// Field is an element of the BN254 scalar field, stored big-endian.
// Every Field built through this package is canonical (strictly below the
// modulus), so two Fields are equal exactly when their arrays are equal.
type Field [32]byte

var errNonCanonical = errors.New("field element not below modulus")

// Modulus returns a copy of the field modulus Q.
func Modulus() *big.Int { return new(big.Int).Set(constants.Q) }

// NewField returns the field element for a small unsigned integer.
func NewField(u uint64) Field {
	return FieldFromBig(new(big.Int).SetUint64(u))
}

// FieldFromBig reduces x modulo Q. Negative values wrap around.
func FieldFromBig(x *big.Int) Field {
	r := new(big.Int).Mod(x, constants.Q)
	var f Field
	r.FillBytes(f[:])
	return f
}

// FieldFromBytes interprets b as a big-endian integer and reduces it modulo Q.
func FieldFromBytes(b []byte) Field {
	return FieldFromBig(new(big.Int).SetBytes(b))
}

// ParseField decodes a 0x-prefixed (or bare) hex string. Values at or above
// the modulus are rejected rather than reduced.
func ParseField(s string) (Field, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s) > 64 {
		return Field{}, fmt.Errorf("invalid field hex length %d", len(s))
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Field{}, fmt.Errorf("invalid field hex: %w", err)
	}
	x := new(big.Int).SetBytes(raw)
	if x.Cmp(constants.Q) >= 0 {
		return Field{}, errNonCanonical
	}
	var f Field
	x.FillBytes(f[:])
	return f, nil
}

// BigInt returns the element as a fresh big.Int.
func (f Field) BigInt() *big.Int { return new(big.Int).SetBytes(f[:]) }

// IsZero reports whether f is the additive identity.
func (f Field) IsZero() bool { return f == Field{} }

// Hex returns the 0x-prefixed, zero-padded hex encoding.
func (f Field) Hex() string { return "0x" + hex.EncodeToString(f[:]) }

func (f Field) String() string { return f.Hex() }

func (f Field) MarshalText() ([]byte, error) { return []byte(f.Hex()), nil }

func (f *Field) UnmarshalText(b []byte) error {
	v, err := ParseField(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
