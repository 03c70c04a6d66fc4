package voucher

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/frand"
)

// SignatureLength is the size of an R || S || V secp256k1 signature.
const SignatureLength = 65

// fieldChunk is the number of signature bytes packed into one field element;
// 31 bytes always fit below the 254-bit modulus.
const fieldChunk = 31

// Signature is an ownership signature presented at redemption.
type Signature [SignatureLength]byte

// Fields packs the signature into field elements, 31 bytes per element.
func (s Signature) Fields() []Field {
	out := make([]Field, 0, (SignatureLength+fieldChunk-1)/fieldChunk)
	for i := 0; i < SignatureLength; i += fieldChunk {
		end := min(i+fieldChunk, SignatureLength)
		out = append(out, FieldFromBytes(s[i:end]))
	}
	return out
}

// Witness is the owner witness a voucher must carry for s to redeem it.
func Witness(s Signature) Field { return Hash(s.Fields()...) }

func (s Signature) Hex() string { return "0x" + hex.EncodeToString(s[:]) }

func (s Signature) MarshalText() ([]byte, error) { return []byte(s.Hex()), nil }

func (s *Signature) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(b), "0x"))
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(raw) != SignatureLength {
		return fmt.Errorf("invalid signature length %d", len(raw))
	}
	copy(s[:], raw)
	return nil
}

// SignOwnership produces the holder's signature over uri using the EIP-191
// personal-message digest. The registry only checks Hash(sig) against the
// voucher's witness; it never recovers the signer.
func SignOwnership(uri Field, key *ecdsa.PrivateKey) (Signature, error) {
	digest := accounts.TextHash(uri[:])
	raw, err := crypto.Sign(digest, key)
	if err != nil {
		return Signature{}, err
	}
	raw[64] += 27
	var s Signature
	copy(s[:], raw)
	return s, nil
}

// RandomUseCode returns a uniformly random non-zero field element.
func RandomUseCode() Field { return randomNonZero() }

// RandomURI returns a random voucher identifier.
func RandomURI() Field { return randomNonZero() }

func randomNonZero() Field {
	for {
		var buf [32]byte
		frand.Read(buf[:])
		if f := FieldFromBytes(buf[:]); !f.IsZero() {
			return f
		}
	}
}
