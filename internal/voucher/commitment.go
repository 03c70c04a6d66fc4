package voucher

import (
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// maxPoseidonInputs is the widest single permutation the iden3 parameters cover.
const maxPoseidonInputs = 16

// Hash is the commitment function: Poseidon over BN254.
//
// Up to 16 inputs are absorbed in one permutation. Longer inputs are chained,
// hash(first 16), then hash(acc, next 15) until exhausted. An empty input
// hashes as a single zero element.
func Hash(fields ...Field) Field {
	if len(fields) == 0 {
		return permute([]Field{{}})
	}
	if len(fields) <= maxPoseidonInputs {
		return permute(fields)
	}
	acc := permute(fields[:maxPoseidonInputs])
	rest := fields[maxPoseidonInputs:]
	for len(rest) > 0 {
		n := min(len(rest), maxPoseidonInputs-1)
		frame := make([]Field, 0, n+1)
		frame = append(frame, acc)
		frame = append(frame, rest[:n]...)
		acc = permute(frame)
		rest = rest[n:]
	}
	return acc
}

func permute(fields []Field) Field {
	in := make([]*big.Int, len(fields))
	for i, f := range fields {
		in[i] = f.BigInt()
	}
	out, err := poseidon.Hash(in)
	if err != nil {
		// Inputs are canonical and the arity is bounded above, so the only
		// failure modes of poseidon.Hash cannot occur here.
		panic("voucher: poseidon: " + err.Error())
	}
	return FieldFromBig(out)
}
