package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	errSignatureHex = errors.New("invalid signature hex")
	errSignature    = errors.New("invalid signature")
)

// Sign signs msg as an EIP-191 personal message. V is returned in {27,28},
// the form wallets produce.
func Sign(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed msg. V may be in {0,1} or {27,28}.
func Recover(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d, want %d", len(sig), crypto.SignatureLength)
	}
	sig = slices.Clone(sig)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// verifySender checks that sigHex over msg was produced by claimed.
func verifySender(msg []byte, sigHex, claimed string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, errSignatureHex
	}
	signer, err := Recover(msg, sig)
	if err != nil || !common.IsHexAddress(claimed) || signer != common.HexToAddress(claimed) {
		return common.Address{}, errSignature
	}
	return signer, nil
}

// NewRequest wraps payload in a SignedRequest for action on resourceID,
// valid for ttl and carrying a fresh nonce.
func NewRequest(action, resourceID string, payload any, ttl time.Duration) (SignedRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("marshal payload: %w", err)
	}
	return SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(ttl).Unix(),
		Nonce:      uuid.NewString(),
		Payload:    raw,
		ResourceID: resourceID,
	}, nil
}

// Headers signs a request for action on resourceID carrying payload and
// returns the three auth headers. It is the client side of Middleware.
func Headers(key *ecdsa.PrivateKey, action, resourceID string, payload any, ttl time.Duration) (http.Header, error) {
	req, err := NewRequest(action, resourceID, payload, ttl)
	if err != nil {
		return nil, err
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	sig, err := Sign(msg, key)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("X-Wallet-Address", crypto.PubkeyToAddress(key.PublicKey).Hex())
	h.Set("X-Signed-Message", base64.StdEncoding.EncodeToString(msg))
	h.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))
	return h, nil
}
