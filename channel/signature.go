package channel

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/streamingfast/eth-go"
)

// ParseSignature decodes a 65-byte r||s||v hex signature, with or without
// a 0x prefix, into eth-go's compact V||R||S layout. A bare recovery id
// (0/1) is lifted to the 27/28 header compact recovery expects.
func ParseSignature(input string) (eth.Signature, error) {
	var sig eth.Signature
	raw, err := hex.DecodeString(strings.TrimPrefix(input, "0x"))
	if err != nil || len(raw) != 65 {
		return sig, fmt.Errorf("invalid signature")
	}

	v := raw[64]
	if v < 27 {
		v += 27
	}
	sig[0] = v
	copy(sig[1:], raw[:64])
	return sig, nil
}

// SignatureHex renders a signature in wire form, lowercase 0x-prefixed
// r||s||v with v in {27,28}
func SignatureHex(sig eth.Signature) string {
	inverted := sig.ToInverted()
	return "0x" + hex.EncodeToString(inverted[:])
}

// SignatureBytes decodes a signature to its raw 65 bytes without touching
// the recovery id, for handoff to the on-chain verifier
func SignatureBytes(input string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(input, "0x"))
	if err != nil || len(raw) != 65 {
		return nil, fmt.Errorf("invalid signature")
	}
	return raw, nil
}

// RecoverSigner recovers the address that signed the given digest
func RecoverSigner(digest eth.Hash, signature string) (eth.Address, error) {
	sig, err := ParseSignature(signature)
	if err != nil {
		return nil, err
	}
	signer, err := sig.Recover(digest)
	if err != nil {
		return nil, fmt.Errorf("invalid signature")
	}
	return signer, nil
}

// SignDigest signs the already-computed digest directly (no message prefix)
// and returns the hex-encoded signature
func SignDigest(key *eth.PrivateKey, digest eth.Hash) (string, error) {
	sig, err := key.Sign(digest)
	if err != nil {
		return "", fmt.Errorf("signing digest: %w", err)
	}
	return SignatureHex(sig), nil
}
