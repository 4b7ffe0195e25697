package channel

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"
)

func TestSignDigest_RecoverRoundTrip(t *testing.T) {
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	expectedSigner := key.PublicKey().Address()

	domain := NewDomain(31337, eth.MustNewAddress("0x1234567890123456789012345678901234567890"))
	channelID := MustNewID("0x0101010101010101010101010101010101010101010101010101010101010101")
	digest := domain.UpdateDigest(channelID, 1, 1_700_000_000, nil)

	signature, err := SignDigest(key, digest)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(signature, "0x"))
	require.Equal(t, 2+65*2, len(signature))

	recovered, err := RecoverSigner(digest, signature)
	require.NoError(t, err)
	require.Equal(t, expectedSigner.Pretty(), recovered.Pretty())
}

func TestRecoverSigner_OtherDigest(t *testing.T) {
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	domain := NewDomain(31337, eth.MustNewAddress("0x1234567890123456789012345678901234567890"))
	channelID := MustNewID("0x0101010101010101010101010101010101010101010101010101010101010101")

	signature, err := SignDigest(key, domain.UpdateDigest(channelID, 1, 1_700_000_000, nil))
	require.NoError(t, err)

	// Recovery over a different digest yields some other address
	otherDigest := domain.UpdateDigest(channelID, 2, 1_700_000_000, nil)
	recovered, err := RecoverSigner(otherDigest, signature)
	if err == nil {
		require.NotEqual(t, key.PublicKey().Address().Pretty(), recovered.Pretty())
	}
}

// TestRecoverSigner_WireFixture pins the external signature encoding to a
// pre-computed vector: r||s||v over a known digest, produced outside this
// package, must recover to the well-known development address.
func TestRecoverSigner_WireFixture(t *testing.T) {
	digest := eth.Keccak256([]byte("x402 channel update fixture"))
	require.Equal(t, "cc8ffb6e40967d4bcaf23e6e6dc36da5d1d42d0126a3c0815bf5c6da5d3dcc0e", hex.EncodeToString(digest))

	wireSignature := "0x85d59f55d9d6ab3e50f00cc78016d563528a2c03ae958eeec4f4e53a8ca5ad0c5f8284cb12adaedce3e3e52d9740a131edd7c5ae6633b0bf4a94df2a5e6ba3771c"
	signer, err := RecoverSigner(digest, wireSignature)
	require.NoError(t, err)
	require.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", signer.Pretty())

	// flipping the recovery id must not recover to the same address
	tampered := wireSignature[:len(wireSignature)-2] + "1b"
	other, err := RecoverSigner(digest, tampered)
	if err == nil {
		require.NotEqual(t, signer.Pretty(), other.Pretty())
	}
}

// Signatures arriving in wire form straight from eth-go's inverted layout
// (what external signers produce) must pass the gateway.
func TestRecoverSigner_AcceptsInvertedWireForm(t *testing.T) {
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	digest := eth.Keccak256([]byte("payload"))
	compact, err := key.Sign(digest)
	require.NoError(t, err)

	inverted := compact.ToInverted()
	recovered, err := RecoverSigner(digest, "0x"+hex.EncodeToString(inverted[:]))
	require.NoError(t, err)
	require.Equal(t, key.PublicKey().Address().Pretty(), recovered.Pretty())
}

// The countersignature must leave the gateway in r||s||v wire form with a
// 27/28 recovery id, so on-chain checks and external recover both accept it.
func TestSignDigest_EmitsWireForm(t *testing.T) {
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	digest := eth.Keccak256([]byte("payload"))
	signature, err := SignDigest(key, digest)
	require.NoError(t, err)

	raw, err := SignatureBytes(signature)
	require.NoError(t, err)
	require.Contains(t, []byte{27, 28}, raw[64])

	compact, err := key.Sign(digest)
	require.NoError(t, err)
	require.Equal(t, compact.R(), new(big.Int).SetBytes(raw[:32]))
	require.Equal(t, compact.S(), new(big.Int).SetBytes(raw[32:64]))
}

func TestParseSignature(t *testing.T) {
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	digest := eth.Keccak256([]byte("payload"))
	raw, err := key.Sign(digest)
	require.NoError(t, err)

	t.Run("with 0x prefix", func(t *testing.T) {
		parsed, err := ParseSignature(SignatureHex(raw))
		require.NoError(t, err)
		require.Equal(t, raw, parsed)
	})

	t.Run("without 0x prefix", func(t *testing.T) {
		parsed, err := ParseSignature(strings.TrimPrefix(SignatureHex(raw), "0x"))
		require.NoError(t, err)
		require.Equal(t, raw, parsed)
	})

	t.Run("bare recovery id", func(t *testing.T) {
		// clients sometimes send v as 0/1 instead of 27/28
		inverted := raw.ToInverted()
		bare := make([]byte, 65)
		copy(bare, inverted[:])
		bare[64] -= 27

		parsed, err := ParseSignature("0x" + hex.EncodeToString(bare))
		require.NoError(t, err)
		require.Equal(t, raw, parsed)
	})

	t.Run("bad hex", func(t *testing.T) {
		_, err := ParseSignature("0xzz")
		require.EqualError(t, err, "invalid signature")
	})

	t.Run("wrong length", func(t *testing.T) {
		_, err := ParseSignature("0x1234")
		require.EqualError(t, err, "invalid signature")
	})
}
