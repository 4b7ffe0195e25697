package channel

import (
	"encoding/binary"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// EIP-712 domain constants shared with the on-chain verifier
const (
	DomainName    = "X402CheddrPaymentChannel"
	DomainVersion = "1"
)

// Type hashes (pre-computed)
var (
	eip712DomainTypeHash = keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	channelDataTypeHash = keccak256([]byte(
		"ChannelData(bytes32 channelId,uint256 sequenceNumber,uint256 timestamp,address[] recipients,uint256[] amounts)"))
)

// Domain is the EIP-712 domain fixed to the channel-manager contract
type Domain struct {
	ChainID           uint64
	VerifyingContract eth.Address
}

// NewDomain creates the payment-channel EIP-712 domain
func NewDomain(chainID uint64, verifyingContract eth.Address) *Domain {
	return &Domain{
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
}

// Separator computes the EIP-712 domain separator hash
func (d *Domain) Separator() eth.Hash {
	encoded := make([]byte, 0, 32*5)
	encoded = append(encoded, eip712DomainTypeHash[:]...)
	encoded = append(encoded, keccak256([]byte(DomainName))[:]...)
	encoded = append(encoded, keccak256([]byte(DomainVersion))[:]...)
	encoded = append(encoded, encodeUint64(d.ChainID)...)
	encoded = append(encoded, padLeft(d.VerifyingContract[:], 32)...)

	return keccak256(encoded)
}

// UpdateDigest computes the 32-byte digest a channel update is signed over:
// keccak256("\x19\x01" || domainSeparator || structHash).
//
// The recipients array hashes as the ordered concatenation of raw 20-byte
// addresses and the amounts array as 32-byte big-endian words. This is NOT
// the standard dynamic-array typed-data encoding; it matches the on-chain
// verifier and must stay bit-exact.
func (d *Domain) UpdateDigest(channelID ID, sequenceNumber, timestamp uint64, recipients []RecipientBalance) eth.Hash {
	recipientsHash := hashRecipientAddresses(recipients)
	amountsHash := hashRecipientAmounts(recipients)

	structEncoded := make([]byte, 0, 32*6)
	structEncoded = append(structEncoded, channelDataTypeHash[:]...)
	structEncoded = append(structEncoded, channelID[:]...)
	structEncoded = append(structEncoded, encodeUint64(sequenceNumber)...)
	structEncoded = append(structEncoded, encodeUint64(timestamp)...)
	structEncoded = append(structEncoded, recipientsHash[:]...)
	structEncoded = append(structEncoded, amountsHash[:]...)
	structHash := keccak256(structEncoded)

	domainSep := d.Separator()

	data := make([]byte, 0, 2+32+32)
	data = append(data, 0x19, 0x01)
	data = append(data, domainSep[:]...)
	data = append(data, structHash[:]...)

	return keccak256(data)
}

func hashRecipientAddresses(recipients []RecipientBalance) eth.Hash {
	encoded := make([]byte, 0, 20*len(recipients))
	for _, r := range recipients {
		encoded = append(encoded, r.Address[:]...)
	}
	return keccak256(encoded)
}

func hashRecipientAmounts(recipients []RecipientBalance) eth.Hash {
	encoded := make([]byte, 0, 32*len(recipients))
	for _, r := range recipients {
		encoded = append(encoded, encodeBig(r.Balance)...)
	}
	return keccak256(encoded)
}

// Helper functions

func keccak256(data []byte) eth.Hash {
	return eth.Keccak256(data)
}

func padLeft(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	result := make([]byte, size)
	copy(result[size-len(b):], b)
	return result
}

func encodeUint64(v uint64) []byte {
	result := make([]byte, 32)
	binary.BigEndian.PutUint64(result[24:], v)
	return result
}

func encodeBig(v *big.Int) []byte {
	result := make([]byte, 32)
	if v != nil {
		b := v.Bytes()
		copy(result[32-len(b):], b)
	}
	return result
}
