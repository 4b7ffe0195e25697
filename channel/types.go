package channel

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/streamingfast/eth-go"
)

// ID is the 32-byte channel identifier assigned by the channel-manager contract
type ID [32]byte

// NewID parses a 0x-prefixed (or bare) hex string into an ID
func NewID(input string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(strings.TrimPrefix(input, "0x"))
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("invalid channel id: %s", input)
	}
	copy(id[:], raw)
	return id, nil
}

// MustNewID parses a channel id or panics, for tests and fixtures
func MustNewID(input string) ID {
	id, err := NewID(input)
	if err != nil {
		panic(err)
	}
	return id
}

// Pretty returns the canonical lowercase 0x-prefixed form, used as the
// registry and persistence key
func (id ID) Pretty() string {
	return "0x" + hex.EncodeToString(id[:])
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Pretty())
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// RecipientBalance is one entry of a channel's cumulative recipient map.
// Position is the 0-based insertion order and never changes once assigned.
type RecipientBalance struct {
	Address  eth.Address
	Balance  *big.Int
	Position int32
}

// State is the authoritative per-channel record. Balance and ExpiryTs are
// immutable after seeding; everything else advances with accepted updates.
type State struct {
	ChannelID          ID
	Owner              eth.Address
	Balance            *big.Int
	ExpiryTs           uint64
	SequenceNumber     uint64
	UserSignature      string
	SequencerSignature string
	SignatureTimestamp uint64
	Recipients         []RecipientBalance
}

// NewState creates a freshly seeded channel: sequence 0, no recipients,
// no signatures
func NewState(channelID ID, owner eth.Address, balance *big.Int, expiryTs uint64) *State {
	return &State{
		ChannelID:  channelID,
		Owner:      owner,
		Balance:    new(big.Int).Set(balance),
		ExpiryTs:   expiryTs,
		Recipients: []RecipientBalance{},
	}
}

// Clone returns a deep copy; registry readers only ever see clones
func (s *State) Clone() *State {
	out := &State{
		ChannelID:          s.ChannelID,
		Owner:              append(eth.Address(nil), s.Owner...),
		Balance:            new(big.Int).Set(s.Balance),
		ExpiryTs:           s.ExpiryTs,
		SequenceNumber:     s.SequenceNumber,
		UserSignature:      s.UserSignature,
		SequencerSignature: s.SequencerSignature,
		SignatureTimestamp: s.SignatureTimestamp,
		Recipients:         CloneRecipients(s.Recipients),
	}
	return out
}

// TotalAllocated returns the sum of all recipient balances
func (s *State) TotalAllocated() *big.Int {
	return TotalBalance(s.Recipients)
}

// CloneRecipients deep-copies a recipient slice
func CloneRecipients(recipients []RecipientBalance) []RecipientBalance {
	out := make([]RecipientBalance, len(recipients))
	for i, r := range recipients {
		out[i] = RecipientBalance{
			Address:  append(eth.Address(nil), r.Address...),
			Balance:  new(big.Int).Set(r.Balance),
			Position: r.Position,
		}
	}
	return out
}

// AddAmount credits amount to address within the recipient sequence. A zero
// amount is a no-op. An existing recipient is incremented in place (position
// unchanged); a new one is appended with the next position.
func AddAmount(recipients []RecipientBalance, address eth.Address, amount *big.Int) []RecipientBalance {
	if amount.Sign() == 0 {
		return recipients
	}

	for i := range recipients {
		if bytes.Equal(recipients[i].Address, address) {
			recipients[i].Balance = new(big.Int).Add(recipients[i].Balance, amount)
			return recipients
		}
	}

	return append(recipients, RecipientBalance{
		Address:  append(eth.Address(nil), address...),
		Balance:  new(big.Int).Set(amount),
		Position: int32(len(recipients)),
	})
}

// TotalBalance returns the sum of balances over a recipient slice
func TotalBalance(recipients []RecipientBalance) *big.Int {
	total := new(big.Int)
	for _, r := range recipients {
		total.Add(total, r.Balance)
	}
	return total
}

// ParseAddress parses a 20-byte 0x-prefixed address
func ParseAddress(input string) (eth.Address, error) {
	addr, err := eth.NewAddress(input)
	if err != nil || len(addr) != 20 {
		return nil, fmt.Errorf("invalid address: %s", input)
	}
	return addr, nil
}

// ParseAmount parses a decimal string into a non-negative 256-bit integer
func ParseAmount(input string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(input, 10)
	if !ok || value.Sign() < 0 || value.BitLen() > 256 {
		return nil, fmt.Errorf("invalid uint256: %s", input)
	}
	return value, nil
}
