// Package chain talks to the channel-manager contract over JSON-RPC.
// Read calls and the final-close transaction are encoded by hand; the
// contract surface is four methods and the layouts are fixed.
package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/eth-go/rpc"
	"github.com/streamingfast/eth-go/signer/native"
	"go.uber.org/zap"

	"github.com/cheddr/x402-sequencer/channel"
)

const finalCloseGasLimit = uint64(500000)

var (
	getUserChannelLengthSelector = methodSelector("getUserChannelLength(address)")
	userChannelsSelector         = methodSelector("userChannels(address,uint256)")
	sequencerSelector            = methodSelector("sequencer()")
	finalCloseSelector           = methodSelector("finalCloseBySequencer(bytes32,uint256,uint256,address[],uint256[],bytes)")
)

// Manager is the JSON-RPC client for the channel-manager contract
type Manager struct {
	rpcClient   *rpc.Client
	managerAddr eth.Address
	chainID     uint64
	key         *eth.PrivateKey
	logger      *zap.Logger
}

// NewManager creates a channel-manager client. The key signs final-close
// transactions and must be the contract's registered sequencer.
func NewManager(rpcEndpoint string, managerAddr eth.Address, chainID uint64, key *eth.PrivateKey, logger *zap.Logger) *Manager {
	return &Manager{
		rpcClient:   rpc.NewClient(rpcEndpoint),
		managerAddr: managerAddr,
		chainID:     chainID,
		key:         key,
		logger:      logger,
	}
}

// GetUserChannelLength calls getUserChannelLength(address)
func (m *Manager) GetUserChannelLength(ctx context.Context, owner eth.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, getUserChannelLengthSelector...)
	data = append(data, wordAddress(owner)...)

	result, err := m.call(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("calling getUserChannelLength: %w", err)
	}
	if len(result) != 32 {
		return nil, fmt.Errorf("unexpected getUserChannelLength result length: %d", len(result))
	}

	return new(big.Int).SetBytes(result), nil
}

// UserChannels calls userChannels(address,uint256)
func (m *Manager) UserChannels(ctx context.Context, owner eth.Address, index uint64) (channel.ID, error) {
	data := make([]byte, 0, 4+64)
	data = append(data, userChannelsSelector...)
	data = append(data, wordAddress(owner)...)
	data = append(data, wordUint64(index)...)

	result, err := m.call(ctx, data)
	if err != nil {
		return channel.ID{}, fmt.Errorf("calling userChannels: %w", err)
	}
	if len(result) != 32 {
		return channel.ID{}, fmt.Errorf("unexpected userChannels result length: %d", len(result))
	}

	var id channel.ID
	copy(id[:], result)
	return id, nil
}

// Sequencer calls sequencer() and returns the registered sequencer address
func (m *Manager) Sequencer(ctx context.Context) (eth.Address, error) {
	result, err := m.call(ctx, append([]byte(nil), sequencerSelector...))
	if err != nil {
		return nil, fmt.Errorf("calling sequencer: %w", err)
	}
	if len(result) != 32 {
		return nil, fmt.Errorf("unexpected sequencer result length: %d", len(result))
	}

	return eth.Address(result[12:]), nil
}

// FinalCloseBySequencer submits the final-close transaction and returns the
// transaction hash without waiting for the receipt
func (m *Manager) FinalCloseBySequencer(ctx context.Context, channelID channel.ID, sequenceNumber, timestamp uint64, recipients []eth.Address, amounts []*big.Int, userSignature []byte) (string, error) {
	data := encodeFinalClose(channelID, sequenceNumber, timestamp, recipients, amounts, userSignature)

	from := m.key.PublicKey().Address()
	nonce, err := m.rpcClient.Nonce(ctx, from, nil)
	if err != nil {
		return "", fmt.Errorf("getting nonce: %w", err)
	}

	gasPrice, err := m.rpcClient.GasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("getting gas price: %w", err)
	}

	signer, err := native.NewPrivateKeySigner(m.logger, big.NewInt(int64(m.chainID)), m.key)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	signedTx, err := signer.SignTransaction(nonce, m.managerAddr[:], big.NewInt(0), finalCloseGasLimit, gasPrice, data)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}

	txHash, err := m.rpcClient.SendRawTransaction(ctx, signedTx)
	if err != nil {
		return "", fmt.Errorf("sending transaction: %w", err)
	}

	m.logger.Info("submitted finalCloseBySequencer",
		zap.String("channel_id", channelID.Pretty()),
		zap.Uint64("sequence_number", sequenceNumber),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

func (m *Manager) call(ctx context.Context, data []byte) ([]byte, error) {
	resultHex, err := m.rpcClient.Call(ctx, rpc.CallParams{
		To:   m.managerAddr,
		Data: data,
	})
	if err != nil {
		return nil, err
	}

	return hex.DecodeString(strings.TrimPrefix(resultHex, "0x"))
}

// encodeFinalClose builds the calldata for
// finalCloseBySequencer(bytes32,uint256,uint256,address[],uint256[],bytes):
// three static words, then offsets to the recipients, amounts and signature
// tails, then the tails in that order.
func encodeFinalClose(channelID channel.ID, sequenceNumber, timestamp uint64, recipients []eth.Address, amounts []*big.Int, userSignature []byte) []byte {
	n := len(recipients)
	headSize := uint64(6 * 32)
	recipientsOffset := headSize
	amountsOffset := recipientsOffset + uint64(32*(1+n))
	signatureOffset := amountsOffset + uint64(32*(1+n))

	data := make([]byte, 0, 4+int(signatureOffset)+32+padSize(len(userSignature)))
	data = append(data, finalCloseSelector...)

	data = append(data, channelID[:]...)
	data = append(data, wordUint64(sequenceNumber)...)
	data = append(data, wordUint64(timestamp)...)
	data = append(data, wordUint64(recipientsOffset)...)
	data = append(data, wordUint64(amountsOffset)...)
	data = append(data, wordUint64(signatureOffset)...)

	data = append(data, wordUint64(uint64(n))...)
	for _, recipient := range recipients {
		data = append(data, wordAddress(recipient)...)
	}

	data = append(data, wordUint64(uint64(n))...)
	for _, amount := range amounts {
		data = append(data, wordBig(amount)...)
	}

	data = append(data, wordUint64(uint64(len(userSignature)))...)
	padded := make([]byte, padSize(len(userSignature)))
	copy(padded, userSignature)
	data = append(data, padded...)

	return data
}

func methodSelector(signature string) []byte {
	return eth.Keccak256([]byte(signature))[:4]
}

func wordUint64(v uint64) []byte {
	w := make([]byte, 32)
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}

func wordBig(v *big.Int) []byte {
	w := make([]byte, 32)
	if v != nil {
		b := v.Bytes()
		copy(w[32-len(b):], b)
	}
	return w
}

func wordAddress(a eth.Address) []byte {
	w := make([]byte, 32)
	copy(w[12:], a)
	return w
}

func padSize(n int) int {
	return (n + 31) / 32 * 32
}
