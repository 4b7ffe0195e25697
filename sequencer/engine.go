package sequencer

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/streamingfast/eth-go"
	"go.uber.org/zap"

	"github.com/cheddr/x402-sequencer/channel"
)

// maxTimestampSkew bounds how far in the future an update timestamp may sit,
// in seconds
const maxTimestampSkew = 15 * 60

// Store is the durability surface the engine persists accepted states to
type Store interface {
	Save(ctx context.Context, state *channel.State) error
}

// ChannelManager is the on-chain settlement contract surface
type ChannelManager interface {
	GetUserChannelLength(ctx context.Context, owner eth.Address) (*big.Int, error)
	UserChannels(ctx context.Context, owner eth.Address, index uint64) (channel.ID, error)
	Sequencer(ctx context.Context) (eth.Address, error)
	FinalCloseBySequencer(ctx context.Context, channelID channel.ID, sequenceNumber, timestamp uint64, recipients []eth.Address, amounts []*big.Int, userSignature []byte) (string, error)
}

// SeedRequest creates a fresh channel mirroring an on-chain funding
type SeedRequest struct {
	ChannelID       string
	Owner           string
	Balance         string
	ExpiryTimestamp uint64
}

// FeeForPayment is an optional per-payment fee destination
type FeeForPayment struct {
	FeeDestinationAddress string
	FeeAmountCurds        string
}

// PaymentRequest is one signed channel update
type PaymentRequest struct {
	ChannelID      string
	Amount         string
	Receiver       string
	SequenceNumber uint64
	Timestamp      uint64
	UserSignature  string
	Purpose        string
	FeeForPayment  *FeeForPayment
}

// Engine is the channel update state machine. It owns the registry and is
// the only writer of channel state; the store mirrors accepted transitions
// and the chain manager handles discovery and final settlement.
type Engine struct {
	registry      *Registry
	store         Store
	chain         ChannelManager
	domain        *channel.Domain
	sequencerKey  *eth.PrivateKey
	maxRecipients int
	logger        *zap.Logger
}

// New creates an update engine
func New(
	registry *Registry,
	store Store,
	chainManager ChannelManager,
	domain *channel.Domain,
	sequencerKey *eth.PrivateKey,
	maxRecipients int,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		registry:      registry,
		store:         store,
		chain:         chainManager,
		domain:        domain,
		sequencerKey:  sequencerKey,
		maxRecipients: maxRecipients,
		logger:        logger,
	}
}

// SequencerAddress returns the address of the sequencer signing key
func (e *Engine) SequencerAddress() eth.Address {
	return e.sequencerKey.PublicKey().Address()
}

// VerifySequencerAddress compares the on-chain sequencer() address with the
// local signing key. A mismatch is a fatal startup condition.
func (e *Engine) VerifySequencerAddress(ctx context.Context) error {
	onchain, err := e.chain.Sequencer(ctx)
	if err != nil {
		return fmt.Errorf("fetching on-chain sequencer address: %w", err)
	}

	local := e.SequencerAddress()
	if !bytes.Equal(onchain, local) {
		return fmt.Errorf("sequencer address mismatch: wallet=%s, on-chain=%s", local.Pretty(), onchain.Pretty())
	}

	e.logger.Info("sequencer address verified against channel manager", zap.Stringer("address", local))
	return nil
}

// Seed creates a channel at sequence 0 with no recipients and no
// signatures. Re-seeding an existing channel id is rejected.
func (e *Engine) Seed(ctx context.Context, req SeedRequest) (*ChannelView, error) {
	channelID, err := channel.NewID(req.ChannelID)
	if err != nil {
		return nil, BadRequest(err.Error())
	}
	owner, err := channel.ParseAddress(req.Owner)
	if err != nil {
		return nil, BadRequest(err.Error())
	}
	balance, err := channel.ParseAmount(req.Balance)
	if err != nil {
		return nil, BadRequest(err.Error())
	}

	var view *ChannelView
	err = e.registry.Exclusive(func(channels map[string]*channel.State) error {
		key := channelID.Pretty()
		if _, exists := channels[key]; exists {
			return BadRequest("channel already exists")
		}

		state := channel.NewState(channelID, owner, balance, req.ExpiryTimestamp)
		if err := e.store.Save(ctx, state); err != nil {
			e.logger.Error("persisting seeded channel", zap.String("channel_id", key), zap.Error(err))
			return Internal("internal error")
		}

		channels[key] = state
		view = ViewFromState(state)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("seeded channel",
		zap.String("channel_id", channelID.Pretty()),
		zap.Stringer("owner", owner),
		zap.String("balance", balance.String()),
		zap.Uint64("expiry_ts", req.ExpiryTimestamp),
	)
	return view, nil
}

// Get returns the current state of a channel
func (e *Engine) Get(channelID string) (*ChannelView, error) {
	id, err := channel.NewID(channelID)
	if err != nil {
		return nil, NotFound("channel not found")
	}
	state, ok := e.registry.View(id.Pretty())
	if !ok {
		return nil, NotFound("channel not found")
	}
	return ViewFromState(state), nil
}

// Validate runs every settle check against the current state without
// mutating anything and without producing a sequencer signature. It returns
// the state the channel would transition to.
func (e *Engine) Validate(ctx context.Context, req PaymentRequest) (*ChannelView, error) {
	p, err := e.parsePayment(req)
	if err != nil {
		return nil, err
	}

	state, ok := e.registry.View(p.channelID.Pretty())
	if !ok {
		return nil, NotFound("channel not found")
	}

	next, _, replayed, err := e.applyUpdate(state, p)
	if err != nil {
		return nil, err
	}
	if replayed {
		return ViewFromState(state), nil
	}
	return ViewFromState(next), nil
}

// Settle accepts one signed update: it validates the transition, produces
// the sequencer countersignature, persists the new state, and publishes it
// to the registry. Everything from lookup to publish happens under the
// exclusive lock, so a failed transition leaves no trace.
func (e *Engine) Settle(ctx context.Context, req PaymentRequest) (*ChannelView, error) {
	p, err := e.parsePayment(req)
	if err != nil {
		return nil, err
	}

	if req.Purpose != "" {
		e.logger.Info("pay-in-channel purpose",
			zap.String("purpose", req.Purpose),
			zap.String("channel_id", p.channelID.Pretty()),
		)
	}

	var view *ChannelView
	err = e.registry.Exclusive(func(channels map[string]*channel.State) error {
		key := p.channelID.Pretty()
		state, ok := channels[key]
		if !ok {
			return NotFound("channel not found")
		}

		next, digest, replayed, err := e.applyUpdate(state, p)
		if err != nil {
			return err
		}
		if replayed {
			view = ViewFromState(state)
			return nil
		}

		sequencerSignature, err := channel.SignDigest(e.sequencerKey, digest)
		if err != nil {
			return BadRequestf("sequencer signing failed: %s", err)
		}
		next.SequencerSignature = sequencerSignature

		if err := e.store.Save(ctx, next); err != nil {
			e.logger.Error("persisting channel update",
				zap.String("channel_id", key),
				zap.Uint64("sequence_number", next.SequenceNumber),
				zap.Error(err),
			)
			return Internal("internal error")
		}

		channels[key] = next
		view = ViewFromState(next)

		e.logger.Info("accepted channel update",
			zap.String("channel_id", key),
			zap.Uint64("sequence_number", next.SequenceNumber),
			zap.Int("recipients", len(next.Recipients)),
			zap.String("allocated", next.TotalAllocated().String()),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Finalize submits the latest signed state to the channel manager for
// on-chain settlement and returns the transaction hash. The off-chain
// record is kept.
func (e *Engine) Finalize(ctx context.Context, channelID string) (string, error) {
	id, err := channel.NewID(channelID)
	if err != nil {
		return "", BadRequest(err.Error())
	}

	state, ok := e.registry.View(id.Pretty())
	if !ok {
		return "", NotFound("channel not found")
	}

	if state.UserSignature == "" {
		return "", BadRequest("channel has no user signature")
	}
	if state.SignatureTimestamp == 0 {
		return "", BadRequest("channel has no signature timestamp")
	}
	if err := validateTimestamp(state.SignatureTimestamp, state.ExpiryTs); err != nil {
		return "", err
	}

	digest := e.domain.UpdateDigest(state.ChannelID, state.SequenceNumber, state.SignatureTimestamp, state.Recipients)
	signer, err := channel.RecoverSigner(digest, state.UserSignature)
	if err != nil {
		return "", BadRequest(err.Error())
	}
	if !bytes.Equal(signer, state.Owner) {
		return "", BadRequest("invalid user signature")
	}

	userSignature, err := channel.SignatureBytes(state.UserSignature)
	if err != nil {
		return "", BadRequest(err.Error())
	}

	recipients := make([]eth.Address, len(state.Recipients))
	amounts := make([]*big.Int, len(state.Recipients))
	for i, r := range state.Recipients {
		recipients[i] = r.Address
		amounts[i] = r.Balance
	}

	txHash, err := e.chain.FinalCloseBySequencer(ctx, state.ChannelID, state.SequenceNumber, state.SignatureTimestamp, recipients, amounts, userSignature)
	if err != nil {
		return "", BadRequest(err.Error())
	}

	e.logger.Info("submitted final close",
		zap.String("channel_id", id.Pretty()),
		zap.Uint64("sequence_number", state.SequenceNumber),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

// ListChannelsByOwner enumerates an owner's channel ids from the channel
// manager contract
func (e *Engine) ListChannelsByOwner(ctx context.Context, owner string) (*ChannelsByOwner, error) {
	ownerAddr, err := channel.ParseAddress(owner)
	if err != nil {
		return nil, BadRequest(err.Error())
	}

	length, err := e.chain.GetUserChannelLength(ctx, ownerAddr)
	if err != nil {
		return nil, BadRequestf("rpc error: %s", err)
	}

	count := length.Uint64()
	channelIDs := make([]string, 0, count)
	for index := uint64(0); index < count; index++ {
		id, err := e.chain.UserChannels(ctx, ownerAddr, index)
		if err != nil {
			return nil, BadRequestf("rpc error: %s", err)
		}
		channelIDs = append(channelIDs, id.Pretty())
	}

	return &ChannelsByOwner{
		Owner:      ownerAddr.Pretty(),
		ChannelIDs: channelIDs,
	}, nil
}

type parsedPayment struct {
	channelID  channel.ID
	receiver   eth.Address
	amount     *big.Int
	feeAddress eth.Address
	feeAmount  *big.Int
	request    PaymentRequest
}

func (e *Engine) parsePayment(req PaymentRequest) (*parsedPayment, error) {
	channelID, err := channel.NewID(req.ChannelID)
	if err != nil {
		return nil, BadRequest(err.Error())
	}
	receiver, err := channel.ParseAddress(req.Receiver)
	if err != nil {
		return nil, BadRequest(err.Error())
	}
	amount, err := channel.ParseAmount(req.Amount)
	if err != nil {
		return nil, BadRequest(err.Error())
	}

	p := &parsedPayment{
		channelID: channelID,
		receiver:  receiver,
		amount:    amount,
		request:   req,
	}

	if fee := req.FeeForPayment; fee != nil {
		p.feeAddress, err = channel.ParseAddress(fee.FeeDestinationAddress)
		if err != nil {
			return nil, BadRequest(err.Error())
		}
		p.feeAmount, err = channel.ParseAmount(fee.FeeAmountCurds)
		if err != nil {
			return nil, BadRequest(err.Error())
		}
	}

	return p, nil
}

// applyUpdate runs the settle state machine against one channel state. It
// never mutates its input: on success it returns the next state (sequencer
// signature not yet set) and the digest both parties sign. replayed
// reports the idempotent-retry case, where the existing state stands.
func (e *Engine) applyUpdate(state *channel.State, p *parsedPayment) (next *channel.State, digest eth.Hash, replayed bool, err error) {
	req := p.request

	if req.SequenceNumber == state.SequenceNumber {
		if req.UserSignature == state.UserSignature && req.Timestamp == state.SignatureTimestamp {
			return nil, nil, true, nil
		}
		return nil, nil, false, BadRequest("sequence already processed")
	}

	if req.SequenceNumber != state.SequenceNumber+1 {
		return nil, nil, false, BadRequest("invalid sequence number")
	}

	if p.amount.Sign() == 0 {
		return nil, nil, false, BadRequest("amount must be greater than zero")
	}

	if err := validateTimestamp(req.Timestamp, state.ExpiryTs); err != nil {
		return nil, nil, false, err
	}

	recipients := channel.CloneRecipients(state.Recipients)
	recipients = channel.AddAmount(recipients, p.receiver, p.amount)
	if p.feeAmount != nil {
		recipients = channel.AddAmount(recipients, p.feeAddress, p.feeAmount)
	}

	if len(recipients) > e.maxRecipients {
		return nil, nil, false, BadRequest("max recipients exceeded")
	}

	if channel.TotalBalance(recipients).Cmp(state.Balance) > 0 {
		return nil, nil, false, BadRequest("exceeds channel capacity")
	}

	digest = e.domain.UpdateDigest(state.ChannelID, req.SequenceNumber, req.Timestamp, recipients)
	signer, err := channel.RecoverSigner(digest, req.UserSignature)
	if err != nil {
		return nil, nil, false, BadRequest(err.Error())
	}
	if !bytes.Equal(signer, state.Owner) {
		return nil, nil, false, BadRequest("invalid user signature")
	}

	next = state.Clone()
	next.SequenceNumber = req.SequenceNumber
	next.UserSignature = req.UserSignature
	next.SignatureTimestamp = req.Timestamp
	next.Recipients = recipients

	return next, digest, false, nil
}

func validateTimestamp(timestamp, expiryTs uint64) error {
	now := uint64(time.Now().Unix())
	if timestamp > now+maxTimestampSkew {
		return BadRequest("timestamp is too far in the future")
	}
	if timestamp > expiryTs {
		return BadRequest("timestamp is after channel expiry")
	}
	return nil
}
