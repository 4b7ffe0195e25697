package sequencer

import "github.com/cheddr/x402-sequencer/channel"

// RecipientView is the wire form of one recipient entry
type RecipientView struct {
	RecipientAddress string `json:"recipientAddress"`
	Balance          string `json:"balance"`
}

// ChannelView is the wire form of a channel's state
type ChannelView struct {
	ChannelID          string          `json:"channelId"`
	Owner              string          `json:"owner"`
	Balance            string          `json:"balance"`
	ExpiryTimestamp    uint64          `json:"expiryTimestamp"`
	SequenceNumber     uint64          `json:"sequenceNumber"`
	UserSignature      string          `json:"userSignature"`
	SequencerSignature string          `json:"sequencerSignature"`
	SignatureTimestamp uint64          `json:"signatureTimestamp"`
	Recipients         []RecipientView `json:"recipients"`
}

// ChannelsByOwner lists the on-chain channel ids of one owner
type ChannelsByOwner struct {
	Owner      string   `json:"owner"`
	ChannelIDs []string `json:"channelIds"`
}

// ViewFromState renders a channel state for the HTTP surface
func ViewFromState(state *channel.State) *ChannelView {
	recipients := make([]RecipientView, len(state.Recipients))
	for i, r := range state.Recipients {
		recipients[i] = RecipientView{
			RecipientAddress: r.Address.Pretty(),
			Balance:          r.Balance.String(),
		}
	}

	return &ChannelView{
		ChannelID:          state.ChannelID.Pretty(),
		Owner:              state.Owner.Pretty(),
		Balance:            state.Balance.String(),
		ExpiryTimestamp:    state.ExpiryTs,
		SequenceNumber:     state.SequenceNumber,
		UserSignature:      state.UserSignature,
		SequencerSignature: state.SequencerSignature,
		SignatureTimestamp: state.SignatureTimestamp,
		Recipients:         recipients,
	}
}
