// Package store persists channel state to Postgres. The channels table
// carries the header; recipient rows are keyed by (channel_id, address)
// and are only ever upserted, matching the additive-only recipient
// semantics of the update engine.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cheddr/x402-sequencer/channel"
)

const maxOpenConns = 5

// Store is the durable mirror of the in-memory registry
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to Postgres and returns a store bound to the connection
func Open(databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return New(db, logger), nil
}

// New wraps an existing database handle
func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Init idempotently ensures the schema
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			balance TEXT NOT NULL,
			expiry_ts BIGINT NOT NULL,
			sequence_number BIGINT NOT NULL,
			user_signature TEXT NOT NULL,
			sequencer_signature TEXT NOT NULL,
			signature_timestamp BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating channels table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS recipients (
			channel_id TEXT NOT NULL,
			address TEXT NOT NULL,
			balance TEXT NOT NULL,
			position INT NOT NULL,
			PRIMARY KEY (channel_id, address),
			FOREIGN KEY (channel_id) REFERENCES channels(channel_id) ON DELETE CASCADE
		)`)
	if err != nil {
		return fmt.Errorf("creating recipients table: %w", err)
	}

	return nil
}

// LoadAll reads every channel with its recipients ordered by position.
// Any field that fails to parse aborts the load: corrupted state must not
// reach the registry, where it would flow into digest computation.
func (s *Store) LoadAll(ctx context.Context) (map[string]*channel.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, owner, balance, expiry_ts, sequence_number,
		       user_signature, sequencer_signature, signature_timestamp
		FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	channels := make(map[string]*channel.State)
	for rows.Next() {
		var (
			channelIDStr, ownerStr, balanceStr       string
			userSignature, sequencerSignature        string
			expiryTs, sequenceNumber, signatureTsRaw int64
		)
		if err := rows.Scan(&channelIDStr, &ownerStr, &balanceStr, &expiryTs, &sequenceNumber, &userSignature, &sequencerSignature, &signatureTsRaw); err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}

		channelID, err := channel.NewID(channelIDStr)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channelIDStr, err)
		}
		owner, err := channel.ParseAddress(ownerStr)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channelIDStr, err)
		}
		balance, err := channel.ParseAmount(balanceStr)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channelIDStr, err)
		}

		channels[channelID.Pretty()] = &channel.State{
			ChannelID:          channelID,
			Owner:              owner,
			Balance:            balance,
			ExpiryTs:           uint64(expiryTs),
			SequenceNumber:     uint64(sequenceNumber),
			UserSignature:      userSignature,
			SequencerSignature: sequencerSignature,
			SignatureTimestamp: uint64(signatureTsRaw),
			Recipients:         []channel.RecipientBalance{},
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channels: %w", err)
	}

	for key, state := range channels {
		recipients, err := s.loadRecipients(ctx, key)
		if err != nil {
			return nil, err
		}
		state.Recipients = recipients
	}

	s.logger.Info("loaded channel state", zap.Int("channels", len(channels)))
	return channels, nil
}

func (s *Store) loadRecipients(ctx context.Context, channelID string) ([]channel.RecipientBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, balance, position
		FROM recipients
		WHERE channel_id = $1
		ORDER BY position`, channelID)
	if err != nil {
		return nil, fmt.Errorf("querying recipients of %s: %w", channelID, err)
	}
	defer rows.Close()

	recipients := []channel.RecipientBalance{}
	for rows.Next() {
		var (
			addressStr, balanceStr string
			position               int32
		)
		if err := rows.Scan(&addressStr, &balanceStr, &position); err != nil {
			return nil, fmt.Errorf("scanning recipient row of %s: %w", channelID, err)
		}

		address, err := channel.ParseAddress(addressStr)
		if err != nil {
			return nil, fmt.Errorf("recipient of %s: %w", channelID, err)
		}
		balance, err := channel.ParseAmount(balanceStr)
		if err != nil {
			return nil, fmt.Errorf("recipient of %s: %w", channelID, err)
		}

		recipients = append(recipients, channel.RecipientBalance{
			Address:  address,
			Balance:  balance,
			Position: position,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recipients of %s: %w", channelID, err)
	}

	return recipients, nil
}

// Save upserts the channel header and all current recipient rows in one
// transaction. Recipient rows are never deleted; the engine never removes
// recipients, so upserts keep the store exact.
func (s *Store) Save(ctx context.Context, state *channel.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (channel_id, owner, balance, expiry_ts, sequence_number,
		                      user_signature, sequencer_signature, signature_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (channel_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			balance = EXCLUDED.balance,
			expiry_ts = EXCLUDED.expiry_ts,
			sequence_number = EXCLUDED.sequence_number,
			user_signature = EXCLUDED.user_signature,
			sequencer_signature = EXCLUDED.sequencer_signature,
			signature_timestamp = EXCLUDED.signature_timestamp`,
		state.ChannelID.Pretty(),
		state.Owner.Pretty(),
		state.Balance.String(),
		int64(state.ExpiryTs),
		int64(state.SequenceNumber),
		state.UserSignature,
		state.SequencerSignature,
		int64(state.SignatureTimestamp),
	)
	if err != nil {
		return fmt.Errorf("upserting channel %s: %w", state.ChannelID.Pretty(), err)
	}

	for _, recipient := range state.Recipients {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO recipients (channel_id, address, balance, position)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (channel_id, address) DO UPDATE SET
				balance = EXCLUDED.balance,
				position = EXCLUDED.position`,
			state.ChannelID.Pretty(),
			recipient.Address.Pretty(),
			recipient.Balance.String(),
			recipient.Position,
		)
		if err != nil {
			return fmt.Errorf("upserting recipient %s of %s: %w", recipient.Address.Pretty(), state.ChannelID.Pretty(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing channel %s: %w", state.ChannelID.Pretty(), err)
	}
	return nil
}
