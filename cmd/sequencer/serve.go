package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/cli/sflags"
	"go.uber.org/zap"

	"github.com/cheddr/x402-sequencer/chain"
	"github.com/cheddr/x402-sequencer/channel"
	"github.com/cheddr/x402-sequencer/sequencer"
	"github.com/cheddr/x402-sequencer/server"
	"github.com/cheddr/x402-sequencer/store"
)

var serveCmd = Command(
	runServe,
	"serve",
	"Start the sequencer HTTP server",
	Description(`
		Starts the payment channel sequencer: recovers channel state from
		Postgres, verifies the signing key against the channel-manager
		contract and serves the JSON HTTP API.

		Configuration is read from the environment:
		  DATABASE_URL             Postgres connection string
		  RPC_URL                  Ethereum JSON-RPC endpoint (required)
		  CHANNEL_MANAGER_ADDRESS  Channel-manager contract address (required)
		  SEQUENCER_PRIVATE_KEY    Sequencer signing key, hex (required)
		  CHAIN_ID                 EIP-712 chain id (default 31337)
		  MAX_RECIPIENTS           Per-channel recipient cap (default 30)
		  PORT                     HTTP listen port (default 4001)
	`),
	Flags(func(flags *pflag.FlagSet) {
		flags.String("listen-addr", "", "HTTP listen address, overrides PORT when set")
	}),
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	config, err := sequencer.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}

	db, err := store.Open(config.DatabaseURL, zlog)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	if err := db.Init(ctx); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	channels, err := db.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("recovering channel state: %w", err)
	}
	registry := sequencer.NewRegistryFrom(channels)

	manager := chain.NewManager(config.RPCURL, config.ChannelManager, config.ChainID, config.SequencerPrivateKey, zlog)
	domain := channel.NewDomain(config.ChainID, config.ChannelManager)
	engine := sequencer.New(registry, db, manager, domain, config.SequencerPrivateKey, config.MaxRecipients, zlog)

	if err := engine.VerifySequencerAddress(ctx); err != nil {
		return err
	}

	listenAddr := sflags.MustGetString(cmd, "listen-addr")
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", config.Port)
	}

	zlog.Info("sequencer ready",
		zap.Stringer("address", engine.SequencerAddress()),
		zap.Int("channels", registry.Len()),
		zap.String("listen_addr", listenAddr),
	)

	app := NewApplication(ctx)
	httpServer := server.New(listenAddr, engine, zlog)
	app.SuperviseAndStart(httpServer)

	return app.WaitForTermination(zlog, 0*time.Second, 30*time.Second)
}
