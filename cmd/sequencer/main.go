package main

import (
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("sequencer", "github.com/cheddr/x402-sequencer/cmd/sequencer")
var version = "dev"

func init() {
	logging.InstantiateLoggers(logging.WithDefaultLevel(zap.InfoLevel))
}

func main() {
	Run(
		"sequencer",
		"x402 payment channel sequencer",
		ConfigureVersion(version),
		OnCommandErrorLogAndExit(zlog),

		serveCmd,
	)
}
