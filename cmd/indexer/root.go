package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// options holds every command-line setting.
type options struct {
	Endpoints       []string
	PrimaryEndpoint string
	ChainID         string
	ChainTypesFile  string

	LogLevel string
	LogFile  string
	Quiet    bool

	StartHeight      uint64
	EndHeight        uint64
	BatchSize        int
	MaxAttempts      int
	Concurrency      int
	SpecVersion      uint32
	Handlers         []string
	SkipTransactions bool
	PollInterval     time.Duration

	DataDir    string
	CacheTTL   time.Duration
	StatusAddr string
	StatusPort int
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Fetch chain blocks and run historic queries against them",
	Long: `indexer connects to one or more chain RPC endpoints, verifies they all
serve the configured chain, and fetches blocks in batches. For every block a
snapshot view of the RPC API is bound so that state queries answer as of that
block and never from the future.`,
	Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), opts)
	},
}

// Execute runs the root command until it finishes or a shutdown signal
// arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	// Network
	f.StringSliceVarP(&opts.Endpoints, "endpoint", "e", nil, "Chain RPC endpoint (http, https, ws or wss); repeatable")
	f.StringVar(&opts.PrimaryEndpoint, "primary-endpoint", "", "Endpoint tried ahead of the others")
	f.StringVar(&opts.ChainID, "chain-id", "", "Expected genesis hash of the chain")
	f.StringVar(&opts.ChainTypesFile, "chain-types", "", "JSON file with chain type and hasher overrides")

	// Logging
	f.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&opts.LogFile, "log-file", "", "Also write JSON logs to this file, with rotation")
	f.BoolVar(&opts.Quiet, "quiet", false, "Disable console logging")

	// Fetching
	f.Uint64Var(&opts.StartHeight, "start-height", 1, "First height to fetch")
	f.Uint64Var(&opts.EndHeight, "end-height", 0, "Last height to fetch (0 = follow the finalized head)")
	f.IntVar(&opts.BatchSize, "batch-size", 20, "Heights fetched per batch")
	f.IntVar(&opts.MaxAttempts, "max-attempts", 3, "Attempts per batch before giving up")
	f.IntVar(&opts.Concurrency, "concurrency", 10, "Heights fetched at once within a batch")
	f.Uint32Var(&opts.SpecVersion, "spec-version", 0, "Runtime spec version applied to every block (0 = query per block)")
	f.StringSliceVar(&opts.Handlers, "handlers", []string{"block"}, "Handler kinds in use: block, call, event")
	f.BoolVar(&opts.SkipTransactions, "skip-transactions", false, "Fetch headers only when every handler is an event handler")
	f.DurationVar(&opts.PollInterval, "poll-interval", 6*time.Second, "Wait between finalized head checks once caught up")

	// Storage
	f.StringVar(&opts.DataDir, "data-dir", "", "Directory for the block cache and header index (empty = memory only)")
	f.DurationVar(&opts.CacheTTL, "cache-ttl", 0, "Expire cached blocks after this long (0 = never)")

	// Status server
	f.StringVar(&opts.StatusAddr, "status-addr", "127.0.0.1", "Status server bind address")
	f.IntVar(&opts.StatusPort, "status-port", 9100, "Status server port (0 = disabled)")

	rootCmd.MarkFlagRequired("endpoint")
	rootCmd.MarkFlagRequired("chain-id")
}
