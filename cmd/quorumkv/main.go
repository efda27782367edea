// Command quorumkv runs a single replica of a QuorumKV shard group: it
// loads the cluster topology, picks the concurrency-control protocol
// named by --protocol, and serves that protocol's state machine over
// the transport named by --transport until a shutdown signal arrives.
//
// Grounded on cuemby-warren/cmd/warren/main.go's cobra root command
// structure: persistent flags parsed once, cobra.OnInitialize wiring the
// logger before any command body runs, RunE returning the error cobra
// turns into a process exit code.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quorumkv/quorumkv/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quorumkv: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quorumkv",
	Short: "QuorumKV replica server",
	Long: `quorumkv runs one replica of one shard group of a sharded,
replicated transactional key/value store. The concurrency-control
protocol (OCC, 2PC, dependency-graph or speculative-branch) is selected
per process by --protocol; every replica in a group must agree on it.`,
	RunE: runServe,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("config-path", "", "path to the YAML cluster topology file (required)")
	flags.Int("replica-idx", 0, "this process's replica index within its group")
	flags.Int("group-idx", 0, "this process's shard group index")
	flags.Int("num-groups", 1, "total number of shard groups in the cluster")
	flags.Int("num-shards", 1, "total number of key shards")
	flags.String("protocol", "occ-linearizable", "concurrency control protocol: occ-linearizable | 2pc-ss | dep-graph | branch")
	flags.String("transport", "tcp", "replica transport: tcp | udp")
	flags.String("partitioner", "default", "key partitioner: default | warehouse")
	flags.String("keys-path", "", "path to a newline-delimited key list to preload")
	flags.String("data-file-path", "", "path to a key/value seed data file")
	flags.Int("num-keys", 0, "number of synthetic keys to preload when --keys-path is unset")
	flags.Uint64("clock-skew", 0, "maximum clock skew tolerated, in microseconds")
	flags.Uint64("clock-error", 0, "clock uncertainty window, in microseconds")
	flags.String("stats-file", "", "path to dump a metrics snapshot to on shutdown")
	flags.String("data-dir", "./data", "directory for the durable replication log")

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

// configError marks an error as a startup configuration problem. Every
// path that returns one exits 1 per spec.md §6's exit code contract
// (0 clean shutdown, 1 configuration error); runServe returning nil
// after a shutdown signal is the only path that exits 0.
type configError struct{ err error }

func (c *configError) Error() string { return c.err.Error() }
func (c *configError) Unwrap() error { return c.err }
