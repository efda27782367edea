package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quorumkv/quorumkv/pkg/branch"
	"github.com/quorumkv/quorumkv/pkg/clock"
	"github.com/quorumkv/quorumkv/pkg/config"
	"github.com/quorumkv/quorumkv/pkg/depgraph"
	"github.com/quorumkv/quorumkv/pkg/kvstore"
	"github.com/quorumkv/quorumkv/pkg/log"
	"github.com/quorumkv/quorumkv/pkg/metrics"
	"github.com/quorumkv/quorumkv/pkg/occsm"
	"github.com/quorumkv/quorumkv/pkg/replicalog"
	"github.com/quorumkv/quorumkv/pkg/transport"
	"github.com/quorumkv/quorumkv/pkg/twopc"
	"github.com/quorumkv/quorumkv/pkg/txn"
	"github.com/quorumkv/quorumkv/pkg/wire"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return &configError{err}
	}

	flags := cmd.Flags()
	groupIdx, _ := flags.GetInt("group-idx")
	replicaIdx, _ := flags.GetInt("replica-idx")
	numGroups, _ := flags.GetInt("num-groups")
	protocol, _ := flags.GetString("protocol")
	transportName, _ := flags.GetString("transport")
	partitioner, _ := flags.GetString("partitioner")
	clockSkew, _ := flags.GetUint64("clock-skew")
	clockError, _ := flags.GetUint64("clock-error")
	dataDir, _ := flags.GetString("data-dir")
	statsFile, _ := flags.GetString("stats-file")
	keysPath, _ := flags.GetString("keys-path")
	dataFilePath, _ := flags.GetString("data-file-path")
	numKeys, _ := flags.GetInt("num-keys")

	if groupIdx < 0 || groupIdx >= numGroups {
		return &configError{fmt.Errorf("--group-idx %d out of range for --num-groups %d", groupIdx, numGroups)}
	}
	switch partitioner {
	case "default", "warehouse":
	default:
		return &configError{fmt.Errorf("unknown partitioner %q", partitioner)}
	}

	addr, err := cfg.ReplicaAddress(groupIdx, replicaIdx)
	if err != nil {
		return &configError{err}
	}
	// Peer addresses are resolved here so a misconfigured topology fails
	// fast at startup rather than the first time a handler tries to
	// broadcast; per-message fan-out still goes through transport.Transport
	// directly, dialing peers lazily.
	if _, err := cfg.PeerAddresses(groupIdx, replicaIdx); err != nil {
		return &configError{err}
	}

	logger := log.WithReplica(groupIdx, replicaIdx)
	logger.Info().Str("address", addr).Str("protocol", protocol).Str("transport", transportName).Str("partitioner", partitioner).Msg("starting replica")

	store := kvstore.New()
	clk := clock.New(uint64(replicaIdx), clock.Config{ClockSkew: clockSkew, ClockError: clockError})
	router := wire.NewRouter()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return &configError{fmt.Errorf("create data dir: %w", err)}
	}

	if err := seedStore(store, clk, keysPath, dataFilePath, numKeys); err != nil {
		return &configError{err}
	}

	tr, err := newTransport(transportName, transport.Address(addr))
	if err != nil {
		return &configError{err}
	}
	defer tr.Close()

	if err := wireProtocol(router, protocol, store, clk, dataDir, tr); err != nil {
		return &configError{err}
	}

	tr.Register(func(from transport.Address, env wire.Envelope) {
		replies, err := router.Dispatch(uint64(replicaIdx), string(from), env)
		if err != nil {
			logger.Warn().Err(err).Str("from", string(from)).Msg("dispatch failed")
			return
		}
		for _, reply := range replies {
			if reply == nil {
				continue
			}
			if err := tr.SendMessage(from, reply); err != nil {
				logger.Warn().Err(err).Str("to", string(from)).Msg("failed to send reply")
			}
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if statsFile != "" {
		if err := metrics.DumpStatsFile(statsFile); err != nil {
			logger.Warn().Err(err).Msg("failed to write stats file")
		}
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config-path")
	if path == "" {
		return nil, fmt.Errorf("--config-path is required")
	}
	return config.Load(path)
}

// wireProtocol constructs the state machine named by protocol and
// registers its wire.Message handlers on router. "weak" is accepted as
// a --protocol value per spec.md §6's CLI surface but has no defined
// module in this specification, so it fails fast as a configuration
// error rather than silently falling back to another protocol.
func wireProtocol(router *wire.Router, protocol string, store *kvstore.Store, clk *clock.Oracle, dataDir string, tr transport.Transport) error {
	switch protocol {
	case "occ-linearizable":
		wireOCC(router, store)
		return nil
	case "2pc-ss":
		return wireTwoPC(router, store, clk, dataDir)
	case "dep-graph":
		wireDepGraph(router, store)
		return nil
	case "branch":
		wireBranch(router, store, clk, tr)
		return nil
	case "weak":
		return fmt.Errorf("protocol %q is accepted by --protocol but has no defined state machine in this build", protocol)
	default:
		return fmt.Errorf("unknown protocol %q", protocol)
	}
}

func wireOCC(router *wire.Router, store *kvstore.Store) {
	sm := occsm.New(store)

	occVote := map[occsm.Vote]wire.OCCPrepareVote{
		occsm.VoteOK:       wire.OCCVoteOK,
		occsm.VoteConflict: wire.OCCVoteConflict,
		occsm.VoteRetry:    wire.OCCVoteRetry,
	}

	router.Handle("occ.Prepare", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.OCCPrepare)
		vote := sm.Prepare(&m.Txn)
		return []wire.Message{&wire.OCCPrepareReply{TxnID: m.Txn.ID, Vote: occVote[vote]}}, nil
	})
	router.Handle("occ.Commit", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.OCCCommit)
		return nil, sm.Commit(&txn.Transaction{ID: m.TxnID}, m.CommitTS)
	})
	router.Handle("occ.Abort", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.OCCAbort)
		sm.Abort(m.TxnID)
		return nil, nil
	})
}

func wireTwoPC(router *wire.Router, store *kvstore.Store, clk *clock.Oracle, dataDir string) error {
	lg, err := replicalog.Open(dataDir)
	if err != nil {
		return err
	}
	sm := twopc.New(store, lg, clk, twopc.LockMode)
	if err := sm.Recover(); err != nil {
		return err
	}

	twoPCVote := map[twopc.Vote]wire.TwoPCVote{
		twopc.VoteOK:    wire.TwoPCVoteOK,
		twopc.VoteAbort: wire.TwoPCVoteAbort,
	}

	router.Handle("twopc.Prepare", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.TwoPCPrepare)
		vote, ts, err := sm.Prepare(&m.Txn)
		if err != nil {
			return nil, err
		}
		return []wire.Message{&wire.TwoPCPrepareReply{TxnID: m.Txn.ID, Vote: twoPCVote[vote], ProposedTS: ts}}, nil
	})
	router.Handle("twopc.Commit", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.TwoPCCommit)
		return nil, sm.Commit(&txn.Transaction{ID: m.TxnID}, m.CommitTS)
	})
	router.Handle("twopc.Abort", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.TwoPCAbort)
		return nil, sm.Abort(m.TxnID)
	})
	return nil
}

func wireDepGraph(router *wire.Router, store *kvstore.Store) {
	sm := depgraph.New(store)

	depStatus := map[depgraph.PreAcceptStatus]wire.DepPreAcceptStatus{
		depgraph.PreAcceptOK:    wire.DepPreAcceptOK,
		depgraph.PreAcceptNotOK: wire.DepPreAcceptNotOK,
	}
	acceptStatus := map[bool]wire.DepAcceptStatus{
		true:  wire.DepAcceptOK,
		false: wire.DepAcceptRejected,
	}

	router.Handle("dep.PreAccept", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.DepPreAccept)
		status, deps := sm.PreAccept(&m.Txn, m.Ballot)
		return []wire.Message{&wire.DepPreAcceptReply{TxnID: m.Txn.ID, Deps: deps, Status: depStatus[status]}}, nil
	})
	router.Handle("dep.Accept", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.DepAccept)
		ok := sm.Accept(&txn.Transaction{ID: m.TxnID}, m.Deps, m.Ballot)
		return []wire.Message{&wire.DepAcceptReply{TxnID: m.TxnID, Status: acceptStatus[ok]}}, nil
	})
	router.Handle("dep.Inquire", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.DepInquire)
		status, deps, ok := sm.Inquire(m.TxnID)
		if !ok {
			return nil, nil
		}
		return []wire.Message{&wire.DepInquireReply{TxnID: m.TxnID, Status: status, Deps: deps}}, nil
	})
	router.Handle("dep.Commit", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.DepCommit)
		sm.Commit(&m.Txn, m.Deps)
		return nil, nil
	})
}

// wireBranch registers the speculative-branch protocol's handlers. Unlike
// the other protocols, branch Commit/KO can resolve a branch that was
// parked by an earlier Prepare from a different coordinator (spec.md
// §4.8's promotion of a waiting branch), so this keeps a coordinators map
// recording which peer to notify later, mirroring server.cc's
// txn_coordinators map, and sends those delayed notifications directly
// over tr rather than as a Dispatch return value.
func wireBranch(router *wire.Router, store *kvstore.Store, clk *clock.Oracle, tr transport.Transport) {
	sm := branch.New(store)

	var mu sync.Mutex
	coordinators := make(map[txn.ID]transport.Address)
	recordCoordinator := func(id txn.ID, from string) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := coordinators[id]; !ok {
			coordinators[id] = transport.Address(from)
		}
	}
	notify := func(id txn.ID, msg wire.Message) {
		mu.Lock()
		addr, ok := coordinators[id]
		mu.Unlock()
		if !ok {
			return
		}
		if err := tr.SendMessage(addr, msg); err != nil {
			log.WithComponent("branch").Warn().Err(err).Str("to", string(addr)).Msg("failed to send delayed branch notification")
		}
	}

	router.Handle("branch.Read", func(_ uint64, from string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.BranchRead)
		recordCoordinator(m.Branch.ID(), from)
		init := &branch.Branch{Txn: &m.Branch.Txn, Shards: m.Branch.Shards}
		generated := sm.Read(init, m.Key)
		replies := make([]wire.Message, 0, len(generated))
		for _, b := range generated {
			value := b.Txn.ReadSet[len(b.Txn.ReadSet)-1].Value
			replies = append(replies, &wire.BranchReadReply{
				Branch: wire.Branch{Txn: *b.Txn, Shards: b.Shards},
				Key:    m.Key,
				Value:  value,
			})
		}
		return replies, nil
	})
	router.Handle("branch.Write", func(_ uint64, from string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.BranchWrite)
		recordCoordinator(m.Branch.ID(), from)
		init := &branch.Branch{Txn: &m.Branch.Txn, Shards: m.Branch.Shards}
		b := sm.Write(init, m.Key, m.Value)
		if b == nil {
			return nil, nil
		}
		return []wire.Message{&wire.BranchWriteReply{
			Branch: wire.Branch{Txn: *b.Txn, Shards: b.Shards},
			Key:    m.Key,
			Value:  m.Value,
		}}, nil
	})
	router.Handle("branch.Prepare", func(_ uint64, from string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.BranchPrepare)
		recordCoordinator(m.Branch.ID(), from)
		b := &branch.Branch{Txn: &m.Branch.Txn, Shards: m.Branch.Shards}
		switch sm.Prepare(b) {
		case branch.PrepareKO:
			return []wire.Message{&wire.BranchPrepareKO{Branch: m.Branch}}, nil
		case branch.PrepareParked:
			// Parked pending a blocking branch's outcome; no reply yet. A
			// later Commit/KO promotes or rejects it via notify.
			return nil, nil
		default:
			return []wire.Message{&wire.BranchPrepareOK{Branch: m.Branch}}, nil
		}
	})
	router.Handle("branch.KO", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.BranchKO)
		for _, id := range sm.KO(m.Branch.ID()) {
			notify(id, &wire.BranchPrepareKO{Branch: wire.Branch{Txn: txn.Transaction{ID: id}}})
		}
		return nil, nil
	})
	router.Handle("branch.Commit", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.BranchCommit)
		promoted, koed := sm.Commit(m.Branch.Txn.ID, clk.Now())
		for _, id := range promoted {
			notify(id, &wire.BranchPrepareOK{Branch: wire.Branch{Txn: txn.Transaction{ID: id}}})
		}
		for _, id := range koed {
			notify(id, &wire.BranchPrepareKO{Branch: wire.Branch{Txn: txn.Transaction{ID: id}}})
		}
		return nil, nil
	})
	router.Handle("branch.Abort", func(_ uint64, _ string, msg wire.Message) ([]wire.Message, error) {
		m := msg.(*wire.BranchAbort)
		sm.Abort(m.Branch.Txn.ID)
		return nil, nil
	})
}

func newTransport(name string, addr transport.Address) (transport.Transport, error) {
	switch name {
	case "tcp":
		return transport.ListenTCP(addr)
	case "udp":
		return transport.ListenUDP(addr)
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
