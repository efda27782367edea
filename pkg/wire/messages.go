package wire

import "github.com/quorumkv/quorumkv/pkg/txn"

// This file declares the "minimum" message catalog from spec.md §6, one
// struct per wire type, each self-registering with the decode registry.

// --- OCC-Linearizable ---

type OCCPrepare struct {
	Txn txn.Transaction `json:"txn"`
}

func (OCCPrepare) TypeName() string { return "occ.Prepare" }

type OCCPrepareVote int

const (
	OCCVoteOK OCCPrepareVote = iota
	OCCVoteConflict
	OCCVoteRetry
)

type OCCPrepareReply struct {
	TxnID txn.ID         `json:"txn_id"`
	Vote  OCCPrepareVote `json:"vote"`
}

func (OCCPrepareReply) TypeName() string { return "occ.PrepareReply" }

type OCCCommit struct {
	TxnID     txn.ID        `json:"txn_id"`
	CommitTS  txn.Timestamp `json:"commit_ts"`
}

func (OCCCommit) TypeName() string { return "occ.Commit" }

type OCCAbort struct {
	TxnID txn.ID `json:"txn_id"`
}

func (OCCAbort) TypeName() string { return "occ.Abort" }

// --- Strict-Serializable 2PC ---

type TwoPCPrepare struct {
	Txn         txn.Transaction `json:"txn"`
	ProposedTS  txn.Timestamp   `json:"proposed_ts"`
}

func (TwoPCPrepare) TypeName() string { return "twopc.Prepare" }

type TwoPCVote int

const (
	TwoPCVoteOK TwoPCVote = iota
	TwoPCVoteAbort
)

type TwoPCPrepareReply struct {
	TxnID      txn.ID        `json:"txn_id"`
	Vote       TwoPCVote     `json:"vote"`
	ProposedTS txn.Timestamp `json:"proposed_ts"`
}

func (TwoPCPrepareReply) TypeName() string { return "twopc.PrepareReply" }

type TwoPCCommit struct {
	TxnID    txn.ID        `json:"txn_id"`
	CommitTS txn.Timestamp `json:"commit_ts"`
}

func (TwoPCCommit) TypeName() string { return "twopc.Commit" }

type TwoPCAbort struct {
	TxnID txn.ID `json:"txn_id"`
}

func (TwoPCAbort) TypeName() string { return "twopc.Abort" }

// --- Dependency-graph ---

type DepPreAccept struct {
	Txn    txn.Transaction `json:"txn"`
	Ballot uint64          `json:"ballot"`
}

func (DepPreAccept) TypeName() string { return "dep.PreAccept" }

type DepPreAcceptStatus int

const (
	DepPreAcceptOK DepPreAcceptStatus = iota
	DepPreAcceptNotOK
)

type DepPreAcceptReply struct {
	TxnID  txn.ID             `json:"txn_id"`
	Deps   []txn.ID           `json:"deps"`
	Status DepPreAcceptStatus `json:"status"`
}

func (DepPreAcceptReply) TypeName() string { return "dep.PreAcceptReply" }

type DepAccept struct {
	TxnID  txn.ID   `json:"txn_id"`
	Deps   []txn.ID `json:"deps"`
	Ballot uint64   `json:"ballot"`
}

func (DepAccept) TypeName() string { return "dep.Accept" }

type DepAcceptStatus int

const (
	DepAcceptOK DepAcceptStatus = iota
	DepAcceptRejected
)

type DepAcceptReply struct {
	TxnID  txn.ID         `json:"txn_id"`
	Status DepAcceptStatus `json:"status"`
}

func (DepAcceptReply) TypeName() string { return "dep.AcceptReply" }

type DepCommit struct {
	Txn  txn.Transaction `json:"txn"`
	Deps []txn.ID        `json:"deps"`
}

func (DepCommit) TypeName() string { return "dep.Commit" }

type DepInquire struct {
	TxnID txn.ID `json:"txn_id"`
}

func (DepInquire) TypeName() string { return "dep.Inquire" }

type DepInquireReply struct {
	TxnID  txn.ID      `json:"txn_id"`
	Status txn.Status  `json:"status"`
	Deps   []txn.ID    `json:"deps"`
}

func (DepInquireReply) TypeName() string { return "dep.InquireReply" }

// --- Speculative-branch ---

// Branch is the speculative-branch protocol's candidate extension of a
// transaction's history, per spec.md §3.
type Branch struct {
	Txn    txn.Transaction `json:"txn"`
	Shards []int           `json:"shards"`
}

// ID identifies a branch by its transaction's id: at most one branch per
// transaction may be prepared at a time (spec.md §3 invariant), so the
// txn id is a sufficient key for prepared-set bookkeeping.
func (b Branch) ID() txn.ID { return b.Txn.ID }

type BranchRead struct {
	Branch Branch        `json:"branch"`
	Key    txn.Key       `json:"key"`
	TS     txn.Timestamp `json:"ts"`
}

func (BranchRead) TypeName() string { return "branch.Read" }

type BranchWrite struct {
	Branch Branch        `json:"branch"`
	Key    txn.Key       `json:"key"`
	Value  txn.Value     `json:"value"`
	TS     txn.Timestamp `json:"ts"`
}

func (BranchWrite) TypeName() string { return "branch.Write" }

type BranchReadReply struct {
	Branch Branch    `json:"branch"`
	Key    txn.Key   `json:"key"`
	Value  txn.Value `json:"value"`
}

func (BranchReadReply) TypeName() string { return "branch.ReadReply" }

type BranchWriteReply struct {
	Branch Branch    `json:"branch"`
	Key    txn.Key   `json:"key"`
	Value  txn.Value `json:"value"`
}

func (BranchWriteReply) TypeName() string { return "branch.WriteReply" }

type BranchPrepare struct {
	Branch Branch `json:"branch"`
}

func (BranchPrepare) TypeName() string { return "branch.Prepare" }

type BranchPrepareOK struct {
	Branch Branch `json:"branch"`
}

func (BranchPrepareOK) TypeName() string { return "branch.PrepareOK" }

type BranchPrepareKO struct {
	Branch Branch `json:"branch"`
}

func (BranchPrepareKO) TypeName() string { return "branch.PrepareKO" }

type BranchKO struct {
	Branch Branch `json:"branch"`
}

func (BranchKO) TypeName() string { return "branch.KO" }

type BranchCommit struct {
	Branch Branch `json:"branch"`
}

func (BranchCommit) TypeName() string { return "branch.Commit" }

type BranchAbort struct {
	Branch Branch `json:"branch"`
}

func (BranchAbort) TypeName() string { return "branch.Abort" }

// --- Validation subsystem ---

type TxnState struct {
	Name string          `json:"name"`
	Data []byte          `json:"data"`
}

type BeginValidateTxn struct {
	ClientID uint64   `json:"client_id"`
	SeqNum   uint64   `json:"seq_num"`
	TxnState TxnState `json:"txn_state"`
}

func (BeginValidateTxn) TypeName() string { return "validation.BeginValidateTxn" }

type ForwardReadResult struct {
	ClientID uint64        `json:"client_id"`
	SeqNum   uint64        `json:"seq_num"`
	Key      txn.Key       `json:"key"`
	Value    txn.Value     `json:"value"`
	TS       txn.Timestamp `json:"ts"`
	Proof    []byte        `json:"proof,omitempty"`
}

func (ForwardReadResult) TypeName() string { return "validation.ForwardReadResult" }

type FinishValidateTxn struct {
	ClientID  uint64          `json:"client_id"`
	Txn       txn.Transaction `json:"txn"`
	Signature []byte          `json:"signature,omitempty"`
}

func (FinishValidateTxn) TypeName() string { return "validation.FinishValidateTxn" }

// --- Health ---

type Ping struct {
	SenderID uint64 `json:"sender_id"`
	Epoch    uint64 `json:"epoch"`
}

func (Ping) TypeName() string { return "health.Ping" }

func init() {
	Register("occ.Prepare", func() Message { return &OCCPrepare{} })
	Register("occ.PrepareReply", func() Message { return &OCCPrepareReply{} })
	Register("occ.Commit", func() Message { return &OCCCommit{} })
	Register("occ.Abort", func() Message { return &OCCAbort{} })

	Register("twopc.Prepare", func() Message { return &TwoPCPrepare{} })
	Register("twopc.PrepareReply", func() Message { return &TwoPCPrepareReply{} })
	Register("twopc.Commit", func() Message { return &TwoPCCommit{} })
	Register("twopc.Abort", func() Message { return &TwoPCAbort{} })

	Register("dep.PreAccept", func() Message { return &DepPreAccept{} })
	Register("dep.PreAcceptReply", func() Message { return &DepPreAcceptReply{} })
	Register("dep.Accept", func() Message { return &DepAccept{} })
	Register("dep.AcceptReply", func() Message { return &DepAcceptReply{} })
	Register("dep.Commit", func() Message { return &DepCommit{} })
	Register("dep.Inquire", func() Message { return &DepInquire{} })
	Register("dep.InquireReply", func() Message { return &DepInquireReply{} })

	Register("branch.Read", func() Message { return &BranchRead{} })
	Register("branch.Write", func() Message { return &BranchWrite{} })
	Register("branch.ReadReply", func() Message { return &BranchReadReply{} })
	Register("branch.WriteReply", func() Message { return &BranchWriteReply{} })
	Register("branch.Prepare", func() Message { return &BranchPrepare{} })
	Register("branch.PrepareOK", func() Message { return &BranchPrepareOK{} })
	Register("branch.PrepareKO", func() Message { return &BranchPrepareKO{} })
	Register("branch.KO", func() Message { return &BranchKO{} })
	Register("branch.Commit", func() Message { return &BranchCommit{} })
	Register("branch.Abort", func() Message { return &BranchAbort{} })

	Register("validation.BeginValidateTxn", func() Message { return &BeginValidateTxn{} })
	Register("validation.ForwardReadResult", func() Message { return &ForwardReadResult{} })
	Register("validation.FinishValidateTxn", func() Message { return &FinishValidateTxn{} })

	Register("health.Ping", func() Message { return &Ping{} })
}
