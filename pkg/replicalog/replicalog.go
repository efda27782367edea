// Package replicalog provides a durable, sequentially-appended log for
// replicated state machine packages (pkg/twopc's primary/backup view, and
// any other SM that wants to persist its commit history). It reuses
// hashicorp/raft's LogStore abstraction and raft-boltdb's BoltDB-backed
// implementation purely as a durable log: no raft.Raft instance is run,
// and no leader election or consensus happens here. spec.md's
// replication protocols (VR-style primary/backup for 2PC-SS,
// inconsistent replication for OCC) decide commit order themselves; this
// package only needs to survive a crash-restart, which raft-boltdb
// already does well.
//
// Grounded on cuemby-warren/pkg/manager/fsm.go (Apply/Command dispatch
// over a raft.Log) and pkg/storage/boltdb.go (BoltDB open/bucket idiom),
// adapted from "drive a raft.Raft FSM" to "durable append log with no
// consensus".
package replicalog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Record is one entry appended to the log: an opaque command plus the
// logical view/epoch it was appended under, matching the VR-style
// primary/backup protocol's need to tag entries with the view in which
// they were proposed.
type Record struct {
	View    uint64          `json:"view"`
	Command json.RawMessage `json:"command"`
}

// Log is a durable, strictly-increasing-index append log backed by
// BoltDB via raft-boltdb's raft.LogStore implementation.
type Log struct {
	store *raftboltdb.BoltStore
}

// Open opens (creating if necessary) the log file under dataDir.
func Open(dataDir string) (*Log, error) {
	path := filepath.Join(dataDir, "replicalog.bolt")
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("replicalog: open %s: %w", path, err)
	}
	return &Log{store: store}, nil
}

// Close releases the underlying BoltDB handle.
func (l *Log) Close() error {
	return l.store.Close()
}

// Append writes rec as the next sequential entry and returns its index.
// Index assignment is append-log semantics: LastIndex()+1, starting at 1.
func (l *Log) Append(rec Record) (uint64, error) {
	last, err := l.store.LastIndex()
	if err != nil {
		return 0, fmt.Errorf("replicalog: last index: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("replicalog: marshal record: %w", err)
	}
	entry := &raft.Log{
		Index:      last + 1,
		Term:       rec.View,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: time.Now(),
	}
	if err := l.store.StoreLog(entry); err != nil {
		return 0, fmt.Errorf("replicalog: store log: %w", err)
	}
	return entry.Index, nil
}

// Get reads back the record stored at index.
func (l *Log) Get(index uint64) (Record, error) {
	var entry raft.Log
	if err := l.store.GetLog(index, &entry); err != nil {
		return Record{}, fmt.Errorf("replicalog: get log %d: %w", index, err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		return Record{}, fmt.Errorf("replicalog: unmarshal record %d: %w", index, err)
	}
	return rec, nil
}

// LastIndex returns the index of the most recently appended record, or 0
// if the log is empty.
func (l *Log) LastIndex() (uint64, error) {
	return l.store.LastIndex()
}

// Truncate discards every record with index >= from, used when a
// primary's view change rolls back speculative entries a new view does
// not carry forward.
func (l *Log) Truncate(from uint64) error {
	last, err := l.store.LastIndex()
	if err != nil {
		return fmt.Errorf("replicalog: last index: %w", err)
	}
	if from > last {
		return nil
	}
	return l.store.DeleteRange(from, last)
}

// Replay calls fn for every record from index 1 through LastIndex, in
// order, used to rebuild in-memory state after a crash restart.
func (l *Log) Replay(fn func(index uint64, rec Record) error) error {
	last, err := l.store.LastIndex()
	if err != nil {
		return fmt.Errorf("replicalog: last index: %w", err)
	}
	for i := uint64(1); i <= last; i++ {
		rec, err := l.Get(i)
		if err != nil {
			return err
		}
		if err := fn(i, rec); err != nil {
			return fmt.Errorf("replicalog: replay at %d: %w", i, err)
		}
	}
	return nil
}
