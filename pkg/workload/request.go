package workload

import (
	"github.com/google/uuid"

	"github.com/quorumkv/quorumkv/pkg/txn"
)

// Request pairs a generated transaction with an external trace id, so a
// benchmark driver or validation log can correlate a submission with its
// outcome without overloading txn.ID (which is the protocol's own
// arena key, not a human-facing correlation token).
type Request struct {
	TraceID string
	Txn     *txn.Transaction
}

// NewRequest wraps tx with a freshly generated trace id.
func NewRequest(tx *txn.Transaction) Request {
	return Request{TraceID: uuid.NewString(), Txn: tx}
}
