package txn

import "fmt"

// ErrorKind enumerates the error taxonomy from spec.md §7. Every Error
// carries the offending transaction id so callers can log/audit without
// re-deriving context.
type ErrorKind int

const (
	ConfigInvalid ErrorKind = iota
	StaleMessage
	ProtocolViolation
	StorageConflict
	TransportFailure
	SignatureInvalid
	DependencyCycleTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case StaleMessage:
		return "StaleMessage"
	case ProtocolViolation:
		return "ProtocolViolation"
	case StorageConflict:
		return "StorageConflict"
	case TransportFailure:
		return "TransportFailure"
	case SignatureInvalid:
		return "SignatureInvalid"
	case DependencyCycleTimeout:
		return "DependencyCycleTimeout"
	default:
		return "Unknown"
	}
}

// Error is a typed error carrying an ErrorKind and the offending txn ID,
// for recoverable and unrecoverable conditions alike; propagation policy
// (protocol reply vs. fatal) is left to the caller based on Kind, per
// spec.md §7. The protocol packages in this repository report outcomes
// through their own vote/status values and plain errors, not through
// Error.
type Error struct {
	Kind   ErrorKind
	TxnID  ID
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: txn=%s: %s", e.Kind, e.TxnID, e.Detail)
}

// Fatal reports whether e represents an unrecoverable condition that
// should terminate the replica rather than be reported as a protocol
// reply (spec.md §7 propagation policy).
func (e *Error) Fatal() bool {
	return e.Kind == ProtocolViolation
}

// NewError constructs an Error carrying the given kind/txn/detail.
func NewError(kind ErrorKind, id ID, detail string) *Error {
	return &Error{Kind: kind, TxnID: id, Detail: detail}
}
