// Package workload supplies typed transaction builders for the benchmark
// workloads named in spec.md's validation-subsystem examples, so that
// pkg/validation and the protocol state machines have a concrete,
// non-synthetic transaction shape to replay and compare instead of bare
// key/value fixtures.
//
// Grounded on
// original_source/src/store/benchmark/async/smallbank/bal.cc (the
// Account/Saving/Checking row read sequence a Balance transaction issues)
// and original_source/src/store/benchmark/async/tpcc/tpcc_common.h (the
// benchmark name and per-transaction-type catalog). Row reads/writes are
// expressed directly as txn.ReadOp/txn.WriteOp against string keys rather
// than protobuf row messages, since QuorumKV's store is a flat key/value
// map, not a relational schema.
package workload

import (
	"fmt"

	"github.com/quorumkv/quorumkv/pkg/txn"
)

// SmallBank customer account keys, one per deposit/savings/checking row.
func AccountKey(cust string) txn.Key  { return fmt.Sprintf("smallbank:account:%s", cust) }
func SavingKey(cust string) txn.Key   { return fmt.Sprintf("smallbank:saving:%s", cust) }
func CheckingKey(cust string) txn.Key { return fmt.Sprintf("smallbank:checking:%s", cust) }

func encodeBalance(v int64) txn.Value { return []byte(fmt.Sprintf("%d", v)) }

// Balance builds the read-only Balance transaction: read the customer's
// account row plus their saving and checking balances. Mirrors bal.cc's
// ReadAccountRow/ReadSavingRow/ReadCheckingRow sequence followed by an
// immediate commit with no writes.
func Balance(id txn.ID, cust string) *txn.Transaction {
	return &txn.Transaction{
		ID: id,
		ReadSet: []txn.ReadOp{
			{Key: AccountKey(cust)},
			{Key: SavingKey(cust)},
			{Key: CheckingKey(cust)},
		},
	}
}

// DepositChecking deposits amount into cust's checking account. The
// caller supplies the balance observed for the checking row (from a
// prior read against the store or the client's own cache); the returned
// transaction both reads and writes that row so a conflicting concurrent
// deposit is caught by the executing protocol's read-set validation.
func DepositChecking(id txn.ID, cust string, checkingBalance, amount int64) *txn.Transaction {
	key := CheckingKey(cust)
	return &txn.Transaction{
		ID:       id,
		ReadSet:  []txn.ReadOp{{Key: key}},
		WriteSet: []txn.WriteOp{{Key: key, Value: encodeBalance(checkingBalance + amount)}},
	}
}

// TransactSavings withdraws (amount negative) or deposits (amount
// positive) against cust's savings account. Returns an error without
// building a transaction if the withdrawal would drive the balance
// negative, matching SmallBank's well-known balance invariant.
func TransactSavings(id txn.ID, cust string, savingBalance, amount int64) (*txn.Transaction, error) {
	newBalance := savingBalance + amount
	if newBalance < 0 {
		return nil, fmt.Errorf("workload: TransactSavings(%s, %d) would drive saving balance negative (have %d)", cust, amount, savingBalance)
	}
	key := SavingKey(cust)
	return &txn.Transaction{
		ID:       id,
		ReadSet:  []txn.ReadOp{{Key: key}},
		WriteSet: []txn.WriteOp{{Key: key, Value: encodeBalance(newBalance)}},
	}, nil
}

// WriteCheck debits cust's checking account by amount, allowing the
// balance to go negative (SmallBank's WriteCheck charges a penalty
// in the original benchmark; QuorumKV's workload only models the debit
// itself, the penalty computation is a benchmark-side concern).
func WriteCheck(id txn.ID, cust string, checkingBalance, amount int64) *txn.Transaction {
	key := CheckingKey(cust)
	return &txn.Transaction{
		ID:       id,
		ReadSet:  []txn.ReadOp{{Key: key}},
		WriteSet: []txn.WriteOp{{Key: key, Value: encodeBalance(checkingBalance - amount)}},
	}
}

// Amalgamate moves the entire balance of custFrom (saving plus checking)
// into custTo's checking account, zeroing custFrom's two rows. This is
// the one SmallBank transaction that spans two customers, and so two
// shards in a sharded deployment; it is a natural fixture for the
// dependency-graph and speculative-branch protocols' multi-key handling.
func Amalgamate(id txn.ID, custFrom, custTo string, fromSaving, fromChecking, toChecking int64) *txn.Transaction {
	return &txn.Transaction{
		ID: id,
		ReadSet: []txn.ReadOp{
			{Key: SavingKey(custFrom)},
			{Key: CheckingKey(custFrom)},
			{Key: CheckingKey(custTo)},
		},
		WriteSet: []txn.WriteOp{
			{Key: SavingKey(custFrom), Value: encodeBalance(0)},
			{Key: CheckingKey(custFrom), Value: encodeBalance(0)},
			{Key: CheckingKey(custTo), Value: encodeBalance(toChecking + fromSaving + fromChecking)},
		},
	}
}
