package workload

// TPCCBenchmarkName matches tpcc_common.h's BENCHMARK_NAME, used as a
// metrics/log label so TPC-C traffic is distinguishable from SmallBank
// traffic in a mixed workload run.
const TPCCBenchmarkName = "tpcc"

// TPCCTxnType enumerates the five TPC-C transaction types named in
// tpcc_common.h's TPCC_TXN_TYPE. QuorumKV's workload package only needs
// the catalog for labeling; full multi-table TPC-C schema emulation is
// out of scope for a flat key/value store.
type TPCCTxnType int

const (
	TPCCDelivery TPCCTxnType = iota
	TPCCNewOrder
	TPCCOrderStatus
	TPCCPayment
	TPCCStockLevel
)

func (t TPCCTxnType) String() string {
	switch t {
	case TPCCDelivery:
		return "delivery"
	case TPCCNewOrder:
		return "new_order"
	case TPCCOrderStatus:
		return "order_status"
	case TPCCPayment:
		return "payment"
	case TPCCStockLevel:
		return "stock_level"
	default:
		return "unknown"
	}
}
