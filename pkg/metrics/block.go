package metrics

import "github.com/prometheus/client_golang/prometheus"

// prometheusBlockMetrics implements BlockMetrics on the global registry.
type prometheusBlockMetrics struct {
	nodesOpened   *prometheus.CounterVec
	nodesClosed   *prometheus.CounterVec
	reopenBatches *prometheus.CounterVec
	chainOps      *prometheus.CounterVec
}

// NewBlockMetrics creates a BlockMetrics collector registered with the
// global registry, or a no-op collector when InitRegistry was never called.
func NewBlockMetrics() BlockMetrics {
	reg := GetRegistry()
	if reg == nil {
		return NopBlockMetrics{}
	}

	m := &prometheusBlockMetrics{
		nodesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dittovd",
			Subsystem: "block",
			Name:      "nodes_opened_total",
			Help:      "Number of storage nodes opened, by driver.",
		}, []string{"driver"}),
		nodesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dittovd",
			Subsystem: "block",
			Name:      "nodes_closed_total",
			Help:      "Number of storage nodes closed, by driver.",
		}, []string{"driver"}),
		reopenBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dittovd",
			Subsystem: "block",
			Name:      "reopen_batches_total",
			Help:      "Number of reopen transactions, by outcome.",
		}, []string{"outcome"}),
		chainOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dittovd",
			Subsystem: "block",
			Name:      "chain_operations_total",
			Help:      "Number of backing-chain operations, by kind and outcome.",
		}, []string{"op", "outcome"}),
	}

	reg.MustRegister(m.nodesOpened, m.nodesClosed, m.reopenBatches, m.chainOps)
	return m
}

func (m *prometheusBlockMetrics) NodeOpened(driver string) {
	m.nodesOpened.WithLabelValues(driver).Inc()
}

func (m *prometheusBlockMetrics) NodeClosed(driver string) {
	m.nodesClosed.WithLabelValues(driver).Inc()
}

func (m *prometheusBlockMetrics) ReopenBatch(committed bool) {
	m.reopenBatches.WithLabelValues(outcome(committed)).Inc()
}

func (m *prometheusBlockMetrics) ChainOp(op string, ok bool) {
	m.chainOps.WithLabelValues(op, outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
