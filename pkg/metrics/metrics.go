// Package metrics provides Prometheus metrics collection for DittoVD.
//
// All metrics are optional - if not initialized, components use no-op
// implementations that have zero overhead. This allows DittoVD to run
// with or without metrics collection enabled.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all DittoVD metrics.
	// Protected by registryOnce for write-once, read-many access.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call
// multiple times; subsequent calls are ignored. If never called,
// GetRegistry returns nil and constructors return no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry, or nil when metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// BlockMetrics collects graph-operation counters for the block layer.
type BlockMetrics interface {
	// NodeOpened records a successful node open for the given driver.
	NodeOpened(driver string)

	// NodeClosed records a node close.
	NodeClosed(driver string)

	// ReopenBatch records the outcome of a reopen transaction.
	ReopenBatch(committed bool)

	// ChainOp records a backing-chain operation ("commit", "append",
	// "drop-intermediate", "replace") and its outcome.
	ChainOp(op string, ok bool)
}

// NopBlockMetrics is the zero-overhead collector used when metrics are
// disabled.
type NopBlockMetrics struct{}

func (NopBlockMetrics) NodeOpened(string)    {}
func (NopBlockMetrics) NodeClosed(string)    {}
func (NopBlockMetrics) ReopenBatch(bool)     {}
func (NopBlockMetrics) ChainOp(string, bool) {}
