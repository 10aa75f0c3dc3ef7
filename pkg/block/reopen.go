package block

import (
	"fmt"

	"github.com/marmos91/dittovd/internal/logger"
)

// ReopenState is one node's staged reconfiguration inside a reopen
// transaction. Drivers stage their own changes in DriverData during
// ReopenPrepare and apply or discard them in ReopenCommit/ReopenAbort.
type ReopenState struct {
	Node            *Node
	Flags           OpenFlags
	Options         Options
	ExplicitOptions Options

	// DriverData is private to the driver between prepare and
	// commit/abort.
	DriverData any

	prepared bool
}

// ReopenQueue collects the nodes of one reopen transaction. Queuing a node
// automatically queues every child that inherited its configuration from
// it, so an option like "backing.cache.direct" reaches the right node.
type ReopenQueue struct {
	entries []*ReopenState
}

// Find returns the queued state for a node, or nil. Drivers use this
// during prepare to see what their children are being reconfigured to.
func (q *ReopenQueue) Find(n *Node) *ReopenState {
	for _, s := range q.entries {
		if s.Node == n {
			return s
		}
	}
	return nil
}

// States returns the queued entries in queue order.
func (q *ReopenQueue) States() []*ReopenState {
	out := make([]*ReopenState, len(q.entries))
	copy(out, q.entries)
	return out
}

// ReopenQueue adds a node and its inheriting children to a reopen queue,
// creating the queue when q is nil.
//
// The new configuration of each node is assembled with a fixed precedence:
// options given here win over the legacy flags given here, which win over
// options the caller set explicitly at the previous open, which win over
// values a parent hands down, which win over the previous effective value.
func (g *Graph) ReopenQueue(q *ReopenQueue, n *Node, options Options, flags OpenFlags) *ReopenQueue {
	if q == nil {
		q = &ReopenQueue{}
	}
	if options == nil {
		options = Options{}
	}
	// Legacy flags apply at the top level only; children re-derive them
	// through role inheritance.
	updateOptionsFromFlags(options, flags)
	return g.reopenQueueChild(q, n, options, flags, nil, nil)
}

func (g *Graph) reopenQueueChild(q *ReopenQueue, n *Node, options Options,
	flags OpenFlags, parent *ReopenState, role *ChildRole) *ReopenQueue {

	if q.Find(n) != nil {
		return q
	}

	options = options.Clone()

	// Explicitly set options from the previous open stay in force unless
	// overridden now.
	options.joinDefaults(n.explicitOptions)
	explicit := options.Clone()

	if role != nil {
		flags = role.InheritOptions(options, parent.Flags, parent.Options)
	}

	// Everything still unset keeps its previous effective value.
	options.joinDefaults(n.options)

	state := &ReopenState{
		Node:            n,
		Flags:           flags,
		Options:         options,
		ExplicitOptions: explicit,
	}
	q.entries = append(q.entries, state)

	// Only children this node implicitly opened are reconfigured with it;
	// independently opened (referenced) children keep their own settings.
	for _, c := range n.children {
		if c.node.inheritsFrom != n {
			continue
		}
		childOpts := options.extractPrefix(c.name)
		g.reopenQueueChild(q, c.node, childOpts, 0, state, c.role)
	}

	return q
}

// Reopen reconfigures a single node (and its inheriting children) to the
// given flags.
func (g *Graph) Reopen(n *Node, flags OpenFlags) error {
	q := g.ReopenQueue(nil, n, nil, flags)
	return g.ReopenMultiple(q)
}

// ReopenMultiple runs a reopen transaction: every queued node is prepared
// first, and only if all preparations succeed are they committed. A single
// failure aborts every already-prepared entry, leaving all nodes in their
// previous configuration.
func (g *Graph) ReopenMultiple(q *ReopenQueue) error {
	if q == nil || len(q.entries) == 0 {
		return nil
	}

	for _, s := range q.entries {
		s.Node.DrainedBegin()
	}
	defer func() {
		for i := len(q.entries) - 1; i >= 0; i-- {
			q.entries[i].Node.DrainedEnd()
		}
	}()

	for _, s := range q.entries {
		if err := g.reopenPrepare(s, q); err != nil {
			g.reopenAbortAll(q)
			g.metrics.ReopenBatch(false)
			return err
		}
		s.prepared = true
	}

	for _, s := range q.entries {
		g.reopenCommit(s)
	}
	g.metrics.ReopenBatch(true)
	return nil
}

func (g *Graph) reopenAbortAll(q *ReopenQueue) {
	for i := len(q.entries) - 1; i >= 0; i-- {
		s := q.entries[i]
		if !s.prepared {
			continue
		}
		if r, ok := s.Node.inst.(Reopener); ok {
			r.ReopenAbort(s)
		}
		s.prepared = false
	}
}

// reopenPrepare validates one staged reconfiguration without touching live
// state. Consumes generic options from state.Options; whatever neither the
// block layer nor the driver consumed must match the current effective
// value, because silently ignoring a requested change would be worse than
// failing.
func (g *Graph) reopenPrepare(state *ReopenState, q *ReopenQueue) error {
	n := state.Node

	if n.drv == nil {
		return &BlockError{Code: ErrNoMedium, Message: "no medium", Node: n.DeviceOrNodeName()}
	}

	flags, err := updateFlagsFromOptions(state.Flags, state.Options)
	if err != nil {
		return err
	}
	state.Flags = flags

	if name, ok := state.Options.takeString(OptNodeName); ok && name != "" && name != n.name {
		return configErr(n.DeviceOrNodeName(),
			fmt.Sprintf("cannot change the node name from %q to %q", n.name, name))
	}
	if drvname, ok := state.Options.takeString(OptDriver); ok && drvname != n.drv.Name() {
		return configErr(n.DeviceOrNodeName(),
			fmt.Sprintf("cannot change the driver from %q to %q", n.drv.Name(), drvname))
	}

	if state.Flags.has(FlagReadWrite) && n.readOnly && !n.openFlags.has(FlagAllowReadWrite) {
		return &BlockError{Code: ErrReadOnly,
			Message: "node was opened strictly read-only and cannot be made writable",
			Node:    n.DeviceOrNodeName()}
	}

	if state.Flags.has(FlagWriteCache) != n.writeCacheEnable && n.deviceName != "" {
		return busyErr(n.DeviceOrNodeName(),
			"cannot change cache.writeback while a device is attached")
	}

	// The image must be clean before the driver switches modes.
	if err := n.Flush(); err != nil {
		return fmt.Errorf("error flushing drive before reopen: %w", err)
	}

	r, ok := n.inst.(Reopener)
	if !ok {
		return n.notSupported("reopening")
	}
	if err := r.ReopenPrepare(state, q); err != nil {
		return err
	}

	for k, v := range state.Options {
		cur, ok := n.options[k]
		if !ok || !equalValue(v, cur) {
			return configErr(n.DeviceOrNodeName(),
				fmt.Sprintf("cannot change the option %q on reopen", k))
		}
	}

	return nil
}

// reopenCommit makes one staged reconfiguration final.
func (g *Graph) reopenCommit(state *ReopenState) {
	n := state.Node

	if r, ok := n.inst.(Reopener); ok {
		r.ReopenCommit(state)
	}

	n.explicitOptions = state.ExplicitOptions
	n.options = state.Options
	n.openFlags = state.Flags
	n.readOnly = !state.Flags.has(FlagReadWrite)
	n.writeCacheEnable = state.Flags.has(FlagWriteCache)
	state.prepared = false

	logger.Debug("reopened node %q (read-only=%v)", n.name, n.readOnly)
}
