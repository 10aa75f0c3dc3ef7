package block

// ExecContext represents the event loop a node's I/O and driver callbacks
// run on. Nodes in different contexts are serviced by different workers;
// everything attached to one context shares ordering guarantees.
type ExecContext struct {
	name string
}

// NewExecContext creates a named execution context.
func NewExecContext(name string) *ExecContext {
	return &ExecContext{name: name}
}

// Name returns the context name.
func (c *ExecContext) Name() string { return c.name }

// ContextNotifier is informed when a node changes execution context, so
// per-context resources (request queues, timers) can follow the node.
type ContextNotifier struct {
	Attached func(*ExecContext)
	Detached func()
}

// ExecContextRef returns the node's current execution context, or nil.
func (n *Node) ExecContextRef() *ExecContext { return n.ctx }

// AddContextNotifier registers a notifier for context reassignment.
func (n *Node) AddContextNotifier(nf *ContextNotifier) {
	n.notifier = append(n.notifier, nf)
}

// RemoveContextNotifier unregisters a previously added notifier.
func (n *Node) RemoveContextNotifier(nf *ContextNotifier) {
	for i, e := range n.notifier {
		if e == nf {
			n.notifier = append(n.notifier[:i], n.notifier[i+1:]...)
			return
		}
	}
}

// SetExecContext reassigns the node and its subtree to ctx. The subtree is
// drained first, notifiers are detached, the context reference is moved,
// notifiers are reattached and new I/O is allowed again. Not composable
// with a concurrent reopen touching the same nodes; callers serialize.
func (n *Node) SetExecContext(ctx *ExecContext) {
	restore := n.drainTree()
	defer restore()

	n.setExecContextDrained(ctx)
}

func (n *Node) setExecContextDrained(ctx *ExecContext) {
	for _, nf := range n.notifier {
		if nf.Detached != nil {
			nf.Detached()
		}
	}
	n.ctx = ctx
	for _, c := range n.children {
		c.node.setExecContextDrained(ctx)
	}
	for _, nf := range n.notifier {
		if nf.Attached != nil {
			nf.Attached(ctx)
		}
	}
}

// Job is the handle of a long-running background operation (commit,
// backup, stream) targeting a node. The job itself is owned elsewhere;
// the node only needs to be able to cancel it synchronously before the
// node is closed or destructively reopened.
type Job struct {
	// Cancel requests cancellation and must be safe to call once.
	Cancel func()

	// Done is closed when the job has fully stopped.
	Done <-chan struct{}
}

// AttachJob records a job on the node. A node carries at most one job.
func (n *Node) AttachJob(j *Job) error {
	if n.job != nil {
		return busyErr(n.DeviceOrNodeName(), "node already has an active job")
	}
	n.job = j
	return nil
}

// DetachJob removes the job handle without cancelling.
func (n *Node) DetachJob() {
	n.job = nil
}

// cancelJobSync cancels the attached job, waits for it to stop, and
// detaches it. No-op without a job.
func (n *Node) cancelJobSync() {
	if n.job == nil {
		return
	}
	if n.job.Cancel != nil {
		n.job.Cancel()
	}
	if n.job.Done != nil {
		<-n.job.Done
	}
	n.job = nil
}
