package block

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/dittovd/internal/logger"
	"github.com/marmos91/dittovd/pkg/metrics"
)

// Graph is the process-wide registry of storage nodes: every node, named
// or anonymous, is a member from creation until destruction, and node-name
// uniqueness (including against the device-name namespace) is enforced
// here and nowhere else.
//
// The registry serializes its own membership bookkeeping; see the package
// documentation for what it deliberately does not serialize.
type Graph struct {
	mu      sync.RWMutex
	nodes   []*Node          // every node, in creation order
	byName  map[string]*Node // named nodes only
	devices map[string]*Node // externally-owned device names

	throttleMu sync.Mutex
	throttles  map[string]*throttleGroup

	metrics metrics.BlockMetrics
}

// NewGraph creates an empty node graph.
func NewGraph() *Graph {
	return &Graph{
		byName:  make(map[string]*Node),
		devices: make(map[string]*Node),
		metrics: metrics.NopBlockMetrics{},
	}
}

// SetMetrics installs a metrics collector. Passing nil restores the no-op
// collector.
func (g *Graph) SetMetrics(m metrics.BlockMetrics) {
	if m == nil {
		m = metrics.NopBlockMetrics{}
	}
	g.metrics = m
}

// assignNodeName validates (or generates) a node name and inserts the node
// into the registry. Called exactly once per node, from the open path; the
// name is immutable afterwards.
func (g *Graph) assignNodeName(n *Node, nodeName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	generated := nodeName == ""
	if generated {
		nodeName = generateNodeName()
	} else if !nodeNameWellformed(nodeName) {
		return invalidErr(fmt.Sprintf("invalid node name %q", nodeName))
	}

	if _, exists := g.devices[nodeName]; exists {
		return &BlockError{Code: ErrAlreadyExists,
			Message: fmt.Sprintf("node name %q is conflicting with a device id", nodeName)}
	}
	if _, exists := g.byName[nodeName]; exists {
		return &BlockError{Code: ErrAlreadyExists,
			Message: fmt.Sprintf("duplicate node name %q", nodeName)}
	}

	n.name = nodeName
	g.byName[nodeName] = n
	g.nodes = append(g.nodes, n)
	return nil
}

// generateNodeName produces an anonymous node name. The "node-" prefix is
// not accepted from callers, so generated names cannot collide with
// user-assigned ones.
func generateNodeName() string {
	return "node-" + uuid.NewString()[:8]
}

// nodeNameWellformed accepts the names callers may assign: must not be
// empty, must not claim the generated namespace, and must be plain
// identifier-ish text.
func nodeNameWellformed(name string) bool {
	if name == "" || strings.HasPrefix(name, "node-") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// remove deletes a destroyed node from the registry.
func (g *Graph) remove(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n.name != "" {
		delete(g.byName, n.name)
	}
	if n.deviceName != "" {
		delete(g.devices, n.deviceName)
	}
	for i, e := range g.nodes {
		if e == n {
			g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
			break
		}
	}
}

// FindNode retrieves a node by node name.
func (g *Graph) FindNode(name string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.byName[name]
	if !ok {
		return nil, notFoundErr(fmt.Sprintf("node %q not found", name))
	}
	return n, nil
}

// Lookup resolves a reference that may be either a device name or a node
// name, in that order, the way the management layer addresses nodes.
func (g *Graph) Lookup(ref string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if n, ok := g.devices[ref]; ok {
		return n, nil
	}
	if n, ok := g.byName[ref]; ok {
		return n, nil
	}
	return nil, notFoundErr(fmt.Sprintf("cannot find device or node %q", ref))
}

// ListNodes returns every live node in creation order. The slice is a copy.
func (g *Graph) ListNodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// NamedNodes returns the names of all named nodes. The slice is a copy.
func (g *Graph) NamedNodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.byName))
	for name := range g.byName {
		names = append(names, name)
	}
	return names
}

// CountNodes returns the number of live nodes.
func (g *Graph) CountNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// ============================================================================
// Device-name namespace
// ============================================================================

// ClaimDevice records that an external device model owns the node under
// deviceName. Fails if the name collides with another device or any node
// name.
func (g *Graph) ClaimDevice(deviceName string, n *Node) error {
	if deviceName == "" {
		return invalidErr("cannot claim empty device name")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.devices[deviceName]; exists {
		return &BlockError{Code: ErrAlreadyExists,
			Message: fmt.Sprintf("device %q already exists", deviceName)}
	}
	if _, exists := g.byName[deviceName]; exists {
		return &BlockError{Code: ErrAlreadyExists,
			Message: fmt.Sprintf("device name %q is conflicting with a node name", deviceName)}
	}

	n.deviceName = deviceName
	g.devices[deviceName] = n
	return nil
}

// ReleaseDevice drops the device-name association, if any.
func (g *Graph) ReleaseDevice(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n.deviceName != "" {
		delete(g.devices, n.deviceName)
		n.deviceName = ""
	}
}

// moveDevice transfers device ownership from one node to another during
// chain rewiring.
func (g *Graph) moveDevice(from, to *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if from.deviceName == "" {
		return
	}
	to.deviceName = from.deviceName
	g.devices[to.deviceName] = to
	from.deviceName = ""
}

// ============================================================================
// Whole-graph operations
// ============================================================================

// CloseAll closes every node in the graph. Nodes stay registered (closing
// preserves identity); errors are logged and the sweep continues.
func (g *Graph) CloseAll() {
	for _, n := range g.ListNodes() {
		if !n.IsOpen() {
			continue
		}
		if err := n.Close(); err != nil {
			logger.Error("close of node %q failed: %v", n.Name(), err)
		}
	}
}

// CommitAll commits every node that has a backing file, stopping at the
// first failure.
func (g *Graph) CommitAll() error {
	for _, n := range g.ListNodes() {
		if n.IsOpen() && n.Backing() != nil {
			if err := Commit(n); err != nil {
				return err
			}
		}
	}
	return nil
}
