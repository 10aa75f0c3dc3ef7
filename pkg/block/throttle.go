package block

import (
	"context"

	"github.com/marmos91/dittovd/internal/ratelimiter"
)

// A throttle group imposes a shared I/O rate on its member nodes. Every
// member draws request tokens from the same bucket, so the configured
// rate caps their combined traffic rather than each node's own.
type throttleGroup struct {
	limiter *ratelimiter.RateLimiter
	members int
}

// SetThrottleGroup places the node in the named throttle group, creating
// the group at the given sustained rate when it does not exist yet.
// Joining an existing group keeps the group's original rate. An empty
// name detaches the node from its current group.
func (n *Node) SetThrottleGroup(name string, iops uint) error {
	if name != "" && iops == 0 {
		return &BlockError{Code: ErrInvalidArgument,
			Message: "throttle group needs a sustained rate",
			Node:    n.DeviceOrNodeName()}
	}

	g := n.g
	g.throttleMu.Lock()
	defer g.throttleMu.Unlock()

	g.detachThrottleLocked(n)
	if name == "" {
		return nil
	}

	if g.throttles == nil {
		g.throttles = make(map[string]*throttleGroup)
	}
	tg := g.throttles[name]
	if tg == nil {
		tg = &throttleGroup{limiter: ratelimiter.New(iops, 2*iops)}
		g.throttles[name] = tg
	}
	tg.members++

	n.ioMu.Lock()
	n.throttleGroup = name
	n.limiter = tg.limiter
	n.ioMu.Unlock()
	return nil
}

// ThrottleGroup returns the name of the node's throttle group, or "".
func (n *Node) ThrottleGroup() string { return n.throttleGroup }

// detachThrottle drops the node's group membership, releasing the group
// once its last member leaves.
func (n *Node) detachThrottle() {
	g := n.g
	g.throttleMu.Lock()
	g.detachThrottleLocked(n)
	g.throttleMu.Unlock()
}

func (g *Graph) detachThrottleLocked(n *Node) {
	if n.throttleGroup == "" {
		return
	}
	if tg := g.throttles[n.throttleGroup]; tg != nil {
		tg.members--
		if tg.members == 0 {
			delete(g.throttles, n.throttleGroup)
		}
	}
	n.ioMu.Lock()
	n.throttleGroup = ""
	n.limiter = nil
	n.ioMu.Unlock()
}

// throttleWait blocks the request until the group grants a token.
// Guest I/O has no cancellation point, so the wait is uninterruptible.
func (n *Node) throttleWait() {
	n.ioMu.Lock()
	l := n.limiter
	n.ioMu.Unlock()
	if l != nil {
		_ = l.Wait(context.Background())
	}
}
