package block

import "fmt"

// OpKind enumerates the operation classes that can be blocked on a node
// while an incompatible operation is active.
type OpKind int

const (
	OpBackupSource OpKind = iota
	OpBackupTarget
	OpChange
	OpCommitSource
	OpCommitTarget
	OpEject
	OpExternalSnapshot
	OpInternalSnapshot
	OpInternalSnapshotDelete
	OpMirrorSource
	OpMirrorTarget
	OpReplace
	OpResize
	OpStream
	opKindMax
)

var opKindNames = map[OpKind]string{
	OpBackupSource:           "backup-source",
	OpBackupTarget:           "backup-target",
	OpChange:                 "change",
	OpCommitSource:           "commit-source",
	OpCommitTarget:           "commit-target",
	OpEject:                  "eject",
	OpExternalSnapshot:       "external-snapshot",
	OpInternalSnapshot:       "internal-snapshot",
	OpInternalSnapshotDelete: "internal-snapshot-delete",
	OpMirrorSource:           "mirror-source",
	OpMirrorTarget:           "mirror-target",
	OpReplace:                "replace",
	OpResize:                 "resize",
	OpStream:                 "stream",
}

func (k OpKind) String() string {
	if s, ok := opKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("op-%d", int(k))
}

// Reason is a blocker token. Blockers are matched by token identity, not
// by message text, so the same message blocked twice needs two unblocks of
// the same tokens.
type Reason struct {
	msg string
}

// NewReason creates a blocker token carrying a human-readable explanation.
func NewReason(msg string) *Reason {
	return &Reason{msg: msg}
}

func (r *Reason) String() string { return r.msg }

// Block installs a blocker for one operation kind. The same token may be
// installed multiple times.
func (n *Node) Block(op OpKind, reason *Reason) {
	n.blockers[op] = append(n.blockers[op], reason)
}

// Unblock removes every installation of reason for the operation kind.
// Other tokens, including ones carrying the same message, stay in place.
func (n *Node) Unblock(op OpKind, reason *Reason) {
	list := n.blockers[op]
	out := list[:0]
	for _, r := range list {
		if r != reason {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		delete(n.blockers, op)
	} else {
		n.blockers[op] = out
	}
}

// BlockAll installs a blocker for every operation kind.
func (n *Node) BlockAll(reason *Reason) {
	for op := OpKind(0); op < opKindMax; op++ {
		n.Block(op, reason)
	}
}

// UnblockAll removes a blocker from every operation kind.
func (n *Node) UnblockAll(reason *Reason) {
	for op := OpKind(0); op < opKindMax; op++ {
		n.Unblock(op, reason)
	}
}

// IsBlocked reports whether the operation kind is currently blocked,
// returning a busy error naming the node and the first blocking reason.
func (n *Node) IsBlocked(op OpKind) error {
	if list := n.blockers[op]; len(list) > 0 {
		return busyErr(n.DeviceOrNodeName(),
			fmt.Sprintf("node is busy: %s", list[0].msg))
	}
	return nil
}

// blockerSetEmpty reports whether no blocker remains on any operation kind.
func (n *Node) blockerSetEmpty() bool {
	for _, list := range n.blockers {
		if len(list) > 0 {
			return false
		}
	}
	return true
}
