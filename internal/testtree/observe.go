package testtree

import "time"

type ChangeKind int

const (
	NodeAdded ChangeKind = iota + 1
	NodeRemoved
	ChildrenReplaced
	StatusChanged
	RunStateChanged
)

func (k ChangeKind) String() string {
	switch k {
	case NodeAdded:
		return "NodeAdded"
	case NodeRemoved:
		return "NodeRemoved"
	case ChildrenReplaced:
		return "ChildrenReplaced"
	case StatusChanged:
		return "StatusChanged"
	case RunStateChanged:
		return "RunStateChanged"
	default:
		return "Unknown"
	}
}

// A Change describes a mutation of the tree. ParentID is only set for NodeAdded and NodeRemoved
// (empty for roots), Status for StatusChanged and RunState for RunStateChanged.
type Change struct {
	Kind     ChangeKind
	NodeID   string
	ParentID string
	Status   Status
	RunState RunState
}

// Subscribe registers fn, it is called after every mutation with the tree lock released, in mutation
// order. fn may read the tree but must not modify it. Calls are never concurrent: when several goroutines
// mutate the tree, fn may be called by any of them, possibly after the mutation returned. The returned
// function unregisters fn, changes already being delivered may still reach it.
func (t *Tree) Subscribe(fn func(Change)) (unsubscribe func()) {
	t.notifyLock.Lock()
	defer t.notifyLock.Unlock()

	id := t.nextSubscriberID
	t.nextSubscriberID++
	t.subscribers[id] = fn

	return func() {
		t.notifyLock.Lock()
		defer t.notifyLock.Unlock()
		delete(t.subscribers, id)
	}
}

// A NodeSnapshot is an immutable deep copy of a node.
type NodeSnapshot struct {
	ID           string         `json:"id"`
	Label        string         `json:"label"`
	Kind         Kind           `json:"kind"`
	SourcePath   string         `json:"sourcePath,omitempty"`
	Range        *Range         `json:"range,omitempty"`
	Status       Status         `json:"status"`
	ResolveError string         `json:"resolveError,omitempty"`
	RunState     RunState       `json:"runState"`
	Duration     time.Duration  `json:"duration,omitempty"`
	Message      *Message       `json:"message,omitempty"`
	Children     []NodeSnapshot `json:"children,omitempty"`
}

// Snapshot returns a copy of all roots taken under a single read lock.
func (t *Tree) Snapshot() []NodeSnapshot {
	t.lock.RLock()
	defer t.lock.RUnlock()

	snapshots := make([]NodeSnapshot, 0, len(t.roots))
	for _, root := range t.roots {
		snapshots = append(snapshots, snapshotNoLock(root))
	}
	return snapshots
}

// SnapshotNode returns a copy of n and its subtree.
func (t *Tree) SnapshotNode(n *Node) NodeSnapshot {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return snapshotNoLock(n)
}

func snapshotNoLock(n *Node) NodeSnapshot {
	snapshot := NodeSnapshot{
		ID:           n.id,
		Label:        n.label,
		Kind:         n.kind,
		SourcePath:   n.SourcePath(),
		Status:       n.status,
		ResolveError: n.resolveError,
		RunState:     n.runState,
		Duration:     n.duration,
	}

	if r, ok := n.Range(); ok {
		snapshot.Range = &r
	}
	snapshot.Message = n.message.clone()

	for _, child := range n.children {
		snapshot.Children = append(snapshot.Children, snapshotNoLock(child))
	}
	return snapshot
}

// Walk calls fn for every node of the snapshot in depth-first order.
func (s NodeSnapshot) Walk(fn func(node NodeSnapshot, depth int)) {
	s.walk(fn, 0)
}

func (s NodeSnapshot) walk(fn func(node NodeSnapshot, depth int), depth int) {
	fn(s, depth)
	for _, child := range s.Children {
		child.walk(fn, depth+1)
	}
}
