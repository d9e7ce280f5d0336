package testtree

import (
	"fmt"
	"slices"
	"sync"
)

// A Tree owns workspace roots and their subtrees. A single lock guards every node of the tree so
// that observers never see a parent whose child set disagrees with a child's parent pointer.
type Tree struct {
	lock  sync.RWMutex
	roots []*Node

	//guards the fields below, never held while a subscriber is called. pending is appended to
	//while lock is held so it is in mutation order.
	notifyLock       sync.Mutex
	pending          []Change
	delivering       bool
	subscribers      map[int]func(Change)
	nextSubscriberID int
}

func NewTree() *Tree {
	return &Tree{
		subscribers: map[int]func(Change){},
	}
}

// NewWorkspaceRoot creates a detached root for a workspace folder, its id is "root:" + folder.
func (t *Tree) NewWorkspaceRoot(folder, label string) *Node {
	return &Node{
		id:    ROOT_ID_PREFIX + folder,
		label: label,
		kind:  WorkspaceRootKind,
		tree:  t,
		root:  &rootPayload{folder: folder},
	}
}

// NewFileNode creates a detached file node whose id is the path of the file.
func (t *Tree) NewFileNode(path, label string) *Node {
	return &Node{
		id:    path,
		label: label,
		kind:  FileKind,
		tree:  t,
		file:  &filePayload{path: path},
	}
}

func (t *Tree) NewCaseNode(id, label, file string, lineRange Range) *Node {
	return &Node{
		id:    id,
		label: label,
		kind:  CaseKind,
		tree:  t,
		tcase: &casePayload{file: file, lineRange: lineRange},
	}
}

func (t *Tree) Roots() []*Node {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return append([]*Node(nil), t.roots...)
}

// Find searches all roots and their subtrees breadth-first.
func (t *Tree) Find(id string) (*Node, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	queue := append([]*Node(nil), t.roots...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.id == id {
			return current, true
		}
		queue = append(queue, current.children...)
	}
	return nil, false
}

func (t *Tree) AddRoot(root *Node) error {
	return t.mutate(func() ([]Change, error) {
		if err := t.checkAttachable(root); err != nil {
			return nil, err
		}
		if root.kind != WorkspaceRootKind {
			return nil, fmt.Errorf("%w: %s cannot be a root", ErrInvalidChildKind, root.kind)
		}
		for _, existing := range t.roots {
			if existing.id == root.id {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateID, root.id)
			}
		}

		root.attached = true
		t.roots = append(t.roots, root)
		return []Change{{Kind: NodeAdded, NodeID: root.id}}, nil
	})
}

// RemoveRoot detaches the root with the given id and disposes its subtree.
func (t *Tree) RemoveRoot(id string) (*Node, error) {
	var removed *Node

	err := t.mutate(func() ([]Change, error) {
		for i, root := range t.roots {
			if root.id == id {
				removed = root
				t.roots = append(t.roots[:i:i], t.roots[i+1:]...)
				dispose(root)
				return []Change{{Kind: NodeRemoved, NodeID: id}}, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	})
	return removed, err
}

// AddChild appends child to parent's children. A node can only be attached once, even after having
// been removed.
func (t *Tree) AddChild(parent, child *Node) error {
	return t.mutate(func() ([]Change, error) {
		if parent.tree != t {
			return nil, ErrForeignNode
		}
		if parent.disposed {
			return nil, fmt.Errorf("%w: %s", ErrDisposed, parent.id)
		}
		if err := t.checkAttachable(child); err != nil {
			return nil, err
		}
		if !parent.kind.acceptsChild(child.kind) {
			return nil, fmt.Errorf("%w: %s cannot contain %s", ErrInvalidChildKind, parent.kind, child.kind)
		}
		if _, ok := parent.index[child.id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, child.id)
		}

		attach(parent, child)
		return []Change{{Kind: NodeAdded, NodeID: child.id, ParentID: parent.id}}, nil
	})
}

// RemoveChild detaches the child with the given id and disposes its subtree.
func (t *Tree) RemoveChild(parent *Node, id string) (*Node, error) {
	var removed *Node

	err := t.mutate(func() ([]Change, error) {
		child, ok := parent.index[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		removed = child

		detach(parent, child)
		dispose(child)
		return []Change{{Kind: NodeRemoved, NodeID: id, ParentID: parent.id}}, nil
	})
	return removed, err
}

// ReplaceChildren atomically replaces the children of parent, the previous children are disposed.
// Nothing is changed if any of the new children cannot be attached.
func (t *Tree) ReplaceChildren(parent *Node, children []*Node) error {
	return t.mutate(func() ([]Change, error) {
		if err := t.replaceChildrenNoLock(parent, children); err != nil {
			return nil, err
		}
		return []Change{{Kind: ChildrenReplaced, NodeID: parent.id}}, nil
	})
}

func (t *Tree) replaceChildrenNoLock(parent *Node, children []*Node) error {
	if parent.tree != t {
		return ErrForeignNode
	}
	if parent.disposed {
		return fmt.Errorf("%w: %s", ErrDisposed, parent.id)
	}

	ids := make(map[string]struct{}, len(children))
	for _, child := range children {
		if err := t.checkAttachable(child); err != nil {
			return err
		}
		if !parent.kind.acceptsChild(child.kind) {
			return fmt.Errorf("%w: %s cannot contain %s", ErrInvalidChildKind, parent.kind, child.kind)
		}
		if _, ok := ids[child.id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, child.id)
		}
		ids[child.id] = struct{}{}
	}

	clearChildren(parent)
	for _, child := range children {
		attach(parent, child)
	}
	return nil
}

func (t *Tree) checkAttachable(node *Node) error {
	switch {
	case node.tree != t:
		return ErrForeignNode
	case node.disposed:
		return fmt.Errorf("%w: %s", ErrDisposed, node.id)
	case node.attached:
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, node.id)
	}
	return nil
}

// mutate runs fn with the write lock held, queues the returned changes and delivers them once the
// lock is released.
func (t *Tree) mutate(fn func() ([]Change, error)) error {
	t.lock.Lock()
	changes, err := fn()
	if len(changes) > 0 {
		t.notifyLock.Lock()
		t.pending = append(t.pending, changes...)
		t.notifyLock.Unlock()
	}
	t.lock.Unlock()

	t.deliverPending()
	return err
}

// deliverPending calls the subscribers with the queued changes. Only one goroutine delivers at a time,
// if another one is already delivering it also delivers the changes queued by the caller.
func (t *Tree) deliverPending() {
	t.notifyLock.Lock()
	if t.delivering {
		t.notifyLock.Unlock()
		return
	}
	t.delivering = true

	for len(t.pending) > 0 {
		changes := t.pending
		t.pending = nil

		subscribers := make([]func(Change), 0, len(t.subscribers))
		for _, id := range t.sortedSubscriberIDs() {
			subscribers = append(subscribers, t.subscribers[id])
		}
		t.notifyLock.Unlock()

		for _, change := range changes {
			for _, subscriber := range subscribers {
				subscriber(change)
			}
		}

		t.notifyLock.Lock()
	}

	t.delivering = false
	t.notifyLock.Unlock()
}

func (t *Tree) sortedSubscriberIDs() []int {
	ids := make([]int, 0, len(t.subscribers))
	for id := range t.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func attach(parent, child *Node) {
	if parent.index == nil {
		parent.index = map[string]*Node{}
	}
	child.parent = parent
	child.attached = true
	parent.children = append(parent.children, child)
	parent.index[child.id] = child
}

func detach(parent, child *Node) {
	for i, c := range parent.children {
		if c == child {
			parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
			break
		}
	}
	delete(parent.index, child.id)
	child.parent = nil
}

func clearChildren(parent *Node) {
	for _, child := range parent.children {
		child.parent = nil
		dispose(child)
	}
	parent.children = nil
	parent.index = nil
}

func dispose(node *Node) {
	node.disposed = true
	node.generation++
	clearChildren(node)
}
