package testtree

import "fmt"

// A Ticket identifies one resolution attempt of a node. Invalidating, aborting or disposing the node
// makes the ticket stale: committing a stale ticket is rejected, so the results of a superseded
// resolution are never applied.
type Ticket struct {
	node       *Node
	generation uint64
}

func (t Ticket) Node() *Node {
	return t.node
}

// BeginResolve moves n from Unresolved to Resolving. A resolved node has to be invalidated first.
func (t *Tree) BeginResolve(n *Node) (Ticket, error) {
	var ticket Ticket

	err := t.mutate(func() ([]Change, error) {
		if n.tree != t {
			return nil, ErrForeignNode
		}
		if n.disposed {
			return nil, fmt.Errorf("%w: %s", ErrDisposed, n.id)
		}
		if n.kind == CaseKind {
			return nil, fmt.Errorf("%w: cases have no children to resolve", ErrInvalidChildKind)
		}

		switch n.status {
		case Resolving:
			return nil, fmt.Errorf("%w: %s", ErrResolveInProgress, n.id)
		case Resolved:
			return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, n.id)
		}

		n.generation++
		n.status = Resolving
		ticket = Ticket{node: n, generation: n.generation}
		return []Change{statusChange(n)}, nil
	})
	return ticket, err
}

// IsCurrent reports whether ticket can still be committed.
func (t *Tree) IsCurrent(ticket Ticket) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return isCurrent(ticket)
}

// CommitResolve atomically replaces the children of the ticket's node and marks it Resolved.
func (t *Tree) CommitResolve(ticket Ticket, children []*Node) error {
	return t.mutate(func() ([]Change, error) {
		if !isCurrent(ticket) {
			return nil, fmt.Errorf("%w: %s", ErrStaleTicket, ticket.node.id)
		}
		n := ticket.node

		if err := t.replaceChildrenNoLock(n, children); err != nil {
			return nil, err
		}
		n.status = Resolved
		n.resolveError = ""

		return []Change{{Kind: ChildrenReplaced, NodeID: n.id}, statusChange(n)}, nil
	})
}

// AbortResolve moves the ticket's node back to Unresolved with no children. errMsg is kept as the
// node's resolve error, it can be empty for a cancellation.
func (t *Tree) AbortResolve(ticket Ticket, errMsg string) error {
	return t.mutate(func() ([]Change, error) {
		if !isCurrent(ticket) {
			return nil, fmt.Errorf("%w: %s", ErrStaleTicket, ticket.node.id)
		}
		n := ticket.node

		n.generation++
		n.status = Unresolved
		n.resolveError = errMsg
		hadChildren := len(n.children) > 0
		clearChildren(n)

		changes := []Change{statusChange(n)}
		if hadChildren {
			changes = append(changes, Change{Kind: ChildrenReplaced, NodeID: n.id})
		}
		return changes, nil
	})
}

// Invalidate moves n back to Unresolved and disposes its children, the next resolution rediscovers
// them. Any resolution in progress becomes stale. Invalidating a disposed node does nothing.
func (t *Tree) Invalidate(n *Node) error {
	return t.mutate(func() ([]Change, error) {
		if n.tree != t {
			return nil, ErrForeignNode
		}
		if n.disposed || n.kind == CaseKind {
			return nil, nil
		}

		wasUnresolved := n.status == Unresolved && len(n.children) == 0
		n.generation++
		n.status = Unresolved
		n.resolveError = ""
		clearChildren(n)

		if wasUnresolved {
			return nil, nil
		}
		return []Change{{Kind: ChildrenReplaced, NodeID: n.id}, statusChange(n)}, nil
	})
}

func isCurrent(ticket Ticket) bool {
	n := ticket.node
	return n != nil && !n.disposed && n.status == Resolving && n.generation == ticket.generation
}

func statusChange(n *Node) Change {
	return Change{Kind: StatusChanged, NodeID: n.id, Status: n.status}
}
