package testtree

import (
	"fmt"
	"time"
)

// SetRunState moves a case to Queued, Running or back to NotRun. Queued is accepted from any state
// but Queued and Running; Running only from Queued. Entering Queued clears the previous result.
// Terminal states are set with SetResult.
func (t *Tree) SetRunState(n *Node, state RunState) error {
	if state.IsTerminal() {
		return t.SetResult(n, state, 0, nil)
	}

	return t.mutate(func() ([]Change, error) {
		if err := t.checkRunnable(n); err != nil {
			return nil, err
		}

		switch state {
		case Queued:
			if n.runState == Queued || n.runState == Running {
				return nil, invalidTransition(n, state)
			}
			n.duration = 0
			n.message = nil
		case Running:
			if n.runState != Queued {
				return nil, invalidTransition(n, state)
			}
		case NotRun:
		default:
			return nil, invalidTransition(n, state)
		}

		if n.runState == state {
			return nil, nil
		}
		n.runState = state
		return []Change{runStateChange(n)}, nil
	})
}

// SetResult moves a running case to a terminal state. msg can be nil.
func (t *Tree) SetResult(n *Node, state RunState, duration time.Duration, msg *Message) error {
	return t.mutate(func() ([]Change, error) {
		if err := t.checkRunnable(n); err != nil {
			return nil, err
		}
		if !state.IsTerminal() || n.runState != Running {
			return nil, invalidTransition(n, state)
		}

		if duration < 0 {
			duration = 0
		}

		n.runState = state
		n.duration = duration
		n.message = msg.clone()
		return []Change{runStateChange(n)}, nil
	})
}

func (t *Tree) checkRunnable(n *Node) error {
	switch {
	case n.tree != t:
		return ErrForeignNode
	case n.disposed:
		return fmt.Errorf("%w: %s", ErrDisposed, n.id)
	case n.kind != CaseKind:
		return fmt.Errorf("%w: only cases have a run state, %s is a %s", ErrInvalidTransition, n.id, n.kind)
	}
	return nil
}

func invalidTransition(n *Node, to RunState) error {
	return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, n.runState, to, n.id)
}

func runStateChange(n *Node) Change {
	return Change{Kind: RunStateChanged, NodeID: n.id, RunState: n.runState}
}

// RevertRunState moves a case back to NotRun from any state, msg explains why the run did not complete
// and can be nil.
func (t *Tree) RevertRunState(n *Node, msg *Message) error {
	return t.mutate(func() ([]Change, error) {
		if err := t.checkRunnable(n); err != nil {
			return nil, err
		}

		n.runState = NotRun
		n.duration = 0
		n.message = msg.clone()
		return []Change{runStateChange(n)}, nil
	})
}
