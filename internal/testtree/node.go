package testtree

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyAttached   = errors.New("node is already attached to a parent")
	ErrDuplicateID       = errors.New("a sibling with the same id already exists")
	ErrInvalidChildKind  = errors.New("invalid child kind for parent")
	ErrDisposed          = errors.New("node is disposed")
	ErrForeignNode       = errors.New("node was created by another tree")
	ErrNotFound          = errors.New("node not found")
	ErrResolveInProgress = errors.New("node is being resolved")
	ErrAlreadyResolved   = errors.New("node is already resolved, invalidate it first")
	ErrStaleTicket       = errors.New("resolve ticket is stale")
	ErrInvalidTransition = errors.New("invalid run state transition")
)

const ROOT_ID_PREFIX = "root:"

type Kind int

const (
	WorkspaceRootKind Kind = iota + 1
	FileKind
	CaseKind
)

func (k Kind) String() string {
	switch k {
	case WorkspaceRootKind:
		return "WorkspaceRoot"
	case FileKind:
		return "File"
	case CaseKind:
		return "Case"
	default:
		return "Unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for candidate := WorkspaceRootKind; candidate <= CaseKind; candidate++ {
		if candidate.String() == string(text) {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown node kind: %q", text)
}

// acceptsChild reports whether a node of kind k may own a node of kind child.
func (k Kind) acceptsChild(child Kind) bool {
	return (k == WorkspaceRootKind && child == FileKind) || (k == FileKind && child == CaseKind)
}

type Status int

const (
	Unresolved Status = iota
	Resolving
	Resolved
)

func (s Status) String() string {
	switch s {
	case Unresolved:
		return "Unresolved"
	case Resolving:
		return "Resolving"
	case Resolved:
		return "Resolved"
	default:
		return "Unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for candidate := Unresolved; candidate <= Resolved; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown resolution status: %q", text)
}

type RunState int

const (
	NotRun RunState = iota
	Queued
	Running
	Passed
	Failed
	Skipped
	Errored
)

func (s RunState) String() string {
	switch s {
	case NotRun:
		return "NotRun"
	case Queued:
		return "Queued"
	case Running:
		return "Running"
	case Passed:
		return "Passed"
	case Failed:
		return "Failed"
	case Skipped:
		return "Skipped"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RunState) UnmarshalText(text []byte) error {
	state, ok := ParseRunState(string(text))
	if !ok {
		return fmt.Errorf("unknown run state: %q", text)
	}
	*s = state
	return nil
}

func ParseRunState(s string) (RunState, bool) {
	for candidate := NotRun; candidate <= Errored; candidate++ {
		if candidate.String() == s {
			return candidate, true
		}
	}
	return 0, false
}

func (s RunState) IsTerminal() bool {
	return s >= Passed && s <= Errored
}

// Range is a 0-based inclusive line range.
type Range struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

type Location struct {
	File string `json:"file"`
	Line int    `json:"line"` //1-based
}

// A Message is the diagnostic attached to a case after a run. Expected and Actual are only meaningful
// if IsDiff is true.
type Message struct {
	Text     string    `json:"text"`
	IsDiff   bool      `json:"isDiff,omitempty"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// clone returns a deep copy of m, nil if m is nil.
func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	msg := *m
	if m.Location != nil {
		location := *m.Location
		msg.Location = &location
	}
	return &msg
}

type rootPayload struct {
	folder string
}

type filePayload struct {
	path string
}

type casePayload struct {
	file      string
	lineRange Range
}

// A Node is a workspace root, a test file or a test case. Nodes are created by a Tree and are
// attached at most once; all mutations go through the Tree so that its lock guards every node.
type Node struct {
	id    string
	label string
	kind  Kind
	tree  *Tree

	//only the payload matching kind is set.
	root  *rootPayload
	file  *filePayload
	tcase *casePayload

	//fields below are guarded by tree.lock.

	parent   *Node
	attached bool
	disposed bool
	children []*Node
	index    map[string]*Node

	status       Status
	generation   uint64
	resolveError string

	runState RunState
	duration time.Duration
	message  *Message
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Label() string {
	return n.label
}

func (n *Node) Kind() Kind {
	return n.kind
}

// SourcePath returns the folder of a workspace root, the path of a file or the file of a case.
func (n *Node) SourcePath() string {
	switch n.kind {
	case WorkspaceRootKind:
		return n.root.folder
	case FileKind:
		return n.file.path
	case CaseKind:
		return n.tcase.file
	}
	return ""
}

// Range returns the line range of a case, ok is false for other kinds.
func (n *Node) Range() (r Range, ok bool) {
	if n.kind != CaseKind {
		return Range{}, false
	}
	return n.tcase.lineRange, true
}

func (n *Node) Parent() *Node {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return n.parent
}

func (n *Node) Children() []*Node {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return append([]*Node(nil), n.children...)
}

func (n *Node) ChildCount() int {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return len(n.children)
}

func (n *Node) Status() Status {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return n.status
}

// ResolveError returns the message of the last failed resolution, it is cleared by a successful one.
func (n *Node) ResolveError() string {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return n.resolveError
}

func (n *Node) RunState() RunState {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return n.runState
}

func (n *Node) Duration() time.Duration {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return n.duration
}

func (n *Node) Message() *Message {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return n.message.clone()
}

func (n *Node) IsDisposed() bool {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return n.disposed
}

// FindDescendant searches the subtree of n breadth-first, n itself is not a candidate.
func (n *Node) FindDescendant(id string) (*Node, bool) {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()
	return n.findDescendantNoLock(id)
}

func (n *Node) findDescendantNoLock(id string) (*Node, bool) {
	queue := append([]*Node(nil), n.children...)

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

// Leaves returns the cases of n's subtree in order, n is returned if it is a case.
func (n *Node) Leaves() []*Node {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()

	var leaves []*Node
	var walk func(node *Node)
	walk = func(node *Node) {
		if node.kind == CaseKind {
			leaves = append(leaves, node)
			return
		}
		for _, child := range node.children {
			walk(child)
		}
	}
	walk(n)
	return leaves
}
