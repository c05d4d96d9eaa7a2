package common

import (
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
)

// Tree is a point in time snapshot of a document, as returned by a pierced
// DOM.getDocument. Generation increases with every snapshot of a Tab, so
// an Element can tell whether its snapshot is still the current one.
type Tree struct {
	Root       *cdp.Node
	Generation uint64
	Fetched    time.Time

	byID      map[cdp.NodeID]*cdp.Node
	byBackend map[cdp.BackendNodeID]*cdp.Node
	parents   map[cdp.NodeID]*cdp.Node
}

// NewTree indexes root. Content documents of frames and shadow roots are
// children of their owner node.
func NewTree(root *cdp.Node, generation uint64) *Tree {
	t := &Tree{
		Root:       root,
		Generation: generation,
		Fetched:    time.Now(),
		byID:       make(map[cdp.NodeID]*cdp.Node),
		byBackend:  make(map[cdp.BackendNodeID]*cdp.Node),
		parents:    make(map[cdp.NodeID]*cdp.Node),
	}
	if root != nil {
		t.index(root, nil)
	}
	return t
}

func (t *Tree) index(n, parent *cdp.Node) {
	t.byID[n.NodeID] = n
	if _, ok := t.byBackend[n.BackendNodeID]; !ok {
		t.byBackend[n.BackendNodeID] = n
	}
	if parent != nil {
		t.parents[n.NodeID] = parent
	}
	for _, c := range subNodes(n) {
		t.index(c, n)
	}
}

func subNodes(n *cdp.Node) []*cdp.Node {
	nodes := make([]*cdp.Node, 0, len(n.Children)+len(n.ShadowRoots)+1)
	nodes = append(nodes, n.ShadowRoots...)
	if n.ContentDocument != nil {
		nodes = append(nodes, n.ContentDocument)
	}
	if n.TemplateContent != nil {
		nodes = append(nodes, n.TemplateContent)
	}
	return append(nodes, n.Children...)
}

// Node returns the node with id.
func (t *Tree) Node(id cdp.NodeID) *cdp.Node { return t.byID[id] }

// NodeByBackendID returns the node with the backend id.
func (t *Tree) NodeByBackendID(id cdp.BackendNodeID) *cdp.Node { return t.byBackend[id] }

// Parent returns the parent of n in the snapshot.
func (t *Tree) Parent(n *cdp.Node) *cdp.Node {
	if p := t.parents[n.NodeID]; p != nil {
		return p
	}
	return t.byID[n.ParentID]
}

// Len returns the number of nodes.
func (t *Tree) Len() int { return len(t.byID) }

// Walk calls fn for n and its descendants, depth first, until fn returns
// false.
func Walk(n *cdp.Node, fn func(*cdp.Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, c := range subNodes(n) {
		if !Walk(c, fn) {
			return false
		}
	}
	return true
}

// FindAll returns the nodes under root matching pred, in document order.
func FindAll(root *cdp.Node, pred func(*cdp.Node) bool) []*cdp.Node {
	var nodes []*cdp.Node
	Walk(root, func(n *cdp.Node) bool {
		if pred(n) {
			nodes = append(nodes, n)
		}
		return true
	})
	return nodes
}

// FindFirst returns the first node under root matching pred.
func FindFirst(root *cdp.Node, pred func(*cdp.Node) bool) *cdp.Node {
	var found *cdp.Node
	Walk(root, func(n *cdp.Node) bool {
		if pred(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

func isTextNode(n *cdp.Node) bool { return n.NodeType == cdp.NodeTypeText }

func isFrame(n *cdp.Node) bool {
	return strings.EqualFold(n.NodeName, "IFRAME") || strings.EqualFold(n.NodeName, "FRAME")
}

// textOf joins the values of the text nodes under n.
func textOf(n *cdp.Node, sep string) string {
	var parts []string
	Walk(n, func(c *cdp.Node) bool {
		if isTextNode(c) && strings.TrimSpace(c.NodeValue) != "" {
			parts = append(parts, c.NodeValue)
		}
		return true
	})
	return strings.Join(parts, sep)
}
