package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"

	"github.com/grafana/cdpdriver/api"
	"github.com/grafana/cdpdriver/common/js"
	"github.com/grafana/cdpdriver/log"
)

var _ api.Element = &Element{}

// Element is one DOM node of a document snapshot of a Tab.
//
// Parent and Children are resolved in the snapshot the element was built
// from. The element does not follow changes of the page: IsStale tells
// whether a newer snapshot exists and Update moves the element into one.
type Element struct {
	tab    *Tab
	logger *log.Logger

	mu     sync.RWMutex
	node   *cdp.Node
	tree   *Tree
	attrs  *Attributes
	remote *runtime.RemoteObject
}

// NewElement wraps node of tree. A nil tree means the last snapshot of the
// tab.
func NewElement(node *cdp.Node, tab *Tab, tree *Tree) (*Element, error) {
	if node == nil {
		return nil, ErrNilNode
	}
	if tab == nil {
		return nil, errors.New("element tab is nil")
	}
	if tree == nil {
		tree = tab.CurrentSnapshot()
	}
	if tree == nil {
		tree = NewTree(node, tab.Generation())
	}

	return &Element{
		tab:    tab,
		logger: tab.logger,
		node:   node,
		tree:   tree,
		attrs:  NewAttributes(node.Attributes),
	}, nil
}

// Node returns the snapshot node of the element.
func (e *Element) Node() *cdp.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.node
}

// Tree returns the snapshot the element belongs to.
func (e *Element) Tree() *Tree {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tree
}

// Tab returns the tab of the element.
func (e *Element) Tab() *Tab { return e.tab }

// NodeID returns the node id, valid within the snapshot only.
func (e *Element) NodeID() cdp.NodeID { return e.Node().NodeID }

// BackendNodeID returns the node id that is stable across snapshots.
func (e *Element) BackendNodeID() cdp.BackendNodeID { return e.Node().BackendNodeID }

// NodeName returns the node name, e.g. "DIV".
func (e *Element) NodeName() string { return e.Node().NodeName }

// TagName returns the lower case tag name.
func (e *Element) TagName() string { return strings.ToLower(e.Node().NodeName) }

// NodeType returns the DOM node type.
func (e *Element) NodeType() cdp.NodeType { return e.Node().NodeType }

// NodeValue returns the node value.
func (e *Element) NodeValue() string { return e.Node().NodeValue }

// Attrs returns the attributes of the element in document order.
func (e *Element) Attrs() *Attributes {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attrs
}

// Attr returns the value of attribute name, or "".
func (e *Element) Attr(name string) string { return e.Attrs().Value(name) }

// IsStale reports whether the tab fetched a newer snapshot or the document
// changed since the element's snapshot.
func (e *Element) IsStale() bool {
	return e.Tree().Generation != e.tab.Generation()
}

func (e *Element) String() string {
	n := e.Node()
	if n.NodeType != cdp.NodeTypeElement {
		return fmt.Sprintf("%s %q", n.NodeName, n.NodeValue)
	}
	tag := strings.ToLower(n.NodeName)
	if attrs := e.Attrs().String(); attrs != "" {
		return "<" + tag + " " + attrs + ">"
	}
	return "<" + tag + ">"
}

// Update moves the element into tree, or into a newly fetched snapshot
// when tree is nil. The node is located by its backend id, the remote
// object and the attributes are resolved again.
func (e *Element) Update(ctx context.Context, tree *Tree) error {
	if tree == nil {
		var err error
		if tree, err = e.tab.Document(ctx); err != nil {
			return err
		}
	}

	backendID := e.BackendNodeID()
	node := tree.NodeByBackendID(backendID)
	if node == nil {
		return fmt.Errorf("updating %s (backend node %d): %w", e, backendID, ErrElementNotFound)
	}
	remote, err := e.tab.dom.ResolveNode(ctx, backendID)
	if err != nil {
		return err //nolint:wrapcheck
	}

	e.mu.Lock()
	e.node = node
	e.tree = tree
	e.remote = remote
	e.attrs = NewAttributes(node.Attributes)
	e.mu.Unlock()

	return nil
}

// Parent returns the parent element in the snapshot, or nil. The parent
// of a frame's document root is the frame.
func (e *Element) Parent() *Element {
	tree, n := e.Tree(), e.Node()

	p := tree.Node(n.ParentID)
	if p == nil {
		p = tree.Parent(n)
	}
	if p == nil {
		return nil
	}
	el, _ := NewElement(p, e.tab, tree)
	return el
}

// Children returns the child elements in the snapshot. The children of a
// frame are those of its content document.
func (e *Element) Children() []*Element {
	tree, n := e.Tree(), e.Node()

	nodes := n.Children
	if isFrame(n) && n.ContentDocument != nil {
		nodes = n.ContentDocument.Children
	}
	children := make([]*Element, 0, len(nodes))
	for _, c := range nodes {
		if el, err := NewElement(c, e.tab, tree); err == nil {
			children = append(children, el)
		}
	}
	return children
}

// QuerySelector returns the first element under e matching selector, or
// nil.
func (e *Element) QuerySelector(ctx context.Context, selector string) (*Element, error) {
	return e.tab.QuerySelector(ctx, selector, e)
}

// QuerySelectorAll returns the elements under e matching selector.
func (e *Element) QuerySelectorAll(ctx context.Context, selector string) ([]*Element, error) {
	return e.tab.QuerySelectorAll(ctx, selector, e)
}

// objectID returns the remote object of the element, resolving it on first
// use.
func (e *Element) objectID(ctx context.Context) (runtime.RemoteObjectID, error) {
	e.mu.RLock()
	remote, backendID := e.remote, e.node.BackendNodeID
	e.mu.RUnlock()
	if remote != nil && remote.ObjectID != "" {
		return remote.ObjectID, nil
	}

	remote, err := e.tab.dom.ResolveNode(ctx, backendID)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	if remote == nil || remote.ObjectID == "" {
		return "", fmt.Errorf("resolving %s: no remote object", e)
	}
	e.mu.Lock()
	e.remote = remote
	e.mu.Unlock()

	return remote.ObjectID, nil
}

// Apply calls the function expression fn with the element as its argument
// and returns the JSON decoded result. Promises are awaited.
//
//	v, err := el.Apply(ctx, `(el) => el.getBoundingClientRect().width`)
func (e *Element) Apply(ctx context.Context, fn string) (any, error) {
	var v any
	if err := e.ApplyInto(ctx, fn, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ApplyArgs is Apply with more arguments after the element. args are
// encoded as JSON.
func (e *Element) ApplyArgs(ctx context.Context, fn string, args ...any) (any, error) {
	var v any
	if err := e.ApplyInto(ctx, fn, &v, args...); err != nil {
		return nil, err
	}
	return v, nil
}

// ApplyInto calls fn with the element and args and decodes the result into
// out, which may be nil. A thrown exception is returned as a *JSError.
func (e *Element) ApplyInto(ctx context.Context, fn string, out any, args ...any) error {
	id, err := e.objectID(ctx)
	if err != nil {
		return err
	}

	raw := make([]easyjson.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding argument of %s: %w", e, err)
		}
		raw = append(raw, b)
	}

	obj, exc, err := e.tab.runtime.CallFunctionOn(ctx, id, fn, true, raw...)
	if err != nil {
		return err //nolint:wrapcheck
	}
	if exc != nil {
		return newJSError(exc)
	}
	return decodeRemoteValue(obj, out)
}

// Call calls the zero argument method of the element, e.g. "click" or
// "blur", and returns its result.
func (e *Element) Call(ctx context.Context, method string) (any, error) {
	name, err := json.Marshal(method)
	if err != nil {
		return nil, fmt.Errorf("encoding method name: %w", err)
	}
	return e.Apply(ctx, fmt.Sprintf("(el) => el[%s]()", name))
}

// Click clicks the element from JavaScript.
func (e *Element) Click(ctx context.Context) error {
	if err := e.ApplyInto(ctx, "(el) => el.click()", nil); err != nil {
		return fmt.Errorf("clicking %s: %w", e, err)
	}
	e.flash(ctx)
	return nil
}

// ClickAsync clicks the element without waiting for the click to return,
// for clicks that open a dialog. The error of the click is sent on the
// returned channel.
func (e *Element) ClickAsync(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- e.Click(ctx) }()
	return errc
}

// Focus focuses the element.
func (e *Element) Focus(ctx context.Context) error {
	return e.tab.dom.Focus(ctx, e.BackendNodeID()) //nolint:wrapcheck
}

// SelectOption selects the element, which must be an <option>, in its
// <select>.
func (e *Element) SelectOption(ctx context.Context) error {
	if err := e.ApplyInto(ctx, js.SelectOptionScript, nil); err != nil {
		return fmt.Errorf("selecting %s: %w", e, err)
	}
	return nil
}

// SetValue sets the value of a form control and fires its input and change
// events.
func (e *Element) SetValue(ctx context.Context, value string) error {
	if err := e.ApplyInto(ctx, js.SetValueScript, nil, value); err != nil {
		return fmt.Errorf("setting value of %s: %w", e, err)
	}
	return nil
}

// Clear empties the value of a form control.
func (e *Element) Clear(ctx context.Context) error {
	return e.SetValue(ctx, "")
}

// ScrollIntoView scrolls the element into view if needed.
func (e *Element) ScrollIntoView(ctx context.Context) error {
	return e.tab.dom.ScrollIntoView(ctx, e.BackendNodeID()) //nolint:wrapcheck
}

// OuterHTML returns the current markup of the element from the page.
func (e *Element) OuterHTML(ctx context.Context) (string, error) {
	return e.tab.dom.GetOuterHTML(ctx, e.BackendNodeID()) //nolint:wrapcheck
}

// Text returns the first non blank text of the element. Form controls
// return their current value.
func (e *Element) Text() string {
	n := e.Node()
	if v, ok := e.controlText(n); ok {
		return v
	}

	var text string
	Walk(n, func(c *cdp.Node) bool {
		if isTextNode(c) && strings.TrimSpace(c.NodeValue) != "" {
			text = strings.TrimSpace(c.NodeValue)
			return false
		}
		return true
	})
	return text
}

// TextAll returns all texts under the element joined by spaces. Form
// controls return their current value.
func (e *Element) TextAll() string {
	n := e.Node()
	if v, ok := e.controlText(n); ok {
		return v
	}
	return strings.TrimSpace(textOf(n, " "))
}

// controlText reads the value of input and textarea nodes, which is kept
// in their user agent shadow root and not in child text nodes.
func (e *Element) controlText(n *cdp.Node) (string, bool) {
	switch strings.ToLower(n.NodeName) {
	case "input", "textarea":
	default:
		return "", false
	}
	for _, sr := range n.ShadowRoots {
		if text := strings.TrimSpace(textOf(sr, "")); text != "" {
			return text, true
		}
	}
	return e.Attr("value"), true
}
