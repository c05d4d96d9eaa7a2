package common

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/cdp"
)

// FindElementsByText returns the elements containing text. Matches of the
// text search of the browser are mapped to their element, text nodes to
// their parent, and the content documents of frames are searched in the
// snapshot as well. Every element is returned once, in match order.
func (t *Tab) FindElementsByText(ctx context.Context, text string) ([]*Element, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errNoQuery
	}

	tree, err := t.Document(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := t.dom.Search(ctx, text)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	var (
		nodes     []*cdp.Node
		refreshed bool
	)
	for _, id := range ids {
		node := tree.Node(id)
		if node == nil || (isTextNode(node) && tree.Parent(node) == nil) {
			if refreshed {
				continue
			}
			// the match is not part of the snapshot yet.
			if tree, err = t.Document(ctx); err != nil {
				return nil, err
			}
			refreshed = true
			if node = tree.Node(id); node == nil {
				continue
			}
		}
		nodes = append(nodes, node)
	}
	for _, frame := range FindAll(tree.Root, isFrame) {
		if frame.ContentDocument == nil {
			continue
		}
		nodes = append(nodes, FindAll(frame.ContentDocument, func(n *cdp.Node) bool {
			return isTextNode(n) && strings.Contains(n.NodeValue, text)
		})...)
	}

	seen := make(map[cdp.BackendNodeID]bool, len(nodes))
	elements := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		if isTextNode(n) {
			n = tree.Parent(n)
		}
		if n == nil || n.NodeType != cdp.NodeTypeElement || seen[n.BackendNodeID] {
			continue
		}
		seen[n.BackendNodeID] = true

		el, err := NewElement(n, t, tree)
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}

	return elements, nil
}

// FindElementByText returns the first element containing text, or nil.
// With bestMatch it returns the element whose text length is closest to
// the length of text in characters, since plain containment also matches every ancestor
// of the wanted element.
func (t *Tab) FindElementByText(ctx context.Context, text string, bestMatch bool) (*Element, error) {
	elements, err := t.FindElementsByText(ctx, text)
	if err != nil || len(elements) == 0 {
		return nil, err
	}
	if !bestMatch {
		return elements[0], nil
	}

	lengths := make([]int, len(elements))
	for i, el := range elements {
		lengths[i] = utf8.RuneCountInString(el.TextAll())
	}
	return elements[closestLength(lengths, utf8.RuneCountInString(strings.TrimSpace(text)))], nil
}

// closestLength returns the index of the length closest to want. Ties go to
// the first one.
func closestLength(lengths []int, want int) int {
	best, bestDiff := 0, -1
	for i, l := range lengths {
		diff := l - want
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best
}
