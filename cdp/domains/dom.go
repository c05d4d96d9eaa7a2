package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpd "github.com/chromedp/cdproto/dom"
	cdpr "github.com/chromedp/cdproto/runtime"
)

// DOM exposes the CDP DOM domain actions.
type DOM interface {
	GetDocument(ctx context.Context) (*cdp.Node, error)
	QuerySelector(ctx context.Context, id cdp.NodeID, selector string) (cdp.NodeID, error)
	QuerySelectorAll(ctx context.Context, id cdp.NodeID, selector string) ([]cdp.NodeID, error)
	Search(ctx context.Context, query string) ([]cdp.NodeID, error)
	DescribeNode(ctx context.Context, id cdp.BackendNodeID) (*cdp.Node, error)
	ResolveNode(ctx context.Context, id cdp.BackendNodeID) (*cdpr.RemoteObject, error)
	GetContentQuads(ctx context.Context, id cdpr.RemoteObjectID) ([]cdpd.Quad, error)
	GetOuterHTML(ctx context.Context, id cdp.BackendNodeID) (string, error)
	ScrollIntoView(ctx context.Context, id cdp.BackendNodeID) error
	Focus(ctx context.Context, id cdp.BackendNodeID) error
	SetFileInputFiles(ctx context.Context, id cdp.BackendNodeID, files []string) error
}

var _ DOM = &dom{}

type dom struct {
	exec cdp.Executor
}

// NewDOM returns a new CDP DOM domain wrapper.
func NewDOM(exec cdp.Executor) DOM {
	return &dom{exec}
}

// GetDocument returns the whole document, piercing iframes and shadow roots.
func (d *dom) GetDocument(ctx context.Context) (*cdp.Node, error) {
	action := cdpd.GetDocument().WithDepth(-1).WithPierce(true)
	root, err := action.Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}

	return root, nil
}

func (d *dom) QuerySelector(ctx context.Context, id cdp.NodeID, selector string) (cdp.NodeID, error) {
	nid, err := cdpd.QuerySelector(id, selector).Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return 0, fmt.Errorf("querying %q under node %d: %w", selector, id, err)
	}

	return nid, nil
}

func (d *dom) QuerySelectorAll(ctx context.Context, id cdp.NodeID, selector string) ([]cdp.NodeID, error) {
	ids, err := cdpd.QuerySelectorAll(id, selector).Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return nil, fmt.Errorf("querying all %q under node %d: %w", selector, id, err)
	}

	return ids, nil
}

// Search runs a plain text, selector or XPath search over the document and
// returns the matching node ids. The search session is always discarded.
func (d *dom) Search(ctx context.Context, query string) ([]cdp.NodeID, error) {
	exec := cdp.WithExecutor(ctx, d.exec)

	searchID, count, err := cdpd.PerformSearch(query).WithIncludeUserAgentShadowDOM(true).Do(exec)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}
	defer func() { _ = cdpd.DiscardSearchResults(searchID).Do(exec) }()

	if count == 0 {
		return nil, nil
	}
	ids, err := cdpd.GetSearchResults(searchID, 0, count).Do(exec)
	if err != nil {
		return nil, fmt.Errorf("getting %d search results of %q: %w", count, query, err)
	}

	return ids, nil
}

func (d *dom) DescribeNode(ctx context.Context, id cdp.BackendNodeID) (*cdp.Node, error) {
	node, err := cdpd.DescribeNode().WithBackendNodeID(id).Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return nil, fmt.Errorf("describing node %d: %w", id, err)
	}

	return node, nil
}

func (d *dom) ResolveNode(ctx context.Context, id cdp.BackendNodeID) (*cdpr.RemoteObject, error) {
	obj, err := cdpd.ResolveNode().WithBackendNodeID(id).Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return nil, fmt.Errorf("resolving node %d: %w", id, err)
	}

	return obj, nil
}

func (d *dom) GetContentQuads(ctx context.Context, id cdpr.RemoteObjectID) ([]cdpd.Quad, error) {
	quads, err := cdpd.GetContentQuads().WithObjectID(id).Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return nil, fmt.Errorf("getting content quads: %w", err)
	}

	return quads, nil
}

func (d *dom) GetOuterHTML(ctx context.Context, id cdp.BackendNodeID) (string, error) {
	html, err := cdpd.GetOuterHTML().WithBackendNodeID(id).Do(cdp.WithExecutor(ctx, d.exec))
	if err != nil {
		return "", fmt.Errorf("getting outer html of node %d: %w", id, err)
	}

	return html, nil
}

func (d *dom) ScrollIntoView(ctx context.Context, id cdp.BackendNodeID) error {
	if err := cdpd.ScrollIntoViewIfNeeded().WithBackendNodeID(id).Do(cdp.WithExecutor(ctx, d.exec)); err != nil {
		return fmt.Errorf("scrolling node %d into view: %w", id, err)
	}

	return nil
}

func (d *dom) Focus(ctx context.Context, id cdp.BackendNodeID) error {
	if err := cdpd.Focus().WithBackendNodeID(id).Do(cdp.WithExecutor(ctx, d.exec)); err != nil {
		return fmt.Errorf("focusing node %d: %w", id, err)
	}

	return nil
}

func (d *dom) SetFileInputFiles(ctx context.Context, id cdp.BackendNodeID, files []string) error {
	action := cdpd.SetFileInputFiles(files).WithBackendNodeID(id)
	if err := action.Do(cdp.WithExecutor(ctx, d.exec)); err != nil {
		return fmt.Errorf("setting %d files on node %d: %w", len(files), id, err)
	}

	return nil
}
