package common

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	cdpt "github.com/chromedp/cdproto/target"

	"github.com/grafana/cdpdriver/api"
	cdpconn "github.com/grafana/cdpdriver/cdp"
	"github.com/grafana/cdpdriver/cdp/domains"
	"github.com/grafana/cdpdriver/log"
)

const (
	// DefaultTimeout is the polling budget of Select, Find and WaitFor.
	DefaultTimeout = 10 * time.Second

	pollInterval = 500 * time.Millisecond
)

var _ api.Page = &Tab{}

// Tab is a connection to one target of the browser, usually a page.
//
// The cached target info is only refreshed by target events of the
// browser, UpdateTarget and Sleep. Document snapshots are fetched on
// demand and never kept in sync with the page.
type Tab struct {
	*cdpconn.Connection

	browser *Browser
	logger  *log.Logger

	infoMu  sync.RWMutex
	info    *cdpt.Info
	frameID string

	crashed atomic.Bool

	downloadMu   sync.Mutex
	downloadPath string

	treeMu        sync.Mutex
	tree          *Tree
	generation    atomic.Uint64
	watchDocument sync.Once

	keyboard *Keyboard

	page          domains.Page
	dom           domains.DOM
	runtime       domains.Runtime
	input         domains.Input
	targetDomain  domains.Target
	browserDomain domains.Browser
}

func newTab(b *Browser, info *cdpt.Info) *Tab {
	id := string(info.TargetID)
	conn := cdpconn.NewConnection(b.ctx, b.pageURL(id), b.logger, b.connOptions(id)...)
	in := domains.NewInput(conn)

	return &Tab{
		Connection:    conn,
		browser:       b,
		logger:        b.logger,
		info:          info,
		keyboard:      NewKeyboard(in, b.config.Lang),
		page:          domains.NewPage(conn),
		dom:           domains.NewDOM(conn),
		runtime:       domains.NewRuntime(conn),
		input:         in,
		targetDomain:  domains.NewTarget(conn),
		browserDomain: domains.NewBrowser(conn),
	}
}

// setInfo replaces the cached target info and returns the previous one.
func (t *Tab) setInfo(info *cdpt.Info) *cdpt.Info {
	t.infoMu.Lock()
	defer t.infoMu.Unlock()

	old := t.info
	cp := *info
	t.info = &cp
	if old == info {
		return nil
	}
	return old
}

// Info returns a copy of the cached target info.
func (t *Tab) Info() cdpt.Info {
	t.infoMu.RLock()
	defer t.infoMu.RUnlock()
	return *t.info
}

// ID returns the target id.
func (t *Tab) ID() string {
	t.infoMu.RLock()
	defer t.infoMu.RUnlock()
	return string(t.info.TargetID)
}

// Type returns the target type, such as "page" or "iframe".
func (t *Tab) Type() string {
	t.infoMu.RLock()
	defer t.infoMu.RUnlock()
	return t.info.Type
}

// URL returns the cached URL of the target.
func (t *Tab) URL() string {
	t.infoMu.RLock()
	defer t.infoMu.RUnlock()
	return t.info.URL
}

// Title returns the cached title of the target.
func (t *Tab) Title() string {
	t.infoMu.RLock()
	defer t.infoMu.RUnlock()
	return t.info.Title
}

// WebSocketURL returns the debugger URL of the target.
func (t *Tab) WebSocketURL() string { return t.Connection.URL() }

// FrameID returns the frame id of the last navigation.
func (t *Tab) FrameID() string {
	t.infoMu.RLock()
	defer t.infoMu.RUnlock()
	return t.frameID
}

// Crashed reports whether the browser reported the target as crashed.
func (t *Tab) Crashed() bool { return t.crashed.Load() }

// Browser returns the browser of the tab.
func (t *Tab) Browser() *Browser { return t.browser }

// Keyboard returns the keyboard of the tab.
func (t *Tab) Keyboard() *Keyboard { return t.keyboard }

func (t *Tab) String() string {
	info := t.Info()
	return fmt.Sprintf("Tab<%s %s %q>", info.Type, info.TargetID, info.URL)
}

// UpdateTarget refreshes the cached target info.
func (t *Tab) UpdateTarget(ctx context.Context) error {
	info, err := t.targetDomain.GetTargetInfo(cdpconn.WithoutDomainSync(ctx), t.ID())
	if err != nil {
		return fmt.Errorf("updating target: %w", err)
	}
	t.setInfo(info)

	return nil
}

// Sleep waits for d and refreshes the cached target info.
func (t *Tab) Sleep(ctx context.Context, d time.Duration) error {
	if err := sleep(ctx, d); err != nil {
		return err
	}
	return t.UpdateTarget(ctx)
}

// Get navigates the tab to url, or opens url in a new tab or window of the
// browser.
func (t *Tab) Get(ctx context.Context, url string, newTab, newWindow bool) (*Tab, error) {
	if newTab || newWindow {
		return t.browser.Get(ctx, url, newTab, newWindow)
	}
	if err := t.navigate(ctx, url); err != nil {
		return nil, err
	}
	if err := sleep(ctx, settleDelay); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tab) navigate(ctx context.Context, url string) error {
	if tr := t.browser.tracer; tr != nil {
		_, _ = tr.TraceNavigation(ctx, t.ID(), url)
	}

	start := time.Now()
	fid, err := t.page.Navigate(ctx, url, "", "")
	if err != nil {
		return err //nolint:wrapcheck
	}
	t.infoMu.Lock()
	t.frameID = fid
	t.infoMu.Unlock()

	if m := t.browser.metrics; m != nil {
		m.ObserveNavigation(time.Since(start))
	}
	t.logger.Debugf("Tab:navigate", "tid:%v url:%q fid:%v", t.ID(), url, fid)

	return nil
}

// Back goes one entry back in the session history.
func (t *Tab) Back(ctx context.Context) error {
	return t.page.NavigateHistory(ctx, -1) //nolint:wrapcheck
}

// Forward goes one entry forward in the session history.
func (t *Tab) Forward(ctx context.Context) error {
	return t.page.NavigateHistory(ctx, 1) //nolint:wrapcheck
}

// Reload reloads the page.
func (t *Tab) Reload(ctx context.Context, ignoreCache bool) error {
	return t.page.Reload(ctx, ignoreCache) //nolint:wrapcheck
}

// Activate makes the target the active one of its window.
func (t *Tab) Activate(ctx context.Context) error {
	return t.targetDomain.ActivateTarget(ctx, t.ID()) //nolint:wrapcheck
}

// BringToFront brings the page to front.
func (t *Tab) BringToFront(ctx context.Context) error {
	return t.page.BringToFront(ctx) //nolint:wrapcheck
}

// Close closes the target. The Tab is removed from the browser when the
// target destroyed event arrives.
func (t *Tab) Close(ctx context.Context) error {
	return t.targetDomain.CloseTarget(ctx, t.ID()) //nolint:wrapcheck
}

// Evaluate evaluates expr in the page and returns its JSON decoded value.
// Promises are awaited.
func (t *Tab) Evaluate(ctx context.Context, expr string) (any, error) {
	var v any
	if err := t.EvaluateInto(ctx, expr, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EvaluateInto evaluates expr in the page and decodes its value into out.
// A thrown exception is returned as a *JSError.
func (t *Tab) EvaluateInto(ctx context.Context, expr string, out any) error {
	obj, exc, err := t.runtime.Evaluate(ctx, expr, true)
	if err != nil {
		return err //nolint:wrapcheck
	}
	if exc != nil {
		return newJSError(exc)
	}
	return decodeRemoteValue(obj, out)
}

func decodeRemoteValue(obj *runtime.RemoteObject, out any) error {
	if out == nil || obj == nil || len(obj.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(obj.Value, out); err != nil {
		return fmt.Errorf("decoding javascript value: %w", err)
	}
	return nil
}

// Document fetches a new snapshot of the whole document, frames and shadow
// roots included. Every snapshot gets a new generation.
func (t *Tab) Document(ctx context.Context) (*Tree, error) {
	t.watchDocument.Do(func() {
		t.AddHandler(cdproto.EventDOMDocumentUpdated, t.onDocumentUpdated)
	})

	root, err := t.dom.GetDocument(ctx)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	tree := NewTree(root, t.generation.Add(1))

	t.treeMu.Lock()
	t.tree = tree
	t.treeMu.Unlock()
	t.logger.Tracef("Tab:Document", "tid:%v generation:%d nodes:%d", t.ID(), tree.Generation, tree.Len())

	return tree, nil
}

// onDocumentUpdated makes every snapshot of the tab stale. The update is
// recorded under the live navigation span of the tab.
func (t *Tab) onDocumentUpdated(ctx context.Context, ev *cdpconn.EventTransaction) error {
	gen := t.generation.Add(1)
	t.logger.Tracef("Tab:onDocumentUpdated", "tid:%v generation:%d", t.ID(), gen)

	if tr := t.browser.tracer; tr != nil {
		if sid, ok := tr.LiveSpanID(t.ID()); ok {
			_, span := tr.TraceEvent(ctx, t.ID(), string(ev.Method), sid)
			span.End()
		}
	}
	return nil
}

// CurrentSnapshot returns the last fetched document snapshot, or nil.
func (t *Tab) CurrentSnapshot() *Tree {
	t.treeMu.Lock()
	defer t.treeMu.Unlock()
	return t.tree
}

// Generation returns the current snapshot generation of the tab. A Tree
// of an older generation does not reflect the page anymore.
func (t *Tab) Generation() uint64 { return t.generation.Load() }

// QuerySelector returns the first element matching selector in the
// document, or under scope when given. It returns nil when nothing
// matches.
func (t *Tab) QuerySelector(ctx context.Context, selector string, scope *Element) (*Element, error) {
	return t.querySelector(ctx, selector, scope, true)
}

func (t *Tab) querySelector(ctx context.Context, selector string, scope *Element, retry bool) (*Element, error) {
	tree, root, err := t.queryRoot(ctx, scope)
	if err != nil {
		return nil, err
	}

	id, err := t.dom.QuerySelector(ctx, root.NodeID, selector)
	if err != nil {
		if retry && t.refreshScope(ctx, scope, err) {
			return t.querySelector(ctx, selector, scope, false)
		}
		return nil, err //nolint:wrapcheck
	}
	if id == 0 {
		return nil, nil //nolint:nilnil
	}
	node := tree.Node(id)
	if node == nil {
		t.logger.Debugf("Tab:QuerySelector", "tid:%v selector:%q node:%d not in snapshot", t.ID(), selector, id)
		return nil, nil //nolint:nilnil
	}

	return NewElement(node, t, tree)
}

// QuerySelectorAll returns the elements matching selector in the document,
// or under scope when given. All of them share one document snapshot.
func (t *Tab) QuerySelectorAll(ctx context.Context, selector string, scope *Element) ([]*Element, error) {
	return t.querySelectorAll(ctx, selector, scope, true)
}

func (t *Tab) querySelectorAll(ctx context.Context, selector string, scope *Element, retry bool) ([]*Element, error) {
	tree, root, err := t.queryRoot(ctx, scope)
	if err != nil {
		return nil, err
	}

	ids, err := t.dom.QuerySelectorAll(ctx, root.NodeID, selector)
	if err != nil {
		if retry && t.refreshScope(ctx, scope, err) {
			return t.querySelectorAll(ctx, selector, scope, false)
		}
		return nil, err //nolint:wrapcheck
	}

	elements := make([]*Element, 0, len(ids))
	for _, id := range ids {
		node := tree.Node(id)
		if node == nil {
			t.logger.Debugf("Tab:QuerySelectorAll", "tid:%v selector:%q node:%d not in snapshot", t.ID(), selector, id)
			continue
		}
		el, err := NewElement(node, t, tree)
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}

	return elements, nil
}

// queryRoot returns the snapshot and node a query runs against: a fresh
// document, or the snapshot of scope. The content document of a frame is
// queried instead of the frame itself.
func (t *Tab) queryRoot(ctx context.Context, scope *Element) (*Tree, *cdp.Node, error) {
	if scope == nil {
		tree, err := t.Document(ctx)
		if err != nil {
			return nil, nil, err
		}
		return tree, tree.Root, nil
	}

	root := scope.Node()
	if isFrame(root) && root.ContentDocument != nil {
		root = root.ContentDocument
	}
	return scope.Tree(), root, nil
}

// refreshScope updates scope once when err says that its node is gone.
// It reports whether the query should be retried.
func (t *Tab) refreshScope(ctx context.Context, scope *Element, err error) bool {
	if scope == nil || !cdpconn.IsNodeNotFound(err) {
		return false
	}
	t.logger.Debugf("Tab:query", "tid:%v scope:%d is stale, updating: %v", t.ID(), scope.BackendNodeID(), err)
	if uerr := scope.Update(ctx, nil); uerr != nil {
		t.logger.Debugf("Tab:query", "tid:%v updating scope: %v", t.ID(), uerr)
		return false
	}
	return true
}

// Select waits until an element matches selector and returns it.
func (t *Tab) Select(ctx context.Context, selector string, timeout time.Duration) (*Element, error) {
	var el *Element
	err := t.poll(ctx, fmt.Sprintf("selector %q", selector), timeout, func(ctx context.Context) (bool, error) {
		var err error
		el, err = t.QuerySelector(ctx, selector, nil)
		return el != nil, err
	})
	return el, err
}

// SelectAll waits until at least one element matches selector and returns
// all matching elements.
func (t *Tab) SelectAll(ctx context.Context, selector string, timeout time.Duration) ([]*Element, error) {
	var els []*Element
	err := t.poll(ctx, fmt.Sprintf("selector %q", selector), timeout, func(ctx context.Context) (bool, error) {
		var err error
		els, err = t.QuerySelectorAll(ctx, selector, nil)
		return len(els) > 0, err
	})
	return els, err
}

// Find waits until an element contains text and returns it. With
// bestMatch the element whose text length is closest to text wins.
func (t *Tab) Find(ctx context.Context, text string, bestMatch bool, timeout time.Duration) (*Element, error) {
	var el *Element
	err := t.poll(ctx, fmt.Sprintf("text %q", text), timeout, func(ctx context.Context) (bool, error) {
		var err error
		el, err = t.FindElementByText(ctx, text, bestMatch)
		return el != nil, err
	})
	return el, err
}

// FindAll waits until at least one element contains text and returns all
// of them.
func (t *Tab) FindAll(ctx context.Context, text string, timeout time.Duration) ([]*Element, error) {
	var els []*Element
	err := t.poll(ctx, fmt.Sprintf("text %q", text), timeout, func(ctx context.Context) (bool, error) {
		var err error
		els, err = t.FindElementsByText(ctx, text)
		return len(els) > 0, err
	})
	return els, err
}

// WaitFor waits for an element matching selector, or containing text when
// selector is empty.
func (t *Tab) WaitFor(ctx context.Context, selector, text string, timeout time.Duration) (*Element, error) {
	switch {
	case selector != "":
		return t.Select(ctx, selector, timeout)
	case text != "":
		return t.Find(ctx, text, false, timeout)
	default:
		return nil, fmt.Errorf("waiting for element: %w", errNoQuery)
	}
}

// poll calls try until it reports success or timeout passes. Between
// attempts it refreshes the target, waits for the listener to go idle and
// sleeps for pollInterval. Failed attempts do not end the polling, the
// last error is logged. Commands still in flight at the timeout are not
// cancelled.
func (t *Tab) poll(ctx context.Context, what string, timeout time.Duration, try func(context.Context) (bool, error)) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		ok, err := try(ctx)
		if ok {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			t.logger.Debugf("Tab:poll", "tid:%v waiting for %s: %v", t.ID(), what, err)
		}
		if !time.Now().Before(deadline) {
			return &TimeoutError{What: what, Timeout: timeout}
		}

		if err := t.UpdateTarget(ctx); err != nil {
			t.logger.Debugf("Tab:poll", "tid:%v %v", t.ID(), err)
		}
		if err := t.Wait(ctx, 0); err != nil {
			return err //nolint:wrapcheck
		}
		wait := pollInterval
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		if wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}
