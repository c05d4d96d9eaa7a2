package common

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/grafana/cdpdriver/testutils/cdptest"
	"github.com/grafana/cdpdriver/trace"
)

var errNodeNotFound = &cdproto.Error{Code: -32000, Message: "Could not find node with given id"}

func TestTabQuerySelectorAllSharesSnapshot(t *testing.T) {
	t.Parallel()

	tab, srv := newTestTab(t)
	srv.HandleResult("DOM.querySelectorAll", map[string]any{"nodeIds": []int{4, 5, 6}})

	els, err := tab.QuerySelectorAll(testContext(t), "li.item", nil)
	require.NoError(t, err)
	require.Len(t, els, 3)

	tree := els[0].Tree()
	for i, el := range els {
		assert.Same(t, tree, el.Tree(), "element %d", i)
		assert.False(t, el.IsStale())
	}
	assert.Equal(t, []string{"one", "three", "seventeen"}, []string{els[0].Text(), els[1].Text(), els[2].Text()})
	assert.Same(t, tree, tab.CurrentSnapshot())
	assert.Len(t, srv.Requests("DOM.getDocument"), 1)

	reqs := srv.Requests("DOM.querySelectorAll")
	require.Len(t, reqs, 1)
	p := decodeParams(t, reqs[0])
	assert.Equal(t, "li.item", p["selector"])
	assert.EqualValues(t, 1, p["nodeId"])
}

func TestTabQuerySelector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		nodeID int
		want   string
	}{
		{name: "match", nodeID: 5, want: "three"},
		{name: "no_match", nodeID: 0},
		{name: "not_in_snapshot", nodeID: 999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tab, srv := newTestTab(t)
			srv.HandleResult("DOM.querySelector", map[string]any{"nodeId": tt.nodeID})

			el, err := tab.QuerySelector(testContext(t), "li", nil)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, el)
				return
			}
			require.NotNil(t, el)
			assert.Equal(t, tt.want, el.Text())
		})
	}
}

func TestTabQueryScopeRetry(t *testing.T) {
	t.Parallel()

	t.Run("retries_once", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		ctx := testContext(t)
		scope := listElement(t, tab)

		srv.Handle("DOM.querySelectorAll", func(*cdptest.Request) (any, error) {
			return nil, errNodeNotFound
		})
		_, err := tab.QuerySelectorAll(ctx, "li", scope)
		require.Error(t, err)
		assert.Len(t, srv.Requests("DOM.querySelectorAll"), 2)
		assert.Len(t, srv.Requests("DOM.resolveNode"), 1, "scope updated once")
	})

	t.Run("succeeds_after_update", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		ctx := testContext(t)
		scope := listElement(t, tab)
		before := scope.Tree()

		var calls atomic.Int32
		srv.Handle("DOM.querySelectorAll", func(req *cdptest.Request) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errNodeNotFound
			}
			return map[string]any{"nodeIds": []int{4, 5}}, nil
		})
		els, err := tab.QuerySelectorAll(ctx, "li", scope)
		require.NoError(t, err)
		require.Len(t, els, 2)
		assert.NotSame(t, before, scope.Tree(), "scope moved to a new snapshot")
		assert.Same(t, scope.Tree(), els[0].Tree())
	})

	t.Run("other_errors_are_not_retried", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		scope := listElement(t, tab)
		srv.Handle("DOM.querySelector", func(*cdptest.Request) (any, error) {
			return nil, &cdproto.Error{Code: -32000, Message: "DOM Error while querying"}
		})
		_, err := tab.QuerySelector(testContext(t), "li", scope)
		require.Error(t, err)
		assert.Len(t, srv.Requests("DOM.querySelector"), 1)
	})
}

// listElement returns the UL element of testDocument.
func listElement(t *testing.T, tab *Tab) *Element {
	t.Helper()

	tree, err := tab.Document(testContext(t))
	require.NoError(t, err)
	el, err := NewElement(tree.Node(7), tab, tree)
	require.NoError(t, err)
	return el
}

func TestTabSelect(t *testing.T) {
	t.Parallel()

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		start := time.Now()
		el, err := tab.Select(testContext(t), "#missing", 50*time.Millisecond)
		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Nil(t, el)
		assert.Equal(t, `selector "#missing"`, terr.What)
		assert.Equal(t, 50*time.Millisecond, terr.Timeout)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.GreaterOrEqual(t, len(srv.Requests("DOM.querySelector")), 2)
	})

	t.Run("found_on_retry", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		var calls atomic.Int32
		srv.Handle("DOM.querySelector", func(*cdptest.Request) (any, error) {
			if calls.Add(1) == 1 {
				return map[string]any{"nodeId": 0}, nil
			}
			return map[string]any{"nodeId": 6}, nil
		})

		el, err := tab.Select(testContext(t), "li:last-child", time.Second)
		require.NoError(t, err)
		require.NotNil(t, el)
		assert.Equal(t, "seventeen", el.Text())
		assert.Len(t, srv.Requests("DOM.querySelector"), 2)
		assert.NotEmpty(t, srv.Requests("Target.getTargetInfo"), "target refreshed between attempts")
	})

	t.Run("errors_keep_polling", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		var calls atomic.Int32
		srv.Handle("DOM.querySelector", func(*cdptest.Request) (any, error) {
			if calls.Add(1) == 1 {
				return nil, &cdproto.Error{Code: -32000, Message: "transient"}
			}
			return map[string]any{"nodeId": 4}, nil
		})

		el, err := tab.Select(testContext(t), "li", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "one", el.Text())
	})

	t.Run("context_done", func(t *testing.T) {
		t.Parallel()

		tab, _ := newTestTab(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := tab.Select(ctx, "#missing", time.Minute)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestTabWaitFor(t *testing.T) {
	t.Parallel()

	tab, srv := newTestTab(t)
	srv.HandleResult("DOM.querySelector", map[string]any{"nodeId": 4})
	serveSearch(srv, 105)
	ctx := testContext(t)

	el, err := tab.WaitFor(ctx, "li", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "one", el.Text())

	el, err = tab.WaitFor(ctx, "", "three", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "three", el.Text())

	_, err = tab.WaitFor(ctx, "", "", time.Second)
	require.ErrorIs(t, err, errNoQuery)
}

// serveSearch answers the text search of the browser with ids.
func serveSearch(srv *cdptest.Server, ids ...int) {
	srv.HandleResult("DOM.performSearch", map[string]any{"searchId": "s1", "resultCount": len(ids)})
	srv.HandleResult("DOM.getSearchResults", map[string]any{"nodeIds": ids})
}

func TestTabFindByText(t *testing.T) {
	t.Parallel()

	t.Run("first_and_best_match", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		serveSearch(srv, 104, 105, 106, 4)
		ctx := testContext(t)

		els, err := tab.FindElementsByText(ctx, "n")
		require.NoError(t, err)
		require.Len(t, els, 3, "text nodes map to their element once")
		assert.Equal(t, []int64{4, 5, 6}, nodeIDs(els))

		el, err := tab.FindElementByText(ctx, "n", false)
		require.NoError(t, err)
		assert.EqualValues(t, 4, el.NodeID())

		el, err = tab.FindElementByText(ctx, "three", true)
		require.NoError(t, err)
		assert.EqualValues(t, 5, el.NodeID())

		assert.NotEmpty(t, srv.Requests("DOM.discardSearchResults"))
		reqs := srv.Requests("DOM.performSearch")
		require.NotEmpty(t, reqs)
		assert.Equal(t, "three", decodeParams(t, reqs[len(reqs)-1])["query"])
	})

	t.Run("best_match_counts_characters", func(t *testing.T) {
		t.Parallel()

		srv := cdptest.NewServer(t)
		addPage(srv, "T1", "https://example.test/ja")
		serveDocument(srv, func() *cdp.Node {
			return documentNode(1,
				elementNode(2, "HTML", nil,
					elementNode(3, "BODY", nil,
						elementNode(4, "P", nil, textNode(104, "日本")),
						elementNode(5, "P", nil, textNode(105, "日ab")))))
		})
		serveSearch(srv, 104, 105)
		tab := newTestBrowser(t, srv).MainTab()
		require.NotNil(t, tab)

		el, err := tab.FindElementByText(testContext(t), "日", true)
		require.NoError(t, err)
		assert.EqualValues(t, 4, el.NodeID())
	})

	t.Run("frames", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		serveSearch(srv)

		els, err := tab.FindElementsByText(testContext(t), "frame")
		require.NoError(t, err)
		require.Len(t, els, 1)
		assert.EqualValues(t, 14, els[0].NodeID())
		assert.Equal(t, "frame text", els[0].Text())
		assert.Empty(t, srv.Requests("DOM.getSearchResults"))
	})

	t.Run("unknown_match_refreshes_once", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		serveSearch(srv, 500, 501, 105)

		els, err := tab.FindElementsByText(testContext(t), "three")
		require.NoError(t, err)
		require.Len(t, els, 1)
		assert.EqualValues(t, 5, els[0].NodeID())
		assert.Len(t, srv.Requests("DOM.getDocument"), 2)
	})

	t.Run("nothing_found", func(t *testing.T) {
		t.Parallel()

		tab, srv := newTestTab(t)
		serveSearch(srv)

		el, err := tab.FindElementByText(testContext(t), "absent", true)
		require.NoError(t, err)
		assert.Nil(t, el)
	})

	t.Run("blank_text", func(t *testing.T) {
		t.Parallel()

		tab, _ := newTestTab(t)
		_, err := tab.FindElementsByText(testContext(t), "  ")
		require.ErrorIs(t, err, errNoQuery)
	})
}

func nodeIDs(els []*Element) []int64 {
	ids := make([]int64, len(els))
	for i, el := range els {
		ids[i] = int64(el.NodeID())
	}
	return ids
}

func TestClosestLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		lengths []int
		want    int
		wantIdx int
	}{
		{name: "exact", lengths: []int{3, 5, 9}, want: 5, wantIdx: 1},
		{name: "closest_above", lengths: []int{30, 12, 9}, want: 11, wantIdx: 1},
		{name: "tie_goes_first", lengths: []int{4, 6}, want: 5, wantIdx: 0},
		{name: "single", lengths: []int{100}, want: 1, wantIdx: 0},
		{name: "empty", lengths: nil, want: 1, wantIdx: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantIdx, closestLength(tt.lengths, tt.want))
		})
	}
}

func TestMatchWindowState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    cdpb.WindowState
		wantErr string
	}{
		{name: "max", want: cdpb.WindowStateMaximized},
		{name: "MAXIMIZE", want: cdpb.WindowStateMaximized},
		{name: "mini", want: cdpb.WindowStateMinimized},
		{name: "min", want: cdpb.WindowStateMinimized},
		{name: "full", want: cdpb.WindowStateFullscreen},
		{name: "normal", want: cdpb.WindowStateNormal},
		{name: "", wantErr: "empty window state"},
		{name: "  ", wantErr: "empty window state"},
		{name: "xyz", wantErr: `unknown window state "xyz"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := matchWindowState(tt.name)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTabSetWindowState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state      string
		wantStates []string
	}{
		{state: "max", wantStates: []string{"normal", "maximized"}},
		{state: "fullscreen", wantStates: []string{"normal", "fullscreen"}},
		{state: "normal", wantStates: []string{"normal"}},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			t.Parallel()

			tab, srv := newTestTab(t)
			srv.HandleResult("Browser.getWindowForTarget", map[string]any{
				"windowId": 1,
				"bounds":   map[string]any{"windowState": "normal"},
			})

			require.NoError(t, tab.SetWindowState(testContext(t), tt.state))

			reqs := srv.Requests("Browser.setWindowBounds")
			require.Len(t, reqs, len(tt.wantStates))
			for i, req := range reqs {
				p := decodeParams(t, req)
				assert.EqualValues(t, 1, p["windowId"])
				bounds, ok := p["bounds"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, tt.wantStates[i], bounds["windowState"])
			}
		})
	}
}

func TestTabSetWindowSize(t *testing.T) {
	t.Parallel()

	tab, srv := newTestTab(t)
	srv.HandleResult("Browser.getWindowForTarget", map[string]any{"windowId": 7, "bounds": map[string]any{}})

	require.NoError(t, tab.SetWindowSize(testContext(t), 10, 20, 800, 600))
	reqs := srv.Requests("Browser.setWindowBounds")
	require.Len(t, reqs, 1)
	bounds, ok := decodeParams(t, reqs[0])["bounds"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 800, bounds["width"])
	assert.EqualValues(t, 600, bounds["height"])
	assert.Equal(t, "normal", bounds["windowState"])

	getReqs := srv.Requests("Browser.getWindowForTarget")
	require.Len(t, getReqs, 1)
	assert.Equal(t, "T1", decodeParams(t, getReqs[0])["targetId"])
}

func TestTabEvaluate(t *testing.T) {
	t.Parallel()

	tab, srv := newTestTab(t)
	ctx := testContext(t)

	srv.HandleResult("Runtime.evaluate", map[string]any{"result": map[string]any{"type": "number", "value": 42}})
	v, err := tab.Evaluate(ctx, "6 * 7")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)

	reqs := srv.Requests("Runtime.evaluate")
	require.Len(t, reqs, 1)
	p := decodeParams(t, reqs[0])
	assert.Equal(t, "6 * 7", p["expression"])
	assert.Equal(t, true, p["returnByValue"])
	assert.Equal(t, true, p["awaitPromise"])

	srv.HandleResult("Runtime.evaluate", map[string]any{
		"result": map[string]any{"type": "object"},
		"exceptionDetails": map[string]any{
			"exceptionId":  1,
			"text":         "Uncaught",
			"lineNumber":   0,
			"columnNumber": 6,
			"exception":    map[string]any{"type": "object", "description": "Error: boom"},
		},
	})
	_, err = tab.Evaluate(ctx, "throw new Error('boom')")
	var jerr *JSError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, "Error: boom", jerr.Description)
	assert.EqualValues(t, 6, jerr.Column)
	assert.Contains(t, err.Error(), "Error: boom")
}

func TestTabNavigation(t *testing.T) {
	t.Parallel()

	tab, srv := newTestTab(t)
	ctx := testContext(t)
	srv.HandleResult("Page.getNavigationHistory", map[string]any{
		"currentIndex": 1,
		"entries": []map[string]any{
			{"id": 10, "url": "https://example.test/a", "userTypedURL": "", "title": "a", "transitionType": "link"},
			{"id": 11, "url": "https://example.test/b", "userTypedURL": "", "title": "b", "transitionType": "link"},
		},
	})

	require.NoError(t, tab.Back(ctx))
	reqs := srv.Requests("Page.navigateToHistoryEntry")
	require.Len(t, reqs, 1)
	assert.EqualValues(t, 10, decodeParams(t, reqs[0])["entryId"])

	require.Error(t, tab.Forward(ctx), "no entry after the current one")

	require.NoError(t, tab.Reload(ctx, true))
	assert.Len(t, srv.Requests("Page.reload"), 1)

	require.NoError(t, tab.Activate(ctx))
	assert.Len(t, srv.Requests("Target.activateTarget"), 1)

	require.NoError(t, tab.Close(ctx))
	closeReqs := srv.Requests("Target.closeTarget")
	require.Len(t, closeReqs, 1)
	assert.Equal(t, "T1", decodeParams(t, closeReqs[0])["targetId"])
}

func TestTabLocalStorage(t *testing.T) {
	t.Parallel()

	tab, srv := newTestTab(t)
	ctx := testContext(t)
	srv.HandleResult("Runtime.evaluate", map[string]any{
		"result": map[string]any{"type": "object", "value": map[string]string{"token": "abc"}},
	})

	items, err := tab.GetLocalStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "abc"}, items)

	require.NoError(t, tab.SetLocalStorage(ctx, map[string]string{"k": "v"}))

	reqs := srv.Requests("Runtime.evaluate")
	require.Len(t, reqs, 2)
	assert.True(t, strings.HasSuffix(decodeParams(t, reqs[0])["expression"].(string), "(null)"))
	assert.True(t, strings.HasSuffix(decodeParams(t, reqs[1])["expression"].(string), `({"k":"v"})`))
}

func TestCallExpr(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `((a, b) => a + b)(1, "x")`, callExpr(" (a, b) => a + b\n", 1, "x"))
	assert.Equal(t, `(f)()`, callExpr("f"))
}

type memPersister struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (p *memPersister) Persist(_ context.Context, path string, data io.Reader) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.files == nil {
		p.files = make(map[string][]byte)
	}
	p.files[path] = b
	return nil
}

func TestTabSaveScreenshot(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	addPage(srv, "T1", "https://example.test/list")
	srv.HandleResult("Page.captureScreenshot", map[string]string{"data": "aGVsbG8="})
	p := &memPersister{}
	b := newTestBrowser(t, srv, WithFilePersister(p))
	tab := b.MainTab()
	ctx := testContext(t)

	name, err := tab.SaveScreenshot(ctx, "shots/page.png", "png", true)
	require.NoError(t, err)
	assert.Equal(t, "shots/page.png", name)
	assert.Equal(t, []byte("hello"), p.files["shots/page.png"])

	reqs := srv.Requests("Page.captureScreenshot")
	require.Len(t, reqs, 1)
	params := decodeParams(t, reqs[0])
	assert.Equal(t, "png", params["format"])
	assert.Equal(t, true, params["captureBeyondViewport"])

	name, err = tab.SaveScreenshot(ctx, "auto", "jpg", false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "example.test__"), name)
	assert.True(t, strings.HasSuffix(name, ".jpg"), name)
	assert.Contains(t, p.files, name)

	_, err = tab.SaveScreenshot(ctx, "x.gif", "gif", false)
	require.Error(t, err)
}

func TestScreenshotName(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "example.test__2024-01-02_03-04-05.png", screenshotName("https://example.test/list", "png", now))
	assert.Equal(t, "screenshot__2024-01-02_03-04-05.jpg", screenshotName("about:blank", "jpeg", now))
}

func TestTabSnapshotGeneration(t *testing.T) {
	t.Parallel()

	tab, srv := newTestTab(t)
	ctx := testContext(t)

	assert.Nil(t, tab.CurrentSnapshot())
	first, err := tab.Document(ctx)
	require.NoError(t, err)
	el, err := NewElement(first.Node(5), tab, nil)
	require.NoError(t, err)
	assert.Same(t, first, el.Tree(), "nil tree means the current snapshot")
	assert.False(t, el.IsStale())

	second, err := tab.Document(ctx)
	require.NoError(t, err)
	assert.Greater(t, second.Generation, first.Generation)
	assert.True(t, el.IsStale())

	fresh, err := NewElement(second.Node(5), tab, second)
	require.NoError(t, err)
	require.False(t, fresh.IsStale())

	// the handler registered by Document bumps the generation.
	assert.NotEmpty(t, srv.Requests("DOM.enable"))
	require.NoError(t, srv.Emit(cdptest.PagePath("T1"), cdproto.EventDOMDocumentUpdated, map[string]any{}))
	require.Eventually(t, fresh.IsStale, testTimeout, 10*time.Millisecond)
}

func TestTabDocumentUpdatedSpan(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	srv := cdptest.NewServer(t)
	addPage(srv, "T1", "about:blank")
	serveDocument(srv, testDocument)
	b := newTestBrowser(t, srv, WithTracer(trace.NewTracer(nil, tp, nil)))
	ctx := testContext(t)

	tab, err := b.Get(ctx, "https://example.test/list", false, false)
	require.NoError(t, err)
	_, err = tab.Document(ctx)
	require.NoError(t, err)
	require.NoError(t, srv.Emit(cdptest.PagePath("T1"), cdproto.EventDOMDocumentUpdated, map[string]any{}))

	endedSpan := func(name string) sdktrace.ReadOnlySpan {
		for _, s := range sr.Ended() {
			if s.Name() == name {
				return s
			}
		}
		return nil
	}
	require.Eventually(t, func() bool { return endedSpan("DOM.documentUpdated") != nil }, testTimeout, 10*time.Millisecond)

	var nav sdktrace.ReadWriteSpan
	for _, s := range sr.Started() {
		if s.Name() == "navigation" {
			nav = s
		}
	}
	require.NotNil(t, nav)
	assert.Equal(t, nav.SpanContext().SpanID(), endedSpan("DOM.documentUpdated").Parent().SpanID())
}

func TestTabUpdateTarget(t *testing.T) {
	t.Parallel()

	tab, srv := newTestTab(t)
	srv.RemoveTarget("T1")
	addPage(srv, "T1", "https://example.test/moved")

	require.NoError(t, tab.Sleep(testContext(t), time.Millisecond))
	assert.Equal(t, "https://example.test/moved", tab.URL())
	assert.Empty(t, srv.Requests("DOM.enable"), "target refresh does not enable domains")
}
