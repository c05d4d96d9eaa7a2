package common

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpdriver/config"
	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/testutils/cdptest"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// attachConfig points a config at the mock endpoint.
func attachConfig(srv *cdptest.Server) *config.Config {
	cfg := config.New()
	cfg.Host = srv.Host()
	cfg.Port = null.IntFrom(srv.Port())
	cfg.IdleTimeout = 20 * time.Millisecond
	return cfg
}

func newTestBrowser(t *testing.T, srv *cdptest.Server, opts ...BrowserOption) *Browser {
	t.Helper()

	b, err := NewBrowser(context.Background(), attachConfig(srv), log.NewNullLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })

	return b
}

func addPage(srv *cdptest.Server, id, url string) {
	srv.AddTarget(&target.Info{TargetID: target.ID(id), Type: "page", URL: url})
}

// newTestTab returns the main tab of a browser attached to a mock endpoint
// that serves testDocument.
func newTestTab(t *testing.T) (*Tab, *cdptest.Server) {
	t.Helper()

	srv := cdptest.NewServer(t)
	addPage(srv, "T1", "https://example.test/list")
	serveDocument(srv, testDocument)
	b := newTestBrowser(t, srv)

	tab := b.MainTab()
	require.NotNil(t, tab)
	return tab, srv
}

// serveDocument answers DOM.getDocument with a fresh document from doc.
func serveDocument(srv *cdptest.Server, doc func() *cdp.Node) {
	srv.Handle("DOM.getDocument", func(*cdptest.Request) (any, error) {
		return map[string]any{"root": doc()}, nil
	})
}

func textNode(id int64, value string) *cdp.Node {
	return &cdp.Node{
		NodeID:        cdp.NodeID(id),
		BackendNodeID: cdp.BackendNodeID(id),
		NodeType:      cdp.NodeTypeText,
		NodeName:      "#text",
		NodeValue:     value,
	}
}

func elementNode(id int64, name string, attrs []string, children ...*cdp.Node) *cdp.Node {
	n := &cdp.Node{
		NodeID:        cdp.NodeID(id),
		BackendNodeID: cdp.BackendNodeID(id),
		NodeType:      cdp.NodeTypeElement,
		NodeName:      name,
		LocalName:     name,
		Attributes:    attrs,
		Children:      children,
	}
	for _, c := range children {
		c.ParentID = n.NodeID
	}
	return n
}

func documentNode(id int64, children ...*cdp.Node) *cdp.Node {
	n := elementNode(id, "#document", nil, children...)
	n.NodeType = cdp.NodeTypeDocument
	n.LocalName = ""
	return n
}

// testDocument is
//
//	#document(1)
//	  HTML(2)
//	    BODY(3)
//	      UL(7): LI(4) "one", LI(5) "three", LI(6) "seventeen"
//	      INPUT(20) value="typed", shadow root: DIV(22) "typed value"
//	      IFRAME(10) -> #document(11) HTML(12) BODY(13) P(14) "frame text"
//
// Node ids equal backend node ids, text nodes are 100 + their parent id.
func testDocument() *cdp.Node {
	ul := elementNode(7, "UL", []string{"id", "list"},
		elementNode(4, "LI", []string{"class", "item"}, textNode(104, "one")),
		elementNode(5, "LI", []string{"class", "item"}, textNode(105, "three")),
		elementNode(6, "LI", []string{"class", "item"}, textNode(106, "seventeen")),
	)

	input := elementNode(20, "INPUT", []string{"type", "text", "value", "typed"})
	shadow := elementNode(21, "#document-fragment", nil, elementNode(22, "DIV", nil, textNode(122, "typed value")))
	shadow.NodeType = cdp.NodeTypeDocumentFragment
	input.ShadowRoots = []*cdp.Node{shadow}

	frame := elementNode(10, "IFRAME", []string{"src", "/frame"})
	frame.ContentDocument = documentNode(11,
		elementNode(12, "HTML", nil,
			elementNode(13, "BODY", nil,
				elementNode(14, "P", nil, textNode(114, "frame text")))))

	return documentNode(1,
		elementNode(2, "HTML", nil,
			elementNode(3, "BODY", nil, ul, input, frame)))
}

// decodeParams decodes the params of a recorded command.
func decodeParams(t *testing.T, req *cdptest.Request) map[string]any {
	t.Helper()

	var p map[string]any
	if len(req.Params) > 0 {
		require.NoError(t, json.Unmarshal(req.Params, &p))
	}
	return p
}
