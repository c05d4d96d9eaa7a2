package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/grafana/cdpdriver/api"
	"github.com/grafana/cdpdriver/common"
)

var crashedLabel = color.New(color.FgRed, color.Bold).Sprint("crashed") //nolint:gochecknoglobals

func printVersion(w io.Writer, info *common.VersionInfo, b api.Browser) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"Browser", info.Browser},
		{"Protocol-Version", info.ProtocolVersion},
		{"User-Agent", b.UserAgent()},
		{"V8-Version", info.V8Version},
		{"WebKit-Version", info.WebKitVersion},
	}
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	if pid := b.Pid(); pid > 0 {
		fmt.Fprintf(tw, "Pid:\t%d\n", pid)
	}
	return tw.Flush() //nolint:wrapcheck
}

// printPages prints one line per page: id, type, title, URL and whether
// the page crashed.
func printPages(w io.Writer, pages []api.Page) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTITLE\tURL\t")
	for _, p := range pages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t", p.ID(), p.Type(), ellipsize(p.Title(), 40), p.URL())
		if p.Crashed() {
			fmt.Fprint(tw, crashedLabel)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush() //nolint:wrapcheck
}

// printElement prints the element as a short tag followed by its text.
func printElement(w io.Writer, el api.Element) error {
	tag := el.TagName()
	if tag == "" {
		tag = el.NodeName()
	}
	if id := el.Attr("id"); id != "" {
		tag += "#" + id
	}
	if class := strings.Fields(el.Attr("class")); len(class) > 0 {
		tag += "." + strings.Join(class, ".")
	}

	line := "<" + tag + ">"
	if text := el.TextAll(); text != "" {
		line += " " + ellipsize(text, 80)
	}
	if el.IsStale() {
		line += " (stale)"
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

// printValue prints strings as they are and everything else as JSON.
func printValue(w io.Writer, v any) error {
	if s, ok := v.(string); ok {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	bb, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(bb))
	return err
}

func ellipsize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func pages(tabs []*common.Tab) []api.Page {
	pp := make([]api.Page, len(tabs))
	for i, t := range tabs {
		pp[i] = t
	}
	return pp
}

func elements(els []*common.Element) []api.Element {
	ee := make([]api.Element, 0, len(els))
	for _, el := range els {
		if el != nil {
			ee = append(ee, el)
		}
	}
	return ee
}
