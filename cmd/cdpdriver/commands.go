package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grafana/cdpdriver/api"
	"github.com/grafana/cdpdriver/common"
)

func newVersionCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the browser version and user agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return gf.withBrowser(cmd, func(_ context.Context, b *common.Browser) error {
				return printVersion(cmd.OutOrStdout(), b.Version(), b)
			})
		},
	}
}

func newTargetsCmd(gf *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the targets of the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return gf.withBrowser(cmd, func(ctx context.Context, b *common.Browser) error {
				if err := b.UpdateTargets(ctx); err != nil {
					return err //nolint:wrapcheck
				}
				tabs := b.Tabs()
				if all {
					tabs = b.Targets()
				}
				return printPages(cmd.OutOrStdout(), pages(tabs))
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include targets that are not pages")
	return cmd
}

// pageFlags select the tab a command runs in.
type pageFlags struct {
	url     string
	timeout time.Duration
}

func (pf *pageFlags) add(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&pf.url, "url", "u", "", "navigate the main tab to this URL first")
	cmd.Flags().DurationVarP(&pf.timeout, "timeout", "t", common.DefaultTimeout, "how long to wait for a match")
}

// tab returns the main tab, navigated to the url flag when set.
func (pf *pageFlags) tab(ctx context.Context, b *common.Browser) (*common.Tab, error) {
	if pf.url != "" {
		return b.Get(ctx, pf.url, false, false) //nolint:wrapcheck
	}
	if tab := b.MainTab(); tab != nil {
		return tab, nil
	}
	if err := b.UpdateTargets(ctx); err != nil {
		return nil, err //nolint:wrapcheck
	}
	if tab := b.MainTab(); tab != nil {
		return tab, nil
	}
	return nil, fmt.Errorf("no page to run in: %w", common.ErrTabNotFound)
}

func newGetCmd(gf *globalFlags) *cobra.Command {
	var (
		newTab, newWindow, fullPage bool
		screenshot, format          string
	)

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Navigate to a URL and print the page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return gf.withBrowser(cmd, func(ctx context.Context, b *common.Browser) error {
				tab, err := b.Get(ctx, args[0], newTab, newWindow)
				if err != nil {
					return err //nolint:wrapcheck
				}
				if err := tab.UpdateTarget(ctx); err != nil {
					return err //nolint:wrapcheck
				}
				out := cmd.OutOrStdout()
				if err := printPages(out, []api.Page{tab}); err != nil {
					return err
				}
				if !cmd.Flags().Changed("screenshot") {
					return nil
				}
				name, err := tab.SaveScreenshot(ctx, screenshot, format, fullPage)
				if err != nil {
					return err //nolint:wrapcheck
				}
				_, err = fmt.Fprintf(out, "screenshot saved to %s\n", name)
				return err
			})
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&newTab, "new-tab", false, "open the URL in a new tab")
	flags.BoolVar(&newWindow, "new-window", false, "open the URL in a new window")
	flags.StringVarP(&screenshot, "screenshot", "s", "auto", "save a screenshot to this file, \"auto\" names it after the page")
	flags.StringVar(&format, "format", "png", "screenshot format: png or jpeg")
	flags.BoolVar(&fullPage, "full-page", false, "capture the whole page instead of the viewport")
	return cmd
}

func newFindCmd(gf *globalFlags) *cobra.Command {
	var (
		pf             pageFlags
		bestMatch, all bool
		click, markup  bool
	)

	cmd := &cobra.Command{
		Use:   "find <text>",
		Short: "Find elements by their text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return gf.withBrowser(cmd, func(ctx context.Context, b *common.Browser) error {
				tab, err := pf.tab(ctx, b)
				if err != nil {
					return err
				}
				var els []*common.Element
				if all {
					els, err = tab.FindAll(ctx, args[0], pf.timeout)
				} else {
					var el *common.Element
					el, err = tab.Find(ctx, args[0], bestMatch, pf.timeout)
					els = []*common.Element{el}
				}
				if err != nil {
					return err //nolint:wrapcheck
				}
				return handleElements(ctx, cmd, elements(els), click, markup)
			})
		},
	}
	pf.add(cmd)
	flags := cmd.Flags()
	flags.BoolVarP(&bestMatch, "best-match", "b", false, "pick the element whose text length is closest to the query")
	flags.BoolVar(&all, "all", false, "print every match")
	flags.BoolVar(&click, "click", false, "click the matches")
	flags.BoolVar(&markup, "html", false, "print the markup of the matches")
	return cmd
}

func newSelectCmd(gf *globalFlags) *cobra.Command {
	var (
		pf            pageFlags
		all           bool
		click, markup bool
		keys          string
	)

	cmd := &cobra.Command{
		Use:   "select <css selector>",
		Short: "Find elements by CSS selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return gf.withBrowser(cmd, func(ctx context.Context, b *common.Browser) error {
				tab, err := pf.tab(ctx, b)
				if err != nil {
					return err
				}
				var els []*common.Element
				if all {
					els, err = tab.SelectAll(ctx, args[0], pf.timeout)
				} else {
					var el *common.Element
					el, err = tab.Select(ctx, args[0], pf.timeout)
					els = []*common.Element{el}
				}
				if err != nil {
					return err //nolint:wrapcheck
				}
				if keys != "" {
					for _, el := range els {
						if err := el.SendKeys(ctx, keys); err != nil {
							return err //nolint:wrapcheck
						}
					}
				}
				return handleElements(ctx, cmd, elements(els), click, markup)
			})
		},
	}
	pf.add(cmd)
	flags := cmd.Flags()
	flags.BoolVar(&all, "all", false, "print every match")
	flags.BoolVar(&click, "click", false, "click the matches")
	flags.BoolVar(&markup, "html", false, "print the markup of the matches")
	flags.StringVar(&keys, "keys", "", "type this text into the matches")
	return cmd
}

// handleElements clicks the elements when asked and prints them.
func handleElements(ctx context.Context, cmd *cobra.Command, els []api.Element, click, outerHTML bool) error {
	out := cmd.OutOrStdout()
	for _, el := range els {
		if click {
			if err := el.Click(ctx); err != nil {
				return err //nolint:wrapcheck
			}
		}
		if outerHTML {
			html, err := el.OuterHTML(ctx)
			if err != nil {
				return err //nolint:wrapcheck
			}
			if _, err := fmt.Fprintln(out, html); err != nil {
				return err
			}
			continue
		}
		if err := printElement(out, el); err != nil {
			return err
		}
	}
	return nil
}

func newEvalCmd(gf *globalFlags) *cobra.Command {
	var pf pageFlags

	cmd := &cobra.Command{
		Use:   "eval <expression>",
		Short: "Evaluate a JavaScript expression in the page",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return gf.withBrowser(cmd, func(ctx context.Context, b *common.Browser) error {
				tab, err := pf.tab(ctx, b)
				if err != nil {
					return err
				}
				v, err := tab.Evaluate(ctx, strings.Join(args, " "))
				if err != nil {
					return err //nolint:wrapcheck
				}
				return printValue(cmd.OutOrStdout(), v)
			})
		},
	}
	pf.add(cmd)
	return cmd
}

func newWindowCmd(gf *globalFlags) *cobra.Command {
	var (
		pf   pageFlags
		size string
	)

	cmd := &cobra.Command{
		Use:   "window [normal|maximized|minimized|fullscreen]",
		Short: "Change the state or size of the window of the main tab",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var width, height int64
			if size != "" {
				var err error
				if width, height, err = parseSize(size); err != nil {
					return err
				}
			}
			return gf.withBrowser(cmd, func(ctx context.Context, b *common.Browser) error {
				tab, err := pf.tab(ctx, b)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					if err := tab.SetWindowState(ctx, args[0]); err != nil {
						return err //nolint:wrapcheck
					}
				}
				if size != "" {
					if err := tab.SetWindowSize(ctx, 0, 0, width, height); err != nil {
						return err //nolint:wrapcheck
					}
				}
				_, bounds, err := tab.GetWindow(ctx)
				if err != nil {
					return err //nolint:wrapcheck
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %dx%d+%d+%d\n",
					bounds.WindowState, bounds.Width, bounds.Height, bounds.Left, bounds.Top)
				return err
			})
		},
	}
	pf.add(cmd)
	cmd.Flags().StringVar(&size, "size", "", "resize the window, e.g. 1280x720")
	return cmd
}

// parseSize parses a WIDTHxHEIGHT size.
func parseSize(s string) (int64, int64, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, want WIDTHxHEIGHT", s)
	}
	width, err := strconv.ParseInt(w, 10, 64)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid width in size %q", s)
	}
	height, err := strconv.ParseInt(h, 10, 64)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid height in size %q", s)
	}
	return width, height, nil
}
