/*
 *
 * cdpdriver - a Chrome DevTools Protocol client
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	cdpt "github.com/chromedp/cdproto/target"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/cdpdriver/api"
	cdpconn "github.com/grafana/cdpdriver/cdp"
	"github.com/grafana/cdpdriver/cdp/domains"
	"github.com/grafana/cdpdriver/config"
	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/metrics"
	"github.com/grafana/cdpdriver/storage"
	"github.com/grafana/cdpdriver/trace"
)

const (
	defaultVersionAttempts = 20
	defaultVersionBackoff  = 100 * time.Millisecond
	maxVersionBackoff      = time.Second

	settleDelay         = 250 * time.Millisecond
	createTargetTimeout = 10 * time.Second
	createTargetPoll    = 100 * time.Millisecond

	stopTimeout   = 15 * time.Second
	shutdownGrace = 3 * time.Second
)

const pageTargetType = "page"

var _ api.Browser = &Browser{}

// BrowserOption configures a Browser.
type BrowserOption func(*Browser)

// WithMetrics reports protocol traffic and targets to m.
func WithMetrics(m *metrics.CustomMetrics) BrowserOption {
	return func(b *Browser) { b.metrics = m }
}

// WithTracer traces navigations and commands of every connection with t.
func WithTracer(t *trace.Tracer) BrowserOption {
	return func(b *Browser) { b.tracer = t }
}

// WithFilePersister stores screenshots with p instead of on the local disk.
func WithFilePersister(p storage.FilePersister) BrowserOption {
	return func(b *Browser) { b.persister = p }
}

// WithHTTPClient replaces the client polling the discovery endpoint.
func WithHTTPClient(c *http.Client) BrowserOption {
	return func(b *Browser) { b.httpClient = c }
}

func withVersionPolling(attempts int, backoff time.Duration) BrowserOption {
	return func(b *Browser) {
		b.versionAttempts = attempts
		b.versionBackoff = backoff
	}
}

// Browser is a launched or attached browser. It owns the browser process,
// if any, and the root connection to the browser endpoint, and it tracks
// the targets of the browser as Tabs.
type Browser struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	logger *log.Logger

	metrics    *metrics.CustomMetrics
	tracer     *trace.Tracer
	persister  storage.FilePersister
	httpClient *http.Client

	versionAttempts int
	versionBackoff  time.Duration

	process *BrowserProcess
	meta    processMeta
	info    *VersionInfo

	conn           *cdpconn.Connection
	browserDomain  domains.Browser
	targetDomain   domains.Target
	storageDomain  domains.Storage
	removeHandlers []func()

	// targets is written by the target event handlers and UpdateTargets.
	targetsMu sync.RWMutex
	targets   []*Tab

	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// NewBrowser launches a browser, or attaches to the endpoint of cfg, and
// connects to it. It is the only way to get a usable Browser. Stop must be
// called to release it, see WithBrowser.
func NewBrowser(ctx context.Context, cfg *config.Config, logger *log.Logger, opts ...BrowserOption) (*Browser, error) {
	if ctx == nil {
		return nil, errors.New("creating browser: nil context")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("creating browser: %w", err)
	}
	if cfg == nil {
		cfg = config.New()
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}

	b := &Browser{
		config:          cfg,
		logger:          logger,
		persister:       &storage.LocalFilePersister{},
		httpClient:      &http.Client{Timeout: 2 * time.Second},
		versionAttempts: defaultVersionAttempts,
		versionBackoff:  defaultVersionBackoff,
		meta:            newRemoteProcessMeta(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	if err := b.start(ctx); err != nil {
		b.cleanupFailedStart()
		return nil, err
	}

	return b, nil
}

func (b *Browser) start(ctx context.Context) error {
	if err := b.config.Prepare(); err != nil {
		return &LaunchError{Err: err}
	}
	if !b.config.Attach() {
		if err := b.launch(ctx); err != nil {
			return err
		}
	}

	info, err := b.fetchVersion(ctx)
	if err != nil {
		return &LaunchError{Err: err, Hint: b.launchHint()}
	}
	b.info = info
	b.logger.Debugf("Browser:start", "browser:%q protocol:%q wsURL:%q",
		info.Browser, info.ProtocolVersion, info.WebSocketDebuggerURL)

	b.conn = cdpconn.NewConnection(b.ctx, info.WebSocketDebuggerURL, b.logger, b.connOptions("")...)
	b.browserDomain = domains.NewBrowser(b.conn)
	b.targetDomain = domains.NewTarget(b.conn)
	b.storageDomain = domains.NewStorage(b.conn)
	if err := b.conn.Open(ctx); err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}

	if !b.config.AutoDiscoverTargets {
		return nil
	}
	b.initEvents()
	if err := b.targetDomain.SetDiscoverTargets(ctx, true); err != nil {
		return err
	}
	return b.UpdateTargets(ctx)
}

func (b *Browser) launch(ctx context.Context) error {
	args := b.config.Args()
	b.logger.Debugf("Browser:launch", "path:%q args:%q", b.config.ExecutablePath, args)

	p, err := NewBrowserProcess(ctx, b.config.ExecutablePath, args, nil, b.logger)
	if err != nil {
		return &LaunchError{Err: err, Hint: b.launchHint()}
	}
	b.process = p
	b.meta = newLocalProcessMeta(p, b.config.UserDataDir, b.config)
	b.logger.Debugf("Browser:launch", "pid:%d profile:%q", p.Pid(), b.config.UserDataDir)

	return nil
}

func (b *Browser) launchHint() string {
	if b.config.Attach() {
		return fmt.Sprintf("is a browser listening on %s with remote debugging enabled?", b.config.DebuggerAddr())
	}
	if b.config.IsRoot() && !b.config.Sandbox {
		return "running as root: the browser must run with --no-sandbox, " +
			"check that BrowserArgs do not turn the sandbox back on"
	}
	return "check that the executable starts on this machine"
}

// cleanupFailedStart releases what a failed start acquired.
func (b *Browser) cleanupFailedStart() {
	if b.conn != nil {
		_ = b.conn.Close()
	}
	if b.process != nil && !b.process.Exited() {
		_ = b.process.Kill()
		_ = b.process.WaitExit(context.Background(), shutdownGrace)
	}
	cleanup := b.meta.Cleanup
	if b.process == nil && b.config.OwnsProfile() {
		// the profile was prepared but the process never started.
		cleanup = b.config.Cleanup
	}
	if err := cleanup(); err != nil {
		b.logger.Warnf("Browser:start", "cleaning up profile: %v", err)
	}
	b.cancel()
}

// fetchVersion polls the discovery endpoint until it answers.
func (b *Browser) fetchVersion(ctx context.Context) (*VersionInfo, error) {
	u := "http://" + b.config.DebuggerAddr() + "/json/version"

	var lastErr error
	for attempt := 0; attempt < b.versionAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * b.versionBackoff
			if delay > maxVersionBackoff {
				delay = maxVersionBackoff
			}
			if err := b.waitLaunched(ctx, delay); err != nil {
				return nil, err
			}
		}

		info, err := b.getVersion(ctx, u)
		if err == nil {
			return info, nil
		}
		lastErr = err
		b.logger.Debugf("Browser:fetchVersion", "url:%q attempt:%d err:%v", u, attempt+1, err)
	}

	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", u, b.versionAttempts, lastErr)
}

// waitLaunched waits for d, failing early when the launched process exits.
func (b *Browser) waitLaunched(ctx context.Context, d time.Duration) error {
	var done <-chan struct{}
	if b.process != nil {
		done = b.process.Done()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-done:
		return fmt.Errorf("%w: %v", errProcessEnded, b.process.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Browser) getVersion(ctx context.Context, u string) (*VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building version request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding version info: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, errors.New("version info has no webSocketDebuggerUrl")
	}

	return &info, nil
}

func (b *Browser) connOptions(targetID string) []cdpconn.Option {
	var opts []cdpconn.Option
	if b.config.IdleTimeout > 0 {
		opts = append(opts, cdpconn.WithIdleTimeout(b.config.IdleTimeout))
	}
	if targetID != "" {
		opts = append(opts, cdpconn.WithTargetID(targetID))
	}
	if b.metrics != nil {
		opts = append(opts, cdpconn.WithObserver(b.metrics))
	}
	if b.tracer != nil {
		opts = append(opts, cdpconn.WithTracer(b.tracer))
	}
	return opts
}

func (b *Browser) initEvents() {
	b.removeHandlers = append(b.removeHandlers,
		b.conn.AddHandler(cdproto.EventTargetTargetCreated, b.onTargetCreated),
		b.conn.AddHandler(cdproto.EventTargetTargetDestroyed, b.onTargetDestroyed),
		b.conn.AddHandler(cdproto.EventTargetTargetInfoChanged, b.onTargetInfoChanged),
		b.conn.AddHandler(cdproto.EventTargetTargetCrashed, b.onTargetCrashed),
	)
}

// The target handlers run on the root connection's listener and must not
// send commands on it.

func (b *Browser) onTargetCreated(_ context.Context, ev *cdpconn.EventTransaction) error {
	e, ok := ev.Event.(*cdpt.EventTargetCreated)
	if !ok || e.TargetInfo == nil {
		return nil
	}
	b.logger.Debugf("Browser:onTargetCreated", "tid:%v type:%q url:%q", e.TargetInfo.TargetID, e.TargetInfo.Type, e.TargetInfo.URL)
	b.addTarget(e.TargetInfo)

	return nil
}

func (b *Browser) onTargetDestroyed(_ context.Context, ev *cdpconn.EventTransaction) error {
	e, ok := ev.Event.(*cdpt.EventTargetDestroyed)
	if !ok {
		return nil
	}
	b.logger.Debugf("Browser:onTargetDestroyed", "tid:%v", e.TargetID)
	b.removeTarget(string(e.TargetID))

	return nil
}

func (b *Browser) onTargetInfoChanged(_ context.Context, ev *cdpconn.EventTransaction) error {
	e, ok := ev.Event.(*cdpt.EventTargetInfoChanged)
	if !ok || e.TargetInfo == nil {
		return nil
	}
	if b.updateTarget(e.TargetInfo) == nil {
		b.logger.Debugf("Browser:onTargetInfoChanged", "tid:%v unknown target, ignoring", e.TargetInfo.TargetID)
	}

	return nil
}

func (b *Browser) onTargetCrashed(_ context.Context, ev *cdpconn.EventTransaction) error {
	e, ok := ev.Event.(*cdpt.EventTargetCrashed)
	if !ok {
		return nil
	}
	tab := b.TabByID(string(e.TargetID))
	if tab == nil {
		return nil
	}
	tab.crashed.Store(true)
	b.logger.Warnf("Browser:onTargetCrashed", "tid:%v url:%q status:%q code:%d",
		e.TargetID, tab.URL(), e.Status, e.ErrorCode)

	return nil
}

// addTarget updates the info of the matching Tab in place, or appends a new
// Tab for it.
func (b *Browser) addTarget(info *cdpt.Info) *Tab {
	b.targetsMu.Lock()
	tab := b.findTarget(string(info.TargetID))
	if tab == nil {
		tab = newTab(b, info)
		b.targets = append(b.targets, tab)
		b.targetsMu.Unlock()
		b.reportTargets()
		return tab
	}
	b.targetsMu.Unlock()

	b.setTargetInfo(tab, info)
	return tab
}

// updateTarget updates the info of the matching Tab in place. It returns nil
// when no Tab has the id of info.
func (b *Browser) updateTarget(info *cdpt.Info) *Tab {
	b.targetsMu.RLock()
	tab := b.findTarget(string(info.TargetID))
	b.targetsMu.RUnlock()
	if tab == nil {
		return nil
	}

	b.setTargetInfo(tab, info)
	return tab
}

// findTarget must be called with targetsMu held.
func (b *Browser) findTarget(id string) *Tab {
	for _, t := range b.targets {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

func (b *Browser) setTargetInfo(tab *Tab, info *cdpt.Info) {
	if old := tab.setInfo(info); old != nil && b.logger.DebugMode() {
		if diff := cmp.Diff(old, info); diff != "" {
			b.logger.Debugf("Browser:onTargetInfoChanged", "tid:%v diff (-old +new):\n%s", info.TargetID, diff)
		}
	}
	b.reportTargets()
}

func (b *Browser) removeTarget(id string) {
	b.targetsMu.Lock()
	for i, t := range b.targets {
		if t.ID() == id {
			b.targets = append(b.targets[:i:i], b.targets[i+1:]...)
			break
		}
	}
	b.targetsMu.Unlock()

	if b.tracer != nil {
		b.tracer.EndNavigation(id)
	}
	b.reportTargets()
}

func (b *Browser) reportTargets() {
	if b.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, t := range b.Targets() {
		counts[t.Type()]++
	}
	b.metrics.SetTargets(counts)
}

// UpdateTargets fetches the current targets of the browser and adds or
// updates their Tabs.
func (b *Browser) UpdateTargets(ctx context.Context) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	infos, err := b.targetDomain.GetTargets(ctx)
	if err != nil {
		return fmt.Errorf("updating targets: %w", err)
	}
	for _, info := range infos {
		b.addTarget(info)
	}

	return nil
}

// Targets returns the Tabs of every known target, in discovery order.
func (b *Browser) Targets() []*Tab {
	b.targetsMu.RLock()
	defer b.targetsMu.RUnlock()

	return append([]*Tab(nil), b.targets...)
}

// Tabs returns the Tabs of page targets, in discovery order.
func (b *Browser) Tabs() []*Tab {
	b.targetsMu.RLock()
	defer b.targetsMu.RUnlock()

	tabs := make([]*Tab, 0, len(b.targets))
	for _, t := range b.targets {
		if t.Type() == pageTargetType {
			tabs = append(tabs, t)
		}
	}
	return tabs
}

// MainTab returns the first discovered page target, or nil.
func (b *Browser) MainTab() *Tab {
	b.targetsMu.RLock()
	defer b.targetsMu.RUnlock()

	for _, t := range b.targets {
		if t.Type() == pageTargetType {
			return t
		}
	}
	return nil
}

// TabByID returns the Tab of target id, or nil.
func (b *Browser) TabByID(id string) *Tab {
	b.targetsMu.RLock()
	defer b.targetsMu.RUnlock()

	return b.findTarget(id)
}

// Get navigates to url, in a new tab or window if asked, otherwise in the
// main tab. It waits a short while afterwards for the document to exist.
func (b *Browser) Get(ctx context.Context, url string, newTab, newWindow bool) (*Tab, error) {
	if err := b.checkRunning(); err != nil {
		return nil, err
	}

	var tab *Tab
	if !newTab && !newWindow {
		tab = b.MainTab()
		if tab == nil {
			if err := b.UpdateTargets(ctx); err != nil {
				return nil, err
			}
			tab = b.MainTab()
		}
	}

	if tab != nil {
		if err := tab.navigate(ctx, url); err != nil {
			return nil, err
		}
	} else {
		id, err := b.targetDomain.CreateTarget(ctx, url, newWindow)
		if err != nil {
			return nil, err
		}
		if tab, err = b.waitForTab(ctx, id); err != nil {
			return nil, err
		}
	}

	if err := sleep(ctx, settleDelay); err != nil {
		return nil, err
	}
	return tab, nil
}

// waitForTab waits for the Tab of a just created target, refreshing the
// targets in case the created event is late or discovery is off.
func (b *Browser) waitForTab(ctx context.Context, id string) (*Tab, error) {
	ctx, cancel := context.WithTimeout(ctx, createTargetTimeout)
	defer cancel()

	for {
		if tab := b.TabByID(id); tab != nil {
			return tab, nil
		}
		if err := b.UpdateTargets(ctx); err != nil && ctx.Err() == nil {
			b.logger.Debugf("Browser:waitForTab", "tid:%v err:%v", id, err)
		}
		if tab := b.TabByID(id); tab != nil {
			return tab, nil
		}
		if err := sleep(ctx, createTargetPoll); err != nil {
			return nil, &TimeoutError{What: fmt.Sprintf("target %q", id), Timeout: createTargetTimeout}
		}
	}
}

// pageURL is the websocket URL of target id on the browser endpoint.
func (b *Browser) pageURL(id string) string {
	u, err := url.Parse(b.info.WebSocketDebuggerURL)
	if err != nil || u.Host == "" {
		return "ws://" + b.config.DebuggerAddr() + "/devtools/page/" + id
	}
	return u.Scheme + "://" + u.Host + "/devtools/page/" + id
}

// Version returns the version info of the discovery endpoint.
func (b *Browser) Version() *VersionInfo { return b.info }

// UserAgent returns the browser's user agent.
func (b *Browser) UserAgent() string { return b.info.UserAgent }

// Pid returns the browser process id, -1 when attached.
func (b *Browser) Pid() int { return b.meta.Pid() }

// Connection returns the root connection.
func (b *Browser) Connection() *cdpconn.Connection { return b.conn }

// IsConnected reports whether the root connection is open.
func (b *Browser) IsConnected() bool {
	return !b.stopped.Load() && !b.conn.Closed()
}

// Cookies returns all browser cookies.
func (b *Browser) Cookies(ctx context.Context) ([]*network.Cookie, error) {
	if err := b.checkRunning(); err != nil {
		return nil, err
	}
	return b.storageDomain.GetCookies(ctx) //nolint:wrapcheck
}

// SetCookies sets browser cookies.
func (b *Browser) SetCookies(ctx context.Context, cookies []*network.CookieParam) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	return b.storageDomain.SetCookies(ctx, cookies) //nolint:wrapcheck
}

// ClearCookies deletes all browser cookies.
func (b *Browser) ClearCookies(ctx context.Context) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	return b.storageDomain.ClearCookies(ctx) //nolint:wrapcheck
}

func (b *Browser) checkRunning() error {
	if b.stopped.Load() {
		return ErrBrowserStopped
	}
	return nil
}

// Stop shuts the browser down. A launched browser is closed through the
// protocol first, then terminated, killed and signalled until one step
// works. Tab connections and the root connection are closed and the
// temporary profile is removed. Stop is safe to call more than once.
func (b *Browser) Stop() error {
	b.stopOnce.Do(func() { b.stopErr = b.stop() })
	return b.stopErr
}

func (b *Browser) stop() error {
	b.stopped.Store(true)
	b.logger.Debugf("Browser:Stop", "pid:%d", b.meta.Pid())

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var errs []error
	if b.process != nil {
		steps := processShutdownSteps(b.process, b.browserDomain.Close, shutdownGrace)
		err := runShutdown(ctx, steps, func(e *ShutdownStepError) {
			b.logger.Debugf("Browser:Stop", "pid:%d %v", b.process.Pid(), e)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, remove := range b.removeHandlers {
		remove()
	}
	var g errgroup.Group
	for _, t := range b.Targets() {
		g.Go(func() error {
			if b.tracer != nil {
				b.tracer.EndNavigation(t.ID())
			}
			return t.Connection.Close()
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("closing tab connections: %w", err))
	}
	if err := b.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing browser connection: %w", err))
	}

	if err := b.meta.Cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("cleaning up profile: %w", err))
	}
	b.cancel()

	return errors.Join(errs...)
}

func isConnectionClosed(err error) bool {
	return errors.Is(err, cdpconn.ErrConnectionClosed)
}
