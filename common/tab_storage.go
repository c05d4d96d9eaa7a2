package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/grafana/cdpdriver/common/js"
)

const defaultDownloadDir = "downloads"

// SaveScreenshot captures the page and stores it as filename with the file
// persister of the browser. An empty or "auto" filename is generated from
// the page host and the current time. format is "jpeg" or "png"; fullPage
// captures beyond the viewport. It returns the stored filename.
func (t *Tab) SaveScreenshot(ctx context.Context, filename, format string, fullPage bool) (string, error) {
	format = strings.ToLower(format)
	switch format {
	case "", "jpg", "jpeg":
		format = "jpeg"
	case "png":
	default:
		return "", fmt.Errorf("unsupported screenshot format %q", format)
	}
	if filename == "" || filename == "auto" {
		filename = screenshotName(t.URL(), format, time.Now())
	}

	data, err := t.page.CaptureScreenshot(ctx, format, fullPage)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	if err := t.browser.persister.Persist(ctx, filename, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("saving screenshot %q: %w", filename, err)
	}
	t.logger.Debugf("Tab:SaveScreenshot", "tid:%v file:%q bytes:%d", t.ID(), filename, len(data))

	return filename, nil
}

func screenshotName(pageURL, format string, now time.Time) string {
	host := "screenshot"
	if u, err := url.Parse(pageURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	ext := "jpg"
	if format == "png" {
		ext = "png"
	}
	return fmt.Sprintf("%s__%s.%s", host, now.Format("2006-01-02_15-04-05"), ext)
}

// SetDownloadPath allows downloads and stores them in dir, which is
// created when missing.
func (t *Tab) SetDownloadPath(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving download path %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("creating download path: %w", err)
	}
	if err := t.browserDomain.SetDownloadPath(ctx, abs); err != nil {
		return err //nolint:wrapcheck
	}

	t.downloadMu.Lock()
	t.downloadPath = abs
	t.downloadMu.Unlock()

	return nil
}

// DownloadPath returns the download directory, if one was set.
func (t *Tab) DownloadPath() string {
	t.downloadMu.Lock()
	defer t.downloadMu.Unlock()
	return t.downloadPath
}

// DownloadFile downloads rawURL with the cookies of the page into the
// download directory, "downloads" unless SetDownloadPath was called. An
// empty filename is taken from the URL path. It returns the size of the
// downloaded file.
func (t *Tab) DownloadFile(ctx context.Context, rawURL, filename string) (int64, error) {
	if t.DownloadPath() == "" {
		if err := t.SetDownloadPath(ctx, defaultDownloadDir); err != nil {
			return 0, err
		}
	}
	if filename == "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return 0, fmt.Errorf("parsing download url: %w", err)
		}
		filename = path.Base(u.Path)
		if filename == "/" || filename == "." {
			filename = u.Hostname()
		}
	}

	var size int64
	if err := t.EvaluateInto(ctx, callExpr(js.DownloadFileScript, rawURL, filename), &size); err != nil {
		return 0, fmt.Errorf("downloading %q: %w", rawURL, err)
	}
	return size, nil
}

// GetLocalStorage returns the local storage of the page.
func (t *Tab) GetLocalStorage(ctx context.Context) (map[string]string, error) {
	items := make(map[string]string)
	if err := t.EvaluateInto(ctx, callExpr(js.LocalStorageScript, nil), &items); err != nil {
		return nil, fmt.Errorf("getting local storage: %w", err)
	}
	return items, nil
}

// SetLocalStorage stores items in the local storage of the page.
func (t *Tab) SetLocalStorage(ctx context.Context, items map[string]string) error {
	if err := t.EvaluateInto(ctx, callExpr(js.LocalStorageScript, items), nil); err != nil {
		return fmt.Errorf("setting local storage: %w", err)
	}
	return nil
}

// ScrollDown scrolls down by percent of the viewport height.
func (t *Tab) ScrollDown(ctx context.Context, percent int) error {
	return t.scrollBy(ctx, percent)
}

// ScrollUp scrolls up by percent of the viewport height.
func (t *Tab) ScrollUp(ctx context.Context, percent int) error {
	return t.scrollBy(ctx, -percent)
}

func (t *Tab) scrollBy(ctx context.Context, percent int) error {
	expr := fmt.Sprintf("window.scrollBy(0, window.innerHeight * %d / 100)", percent)
	if err := t.EvaluateInto(ctx, expr, nil); err != nil {
		return fmt.Errorf("scrolling by %d%%: %w", percent, err)
	}
	return nil
}

// callExpr is an expression calling the function expression fn with the
// JSON encoding of args.
func callExpr(fn string, args ...any) string {
	encoded := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			b = []byte("null")
		}
		encoded[i] = string(b)
	}
	return fmt.Sprintf("(%s)(%s)", strings.TrimSpace(fn), strings.Join(encoded, ", "))
}
