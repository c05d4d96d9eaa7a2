package common

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/osext"
)

var (
	errProcessEnded   = errors.New("browser process ended unexpectedly")
	errProcessRunning = errors.New("browser process is still running")
)

// command is what parseDevToolsURL needs from a started process.
type command struct {
	done   <-chan struct{}
	stderr io.Reader
}

// BrowserProcess is a browser started by NewBrowser.
type BrowserProcess struct {
	process *os.Process

	done    chan struct{}
	waitMu  sync.Mutex
	waitErr error

	// WebSocket URL the browser printed on start.
	wsURL string

	logger *log.Logger
}

// NewBrowserProcess starts the browser at path and waits until it prints
// its DevTools URL.
func NewBrowserProcess(
	ctx context.Context, path string, args, env []string, logger *log.Logger,
) (*BrowserProcess, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}

	cmd := exec.Command(path, args...) //nolint:gosec
	osext.KillWithParent(cmd)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	// a plain pipe instead of StderrPipe, so reading it does not race
	// with cmd.Wait.
	stderr, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stderr = w

	err = cmd.Start()
	_ = w.Close()
	if os.IsNotExist(err) {
		_ = stderr.Close()
		return nil, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		_ = stderr.Close()
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	p := &BrowserProcess{
		process: cmd.Process,
		done:    make(chan struct{}),
		logger:  logger,
	}
	go func() {
		err := cmd.Wait()
		p.waitMu.Lock()
		p.waitErr = err
		p.waitMu.Unlock()
		if err != nil {
			logger.Debugf("BrowserProcess:wait", "pid:%d err:%v", cmd.Process.Pid, err)
		}
		close(p.done)
	}()

	lines := newStderrLines(stderr, logger)
	p.wsURL, err = parseDevToolsURL(ctx, command{done: p.done, stderr: lines})
	if err != nil {
		_ = p.process.Kill()
		return nil, err
	}

	return p, nil
}

// newStderrLines copies r into the returned reader and, once the reader is
// not consumed anymore, keeps draining r into the logger so the browser
// never blocks on a full pipe.
func newStderrLines(r io.ReadCloser, logger *log.Logger) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		defer func() { _ = r.Close() }()

		s := bufio.NewScanner(r)
		forward := true
		for s.Scan() {
			line := s.Text()
			logger.Tracef("BrowserProcess:stderr", "%s", line)
			if !forward {
				continue
			}
			if _, err := pw.Write([]byte(line + "\n")); err != nil {
				forward = false
			}
		}
		_ = pw.CloseWithError(s.Err())
	}()
	return pr
}

// parseDevToolsURL scans stderr for the "DevTools listening on" line. If the
// output ends first, the last error the browser printed is returned.
func parseDevToolsURL(ctx context.Context, cmd command) (string, error) {
	type result struct {
		devToolsURL string
		err         error
	}
	c := make(chan result, 1)
	go func() {
		const prefix = "DevTools listening on "

		var (
			s       = bufio.NewScanner(cmd.stderr)
			lastErr string
		)
		for s.Scan() {
			line := s.Text()
			if strings.HasPrefix(line, prefix) {
				c <- result{strings.TrimPrefix(strings.TrimSpace(line), prefix), nil}
				if pr, ok := cmd.stderr.(*io.PipeReader); ok {
					_ = pr.Close()
				}
				return
			}
			if msg, ok := stderrError(line); ok {
				lastErr = msg
			}
		}
		err := s.Err()
		if err == nil {
			err = io.EOF
		}
		if lastErr != "" {
			err = errors.New(lastErr)
		}
		c <- result{"", err}
	}()

	select {
	case r := <-c:
		return r.devToolsURL, r.err
	case <-cmd.done:
		return "", errProcessEnded
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// stderrError extracts the message of a chromium log line such as
// "[6497:6497:1013/103521.932979:ERROR:x11.cc(247)] Missing X server".
func stderrError(line string) (string, bool) {
	if !strings.Contains(line, ":ERROR:") && !strings.Contains(line, ":FATAL:") {
		return "", false
	}
	i := strings.Index(line, "] ")
	if i < 0 {
		return "", false
	}
	return strings.TrimSpace(line[i+2:]), true
}

// WsURL returns the WebSocket URL the browser printed on start.
func (p *BrowserProcess) WsURL() string { return p.wsURL }

// Pid returns the browser process ID.
func (p *BrowserProcess) Pid() int { return p.process.Pid }

// Done is closed once the process exited.
func (p *BrowserProcess) Done() <-chan struct{} { return p.done }

// Exited reports whether the process exited.
func (p *BrowserProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the wait error of an exited process.
func (p *BrowserProcess) Err() error {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.waitErr
}

// Terminate asks the process to exit.
func (p *BrowserProcess) Terminate() error {
	p.logger.Debugf("BrowserProcess:Terminate", "pid:%d", p.Pid())
	if err := p.process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminating pid %d: %w", p.Pid(), err)
	}
	return nil
}

// Kill kills the process.
func (p *BrowserProcess) Kill() error {
	p.logger.Debugf("BrowserProcess:Kill", "pid:%d", p.Pid())
	if err := p.process.Kill(); err != nil {
		return fmt.Errorf("killing pid %d: %w", p.Pid(), err)
	}
	return nil
}

// Signal sends a raw kill signal to the process and its group.
func (p *BrowserProcess) Signal() error {
	p.logger.Debugf("BrowserProcess:Signal", "pid:%d", p.Pid())
	return osext.Signal(p.Pid())
}

// WaitExit waits up to timeout for the process to exit.
func (p *BrowserProcess) WaitExit(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-p.done:
		return nil
	case <-t.C:
		return fmt.Errorf("pid %d after %s: %w", p.Pid(), timeout, errProcessRunning)
	case <-ctx.Done():
		return ctx.Err()
	}
}
