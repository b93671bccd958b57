// Package report renders inspection reports: the HTML page served to the
// headless browser and the PDF captured from it.
package report

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrBrowserMissing indicates no usable Chromium binary was found.
var ErrBrowserMissing = errors.New("report renderer: chromium not installed")

const lifecycleNetworkIdle = "networkIdle"

var browserCandidates = []string{"chromium-browser", "chromium", "google-chrome", "headless-shell"}

type RendererConfig struct {
	// ExecPath pins the browser binary. Empty means search PATH.
	ExecPath string
	Timeout  time.Duration
}

// Renderer prints pages to PDF with a fresh headless browser per call.
type Renderer struct {
	execPath string
	timeout  time.Duration
	lookPath func(string) (string, error)
}

func NewRenderer(cfg RendererConfig) *Renderer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Renderer{execPath: cfg.ExecPath, timeout: timeout, lookPath: exec.LookPath}
}

func (r *Renderer) resolveBrowser() (string, error) {
	if r.execPath != "" {
		path, err := r.lookPath(r.execPath)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBrowserMissing, r.execPath)
		}
		return path, nil
	}
	for _, candidate := range browserCandidates {
		if path, err := r.lookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", ErrBrowserMissing
}

// Render navigates to url, waits until the page reports network idle and
// prints it to PDF. The whole call is bounded by the configured timeout.
func (r *Renderer) Render(ctx context.Context, url string) ([]byte, error) {
	browser, err := r.resolveBrowser()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(browser),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	// The first run starts the browser and attaches the target so listeners
	// can be registered on it.
	if err := chromedp.Run(taskCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	})); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	watcher := newIdleWatcher()
	chromedp.ListenTarget(taskCtx, watcher.observe)

	var pdf []byte
	err = chromedp.Run(taskCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var nav page.NavigateReturns
			if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &nav); err != nil {
				return fmt.Errorf("navigate: %w", err)
			}
			if nav.ErrorText != "" {
				return fmt.Errorf("navigate %s: %s", url, nav.ErrorText)
			}
			return watcher.wait(ctx, nav.LoaderID)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27). // A4
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.5).
				WithMarginLeft(0.5).
				WithMarginRight(0.5).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	if len(pdf) == 0 {
		return nil, errors.New("chrome pdf generation returned no bytes")
	}
	return pdf, nil
}

// idleWatcher records which loaders reached network idle. Events can arrive
// before the navigation result, so every loader is remembered.
type idleWatcher struct {
	mu     sync.Mutex
	idle   map[cdp.LoaderID]struct{}
	notify chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{idle: map[cdp.LoaderID]struct{}{}, notify: make(chan struct{}, 1)}
}

func (w *idleWatcher) observe(ev any) {
	event, ok := ev.(*page.EventLifecycleEvent)
	if !ok || event.Name != lifecycleNetworkIdle {
		return
	}
	w.mu.Lock()
	w.idle[event.LoaderID] = struct{}{}
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *idleWatcher) reached(loaderID cdp.LoaderID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if loaderID == "" {
		// Same-document navigations carry no loader; any idle signal counts.
		return len(w.idle) > 0
	}
	_, ok := w.idle[loaderID]
	return ok
}

func (w *idleWatcher) wait(ctx context.Context, loaderID cdp.LoaderID) error {
	for {
		if w.reached(loaderID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		case <-w.notify:
		}
	}
}

// ObjectName derives the artifact object key for a report.
func ObjectName(prettyID string) string {
	return "reports/" + sanitizeFilename(prettyID) + ".pdf"
}

func sanitizeFilename(title string) string {
	result := make([]rune, 0, len(title))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result = append(result, r)
		case r == ' ':
			result = append(result, '-')
		case r == '-', r == '_':
			result = append(result, r)
		}
	}
	if len(result) > 64 {
		result = result[:64]
	}
	if len(result) == 0 {
		return "report"
	}
	return string(result)
}
