package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"pagepack/inline"
)

const defaultBrowserTimeout = 45 * time.Second

// BrowserOptions configures BrowserSource.
type BrowserOptions struct {
	ExecPath string
	Headless bool
	// WaitSelector must become visible before the page is captured.
	WaitSelector string
	// WaitNetworkIdle is the quiet period without requests required before
	// capture. Zero disables the wait.
	WaitNetworkIdle time.Duration
	AfterLoad       time.Duration
	Timeout         time.Duration
	ViewportWidth   int
	ViewportHeight  int
}

// BrowserSource renders pages in a headless Chrome and captures the live DOM.
type BrowserSource struct {
	opts      BrowserOptions
	allocator context.Context
	cancel    context.CancelFunc
	log       *zap.Logger
}

func NewBrowserSource(opts BrowserOptions, log *zap.Logger) *BrowserSource {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultBrowserTimeout
	}
	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("disable-extensions", true),
	)
	if opts.ExecPath != "" {
		flags = append(flags, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		flags = append(flags, chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), flags...)
	return &BrowserSource{
		opts:      opts,
		allocator: allocCtx,
		cancel:    cancel,
		log:       log.Named("browser"),
	}
}

// Close shuts the browser down.
func (b *BrowserSource) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

// networkTracker counts requests in flight for the idle wait.
type networkTracker struct {
	mu           sync.Mutex
	active       int
	lastActivity time.Time
}

func (t *networkTracker) listen(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.(type) {
	case *network.EventRequestWillBeSent:
		t.active++
		t.lastActivity = time.Now()
	case *network.EventLoadingFinished, *network.EventLoadingFailed:
		if t.active > 0 {
			t.active--
		}
		t.lastActivity = time.Now()
	}
}

func (t *networkTracker) idleFor(quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active == 0 && time.Since(t.lastActivity) >= quiet
}

func (t *networkTracker) wait(quiet time.Duration) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for !t.idleFor(quiet) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		return nil
	}
}

func (b *BrowserSource) Capture(ctx context.Context, req Request) (*inline.Document, error) {
	target := strings.TrimSpace(req.URL)
	if _, err := inline.ParseBase(target); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	taskCtx, cancelBrowser := chromedp.NewContext(b.allocator)
	defer cancelBrowser()
	// bind the tab to the caller so interrupts stop the browser work
	stop := context.AfterFunc(ctx, cancelBrowser)
	defer stop()
	taskCtx, cancel := context.WithTimeout(taskCtx, b.opts.Timeout)
	defer cancel()

	tracker := &networkTracker{lastActivity: time.Now()}
	chromedp.ListenTarget(taskCtx, tracker.listen)

	hdr := req.Header.Clone()
	actions := []chromedp.Action{network.Enable()}
	if ua := hdr.Get("User-Agent"); ua != "" {
		actions = append(actions, emulation.SetUserAgentOverride(ua))
		hdr.Del("User-Agent")
	}
	if extra := extraHeaders(hdr); len(extra) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(extra))
	}
	u, _ := url.Parse(target)
	if params := cookieParams(req.Jar, u); len(params) > 0 {
		actions = append(actions, network.SetCookies(params))
	}

	actions = append(actions,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if sel := strings.TrimSpace(b.opts.WaitSelector); sel != "" {
		actions = append(actions, chromedp.WaitVisible(sel, chromedp.ByQuery))
	}
	if b.opts.WaitNetworkIdle > 0 {
		actions = append(actions, tracker.wait(b.opts.WaitNetworkIdle))
	}
	if b.opts.AfterLoad > 0 {
		actions = append(actions, chromedp.Sleep(b.opts.AfterLoad))
	}

	var finalURL, title, markup string
	var browserCookies []*network.Cookie
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &markup, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			browserCookies, err = network.GetCookies().WithURLs([]string{target}).Do(ctx)
			return err
		}),
	)

	start := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("capture %s: %w", target, err)
	}
	if finalURL == "" {
		finalURL = target
	}
	b.log.Debug("Page rendered", zap.String("url", finalURL), zap.Int("bytes", len(markup)), zap.Duration("elapsed", time.Since(start)))

	storeCookies(req.Jar, finalURL, browserCookies)

	doc, err := inline.ParseDocument(strings.NewReader(markup), finalURL, "text/html; charset=utf-8")
	if err != nil {
		return nil, err
	}
	if t := strings.Join(strings.Fields(title), " "); t != "" {
		doc.Title = t
	}
	return doc, nil
}

// extraHeaders converts hdr to the header set applied to every browser
// request.
func extraHeaders(hdr http.Header) network.Headers {
	extra := network.Headers{}
	for k, vs := range hdr {
		name := http.CanonicalHeaderKey(k)
		if name == "Content-Length" || len(vs) == 0 {
			continue
		}
		extra[name] = strings.Join(vs, ", ")
	}
	return extra
}
