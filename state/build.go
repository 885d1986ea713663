package state

import (
	"fmt"
	"net/http"

	"pagepack/inline"
	"pagepack/internal/capture"
	"pagepack/internal/server"
)

// NewFetcher returns the fetch primitive described by the configuration,
// bounded to fetch.max_in_flight concurrent requests.
func (e *LocalEnv) NewFetcher(jar http.CookieJar) inline.Fetcher {
	fc := e.Cfg.Fetch
	return inline.Limit(inline.NewHTTPFetcher(inline.FetchOptions{
		Header:   fc.Header(),
		Jar:      jar,
		Timeout:  fc.Timeout,
		MaxBytes: fc.MaxBytes,
	}), fc.MaxInFlight)
}

func (e *LocalEnv) NewPipeline(f inline.Fetcher) (*inline.Pipeline, error) {
	p, err := inline.New(f, inline.Options{
		Rewriter: e.Cfg.Stylesheet.Rewriter,
		Logger:   e.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to prepare pipeline: %w", err)
	}
	return p, nil
}

func (e *LocalEnv) NewNamer() (*inline.Namer, error) {
	return inline.NewNamer(inline.NameOptions{
		Transliterate: e.Cfg.Output.Transliterate,
		Template:      e.Cfg.Output.NameTemplate,
	})
}

func (e *LocalEnv) BrowserOptions() capture.BrowserOptions {
	bc := e.Cfg.Capture.Browser
	return capture.BrowserOptions{
		ExecPath:        bc.ExecPath,
		Headless:        bc.Headless,
		WaitSelector:    bc.WaitSelector,
		WaitNetworkIdle: bc.WaitNetworkIdle,
		AfterLoad:       bc.AfterLoad,
		Timeout:         bc.Timeout,
		ViewportWidth:   bc.ViewportWidth,
		ViewportHeight:  bc.ViewportHeight,
	}
}

// NewSource returns the capture source of the configured mode. The returned
// function releases it.
func (e *LocalEnv) NewSource(f inline.Fetcher) (capture.Source, func(), error) {
	switch mode := e.Cfg.Capture.Mode; mode {
	case capture.ModeHTTP, "":
		return capture.HTTPSource{Fetch: f}, func() {}, nil
	case capture.ModeBrowser:
		b := capture.NewBrowserSource(e.BrowserOptions(), e.Log)
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown capture mode %q", mode)
	}
}

// ServerConfig translates the configuration into server wiring.
func (e *LocalEnv) ServerConfig() (server.Config, error) {
	namer, err := e.NewNamer()
	if err != nil {
		return server.Config{}, fmt.Errorf("unable to prepare file namer: %w", err)
	}
	return server.Config{
		Mode:         e.Cfg.Capture.Mode,
		Browser:      e.BrowserOptions(),
		Header:       e.Cfg.Fetch.Header(),
		FetchTimeout: e.Cfg.Fetch.Timeout,
		MaxBytes:     e.Cfg.Fetch.MaxBytes,
		MaxInFlight:  e.Cfg.Fetch.MaxInFlight,
		Rewriter:     e.Cfg.Stylesheet.Rewriter,
		Namer:        namer,
		ReleaseAfter: e.Cfg.Server.ReleaseAfter,
		SessionTTL:   e.Cfg.Server.SessionTTL,
		SitesDir:     e.Cfg.Server.SitesDir,
		Logger:       e.Log,
	}, nil
}
