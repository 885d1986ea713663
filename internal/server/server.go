// Package server exposes the snapshot pipeline to a control surface: a page
// is injected into a session, the session is asked to download itself and the
// finished file is handed out once.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pagepack/inline"
	"pagepack/internal/capture"
)

const (
	defaultReleaseAfter = 10 * time.Second
	defaultSessionTTL   = 30 * time.Minute
)

// Config describes server wiring and runtime behaviour.
type Config struct {
	// Mode is the capture mode used unless a site configuration overrides it.
	Mode    string
	Browser capture.BrowserOptions

	Header       http.Header
	FetchTimeout time.Duration
	MaxBytes     int64
	MaxInFlight  int
	Rewriter     string
	Namer        *inline.Namer

	ReleaseAfter time.Duration
	SessionTTL   time.Duration
	SitesDir     string

	Logger *zap.Logger
	Clock  func() time.Time
	// Sources replaces the capture source of a mode.
	Sources map[string]capture.Source
	// Transport replaces the round tripper of resource fetches.
	Transport http.RoundTripper
}

// Server exposes the HTTP handlers of the trigger protocol.
type Server struct {
	cfg       Config
	mux       *http.ServeMux
	handler   http.Handler
	log       *zap.Logger
	sessions  *sessionStore
	artifacts *artifactStore
	jars      *cookieJarStore
	sites     *siteConfigStore
	limiter   *inline.Limiter
	clock     func() time.Time

	browserOnce sync.Once
	browser     *capture.BrowserSource
}

// New wires a new server with the provided configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Mode == "" {
		cfg.Mode = capture.ModeHTTP
	}
	if cfg.ReleaseAfter <= 0 {
		cfg.ReleaseAfter = defaultReleaseAfter
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	// reject a bad rewriter name before serving
	if _, err := inline.New(nil, inline.Options{Rewriter: cfg.Rewriter}); err != nil {
		return nil, err
	}
	log := cfg.Logger.Named("server")
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		log:       log,
		sessions:  newSessionStore(cfg.SessionTTL, cfg.Clock),
		artifacts: newArtifactStore(cfg.ReleaseAfter, cfg.Clock),
		jars:      newCookieJarStore(),
		sites:     newSiteConfigStore(cfg.SitesDir, log),
		limiter:   inline.NewLimiter(cfg.MaxInFlight),
		clock:     cfg.Clock,
	}
	s.registerRoutes()
	s.handler = withLogging(log, s.mux)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("PUT /sessions/{id}", s.handleInject)
	s.mux.HandleFunc("POST /sessions/{id}/messages", s.handleMessage)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDrop)
	s.mux.HandleFunc("GET /artifacts/{id}", s.handleArtifact)
}

// Serve accepts connections on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// a snapshot of a heavy page takes a while
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     zap.NewStdLog(s.log),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(s.cfg.ReleaseAfter)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.artifacts.Sweep()
			}
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("Listening", zap.Stringer("addr", ln.Addr()))

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
		if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			err = multierr.Append(err, serr)
		}
	}
	<-sweepDone
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return multierr.Append(err, s.Close())
}

// Close releases the browser if one was started.
func (s *Server) Close() error {
	if s.browser != nil {
		s.browser.Close()
	}
	return nil
}

// source returns the capture source for mode.
func (s *Server) source(mode string, f inline.Fetcher) (capture.Source, error) {
	if src, ok := s.cfg.Sources[mode]; ok {
		return src, nil
	}
	switch mode {
	case capture.ModeHTTP:
		return capture.HTTPSource{Fetch: f}, nil
	case capture.ModeBrowser:
		s.browserOnce.Do(func() {
			s.browser = capture.NewBrowserSource(s.cfg.Browser, s.log)
		})
		return s.browser, nil
	}
	return nil, fmt.Errorf("unknown capture mode %q", mode)
}

// sessionFetch prepares the fetch primitive of a session: configured headers
// plus site headers, the session cookie jar and the shared in-flight bound.
func (s *Server) sessionFetch(id, target string) (inline.Fetcher, http.Header, http.CookieJar, string) {
	hdr := s.cfg.Header.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	mode := s.cfg.Mode
	if site := s.sites.Find(target); site != nil {
		for k, v := range site.Headers {
			hdr.Set(k, v)
		}
		if site.Mode != "" {
			mode = site.Mode
		}
	}
	jar := s.jars.Get(id)
	f := s.limiter.Wrap(inline.NewHTTPFetcher(inline.FetchOptions{
		Header:    hdr,
		Jar:       jar,
		Timeout:   s.cfg.FetchTimeout,
		MaxBytes:  s.cfg.MaxBytes,
		Transport: s.cfg.Transport,
	}))
	return f, hdr, jar, mode
}
