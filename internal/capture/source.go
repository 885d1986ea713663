// Package capture obtains the live document of a page: either as served over
// HTTP or as rendered by a headless browser after its scripts ran.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"pagepack/inline"
)

const (
	ModeHTTP    = "http"
	ModeBrowser = "browser"
)

const acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// Request describes one capture.
type Request struct {
	URL string
	// Header and Jar carry the ambient credentials of the page. HTTPSource
	// relies on its fetcher for them.
	Header http.Header
	Jar    http.CookieJar
}

// Source produces the document of a page.
type Source interface {
	Capture(ctx context.Context, req Request) (*inline.Document, error)
}

// HTTPSource captures a page by fetching and parsing its markup.
type HTTPSource struct {
	Fetch inline.Fetcher
}

func (s HTTPSource) Capture(ctx context.Context, req Request) (*inline.Document, error) {
	target := strings.TrimSpace(req.URL)
	if _, err := inline.ParseBase(target); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	res, err := s.Fetch.Fetch(ctx, target, acceptHTML)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", target, err)
	}
	// redirects move the base
	pageURL := res.URL
	if pageURL == "" {
		pageURL = target
	}
	return inline.ParseDocument(bytes.NewReader(res.Body), pageURL, res.ContentType)
}
