package inline

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// DefaultUserAgent is sent when the caller did not configure one.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124 Safari/537.36 pagepack/1.0"

const defaultFetchTimeout = 8 * time.Second

// Resource is the payload returned by a Fetcher.
type Resource struct {
	URL         string
	ContentType string
	Body        []byte
}

// Fetcher is the network primitive the pipeline runs on: given an absolute
// URL it returns the bytes behind it or fails.
type Fetcher interface {
	Fetch(ctx context.Context, absURL, accept string) (*Resource, error)
}

// FetchOptions configures HTTPFetcher.
type FetchOptions struct {
	// Header carries ambient credentials and identity (User-Agent, Cookie,
	// Accept-Language, Referer). Accept is always set per request.
	Header   http.Header
	Jar      http.CookieJar
	Timeout  time.Duration
	MaxBytes int64
	// Transport overrides the default round tripper, tests use it.
	Transport http.RoundTripper
}

// HTTPFetcher is the Fetcher backed by net/http.
type HTTPFetcher struct {
	client   *http.Client
	hdr      http.Header
	maxBytes int64
}

// NewHTTPFetcher returns an HTTPFetcher configured by opts.
func NewHTTPFetcher(opts FetchOptions) *HTTPFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	client := &http.Client{Timeout: timeout, Transport: opts.Transport}
	if opts.Jar != nil {
		client.Jar = opts.Jar
	}
	return &HTTPFetcher{
		client:   client,
		hdr:      opts.Header.Clone(),
		maxBytes: opts.MaxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, absURL, accept string) (*Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, absURL, nil)
	if err != nil {
		return nil, err
	}
	for k, vals := range f.hdr {
		if strings.EqualFold(k, "accept") {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if accept == "" {
		accept = "*/*"
	}
	req.Header.Set("Accept", accept)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: %s", absURL, resp.Status)
	}

	body, err := readBody(resp, f.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", absURL, err)
	}
	final := absURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &Resource{
		URL:         final,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// readBody undoes Content-Encoding the transport left in place (it only does
// so itself when it negotiated gzip) and enforces the size limit.
func readBody(resp *http.Response, maxBytes int64) ([]byte, error) {
	var rc io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		rc = gr
	case "deflate":
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			rc = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			rc = fr
		}
	}
	if maxBytes > 0 {
		rc = io.LimitReader(rc, maxBytes+1)
	}
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBytes)
	}
	return b, nil
}

// FetchText fetches absURL and decodes the payload to UTF-8. The encoding is
// taken from a byte order mark, the charset parameter of the response or a
// leading @charset rule, in that order. Anything else is read as UTF-8.
func FetchText(ctx context.Context, f Fetcher, absURL, accept string) (string, error) {
	res, err := f.Fetch(ctx, absURL, accept)
	if err != nil {
		return "", err
	}
	text, err := decodeText(res.Body, res.ContentType)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", absURL, err)
	}
	return text, nil
}

var (
	bomUTF8    = []byte{0xef, 0xbb, 0xbf}
	bomUTF16BE = []byte{0xfe, 0xff}
	bomUTF16LE = []byte{0xff, 0xfe}
)

// decodeText converts a CSS or script payload to UTF-8. Unlike markup there
// is no sniffing: an undeclared payload is UTF-8.
func decodeText(body []byte, contentType string) (string, error) {
	var label string
	switch {
	case bytes.HasPrefix(body, bomUTF8):
		return string(body[len(bomUTF8):]), nil
	case bytes.HasPrefix(body, bomUTF16BE):
		label, body = "utf-16be", body[len(bomUTF16BE):]
	case bytes.HasPrefix(body, bomUTF16LE):
		label, body = "utf-16le", body[len(bomUTF16LE):]
	default:
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			label = params["charset"]
		}
		if label == "" {
			label = atCharset(body)
		}
	}
	if label == "" {
		return string(body), nil
	}
	enc, name := charset.Lookup(label)
	if enc == nil || name == "utf-8" {
		return string(body), nil
	}
	b, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// atCharset returns the encoding named by a stylesheet's leading
// `@charset "...";` rule. UTF-16 labels are ignored there since the rule
// itself was readable as ASCII.
func atCharset(body []byte) string {
	const prefix = `@charset "`
	if !bytes.HasPrefix(body, []byte(prefix)) {
		return ""
	}
	rest := body[len(prefix):]
	end := bytes.Index(rest, []byte(`";`))
	if end <= 0 || end > 40 {
		return ""
	}
	label := strings.ToLower(string(rest[:end]))
	if strings.HasPrefix(label, "utf-16") {
		return ""
	}
	return label
}

// Limiter bounds the number of requests in flight through every Fetcher it
// wraps.
type Limiter struct {
	sem chan struct{}
}

// NewLimiter allows n concurrent requests. n <= 0 means 1.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{sem: make(chan struct{}, n)}
}

// Wrap returns f sharing the limiter's bound.
func (l *Limiter) Wrap(f Fetcher) Fetcher {
	return &limitedFetcher{next: f, sem: l.sem}
}

// Limit bounds the number of requests in flight through f. n <= 0 means 1.
func Limit(f Fetcher, n int) Fetcher {
	return NewLimiter(n).Wrap(f)
}

type limitedFetcher struct {
	next Fetcher
	sem  chan struct{}
}

func (l *limitedFetcher) Fetch(ctx context.Context, absURL, accept string) (*Resource, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.next.Fetch(ctx, absURL, accept)
}
