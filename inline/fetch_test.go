package inline

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeFetcher serves canned resources and counts requests per URL.
type fakeFetcher struct {
	mu    sync.Mutex
	res   map[string]*Resource
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{res: make(map[string]*Resource), calls: make(map[string]int)}
}

func (f *fakeFetcher) add(u, ct string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res[u] = &Resource{URL: u, ContentType: ct, Body: body}
}

func (f *fakeFetcher) Fetch(_ context.Context, absURL, _ string) (*Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[absURL]++
	r, ok := f.res[absURL]
	if !ok {
		return nil, fmt.Errorf("GET %s: 404 Not Found", absURL)
	}
	return r, nil
}

func (f *fakeFetcher) count(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestHTTPFetcherHeaders(t *testing.T) {
	t.Parallel()
	var gotAccept, gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer srv.Close()

	hdr := http.Header{}
	hdr.Set("Accept-Language", "de")
	hdr.Set("Accept", "ignored/ignored")
	f := NewHTTPFetcher(FetchOptions{Header: hdr})
	res, err := f.Fetch(context.Background(), srv.URL+"/a.css", "text/css")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "body{}" || res.ContentType != "text/css" {
		t.Fatalf("unexpected resource %+v", res)
	}
	if gotAccept != "text/css" {
		t.Fatalf("Accept = %q", gotAccept)
	}
	if gotUA != DefaultUserAgent {
		t.Fatalf("User-Agent = %q", gotUA)
	}
	if gotLang != "de" {
		t.Fatalf("Accept-Language = %q", gotLang)
	}
}

func TestHTTPFetcherStatusAndLimits(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/gz":
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			_, _ = gz.Write([]byte("compressed text"))
			_ = gz.Close()
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(FetchOptions{MaxBytes: 32})
	ctx := context.Background()

	if _, err := f.Fetch(ctx, srv.URL+"/missing", ""); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
	res, err := f.Fetch(ctx, srv.URL+"/gz", "")
	if err != nil {
		t.Fatalf("gzip fetch: %v", err)
	}
	if string(res.Body) != "compressed text" {
		t.Fatalf("gzip body = %q", res.Body)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/big", ""); err == nil {
		t.Fatalf("expected size limit error")
	}
}

func TestFetchTextDecodesCharset(t *testing.T) {
	t.Parallel()
	asciiLead := strings.Repeat(" ", 1100)
	cases := []struct {
		name string
		ct   string
		body []byte
		want string
	}{
		// "café" in ISO-8859-1
		{"declared latin1", "text/css; charset=iso-8859-1", []byte{'c', 'a', 'f', 0xe9}, "café"},
		{"undeclared css is utf-8", "text/css", []byte(asciiLead + `p::before{content:"→ café"}`), asciiLead + `p::before{content:"→ café"}`},
		{"undeclared script is utf-8", "text/javascript", []byte(strings.Repeat(";", 1100) + `alert('naïve')`), strings.Repeat(";", 1100) + `alert('naïve')`},
		{"no content type", "", []byte("ünïcode"), "ünïcode"},
		{"utf-8 bom", "text/css", append([]byte{0xef, 0xbb, 0xbf}, "a{content:\"é\"}"...), "a{content:\"é\"}"},
		{"utf-16le bom", "text/css", []byte{0xff, 0xfe, 'h', 0, 0xe9, 0}, "hé"},
		{"bom wins over header", "text/css; charset=iso-8859-1", append([]byte{0xef, 0xbb, 0xbf}, "é"...), "é"},
		{"at-charset rule", "text/css", append([]byte(`@charset "windows-1251";`), 0xcf, 0xf0, 0xe8), `@charset "windows-1251";При`},
		{"header wins over at-charset", "text/css; charset=utf-8", []byte(`@charset "windows-1251";é`), `@charset "windows-1251";é`},
		{"unknown label read as utf-8", "text/css; charset=x-no-such", []byte("é"), "é"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ff := newFakeFetcher()
			ff.add("https://a.test/r", tc.ct, tc.body)
			got, err := FetchText(context.Background(), ff, "https://a.test/r", "*/*")
			if err != nil {
				t.Fatalf("FetchText: %v", err)
			}
			if got != tc.want {
				t.Fatalf("FetchText = %q, want %q", got, tc.want)
			}
		})
	}
}

type blockingFetcher struct {
	mu      sync.Mutex
	cur     int
	max     int
	release chan struct{}
}

func (b *blockingFetcher) Fetch(ctx context.Context, absURL, _ string) (*Resource, error) {
	b.mu.Lock()
	b.cur++
	if b.cur > b.max {
		b.max = b.cur
	}
	b.mu.Unlock()
	<-b.release
	b.mu.Lock()
	b.cur--
	b.mu.Unlock()
	return &Resource{URL: absURL}, nil
}

func TestLimitBoundsInFlight(t *testing.T) {
	t.Parallel()
	bf := &blockingFetcher{release: make(chan struct{})}
	lf := Limit(bf, 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = lf.Fetch(context.Background(), fmt.Sprintf("https://a.test/%d", i), "")
		}(i)
	}
	for i := 0; i < 4; i++ {
		bf.release <- struct{}{}
	}
	wg.Wait()
	if bf.max != 1 {
		t.Fatalf("max in flight = %d, want 1", bf.max)
	}
}

func TestLimitHonorsContext(t *testing.T) {
	t.Parallel()
	bf := &blockingFetcher{release: make(chan struct{})}
	lf := Limit(bf, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = lf.Fetch(context.Background(), "https://a.test/hold", "")
	}()
	// wait until the slot is taken
	for {
		bf.mu.Lock()
		cur := bf.cur
		bf.mu.Unlock()
		if cur == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lf.Fetch(ctx, "https://a.test/next", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	bf.release <- struct{}{}
	<-done
}

func TestLimiterSharedAcrossFetchers(t *testing.T) {
	t.Parallel()
	bf := &blockingFetcher{release: make(chan struct{})}
	lim := NewLimiter(1)
	a, b := lim.Wrap(bf), lim.Wrap(bf)

	var wg sync.WaitGroup
	for i, f := range []Fetcher{a, b, a, b} {
		wg.Add(1)
		go func(i int, f Fetcher) {
			defer wg.Done()
			_, _ = f.Fetch(context.Background(), fmt.Sprintf("https://a.test/%d", i), "")
		}(i, f)
	}
	for i := 0; i < 4; i++ {
		bf.release <- struct{}{}
	}
	wg.Wait()
	if bf.max != 1 {
		t.Fatalf("max in flight = %d, want 1", bf.max)
	}
}
