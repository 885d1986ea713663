package trigger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"pagepack/inline"
	"pagepack/internal/server"
)

// recorder remembers the requests a handler saw.
type recorder struct {
	mu    sync.Mutex
	calls []string
	next  http.Handler
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	call := req.Method + " " + req.URL.Path
	if strings.HasPrefix(req.URL.Path, "/artifacts/") {
		call = req.Method + " /artifacts/"
	}
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	r.next.ServeHTTP(w, req)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, `<html><head><title>An Article</title><link rel="stylesheet" href="/a.css"></head><body><p>hi</p></body></html>`)
		case "/a.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, `p { color: red }`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSaveInjectsAndRetriesOnce(t *testing.T) {
	t.Parallel()
	pages := newPageServer(t)
	s, err := server.New(server.Config{
		Logger: zaptest.NewLogger(t),
		Clock:  func() time.Time { return time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{next: s}
	ctl := httptest.NewServer(rec)
	t.Cleanup(ctl.Close)

	c, err := New(ctl.URL, 10*time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	pageURL := pages.URL + "/article"
	path, err := c.Save(context.Background(), pageURL, inline.FileSaver{Dir: dir})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if want := filepath.Join(dir, "an_article_2023-01-02.html"); path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "<style>p { color: red }</style>") {
		t.Fatalf("stylesheet not inlined: %s", data)
	}

	id := server.SessionID(pageURL)
	want := []string{
		"POST /sessions/" + id + "/messages",
		"PUT /sessions/" + id,
		"POST /sessions/" + id + "/messages",
		"GET /artifacts/",
	}
	if got := rec.Calls(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("calls:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	// the session is live now, no inject on the second round
	if _, err := c.Download(context.Background(), pageURL); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := rec.Calls(); len(got) != len(want)+1 {
		t.Fatalf("second download made %d calls", len(got)-len(want))
	}
}

func TestDownloadGivesUpAfterOneRetry(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	counts := map[string]int{}
	ctl := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		counts[r.Method]++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPut {
			_ = json.NewEncoder(w).Encode(server.InjectResult{Success: true})
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(inline.Result{Error: server.ErrNotActive})
	}))
	t.Cleanup(ctl.Close)

	c, err := New(ctl.URL, 5*time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Download(context.Background(), "https://example.com/")
	if err == nil || !strings.Contains(err.Error(), server.ErrNotActive) {
		t.Fatalf("err = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[http.MethodPost] != 2 || counts[http.MethodPut] != 1 {
		t.Fatalf("requests = %v, want 2 POST and 1 PUT", counts)
	}
}

func TestDownloadSurfacesFailure(t *testing.T) {
	t.Parallel()
	ctl := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(inline.Result{Error: "document has no <html> element"})
	}))
	t.Cleanup(ctl.Close)

	c, err := New(ctl.URL, 5*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Download(context.Background(), "https://example.com/")
	if err == nil || !strings.Contains(err.Error(), "no <html> element") {
		t.Fatalf("err = %v", err)
	}
	if res.Success {
		t.Fatalf("result reported success")
	}
}

func TestInjectFailure(t *testing.T) {
	t.Parallel()
	s, err := server.New(server.Config{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	ctl := httptest.NewServer(s)
	t.Cleanup(ctl.Close)
	pages := newPageServer(t)

	c, err := New(ctl.URL, 5*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Download(context.Background(), pages.URL+"/gone")
	if err == nil || !strings.Contains(err.Error(), "inject") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsRelativeAddress(t *testing.T) {
	t.Parallel()
	if _, err := New("localhost", time.Second, nil); err == nil {
		t.Fatalf("expected error")
	}
}
