package inline

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestEncoderEncode(t *testing.T) {
	t.Parallel()
	img := pngBytes(t)
	ff := newFakeFetcher()
	ff.add("https://a.test/declared.png", "image/png", img)
	ff.add("https://a.test/generic", "application/octet-stream", img)
	ff.add("https://a.test/icon.svg", "", []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`))
	ff.add("https://a.test/font.ttf", "", []byte{0x01, 0x02, 0x03, 0x04})
	ff.add("https://a.test/t.js", "application/javascript; charset=UTF-8", []byte("var x;"))

	enc := NewEncoder(ff, zaptest.NewLogger(t))
	cases := []struct {
		url    string
		prefix string
	}{
		{"https://a.test/declared.png", "data:image/png;base64,"},
		{"https://a.test/generic", "data:image/png;base64,"},
		{"https://a.test/icon.svg", "data:image/svg+xml;base64,"},
		{"https://a.test/font.ttf", "data:font/ttf;base64,"},
		{"https://a.test/t.js", "data:application/javascript;charset=utf-8;base64,"},
	}
	for _, tc := range cases {
		got, err := enc.Encode(context.Background(), tc.url)
		if err != nil {
			t.Fatalf("Encode(%s): %v", tc.url, err)
		}
		if !strings.HasPrefix(got, tc.prefix) {
			t.Fatalf("Encode(%s) = %.60q, want prefix %q", tc.url, got, tc.prefix)
		}
	}

	got, _ := enc.Encode(context.Background(), "https://a.test/declared.png")
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, "data:image/png;base64,"))
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if string(payload) != string(img) {
		t.Fatalf("payload does not round trip")
	}
}

func TestEncoderFailures(t *testing.T) {
	t.Parallel()
	ff := newFakeFetcher()
	ff.add("https://a.test/fake.png", "image/png", []byte("<html>not found</html>"))
	enc := NewEncoder(ff, zaptest.NewLogger(t))

	for _, u := range []string{"https://a.test/missing.png", "https://a.test/fake.png"} {
		if _, err := enc.Encode(context.Background(), u); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Encode(%s) error = %v, want ErrUnavailable", u, err)
		}
	}
}

func TestDataURI(t *testing.T) {
	t.Parallel()
	if got := DataURI("text/plain", []byte("hi")); got != "data:text/plain;base64,aGk=" {
		t.Fatalf("DataURI = %q", got)
	}
}
