package inline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/h2non/filetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnavailable marks a resource that could not be turned into an inline
// representation. Callers leave the reference untouched.
var ErrUnavailable = errors.New("resource unavailable")

// Encoder fetches resources and re-encodes them as base64 data URIs. There is
// no cache: every call is one request.
type Encoder struct {
	fetch Fetcher
	log   *zap.Logger
}

// NewEncoder returns an Encoder fetching through f.
func NewEncoder(f Fetcher, log *zap.Logger) *Encoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Encoder{fetch: f, log: log}
}

// Encode returns the data URI for absURL or an error wrapping ErrUnavailable.
func (e *Encoder) Encode(ctx context.Context, absURL string) (string, error) {
	res, err := e.fetch.Fetch(ctx, absURL, "*/*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	mt := detectMediaType(res.ContentType, absURL, res.Body)
	if err := validatePayload(mt, res.Body); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnavailable, absURL, err)
	}
	e.log.Debug("Encoded resource",
		zap.String("url", absURL),
		zap.String("mime", mt),
		zap.Int("bytes", len(res.Body)))
	return DataURI(mt, res.Body), nil
}

// DataURI formats payload as a base64 data URI of media type mt.
func DataURI(mt string, payload []byte) string {
	var sb strings.Builder
	sb.Grow(len(dataScheme) + len(mt) + 8 + base64.StdEncoding.EncodedLen(len(payload)))
	sb.WriteString(dataScheme)
	sb.WriteString(mt)
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(payload))
	return sb.String()
}

func isGenericMediaType(mt string) bool {
	switch mt {
	case "", "application/octet-stream", "binary/octet-stream", "application/unknown", "application/x-download":
		return true
	}
	return false
}

// detectMediaType prefers the declared type, falling back to the file
// extension and then to content sniffing for generic or missing declarations.
func detectMediaType(contentType, absURL string, body []byte) string {
	if mt, params, err := mime.ParseMediaType(contentType); err == nil && !isGenericMediaType(mt) {
		if cs := params["charset"]; cs != "" {
			return mt + ";charset=" + strings.ToLower(cs)
		}
		return mt
	}
	if u, err := url.Parse(absURL); err == nil {
		if mt := extToMimeType(path.Ext(u.Path)); mt != "" {
			return mt
		}
	}
	if kind, err := filetype.Match(body); err == nil && kind != filetype.Unknown && kind.MIME.Value != "" {
		return kind.MIME.Value
	}
	sniffed := http.DetectContentType(body)
	if mt, params, err := mime.ParseMediaType(sniffed); err == nil {
		if cs := params["charset"]; cs != "" {
			return mt + ";charset=" + strings.ToLower(cs)
		}
		return mt
	}
	return "application/octet-stream"
}

func extToMimeType(ext string) string {
	switch strings.ToLower(ext) {
	case ".woff":
		return "font/woff"
	case ".woff2":
		return "font/woff2"
	case ".ttf":
		return "font/ttf"
	case ".otf":
		return "font/otf"
	case ".eot":
		return "application/vnd.ms-fontobject"
	case ".svg":
		return "image/svg+xml"
	case ".css":
		return "text/css"
	case ".js", ".mjs":
		return "text/javascript"
	case ".ico":
		return "image/x-icon"
	case ".webp":
		return "image/webp"
	case ".avif":
		return "image/avif"
	}
	return ""
}

// validatePayload rejects payloads that contradict their media type, e.g. an
// HTML error page served with 200 for an image URL.
func validatePayload(mt string, body []byte) error {
	base, _, _ := strings.Cut(mt, ";")
	switch base {
	case "image/gif", "image/jpeg", "image/png", "image/bmp", "image/tiff", "image/webp":
		if _, _, err := image.DecodeConfig(bytes.NewReader(body)); err != nil {
			return fmt.Errorf("decode %s: %w", base, err)
		}
	case "font/woff":
		if !filetype.Is(body, "woff") {
			return errors.New("payload is not woff")
		}
	case "font/woff2":
		if !filetype.Is(body, "woff2") {
			return errors.New("payload is not woff2")
		}
	}
	return nil
}
