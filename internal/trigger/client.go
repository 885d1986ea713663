// Package trigger is the control surface of a running server: it asks the
// session of a page for a snapshot and stores the produced file.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"pagepack/inline"
	"pagepack/internal/server"
)

const maxResponse = 256 << 20

// errNotActive is returned by message when the session does not exist.
var errNotActive = errors.New(server.ErrNotActive)

// Client talks to the session endpoints of a server.
type Client struct {
	base *url.URL
	http *http.Client
	log  *zap.Logger
}

// New returns a client for the server at addr.
func New(addr string, timeout time.Duration, log *zap.Logger) (*Client, error) {
	base, err := inline.ParseBase(addr)
	if err != nil {
		return nil, fmt.Errorf("trigger: server address: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
		log:  log.Named("trigger"),
	}, nil
}

// Download asks the session of pageURL for a snapshot. A session that is not
// active gets the page injected and the message is sent once more.
func (c *Client) Download(ctx context.Context, pageURL string) (inline.Result, error) {
	pageURL = strings.TrimSpace(pageURL)
	id := server.SessionID(pageURL)

	res, err := c.message(ctx, id)
	if errors.Is(err, errNotActive) {
		c.log.Debug("Session not active, injecting", zap.String("session", id), zap.String("url", pageURL))
		if err := c.inject(ctx, id, pageURL); err != nil {
			return inline.Result{}, err
		}
		res, err = c.message(ctx, id)
	}
	if err != nil {
		return inline.Result{}, err
	}
	if !res.Success {
		return res, fmt.Errorf("snapshot of %s failed: %s", pageURL, res.Error)
	}
	return res, nil
}

// Save downloads the snapshot of pageURL and hands it to saver under the
// suggested file name.
func (c *Client) Save(ctx context.Context, pageURL string, saver inline.Saver) (string, error) {
	res, err := c.Download(ctx, pageURL)
	if err != nil {
		return "", err
	}
	name, data, err := c.artifact(ctx, res.Artifact)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = res.Filename
	}
	return saver.Save(ctx, name, data)
}

func (c *Client) message(ctx context.Context, id string) (inline.Result, error) {
	var res inline.Result
	resp, err := c.doJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/messages", server.Message{Action: server.ActionDownloadPage})
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&res); err != nil {
		return res, fmt.Errorf("message: status %s: %w", resp.Status, err)
	}
	if resp.StatusCode == http.StatusNotFound && res.Error == server.ErrNotActive {
		return res, errNotActive
	}
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
		return res, fmt.Errorf("message rejected: %s", res.Error)
	}
	return res, nil
}

func (c *Client) inject(ctx context.Context, id, pageURL string) error {
	resp, err := c.doJSON(ctx, http.MethodPut, "/sessions/"+url.PathEscape(id), server.InjectRequest{URL: pageURL})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res server.InjectResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&res); err != nil {
		return fmt.Errorf("inject: status %s: %w", resp.Status, err)
	}
	if !res.Success {
		return fmt.Errorf("inject %s: %s", pageURL, res.Error)
	}
	c.log.Debug("Injected", zap.String("session", id), zap.String("url", res.URL), zap.String("title", res.Title))
	return nil
}

// artifact downloads the produced file and the name the server suggests.
func (c *Client) artifact(ctx context.Context, loc string) (string, []byte, error) {
	if loc == "" {
		return "", nil, errors.New("server returned no artifact")
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", nil, fmt.Errorf("artifact %q: %w", loc, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.ResolveReference(ref).String(), nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("artifact %s: %s", loc, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return "", nil, fmt.Errorf("artifact %s: %w", loc, err)
	}
	var name string
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	return name, data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
