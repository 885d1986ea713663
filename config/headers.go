package config

import (
	"net/http"
	"strings"
)

// Header returns the ambient headers sent with every fetch.
func (c *FetchConfig) Header() http.Header {
	hdr := http.Header{}
	for k, v := range c.Headers {
		if k = strings.TrimSpace(k); k != "" {
			hdr.Set(k, v)
		}
	}
	if ua := strings.TrimSpace(c.UserAgent); ua != "" {
		hdr.Set("User-Agent", ua)
	}
	return hdr
}
