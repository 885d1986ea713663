package capture

import (
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// cookieParams lists the jar cookies for u in the form the browser accepts.
func cookieParams(jar http.CookieJar, u *url.URL) []*network.CookieParam {
	if jar == nil || u == nil {
		return nil
	}
	cookies := jar.Cookies(u)
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		// the jar strips domain and path when handing cookies out
		if p.Domain == "" {
			p.Domain = u.Hostname()
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires.UTC())
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params
}

// storeCookies saves what the browser collected back into the jar so the
// resource fetches that follow see the same session.
func storeCookies(jar http.CookieJar, pageURL string, cookies []*network.Cookie) {
	if jar == nil || len(cookies) == 0 {
		return
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if hc := cookieFromNetwork(c); hc != nil {
			out = append(out, hc)
		}
	}
	jar.SetCookies(u, out)
}

func cookieFromNetwork(c *network.Cookie) *http.Cookie {
	if c == nil {
		return nil
	}
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if !c.Session && c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		hc.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	switch c.SameSite {
	case network.CookieSameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case network.CookieSameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case network.CookieSameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}
