package inline

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	selLinks       = cascadia.MustCompile(`link[href]`)
	selStyles      = cascadia.MustCompile(`style`)
	selImages      = cascadia.MustCompile(`img[src]`)
	selVectors     = cascadia.MustCompile(`img[src], object[data], embed[src]`)
	selBackgrounds = cascadia.MustCompile(`[style*="background"]`)
	selScripts     = cascadia.MustCompile(`script[src]`)
	selBase        = cascadia.MustCompile(`base[href]`)
)

// pass is one traversal of the tree dedicated to a single reference kind.
type pass struct {
	name string
	run  func(p *Pipeline, ctx context.Context, doc *html.Node, base *url.URL)
}

// passes run in this order; they touch disjoint node and attribute sets.
var passes = []pass{
	{"stylesheets", (*Pipeline).inlineStylesheets},
	{"images", (*Pipeline).inlineImages},
	{"vectors", (*Pipeline).inlineVectors},
	{"backgrounds", (*Pipeline).inlineBackgrounds},
	{"icons", (*Pipeline).inlineIcons},
	{"scripts", (*Pipeline).inlineScripts},
}

var rawTextEnd = regexp.MustCompile(`(?i)</(script|style)`)

// escapeRawText keeps fetched text from terminating its raw text element
// early when serialized.
func escapeRawText(s string) string {
	return rawTextEnd.ReplaceAllString(s, `<\/$1`)
}

func (p *Pipeline) warn(msg string, kind Kind, ref string, err error) {
	p.log.Warn(msg, zap.Stringer("kind", kind), zap.String("url", ref), zap.Error(err))
}

// inlineSource replaces the reference attribute of n with its data URI.
func (p *Pipeline) inlineSource(ctx context.Context, n *html.Node, kind Kind, base *url.URL) {
	if !kind.Caps().Has(HasSource) {
		return
	}
	attr := kind.SourceAttr()
	raw := getAttr(n, attr)
	data, err := encodeRef(ctx, p.enc, raw, base)
	if err != nil {
		if !errors.Is(err, errSkip) {
			p.warn("Unable to inline resource", kind, raw, err)
		}
		return
	}
	setAttr(n, attr, data)
}

func (p *Pipeline) inlineStylesheets(ctx context.Context, doc *html.Node, base *url.URL) {
	// style elements created below already had their references resolved
	// against the stylesheet address
	existing := cascadia.QueryAll(doc, selStyles)

	for _, n := range cascadia.QueryAll(doc, selLinks) {
		if Classify(n) != KindStylesheetLink || n.Parent == nil {
			continue
		}
		href := strings.TrimSpace(getAttr(n, "href"))
		if href == "" || IsInlined(href) {
			continue
		}
		abs, err := Resolve(href, base)
		if err != nil {
			p.warn("Unable to resolve stylesheet", KindStylesheetLink, href, err)
			continue
		}
		text, err := FetchText(ctx, p.fetch, abs.String(), "text/css,*/*;q=0.1")
		if err != nil {
			p.warn("Unable to fetch stylesheet", KindStylesheetLink, abs.String(), err)
			continue
		}
		p.reportImports(text, abs)
		text = p.css.Rewrite(ctx, text, abs)

		style := &html.Node{Type: html.ElementNode, DataAtom: atom.Style, Data: "style"}
		if media := getAttr(n, "media"); media != "" {
			style.Attr = append(style.Attr, html.Attribute{Key: "media", Val: media})
		}
		setTextContent(style, escapeRawText(text))
		n.Parent.InsertBefore(style, n)
		n.Parent.RemoveChild(n)
	}

	for _, n := range existing {
		text := textContent(n)
		if rewritten := p.css.Rewrite(ctx, text, base); rewritten != text {
			setTextContent(n, rewritten)
		}
	}
}

func (p *Pipeline) reportImports(cssText string, sheet *url.URL) {
	imports, err := ImportsOf(cssText)
	if err != nil {
		p.log.Debug("Unable to parse stylesheet structure", zap.Stringer("url", sheet), zap.Error(err))
		return
	}
	for _, target := range imports {
		p.log.Warn("Nested stylesheet import is not followed", zap.Stringer("stylesheet", sheet), zap.String("import", target))
	}
}

func (p *Pipeline) inlineImages(ctx context.Context, doc *html.Node, base *url.URL) {
	for _, n := range cascadia.QueryAll(doc, selImages) {
		p.inlineSource(ctx, n, KindImage, base)
	}
}

// isVectorRef reports whether ref names an SVG file, with or without a query.
func isVectorRef(ref string) bool {
	ref = strings.ToLower(strings.TrimSpace(ref))
	return strings.HasSuffix(ref, ".svg") || strings.Contains(ref, ".svg?")
}

func (p *Pipeline) inlineVectors(ctx context.Context, doc *html.Node, base *url.URL) {
	for _, n := range cascadia.QueryAll(doc, selVectors) {
		kind := Classify(n)
		if !isVectorRef(getAttr(n, kind.SourceAttr())) {
			continue
		}
		p.inlineSource(ctx, n, kind, base)
	}
}

func (p *Pipeline) inlineBackgrounds(ctx context.Context, doc *html.Node, base *url.URL) {
	for _, n := range cascadia.QueryAll(doc, selBackgrounds) {
		style := getAttr(n, "style")
		if rewritten := p.css.Rewrite(ctx, style, base); rewritten != style {
			setAttr(n, "style", rewritten)
		}
	}
}

func (p *Pipeline) inlineIcons(ctx context.Context, doc *html.Node, base *url.URL) {
	for _, n := range cascadia.QueryAll(doc, selLinks) {
		if Classify(n) == KindIconLink {
			p.inlineSource(ctx, n, KindIconLink, base)
		}
	}
}

func (p *Pipeline) inlineScripts(ctx context.Context, doc *html.Node, base *url.URL) {
	for _, n := range cascadia.QueryAll(doc, selScripts) {
		src := strings.TrimSpace(getAttr(n, "src"))
		if src == "" || IsInlined(src) || n.Parent == nil {
			continue
		}
		abs, err := Resolve(src, base)
		if err != nil {
			p.warn("Unable to resolve script", KindScript, src, err)
			continue
		}
		text, err := FetchText(ctx, p.fetch, abs.String(), "*/*")
		if err != nil {
			p.warn("Unable to fetch script", KindScript, abs.String(), err)
			continue
		}
		script := &html.Node{Type: html.ElementNode, DataAtom: atom.Script, Data: "script", Namespace: n.Namespace}
		for _, a := range n.Attr {
			if a.Namespace == "" && strings.EqualFold(a.Key, "src") {
				continue
			}
			script.Attr = append(script.Attr, a)
		}
		setTextContent(script, escapeRawText(text))
		n.Parent.InsertBefore(script, n)
		n.Parent.RemoveChild(n)
	}
}

// documentBase returns the address document-level references resolve
// against: the first <base href> when present, the page address otherwise.
func documentBase(doc *html.Node, page *url.URL) *url.URL {
	if n := cascadia.Query(doc, selBase); n != nil {
		if u, err := Resolve(getAttr(n, "href"), page); err == nil && u.IsAbs() {
			return u
		}
	}
	return page
}
