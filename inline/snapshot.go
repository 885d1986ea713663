package inline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// Doctype prefixes every snapshot.
const Doctype = "<!DOCTYPE html>\n"

var (
	selMetaCharset   = cascadia.MustCompile(`meta[charset]`)
	selMetaHTTPEquiv = cascadia.MustCompile(`meta[http-equiv][content]`)
)

// Document is a captured page: its address, title and parsed tree.
type Document struct {
	URL   string
	Title string
	Root  *html.Node
}

// ParseDocument parses markup served for pageURL. contentType may be empty,
// the charset is then sniffed from the markup.
func ParseDocument(r io.Reader, pageURL, contentType string) (*Document, error) {
	cr, err := charset.NewReader(r, contentType)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", pageURL, err)
	}
	root, err := html.Parse(cr)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return &Document{URL: pageURL, Title: extractTitle(root), Root: root}, nil
}

func extractTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return strings.Join(strings.Fields(textContent(n)), " ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Namespace != "" {
			continue
		}
		if t := extractTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// Options configures a Pipeline.
type Options struct {
	// Rewriter selects the stylesheet rewriter: "pattern" (default) or "lexer".
	Rewriter string
	Logger   *zap.Logger
}

// Pipeline inlines every external reference of a document. A Pipeline holds
// no per-conversion state and may be reused; each conversion works on its own
// copy of the tree and issues its fetches one at a time.
type Pipeline struct {
	fetch Fetcher
	enc   *Encoder
	css   Rewriter
	log   *zap.Logger
}

// New returns a Pipeline fetching through f.
func New(f Fetcher, opts Options) (*Pipeline, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("inline")
	p := &Pipeline{
		fetch: f,
		enc:   NewEncoder(f, log),
		log:   log,
	}
	switch strings.ToLower(strings.TrimSpace(opts.Rewriter)) {
	case "", "pattern":
		p.css = NewPatternRewriter(p.enc, log)
	case "lexer":
		p.css = NewLexerRewriter(p.enc, log)
	default:
		return nil, fmt.Errorf("unknown stylesheet rewriter %q", opts.Rewriter)
	}
	return p, nil
}

// Inline runs all passes over doc in place, resolving document-level
// references against base (or the document's <base href>).
func (p *Pipeline) Inline(ctx context.Context, doc *html.Node, base *url.URL) error {
	base = documentBase(doc, base)
	for _, ps := range passes {
		start := time.Now()
		ps.run(p, ctx, doc, base)
		p.log.Debug("Pass finished", zap.String("pass", ps.name), zap.Duration("elapsed", time.Since(start)))
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pass %s: %w", ps.name, err)
		}
	}
	return nil
}

// Snapshot produces the self-contained markup of doc. The source tree is not
// modified. Resource failures are logged and leave the reference as it was;
// only failures of the conversion itself are returned.
func (p *Pipeline) Snapshot(ctx context.Context, doc *Document) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("snapshot: %v", r)
		}
	}()
	if doc == nil || doc.Root == nil {
		return nil, errors.New("snapshot: no document")
	}
	base, err := ParseBase(doc.URL)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	clone := CloneTree(doc.Root)
	root := documentElement(clone)
	if root == nil {
		return nil, fmt.Errorf("snapshot %s: document has no html element", doc.URL)
	}

	start := time.Now()
	if err := p.Inline(ctx, clone, base); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", doc.URL, err)
	}
	ensureCharset(root)

	out, err = Render(root)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", doc.URL, err)
	}
	p.log.Info("Snapshot complete", zap.String("url", doc.URL), zap.Int("bytes", len(out)), zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// CloneTree returns an independent deep copy of n.
func CloneTree(n *html.Node) *html.Node {
	c := &html.Node{Type: n.Type, DataAtom: n.DataAtom, Data: n.Data, Namespace: n.Namespace}
	if len(n.Attr) > 0 {
		c.Attr = append([]html.Attribute(nil), n.Attr...)
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.AppendChild(CloneTree(ch))
	}
	return c
}

func documentElement(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Html {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Html {
			return c
		}
	}
	return nil
}

// ensureCharset makes the document declare UTF-8, the encoding Render
// writes. Existing declarations, both meta charset and the http-equiv form,
// are rewritten; <meta charset="UTF-8"> is inserted as the first head child
// when the head declares nothing.
func ensureCharset(root *html.Node) {
	var head *html.Node
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Head {
			head = c
			break
		}
	}
	if head == nil {
		head = &html.Node{Type: html.ElementNode, DataAtom: atom.Head, Data: "head"}
		root.InsertBefore(head, root.FirstChild)
	}

	declared := false
	for _, n := range cascadia.QueryAll(root, selMetaCharset) {
		setAttr(n, "charset", "UTF-8")
		declared = declared || isDescendant(n, head)
	}
	for _, n := range cascadia.QueryAll(root, selMetaHTTPEquiv) {
		if !strings.EqualFold(strings.TrimSpace(getAttr(n, "http-equiv")), "content-type") {
			continue
		}
		setAttr(n, "content", "text/html; charset=UTF-8")
		declared = declared || isDescendant(n, head)
	}
	if declared {
		return
	}
	meta := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Meta,
		Data:     "meta",
		Attr:     []html.Attribute{{Key: "charset", Val: "UTF-8"}},
	}
	head.InsertBefore(meta, head.FirstChild)
}

func isDescendant(n, ancestor *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Render serializes the document element prefixed with the doctype.
func Render(root *html.Node) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Doctype)
	if err := html.Render(&buf, root); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}

// Result reports the outcome of a conversion to a remote caller. It is never
// partial: Success with a file, or an error.
type Result struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Filename string `json:"filename,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}
