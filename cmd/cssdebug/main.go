// cssdebug lists the references of the stylesheets of a page, or of a single
// stylesheet, together with the addresses they resolve to.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"pagepack/inline"
)

var selLinks = cascadia.MustCompile(`link[href]`)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: cssdebug URL")
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(ctx, os.Args[1], log); err != nil {
		log.Error("cssdebug failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, target string, log *zap.Logger) error {
	f := inline.NewHTTPFetcher(inline.FetchOptions{Timeout: 30 * time.Second})
	res, err := f.Fetch(ctx, target, "text/html,text/css;q=0.9,*/*;q=0.1")
	if err != nil {
		return err
	}
	page := res.URL
	if page == "" {
		page = target
	}
	if strings.HasPrefix(res.ContentType, "text/css") {
		return dump(page, string(res.Body))
	}

	doc, err := inline.ParseDocument(bytes.NewReader(res.Body), page, res.ContentType)
	if err != nil {
		return err
	}
	base, err := inline.ParseBase(doc.URL)
	if err != nil {
		return err
	}
	log.Info("Page", zap.String("url", doc.URL), zap.String("title", doc.Title))
	for _, n := range cascadia.QueryAll(doc.Root, selLinks) {
		if inline.Classify(n) != inline.KindStylesheetLink {
			continue
		}
		var href string
		for _, a := range n.Attr {
			if a.Namespace == "" && strings.EqualFold(a.Key, "href") {
				href = a.Val
			}
		}
		abs, err := inline.Resolve(href, base)
		if err != nil {
			log.Warn("Bad stylesheet reference", zap.String("href", href), zap.Error(err))
			continue
		}
		text, err := inline.FetchText(ctx, f, abs.String(), "text/css,*/*;q=0.1")
		if err != nil {
			log.Warn("Unable to fetch stylesheet", zap.Stringer("url", abs), zap.Error(err))
			continue
		}
		if err := dump(abs.String(), text); err != nil {
			return err
		}
	}
	return nil
}

func dump(sheet, text string) error {
	base, err := inline.ParseBase(sheet)
	if err != nil {
		return err
	}
	fmt.Printf("stylesheet %s\n", sheet)
	for _, ref := range inline.References(text) {
		switch abs, err := inline.Resolve(ref, base); {
		case inline.IsInlined(ref):
			fmt.Printf("  url    %.48s (inlined)\n", ref)
		case err != nil:
			fmt.Printf("  url    %s (%v)\n", ref, err)
		default:
			fmt.Printf("  url    %s -> %s\n", ref, abs)
		}
	}
	imports, err := inline.ImportsOf(text)
	if err != nil {
		fmt.Printf("  import unable to parse: %v\n", err)
		return nil
	}
	for _, imp := range imports {
		abs, err := inline.Resolve(imp, base)
		if err != nil {
			fmt.Printf("  import %s (%v)\n", imp, err)
			continue
		}
		fmt.Printf("  import %s -> %s (not followed)\n", imp, abs)
	}
	return nil
}
