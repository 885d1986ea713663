package inline

import (
	"strings"
	"testing"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

func firstMatch(t *testing.T, markup, sel string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	n := cascadia.Query(doc, cascadia.MustCompile(sel))
	if n == nil {
		t.Fatalf("no %s in %q", sel, markup)
	}
	return n
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		markup string
		sel    string
		want   Kind
	}{
		{`<img src="a.png">`, "img", KindImage},
		{`<object data="a.svg"></object>`, "object", KindObject},
		{`<embed src="a.svg">`, "embed", KindEmbed},
		{`<link rel="stylesheet" href="a.css">`, "link", KindStylesheetLink},
		{`<link rel="Alternate StyleSheet" href="a.css">`, "link", KindStylesheetLink},
		{`<link rel="icon" href="f.ico">`, "link", KindIconLink},
		{`<link rel="shortcut icon" href="f.ico">`, "link", KindIconLink},
		{`<link rel="apple-touch-icon" href="t.png">`, "link", KindIconLink},
		{`<link rel="preload" href="f.woff2">`, "link", KindOther},
		{`<style>a{}</style>`, "style", KindStyle},
		{`<script src="a.js"></script>`, "script", KindScript},
		{`<div style="background:url(a.png)"></div>`, "div", KindOther},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.markup, func(t *testing.T) {
			t.Parallel()
			if got := Classify(firstMatch(t, tc.markup, tc.sel)); got != tc.want {
				t.Fatalf("Classify = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKindCapabilities(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{KindImage, KindObject, KindEmbed, KindStylesheetLink, KindIconLink, KindScript} {
		if !k.Caps().Has(HasSource) || k.SourceAttr() == "" {
			t.Errorf("%v should carry a source attribute", k)
		}
	}
	if KindStyle.Caps().Has(HasSource) || !KindStyle.Caps().Has(HasStyleText) {
		t.Errorf("style capabilities wrong: %b", KindStyle.Caps())
	}
	if KindObject.SourceAttr() != "data" {
		t.Errorf("object source attribute = %q", KindObject.SourceAttr())
	}
}
