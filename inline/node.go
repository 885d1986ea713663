package inline

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Kind is the variant of a tree node as far as inlining is concerned.
type Kind uint8

const (
	KindOther Kind = iota
	KindImage
	KindObject
	KindEmbed
	KindStylesheetLink
	KindIconLink
	KindStyle
	KindScript
)

// Capability is what a node kind offers to the passes.
type Capability uint8

const (
	HasSource Capability = 1 << iota
	HasStyleText
	HasChildren
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindObject:
		return "object"
	case KindEmbed:
		return "embed"
	case KindStylesheetLink:
		return "stylesheet"
	case KindIconLink:
		return "icon"
	case KindStyle:
		return "style"
	case KindScript:
		return "script"
	}
	return "other"
}

// Caps returns the capability set of the kind.
func (k Kind) Caps() Capability {
	switch k {
	case KindImage, KindEmbed, KindStylesheetLink, KindIconLink:
		return HasSource
	case KindObject, KindScript:
		return HasSource | HasChildren
	case KindStyle:
		return HasStyleText | HasChildren
	}
	return HasChildren
}

// Has reports whether c includes all of want.
func (c Capability) Has(want Capability) bool { return c&want == want }

// SourceAttr names the attribute holding the external reference of kinds
// with HasSource.
func (k Kind) SourceAttr() string {
	switch k {
	case KindImage, KindEmbed, KindScript:
		return "src"
	case KindStylesheetLink, KindIconLink:
		return "href"
	case KindObject:
		return "data"
	}
	return ""
}

// Classify maps an element to its Kind.
func Classify(n *html.Node) Kind {
	if n == nil || n.Type != html.ElementNode {
		return KindOther
	}
	switch n.DataAtom {
	case atom.Img:
		return KindImage
	case atom.Object:
		return KindObject
	case atom.Embed:
		return KindEmbed
	case atom.Style:
		return KindStyle
	case atom.Script:
		return KindScript
	case atom.Link:
		rel := strings.Fields(strings.ToLower(getAttr(n, "rel")))
		for _, r := range rel {
			if r == "stylesheet" {
				return KindStylesheetLink
			}
		}
		for _, r := range rel {
			if strings.Contains(r, "icon") {
				return KindIconLink
			}
		}
	}
	return KindOther
}

func getAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, name, val string) {
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && strings.EqualFold(n.Attr[i].Key, name) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: val})
}

// textContent concatenates the text children of n.
func textContent(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

// setTextContent replaces all children of n with a single text node.
func setTextContent(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}
