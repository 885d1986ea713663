package inline

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"

	cssast "github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	parse "github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
	"go.uber.org/zap"
)

// Rewriter replaces resource references embedded in CSS text with inline
// representations. References resolve against base.
type Rewriter interface {
	Rewrite(ctx context.Context, cssText string, base *url.URL) string
}

// urlPattern matches url(...) with or without quotes.
var urlPattern = regexp.MustCompile(`url\(['"]?([^'")\s]+)['"]?\)`)

var errSkip = errors.New("nothing to inline")

// encodeRef resolves raw against base and encodes it. errSkip is returned for
// references that need no work.
func encodeRef(ctx context.Context, enc *Encoder, raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	// fragment-only references point into the document itself (SVG filters,
	// clip paths) and must stay as they are
	if raw == "" || IsInlined(raw) || strings.HasPrefix(raw, "#") {
		return "", errSkip
	}
	abs, err := resolveString(raw, base)
	if err != nil {
		return "", err
	}
	return enc.Encode(ctx, abs)
}

// cssURL writes data in the url() form of the token it replaces, keeping the
// quote character if there was one.
func cssURL(token, data string) string {
	q := ""
	if inner := strings.TrimSpace(token[len("url("):]); inner != "" && (inner[0] == '"' || inner[0] == '\'') {
		q = inner[:1]
	}
	return "url(" + q + data + q + ")"
}

// References lists the url() references of cssText in order of appearance,
// the way PatternRewriter finds them.
func References(cssText string) []string {
	var out []string
	for _, m := range urlPattern.FindAllStringSubmatch(cssText, -1) {
		out = append(out, m[1])
	}
	return out
}

// PatternRewriter rewrites url() references found by regular expression.
// Replacement is textual: identical url() spellings are replaced together.
type PatternRewriter struct {
	enc *Encoder
	log *zap.Logger
}

// NewPatternRewriter returns a PatternRewriter encoding through enc.
func NewPatternRewriter(enc *Encoder, log *zap.Logger) *PatternRewriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &PatternRewriter{enc: enc, log: log}
}

func (r *PatternRewriter) Rewrite(ctx context.Context, cssText string, base *url.URL) string {
	out := cssText
	for _, m := range urlPattern.FindAllStringSubmatch(cssText, -1) {
		data, err := encodeRef(ctx, r.enc, m[1], base)
		if err != nil {
			if !errors.Is(err, errSkip) {
				r.log.Warn("Unable to inline stylesheet resource", zap.String("url", m[1]), zap.Stringer("base", base), zap.Error(err))
			}
			continue
		}
		out = strings.ReplaceAll(out, m[0], cssURL(m[0], data))
	}
	return out
}

// LexerRewriter rewrites URL tokens produced by a CSS lexer, one occurrence
// at a time. Everything else is copied through byte for byte.
type LexerRewriter struct {
	enc *Encoder
	log *zap.Logger
}

// NewLexerRewriter returns a LexerRewriter encoding through enc.
func NewLexerRewriter(enc *Encoder, log *zap.Logger) *LexerRewriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LexerRewriter{enc: enc, log: log}
}

func (r *LexerRewriter) Rewrite(ctx context.Context, cssText string, base *url.URL) string {
	var sb strings.Builder
	sb.Grow(len(cssText))
	lx := css.NewLexer(parse.NewInputString(cssText))
	for {
		tt, data := lx.Next()
		if tt == css.ErrorToken {
			break
		}
		if tt == css.URLToken {
			token := string(data)
			ref := unquote(strings.TrimSuffix(strings.TrimSpace(token[len("url("):]), ")"))
			enc, err := encodeRef(ctx, r.enc, ref, base)
			if err == nil {
				sb.WriteString(cssURL(token, enc))
				continue
			}
			if !errors.Is(err, errSkip) {
				r.log.Warn("Unable to inline stylesheet resource", zap.String("url", ref), zap.Stringer("base", base), zap.Error(err))
			}
		}
		sb.Write(data)
	}
	return sb.String()
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

// ImportsOf lists the targets of @import rules in cssText, including those
// nested in conditional group rules. They are reported, never followed.
func ImportsOf(cssText string) ([]string, error) {
	if strings.TrimSpace(cssText) == "" {
		return nil, nil
	}
	sheet, err := parser.Parse(cssText)
	if err != nil {
		return nil, err
	}
	var out []string
	var walk func([]*cssast.Rule)
	walk = func(rules []*cssast.Rule) {
		for _, rule := range rules {
			if rule == nil || rule.Kind != cssast.AtRule {
				continue
			}
			if strings.EqualFold(rule.Name, "@import") {
				if target := importTarget(rule.Prelude); target != "" {
					out = append(out, target)
				}
				continue
			}
			if rule.EmbedsRules() {
				walk(rule.Rules)
			}
		}
	}
	walk(sheet.Rules)
	return out, nil
}

func importTarget(prelude string) string {
	s := strings.TrimSpace(prelude)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(s), "url(") {
		end := strings.IndexByte(s, ')')
		if end == -1 {
			return ""
		}
		return unquote(s[4:end])
	}
	if s[0] == '"' || s[0] == '\'' {
		if idx := strings.IndexByte(s[1:], s[0]); idx != -1 {
			return s[1 : idx+1]
		}
	}
	return unquote(strings.Fields(s)[0])
}
