package inline

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/gosimple/slug"
)

// DefaultName replaces a title that sanitizes to nothing.
const DefaultName = "website"

const dateLayout = "2006-01-02"

// SanitizeTitle maps every character outside [A-Za-z0-9] to '_' and lower
// cases the result. An empty title yields DefaultName.
func SanitizeTitle(title string) string {
	if title == "" {
		return DefaultName
	}
	var sb strings.Builder
	sb.Grow(len(title))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			sb.WriteRune(r + 'a' - 'A')
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// FileName returns the suggested name of a snapshot of a page titled title
// taken at at: {sanitized}_{YYYY-MM-DD}.html with the date in UTC.
func FileName(title string, at time.Time) string {
	return SanitizeTitle(title) + "_" + at.UTC().Format(dateLayout) + ".html"
}

// NameOptions customizes file naming.
type NameOptions struct {
	// Transliterate converts non-Latin titles to their Latin spelling before
	// sanitizing instead of flattening every such character to '_'.
	Transliterate bool
	// Template, when set, is a text/template producing the name without
	// extension. Fields: .Name (sanitized title), .Title, .Date, .Host.
	Template string
}

type nameData struct {
	Name  string
	Title string
	Date  string
	Host  string
	Time  time.Time
}

// Namer produces output file names.
type Namer struct {
	transliterate bool
	tmpl          *template.Template
}

// NewNamer compiles the name template of opts, if any.
func NewNamer(opts NameOptions) (*Namer, error) {
	n := &Namer{transliterate: opts.Transliterate}
	if strings.TrimSpace(opts.Template) != "" {
		t, err := template.New("name").Funcs(sprig.TxtFuncMap()).Parse(opts.Template)
		if err != nil {
			return nil, fmt.Errorf("parse name template: %w", err)
		}
		n.tmpl = t
	}
	return n, nil
}

// Name returns the file name for a snapshot of the page at pageURL.
func (n *Namer) Name(title, pageURL string, at time.Time) (string, error) {
	if n == nil {
		return FileName(title, at), nil
	}
	name := title
	if n.transliterate && name != "" {
		if s := slug.Make(name); s != "" {
			name = s
		}
	}
	name = SanitizeTitle(name)
	if n.tmpl == nil {
		return name + "_" + at.UTC().Format(dateLayout) + ".html", nil
	}

	data := nameData{
		Name:  name,
		Title: title,
		Date:  at.UTC().Format(dateLayout),
		Time:  at.UTC(),
	}
	if u, err := ParseBase(pageURL); err == nil {
		data.Host = u.Hostname()
	}
	var buf bytes.Buffer
	if err := n.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute name template: %w", err)
	}
	out := strings.TrimSpace(buf.String())
	// names must stay inside the output directory
	out = strings.NewReplacer("/", "_", "\\", "_").Replace(out)
	if out == "" || out == "." || out == ".." {
		out = DefaultName
	}
	if !strings.EqualFold(filepath.Ext(out), ".html") {
		out += ".html"
	}
	return out, nil
}
