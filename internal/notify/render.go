package notify

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed templates/*.md
var templateFS embed.FS

var (
	templates = template.Must(template.New("").Option("missingkey=error").ParseFS(templateFS, "templates/*.md"))
	markdown  = goldmark.New(goldmark.WithExtensions(extension.Table))
)

// Render executes a template and returns the plain text body and its HTML
// rendering.
func Render(name string, data InstanceData) (string, string, error) {
	var text bytes.Buffer
	if err := templates.ExecuteTemplate(&text, name+".md", data); err != nil {
		return "", "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	var html bytes.Buffer
	if err := markdown.Convert(text.Bytes(), &html); err != nil {
		return "", "", fmt.Errorf("failed to convert template %s to html: %w", name, err)
	}
	return text.String(), html.String(), nil
}
