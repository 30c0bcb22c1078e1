package proxylab

import (
	"fmt"
	"io"
	"strings"
	"text/template"
)

// BlockPage renders the notice sent to clients whose target is blocked.
type BlockPage struct {
	template *template.Template
}

// BlockPageData contains the data passed to the block page template.
type BlockPageData struct {
	URL       string
	Host      string
	Pattern   string
	Strategy  string
	Timestamp string
}

// DefaultBlockPageText is the default plain-text notice.
const DefaultBlockPageText = `This website is blocked by the proxy server.

Host: {{.Host}}
Time: {{.Timestamp}}
`

// blockResponseHead precedes every notice. There is no Content-Length; the
// connection is closed after the body.
const blockResponseHead = "HTTP/1.1 403 Forbidden\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Connection: close\r\n" +
	"\r\n"

// NewBlockPage creates a new BlockPage with the default template.
func NewBlockPage() *BlockPage {
	tmpl := template.Must(template.New("block").Parse(DefaultBlockPageText))
	return &BlockPage{template: tmpl}
}

// NewBlockPageFromTemplate creates a BlockPage from a custom template string.
func NewBlockPageFromTemplate(templateStr string) (*BlockPage, error) {
	tmpl, err := template.New("block").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// NewBlockPageFromFile creates a BlockPage from a template file.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// Render writes the notice body to w.
func (bp *BlockPage) Render(w io.Writer, data BlockPageData) error {
	return bp.template.Execute(w, data)
}

// RenderString returns the notice body as a string.
func (bp *BlockPage) RenderString(data BlockPageData) (string, error) {
	var sb strings.Builder
	if err := bp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// WriteResponse writes the complete 403 reply in a single write.
func (bp *BlockPage) WriteResponse(w io.Writer, data BlockPageData) error {
	var sb strings.Builder
	sb.WriteString(blockResponseHead)
	if err := bp.template.Execute(&sb, data); err != nil {
		return fmt.Errorf("rendering block page: %w", err)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
