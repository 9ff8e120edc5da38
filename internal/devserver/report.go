package devserver

import (
	"bytes"
	"fmt"
	"html"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// renderReport converts the project's markdown notes into a standalone
// HTML document.
func renderReport(p *Project) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var content bytes.Buffer
	if err := md.Convert([]byte(p.Notes), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<h1>%s</h1>
<p>Device: %s (class %s) — status %s</p>
%s
</body>
</html>
`,
		html.EscapeString(p.Name),
		html.EscapeString(p.Name),
		html.EscapeString(p.DeviceName),
		html.EscapeString(p.DeviceClass),
		html.EscapeString(p.Status),
		content.String(),
	), nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := renderReport(p)
	if err != nil {
		writeError(w, newError(CodeInternal, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}
