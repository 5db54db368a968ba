package server

import (
	"fmt"
	"html"
	"net/http"
)

// writeHTML renders a minimal page with restrictive security headers.
// Body fragments must already be escaped by the caller where they carry
// request-derived values.
func writeHTML(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
  <title>%s</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; }
    .card { border: 1px solid #ddd; border-radius: 8px; padding: 1.5rem; }
    button { padding: 0.5rem 1.5rem; }
  </style>
</head>
<body>
  <div class="card">
    <h2>%s</h2>
    %s
  </div>
</body>
</html>`, html.EscapeString(title), html.EscapeString(title), body)
}

func writeHTMLError(w http.ResponseWriter, status int, title, detail string) {
	writeHTML(w, status, title, "<p>"+html.EscapeString(detail)+"</p>")
}
