// ABOUTME: Template rendering for notification emails.
// ABOUTME: Templates parsed once at init from embedded FS; rendered per delivery.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltpl "html/template"
	"strings"
	texttpl "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	emailHTML = htmltpl.Must(htmltpl.New("").ParseFS(templateFS, "templates/email.html.tmpl"))
	emailText = texttpl.Must(texttpl.New("").ParseFS(templateFS, "templates/email.txt.tmpl"))
)

// RenderEmail renders a notification email. Returns subject, HTML body, and
// plaintext body.
func RenderEmail(data EmailTemplateData) (string, string, string, error) {
	var subjectBuf bytes.Buffer
	if err := emailText.ExecuteTemplate(&subjectBuf, "subject", data); err != nil {
		return "", "", "", fmt.Errorf("render subject: %w", err)
	}
	subject := sanitizeSubject(subjectBuf.String())

	var htmlBuf bytes.Buffer
	if err := emailHTML.ExecuteTemplate(&htmlBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render html: %w", err)
	}

	var textBuf bytes.Buffer
	if err := emailText.ExecuteTemplate(&textBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render text: %w", err)
	}

	return subject, htmlBuf.String(), textBuf.String(), nil
}

// sanitizeSubject strips CR/LF to prevent email header injection.
func sanitizeSubject(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
