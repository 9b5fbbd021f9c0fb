package runtime

import (
	"strings"
	"text/template"
)

// render interpolates {{.key}} placeholders from the session context.
// Rendering failures fall back to the raw text.
func (r *run) render(text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(text)
	if err != nil {
		r.m.logger.Warn("prompt template invalid", "call_id", r.sess.CallID, "node_id", r.sess.CurrentNode, "err", err)
		return text
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, r.sess.Context); err != nil {
		r.m.logger.Warn("prompt rendering failed", "call_id", r.sess.CallID, "node_id", r.sess.CurrentNode, "err", err)
		return text
	}
	return strings.ReplaceAll(b.String(), "<no value>", "")
}
