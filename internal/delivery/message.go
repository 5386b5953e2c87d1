package delivery

import (
	"fmt"
	"strings"

	"github.com/busybox42/mailflow/internal/job"
)

// buildMessage renders a job as a plain-text RFC 5322 message. Headers use
// CRLF line endings so the result can be handed to an SMTP DATA command or a
// DKIM signer without further normalization.
func buildMessage(j *job.Job) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", j.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(j.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", j.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(j.Body, "\n", "\r\n"))
	return []byte(b.String())
}
