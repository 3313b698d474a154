package provider

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// buildMIME assembles an RFC 5322 message for backends that take raw
// message data (SMTP, mailbox APIs)
func buildMIME(msg *Message) []byte {
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}

	headers := []string{
		"From: " + from,
		"To: " + msg.To,
		"Subject: " + msg.Subject,
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
	}
	if msg.ReplyTo != "" {
		headers = append(headers, "Reply-To: "+msg.ReplyTo)
	}
	// Deterministic order for extra headers
	extra := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		headers = append(headers, k+": "+msg.Headers[k])
	}

	var b strings.Builder
	switch {
	case msg.HTML != "" && msg.Text != "":
		boundary := "postwave-alt-boundary"
		headers = append(headers, "Content-Type: multipart/alternative; boundary="+boundary)
		b.WriteString(strings.Join(headers, "\r\n"))
		b.WriteString("\r\n\r\n")
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.Text)
		b.WriteString("\r\n--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.HTML)
		b.WriteString("\r\n--" + boundary + "--\r\n")
	case msg.HTML != "":
		headers = append(headers, "Content-Type: text/html; charset=UTF-8")
		b.WriteString(strings.Join(headers, "\r\n"))
		b.WriteString("\r\n\r\n")
		b.WriteString(msg.HTML)
	default:
		headers = append(headers, "Content-Type: text/plain; charset=UTF-8")
		b.WriteString(strings.Join(headers, "\r\n"))
		b.WriteString("\r\n\r\n")
		b.WriteString(msg.Text)
	}

	return []byte(b.String())
}
