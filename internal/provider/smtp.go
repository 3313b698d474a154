package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/postwave/postwave/internal/credstore"
	"github.com/postwave/postwave/internal/dkim"
)

// SMTPAdapter submits messages to an authenticated SMTP endpoint. The same
// implementation backs both the relay and custom-server kinds; only the
// credential set differs.
type SMTPAdapter struct {
	kind     Kind
	hostname string
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	signers map[string]*dkim.Signer
}

// NewSMTPAdapter creates an adapter for the given SMTP-backed kind.
// hostname is used in the EHLO greeting.
func NewSMTPAdapter(kind Kind, hostname string, timeout time.Duration, logger *slog.Logger) *SMTPAdapter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SMTPAdapter{
		kind:     kind,
		hostname: hostname,
		timeout:  timeout,
		logger:   logger,
		signers:  make(map[string]*dkim.Signer),
	}
}

func (a *SMTPAdapter) Kind() Kind {
	return a.kind
}

// Send delivers the message through creds.Host:creds.Port with PLAIN auth.
func (a *SMTPAdapter) Send(ctx context.Context, msg *Message, creds *credstore.Credentials) (*Result, error) {
	if creds.Host == "" {
		return nil, permanentErr("smtp host not configured")
	}
	port := creds.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(port))

	data := buildMIME(msg)
	if creds.DKIMKeyFile != "" {
		signed, err := a.signMessage(creds, data)
		if err != nil {
			a.logger.Warn("dkim signing failed, sending unsigned",
				"domain", creds.DKIMDomain,
				"error", err,
			)
		} else {
			data = signed
		}
	}

	dialer := &net.Dialer{Timeout: a.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if cerr := classifyCtxErr(ctx.Err()); cerr != nil {
			return nil, cerr
		}
		return nil, transientErr("connection failed to %s: %v", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(a.timeout))
	}

	tlsConfig := &tls.Config{
		ServerName: creds.Host,
		MinVersion: tls.VersionTLS12,
	}

	var client *smtp.Client
	if port == 465 {
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	} else {
		// Credentials travel over this connection, so a server without
		// STARTTLS is an error, not a plaintext fallback.
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, classifySMTPError(err, "STARTTLS")
		}
	}
	defer client.Close()

	// The client clears the connection deadline after the greeting and
	// applies these per command instead
	client.CommandTimeout = a.timeout
	client.SubmissionTimeout = a.timeout

	// The STARTTLS upgrade resets the handshake, so this EHLO carries
	// our hostname on the encrypted channel.
	if err := client.Hello(a.hostname); err != nil {
		return nil, classifySMTPError(err, "EHLO")
	}

	if creds.Username != "" {
		auth := sasl.NewPlainClient("", creds.Username, creds.Password)
		if err := client.Auth(auth); err != nil {
			return nil, classifySMTPError(err, "AUTH")
		}
	}

	if err := client.Mail(msg.From, nil); err != nil {
		return nil, classifySMTPError(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return nil, classifySMTPError(err, "RCPT TO")
	}

	wc, err := client.Data()
	if err != nil {
		return nil, classifySMTPError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return nil, transientErr("failed to write message data: %v", err)
	}
	if err := wc.Close(); err != nil {
		return nil, classifySMTPError(err, "DATA close")
	}

	client.Quit()

	a.logger.Debug("message submitted",
		"host", creds.Host,
		"from", msg.From,
		"to", msg.To,
	)

	return &Result{}, nil
}

// signMessage signs data with the DKIM key configured in creds, caching
// the signer per key file.
func (a *SMTPAdapter) signMessage(creds *credstore.Credentials, data []byte) ([]byte, error) {
	a.mu.Lock()
	signer, ok := a.signers[creds.DKIMKeyFile]
	a.mu.Unlock()

	if !ok {
		var err error
		signer, err = dkim.NewSignerFromFile(creds.DKIMDomain, creds.DKIMSelector, creds.DKIMKeyFile)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.signers[creds.DKIMKeyFile] = signer
		a.mu.Unlock()
	}

	return signer.Sign(data)
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// classifySMTPError determines whether a failed SMTP exchange is worth
// retrying. 4xx codes are transient, 5xx permanent, unknown errors
// transient.
func classifySMTPError(err error, stage string) error {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		if se.Code >= 500 {
			return permanentErr("%s", msg)
		}
		return transientErr("%s", msg)
	}

	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return permanentErr("%s", msg)
		}
		return transientErr("%s", msg)
	}

	return transientErr("%s", msg)
}
