package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/dkim"
	"github.com/ERPlora/module-messaging/internal/email"
)

// EmailProvider sends email through the tenant's SMTP relay or Amazon SES
type EmailProvider struct {
	helloName string
	keyring   *dkim.Keyring
	ses       *SESSender
	logger    *slog.Logger

	// dial opens the SMTP connection; replaced in tests
	dial func(addr string, implicitTLS, startTLS bool, tlsConfig *tls.Config) (*smtp.Client, error)
}

// NewEmailProvider creates an email provider. ses may be nil to disable the SES backend.
func NewEmailProvider(helloName string, keyring *dkim.Keyring, ses *SESSender, logger *slog.Logger) *EmailProvider {
	if helloName == "" {
		helloName = "localhost"
	}
	return &EmailProvider{
		helloName: helloName,
		keyring:   keyring,
		ses:       ses,
		logger:    logger,
		dial:      dialSMTP,
	}
}

func (p *EmailProvider) Channel() Channel { return Email }

func (p *EmailProvider) CheckConfig(s *config.MessagingSettings) error {
	if !s.EmailEnabled {
		return notConfigured(Email, "disabled")
	}
	if s.EmailFromAddress == "" {
		return notConfigured(Email, "missing from address")
	}

	switch s.EmailProvider {
	case config.EmailProviderSMTP:
		if s.EmailSMTPHost == "" {
			return notConfigured(Email, "missing smtp host")
		}
	case config.EmailProviderSES:
		if p.ses == nil {
			return notConfigured(Email, "ses backend unavailable")
		}
		if s.EmailSESRegion == "" {
			return notConfigured(Email, "missing ses region")
		}
	default:
		return notConfigured(Email, "unknown provider "+s.EmailProvider)
	}
	return nil
}

func (p *EmailProvider) Send(ctx context.Context, msg *Message, s *config.MessagingSettings) (*Receipt, error) {
	if _, err := mail.ParseAddress(msg.Recipient); err != nil {
		return nil, Permanent(0, "invalid recipient address %q", msg.Recipient)
	}

	data, messageID, err := p.compose(msg, s)
	if err != nil {
		return nil, err
	}

	if s.EmailProvider == config.EmailProviderSES {
		return p.ses.Send(ctx, s, msg.Recipient, data)
	}

	if err := p.sendSMTP(ctx, s, msg.Recipient, data); err != nil {
		return nil, err
	}
	return &Receipt{ExternalID: messageID, RawStatus: "accepted"}, nil
}

// compose builds an RFC 5322 message, DKIM-signed when the tenant has a key
func (p *EmailProvider) compose(msg *Message, s *config.MessagingSettings) ([]byte, string, error) {
	from := mail.Address{Name: s.EmailFromName, Address: s.EmailFromAddress}
	to := mail.Address{Name: msg.RecipientName, Address: msg.Recipient}

	domain := email.ExtractDomainOrDefault(s.EmailFromAddress, p.helloName)
	messageID := uuid.NewString() + "@" + domain

	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", time.Now().Format(time.RFC1123Z))
	header("Message-ID", "<"+messageID+">")
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(strings.ReplaceAll(msg.Body, "\n", "\r\n"))); err != nil {
		return nil, "", Permanent(0, "failed to encode body: %v", err)
	}
	qp.Close()

	data := buf.Bytes()
	if s.EmailDKIMKeyFile != "" && p.keyring != nil {
		dkimDomain := s.EmailDKIMDomain
		if dkimDomain == "" {
			dkimDomain = domain
		}
		signer, err := p.keyring.Signer(s.EmailDKIMKeyFile, dkimDomain, s.EmailDKIMSelector)
		if err == nil {
			data, err = signer.Sign(data)
		}
		if err != nil {
			p.logger.Warn("DKIM signing failed, sending unsigned", "domain", dkimDomain, "error", err)
			data = buf.Bytes()
		}
	}

	return data, messageID, nil
}

func (p *EmailProvider) sendSMTP(ctx context.Context, s *config.MessagingSettings, rcpt string, data []byte) error {
	addr := net.JoinHostPort(s.EmailSMTPHost, strconv.Itoa(s.EmailSMTPPort))
	implicitTLS := s.EmailSMTPUseTLS && s.EmailSMTPPort == 465
	startTLS := s.EmailSMTPUseTLS && !implicitTLS

	tlsConfig := &tls.Config{ServerName: s.EmailSMTPHost, MinVersion: tls.VersionTLS12}
	client, err := p.dial(addr, implicitTLS, startTLS, tlsConfig)
	if err != nil {
		return categorizeSMTPError(err, "connect")
	}
	defer client.Close()

	// Abort blocking protocol calls on cancellation
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	if err := client.Hello(p.helloName); err != nil {
		return categorizeSMTPError(err, "HELO")
	}

	if s.EmailSMTPUsername != "" {
		auth := sasl.NewPlainClient("", s.EmailSMTPUsername, s.EmailSMTPPassword)
		if err := client.Auth(auth); err != nil {
			var se *smtp.SMTPError
			if errors.As(err, &se) && se.Code == 535 {
				return notConfigured(Email, "smtp authentication rejected")
			}
			return categorizeSMTPError(err, "AUTH")
		}
	}

	if err := client.SendMail(s.EmailFromAddress, []string{rcpt}, bytes.NewReader(data)); err != nil {
		if ctx.Err() != nil {
			return Retryable(0, "send cancelled: %v", ctx.Err())
		}
		return categorizeSMTPError(err, "send")
	}

	client.Quit()
	return nil
}

func dialSMTP(addr string, implicitTLS, startTLS bool, tlsConfig *tls.Config) (*smtp.Client, error) {
	switch {
	case implicitTLS:
		return smtp.DialTLS(addr, tlsConfig)
	case startTLS:
		return smtp.DialStartTLS(addr, tlsConfig)
	default:
		return smtp.Dial(addr)
	}
}

// categorizeSMTPError maps reply codes to retry classes: 4xx transient, 5xx permanent.
// Network failures without a reply are transient.
func categorizeSMTPError(err error, stage string) *DispatchError {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		if se.Code >= 500 {
			return Permanent(se.Code, "%s failed: %v", stage, err)
		}
		return Retryable(se.Code, "%s failed: %v", stage, err)
	}
	return Retryable(0, "%s failed: %v", stage, err)
}
