package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/mail"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/ERPlora/module-messaging/internal/config"
	"github.com/ERPlora/module-messaging/internal/dkim"
)

// relay is an in-process SMTP server recording accepted messages
type relay struct {
	mu       sync.Mutex
	from     string
	rcpts    []string
	data     []byte
	user     string
	rcptErr  error
	authSeen bool
}

func (r *relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{r: r}, nil
}

type relaySession struct{ r *relay }

func (s *relaySession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != "mailer" || password != "pw" {
			return smtp.ErrAuthFailed
		}
		s.r.mu.Lock()
		s.r.authSeen = true
		s.r.user = username
		s.r.mu.Unlock()
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error {
	s.r.mu.Lock()
	s.r.from = from
	s.r.mu.Unlock()
	return nil
}

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.r.rcptErr != nil {
		return s.r.rcptErr
	}
	s.r.mu.Lock()
	s.r.rcpts = append(s.r.rcpts, to)
	s.r.mu.Unlock()
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.r.mu.Lock()
	s.r.data = b
	s.r.mu.Unlock()
	return nil
}

func (s *relaySession) Reset()        {}
func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T, r *relay) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := smtp.NewServer(r)
	srv.Domain = "relay.test"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func smtpSettings(host string, port int) config.MessagingSettings {
	s := config.DefaultSettings()
	s.EmailEnabled = true
	s.EmailProvider = config.EmailProviderSMTP
	s.EmailFromName = "Salon Ana"
	s.EmailFromAddress = "noreply@salon.example"
	s.EmailSMTPHost = host
	s.EmailSMTPPort = port
	s.EmailSMTPUseTLS = false
	return s
}

func TestEmailSMTPSend(t *testing.T) {
	r := &relay{}
	host, port := startRelay(t, r)

	p := NewEmailProvider("worker.test", nil, nil, testLogger())
	s := smtpSettings(host, port)
	s.EmailSMTPUsername = "mailer"
	s.EmailSMTPPassword = "pw"

	msg := &Message{
		ID:            "m1",
		Channel:       Email,
		Recipient:     "ana@example.org",
		RecipientName: "Ana",
		Subject:       "Your appointment",
		Body:          "Hi Ana, your appointment is on 2024-05-01",
	}

	if err := p.CheckConfig(&s); err != nil {
		t.Fatalf("CheckConfig() error = %v", err)
	}
	receipt, err := p.Send(context.Background(), msg, &s)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.HasSuffix(receipt.ExternalID, "@salon.example") {
		t.Errorf("ExternalID = %q, want message id at sender domain", receipt.ExternalID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.authSeen {
		t.Error("expected SMTP AUTH")
	}
	if r.from != "noreply@salon.example" {
		t.Errorf("MAIL FROM = %q", r.from)
	}
	if len(r.rcpts) != 1 || r.rcpts[0] != "ana@example.org" {
		t.Errorf("RCPT TO = %v", r.rcpts)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(r.data))
	if err != nil {
		t.Fatalf("relay received unparsable message: %v", err)
	}
	if got := parsed.Header.Get("Message-ID"); got != "<"+receipt.ExternalID+">" {
		t.Errorf("Message-ID = %q, want <%s>", got, receipt.ExternalID)
	}
	if got := parsed.Header.Get("Subject"); got != "Your appointment" {
		t.Errorf("Subject = %q", got)
	}
	body, _ := io.ReadAll(parsed.Body)
	if !strings.Contains(string(body), "your appointment is on 2024-05-01") {
		t.Errorf("body = %q", body)
	}
}

func TestEmailSMTPReplyClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       *smtp.SMTPError
		retryable bool
	}{
		{"mailbox full", &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 2, 2}, Message: "mailbox full"}, true},
		{"no such user", &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port := startRelay(t, &relay{rcptErr: tt.err})
			p := NewEmailProvider("worker.test", nil, nil, testLogger())
			s := smtpSettings(host, port)

			_, err := p.Send(context.Background(), &Message{Recipient: "x@example.org", Subject: "s", Body: "b"}, &s)
			var de *DispatchError
			if !errors.As(err, &de) {
				t.Fatalf("Send() error = %v, want *DispatchError", err)
			}
			if de.Retryable != tt.retryable || de.Code != tt.err.Code {
				t.Errorf("error = %+v, want retryable=%v code=%d", de, tt.retryable, tt.err.Code)
			}
		})
	}
}

func TestEmailAuthRejectedIsNotConfigured(t *testing.T) {
	host, port := startRelay(t, &relay{})
	p := NewEmailProvider("worker.test", nil, nil, testLogger())
	s := smtpSettings(host, port)
	s.EmailSMTPUsername = "mailer"
	s.EmailSMTPPassword = "wrong"

	_, err := p.Send(context.Background(), &Message{Recipient: "x@example.org", Body: "b"}, &s)
	if !errors.Is(err, ErrChannelNotConfigured) {
		t.Errorf("Send() error = %v, want ErrChannelNotConfigured", err)
	}
}

func TestEmailConnectFailureIsRetryable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewEmailProvider("worker.test", nil, nil, testLogger())
	s := smtpSettings("127.0.0.1", port)

	_, err := p.Send(context.Background(), &Message{Recipient: "x@example.org", Body: "b"}, &s)
	if !IsRetryable(err) {
		t.Errorf("Send() error = %v, want retryable", err)
	}
}

func TestEmailInvalidRecipient(t *testing.T) {
	p := NewEmailProvider("worker.test", nil, nil, testLogger())
	s := smtpSettings("127.0.0.1", 25)

	_, err := p.Send(context.Background(), &Message{Recipient: "not an address", Body: "b"}, &s)
	if err == nil || IsRetryable(err) {
		t.Errorf("Send() error = %v, want permanent error", err)
	}
}

func TestEmailDKIMSigned(t *testing.T) {
	kp, err := dkim.GenerateKey("salon.example", "mail")
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "dkim.pem")
	if err := kp.SavePrivateKey(keyPath); err != nil {
		t.Fatal(err)
	}

	r := &relay{}
	host, port := startRelay(t, r)
	p := NewEmailProvider("worker.test", dkim.NewKeyring(), nil, testLogger())
	s := smtpSettings(host, port)
	s.EmailDKIMSelector = "mail"
	s.EmailDKIMKeyFile = keyPath

	if _, err := p.Send(context.Background(), &Message{Recipient: "x@example.org", Subject: "s", Body: "b"}, &s); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !bytes.HasPrefix(r.data, []byte("DKIM-Signature:")) {
		t.Error("message should carry a DKIM-Signature header")
	}
	if !bytes.Contains(r.data, []byte("d=salon.example")) {
		t.Error("signature should use the sender domain")
	}
}

func TestEmailCheckConfig(t *testing.T) {
	tests := []struct {
		name   string
		ses    *SESSender
		modify func(*config.MessagingSettings)
	}{
		{"disabled", nil, func(s *config.MessagingSettings) { s.EmailEnabled = false }},
		{"no from", nil, func(s *config.MessagingSettings) { s.EmailFromAddress = "" }},
		{"no host", nil, func(s *config.MessagingSettings) { s.EmailSMTPHost = "" }},
		{"ses unavailable", nil, func(s *config.MessagingSettings) {
			s.EmailProvider = config.EmailProviderSES
			s.EmailSESRegion = "eu-west-1"
		}},
		{"ses without region", NewSESSender(), func(s *config.MessagingSettings) {
			s.EmailProvider = config.EmailProviderSES
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewEmailProvider("", nil, tt.ses, testLogger())
			s := smtpSettings("smtp.example", 587)
			tt.modify(&s)

			if err := p.CheckConfig(&s); !errors.Is(err, ErrChannelNotConfigured) {
				t.Errorf("CheckConfig() error = %v, want ErrChannelNotConfigured", err)
			}
		})
	}
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	id := "0100018f-ses"
	return &sesv2.SendEmailOutput{MessageId: &id}, nil
}

func sesProvider(api sesAPI) *EmailProvider {
	sender := NewSESSender()
	sender.newAPI = func(ctx context.Context, region, accessKeyID, secret string) (sesAPI, error) {
		return api, nil
	}
	return NewEmailProvider("", nil, sender, testLogger())
}

func TestEmailSESSend(t *testing.T) {
	api := &fakeSES{}
	p := sesProvider(api)

	s := smtpSettings("", 587)
	s.EmailProvider = config.EmailProviderSES
	s.EmailSESRegion = "eu-west-1"

	if err := p.CheckConfig(&s); err != nil {
		t.Fatalf("CheckConfig() error = %v", err)
	}
	receipt, err := p.Send(context.Background(), &Message{Recipient: "ana@example.org", Subject: "s", Body: "b"}, &s)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if receipt.ExternalID != "0100018f-ses" {
		t.Errorf("ExternalID = %q", receipt.ExternalID)
	}
	if api.input == nil || api.input.Content.Raw == nil || len(api.input.Content.Raw.Data) == 0 {
		t.Fatal("expected raw MIME content")
	}
	if to := api.input.Destination.ToAddresses; len(to) != 1 || to[0] != "ana@example.org" {
		t.Errorf("ToAddresses = %v", to)
	}
}

func TestEmailSESErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"throttled", &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}, true},
		{"rejected", &smithy.GenericAPIError{Code: "MessageRejected", Message: "bad content"}, false},
		{"server fault", &smithy.GenericAPIError{Code: "Unknown", Fault: smithy.FaultServer}, true},
		{"network", errors.New("dial tcp: timeout"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sesProvider(&fakeSES{err: tt.err})
			s := smtpSettings("", 587)
			s.EmailProvider = config.EmailProviderSES
			s.EmailSESRegion = "eu-west-1"

			_, err := p.Send(context.Background(), &Message{Recipient: "ana@example.org", Body: "b"}, &s)
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", err, got, tt.retryable)
			}
		})
	}
}

func TestCategorizeSMTPError(t *testing.T) {
	if de := categorizeSMTPError(errors.New("EOF"), "DATA"); !de.Retryable {
		t.Error("network error should be retryable")
	}
	if de := categorizeSMTPError(&smtp.SMTPError{Code: 554}, "DATA"); de.Retryable || de.Code != 554 {
		t.Errorf("554 = %+v, want permanent", de)
	}
}
