package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ERPlora/module-messaging/internal/config"
)

// SMSProvider sends text messages through Twilio or MessageBird,
// selected per tenant by sms_provider
type SMSProvider struct {
	twilioURL      string
	messageBirdURL string
	http           *httpClient
}

// NewSMSProvider creates an SMS provider with the given API base URLs
func NewSMSProvider(twilioURL, messageBirdURL string, timeout time.Duration) *SMSProvider {
	return &SMSProvider{
		twilioURL:      strings.TrimRight(twilioURL, "/"),
		messageBirdURL: strings.TrimRight(messageBirdURL, "/"),
		http:           newHTTPClient(timeout),
	}
}

func (p *SMSProvider) Channel() Channel { return SMS }

func (p *SMSProvider) CheckConfig(s *config.MessagingSettings) error {
	if !s.SMSEnabled {
		return notConfigured(SMS, "disabled")
	}
	if s.SMSAPIKey == "" {
		return notConfigured(SMS, "missing api key")
	}

	switch s.SMSProvider {
	case config.SMSProviderTwilio:
		if _, _, ok := twilioCredentials(s.SMSAPIKey); !ok {
			return notConfigured(SMS, "twilio api key must be ACCOUNT_SID:AUTH_TOKEN")
		}
		if s.SMSSenderName == "" {
			return notConfigured(SMS, "missing sender name")
		}
	case config.SMSProviderMessageBird:
		if s.SMSSenderName == "" {
			return notConfigured(SMS, "missing sender name")
		}
	default:
		return notConfigured(SMS, "no provider selected")
	}
	return nil
}

func (p *SMSProvider) Send(ctx context.Context, msg *Message, s *config.MessagingSettings) (*Receipt, error) {
	switch s.SMSProvider {
	case config.SMSProviderTwilio:
		return p.sendTwilio(ctx, msg, s)
	case config.SMSProviderMessageBird:
		return p.sendMessageBird(ctx, msg, s)
	}
	return nil, notConfigured(SMS, "no provider selected")
}

func (p *SMSProvider) sendTwilio(ctx context.Context, msg *Message, s *config.MessagingSettings) (*Receipt, error) {
	sid, token, _ := twilioCredentials(s.SMSAPIKey)

	form := url.Values{}
	form.Set("To", normalizePhone(msg.Recipient))
	form.Set("From", s.SMSSenderName)
	form.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.twilioURL, url.PathEscape(sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, Permanent(0, "failed to create request: %v", err)
	}
	req.SetBasicAuth(sid, token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := p.http.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.SID == "" {
		return nil, Permanent(0, "twilio response without sid")
	}

	return &Receipt{ExternalID: resp.SID, RawStatus: resp.Status}, nil
}

func (p *SMSProvider) sendMessageBird(ctx context.Context, msg *Message, s *config.MessagingSettings) (*Receipt, error) {
	payload := map[string]any{
		"originator": s.SMSSenderName,
		"recipients": []string{strings.TrimPrefix(normalizePhone(msg.Recipient), "+")},
		"body":       msg.Body,
		"reference":  msg.ID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanent(0, "failed to marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.messageBirdURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, Permanent(0, "failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "AccessKey "+s.SMSAPIKey)
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		ID string `json:"id"`
	}
	if err := p.http.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, Permanent(0, "messagebird response without id")
	}

	return &Receipt{ExternalID: resp.ID, RawStatus: "sent"}, nil
}

// twilioCredentials splits an "ACCOUNT_SID:AUTH_TOKEN" api key
func twilioCredentials(key string) (sid, token string, ok bool) {
	sid, token, ok = strings.Cut(key, ":")
	if !ok || sid == "" || token == "" {
		return "", "", false
	}
	return sid, token, true
}
