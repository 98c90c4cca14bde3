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

// WhatsAppProvider sends text messages through the WhatsApp Cloud API
type WhatsAppProvider struct {
	baseURL string
	http    *httpClient
}

// NewWhatsAppProvider creates a provider for the given API base URL
func NewWhatsAppProvider(baseURL string, timeout time.Duration) *WhatsAppProvider {
	return &WhatsAppProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    newHTTPClient(timeout),
	}
}

func (p *WhatsAppProvider) Channel() Channel { return WhatsApp }

func (p *WhatsAppProvider) CheckConfig(s *config.MessagingSettings) error {
	switch {
	case !s.WhatsAppEnabled:
		return notConfigured(WhatsApp, "disabled")
	case s.WhatsAppAPIToken == "":
		return notConfigured(WhatsApp, "missing api token")
	case s.WhatsAppPhoneID == "":
		return notConfigured(WhatsApp, "missing phone id")
	}
	return nil
}

type whatsAppRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body       string `json:"body"`
		PreviewURL bool   `json:"preview_url"`
	} `json:"text"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (p *WhatsAppProvider) Send(ctx context.Context, msg *Message, s *config.MessagingSettings) (*Receipt, error) {
	payload := whatsAppRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               normalizePhone(msg.Recipient),
		Type:             "text",
	}
	payload.Text.Body = msg.Body

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanent(0, "failed to marshal request: %v", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", p.baseURL, url.PathEscape(s.WhatsAppPhoneID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, Permanent(0, "failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.WhatsAppAPIToken)
	req.Header.Set("Content-Type", "application/json")

	var resp whatsAppResponse
	if err := p.http.do(req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return nil, Permanent(0, "whatsapp response without message id")
	}

	return &Receipt{ExternalID: resp.Messages[0].ID, RawStatus: "accepted"}, nil
}

// normalizePhone strips formatting from a phone number, keeping a leading +
func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
