package channel

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ERPlora/module-messaging/internal/config"
)

// Gateway routes messages to the provider registered for their channel.
// It never retries; retry policy belongs to the caller.
type Gateway struct {
	providers map[Channel]Provider
	logger    *slog.Logger
}

// NewGateway creates a gateway with the given providers
func NewGateway(logger *slog.Logger, providers ...Provider) *Gateway {
	g := &Gateway{
		providers: make(map[Channel]Provider),
		logger:    logger,
	}
	for _, p := range providers {
		g.Register(p)
	}
	return g
}

// Register adds or replaces the provider for its channel
func (g *Gateway) Register(p Provider) {
	g.providers[p.Channel()] = p
}

// Check verifies that msg could be handed to a provider under settings
func (g *Gateway) Check(msg *Message, settings *config.MessagingSettings) error {
	if !msg.Channel.Valid() {
		return Permanent(0, "invalid channel %q", msg.Channel)
	}
	p, ok := g.providers[msg.Channel]
	if !ok {
		return notConfigured(msg.Channel, "no provider registered")
	}
	if settings == nil {
		return notConfigured(msg.Channel, "no settings")
	}
	if err := p.CheckConfig(settings); err != nil {
		return err
	}
	if strings.TrimSpace(msg.Recipient) == "" {
		return Permanent(0, "empty recipient")
	}
	return nil
}

// Send dispatches msg through its channel provider
func (g *Gateway) Send(ctx context.Context, msg *Message, settings *config.MessagingSettings) (*Receipt, error) {
	if err := g.Check(msg, settings); err != nil {
		return nil, err
	}

	receipt, err := g.providers[msg.Channel].Send(ctx, msg, settings)
	if err != nil {
		g.logger.Debug("provider rejected message",
			"message_id", msg.ID,
			"channel", msg.Channel,
			"retryable", IsRetryable(err),
			"error", err,
		)
		return nil, err
	}
	if receipt == nil || receipt.ExternalID == "" {
		return nil, Permanent(0, "%s provider returned no message id", msg.Channel)
	}

	return receipt, nil
}

// Channels lists the registered channels
func (g *Gateway) Channels() []Channel {
	out := make([]Channel, 0, len(g.providers))
	for ch := range g.providers {
		out = append(out, ch)
	}
	return out
}
