package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ERPlora/module-messaging/internal/config"
)

// sesAPI is the subset of the SES v2 client used for sending
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends raw MIME messages through Amazon SES.
// Clients are cached per region and access key.
type SESSender struct {
	mu      sync.Mutex
	clients map[string]sesAPI
	newAPI  func(ctx context.Context, region, accessKeyID, secret string) (sesAPI, error)
}

// NewSESSender creates a sender that builds SDK clients on demand
func NewSESSender() *SESSender {
	return &SESSender{
		clients: make(map[string]sesAPI),
		newAPI:  newSESClient,
	}
}

func newSESClient(ctx context.Context, region, accessKeyID, secret string) (sesAPI, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secret, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	// Retries are owned by the dispatcher
	return sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		o.Retryer = aws.NopRetryer{}
	}), nil
}

func (s *SESSender) client(ctx context.Context, settings *config.MessagingSettings) (sesAPI, error) {
	key := settings.EmailSESRegion + "|" + settings.EmailSESAccessKeyID + "|" + settings.EmailSESSecretAccessKey

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	c, err := s.newAPI(ctx, settings.EmailSESRegion, settings.EmailSESAccessKeyID, settings.EmailSESSecretAccessKey)
	if err != nil {
		return nil, err
	}
	s.clients[key] = c
	return c, nil
}

// Send submits data as a raw message to rcpt
func (s *SESSender) Send(ctx context.Context, settings *config.MessagingSettings, rcpt string, data []byte) (*Receipt, error) {
	api, err := s.client(ctx, settings)
	if err != nil {
		return nil, notConfigured(Email, err.Error())
	}

	out, err := api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(settings.EmailFromAddress),
		Destination:      &types.Destination{ToAddresses: []string{rcpt}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: data},
		},
	})
	if err != nil {
		return nil, classifySESError(err)
	}
	if out.MessageId == nil || *out.MessageId == "" {
		return nil, Permanent(0, "ses response without message id")
	}

	return &Receipt{ExternalID: *out.MessageId, RawStatus: "accepted"}, nil
}

func classifySESError(err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return Retryable(0, "ses request failed: %v", err)
	}

	switch ae.ErrorCode() {
	case "TooManyRequestsException", "LimitExceededException", "Throttling", "ThrottlingException",
		"InternalFailure", "ServiceUnavailable":
		return Retryable(0, "ses: %s: %s", ae.ErrorCode(), ae.ErrorMessage())
	}

	if ae.ErrorFault() == smithy.FaultServer {
		return Retryable(0, "ses: %s: %s", ae.ErrorCode(), ae.ErrorMessage())
	}
	return Permanent(0, "ses: %s: %s", ae.ErrorCode(), ae.ErrorMessage())
}
