package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"bizjournal/internal/types"
)

// SESAPI is the subset of the SES v2 client used by SESClient.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClientConfig configures an SESClient.
type SESClientConfig struct {
	// ConfigSetName is optional.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESClient delivers mail through AWS SES v2. Credentials come from the IAM
// role; the SDK retries throttling on its own.
type SESClient struct {
	api           SESAPI
	configSetName string
	logger        *slog.Logger
}

// NewSESClient creates an SESClient from an AWS config.
func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESClientWithAPI creates an SESClient over api.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESClient{
		api:           api,
		configSetName: cfg.ConfigSetName,
		logger:        logger,
	}
}

func utf8Content(s string) *sestypes.Content {
	return &sestypes.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

// Send delivers a rendered message and returns the SES message id.
//
// Error mapping:
//   - MessageRejected, AccountSuspended -> email_blocked (permanent)
//   - BadRequestException -> validation_invalid_email (permanent)
//   - TooManyRequestsException, LimitExceededException -> upstream_rate_limited
//   - SendingPausedException and everything else -> upstream_email_provider_unavailable
func (s *SESClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	from := input.From.Address
	if input.From.Name != "" {
		from = fmt.Sprintf("%s <%s>", input.From.Name, input.From.Address)
	}

	body := &sestypes.Body{}
	if input.HTMLBody != "" {
		body.Html = utf8Content(input.HTMLBody)
	}
	if input.TextBody != "" {
		body.Text = utf8Content(input.TextBody)
	}

	req := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &sestypes.Destination{ToAddresses: []string{input.To}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: utf8Content(input.Subject),
				Body:    body,
			},
		},
	}
	if s.configSetName != "" {
		req.ConfigurationSetName = aws.String(s.configSetName)
	}
	if input.ReferenceID != "" {
		req.EmailTags = []sestypes.MessageTag{
			{Name: aws.String("job_id"), Value: aws.String(input.ReferenceID)},
		}
	}

	out, err := s.api.SendEmail(ctx, req)
	if err != nil {
		s.logger.WarnContext(ctx, "ses send failed",
			slog.String("reference_id", input.ReferenceID),
			slog.String("error", err.Error()),
		)
		return "", mapSESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

func mapSESError(err error) error {
	var (
		rejected    *sestypes.MessageRejected
		suspended   *sestypes.AccountSuspendedException
		badRequest  *sestypes.BadRequestException
		tooMany     *sestypes.TooManyRequestsException
		limitExceed *sestypes.LimitExceededException
	)
	switch {
	case errors.As(err, &rejected), errors.As(err, &suspended):
		return types.NewAppError(types.ErrCodeEmailBlocked, "SES rejected message", err)
	case errors.As(err, &badRequest):
		return types.NewAppError(types.ErrCodeValidationInvalidEmail, "SES rejected request", err)
	case errors.As(err, &tooMany), errors.As(err, &limitExceed):
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "SES rate limit exceeded", err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "SES request timed out", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SES send failed", err)
}
