package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bizjournal/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridClientConfig configures a SendGridClient.
type SendGridClientConfig struct {
	APIKey string
	// BaseURL defaults to the public API.
	BaseURL string
	Logger  *slog.Logger
}

// SendGridClient delivers mail through the SendGrid v3 Mail Send API using
// BaseClient.
type SendGridClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewSendGridClient creates a SendGridClient with a 10 second timeout.
func NewSendGridClient(cfg SendGridClientConfig) *SendGridClient {
	base := NewBaseClient(
		&http.Client{Timeout: 10 * time.Second},
		"sendgrid",
		DefaultRetryPolicy(),
		"BizJournal-Delivery/1.0",
		cfg.Logger,
		WithUpstreamErrorCode(types.ErrCodeUpstreamEmailProvider),
	)
	return NewSendGridClientWithBase(base, cfg)
}

// NewSendGridClientWithBase creates a SendGridClient over base.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func buildMailPayload(input types.SendInput) sendGridMailPayload {
	p := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: input.To}}}},
		From:             sendGridAddress{Email: input.From.Address, Name: input.From.Name},
		Subject:          input.Subject,
	}
	// SendGrid requires text/plain before text/html.
	if input.TextBody != "" {
		p.Content = append(p.Content, sendGridContent{Type: "text/plain", Value: input.TextBody})
	}
	if input.HTMLBody != "" {
		p.Content = append(p.Content, sendGridContent{Type: "text/html", Value: input.HTMLBody})
	}
	if input.ReferenceID != "" {
		p.CustomArgs = map[string]string{"job_id": input.ReferenceID}
	}
	return p
}

// Send delivers a rendered message. SendGrid answers 202 with the message id
// in X-Message-Id.
//
// Error mapping:
//   - 400 on a recipient field -> validation_invalid_email (permanent)
//   - 403 -> email_blocked (permanent)
//   - 429, 5xx -> retried by BaseClient, then upstream_*
//   - other -> upstream_email_provider_unavailable
func (s *SendGridClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	body, err := json.Marshal(buildMailPayload(input))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return "", appErr
		}
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SendGrid request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("X-Message-Id"), nil
	}
	return "", s.handleErrorResponse(ctx, resp)
}

func (s *SendGridClient) handleErrorResponse(ctx context.Context, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var (
		sgErr sendGridErrorResponse
		msg   = strings.TrimSpace(string(raw))
		field string
	)
	if json.Unmarshal(raw, &sgErr) == nil && len(sgErr.Errors) > 0 {
		msg = sgErr.Errors[0].Message
		field = sgErr.Errors[0].Field
	}
	s.logger.WarnContext(ctx, "sendgrid send failed",
		slog.Int("status", resp.StatusCode),
		slog.String("message", msg),
	)

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(types.ErrCodeEmailBlocked, "SendGrid blocked delivery: "+msg, nil)
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(field, "to"):
		return types.NewAppError(types.ErrCodeValidationInvalidEmail, "SendGrid rejected recipient: "+msg, nil)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("SendGrid error (%d): %s", resp.StatusCode, msg), nil)
}
