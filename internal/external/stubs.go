package external

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bizjournal/internal/types"
)

// Stub implementations let the engine boot locally without credentials.
// They log what they would have done and return predictable values.

// LogMailer logs outbound mail instead of sending it. Used when
// EMAIL_PROVIDER=log.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, input types.SendInput) (string, error) {
	m.logger.InfoContext(ctx, "stub: send email",
		slog.String("to", input.To),
		slog.String("from", input.From.Address),
		slog.String("subject", input.Subject),
		slog.String("reference_id", input.ReferenceID),
	)
	return "msg_stub_" + input.ReferenceID, nil
}

// StaticComposer renders a plain placeholder digest. Used when
// COMPOSER_BASE_URL is empty.
type StaticComposer struct {
	logger *slog.Logger
}

// NewStaticComposer creates a StaticComposer.
func NewStaticComposer(logger *slog.Logger) *StaticComposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticComposer{logger: logger}
}

func (c *StaticComposer) Compose(ctx context.Context, req types.ComposeRequest) (*types.Content, error) {
	c.logger.InfoContext(ctx, "stub: compose digest",
		slog.String("user_id", req.UserID),
		slog.String("job_type", string(req.JobType)),
		slog.String("day", req.Day),
	)

	subject := fmt.Sprintf("Your %s for %s", strings.ReplaceAll(string(req.JobType), "_", " "), req.Day)
	if req.IsTest {
		subject = "[Test] " + subject
	}
	return &types.Content{
		Subject:  subject,
		TextBody: "Your journal summary is ready.",
		HTMLBody: "<p>Your journal summary is ready.</p>",
	}, nil
}
